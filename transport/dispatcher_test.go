package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/superglue-ai/superglue-sub011/model"
)

func TestDetectScheme(t *testing.T) {
	assert.Equal(t, SchemePostgres, DetectScheme("postgres://db.example.com/app"))
	assert.Equal(t, SchemePostgres, DetectScheme("postgresql://db.example.com/app"))
	assert.Equal(t, SchemeFTP, DetectScheme("ftp://files.example.com"))
	assert.Equal(t, SchemeFTP, DetectScheme("ftps://files.example.com"))
	assert.Equal(t, SchemeFTP, DetectScheme("sftp://files.example.com"))
	assert.Equal(t, SchemeHTTP, DetectScheme("https://api.example.com"))
}

func TestIsPaginationBypassed(t *testing.T) {
	assert.False(t, IsPaginationBypassed("https://api.example.com"))
	assert.True(t, IsPaginationBypassed("postgres://db.example.com"))
	assert.True(t, IsPaginationBypassed("sftp://files.example.com"))
}

type fakeTransport struct {
	called bool
	resp   model.Response
}

func (f *fakeTransport) Execute(ctx context.Context, ep model.Endpoint, resolved ResolvedRequest) (model.Response, error) {
	f.called = true
	return f.resp, nil
}

func TestDispatchRoutesByScheme(t *testing.T) {
	pg := &fakeTransport{resp: model.Response{StatusCode: 200}}
	d := &Dispatcher{HTTP: &fakeTransport{}, Postgres: pg, FTP: &fakeTransport{}}

	_, err := d.Dispatch(context.Background(), model.Endpoint{URLHost: "postgres://db.example.com"}, ResolvedRequest{})

	require.NoError(t, err)
	assert.True(t, pg.called)
}
