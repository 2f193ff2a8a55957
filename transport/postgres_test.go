package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/superglue-ai/superglue-sub011/core"
	"github.com/superglue-ai/superglue-sub011/model"
)

func TestIsLocalHost(t *testing.T) {
	assert.True(t, isLocalHost("localhost"))
	assert.True(t, isLocalHost("127.0.0.1"))
	assert.True(t, isLocalHost("::1"))
	assert.False(t, isLocalHost("db.example.com"))
}

func TestPoolRegistryMissReturnsFalse(t *testing.T) {
	r := NewPoolRegistry()

	_, ok := r.get("conn-a")
	assert.False(t, ok)
}

func TestPostgresExecuteErrorNamesSQLNotConnString(t *testing.T) {
	p := NewPostgresTransport(NewPoolRegistry(), PostgresConfig{Retries: 1, RetryDelay: time.Millisecond}, nil)
	connString := "postgres://user:hunter2secret@%%bad/db"

	_, err := p.Execute(context.Background(), model.Endpoint{URLHost: connString}, ResolvedRequest{
		URL:  connString,
		Body: "SELECT id FROM orders",
	})

	require.Error(t, err)
	var ee *core.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, core.KindTransport, ee.Kind)
	assert.Contains(t, ee.Message, "SELECT id FROM orders")
	assert.NotContains(t, ee.Message, "hunter2secret")
}
