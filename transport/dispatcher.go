// Package transport implements the transport dispatcher and its three
// concrete transports (HTTP, Postgres, FTP/SFTP), chosen by the scheme of
// an endpoint's urlHost.
package transport

import (
	"context"
	"strings"

	"github.com/superglue-ai/superglue-sub011/model"
)

// Scheme identifies which transport owns an endpoint.
type Scheme int

const (
	SchemeHTTP Scheme = iota
	SchemePostgres
	SchemeFTP
)

// DetectScheme routes by urlHost prefix.
func DetectScheme(urlHost string) Scheme {
	lower := strings.ToLower(strings.TrimSpace(urlHost))
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return SchemePostgres
	case strings.HasPrefix(lower, "ftp://"), strings.HasPrefix(lower, "ftps://"), strings.HasPrefix(lower, "sftp://"):
		return SchemeFTP
	default:
		return SchemeHTTP
	}
}

// IsPaginationBypassed reports whether the endpoint's transport bypasses the
// pagination controller: non-HTTP transports execute exactly once and
// return a synthetic 200.
func IsPaginationBypassed(urlHost string) bool {
	return DetectScheme(urlHost) != SchemeHTTP
}

// ResolvedRequest is the fully variable-substituted request surface for one
// attempt, built by the step runner via the variable resolver before
// dispatch. Options, when set, carries the caller's per-call overrides.
type ResolvedRequest struct {
	URL         string
	Headers     []model.KV
	QueryParams []model.KV
	Body        string
	Options     *model.RequestOptions
}

// Transport executes one resolved request against one endpoint.
type Transport interface {
	Execute(ctx context.Context, ep model.Endpoint, resolved ResolvedRequest) (model.Response, error)
}

// Dispatcher routes an endpoint to the transport matching its scheme.
type Dispatcher struct {
	HTTP     Transport
	Postgres Transport
	FTP      Transport
}

func (d *Dispatcher) Dispatch(ctx context.Context, ep model.Endpoint, resolved ResolvedRequest) (model.Response, error) {
	switch DetectScheme(ep.URLHost) {
	case SchemePostgres:
		return d.Postgres.Execute(ctx, ep, resolved)
	case SchemeFTP:
		return d.FTP.Execute(ctx, ep, resolved)
	default:
		return d.HTTP.Execute(ctx, ep, resolved)
	}
}
