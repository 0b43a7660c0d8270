// Package authsource resolves the provider-side authentication strategies
// named in spec §6 (api_key_env, command, http_header_env/command,
// query_param_env/command, sigv4, oauth_client_credentials) into a
// Resolver that internal/backend applies to each outbound request.
//
// Grounded on the teacher's provider clients (internal/providers/*), which
// each hand-roll one fixed auth shape (a static bearer header or, for
// Bedrock, inline SigV4 HMAC signing); authsource generalizes that into a
// configurable, per-backend strategy so a raw-HTTP proxy backend (which has
// no typed provider.Provider of its own) gets the same credential-injection
// machinery.
package authsource

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/nulpointcorp/llm-gateway/internal/config"
)

// Lookup resolves an environment variable by name. The zero value (nil)
// falls back to os.LookupEnv.
type Lookup func(name string) (string, bool)

func (l Lookup) get(name string) (string, bool) {
	if l == nil {
		return os.LookupEnv(name)
	}
	return l(name)
}

// firstNonEmpty returns the first env var in names that resolves to a
// non-empty value, per spec §6's "first non-empty wins" convention for the
// *_env list strategies.
func firstNonEmpty(lookup Lookup, names []string) (string, error) {
	for _, n := range names {
		if v, ok := lookup.get(n); ok && v != "" {
			return v, nil
		}
	}
	return "", fmt.Errorf("authsource: none of %v is set to a non-empty value", names)
}

// Resolver injects one resolved credential into an outbound request before
// it is sent. Implementations must be safe for concurrent use — one
// Resolver is built per backend and shared across every in-flight request.
type Resolver interface {
	// Apply mutates req, adding whatever the strategy requires (a header,
	// a query parameter, or — for SigV4 — a full request signature). body
	// is the already-serialized request body, needed for signing schemes
	// that hash the payload; it may be nil for bodyless requests.
	Apply(ctx context.Context, req *http.Request, body []byte) error
}

// New builds the Resolver for backend auth cfg. Exactly one leg of cfg
// should be populated; when more than one is, the first match in spec §6's
// listed order wins (api_key_env, command, http_header_env/command,
// query_param_env/command, sigv4, oauth_client_credentials) — config
// authoring is expected to set only one, this is a defined tie-break, not
// an invitation to combine strategies.
func New(cfg *config.AuthStrategy, lookup Lookup) (Resolver, error) {
	if cfg == nil {
		return noopResolver{}, nil
	}
	switch {
	case len(cfg.APIKeyEnv) > 0:
		return &headerResolver{header: "Authorization", prefix: "Bearer ", src: envSource{lookup, cfg.APIKeyEnv}}, nil

	case len(cfg.Command) > 0:
		return &headerResolver{header: "Authorization", prefix: "Bearer ", src: commandSource{cfg.Command}}, nil

	case len(cfg.HTTPHeaderEnv) > 0:
		if cfg.Header == "" {
			return nil, fmt.Errorf("authsource: http_header_env requires header")
		}
		return &headerResolver{header: cfg.Header, prefix: cfg.Prefix, src: envSource{lookup, cfg.HTTPHeaderEnv}}, nil

	case len(cfg.HTTPHeaderCommand) > 0:
		if cfg.Header == "" {
			return nil, fmt.Errorf("authsource: http_header_command requires header")
		}
		return &headerResolver{header: cfg.Header, prefix: cfg.Prefix, src: commandSource{cfg.HTTPHeaderCommand}}, nil

	case len(cfg.QueryParamEnv) > 0:
		if cfg.QueryParam == "" {
			return nil, fmt.Errorf("authsource: query_param_env requires query_param")
		}
		return &queryResolver{param: cfg.QueryParam, src: envSource{lookup, cfg.QueryParamEnv}}, nil

	case len(cfg.QueryParamCommand) > 0:
		if cfg.QueryParam == "" {
			return nil, fmt.Errorf("authsource: query_param_command requires query_param")
		}
		return &queryResolver{param: cfg.QueryParam, src: commandSource{cfg.QueryParamCommand}}, nil

	case cfg.SigV4 != nil:
		return newSigV4Resolver(cfg.SigV4, lookup)

	case cfg.OAuthClientCredentials != nil:
		return newOAuthResolver(cfg.OAuthClientCredentials, lookup)

	default:
		return noopResolver{}, nil
	}
}

// noopResolver is used for backends with no Auth configured: the static
// Headers/QueryParams map on config.Backend (already placeholder-expanded)
// is the whole credential, and internal/backend applies those unconditionally.
type noopResolver struct{}

func (noopResolver) Apply(context.Context, *http.Request, []byte) error { return nil }

// credentialSource resolves the secret value a header/query strategy
// injects, independent of where it's placed on the wire.
type credentialSource interface {
	resolve(ctx context.Context) (string, error)
}

type envSource struct {
	lookup Lookup
	names  []string
}

func (s envSource) resolve(context.Context) (string, error) { return firstNonEmpty(s.lookup, s.names) }

type headerResolver struct {
	header string
	prefix string
	src    credentialSource
}

func (r *headerResolver) Apply(ctx context.Context, req *http.Request, _ []byte) error {
	v, err := r.src.resolve(ctx)
	if err != nil {
		return err
	}
	req.Header.Set(r.header, r.prefix+v)
	return nil
}

type queryResolver struct {
	param string
	src   credentialSource
}

func (r *queryResolver) Apply(ctx context.Context, req *http.Request, _ []byte) error {
	v, err := r.src.resolve(ctx)
	if err != nil {
		return err
	}
	q := req.URL.Query()
	q.Set(r.param, v)
	req.URL.RawQuery = q.Encode()
	return nil
}
