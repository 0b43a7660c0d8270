package authsource

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/nulpointcorp/llm-gateway/internal/config"
)

// oauthResolver fetches (and the underlying oauth2.TokenSource transparently
// caches/refreshes) a bearer token via the client-credentials grant,
// grounded on the pack's own use of golang.org/x/oauth2 — rakunlabs-at's
// vertex provider wraps a google.DefaultTokenSource the same way
// clientcredentials.Config.TokenSource wraps a plain OAuth2 token endpoint
// here, and the sibling ai-gateway pack uses
// golang.org/x/oauth2/clientcredentials directly for this exact grant type.
type oauthResolver struct {
	source oauth2.TokenSource
}

func newOAuthResolver(cfg *config.OAuthClientCredentialsStrategy, lookup Lookup) (Resolver, error) {
	if cfg.TokenURL == "" {
		return nil, fmt.Errorf("authsource: oauth_client_credentials requires token_url")
	}

	clientID := cfg.ClientID
	if len(cfg.ClientIDKeys) > 0 {
		v, err := firstNonEmpty(lookup, cfg.ClientIDKeys)
		if err != nil {
			return nil, fmt.Errorf("authsource: oauth_client_credentials client_id: %w", err)
		}
		clientID = v
	}
	clientSecret := cfg.ClientSecret
	if len(cfg.ClientSecretKeys) > 0 {
		v, err := firstNonEmpty(lookup, cfg.ClientSecretKeys)
		if err != nil {
			return nil, fmt.Errorf("authsource: oauth_client_credentials client_secret: %w", err)
		}
		clientSecret = v
	}
	if clientID == "" || clientSecret == "" {
		return nil, fmt.Errorf("authsource: oauth_client_credentials requires a client_id and client_secret")
	}

	params := make(map[string][]string, len(cfg.ExtraParams)+1)
	for k, v := range cfg.ExtraParams {
		params[k] = []string{v}
	}
	if cfg.Audience != "" {
		params["audience"] = []string{cfg.Audience}
	}

	ccCfg := &clientcredentials.Config{
		ClientID:       clientID,
		ClientSecret:   clientSecret,
		TokenURL:       cfg.TokenURL,
		EndpointParams: params,
	}
	if cfg.Scope != "" {
		ccCfg.Scopes = []string{cfg.Scope}
	}

	// The token source is bound to context.Background(): every token fetch
	// and refresh runs under it, and Apply's per-request ctx is not passed
	// to the token endpoint call.
	return &oauthResolver{source: ccCfg.TokenSource(context.Background())}, nil
}

func (r *oauthResolver) Apply(ctx context.Context, req *http.Request, _ []byte) error {
	tok, err := r.source.Token()
	if err != nil {
		return fmt.Errorf("authsource: oauth_client_credentials fetch token: %w", err)
	}
	tok.SetAuthHeader(req)
	return nil
}
