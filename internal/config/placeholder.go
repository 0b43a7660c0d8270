package config

import (
	"fmt"
	"regexp"
	"strings"
)

// Env is the facade placeholder expansion reads from: process environment
// plus whatever .env map gotenv loaded. Both are just string maps by the
// time expansion runs.
type Env interface {
	Lookup(name string) (string, bool)
}

// mapEnv is the default Env backed by os.Environ via os.LookupEnv, wired in
// by the caller (placeholder.go never calls os.LookupEnv directly so tests
// can substitute a fixed map).
type mapEnv struct {
	lookup func(string) (string, bool)
}

func (m mapEnv) Lookup(name string) (string, bool) { return m.lookup(name) }

var placeholderPattern = regexp.MustCompile(`\$\{([^}]*)\}`)

// ExpandPlaceholders walks raw and substitutes every ${VAR} occurrence using
// env. An unterminated "${", an empty name, a missing variable, or a
// whitespace-only value is a hard configuration error — the gateway refuses
// to start rather than silently embed an empty credential.
func ExpandPlaceholders(raw string, env Env) (string, error) {
	for i := 0; ; {
		idx := strings.Index(raw[i:], "${")
		if idx < 0 {
			break
		}
		idx += i
		end := strings.Index(raw[idx:], "}")
		if end < 0 {
			return "", fmt.Errorf("config: unterminated ${ in %q", snippet(raw, idx))
		}
		i = idx + end + 1
	}

	var expandErr error
	out := placeholderPattern.ReplaceAllStringFunc(raw, func(m string) string {
		if expandErr != nil {
			return m
		}
		name := strings.TrimSuffix(strings.TrimPrefix(m, "${"), "}")
		if name == "" {
			expandErr = fmt.Errorf("config: empty placeholder name in %q", m)
			return m
		}
		val, ok := env.Lookup(name)
		if !ok {
			expandErr = fmt.Errorf("config: placeholder ${%s} references an undefined variable", name)
			return m
		}
		if strings.TrimSpace(val) == "" {
			expandErr = fmt.Errorf("config: placeholder ${%s} resolves to an empty/whitespace-only value", name)
			return m
		}
		return val
	})
	if expandErr != nil {
		return "", expandErr
	}
	return out, nil
}

func snippet(s string, at int) string {
	end := at + 24
	if end > len(s) {
		end = len(s)
	}
	return s[at:end]
}

// ExpandBackend resolves ${VAR} placeholders in the fields the spec names:
// base_url, headers, query_params, and every provider_config value.
func ExpandBackend(b Backend, env Env) (Backend, error) {
	var err error
	if b.BaseURL, err = ExpandPlaceholders(b.BaseURL, env); err != nil {
		return b, err
	}
	for k, v := range b.Headers {
		if b.Headers[k], err = ExpandPlaceholders(v, env); err != nil {
			return b, fmt.Errorf("backend %s: header %s: %w", b.Name, k, err)
		}
	}
	for k, v := range b.QueryParams {
		if b.QueryParams[k], err = ExpandPlaceholders(v, env); err != nil {
			return b, fmt.Errorf("backend %s: query_param %s: %w", b.Name, k, err)
		}
	}
	for k, v := range b.ProviderConfig {
		if b.ProviderConfig[k], err = ExpandPlaceholders(v, env); err != nil {
			return b, fmt.Errorf("backend %s: provider_config.%s: %w", b.Name, k, err)
		}
	}
	if b.Auth != nil {
		if err = expandAuthStrategy(b.Auth, env); err != nil {
			return b, fmt.Errorf("backend %s: auth: %w", b.Name, err)
		}
	}
	return b, nil
}

// expandAuthStrategy resolves ${VAR} placeholders in an AuthStrategy's
// literal (non-env-var-name) string fields. The *Env/*Command lists name
// env vars or argv, not values, so they are left untouched here — env.Lookup
// reads them directly at resolution time (internal/authsource).
func expandAuthStrategy(a *AuthStrategy, env Env) error {
	var err error
	if a.Header, err = ExpandPlaceholders(a.Header, env); err != nil {
		return fmt.Errorf("header: %w", err)
	}
	if a.Prefix, err = ExpandPlaceholders(a.Prefix, env); err != nil {
		return fmt.Errorf("prefix: %w", err)
	}
	if a.QueryParam, err = ExpandPlaceholders(a.QueryParam, env); err != nil {
		return fmt.Errorf("query_param: %w", err)
	}
	if a.SigV4 != nil {
		if a.SigV4.Region, err = ExpandPlaceholders(a.SigV4.Region, env); err != nil {
			return fmt.Errorf("sigv4.region: %w", err)
		}
		if a.SigV4.Service, err = ExpandPlaceholders(a.SigV4.Service, env); err != nil {
			return fmt.Errorf("sigv4.service: %w", err)
		}
	}
	if o := a.OAuthClientCredentials; o != nil {
		if o.TokenURL, err = ExpandPlaceholders(o.TokenURL, env); err != nil {
			return fmt.Errorf("oauth_client_credentials.token_url: %w", err)
		}
		if o.ClientID, err = ExpandPlaceholders(o.ClientID, env); err != nil {
			return fmt.Errorf("oauth_client_credentials.client_id: %w", err)
		}
		if o.ClientSecret, err = ExpandPlaceholders(o.ClientSecret, env); err != nil {
			return fmt.Errorf("oauth_client_credentials.client_secret: %w", err)
		}
		if o.Scope, err = ExpandPlaceholders(o.Scope, env); err != nil {
			return fmt.Errorf("oauth_client_credentials.scope: %w", err)
		}
		if o.Audience, err = ExpandPlaceholders(o.Audience, env); err != nil {
			return fmt.Errorf("oauth_client_credentials.audience: %w", err)
		}
		for k, v := range o.ExtraParams {
			if o.ExtraParams[k], err = ExpandPlaceholders(v, env); err != nil {
				return fmt.Errorf("oauth_client_credentials.extra_params.%s: %w", k, err)
			}
		}
	}
	return nil
}

// ExpandVirtualKeyToken resolves ${VAR} placeholders in a virtual key's token.
func ExpandVirtualKeyToken(vk VirtualKey, env Env) (VirtualKey, error) {
	var err error
	if vk.Token, err = ExpandPlaceholders(vk.Token, env); err != nil {
		return vk, fmt.Errorf("virtual_key %s: token: %w", vk.ID, err)
	}
	return vk, nil
}
