package backend

import "net/http"

// hopByHop lists the headers stripped from every proxied request (spec
// §4.C9), generalizing the single Connection-header check the teacher's
// provider clients never needed (they spoke typed SDK calls, not raw HTTP
// passthrough) into the full RFC 7230 hop-by-hop set plus ditto's own
// internal markers.
var hopByHop = map[string]struct{}{
	"connection":          {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailer":             {},
	"transfer-encoding":   {},
	"upgrade":             {},
}

func isHopByHop(key string) bool {
	if _, ok := hopByHop[key]; ok {
		return true
	}
	return len(key) >= 6 && (key[:6] == "proxy-" || key[:6] == "Proxy-")
}

// clientAuthHeaders are stripped when stripClientAuth is true. Manager.Do
// always passes true, so they are removed on every proxied request,
// whether or not any virtual key is configured.
var clientAuthHeaders = map[string]struct{}{
	"authorization":     {},
	"x-api-key":         {},
	"x-litellm-api-key": {},
}

// BuildOutboundHeaders computes the header set sent to the backend: the
// inbound request headers minus hop-by-hop fields, minus ditto's own
// "x-ditto-*" markers, minus client auth headers when stripClientAuth is
// true, merged with the backend's configured headers (which always win on
// conflict).
func BuildOutboundHeaders(inbound http.Header, backendHeaders map[string]string, stripClientAuth bool) http.Header {
	out := make(http.Header, len(inbound)+len(backendHeaders))
	for k, vals := range inbound {
		lk := httpCanonicalLower(k)
		if isHopByHop(lk) {
			continue
		}
		if len(lk) >= 8 && lk[:8] == "x-ditto-" {
			continue
		}
		if stripClientAuth {
			if _, ok := clientAuthHeaders[lk]; ok {
				continue
			}
		}
		out[k] = append([]string(nil), vals...)
	}
	for k, v := range backendHeaders {
		out.Set(k, v)
	}
	return out
}

func httpCanonicalLower(k string) string {
	b := []byte(k)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
