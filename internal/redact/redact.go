// Package redact scrubs secrets from logged or persisted JSON payloads.
//
// It generalizes the key-substring scrubbing the gateway already did for
// Redis URLs (internal/app.redactURL) into a deep redactor over arbitrary
// JSON: case-insensitive key names, RFC-6901 JSON pointers, URL query
// parameter names embedded in string values, and regex patterns all scrub
// to the same configured replacement.
package redact

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Rule configures one Redactor.
type Rule struct {
	// KeyNames are case-insensitive JSON object key names whose values are
	// replaced wholesale wherever they occur in the document.
	KeyNames []string

	// Pointers are RFC-6901 JSON pointers ("/a/b/0/c") whose targets are
	// replaced. Missing paths are silently skipped.
	Pointers []string

	// SanitizeQueryInKeys names keys whose string value is a URL (or
	// contains a query string); recognized query parameter names within
	// that value are rewritten in place rather than replacing the whole
	// value.
	SanitizeQueryInKeys []string
	QueryParamNames     []string

	// Patterns are regexes applied to the serialized document text; every
	// match is replaced (no backreference expansion), including matches in
	// object keys, numbers or JSON punctuation, not only in string values.
	Patterns []string

	// Replacement is substituted for every redacted value/match.
	Replacement string
}

// Redactor applies a compiled Rule to JSON documents.
type Redactor struct {
	keyNames     map[string]struct{}
	pointers     []string
	queryKeys    map[string]struct{}
	queryParams  map[string]struct{}
	regexes      []*regexp.Regexp
	replacement  string
}

// New compiles a Rule into a Redactor. It fails with an error (the caller
// maps this to InvalidRequest{reason} per spec §4.C2) when constructed with
// an empty replacement or an invalid regex.
func New(r Rule) (*Redactor, error) {
	if r.Replacement == "" {
		return nil, fmt.Errorf("redact: replacement must not be empty")
	}

	out := &Redactor{
		keyNames:    make(map[string]struct{}, len(r.KeyNames)),
		queryKeys:   make(map[string]struct{}, len(r.SanitizeQueryInKeys)),
		queryParams: make(map[string]struct{}, len(r.QueryParamNames)),
		pointers:    append([]string(nil), r.Pointers...),
		replacement: r.Replacement,
	}
	for _, k := range r.KeyNames {
		out.keyNames[strings.ToLower(k)] = struct{}{}
	}
	for _, k := range r.SanitizeQueryInKeys {
		out.queryKeys[strings.ToLower(k)] = struct{}{}
	}
	for _, q := range r.QueryParamNames {
		out.queryParams[strings.ToLower(q)] = struct{}{}
	}
	for _, p := range r.Patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("redact: invalid pattern %q: %w", p, err)
		}
		out.regexes = append(out.regexes, re)
	}
	for _, p := range out.pointers {
		if p != "" && !strings.HasPrefix(p, "/") {
			return nil, fmt.Errorf("redact: invalid JSON pointer %q: must start with '/'", p)
		}
	}
	return out, nil
}

// Redact returns a copy of doc (a JSON document) with all configured
// redactions applied. Key-name and query-in-value redaction runs first
// (a single gjson walk), regex replacement next, JSON-pointer targets last
// — matching the order spec.md §4.C2 specifies.
func (r *Redactor) Redact(doc []byte) ([]byte, error) {
	out := append([]byte(nil), doc...)

	var err error
	out, err = r.redactKeysAndQueries(out, "")
	if err != nil {
		return nil, err
	}

	for _, re := range r.regexes {
		s := re.ReplaceAllString(string(out), r.replacement)
		out = []byte(s)
	}

	for _, p := range r.pointers {
		path := pointerToGJSONPath(p)
		if path == "" {
			continue
		}
		if !gjson.GetBytes(out, path).Exists() {
			continue
		}
		out, err = sjson.SetBytes(out, path, r.replacement)
		if err != nil {
			return nil, fmt.Errorf("redact: pointer %q: %w", p, err)
		}
	}

	return out, nil
}

// redactKeysAndQueries walks every object key in doc (recursively, via
// gjson.Result.ForEach) and rewrites recognized keys/queries via sjson.
func (r *Redactor) redactKeysAndQueries(doc []byte, prefix string) ([]byte, error) {
	result := gjson.ParseBytes(doc)
	if !result.IsObject() && !result.IsArray() {
		return doc, nil
	}

	out := doc
	var walkErr error

	result.ForEach(func(key, value gjson.Result) bool {
		var path string
		if result.IsArray() {
			path = fmt.Sprintf("%s.%s", prefix, key.String())
		} else {
			path = joinPath(prefix, key.String())
		}
		path = strings.TrimPrefix(path, ".")

		lower := strings.ToLower(key.String())
		if result.IsObject() {
			if _, redact := r.keyNames[lower]; redact {
				var err error
				out, err = sjson.SetBytes(out, path, r.replacement)
				if err != nil {
					walkErr = err
					return false
				}
				return true
			}
			if _, sanitize := r.queryKeys[lower]; sanitize && value.Type == gjson.String {
				cleaned := r.sanitizeQueryString(value.String())
				if cleaned != value.String() {
					var err error
					out, err = sjson.SetBytes(out, path, cleaned)
					if err != nil {
						walkErr = err
						return false
					}
				}
				return true
			}
		}

		if value.IsObject() || value.IsArray() {
			sub, err := r.redactKeysAndQueries([]byte(value.Raw), "")
			if err != nil {
				walkErr = err
				return false
			}
			if string(sub) != value.Raw {
				var err error
				out, err = sjson.SetRawBytes(out, path, sub)
				if err != nil {
					walkErr = err
					return false
				}
			}
		}
		return true
	})

	return out, walkErr
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// sanitizeQueryString rewrites recognized query parameter values inside a
// URL or bare query string.
func (r *Redactor) sanitizeQueryString(s string) string {
	u, err := url.Parse(s)
	if err == nil && u.RawQuery != "" {
		q := u.Query()
		changed := false
		for name := range q {
			if _, ok := r.queryParams[strings.ToLower(name)]; ok {
				q.Set(name, r.replacement)
				changed = true
			}
		}
		if changed {
			u.RawQuery = q.Encode()
			return u.String()
		}
	}
	return s
}

// pointerToGJSONPath converts an RFC-6901 pointer ("/a/b/0") into gjson's
// dotted path syntax ("a.b.0"), unescaping "~1" and "~0" per the RFC.
func pointerToGJSONPath(p string) string {
	if p == "" || p == "/" {
		return ""
	}
	p = strings.TrimPrefix(p, "/")
	parts := strings.Split(p, "/")
	for i, part := range parts {
		part = strings.ReplaceAll(part, "~1", "/")
		part = strings.ReplaceAll(part, "~0", "~")
		parts[i] = part
	}
	return strings.Join(parts, ".")
}
