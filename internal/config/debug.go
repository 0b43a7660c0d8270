package config

import (
	"encoding/json"
	"fmt"

	"github.com/nulpointcorp/llm-gateway/internal/redact"
)

// debugRedactor scrubs every credential-bearing field Config can hold
// before it is ever rendered for an operator (the admin config-dump
// endpoint, or a future startup log line) — generalized from the teacher's
// one-off redactURL (internal/app/init.go) into a reusable Rule.
var debugRedactor = mustDebugRedactor()

func mustDebugRedactor() *redact.Redactor {
	r, err := redact.New(redact.Rule{
		KeyNames: []string{
			"APIKey", "AccessKey", "SecretKey", "SessionToken",
			"AdminToken", "Password", "Token",
		},
		SanitizeQueryInKeys: []string{"URL"},
		QueryParamNames:     []string{"password", "token", "user"},
		Replacement:         "***",
	})
	if err != nil {
		panic(fmt.Sprintf("config: debug redactor: %v", err))
	}
	return r
}

// Debug renders c as a JSON document with every credential field replaced
// by "***", safe to log or return from an admin endpoint. Field names come
// from Go struct field names (Config carries no json tags, since it's
// populated by viper rather than unmarshaled from JSON on the wire).
func (c *Config) Debug() ([]byte, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("config: marshal for debug: %w", err)
	}
	return debugRedactor.Redact(raw)
}
