// Package guardrails implements the ordered, short-circuiting input checks
// of spec §4.C7: token ceilings, model allow/deny globs, banned phrases and
// regexes, PII detection, request-schema validation, and optional CEL
// expressions.
package guardrails

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Config is the effective guardrail configuration for one request, after
// per-router-rule override has been merged over the virtual key's default
// (spec §4.C7 "effective guardrail config (after per-rule override)").
type Config struct {
	BannedPhrases  []string
	BannedRegexes  []string
	BlockPII       bool
	ValidateSchema bool
	MaxInputTokens *uint32
	AllowModels    []string
	DenyModels     []string
	CELExpressions []string
}

// Input is what the engine evaluates: the plain-text prompt (already
// flattened across message parts by the caller), the resolved model name,
// the estimated input token count, and an optional response_format JSON
// Schema document taken verbatim from the request body.
type Input struct {
	Prompt             string
	Model              string
	EstimatedTokens     uint32
	ResponseFormatSchema json.RawMessage
}

// RejectionError is returned when a check fails; Reason identifies which
// check rejected the request (spec §7: GuardrailRejected{reason}).
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string { return "guardrails: rejected: " + e.Reason }

// Engine compiles a Config once (regexes, CEL programs) and evaluates it
// against many requests without recompiling.
type Engine struct {
	cfg        Config
	regexes    []*regexp.Regexp
	celPrograms []cel.Program
	piiRegexes []*regexp.Regexp
}

var piiPatterns = []string{
	`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`, // email
	`\b\d{3}-\d{2}-\d{4}\b`,                            // US SSN-like
	`\b\d{13,16}\b`,                                    // card-like digit run
}

// New compiles cfg's regexes and CEL expressions and returns an error if any
// of them is invalid. Policy loading does not call New; the dispatcher builds
// an Engine for each request, so such an error is reported at request time.
func New(cfg Config) (*Engine, error) {
	e := &Engine{cfg: cfg}

	for _, pat := range cfg.BannedRegexes {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("guardrails: invalid banned_regex %q: %w", pat, err)
		}
		e.regexes = append(e.regexes, re)
	}

	if cfg.BlockPII {
		for _, pat := range piiPatterns {
			e.piiRegexes = append(e.piiRegexes, regexp.MustCompile(pat))
		}
	}

	for _, expr := range cfg.CELExpressions {
		prog, err := newCELProgram(expr)
		if err != nil {
			return nil, fmt.Errorf("guardrails: invalid cel expression %q: %w", expr, err)
		}
		e.celPrograms = append(e.celPrograms, prog)
	}

	return e, nil
}

// Check runs every configured check in spec order, returning the first
// failure as a *RejectionError.
func (e *Engine) Check(ctx context.Context, in Input) error {
	if e.cfg.MaxInputTokens != nil && in.EstimatedTokens > *e.cfg.MaxInputTokens {
		return &RejectionError{Reason: fmt.Sprintf("max_input_tokens: %d > %d", in.EstimatedTokens, *e.cfg.MaxInputTokens)}
	}

	for _, glob := range e.cfg.DenyModels {
		if matched, _ := path.Match(glob, in.Model); matched {
			return &RejectionError{Reason: fmt.Sprintf("deny_models: %s matches %s", in.Model, glob)}
		}
	}

	if len(e.cfg.AllowModels) > 0 {
		allowed := false
		for _, glob := range e.cfg.AllowModels {
			if matched, _ := path.Match(glob, in.Model); matched {
				allowed = true
				break
			}
		}
		if !allowed {
			return &RejectionError{Reason: fmt.Sprintf("allow_models: %s matches no allowed pattern", in.Model)}
		}
	}

	for _, phrase := range e.cfg.BannedPhrases {
		if strings.Contains(in.Prompt, phrase) {
			return &RejectionError{Reason: "banned_phrases: " + phrase}
		}
	}

	for i, re := range e.regexes {
		if re.MatchString(in.Prompt) {
			return &RejectionError{Reason: fmt.Sprintf("banned_regexes[%d]: %s", i, e.cfg.BannedRegexes[i])}
		}
	}

	if e.cfg.BlockPII {
		for _, re := range e.piiRegexes {
			if re.MatchString(in.Prompt) {
				return &RejectionError{Reason: "block_pii"}
			}
		}
	}

	if e.cfg.ValidateSchema && len(in.ResponseFormatSchema) > 0 {
		if err := validateJSONSchemaDocument(in.ResponseFormatSchema); err != nil {
			return &RejectionError{Reason: "validate_schema: " + err.Error()}
		}
	}

	for i, prog := range e.celPrograms {
		reject, err := evaluateCELReject(prog, in)
		if err != nil {
			return &RejectionError{Reason: fmt.Sprintf("cel_expressions[%d]: %s", i, err.Error())}
		}
		if reject {
			return &RejectionError{Reason: fmt.Sprintf("cel_expressions[%d]", i)}
		}
	}

	return nil
}

// validateJSONSchemaDocument checks that raw is itself a syntactically
// valid JSON Schema document (draft-2020-12 subset), per spec §4.C7 point 7
// — it validates the *schema*, not an instance against it.
func validateJSONSchemaDocument(raw json.RawMessage) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("not valid JSON: %w", err)
	}

	c := jsonschema.NewCompiler()
	const resourceURL = "mem://response_format_schema.json"
	if err := c.AddResource(resourceURL, doc); err != nil {
		return err
	}
	_, err = c.Compile(resourceURL)
	return err
}
