package authsource

import (
	"context"
	"fmt"
	"os"
	"strings"

	vaultapi "github.com/hashicorp/vault/api"
)

// vaultPseudoCommand is the reserved argv[0] a `command` strategy uses to
// resolve a secret from Vault's KV v2 engine instead of exec'ing a real
// process: `command: ["vault-kv", "<mount>/data/<path>", "<field>"]`. This
// keeps the config-visible shape a plain "command" strategy (spec §6 names
// no separate vault strategy) while letting ditto talk to Vault's HTTP API
// directly rather than depending on the `vault` CLI binary being installed
// next to the gateway process.
const vaultPseudoCommand = "vault-kv"

// resolveVaultKV fetches field from the KV v2 secret at path (e.g.
// "secret/data/openai") using VAULT_ADDR and VAULT_TOKEN from the
// environment. Returns an error if VAULT_ADDR is unset — callers should
// only reach here once argv[0] has already matched vaultPseudoCommand.
func resolveVaultKV(ctx context.Context, path, field string) (string, error) {
	addr, ok := os.LookupEnv("VAULT_ADDR")
	if !ok || addr == "" {
		return "", fmt.Errorf("authsource: vault-kv command requires VAULT_ADDR")
	}

	cfg := vaultapi.DefaultConfig()
	cfg.Address = addr
	client, err := vaultapi.NewClient(cfg)
	if err != nil {
		return "", fmt.Errorf("authsource: vault client: %w", err)
	}
	if tok, ok := os.LookupEnv("VAULT_TOKEN"); ok && tok != "" {
		client.SetToken(tok)
	}

	secret, err := client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return "", fmt.Errorf("authsource: vault read %q: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("authsource: vault path %q has no data", path)
	}

	// KV v2 nests the actual key/value map under "data".
	data, _ := secret.Data["data"].(map[string]interface{})
	if data == nil {
		data = secret.Data
	}
	v, ok := data[field]
	if !ok {
		return "", fmt.Errorf("authsource: vault path %q has no field %q", path, field)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("authsource: vault path %q field %q is not a non-empty string", path, field)
	}
	return s, nil
}

// isVaultPseudoCommand reports whether argv invokes the vault-kv pseudo
// command and, if so, splits it into (path, field).
func isVaultPseudoCommand(argv []string) (path, field string, ok bool) {
	if len(argv) != 3 || strings.TrimSpace(argv[0]) != vaultPseudoCommand {
		return "", "", false
	}
	return argv[1], argv[2], true
}
