package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Format is an export encoding (spec §6 "format=jsonl|csv").
type Format string

const (
	FormatJSONL Format = "jsonl"
	FormatCSV   Format = "csv"
)

// EncodeJSONL renders records as newline-delimited JSON, one Record per
// line, in the order given.
func EncodeJSONL(records []Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return nil, fmt.Errorf("audit: encode jsonl: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// EncodeCSV renders records as RFC-4180 CSV with header
// "id,ts_ms,kind,payload_json,prev_hash,hash" (spec §6).
func EncodeCSV(records []Record) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write([]string{"id", "ts_ms", "kind", "payload_json", "prev_hash", "hash"}); err != nil {
		return nil, err
	}
	for _, r := range records {
		row := []string{
			r.ID,
			fmt.Sprintf("%d", r.TSMs),
			r.Kind,
			string(r.Payload),
			r.PrevHash,
			r.Hash,
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("audit: encode csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Manifest describes one export (spec §6).
type Manifest struct {
	BaseURL       string `json:"base_url"`
	ExportURL     string `json:"export_url"`
	Format        string `json:"format"`
	SinceTSMs     *int64 `json:"since_ts_ms,omitempty"`
	BeforeTSMs    *int64 `json:"before_ts_ms,omitempty"`
	Limit         int    `json:"limit"`
	ContentType   string `json:"content_type"`
	Bytes         int    `json:"bytes"`
	SHA256        string `json:"sha256"`
	Records       *int   `json:"records,omitempty"`
	HashChainLast string `json:"hash_chain_last,omitempty"`
	GeneratedAtMs int64  `json:"generated_at_ms"`
}

// ContentType returns the HTTP content-type for format.
func ContentType(f Format) string {
	if f == FormatCSV {
		return "text/csv"
	}
	return "application/x-ndjson"
}

// BuildManifest computes the manifest for an already-encoded export body.
func BuildManifest(baseURL, exportURL string, format Format, sinceMs, beforeMs *int64, limit int, body []byte, records []Record) Manifest {
	sum := sha256.Sum256(body)
	n := len(records)
	lastHash := ""
	if n > 0 {
		lastHash = records[n-1].Hash
	}
	return Manifest{
		BaseURL:       baseURL,
		ExportURL:     exportURL,
		Format:        string(format),
		SinceTSMs:     sinceMs,
		BeforeTSMs:    beforeMs,
		Limit:         limit,
		ContentType:   ContentType(format),
		Bytes:         len(body),
		SHA256:        hex.EncodeToString(sum[:]),
		Records:       &n,
		HashChainLast: lastHash,
		GeneratedAtMs: time.Now().UnixMilli(),
	}
}
