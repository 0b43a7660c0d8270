package translate

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nulpointcorp/llm-gateway/internal/providers"
)

// ErrBatchesUnsupported is returned when the named provider doesn't
// implement providers.BatchClient.
type ErrBatchesUnsupported struct{ Name string }

func (e *ErrBatchesUnsupported) Error() string {
	return "translate: provider " + e.Name + " does not support /v1/batches"
}

func (b *Backend) batchClient(providerName string) (providers.BatchClient, error) {
	prov, ok := b.provs[providerName]
	if !ok {
		return nil, &ErrUnknownProvider{Name: providerName}
	}
	bc, ok := prov.(providers.BatchClient)
	if !ok {
		return nil, &ErrBatchesUnsupported{Name: providerName}
	}
	return bc, nil
}

// BatchRequest is the wire shape of a POST /v1/batches body.
type BatchRequest struct {
	InputFileID      string            `json:"input_file_id"`
	Endpoint         string            `json:"endpoint"`
	CompletionWindow string            `json:"completion_window"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// CreateBatch adapts a POST /v1/batches body to providerName's BatchClient.
func (b *Backend) CreateBatch(ctx context.Context, providerName string, req BatchRequest) (json.RawMessage, error) {
	bc, err := b.batchClient(providerName)
	if err != nil {
		return nil, err
	}
	obj, err := bc.CreateBatch(ctx, providers.BatchCreateRequest{
		InputFileID:      req.InputFileID,
		Endpoint:         req.Endpoint,
		CompletionWindow: req.CompletionWindow,
		Metadata:         req.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("translate: create batch: %w", err)
	}
	return encodeBatchObject(obj), nil
}

// RetrieveBatch renders GET /v1/batches/{id}, used to poll a submitted
// batch job to completion.
func (b *Backend) RetrieveBatch(ctx context.Context, providerName, batchID string) (json.RawMessage, error) {
	bc, err := b.batchClient(providerName)
	if err != nil {
		return nil, err
	}
	obj, err := bc.RetrieveBatch(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("translate: retrieve batch: %w", err)
	}
	return encodeBatchObject(obj), nil
}

// CancelBatch renders POST /v1/batches/{id}/cancel.
func (b *Backend) CancelBatch(ctx context.Context, providerName, batchID string) (json.RawMessage, error) {
	bc, err := b.batchClient(providerName)
	if err != nil {
		return nil, err
	}
	obj, err := bc.CancelBatch(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("translate: cancel batch: %w", err)
	}
	return encodeBatchObject(obj), nil
}

func encodeBatchObject(obj *providers.BatchObject) json.RawMessage {
	if obj.Object == "" {
		obj.Object = "batch"
	}
	raw, _ := json.Marshal(obj)
	return raw
}
