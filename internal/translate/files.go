package translate

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nulpointcorp/llm-gateway/internal/providers"
)

// ErrFilesUnsupported is returned when the named provider doesn't implement
// providers.FileClient (most dialect adapters don't carry file storage).
type ErrFilesUnsupported struct{ Name string }

func (e *ErrFilesUnsupported) Error() string {
	return "translate: provider " + e.Name + " does not support /v1/files"
}

func (b *Backend) fileClient(providerName string) (providers.FileClient, error) {
	prov, ok := b.provs[providerName]
	if !ok {
		return nil, &ErrUnknownProvider{Name: providerName}
	}
	fc, ok := prov.(providers.FileClient)
	if !ok {
		return nil, &ErrFilesUnsupported{Name: providerName}
	}
	return fc, nil
}

// UploadFile adapts a multipart /v1/files upload to providerName's
// FileClient and renders the OpenAI-compatible {id,object:"file",...} body.
func (b *Backend) UploadFile(ctx context.Context, providerName string, req providers.FileUploadRequest) (json.RawMessage, error) {
	fc, err := b.fileClient(providerName)
	if err != nil {
		return nil, err
	}
	obj, err := fc.UploadFile(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("translate: upload file: %w", err)
	}
	return encodeFileObject(obj), nil
}

// ListFiles renders GET /v1/files's {"data":[...],"object":"list"} body.
func (b *Backend) ListFiles(ctx context.Context, providerName string) (json.RawMessage, error) {
	fc, err := b.fileClient(providerName)
	if err != nil {
		return nil, err
	}
	files, err := fc.ListFiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("translate: list files: %w", err)
	}
	for i := range files {
		if files[i].Object == "" {
			files[i].Object = "file"
		}
	}
	return json.Marshal(map[string]any{"object": "list", "data": files})
}

// RetrieveFile renders GET /v1/files/{id}.
func (b *Backend) RetrieveFile(ctx context.Context, providerName, fileID string) (json.RawMessage, error) {
	fc, err := b.fileClient(providerName)
	if err != nil {
		return nil, err
	}
	obj, err := fc.RetrieveFile(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("translate: retrieve file: %w", err)
	}
	return encodeFileObject(obj), nil
}

// DeleteFile renders DELETE /v1/files/{id}'s {"id":...,"deleted":true} body.
func (b *Backend) DeleteFile(ctx context.Context, providerName, fileID string) (json.RawMessage, error) {
	fc, err := b.fileClient(providerName)
	if err != nil {
		return nil, err
	}
	resp, err := fc.DeleteFile(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("translate: delete file: %w", err)
	}
	if resp.Object == "" {
		resp.Object = "file"
	}
	return json.Marshal(resp)
}

// DownloadFileContent returns the raw bytes and media type of GET
// /v1/files/{id}/content, unwrapped — this endpoint returns the file body
// verbatim, not a JSON envelope.
func (b *Backend) DownloadFileContent(ctx context.Context, providerName, fileID string) (*providers.FileContent, error) {
	fc, err := b.fileClient(providerName)
	if err != nil {
		return nil, err
	}
	content, err := fc.DownloadFileContent(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("translate: download file content: %w", err)
	}
	return content, nil
}

func encodeFileObject(obj *providers.FileObject) json.RawMessage {
	if obj.Object == "" {
		obj.Object = "file"
	}
	raw, _ := json.Marshal(obj)
	return raw
}
