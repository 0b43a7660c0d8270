package openai

import (
	"context"
	"net/http"

	"github.com/nulpointcorp/llm-gateway/internal/providers"
)

// fileClient builds a raw-HTTP files/batches client on each call; the
// Provider holds none, so deployments that never touch /v1/files or
// /v1/batches never create one.
func (p *Provider) fileClient() *providers.FileHTTPClient {
	return providers.NewFileHTTPClient(&http.Client{Timeout: providers.ProviderTimeout}, p.baseURL, p.apiKey)
}

func (p *Provider) UploadFile(ctx context.Context, req providers.FileUploadRequest) (*providers.FileObject, error) {
	return p.fileClient().UploadFile(ctx, req)
}

func (p *Provider) ListFiles(ctx context.Context) ([]providers.FileObject, error) {
	return p.fileClient().ListFiles(ctx)
}

func (p *Provider) RetrieveFile(ctx context.Context, fileID string) (*providers.FileObject, error) {
	return p.fileClient().RetrieveFile(ctx, fileID)
}

func (p *Provider) DeleteFile(ctx context.Context, fileID string) (*providers.FileDeleteResponse, error) {
	return p.fileClient().DeleteFile(ctx, fileID)
}

func (p *Provider) DownloadFileContent(ctx context.Context, fileID string) (*providers.FileContent, error) {
	return p.fileClient().DownloadFileContent(ctx, fileID)
}

func (p *Provider) CreateBatch(ctx context.Context, req providers.BatchCreateRequest) (*providers.BatchObject, error) {
	return p.fileClient().CreateBatch(ctx, req)
}

func (p *Provider) RetrieveBatch(ctx context.Context, batchID string) (*providers.BatchObject, error) {
	return p.fileClient().RetrieveBatch(ctx, batchID)
}

func (p *Provider) CancelBatch(ctx context.Context, batchID string) (*providers.BatchObject, error) {
	return p.fileClient().CancelBatch(ctx, batchID)
}
