package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
)

// FileHTTPClient is a small, reusable OpenAI-compatible /v1/files and
// /v1/batches client shared by every provider package that wants to
// implement FileClient/BatchClient, mirroring the original gateway's
// approach of hand-rolled raw HTTP calls for these endpoints rather than a
// generated SDK client (the batches/files surface is thin enough across
// providers that a typed SDK buys little over a shared helper).
type FileHTTPClient struct {
	HTTP    *http.Client
	BaseURL string
	APIKey  string
}

func NewFileHTTPClient(httpClient *http.Client, baseURL, apiKey string) *FileHTTPClient {
	return &FileHTTPClient{HTTP: httpClient, BaseURL: baseURL, APIKey: apiKey}
}

func (c *FileHTTPClient) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
}

func (c *FileHTTPClient) do(req *http.Request, out any) error {
	c.authorize(req)
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return &ProviderHTTPError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

// ProviderHTTPError is a non-2xx response from a provider's raw HTTP API.
type ProviderHTTPError struct {
	StatusCode int
	Body       string
}

func (e *ProviderHTTPError) Error() string {
	return fmt.Sprintf("provider http error: status=%d body=%s", e.StatusCode, e.Body)
}

func (e *ProviderHTTPError) HTTPStatus() int { return e.StatusCode }

func (c *FileHTTPClient) UploadFile(ctx context.Context, req FileUploadRequest) (*FileObject, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("purpose", req.Purpose); err != nil {
		return nil, err
	}
	part, err := w.CreateFormFile("file", req.Filename)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(req.Bytes); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/files", &buf)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", w.FormDataContentType())

	var out FileObject
	if err := c.do(httpReq, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *FileHTTPClient) ListFiles(ctx context.Context) ([]FileObject, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/files", nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Data []FileObject `json:"data"`
	}
	if err := c.do(httpReq, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (c *FileHTTPClient) RetrieveFile(ctx context.Context, fileID string) (*FileObject, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/files/"+fileID, nil)
	if err != nil {
		return nil, err
	}
	var out FileObject
	if err := c.do(httpReq, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *FileHTTPClient) DeleteFile(ctx context.Context, fileID string) (*FileDeleteResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.BaseURL+"/files/"+fileID, nil)
	if err != nil {
		return nil, err
	}
	var out FileDeleteResponse
	if err := c.do(httpReq, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *FileHTTPClient) DownloadFileContent(ctx context.Context, fileID string) (*FileContent, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/files/"+fileID+"/content", nil)
	if err != nil {
		return nil, err
	}
	c.authorize(httpReq)
	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, &ProviderHTTPError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return &FileContent{Bytes: body, MediaType: resp.Header.Get("Content-Type")}, nil
}

func (c *FileHTTPClient) CreateBatch(ctx context.Context, req BatchCreateRequest) (*BatchObject, error) {
	payload := map[string]any{
		"input_file_id":     req.InputFileID,
		"endpoint":          req.Endpoint,
		"completion_window": req.CompletionWindow,
	}
	if req.Metadata != nil {
		payload["metadata"] = req.Metadata
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/batches", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	var out BatchObject
	if err := c.do(httpReq, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *FileHTTPClient) RetrieveBatch(ctx context.Context, batchID string) (*BatchObject, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/batches/"+batchID, nil)
	if err != nil {
		return nil, err
	}
	var out BatchObject
	if err := c.do(httpReq, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *FileHTTPClient) CancelBatch(ctx context.Context, batchID string) (*BatchObject, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/batches/"+batchID+"/cancel", nil)
	if err != nil {
		return nil, err
	}
	var out BatchObject
	if err := c.do(httpReq, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
