// Package mistral is a minimal client for the Mistral file and OCR endpoints used by the pipeline:
// upload a document, run OCR on it, delete it.
package mistral

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/Lllllllleong/pdf2epub/internal/config"
	"github.com/Lllllllleong/pdf2epub/internal/models"
)

const maxErrorBody = 4 << 10

// Client talks to the Mistral REST API. Timeouts are taken from the request context.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewClient creates a Client from the OCR section of the configuration.
func NewClient(cfg config.OCRConfig) *Client {
	return &Client{
		apiKey:     strings.TrimSpace(cfg.APIKey),
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		model:      cfg.Model,
		httpClient: &http.Client{},
	}
}

// APIError is returned for any non-2xx response.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("mistral %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

// Temporary reports whether retrying the same request may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode >= http.StatusInternalServerError
}

type uploadResponse struct {
	ID       string `json:"id"`
	Object   string `json:"object"`
	Filename string `json:"filename"`
	Purpose  string `json:"purpose"`
}

type ocrDocument struct {
	Type   string `json:"type"`
	FileID string `json:"file_id"`
}

type ocrRequest struct {
	Model              string      `json:"model"`
	Document           ocrDocument `json:"document"`
	IncludeImageBase64 bool        `json:"include_image_base64"`
}

type ocrImage struct {
	ID          string `json:"id"`
	ImageBase64 string `json:"image_base64"`
}

type ocrPage struct {
	Index    int        `json:"index"`
	Markdown string     `json:"markdown"`
	Images   []ocrImage `json:"images"`
}

type ocrResponse struct {
	Pages     []ocrPage `json:"pages"`
	Model     string    `json:"model"`
	UsageInfo struct {
		PagesProcessed int `json:"pages_processed"`
	} `json:"usage_info"`
}

// Upload stores content as a file with purpose "ocr" and returns its file ID.
func (c *Client) Upload(ctx context.Context, content []byte, filename string) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("purpose", "ocr"); err != nil {
		return "", fmt.Errorf("failed to write purpose field: %w", err)
	}
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("failed to create file part: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return "", fmt.Errorf("failed to write file part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/v1/files", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var res uploadResponse
	if err := c.do(req, "upload", &res); err != nil {
		return "", err
	}
	if res.ID == "" {
		return "", fmt.Errorf("mistral upload: response carried no file id")
	}
	return res.ID, nil
}

// Process runs OCR on an uploaded file. Pages are returned in the order the service sent them.
func (c *Client) Process(ctx context.Context, fileID string, includeImages bool) ([]models.Page, error) {
	payload, err := json.Marshal(ocrRequest{
		Model:              c.model,
		Document:           ocrDocument{Type: "file", FileID: fileID},
		IncludeImageBase64: includeImages,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ocr request: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/v1/ocr", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var res ocrResponse
	if err := c.do(req, "ocr", &res); err != nil {
		return nil, err
	}

	pages := make([]models.Page, 0, len(res.Pages))
	for _, p := range res.Pages {
		page := models.Page{Index: p.Index, Markdown: p.Markdown}
		for _, img := range p.Images {
			page.Images = append(page.Images, models.EmbeddedImage{ID: img.ID, Data: img.ImageBase64})
		}
		pages = append(pages, page)
	}
	return pages, nil
}

// Delete removes an uploaded file.
func (c *Client) Delete(ctx context.Context, fileID string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/v1/files/"+url.PathEscape(fileID), nil)
	if err != nil {
		return err
	}
	return c.do(req, "delete", nil)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s %s request: %w", method, path, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(req *http.Request, op string, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("mistral %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("mistral %s: failed to decode response: %w", op, err)
	}
	return nil
}
