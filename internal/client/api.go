// Package client implements the companion-side of the scanner: an HTTP
// adapter with explicit timeouts, a durable offline submission queue, and the
// health poller that gates queue replay.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
)

// ErrUnreachable classifies transport-level failures: timeouts, refused
// connections, DNS errors. These route to the offline queue rather than
// surfacing to the user as upload failures.
var ErrUnreachable = errors.New("backend unreachable")

// maxSubmitWidth bounds the photo sent to the server. Larger captures are
// re-encoded to this width at reduced quality before upload.
const (
	maxSubmitWidth = 1200
	submitQuality  = 80
)

// APIError is a non-2xx response the server produced deliberately.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// IsDuplicate reports whether the server rejected the submission because the
// QR code was already uploaded.
func (e *APIError) IsDuplicate() bool {
	return e.StatusCode == http.StatusConflict
}

// UploadResponse mirrors the server's upload result.
type UploadResponse struct {
	ID             string  `json:"id"`
	Status         string  `json:"status"`
	QRCode         *string `json:"qrCode"`
	QRCodeValid    bool    `json:"qrCodeValid"`
	ProcessedAt    string  `json:"processedAt"`
	IsExpired      bool    `json:"isExpired"`
	ExpirationYear *int    `json:"expirationYear"`
}

// SubmissionItem is one row of the upload history listing.
type SubmissionItem struct {
	ID             string  `json:"id"`
	QRCode         *string `json:"qrCode"`
	Status         string  `json:"status"`
	ThumbnailURL   string  `json:"thumbnailUrl"`
	CreatedAt      string  `json:"createdAt"`
	IsExpired      bool    `json:"isExpired"`
	ExpirationYear *int    `json:"expirationYear"`
	ErrorMessage   *string `json:"errorMessage"`
}

// Client talks to the scanner backend. Every call is bounded by the
// http.Client timeout; there are no unbounded remote operations.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a Client for the given base URL.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// PrepareSubmission reads a photo, re-encodes it if oversized, and assembles
// the multipart body once. The body bytes are kept so a failed submit can be
// queued and replayed with the identical payload.
func PrepareSubmission(photoPath string) (*QueuedSubmission, error) {
	content, err := submissionImageBytes(photoPath)
	if err != nil {
		return nil, err
	}

	fileName := "compressed-" + strings.ReplaceAll(filepath.Base(photoPath), " ", "_")

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename="%s"`, fileName))
	header.Set("Content-Type", "image/jpeg")
	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(content); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	return &QueuedSubmission{
		PhotoURI:    photoPath,
		FileName:    fileName,
		ContentType: writer.FormDataContentType(),
		Payload:     body.Bytes(),
	}, nil
}

// submissionImageBytes returns JPEG bytes no wider than maxSubmitWidth.
func submissionImageBytes(photoPath string) ([]byte, error) {
	img, err := imaging.Open(photoPath)
	if err != nil {
		return nil, fmt.Errorf("cannot read photo %s: %w", photoPath, err)
	}
	if img.Bounds().Dx() > maxSubmitWidth {
		img = imaging.Resize(img, maxSubmitWidth, 0, imaging.Lanczos)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(submitQuality)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Submit posts a prepared submission. Transport failures return
// ErrUnreachable (wrapped); deliberate rejections return *APIError.
func (c *Client) Submit(ctx context.Context, prep *QueuedSubmission) (*UploadResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/test-strips/upload", bytes.NewReader(prep.Payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", prep.ContentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, responseError(resp)
	}

	var result UploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

// List fetches a page of history. The envelope shape varies across backend
// versions (bare array, {submissions}, {items}); normalization is this
// adapter's responsibility, not the server's.
func (c *Client) List(ctx context.Context, page, limit int) ([]SubmissionItem, error) {
	url := fmt.Sprintf("%s/test-strips/list?page=%d&limit=%d", c.baseURL, page, limit)
	body, err := c.get(ctx, url)
	if err != nil {
		return nil, err
	}
	return normalizeListResponse(body)
}

// Get fetches one submission's detail record.
func (c *Client) Get(ctx context.Context, id string) (*SubmissionItem, error) {
	body, err := c.get(ctx, c.baseURL+"/test-strips/"+id)
	if err != nil {
		return nil, err
	}
	var item SubmissionItem
	if err := json.Unmarshal(body, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// Health reports nil when the backend answered the liveness probe.
func (c *Client) Health(ctx context.Context) error {
	body, err := c.get(ctx, c.baseURL+"/health")
	if err != nil {
		return err
	}
	var health struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &health); err != nil {
		return err
	}
	if health.Status == "" {
		return fmt.Errorf("%w: empty health status", ErrUnreachable)
	}
	return nil
}

func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, responseError(resp)
	}
	return io.ReadAll(resp.Body)
}

func normalizeListResponse(body []byte) ([]SubmissionItem, error) {
	var bare []SubmissionItem
	if err := json.Unmarshal(body, &bare); err == nil {
		return bare, nil
	}
	var wrapped struct {
		Submissions []SubmissionItem `json:"submissions"`
		Items       []SubmissionItem `json:"items"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, err
	}
	if wrapped.Submissions != nil {
		return wrapped.Submissions, nil
	}
	if wrapped.Items != nil {
		return wrapped.Items, nil
	}
	return []SubmissionItem{}, nil
}

func responseError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(raw, &payload); err == nil {
		if payload.Error != "" {
			apiErr.Message = payload.Error
		} else {
			apiErr.Message = payload.Message
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	// Gateway-class errors mean the backend itself is not reachable.
	if resp.StatusCode == http.StatusBadGateway || resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusGatewayTimeout {
		return fmt.Errorf("%w: %s", ErrUnreachable, apiErr.Message)
	}
	return apiErr
}
