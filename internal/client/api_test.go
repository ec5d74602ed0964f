package client

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeClientPhoto(t *testing.T, width, height int) string {
	t.Helper()
	img := imaging.New(width, height, color.White)
	path := filepath.Join(t.TempDir(), "photo.jpg")
	require.NoError(t, imaging.Save(img, path))
	return path
}

func TestPrepareSubmissionBuildsMultipartBody(t *testing.T) {
	path := writeClientPhoto(t, 400, 300)

	prep, err := PrepareSubmission(path)
	require.NoError(t, err)
	assert.Equal(t, path, prep.PhotoURI)
	assert.Equal(t, "compressed-photo.jpg", prep.FileName)
	assert.True(t, strings.HasPrefix(prep.ContentType, "multipart/form-data; boundary="))
	assert.NotEmpty(t, prep.Payload)
}

func TestPrepareSubmissionResizesOversizedPhotos(t *testing.T) {
	prep, err := PrepareSubmission(writeClientPhoto(t, 3000, 2000))
	require.NoError(t, err)

	img := decodeMultipartImage(t, prep)
	assert.Equal(t, 1200, img.Bounds().Dx())
	assert.Equal(t, 800, img.Bounds().Dy())
}

func TestPrepareSubmissionKeepsSmallPhotos(t *testing.T) {
	prep, err := PrepareSubmission(writeClientPhoto(t, 400, 300))
	require.NoError(t, err)

	img := decodeMultipartImage(t, prep)
	assert.Equal(t, 400, img.Bounds().Dx())
}

// decodeMultipartImage parses the prepared multipart body back into its image part.
func decodeMultipartImage(t *testing.T, prep *QueuedSubmission) image.Image {
	t.Helper()
	_, params, err := mime.ParseMediaType(prep.ContentType)
	require.NoError(t, err)

	reader := multipart.NewReader(bytes.NewReader(prep.Payload), params["boundary"])
	part, err := reader.NextPart()
	require.NoError(t, err)
	require.Equal(t, "image", part.FormName())

	img, err := imaging.Decode(part)
	require.NoError(t, err)
	return img
}

func TestSubmitSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/test-strips/upload", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		_, header, err := r.FormFile("image")
		require.NoError(t, err)
		assert.Equal(t, "compressed-photo.jpg", header.Filename)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"abc123","status":"processed","qrCode":"ELI-2030-AAA","qrCodeValid":true,"isExpired":false,"expirationYear":2030}`))
	}))
	defer server.Close()

	prep, err := PrepareSubmission(writeClientPhoto(t, 400, 300))
	require.NoError(t, err)

	result, err := New(server.URL, time.Second).Submit(context.Background(), prep)
	require.NoError(t, err)
	assert.Equal(t, "abc123", result.ID)
	assert.True(t, result.QRCodeValid)
	require.NotNil(t, result.ExpirationYear)
	assert.Equal(t, 2030, *result.ExpirationYear)
}

func TestSubmitDuplicateIsAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"QR code already exists (ID: abc123)"}`))
	}))
	defer server.Close()

	prep, err := PrepareSubmission(writeClientPhoto(t, 400, 300))
	require.NoError(t, err)

	_, err = New(server.URL, time.Second).Submit(context.Background(), prep)
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.IsDuplicate())
	assert.Contains(t, apiErr.Message, "abc123")
	assert.NotErrorIs(t, err, ErrUnreachable)
}

func TestSubmitConnectionFailureIsUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // connection refused from here on

	prep, err := PrepareSubmission(writeClientPhoto(t, 400, 300))
	require.NoError(t, err)

	_, err = New(server.URL, time.Second).Submit(context.Background(), prep)
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestListNormalizesEnvelopeShapes(t *testing.T) {
	row := `{"id":"a","status":"processed","createdAt":"2026-01-01T00:00:00Z"}`
	tests := []struct {
		name string
		body string
		want int
	}{
		{"bare array", `[` + row + `]`, 1},
		{"submissions envelope", `{"submissions":[` + row + `],"page":1,"limit":10}`, 1},
		{"items envelope", `{"items":[` + row + `,` + row + `]}`, 2},
		{"empty object", `{}`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/test-strips/list", r.URL.Path)
				assert.Equal(t, "2", r.URL.Query().Get("page"))
				w.Header().Set("Content-Type", "application/json")
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			items, err := New(server.URL, time.Second).List(context.Background(), 2, 10)
			require.NoError(t, err)
			assert.Len(t, items, tt.want)
		})
	}
}

func TestHealth(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer healthy.Close()
	assert.NoError(t, New(healthy.URL, time.Second).Health(context.Background()))

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	down.Close()
	assert.ErrorIs(t, New(down.URL, time.Second).Health(context.Background()), ErrUnreachable)
}

func TestGatewayErrorsClassifyAsUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	err := New(server.URL, time.Second).Health(context.Background())
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestGetSubmissionDetail(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/test-strips/abc123", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"abc123","qrCode":"ELI-2020-ABC","status":"processed","isExpired":true,"expirationYear":2020}`))
	}))
	defer server.Close()

	item, err := New(server.URL, time.Second).Get(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, "abc123", item.ID)
	assert.True(t, item.IsExpired)
}
