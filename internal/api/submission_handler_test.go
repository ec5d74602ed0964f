package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"testing"
	"time"

	"github.com/che57/eli-test-scanner/internal/config"
	"github.com/che57/eli-test-scanner/internal/repository"
	"github.com/che57/eli-test-scanner/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type fakeUploadService struct {
	result   *service.UploadResult
	err      error
	gotPath  string
	gotName  string
	gotSize  int64
	gotMime  string
	uploaded bool
}

func (f *fakeUploadService) ProcessUpload(ctx context.Context, originalPath, filename string, size int64, mimeType string) (*service.UploadResult, error) {
	f.uploaded = true
	f.gotPath = originalPath
	f.gotName = filename
	f.gotSize = size
	f.gotMime = mimeType
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeHistoryService struct {
	page      *service.SubmissionPage
	detail    *service.SubmissionDetail
	err       error
	gotPage   int
	gotLimit  int
	requested primitive.ObjectID
}

func (f *fakeHistoryService) List(ctx context.Context, page, limit int) (*service.SubmissionPage, error) {
	f.gotPage = page
	f.gotLimit = limit
	if f.err != nil {
		return nil, f.err
	}
	return f.page, nil
}

func (f *fakeHistoryService) GetByID(ctx context.Context, id primitive.ObjectID) (*service.SubmissionDetail, error) {
	f.requested = id
	if f.err != nil {
		return nil, f.err
	}
	return f.detail, nil
}

func newTestRouter(t *testing.T, upload service.UploadService, history service.HistoryService) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	SetupRoutes(router, upload, history, config.UploadsConfig{
		RawDir:        t.TempDir(),
		ThumbnailsDir: t.TempDir(),
		MaxFileSize:   10 << 20,
	})
	return router
}

// multipartBody builds a request body with one "image" part.
func multipartBody(t *testing.T, filename, contentType string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename="%s"`, filename))
	header.Set("Content-Type", contentType)
	part, err := writer.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	return &body, writer.FormDataContentType()
}

var jpegContent = append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, []byte("fake jpeg payload")...)

func performUpload(router *gin.Engine, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/test-strips/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestUploadSuccess(t *testing.T) {
	code := "ELI-2030-AAA"
	year := 2030
	upload := &fakeUploadService{result: &service.UploadResult{
		ID:             primitive.NewObjectID().Hex(),
		Status:         "processed",
		QRCode:         &code,
		QRCodeValid:    true,
		ProcessedAt:    time.Now().UTC(),
		ExpirationYear: &year,
	}}
	router := newTestRouter(t, upload, &fakeHistoryService{})

	body, contentType := multipartBody(t, "strip.jpg", "image/jpeg", jpegContent)
	rec := performUpload(router, body, contentType)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, upload.uploaded)
	assert.Equal(t, "strip.jpg", upload.gotName)
	assert.Equal(t, "image/jpeg", upload.gotMime)

	var resp service.UploadResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.QRCode)
	assert.Equal(t, code, *resp.QRCode)
}

func TestUploadMissingFile(t *testing.T) {
	upload := &fakeUploadService{}
	router := newTestRouter(t, upload, &fakeHistoryService{})

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	require.NoError(t, writer.Close())

	rec := performUpload(router, &body, writer.FormDataContentType())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, upload.uploaded)
}

func TestUploadRejectsOversizedFile(t *testing.T) {
	upload := &fakeUploadService{}
	gin.SetMode(gin.TestMode)
	router := gin.New()
	SetupRoutes(router, upload, &fakeHistoryService{}, config.UploadsConfig{
		RawDir:        t.TempDir(),
		ThumbnailsDir: t.TempDir(),
		MaxFileSize:   1024,
	})

	oversized := append(append([]byte{}, jpegContent...), bytes.Repeat([]byte{0x00}, 1500)...)
	body, contentType := multipartBody(t, "strip.jpg", "image/jpeg", oversized)
	rec := performUpload(router, body, contentType)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "exceeds")
	assert.False(t, upload.uploaded)
}

func TestUploadRejectsNonJPEGContentType(t *testing.T) {
	upload := &fakeUploadService{}
	router := newTestRouter(t, upload, &fakeHistoryService{})

	body, contentType := multipartBody(t, "strip.png", "image/png", jpegContent)
	rec := performUpload(router, body, contentType)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Only JPG/JPEG")
	assert.False(t, upload.uploaded)
}

func TestUploadSniffsMagicBytes(t *testing.T) {
	upload := &fakeUploadService{}
	router := newTestRouter(t, upload, &fakeHistoryService{})

	// Declared JPEG but the bytes say otherwise.
	body, contentType := multipartBody(t, "strip.jpg", "image/jpeg", []byte("GIF89a not a jpeg"))
	rec := performUpload(router, body, contentType)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "not a valid JPEG")
	assert.False(t, upload.uploaded)
}

func TestUploadDuplicateMapsToConflict(t *testing.T) {
	existing := primitive.NewObjectID()
	upload := &fakeUploadService{err: &repository.DuplicateCodeError{Code: "ELI-2030-AAA", ExistingID: existing}}
	router := newTestRouter(t, upload, &fakeHistoryService{})

	body, contentType := multipartBody(t, "strip.jpg", "image/jpeg", jpegContent)
	rec := performUpload(router, body, contentType)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), existing.Hex())
}

func TestUploadInvalidImageMapsToBadRequest(t *testing.T) {
	upload := &fakeUploadService{err: fmt.Errorf("%w: image dimensions too small", service.ErrImageInvalid)}
	router := newTestRouter(t, upload, &fakeHistoryService{})

	body, contentType := multipartBody(t, "strip.jpg", "image/jpeg", jpegContent)
	rec := performUpload(router, body, contentType)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "dimensions too small")
}

func TestUploadUnexpectedErrorMapsToInternal(t *testing.T) {
	upload := &fakeUploadService{err: fmt.Errorf("mongo blew up")}
	router := newTestRouter(t, upload, &fakeHistoryService{})

	body, contentType := multipartBody(t, "strip.jpg", "image/jpeg", jpegContent)
	rec := performUpload(router, body, contentType)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	// Internal details never leak to the client.
	assert.NotContains(t, rec.Body.String(), "mongo")
}

func TestUploadFatalErrorRemovesStoredFile(t *testing.T) {
	upload := &fakeUploadService{err: fmt.Errorf("%w: bad image", service.ErrImageInvalid)}
	router := newTestRouter(t, upload, &fakeHistoryService{})

	body, contentType := multipartBody(t, "strip.jpg", "image/jpeg", jpegContent)
	rec := performUpload(router, body, contentType)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// The handler stored the file before the pipeline ran, then removed it.
	require.NotEmpty(t, upload.gotPath)
	_, err := os.Stat(upload.gotPath)
	assert.True(t, os.IsNotExist(err))
}

func TestListDefaultsAndEcho(t *testing.T) {
	history := &fakeHistoryService{page: &service.SubmissionPage{
		Submissions: []service.SubmissionSummary{},
		Page:        1,
		Limit:       10,
	}}
	router := newTestRouter(t, &fakeUploadService{}, history)

	req := httptest.NewRequest(http.MethodGet, "/test-strips/list", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, history.gotPage)
	assert.Equal(t, 10, history.gotLimit)
}

func TestListParsesQueryParams(t *testing.T) {
	history := &fakeHistoryService{page: &service.SubmissionPage{Page: 3, Limit: 5}}
	router := newTestRouter(t, &fakeUploadService{}, history)

	req := httptest.NewRequest(http.MethodGet, "/test-strips/list?page=3&limit=5", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, history.gotPage)
	assert.Equal(t, 5, history.gotLimit)
}

func TestListRejectsNonPositiveParams(t *testing.T) {
	for _, query := range []string{"page=0", "page=abc", "limit=-1", "limit=x"} {
		t.Run(query, func(t *testing.T) {
			router := newTestRouter(t, &fakeUploadService{}, &fakeHistoryService{})
			req := httptest.NewRequest(http.MethodGet, "/test-strips/list?"+query, nil)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestGetByIDInvalidFormat(t *testing.T) {
	router := newTestRouter(t, &fakeUploadService{}, &fakeHistoryService{})
	req := httptest.NewRequest(http.MethodGet, "/test-strips/not-a-hex-id", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetByIDNotFound(t *testing.T) {
	history := &fakeHistoryService{err: repository.ErrNotFound}
	router := newTestRouter(t, &fakeUploadService{}, history)

	req := httptest.NewRequest(http.MethodGet, "/test-strips/"+primitive.NewObjectID().Hex(), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "not found")
}

func TestGetByIDSuccess(t *testing.T) {
	id := primitive.NewObjectID()
	history := &fakeHistoryService{detail: &service.SubmissionDetail{
		SubmissionSummary: service.SubmissionSummary{ID: id.Hex(), Status: "processed"},
		ImageDimensions:   "400x400",
	}}
	router := newTestRouter(t, &fakeUploadService{}, history)

	req := httptest.NewRequest(http.MethodGet, "/test-strips/"+id.Hex(), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, id, history.requested)

	var detail service.SubmissionDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, "400x400", detail.ImageDimensions)
}

func TestHealthEndpoint(t *testing.T) {
	router := newTestRouter(t, &fakeUploadService{}, &fakeHistoryService{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
}
