package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stormglass-sec/stormglass/common/logging"
	"github.com/stormglass-sec/stormglass/common/models"
	"github.com/stormglass-sec/stormglass/ingest/internal/repository"
	"github.com/stormglass-sec/stormglass/ingest/internal/service"
)

type memRepo struct{}

func (memRepo) InsertArtifact(ctx context.Context, a *models.Artifact) (repository.InsertResult, error) {
	return repository.InsertResult{ArtifactID: a.ID}, nil
}

func (memRepo) GetArtifact(ctx context.Context, tenantID, artifactID string) (*models.Artifact, error) {
	return nil, repository.ErrArtifactNotFound
}

func (memRepo) EnqueueOutbox(ctx context.Context, tenantID, subject string, payload []byte) error {
	return nil
}

func (memRepo) PendingOutbox(ctx context.Context, limit int) ([]repository.OutboxEntry, error) {
	return nil, nil
}

func (memRepo) CompleteOutbox(ctx context.Context, id int64) error { return nil }
func (memRepo) Close()                                             {}

type memBlobs struct{}

func (memBlobs) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	_, err := io.Copy(io.Discard, r)
	return err
}

type memBus struct{}

func (memBus) PublishConfirmed(ctx context.Context, subject string, data []byte) error { return nil }
func (memBus) PublishJSON(ctx context.Context, subject string, data any) error         { return nil }

func newHandler(t *testing.T) *UploadHandler {
	t.Helper()
	svc := service.New(memRepo{}, memBlobs{}, memBus{}, logging.Default(), service.Config{
		SpoolDir: t.TempDir(),
		Timeout:  5 * time.Second,
	})
	return NewUploadHandler(svc, logging.Default())
}

func multipartBody(t *testing.T, field, filename, contentType string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="`+field+`"; filename="`+filename+`"`)
	h.Set("Content-Type", contentType)
	pw, err := mw.CreatePart(h)
	require.NoError(t, err)
	_, err = pw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestUploadAcceptsAndReturnsTrackingID(t *testing.T) {
	h := newHandler(t)

	pe := make([]byte, 4096)
	pe[0], pe[1] = 'M', 'Z'
	body, ct := multipartBody(t, "file", "sample.bin", "application/octet-stream", pe)

	req := httptest.NewRequest("POST", "/api/v1/artifacts", body)
	req.Header.Set("Content-Type", ct)
	req.Header.Set(HeaderUserID, "user-1")
	req.Header.Set(HeaderTenantID, "tenant-a")
	rec := httptest.NewRecorder()

	h.Upload(rec, req)

	require.Equal(t, 202, rec.Code)
	dec := json.NewDecoder(strings.NewReader(rec.Body.String()))
	var first uploadAccepted
	require.NoError(t, dec.Decode(&first))
	assert.NotEmpty(t, first.TrackingID)
	var second uploadAccepted
	require.NoError(t, dec.Decode(&second))
	assert.NotEmpty(t, second.ArtifactID)
}

func TestUploadRejectsMissingIdentity(t *testing.T) {
	h := newHandler(t)
	req := httptest.NewRequest("POST", "/api/v1/artifacts", strings.NewReader(""))
	rec := httptest.NewRecorder()

	h.Upload(rec, req)

	assert.Equal(t, 401, rec.Code)
}

func TestUploadRejectsMissingFilePart(t *testing.T) {
	h := newHandler(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("note", "not a file"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest("POST", "/api/v1/artifacts", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(HeaderUserID, "user-1")
	req.Header.Set(HeaderTenantID, "tenant-a")
	rec := httptest.NewRecorder()

	h.Upload(rec, req)

	assert.Equal(t, 400, rec.Code)
}

func TestUploadMasqueradeStillAnswers202WithErrorOnFabric(t *testing.T) {
	// The tracking ID flushes before the body is inspected, so a
	// masquerading upload still sees 202; the failure is a fabric frame.
	h := newHandler(t)

	pe := make([]byte, 4096)
	pe[0], pe[1] = 'M', 'Z'
	body, ct := multipartBody(t, "file", "cat.png", "image/png", pe)

	req := httptest.NewRequest("POST", "/api/v1/artifacts", body)
	req.Header.Set("Content-Type", ct)
	req.Header.Set(HeaderUserID, "user-1")
	req.Header.Set(HeaderTenantID, "tenant-a")
	rec := httptest.NewRecorder()

	h.Upload(rec, req)

	require.Equal(t, 202, rec.Code)
	dec := json.NewDecoder(strings.NewReader(rec.Body.String()))
	var first uploadAccepted
	require.NoError(t, dec.Decode(&first))
	assert.NotEmpty(t, first.TrackingID)
	// No artifact trailer follows a rejected upload.
	var second uploadAccepted
	assert.Error(t, dec.Decode(&second))
}
