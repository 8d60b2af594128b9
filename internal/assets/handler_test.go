package assets

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-booking-platform/internal/identity"
)

var (
	adminActor   = identity.Actor{ID: "admin-1", Role: identity.RoleAdmin}
	patientActor = identity.Actor{ID: "patient-1", Role: identity.RolePatient}
)

func multipartBody(t *testing.T, contentType, filename string, data []byte, folder string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if folder != "" {
		require.NoError(t, mw.WriteField("folder", folder))
	}
	if data != nil {
		header := textproto.MIMEHeader{}
		header.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
		header.Set("Content-Type", contentType)
		part, err := mw.CreatePart(header)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func newTestRouter(t *testing.T, mock *mockS3Client, dir string) http.Handler {
	t.Helper()
	relay := NewRelay(mock, Config{Bucket: "clinic-assets", Region: "us-east-1", MaxBytes: 64}, nil)
	r := chi.NewRouter()
	r.Route("/api/assets", NewHandler(relay, nil).WithTempDir(dir).Routes)
	return r
}

func send(router http.Handler, req *http.Request, actor *identity.Actor) *httptest.ResponseRecorder {
	if actor != nil {
		req = req.WithContext(identity.WithActor(req.Context(), *actor))
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func tempFiles(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	return len(entries)
}

func TestUploadHandlerStoresFile(t *testing.T) {
	mock := newMockS3()
	dir := t.TempDir()
	router := newTestRouter(t, mock, dir)

	body, ct := multipartBody(t, "image/png", "face.png", []byte("png-data"), "doctors")
	req := httptest.NewRequest(http.MethodPost, "/api/assets/", body)
	req.Header.Set("Content-Type", ct)
	rr := send(router, req, &adminActor)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var stored Stored
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stored))
	assert.Equal(t, []byte("png-data"), mock.objects[stored.PublicID])
	assert.Contains(t, stored.PublicID, "doctors/")
	assert.Equal(t, 0, tempFiles(t, dir), "temp file must be removed")
}

func TestUploadHandlerInfersTypeFromExtension(t *testing.T) {
	mock := newMockS3()
	router := newTestRouter(t, mock, t.TempDir())

	body, ct := multipartBody(t, "application/octet-stream", "scan.webp", []byte("webp"), "")
	req := httptest.NewRequest(http.MethodPost, "/api/assets/", body)
	req.Header.Set("Content-Type", ct)
	rr := send(router, req, &adminActor)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
}

func TestUploadHandlerRejections(t *testing.T) {
	dir := t.TempDir()
	router := newTestRouter(t, newMockS3(), dir)

	tests := []struct {
		name  string
		actor *identity.Actor
		ct    string
		data  []byte
		want  int
	}{
		{"anonymous", nil, "image/png", []byte("x"), http.StatusUnauthorized},
		{"patient", &patientActor, "image/png", []byte("x"), http.StatusForbidden},
		{"wrong type", &adminActor, "image/gif", []byte("gif"), http.StatusBadRequest},
		{"too large", &adminActor, "image/png", bytes.Repeat([]byte("a"), 65), http.StatusBadRequest},
		{"no file", &adminActor, "", nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, ct := multipartBody(t, tt.ct, "f.bin", tt.data, "misc")
			req := httptest.NewRequest(http.MethodPost, "/api/assets/", body)
			req.Header.Set("Content-Type", ct)
			rr := send(router, req, tt.actor)
			assert.Equal(t, tt.want, rr.Code, rr.Body.String())
		})
	}
	assert.Equal(t, 0, tempFiles(t, dir))
}

func TestUploadHandlerRequiresMultipart(t *testing.T) {
	router := newTestRouter(t, newMockS3(), t.TempDir())
	req := httptest.NewRequest(http.MethodPost, "/api/assets/", bytes.NewBufferString(`{}`))
	req.Header.Set("Content-Type", "application/json")
	rr := send(router, req, &adminActor)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestDeleteHandler(t *testing.T) {
	mock := newMockS3()
	router := newTestRouter(t, mock, t.TempDir())

	rr := send(router, httptest.NewRequest(http.MethodDelete, "/api/assets/doctors/a.png", nil), &adminActor)
	require.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, []string{"doctors/a.png"}, mock.deleted)

	rr = send(router, httptest.NewRequest(http.MethodDelete, "/api/assets/doctors/a.png", nil), &patientActor)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, StatusCode(ErrInvalidAsset))
	assert.Equal(t, http.StatusGatewayTimeout, StatusCode(ErrUploadTimeout))
	assert.Equal(t, http.StatusInternalServerError, StatusCode(ErrUploadFailed))
}
