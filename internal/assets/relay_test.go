package assets

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-booking-platform/internal/observability/metrics"
)

// mockS3Client records PutObject/DeleteObject calls for testing.
type mockS3Client struct {
	mu        sync.Mutex
	objects   map[string][]byte
	types     map[string]string
	deleted   []string
	putErr    error
	deleteErr error
	block     bool
}

func newMockS3() *mockS3Client {
	return &mockS3Client{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *mockS3Client) PutObject(ctx context.Context, input *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if m.putErr != nil {
		return nil, m.putErr
	}
	body, _ := io.ReadAll(input.Body)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[*input.Key] = body
	m.types[*input.Key] = *input.ContentType
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3Client) DeleteObject(_ context.Context, input *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	if m.deleteErr != nil {
		return nil, m.deleteErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, *input.Key)
	delete(m.objects, *input.Key)
	return &s3.DeleteObjectOutput{}, nil
}

// countingSource is an in-memory TempFile that counts releases.
type countingSource struct {
	data     []byte
	openErr  error
	released int
}

func (c *countingSource) Open() (io.ReadCloser, error) {
	if c.openErr != nil {
		return nil, c.openErr
	}
	return io.NopCloser(bytes.NewReader(c.data)), nil
}

func (c *countingSource) Release() error {
	c.released++
	return nil
}

func newTestRelay(t *testing.T, client S3API) *Relay {
	t.Helper()
	return NewRelay(client, Config{Bucket: "clinic-assets", Region: "ap-south-1"}, nil)
}

func TestRelayStoresImage(t *testing.T) {
	mock := newMockS3()
	relay := newTestRelay(t, mock)
	src := &countingSource{data: []byte("png-bytes")}

	stored, err := relay.Store(context.Background(), Upload{Source: src, MimeType: "image/png", Size: 9, Folder: "doctors"})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(stored.PublicID, "doctors/"))
	assert.True(t, strings.HasSuffix(stored.PublicID, ".png"))
	assert.Equal(t, "https://clinic-assets.s3.ap-south-1.amazonaws.com/"+stored.PublicID, stored.URL)
	assert.Equal(t, []byte("png-bytes"), mock.objects[stored.PublicID])
	assert.Equal(t, "image/png", mock.types[stored.PublicID])
	assert.Equal(t, 1, src.released)
}

func TestRelayUsesPublicBaseURL(t *testing.T) {
	relay := NewRelay(newMockS3(), Config{Bucket: "b", PublicBaseURL: "https://cdn.example.com/"}, nil)
	stored, err := relay.Store(context.Background(), Upload{Source: &countingSource{data: []byte("x")}, MimeType: "jpeg", Size: 1})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(stored.URL, "https://cdn.example.com/uploads/"))
	assert.True(t, strings.HasSuffix(stored.PublicID, ".jpg"))
}

func TestRelayRejectsInvalidAssets(t *testing.T) {
	tests := []struct {
		name string
		up   Upload
	}{
		{"gif", Upload{MimeType: "image/gif", Size: 10}},
		{"pdf", Upload{MimeType: "application/pdf", Size: 10}},
		{"too large", Upload{MimeType: "image/webp", Size: DefaultMaxBytes + 1}},
		{"empty", Upload{MimeType: "png", Size: 0}},
		{"escaping folder", Upload{MimeType: "png", Size: 1, Folder: "../etc"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := newMockS3()
			src := &countingSource{data: []byte("x")}
			tt.up.Source = src
			_, err := newTestRelay(t, mock).Store(context.Background(), tt.up)
			require.ErrorIs(t, err, ErrInvalidAsset)
			assert.Equal(t, 1, src.released, "temp file must be released")
			assert.Empty(t, mock.objects)
		})
	}

	_, err := newTestRelay(t, newMockS3()).Store(context.Background(), Upload{MimeType: "png", Size: 1})
	require.ErrorIs(t, err, ErrInvalidAsset)
}

func TestRelayAcceptsAllowedTypes(t *testing.T) {
	for _, mt := range []string{"image/png", "image/jpeg", "image/jpg", "image/webp", "png", "jpg", "jpeg", "webp", ".PNG", "image/jpeg; charset=binary"} {
		_, ok := lookupKind(mt)
		assert.True(t, ok, mt)
	}
}

func TestRelayUploadTimeout(t *testing.T) {
	mock := newMockS3()
	mock.block = true
	relay := NewRelay(mock, Config{Bucket: "b", Timeout: 20 * time.Millisecond}, nil)
	src := &countingSource{data: []byte("x")}

	_, err := relay.Store(context.Background(), Upload{Source: src, MimeType: "png", Size: 1})
	require.ErrorIs(t, err, ErrUploadTimeout)
	assert.NotErrorIs(t, err, ErrInvalidAsset)
	assert.Equal(t, 1, src.released)
}

func TestRelayUpstreamFailure(t *testing.T) {
	mock := newMockS3()
	mock.putErr = errors.New("access denied")
	reg := prometheus.NewRegistry()
	relay := newTestRelay(t, mock).WithMetrics(metrics.NewBookingMetrics(reg))
	src := &countingSource{data: []byte("x")}

	_, err := relay.Store(context.Background(), Upload{Source: src, MimeType: "png", Size: 1})
	require.ErrorIs(t, err, ErrUploadFailed)
	assert.Equal(t, 1, src.released)

	families, err := reg.Gather()
	require.NoError(t, err)
	var failed float64
	for _, fam := range families {
		if fam.GetName() != "clinic_assets_uploads_total" {
			continue
		}
		for _, m := range fam.GetMetric() {
			if m.GetLabel()[0].GetValue() == "failed" {
				failed = m.GetCounter().GetValue()
			}
		}
	}
	assert.Equal(t, float64(1), failed)
}

func TestRelayOpenFailureReleases(t *testing.T) {
	src := &countingSource{openErr: errors.New("gone")}
	_, err := newTestRelay(t, newMockS3()).Store(context.Background(), Upload{Source: src, MimeType: "png", Size: 1})
	require.ErrorIs(t, err, ErrUploadFailed)
	assert.Equal(t, 1, src.released)
}

func TestRelayRemove(t *testing.T) {
	mock := newMockS3()
	relay := newTestRelay(t, mock)
	ctx := context.Background()

	require.NoError(t, relay.Remove(ctx, ""))
	assert.Empty(t, mock.deleted)

	require.NoError(t, relay.Remove(ctx, "/doctors/a.png"))
	assert.Equal(t, []string{"doctors/a.png"}, mock.deleted)

	mock.deleteErr = &smithy.GenericAPIError{Code: "NoSuchKey", Message: "missing"}
	require.NoError(t, relay.Remove(ctx, "doctors/missing.png"))

	mock.deleteErr = &smithy.GenericAPIError{Code: "AccessDenied", Message: "no"}
	require.ErrorIs(t, relay.Remove(ctx, "doctors/a.png"), ErrUploadFailed)
}

func TestFileSourceRelease(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "upload")
	require.NoError(t, os.WriteFile(p, []byte("data"), 0o600))
	src := FileSource{Path: p}

	rc, err := src.Open()
	require.NoError(t, err)
	raw, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "data", string(raw))

	require.NoError(t, src.Release())
	_, err = os.Stat(p)
	assert.True(t, os.IsNotExist(err))
	require.NoError(t, src.Release(), "second release is a no-op")
}

func TestNewRelayRequiresCollaborators(t *testing.T) {
	assert.Panics(t, func() { NewRelay(nil, Config{Bucket: "b"}, nil) })
	assert.Panics(t, func() { NewRelay(newMockS3(), Config{}, nil) })
}
