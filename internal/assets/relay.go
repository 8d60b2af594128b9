package assets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/wolfman30/clinic-booking-platform/internal/observability/metrics"
	"github.com/wolfman30/clinic-booking-platform/pkg/logging"
)

var (
	// ErrInvalidAsset rejects files with an unsupported type or size. Not retryable.
	ErrInvalidAsset = errors.New("assets: invalid asset")
	// ErrUploadTimeout means the upstream store did not answer in time. Retryable.
	ErrUploadTimeout = errors.New("assets: upload timed out")
	// ErrUploadFailed wraps any other upstream failure.
	ErrUploadFailed = errors.New("assets: upload failed")
)

const (
	DefaultMaxBytes = 5 << 20
	DefaultTimeout  = 20 * time.Second
	defaultFolder   = "uploads"
)

// S3API is the subset of the S3 client used by Relay.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// TempFile is a scoped local file handed to the relay. Release deletes it.
type TempFile interface {
	Open() (io.ReadCloser, error)
	Release() error
}

// Upload describes one file to relay.
type Upload struct {
	Source   TempFile
	MimeType string
	Size     int64
	Folder   string
}

// Stored is the durable reference returned to callers.
type Stored struct {
	URL      string `json:"url"`
	PublicID string `json:"public_id"`
}

// Config controls where and how assets are stored.
type Config struct {
	Bucket        string
	Region        string
	PublicBaseURL string
	MaxBytes      int64
	Timeout       time.Duration
}

// Relay validates uploads and forwards them to S3.
type Relay struct {
	client  S3API
	cfg     Config
	metrics *metrics.BookingMetrics
	logger  *logging.Logger
}

func NewRelay(client S3API, cfg Config, logger *logging.Logger) *Relay {
	if client == nil {
		panic("assets: s3 client required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		panic("assets: bucket required")
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")
	if logger == nil {
		logger = logging.Default()
	}
	return &Relay{client: client, cfg: cfg, logger: logger}
}

func (r *Relay) WithMetrics(m *metrics.BookingMetrics) *Relay {
	r.metrics = m
	return r
}

// MaxBytes is the largest accepted upload.
func (r *Relay) MaxBytes() int64 {
	return r.cfg.MaxBytes
}

// Store uploads up.Source and releases it on every path.
func (r *Relay) Store(ctx context.Context, up Upload) (*Stored, error) {
	start := time.Now()
	if up.Source == nil {
		r.metrics.ObserveAssetUpload("invalid", 0)
		return nil, fmt.Errorf("%w: no file", ErrInvalidAsset)
	}
	release := releaseOnce(up.Source, r.logger)
	defer release()

	stored, err := r.store(ctx, up)
	r.metrics.ObserveAssetUpload(uploadResult(err), time.Since(start).Seconds())
	return stored, err
}

func (r *Relay) store(ctx context.Context, up Upload) (*Stored, error) {
	kind, ok := lookupKind(up.MimeType)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported type %q", ErrInvalidAsset, up.MimeType)
	}
	if up.Size <= 0 {
		return nil, fmt.Errorf("%w: empty file", ErrInvalidAsset)
	}
	if up.Size > r.cfg.MaxBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidAsset, up.Size, r.cfg.MaxBytes)
	}
	folder, err := cleanFolder(up.Folder)
	if err != nil {
		return nil, err
	}

	body, err := up.Source.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: open source: %w", ErrUploadFailed, err)
	}
	defer body.Close()

	key := path.Join(folder, uuid.NewString()+"."+kind.ext)
	uctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	_, err = r.client.PutObject(uctx, &s3.PutObjectInput{
		Bucket:        aws.String(r.cfg.Bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(up.Size),
		ContentType:   aws.String(kind.contentType),
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(uctx.Err(), context.DeadlineExceeded) {
			r.logger.Warn("asset upload timed out", "key", key, "timeout", r.cfg.Timeout)
			return nil, fmt.Errorf("%w: %s", ErrUploadTimeout, key)
		}
		r.logger.Error("asset upload failed", "key", key, "error", err)
		return nil, fmt.Errorf("%w: s3 put %s: %w", ErrUploadFailed, key, err)
	}

	r.logger.Info("asset stored", "key", key, "bytes", up.Size, "content_type", kind.contentType)
	return &Stored{URL: r.publicURL(key), PublicID: key}, nil
}

// Remove deletes a stored asset. An empty handle or a missing object is not an error.
func (r *Relay) Remove(ctx context.Context, publicID string) error {
	publicID = strings.Trim(strings.TrimSpace(publicID), "/")
	if publicID == "" {
		return nil
	}
	uctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	_, err := r.client.DeleteObject(uctx, &s3.DeleteObjectInput{
		Bucket: aws.String(r.cfg.Bucket),
		Key:    aws.String(publicID),
	})
	if err == nil || isNotFound(err) {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: delete %s", ErrUploadTimeout, publicID)
	}
	return fmt.Errorf("%w: s3 delete %s: %w", ErrUploadFailed, publicID, err)
}

func (r *Relay) publicURL(key string) string {
	if r.cfg.PublicBaseURL != "" {
		return r.cfg.PublicBaseURL + "/" + key
	}
	region := r.cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", r.cfg.Bucket, region, key)
}

type assetKind struct {
	ext         string
	contentType string
}

var kinds = map[string]assetKind{
	"png":  {ext: "png", contentType: "image/png"},
	"jpg":  {ext: "jpg", contentType: "image/jpeg"},
	"jpeg": {ext: "jpg", contentType: "image/jpeg"},
	"webp": {ext: "webp", contentType: "image/webp"},
}

// lookupKind accepts "image/<type>" or a bare extension, with or without a leading dot.
func lookupKind(mime string) (assetKind, bool) {
	m := strings.ToLower(strings.TrimSpace(mime))
	if i := strings.IndexByte(m, ';'); i >= 0 {
		m = strings.TrimSpace(m[:i])
	}
	m = strings.TrimPrefix(m, "image/")
	m = strings.TrimPrefix(m, ".")
	k, ok := kinds[m]
	return k, ok
}

func cleanFolder(folder string) (string, error) {
	folder = strings.Trim(strings.TrimSpace(folder), "/")
	if folder == "" {
		return defaultFolder, nil
	}
	for _, seg := range strings.Split(folder, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "", fmt.Errorf("%w: bad folder %q", ErrInvalidAsset, folder)
		}
	}
	return folder, nil
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

func uploadResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidAsset):
		return "invalid"
	case errors.Is(err, ErrUploadTimeout):
		return "timeout"
	default:
		return "failed"
	}
}

func releaseOnce(src TempFile, logger *logging.Logger) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			if err := src.Release(); err != nil {
				logger.Warn("failed to release temp file", "error", err)
			}
		})
	}
}

// FileSource is a TempFile backed by a path on local disk.
type FileSource struct {
	Path string
}

func (f FileSource) Open() (io.ReadCloser, error) {
	return os.Open(f.Path)
}

func (f FileSource) Release() error {
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
