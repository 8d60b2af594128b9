package assets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/clinic-booking-platform/internal/identity"
	"github.com/wolfman30/clinic-booking-platform/pkg/logging"
)

// Storer is satisfied by *Relay.
type Storer interface {
	Store(ctx context.Context, up Upload) (*Stored, error)
	Remove(ctx context.Context, publicID string) error
	MaxBytes() int64
}

type Handler struct {
	relay  Storer
	tmpDir string
	logger *logging.Logger
}

func NewHandler(relay Storer, logger *logging.Logger) *Handler {
	if relay == nil {
		panic("assets: relay required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{relay: relay, logger: logger}
}

// WithTempDir spools uploads under dir instead of the OS default.
func (h *Handler) WithTempDir(dir string) *Handler {
	h.tmpDir = dir
	return h
}

// Routes mounts POST / and DELETE /*.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/", h.Upload)
	r.Delete("/*", h.Delete)
}

// Upload reads a multipart "file" part (and optional "folder" field) into a temp file and relays it.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	if !h.allowed(w, r) {
		return
	}

	// Leave headroom for multipart framing and the folder field.
	r.Body = http.MaxBytesReader(w, r.Body, h.relay.MaxBytes()+1<<20)
	reader, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "expected multipart/form-data")
		return
	}

	var (
		up     Upload
		source *FileSource
	)
	defer func() {
		if source != nil && up.Source == nil {
			_ = source.Release()
		}
	}()

	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid multipart body")
			return
		}
		switch part.FormName() {
		case "folder":
			raw, _ := io.ReadAll(io.LimitReader(part, 256))
			up.Folder = strings.TrimSpace(string(raw))
		case "file":
			if source != nil {
				part.Close()
				continue
			}
			src, size, err := h.spool(part)
			if err != nil {
				h.logger.Error("failed to spool upload", "error", err)
				writeError(w, http.StatusInternalServerError, "could not read upload")
				return
			}
			source = src
			up.Size = size
			up.MimeType = partType(part.Header.Get("Content-Type"), part.FileName())
		}
		part.Close()
	}
	if source == nil {
		writeError(w, http.StatusBadRequest, "missing file part")
		return
	}

	up.Source = source
	stored, err := h.relay.Store(r.Context(), up)
	if err != nil {
		h.fail(w, "store asset", err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

// Delete removes the asset whose public id is the remainder of the path.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	if !h.allowed(w, r) {
		return
	}
	if err := h.relay.Remove(r.Context(), chi.URLParam(r, "*")); err != nil {
		h.fail(w, "remove asset", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// spool copies at most MaxBytes+1 bytes so oversize files are detected without reading them fully.
func (h *Handler) spool(part io.Reader) (*FileSource, int64, error) {
	f, err := os.CreateTemp(h.tmpDir, "asset-*")
	if err != nil {
		return nil, 0, fmt.Errorf("assets: create temp: %w", err)
	}
	src := &FileSource{Path: f.Name()}
	n, err := io.CopyN(f, part, h.relay.MaxBytes()+1)
	closeErr := f.Close()
	if err != nil && !errors.Is(err, io.EOF) {
		_ = src.Release()
		return nil, 0, fmt.Errorf("assets: copy upload: %w", err)
	}
	if closeErr != nil {
		_ = src.Release()
		return nil, 0, fmt.Errorf("assets: close temp: %w", closeErr)
	}
	return src, n, nil
}

func (h *Handler) allowed(w http.ResponseWriter, r *http.Request) bool {
	actor, ok := identity.ActorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing identity")
		return false
	}
	if !actor.IsAdmin() && !actor.IsDoctor() {
		writeError(w, http.StatusForbidden, "admin or doctor role required")
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, action string, err error) {
	status := StatusCode(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("failed to "+action, "error", err)
	}
	writeError(w, status, err.Error())
}

// StatusCode maps relay errors onto HTTP statuses.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, ErrInvalidAsset):
		return http.StatusBadRequest
	case errors.Is(err, ErrUploadTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// partType prefers the declared content type and falls back to the file extension.
func partType(declared, filename string) string {
	if mt, _, err := mime.ParseMediaType(declared); err == nil && mt != "application/octet-stream" {
		return mt
	}
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
