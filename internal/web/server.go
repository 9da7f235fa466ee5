package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/conorfennell/ankimport/internal/domain"
	"github.com/conorfennell/ankimport/internal/importer"
	"github.com/conorfennell/ankimport/internal/storage"
)

// OwnerHeader carries the authenticated caller id set by the upstream
// auth layer.
const OwnerHeader = "X-Owner-Id"

const zipMIME = "application/zip"

// Importer runs one import.
type Importer interface {
	Import(ctx context.Context, ownerID string, data []byte, filename string) (*importer.Result, error)
}

// ProgressStore reads progress records.
type ProgressStore interface {
	GetImport(ctx context.Context, id string) (*domain.ImportProgress, error)
}

// Options configures a Server.
type Options struct {
	MaxArchiveBytes int64
	// MediaDir, when set, is served under /media/ for the fs object store.
	MediaDir string
}

// Server holds the dependencies for the HTTP server.
type Server struct {
	importer Importer
	progress ProgressStore
	router   *http.ServeMux
	opts     Options
}

// NewServer creates and configures a new server.
func NewServer(imp Importer, progress ProgressStore, opts Options) *Server {
	if opts.MaxArchiveBytes <= 0 {
		opts.MaxArchiveBytes = 256 << 20
	}
	s := &Server{
		importer: imp,
		progress: progress,
		router:   http.NewServeMux(),
		opts:     opts,
	}
	s.routes()
	return s
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes sets up the routing for the server.
func (s *Server) routes() {
	s.router.HandleFunc("POST /imports", s.handlePostImport)
	s.router.HandleFunc("GET /imports/{id}", s.handleGetImport)
	s.router.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.opts.MediaDir != "" {
		fileServer := http.FileServer(http.Dir(s.opts.MediaDir))
		s.router.Handle("GET /media/", http.StripPrefix("/media/", fileServer))
	}
}

// errorBody is the failure half of the result contract.
type errorBody struct {
	Success  bool   `json:"success"`
	Error    string `json:"error"`
	Code     string `json:"code"`
	ImportID string `json:"importId,omitempty"`
	Details  any    `json:"details,omitempty"`
}

// handlePostImport accepts a package as the "file" field of a multipart form
// or as the raw body with a filename query parameter.
func (s *Server) handlePostImport(w http.ResponseWriter, r *http.Request) {
	owner := strings.TrimSpace(r.Header.Get(OwnerHeader))
	if owner == "" {
		writeError(w, http.StatusUnauthorized, importer.CodeUnauthenticated, "missing "+OwnerHeader+" header", "", nil)
		return
	}
	if s.importer == nil {
		writeError(w, http.StatusServiceUnavailable, importer.CodeMisconfigured, "importer is not configured", "", nil)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxArchiveBytes)
	data, filename, err := readUpload(r)
	if err != nil {
		if tooLarge(err) {
			writeError(w, http.StatusRequestEntityTooLarge, importer.CodeArchiveInvalid,
				fmt.Sprintf("archive exceeds %d bytes", s.opts.MaxArchiveBytes), "", nil)
			return
		}
		writeError(w, http.StatusBadRequest, importer.CodeArchiveInvalid, err.Error(), "", nil)
		return
	}

	if !importer.ValidFilename(filename) {
		writeError(w, http.StatusBadRequest, importer.CodeInvalidFilename,
			fmt.Sprintf("filename %q must end in %s", filename, importer.PackageExtension), "", nil)
		return
	}
	if !isZip(data) {
		writeError(w, http.StatusBadRequest, importer.CodeArchiveInvalid, "file is not a zip archive", "", nil)
		return
	}

	res, err := s.importer.Import(r.Context(), owner, data, filename)
	if err != nil {
		var ie *importer.Error
		if !errors.As(err, &ie) {
			slog.Error("Import failed with an uncoded error", "owner_id", owner, "error", err)
			writeError(w, http.StatusInternalServerError, importer.CodeInternal, "import failed", "", nil)
			return
		}
		details := ie.Details
		if details == nil && ie.Err != nil {
			details = ie.Err.Error()
		}
		writeError(w, statusFor(ie.Code), ie.Code, ie.Message, ie.ImportID, details)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleGetImport returns the caller's progress record.
func (s *Server) handleGetImport(w http.ResponseWriter, r *http.Request) {
	owner := strings.TrimSpace(r.Header.Get(OwnerHeader))
	if owner == "" {
		writeError(w, http.StatusUnauthorized, importer.CodeUnauthenticated, "missing "+OwnerHeader+" header", "", nil)
		return
	}
	if s.progress == nil {
		writeError(w, http.StatusServiceUnavailable, importer.CodeMisconfigured, "progress store is not configured", "", nil)
		return
	}

	id := r.PathValue("id")
	p, err := s.progress.GetImport(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && p.OwnerID != owner) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "import not found", Code: "NOT_FOUND", ImportID: id})
		return
	}
	if err != nil {
		slog.Error("Failed to load import progress", "import_id", id, "error", err)
		writeError(w, http.StatusServiceUnavailable, importer.CodeStorageUnavailable, "failed to load import", id, nil)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func readUpload(r *http.Request) ([]byte, string, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		file, header, err := r.FormFile("file")
		if err != nil {
			if errors.Is(err, http.ErrMissingFile) {
				return nil, "", errors.New(`multipart form has no "file" field`)
			}
			return nil, "", err
		}
		defer file.Close()
		data, err := io.ReadAll(file)
		return data, header.Filename, err
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, "", err
	}
	return data, r.URL.Query().Get("filename"), nil
}

// tooLarge reports whether err came from the body size limit. Multipart
// parsing does not always keep the typed error, so the message is checked
// as well.
func tooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr) || strings.Contains(err.Error(), "request body too large")
}

// isZip reports whether data sniffs as a zip container or one of its
// descendants.
func isZip(data []byte) bool {
	for m := mimetype.Detect(data); m != nil; m = m.Parent() {
		if m.Is(zipMIME) {
			return true
		}
	}
	return false
}

func statusFor(code importer.Code) int {
	switch code {
	case importer.CodeArchiveInvalid, importer.CodeInvalidFilename, importer.CodeNoCollection,
		importer.CodeUnsupportedFormat, importer.CodeMetadataUnreadable,
		importer.CodeInvalidCreationTime, importer.CodeFailureRateExceeded:
		return http.StatusBadRequest
	case importer.CodeUnauthenticated:
		return http.StatusUnauthorized
	case importer.CodeMisconfigured, importer.CodeStorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code importer.Code, message, importID string, details any) {
	writeJSON(w, status, errorBody{
		Error:    message,
		Code:     string(code),
		ImportID: importID,
		Details:  details,
	})
}
