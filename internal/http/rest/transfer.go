package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"path/filepath"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/sftp_sync/internal/archive"
	"github.com/italolelis/sftp_sync/internal/logctx"
	"github.com/italolelis/sftp_sync/internal/notifier"
	"github.com/italolelis/sftp_sync/internal/transfer"
)

const (
	StrategyItems   = "items"
	StrategyArchive = "archive"
)

// ItemTransferer runs per-item, resumable transfers.
type ItemTransferer interface {
	Upload(ctx context.Context, localRoot, remoteRoot string, resume bool) (*transfer.Report, error)
	Download(ctx context.Context, remoteRoot, localRoot string, resume bool) (*transfer.Report, error)
	UploadFiles(ctx context.Context, localPaths []string, remoteDir string) (*transfer.Report, error)
}

// ArchiveTransferer runs single-archive transfers.
type ArchiveTransferer interface {
	Upload(ctx context.Context, localRoot, remoteDest string) (*archive.Result, error)
	Download(ctx context.Context, remoteRoot, localDest string) (*archive.Result, error)
}

// ConnectionTester dials the configured host once and hangs up.
type ConnectionTester func(ctx context.Context) error

type UploadRequest struct {
	LocalPath string `json:"local_path"`
	RemoteDir string `json:"remote_dir"`
	Strategy  string `json:"strategy"`
	Resume    bool   `json:"resume"`
}

type DownloadRequest struct {
	RemotePath string `json:"remote_path"`
	LocalDir   string `json:"local_dir"`
	Strategy   string `json:"strategy"`
	Resume     bool   `json:"resume"`
}

type FilesRequest struct {
	LocalPaths []string `json:"local_paths"`
	RemoteDir  string   `json:"remote_dir"`
}

type TransferResponse struct {
	Lines   []string `json:"lines"`
	Summary string   `json:"summary"`
	OK      bool     `json:"ok"`
}

type TransferHandler struct {
	username string
	password string
	items    ItemTransferer
	archives ArchiveTransferer
	test     ConnectionTester
	notifier notifier.Notifier

	// busy serializes transfers; the engine runs one session at a time.
	busy sync.Mutex
}

// NewTransferHandler creates a new transfer handler. Basic auth is enforced when username is set and
// notif may be nil.
func NewTransferHandler(username, password string, items ItemTransferer, archives ArchiveTransferer, test ConnectionTester, notif notifier.Notifier) *TransferHandler {
	return &TransferHandler{
		username: username,
		password: password,
		items:    items,
		archives: archives,
		test:     test,
		notifier: notif,
	}
}

func (h *TransferHandler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.username != "" {
		r.Use(h.basicAuthMiddleware)
	}

	r.Post("/connection/test", h.HandleConnectionTest)
	r.Post("/transfers/upload", h.HandleUpload)
	r.Post("/transfers/download", h.HandleDownload)
	r.Post("/transfers/files", h.HandleFiles)

	return r
}

// HandleConnectionTest dials the remote host with the configured credentials.
func (h *TransferHandler) HandleConnectionTest(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	if err := h.test(r.Context()); err != nil {
		logger.Error("connection test failed", "err", err)
		writeJSON(r.Context(), w, statusFor(err), map[string]string{"status": "error", "error": formatError(err)})

		return
	}

	writeJSON(r.Context(), w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleUpload copies a local folder into remote_dir/<folder name>.
func (h *TransferHandler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	var req UploadRequest
	if !decode(w, r, &req) {
		return
	}

	if req.LocalPath == "" || req.RemoteDir == "" {
		http.Error(w, "local_path and remote_dir are required", http.StatusBadRequest)

		return
	}

	strategy, ok := parseStrategy(w, req.Strategy)
	if !ok {
		return
	}

	dest := path.Join(req.RemoteDir, filepath.Base(filepath.Clean(req.LocalPath)))

	h.run(w, r, func(ctx context.Context) (*TransferResponse, error) {
		if strategy == StrategyArchive {
			return fromResult(h.archives.Upload(ctx, req.LocalPath, dest))
		}

		return fromReport(h.items.Upload(ctx, req.LocalPath, dest, req.Resume))
	})
}

// HandleDownload copies a remote folder into local_dir/<folder name>.
func (h *TransferHandler) HandleDownload(w http.ResponseWriter, r *http.Request) {
	var req DownloadRequest
	if !decode(w, r, &req) {
		return
	}

	if req.RemotePath == "" || req.LocalDir == "" {
		http.Error(w, "remote_path and local_dir are required", http.StatusBadRequest)

		return
	}

	strategy, ok := parseStrategy(w, req.Strategy)
	if !ok {
		return
	}

	dest := filepath.Join(req.LocalDir, path.Base(path.Clean(req.RemotePath)))

	h.run(w, r, func(ctx context.Context) (*TransferResponse, error) {
		if strategy == StrategyArchive {
			return fromResult(h.archives.Download(ctx, req.RemotePath, dest))
		}

		return fromReport(h.items.Download(ctx, req.RemotePath, dest, req.Resume))
	})
}

// HandleFiles copies a selection of local files into remote_dir.
func (h *TransferHandler) HandleFiles(w http.ResponseWriter, r *http.Request) {
	var req FilesRequest
	if !decode(w, r, &req) {
		return
	}

	if len(req.LocalPaths) == 0 || req.RemoteDir == "" {
		http.Error(w, "local_paths and remote_dir are required", http.StatusBadRequest)

		return
	}

	h.run(w, r, func(ctx context.Context) (*TransferResponse, error) {
		return fromReport(h.items.UploadFiles(ctx, req.LocalPaths, req.RemoteDir))
	})
}

func (h *TransferHandler) run(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context) (*TransferResponse, error)) {
	ctx := r.Context()
	logger := logctx.LoggerFromContext(ctx)

	if !h.busy.TryLock() {
		http.Error(w, "a transfer is already running", http.StatusConflict)

		return
	}
	defer h.busy.Unlock()

	resp, err := fn(ctx)
	status := http.StatusOK

	if err != nil {
		logger.Error("transfer failed", "err", err)

		status = statusFor(err)
		if resp == nil {
			resp = &TransferResponse{}
		}

		resp.OK = false
		resp.Summary = "❌ " + formatError(err)
		resp.Lines = append(resp.Lines, resp.Summary)
	}

	h.notify(ctx, resp.Summary)

	writeJSON(ctx, w, status, resp)
}

func (h *TransferHandler) notify(ctx context.Context, summary string) {
	if h.notifier == nil {
		return
	}

	if err := h.notifier.Notify(ctx, summary); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to send notification", "err", err)
	}
}

func (h *TransferHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="sftp_sync"`)
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func fromReport(report *transfer.Report, err error) (*TransferResponse, error) {
	if report == nil {
		return nil, err
	}

	lines := report.Lines()
	if lines == nil {
		lines = []string{}
	}

	return &TransferResponse{Lines: lines, Summary: report.Summary(), OK: report.OK()}, err
}

func fromResult(result *archive.Result, err error) (*TransferResponse, error) {
	if result == nil || err != nil {
		return nil, err
	}

	return &TransferResponse{Lines: result.Lines(), Summary: result.Summary(), OK: true}, nil
}

func parseStrategy(w http.ResponseWriter, strategy string) (string, bool) {
	switch strategy {
	case "", StrategyItems:
		return StrategyItems, true
	case StrategyArchive:
		return StrategyArchive, true
	}

	http.Error(w, fmt.Sprintf("unknown strategy %s", strategy), http.StatusBadRequest)

	return "", false
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to decode request", "err", err)
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return false
	}

	return true
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to encode response", "err", err)
	}
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch transfer.KindOf(err) {
	case transfer.KindAuthentication, transfer.KindConnection:
		return http.StatusBadGateway
	case transfer.KindPath:
		return http.StatusUnprocessableEntity
	}

	if errors.Is(err, context.Canceled) {
		return http.StatusServiceUnavailable
	}

	return http.StatusInternalServerError
}

// formatError converts internal errors to user-facing messages.
func formatError(err error) string {
	var authErr *transfer.AuthenticationError
	if errors.As(err, &authErr) {
		return "authentication failed"
	}

	var pathErr *transfer.PathError
	if errors.As(err, &pathErr) {
		return fmt.Sprintf("path error for %s: %s", pathErr.Path, pathErr.Reason)
	}

	var compErr *transfer.CompressionError
	if errors.As(err, &compErr) {
		return fmt.Sprintf("remote compression failed: %v", err)
	}

	var extErr *transfer.ExtractionError
	if errors.As(err, &extErr) {
		return fmt.Sprintf("extraction failed: %v", err)
	}

	var connErr *transfer.ConnectionError
	if errors.As(err, &connErr) {
		return fmt.Sprintf("connection failed: %v", err)
	}

	return fmt.Sprintf("error: %v", err)
}
