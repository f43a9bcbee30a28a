// Package api exposes the HTTP surface: auth, uploads, job polling,
// downloads, and quota visibility.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pdfpress/pdfpress/internal/audit"
	"github.com/pdfpress/pdfpress/internal/auth"
	"github.com/pdfpress/pdfpress/internal/config"
	"github.com/pdfpress/pdfpress/internal/jobs"
	"github.com/pdfpress/pdfpress/internal/model"
	"github.com/pdfpress/pdfpress/internal/pdfinfo"
	"github.com/pdfpress/pdfpress/internal/preset"
	"github.com/pdfpress/pdfpress/internal/quota"
	"github.com/pdfpress/pdfpress/internal/signing"
)

// UserStore is the slice of the user repository the API needs for login.
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
}

// Server exposes HTTP endpoints for uploads and job visibility.
type Server struct {
	cfg     *config.Config
	users   UserStore
	manager *jobs.Manager
	signer  *signing.Signer
	audits  audit.Recorder
	log     *logrus.Logger
	server  *http.Server
	once    sync.Once
}

// New constructs a Server.
func New(cfg *config.Config, users UserStore, manager *jobs.Manager, signer *signing.Signer, audits audit.Recorder, log *logrus.Logger) *Server {
	if audits == nil {
		audits = audit.Nop{}
	}
	if log == nil {
		log = logrus.New()
	}
	return &Server{
		cfg:     cfg,
		users:   users,
		manager: manager,
		signer:  signer,
		audits:  audits,
		log:     log,
	}
}

// Handler builds the route table. Exposed separately so tests can drive it
// through httptest without binding a socket.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/auth/login", s.handleLogin)
	mux.HandleFunc("/api/download", s.handleSignedDownload)
	mux.HandleFunc("/api/usage", s.requireAuth(s.handleUsage))
	mux.HandleFunc("/api/process/upload", s.requireAuth(s.handleUpload))
	mux.HandleFunc("/api/process/jobs", s.requireAuth(s.handleListJobs))
	mux.HandleFunc("/api/process/presets", s.handlePresets)
	mux.HandleFunc("/api/process/estimate", s.handleEstimate)
	mux.HandleFunc("/api/process/clear-session", s.requireAuth(s.handleClearSession))
	mux.HandleFunc("/api/process/", s.requireAuth(s.handleJobRoute))
	return corsMiddleware(s.loggingMiddleware(mux))
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.once.Do(func() {
		s.server = &http.Server{
			Addr:    s.cfg.Address,
			Handler: s.Handler(),
		}
	})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	s.log.WithField("addr", s.cfg.Address).Info("api listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type contextKey string

const userIDKey contextKey = "userID"

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			respondError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		userID, err := auth.UserIDFromToken(token, s.cfg.JWTSecret)
		if err != nil {
			respondError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next(w, r.WithContext(ctx))
	}
}

func requestUser(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey).(string)
	return id
}

func requestMeta(r *http.Request) jobs.RequestMeta {
	ip := r.RemoteAddr
	if i := strings.LastIndex(ip, ":"); i > 0 {
		ip = ip[:i]
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		ip = strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	return jobs.RequestMeta{IPAddress: ip, UserAgent: r.UserAgent()}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
		respondError(w, http.StatusBadRequest, "email and password required")
		return
	}
	meta := requestMeta(r)
	user, err := s.users.GetUserByEmail(r.Context(), req.Email)
	if err == nil {
		err = auth.CheckPassword(user.PasswordHash, req.Password)
	}
	if err != nil {
		s.audits.Record(r.Context(), audit.Event{
			Action:    audit.ActionLoginFailed,
			IPAddress: meta.IPAddress,
			UserAgent: meta.UserAgent,
			Details:   audit.Extra{"email": req.Email},
		})
		respondError(w, http.StatusUnauthorized, "invalid email or password")
		return
	}
	token, err := auth.GenerateToken(user.ID, s.cfg.JWTSecret, s.cfg.TokenTTL)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	s.audits.Record(r.Context(), audit.Event{
		UserID:    user.ID,
		Action:    audit.ActionLogin,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
	})
	respondJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_in": int(s.cfg.TokenTTL.Seconds()),
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxFileSize+64*1024)
	mr, err := r.MultipartReader()
	if err != nil {
		respondError(w, http.StatusBadRequest, "expecting multipart form")
		return
	}

	quality := r.URL.Query().Get("quality")
	var tmp *tempUpload
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			respondError(w, http.StatusBadRequest, "malformed multipart form")
			return
		}
		switch part.FormName() {
		case "quality":
			value, err := io.ReadAll(io.LimitReader(part, 64))
			part.Close()
			if err == nil {
				quality = strings.TrimSpace(string(value))
			}
		case "file":
			if tmp == nil {
				tmp, err = s.persistTemp(part)
				part.Close()
				if err != nil {
					respondError(w, http.StatusBadRequest, err.Error())
					return
				}
			} else {
				part.Close()
			}
		default:
			part.Close()
		}
	}
	if tmp == nil {
		respondError(w, http.StatusBadRequest, "no file selected")
		return
	}
	defer tmp.cleanup()
	if quality == "" {
		quality = "medium"
	}
	if err := pdfinfo.SniffHeader(tmp.sniff); err != nil {
		respondError(w, http.StatusBadRequest, "only PDF files supported")
		return
	}
	info, err := pdfinfo.InspectFile(tmp.path)
	if err != nil {
		respondError(w, http.StatusBadRequest, "file is not a readable PDF")
		return
	}
	s.log.WithFields(logrus.Fields{
		"filename": tmp.filename,
		"pages":    info.Pages,
	}).Debug("upload inspected")

	job, err := s.manager.Submit(r.Context(), requestUser(r), jobs.Upload{
		Filename: tmp.filename,
		Size:     tmp.size,
		Reader:   tmp.f,
		Preset:   quality,
	}, requestMeta(r))
	if err != nil {
		var denied *quota.DeniedError
		var verr *jobs.ValidationError
		switch {
		case errors.As(err, &denied):
			respondJSON(w, http.StatusTooManyRequests, map[string]string{
				"error":  denied.Message,
				"reason": string(denied.Reason),
			})
		case errors.As(err, &verr):
			respondError(w, http.StatusBadRequest, verr.Message)
		default:
			s.log.WithError(err).Error("upload failed")
			respondError(w, http.StatusInternalServerError, "failed to accept upload")
		}
		return
	}
	respondJSON(w, http.StatusAccepted, s.jobView(job))
}

// handleJobRoute dispatches /api/process/{action}/{id}.
func (s *Server) handleJobRoute(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/process/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[1] == "" {
		http.NotFound(w, r)
		return
	}
	action, id := parts[0], parts[1]
	switch action {
	case "status":
		s.handleStatus(w, r, id)
	case "download":
		s.handleDownload(w, r, id)
	case "signed-url":
		s.handleSignedURL(w, r, id)
	case "retry":
		s.handleRetry(w, r, id)
	case "dismiss":
		s.handleDismiss(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	job, err := s.manager.GetStatus(r.Context(), id, requestUser(r))
	if err != nil {
		respondError(w, http.StatusNotFound, "job not found")
		return
	}
	respondJSON(w, http.StatusOK, s.jobView(job))
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	rc, job, err := s.manager.Download(r.Context(), id, requestUser(r), requestMeta(r))
	if err != nil {
		s.respondDownloadError(w, err)
		return
	}
	defer rc.Close()
	s.streamPDF(w, rc, job)
}

func (s *Server) handleSignedURL(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	// Ownership check only; the link is minted for completed jobs elsewhere
	// too, and validation happens at redemption.
	if _, err := s.manager.GetStatus(r.Context(), id, requestUser(r)); err != nil {
		respondError(w, http.StatusNotFound, "job not found")
		return
	}
	expires := time.Now().Add(s.cfg.SignedURLTTL).Unix()
	sig := s.signer.Sign(id, expires)
	url := fmt.Sprintf("/api/download?id=%s&expires=%d&signature=%s", id, expires, sig)
	respondJSON(w, http.StatusOK, map[string]any{
		"url":        url,
		"expires_at": expires,
	})
}

func (s *Server) handleSignedDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	q := r.URL.Query()
	id, expires, sig := q.Get("id"), q.Get("expires"), q.Get("signature")
	if !s.signer.Validate(id, expires, sig, time.Now()) {
		respondError(w, http.StatusForbidden, "invalid or expired link")
		return
	}
	rc, job, err := s.manager.OpenProcessed(r.Context(), id)
	if err != nil {
		s.respondDownloadError(w, err)
		return
	}
	defer rc.Close()
	s.streamPDF(w, rc, job)
}

func (s *Server) streamPDF(w http.ResponseWriter, rc io.Reader, job *model.Job) {
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", jobs.DownloadFilename(job)))
	if job.ProcessedSize != nil {
		w.Header().Set("Content-Length", strconv.FormatInt(*job.ProcessedSize, 10))
	}
	if _, err := io.Copy(w, rc); err != nil {
		s.log.WithError(err).WithField("job", job.ID).Warn("download stream interrupted")
	}
}

func (s *Server) respondDownloadError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, jobs.ErrExpired):
		respondError(w, http.StatusGone, "file has expired")
	case errors.Is(err, jobs.ErrNotReady):
		respondError(w, http.StatusConflict, "file is not ready yet")
	case errors.Is(err, jobs.ErrNotFound):
		respondError(w, http.StatusNotFound, "job not found")
	default:
		s.log.WithError(err).Error("download failed")
		respondError(w, http.StatusInternalServerError, "download failed")
	}
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	filter := jobs.FilterAll
	switch r.URL.Query().Get("status") {
	case "active":
		filter = jobs.FilterActive
	case "completed":
		filter = jobs.FilterCompleted
	case "failed":
		filter = jobs.FilterFailed
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list, err := s.manager.ListJobs(r.Context(), requestUser(r), filter, limit)
	if err != nil {
		s.log.WithError(err).Error("list jobs")
		respondError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	views := make([]jobView, 0, len(list))
	for _, job := range list {
		views = append(views, s.jobView(job))
	}
	respondJSON(w, http.StatusOK, map[string]any{"jobs": views})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	err := s.manager.Retry(r.Context(), id, requestUser(r), requestMeta(r))
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, map[string]string{"status": "queued"})
	case errors.Is(err, jobs.ErrNotFound):
		respondError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, jobs.ErrNotRetryable):
		respondError(w, http.StatusConflict, "job cannot be retried")
	default:
		s.log.WithError(err).Error("retry job")
		respondError(w, http.StatusInternalServerError, "failed to retry job")
	}
}

func (s *Server) handleDismiss(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	err := s.manager.Dismiss(r.Context(), id, requestUser(r), requestMeta(r))
	var verr *jobs.ValidationError
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, map[string]string{"status": "dismissed"})
	case errors.Is(err, jobs.ErrNotFound):
		respondError(w, http.StatusNotFound, "job not found")
	case errors.As(err, &verr):
		respondError(w, http.StatusConflict, verr.Message)
	default:
		s.log.WithError(err).Error("dismiss job")
		respondError(w, http.StatusInternalServerError, "failed to dismiss job")
	}
}

func (s *Server) handleClearSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	affected, err := s.manager.ClearSession(r.Context(), requestUser(r), requestMeta(r))
	if err != nil {
		s.log.WithError(err).Error("clear session")
		respondError(w, http.StatusInternalServerError, "failed to clear session")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"jobs_cleared": affected})
}

func (s *Server) handlePresets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	type presetView struct {
		Key               string `json:"key"`
		Name              string `json:"name"`
		Description       string `json:"description"`
		ExpectedReduction int    `json:"expected_reduction_percent"`
	}
	all := preset.All()
	views := make([]presetView, 0, len(all))
	for _, p := range all {
		views = append(views, presetView{
			Key:               p.Key,
			Name:              p.Name,
			Description:       p.Description,
			ExpectedReduction: p.ExpectedReductionPercent(),
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{"presets": views})
}

// handleEstimate predicts output size and runtime for a prospective upload so
// the UI can show expectations before committing quota.
func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		FileSize int64  `json:"file_size"`
		Quality  string `json:"quality"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.FileSize <= 0 {
		respondError(w, http.StatusBadRequest, "file_size required")
		return
	}
	if req.Quality == "" {
		req.Quality = "medium"
	}
	p, err := preset.Lookup(req.Quality)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	sizeMB := float64(req.FileSize) / (1 << 20)
	respondJSON(w, http.StatusOK, map[string]any{
		"estimated_size":      int64(float64(req.FileSize) * p.ExpectedCompression),
		"estimated_reduction": p.ExpectedReductionPercent(),
		"estimated_seconds":   int(5 + 2*sizeMB),
	})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	state, err := s.manager.Usage(r.Context(), requestUser(r))
	if err != nil {
		s.log.WithError(err).Error("quota usage")
		respondError(w, http.StatusInternalServerError, "failed to read usage")
		return
	}
	limits := s.cfg.QuotaLimits()
	respondJSON(w, http.StatusOK, map[string]any{
		"daily_file_count":      state.DailyFileCount,
		"daily_file_limit":      limits.DailyFileLimit,
		"daily_storage_used":    state.DailyStorageUsed,
		"daily_storage_limit":   limits.DailyStorageBytes,
		"session_storage_used":  state.SessionStorageUsed,
		"session_storage_limit": limits.SessionStorageBytes,
		"active_jobs":           state.ActiveJobs,
		"concurrent_limit":      limits.ConcurrentUploads,
	})
}

// jobView is the wire shape for a single job.
type jobView struct {
	ID                string   `json:"id"`
	OriginalFilename  string   `json:"original_filename"`
	OriginalSize      int64    `json:"original_size"`
	ProcessedSize     *int64   `json:"processed_size,omitempty"`
	CompressionRatio  *float64 `json:"compression_ratio,omitempty"`
	QualityPreset     string   `json:"quality_preset"`
	Status            string   `json:"status"`
	Progress          int      `json:"progress"`
	CreatedAt         string   `json:"created_at"`
	ExpiresAt         string   `json:"expires_at"`
	TimeRemainingSecs int      `json:"time_remaining_seconds"`
	ErrorMessage      *string  `json:"error_message,omitempty"`
	RetryCount        int      `json:"retry_count"`
	DownloadURL       string   `json:"download_url,omitempty"`
}

func (s *Server) jobView(job *model.Job) jobView {
	now := time.Now().UTC()
	view := jobView{
		ID:                job.ID,
		OriginalFilename:  job.OriginalFilename,
		OriginalSize:      job.OriginalSize,
		ProcessedSize:     job.ProcessedSize,
		CompressionRatio:  job.CompressionRatio,
		QualityPreset:     job.QualityPreset,
		Status:            string(job.Status),
		Progress:          job.Progress(now),
		CreatedAt:         job.CreatedAt.Format(time.RFC3339),
		ExpiresAt:         job.ExpiresAt.Format(time.RFC3339),
		TimeRemainingSecs: int(job.TimeRemaining(now).Seconds()),
		ErrorMessage:      job.ErrorMessage,
		RetryCount:        job.RetryCount,
	}
	if job.Status == model.StatusCompleted {
		view.DownloadURL = "/api/process/download/" + job.ID
	}
	return view
}

type tempUpload struct {
	f        *os.File
	path     string
	size     int64
	sniff    []byte
	filename string
}

func (t *tempUpload) cleanup() {
	t.f.Close()
	os.Remove(t.path)
}

// persistTemp streams the part to a temp file, enforcing the size cap and
// capturing the leading bytes for sniffing, without buffering the body in
// memory.
func (s *Server) persistTemp(part *multipart.Part) (*tempUpload, error) {
	tmpFile, err := os.CreateTemp("", "pdfpress-*.pdf")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	discard := func() {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
	}
	var sniff []byte
	buf := make([]byte, 32*1024)
	var written int64
	for {
		n, readErr := part.Read(buf)
		if n > 0 {
			written += int64(n)
			if written > s.cfg.MaxFileSize {
				discard()
				return nil, fmt.Errorf("file exceeds limit (%d bytes)", s.cfg.MaxFileSize)
			}
			if len(sniff) < 512 {
				chunk := n
				if remain := 512 - len(sniff); chunk > remain {
					chunk = remain
				}
				sniff = append(sniff, buf[:chunk]...)
			}
			if _, err := tmpFile.Write(buf[:n]); err != nil {
				discard()
				return nil, fmt.Errorf("write temp file: %w", err)
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			discard()
			return nil, fmt.Errorf("read file: %w", readErr)
		}
	}
	if written == 0 {
		discard()
		return nil, errors.New("empty file")
	}
	if _, err := tmpFile.Seek(0, 0); err != nil {
		discard()
		return nil, fmt.Errorf("rewind temp file: %w", err)
	}
	filename := part.FileName()
	if filename == "" {
		filename = "upload.pdf"
	}
	return &tempUpload{
		f:        tmpFile,
		path:     tmpFile.Name(),
		size:     written,
		sniff:    sniff,
		filename: filename,
	}, nil
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logrus.WithError(err).Warn("encode response")
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		s.log.WithFields(logrus.Fields{
			"method":  r.Method,
			"path":    r.URL.Path,
			"status":  rec.status,
			"elapsed": time.Since(start),
		}).Info("request")
	})
}
