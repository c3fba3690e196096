// Package ingest implements the RdioScanner-compatible call-upload
// endpoint: it wires authentication, rate limiting, file validation, the
// work queue, and the audit trail around a single multipart POST.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/swiftraccoon/callreceiver/internal/auth"
	"github.com/swiftraccoon/callreceiver/internal/metrics"
	"github.com/swiftraccoon/callreceiver/internal/queue"
	"github.com/swiftraccoon/callreceiver/internal/ratelimit"
	"github.com/swiftraccoon/callreceiver/internal/store"
	"github.com/swiftraccoon/callreceiver/internal/validate"
)

// AuditSink is the subset of audit.Log the handler needs.
type AuditSink interface {
	Emit(ctx context.Context, e store.SecurityEvent)
}

// Queue is the subset of queue.Queue the handler needs, so tests can
// substitute a fake that always reports full.
type Queue interface {
	Enqueue(task queue.Task) error
}

type Config struct {
	TempDir               string
	FileValidationEnabled bool
	RequireSystemID       bool
	InlineFallbackOnFull  bool
}

type Handler struct {
	auth      *auth.Authenticator
	limiter   *ratelimit.Limiter
	validator *validate.Validator
	audit     AuditSink
	queue     Queue
	processor queue.Processor
	cfg       Config
	log       zerolog.Logger

	queueFullRejections atomic.Int64
}

// NewHandler wires the endpoint's collaborators together. processor is the
// same function passed to queue.Start — the handler calls it directly as
// the inline fallback when the queue reports full.
func NewHandler(a *auth.Authenticator, rl *ratelimit.Limiter, v *validate.Validator, audit AuditSink, q Queue, processor queue.Processor, cfg Config, log zerolog.Logger) *Handler {
	return &Handler{auth: a, limiter: rl, validator: v, audit: audit, queue: q, processor: processor, cfg: cfg, log: log}
}

func (h *Handler) QueueFullRejections() int64 {
	return h.queueFullRejections.Load()
}

// ServeUpload handles POST /api/call-upload.
func (h *Handler) ServeUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	clientIP := clientIPFrom(r)
	userAgent := r.Header.Get("User-Agent")
	wantJSON := wantsJSON(r, userAgent)

	form, err := parseMultipart(r)
	if err != nil {
		h.respondError(w, wantJSON, http.StatusBadRequest, "Malformed multipart request")
		return
	}

	if test := form.Value("test"); test != "" {
		h.respondSuccess(w, wantJSON, "incomplete call data: no talkgroup", "test")
		return
	}

	systemID := form.Value("system")
	dateTimeRaw := form.Value("dateTime")

	// Authentication comes before the required-field checks: a caller with
	// a bad key learns nothing about which fields the endpoint expects, and
	// the auth audit event is emitted even for otherwise-malformed requests.
	apiKey := form.Value("key")
	decision := h.auth.Authenticate(apiKey, clientIP, systemID)
	h.auditAuthDecision(ctx, decision, clientIP, systemID, apiKey, userAgent)
	metrics.AuthDecisionsTotal.WithLabelValues(decision.Reason).Inc()
	if !decision.Allowed {
		metrics.UploadsTotal.WithLabelValues("unauthorized").Inc()
		h.respondError(w, wantJSON, http.StatusUnauthorized, authErrorMessage(decision.Reason))
		return
	}

	if systemID == "" && h.cfg.RequireSystemID {
		h.respondError(w, wantJSON, http.StatusBadRequest, "Missing required field: system")
		return
	}
	if dateTimeRaw == "" {
		h.respondError(w, wantJSON, http.StatusBadRequest, "Missing required field: dateTime")
		return
	}
	dateTimeUnix, err := strconv.ParseInt(dateTimeRaw, 10, 64)
	if err != nil {
		h.respondError(w, wantJSON, http.StatusBadRequest, "Invalid dateTime field")
		return
	}
	audioFile := form.File("audio")
	if audioFile == nil {
		h.respondError(w, wantJSON, http.StatusBadRequest, "Missing required field: audio")
		return
	}

	if len(audioFile.Data) == 0 {
		h.respondError(w, wantJSON, http.StatusBadRequest, "Empty audio file")
		return
	}

	if h.cfg.FileValidationEnabled {
		rlRes := h.limiter.Allow(rateLimitKey(apiKey, clientIP))
		if !rlRes.Allowed {
			window := "minute"
			if rlRes.ExceededHour {
				window = "hour"
			}
			h.audit.Emit(ctx, store.SecurityEvent{
				EventType: "rate_limit_exceeded", Severity: store.SeverityMedium,
				SourceIP: clientIP, SourceSystem: systemID, APIKeyUsed: decision.APIKeyID, UserAgent: userAgent,
				Description: fmt.Sprintf("rate limit exceeded per %s", window),
			})
			h.audit.Emit(ctx, store.SecurityEvent{
				EventType: "upload_blocked", Severity: store.SeverityMedium,
				SourceIP: clientIP, SourceSystem: systemID, APIKeyUsed: decision.APIKeyID, UserAgent: userAgent,
				Description: fmt.Sprintf("upload blocked: rate limit exceeded per %s", window),
			})
			metrics.UploadsTotal.WithLabelValues("rate_limited").Inc()
			h.respondError(w, wantJSON, http.StatusBadRequest, fmt.Sprintf("Rate limit exceeded: too many uploads per %s", window))
			return
		}

		filename := audioFile.Filename
		if override := form.Value("audioName"); override != "" {
			filename = override
		}
		contentType := audioFile.ContentType
		if override := form.Value("audioType"); override != "" {
			contentType = override
		}
		if verr := h.validator.Validate(filename, contentType, audioFile.Data); verr != nil {
			kind := "unknown"
			var ve *validate.Error
			if errors.As(verr, &ve) {
				kind = ve.Kind
			}
			metrics.ValidationRejectionsTotal.WithLabelValues(kind).Inc()
			metrics.UploadsTotal.WithLabelValues("validation_rejected").Inc()
			h.audit.Emit(ctx, store.SecurityEvent{
				EventType: "upload_blocked", Severity: store.SeverityMedium,
				SourceIP: clientIP, SourceSystem: systemID, APIKeyUsed: decision.APIKeyID, UserAgent: userAgent,
				Description: verr.Error(),
			})
			h.respondError(w, wantJSON, http.StatusBadRequest, fmt.Sprintf("File validation failed: %s", verr.Error()))
			return
		}
	}

	h.audit.Emit(ctx, store.SecurityEvent{
		EventType: "upload_success", Severity: store.SeverityInfo,
		SourceIP: clientIP, SourceSystem: systemID, APIKeyUsed: decision.APIKeyID, UserAgent: userAgent,
		Description: "call accepted for transcription",
	})

	audioPath, err := h.materialize(audioFile)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to materialize uploaded audio")
		h.respondError(w, wantJSON, http.StatusInternalServerError, "Internal server error")
		return
	}

	newCall := store.NewCall{
		Timestamp:          time.Unix(dateTimeUnix, 0).UTC(),
		SystemID:           atoiOrZeroPtr(systemID),
		Frequency:          atoi64OrZeroPtr(form.Value("frequency")),
		TalkgroupID:        atoiOrZeroPtr(form.Value("talkgroup")),
		SourceRadioID:      atoiOrZeroPtr(form.Value("source")),
		SystemLabel:        form.Value("systemLabel"),
		TalkgroupLabel:     form.Value("talkgroupLabel"),
		TalkgroupGroup:     form.Value("talkgroupGroup"),
		TalkerAlias:        form.Value("talkerAlias"),
		AudioFilePath:      audioPath,
		AudioFormat:        strings.TrimPrefix(strings.ToLower(filepath.Ext(audioFile.Filename)), "."),
		UploadSourceIP:     clientIP,
		UploadSourceSystem: systemID,
		UploadAPIKeyID:     decision.APIKeyID,
		UploadUserAgent:    userAgent,
	}

	task := queue.Task{TaskID: newCallJobID(newCall), CallMeta: newCall, AudioFilePath: audioPath}
	if err := h.queue.Enqueue(task); err != nil {
		h.queueFullRejections.Add(1)
		if h.cfg.InlineFallbackOnFull && h.processor != nil {
			if perr := h.processor(ctx, audioPath, newCall); perr != nil {
				h.log.Error().Err(perr).Msg("inline transcription fallback failed")
				metrics.UploadsTotal.WithLabelValues("queue_full_inline_failed").Inc()
				h.respondError(w, wantJSON, http.StatusInternalServerError, "Internal server error")
				return
			}
			metrics.UploadsTotal.WithLabelValues("queue_full_inline_processed").Inc()
		} else {
			metrics.UploadsTotal.WithLabelValues("queue_full").Inc()
			h.respondError(w, wantJSON, http.StatusServiceUnavailable, "Service temporarily unavailable")
			return
		}
	} else {
		metrics.UploadsTotal.WithLabelValues("accepted").Inc()
	}

	h.respondSuccess(w, wantJSON, "Call received and queued for transcription", audioFile.Filename)
}

func (h *Handler) auditAuthDecision(ctx context.Context, d auth.Decision, clientIP, systemID, apiKey, userAgent string) {
	var e store.SecurityEvent
	e.SourceIP = clientIP
	e.SourceSystem = systemID
	e.APIKeyUsed = d.APIKeyID
	e.UserAgent = userAgent

	switch d.Reason {
	case "legacy_key", "matched_key":
		e.EventType, e.Severity, e.Description = "api_key_used", store.SeverityInfo, "valid API key presented"
	case "auth_disabled":
		return
	case "ip_not_allowed":
		e.EventType, e.Severity, e.Description = "api_key_ip_violation", store.SeverityHigh, "source IP not in key's allow-list"
	case "system_not_allowed":
		e.EventType, e.Severity, e.Description = "api_key_system_violation", store.SeverityHigh, "system ID not in key's allow-list"
	default:
		e.EventType, e.Severity, e.Description = "invalid_api_key", store.SeverityMedium, "invalid or missing API key"
	}
	h.audit.Emit(ctx, e)
}

func authErrorMessage(reason string) string {
	switch reason {
	case "ip_not_allowed":
		return "Upload rejected: source IP not authorized for this key"
	case "system_not_allowed":
		return "Upload rejected: system not authorized for this key"
	default:
		return "Invalid or missing API key"
	}
}

func (h *Handler) materialize(f *uploadedFile) (string, error) {
	ext := filepath.Ext(f.Filename)
	if ext == "" {
		ext = ".mp3"
	}
	dst, err := os.CreateTemp(h.cfg.TempDir, "call-*"+ext)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer dst.Close()
	if _, err := dst.Write(f.Data); err != nil {
		return "", fmt.Errorf("write temp file: %w", err)
	}
	return dst.Name(), nil
}

func rateLimitKey(apiKey, clientIP string) string {
	if apiKey != "" {
		return apiKey + "|" + clientIP
	}
	return clientIP
}

func clientIPFrom(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		host = host[:idx]
	}
	return host
}

func wantsJSON(r *http.Request, userAgent string) bool {
	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		return true
	}
	return strings.Contains(strings.ToLower(userAgent), "test")
}

func (h *Handler) respondSuccess(w http.ResponseWriter, json bool, message, callID string) {
	if json {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "message": message, "callId": callID})
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	if callID == "test" {
		io.WriteString(w, message)
		return
	}
	io.WriteString(w, "Call imported successfully.")
}

func (h *Handler) respondError(w http.ResponseWriter, json bool, status int, message string) {
	if json {
		writeJSON(w, status, map[string]string{"status": "error", "message": message})
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)
	io.WriteString(w, message)
}

func atoiOrZeroPtr(s string) *int {
	if s == "" {
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return nil
	}
	return &n
}

func atoi64OrZeroPtr(s string) *int64 {
	if s == "" {
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	return &n
}

func newCallJobID(c store.NewCall) string {
	return fmt.Sprintf("%s-%d-%d", c.UploadSourceSystem, c.Timestamp.Unix(), time.Now().UnixNano())
}

// uploadedFile is one parsed multipart file field.
type uploadedFile struct {
	Filename    string
	ContentType string
	Data        []byte
}

// parsedForm is the manual multipart parse result: value fields and file
// fields, read part by part from a multipart.Reader into the shape the
// handler needs.
type parsedForm struct {
	values map[string]string
	files  map[string]*uploadedFile
}

func (f *parsedForm) Value(name string) string { return f.values[name] }
func (f *parsedForm) File(name string) *uploadedFile { return f.files[name] }

// parseMultipart reads the request body as multipart/form-data. It uses the
// standard library's multipart.Reader directly rather than
// http.Request.ParseMultipartForm, the single parser this endpoint needs —
// collapsing what upstream carried as two independent implementations
// (a framework parser and a hand-rolled fallback for transport quirks)
// into one, per the boundary-extraction algorithm in the upload contract.
func parseMultipart(r *http.Request) (*parsedForm, error) {
	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		return nil, fmt.Errorf("not a multipart request")
	}
	boundary, ok := params["boundary"]
	if !ok {
		return nil, fmt.Errorf("missing multipart boundary")
	}

	reader := multipart.NewReader(r.Body, boundary)
	form := &parsedForm{values: map[string]string{}, files: map[string]*uploadedFile{}}

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read multipart part: %w", err)
		}

		name := part.FormName()
		if part.FileName() != "" {
			data, err := io.ReadAll(part)
			if err != nil {
				return nil, fmt.Errorf("read file part %q: %w", name, err)
			}
			form.files[name] = &uploadedFile{
				Filename:    part.FileName(),
				ContentType: part.Header.Get("Content-Type"),
				Data:        data,
			}
			continue
		}

		data, err := io.ReadAll(part)
		if err != nil {
			return nil, fmt.Errorf("read value part %q: %w", name, err)
		}
		form.values[name] = string(data)
	}

	return form, nil
}

func writeJSON(w http.ResponseWriter, status int, payload map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
