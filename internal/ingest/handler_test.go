package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/swiftraccoon/callreceiver/internal/auth"
	"github.com/swiftraccoon/callreceiver/internal/queue"
	"github.com/swiftraccoon/callreceiver/internal/ratelimit"
	"github.com/swiftraccoon/callreceiver/internal/store"
	"github.com/swiftraccoon/callreceiver/internal/validate"
)

// validMP3 is the minimal MP3 body used throughout these tests: an ID3
// magic prefix followed by enough padding to clear the minimum file size.
func validMP3() []byte {
	body := append([]byte("ID3\x03\x00\x00\x00\x00\x00\x00"), make([]byte, 1100)...)
	return body
}

type fakeAudit struct {
	mu     sync.Mutex
	events []store.SecurityEvent
}

func (f *fakeAudit) Emit(ctx context.Context, e store.SecurityEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
}

func (f *fakeAudit) countType(t string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.EventType == t {
			n++
		}
	}
	return n
}

type fakeQueue struct {
	mu       sync.Mutex
	enqueued []queue.Task
	full     bool
}

func (q *fakeQueue) Enqueue(t queue.Task) error {
	if q.full {
		return queue.ErrFull
	}
	q.mu.Lock()
	q.enqueued = append(q.enqueued, t)
	q.mu.Unlock()
	return nil
}

func (q *fakeQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.enqueued)
}

func buildUploadForm(fields map[string]string, audio []byte, audioName string) (*bytes.Buffer, string) {
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	for k, v := range fields {
		w.WriteField(k, v)
	}
	if audio != nil {
		part, _ := w.CreateFormFile("audio", audioName)
		part.Write(audio)
	}
	w.Close()
	return body, w.FormDataContentType()
}

func newTestHandler(a *auth.Authenticator, q Queue, aud AuditSink) *Handler {
	limiter := ratelimit.New(ratelimit.Limits{PerMinute: 3, PerHour: 100})
	validator := validate.New(validate.DefaultConfig())
	cfg := Config{TempDir: "", FileValidationEnabled: true, RequireSystemID: true}
	return NewHandler(a, limiter, validator, aud, q, nil, cfg, zerolog.Nop())
}

func doUpload(h *Handler, fields map[string]string, audio []byte, audioName, accept string) *httptest.ResponseRecorder {
	body, contentType := buildUploadForm(fields, audio, audioName)
	req := httptest.NewRequest(http.MethodPost, "/api/call-upload", body)
	req.Header.Set("Content-Type", contentType)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	req.RemoteAddr = "10.0.0.1:4000"
	rec := httptest.NewRecorder()
	h.ServeUpload(rec, req)
	return rec
}

func TestServeUpload_HappyPath(t *testing.T) {
	a := auth.New("", []auth.KeyDescriptor{{Key: "k"}})
	aud := &fakeAudit{}
	q := &fakeQueue{}
	h := newTestHandler(a, q, aud)

	rec := doUpload(h, map[string]string{
		"key": "k", "system": "123", "dateTime": "1703980800",
		"frequency": "460025000", "talkgroup": "1001",
	}, validMP3(), "test.mp3", "application/json")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != "ok" || resp["callId"] != "test.mp3" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if q.count() != 1 {
		t.Fatalf("expected 1 enqueue, got %d", q.count())
	}
	if aud.countType("upload_success") != 1 || aud.countType("api_key_used") != 1 {
		t.Fatalf("expected one upload_success and one api_key_used event, got %+v", aud.events)
	}
}

func TestServeUpload_TestProbe(t *testing.T) {
	a := auth.New("", []auth.KeyDescriptor{{Key: "k"}})
	aud := &fakeAudit{}
	q := &fakeQueue{}
	h := newTestHandler(a, q, aud)

	rec := doUpload(h, map[string]string{
		"key": "k", "system": "123", "dateTime": "1703980800", "test": "1",
	}, nil, "", "application/json")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["callId"] != "test" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if q.count() != 0 {
		t.Fatal("test probe must not enqueue")
	}
}

func TestServeUpload_WrongIPDenied(t *testing.T) {
	a := auth.New("", []auth.KeyDescriptor{{Key: "k", AllowedIPs: []string{"10.0.0.2"}}})
	aud := &fakeAudit{}
	q := &fakeQueue{}
	h := newTestHandler(a, q, aud)

	rec := doUpload(h, map[string]string{
		"key": "k", "system": "123", "dateTime": "1703980800",
	}, validMP3(), "test.mp3", "application/json")

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("IP")) {
		t.Fatalf("expected body to mention IP, got %s", rec.Body.String())
	}
	if aud.countType("api_key_ip_violation") != 1 {
		t.Fatalf("expected one api_key_ip_violation event, got %+v", aud.events)
	}
	if q.count() != 0 {
		t.Fatal("denied auth must not enqueue")
	}
}

func TestServeUpload_RateLimitExceeded(t *testing.T) {
	a := auth.New("", []auth.KeyDescriptor{{Key: "k"}})
	aud := &fakeAudit{}
	q := &fakeQueue{}
	h := newTestHandler(a, q, aud)

	var codes []int
	for i := 0; i < 5; i++ {
		rec := doUpload(h, map[string]string{
			"key": "k", "system": "123", "dateTime": "1703980800",
		}, validMP3(), "test"+strconv.Itoa(i)+".mp3", "application/json")
		codes = append(codes, rec.Code)
	}
	for i := 0; i < 3; i++ {
		if codes[i] != http.StatusOK {
			t.Fatalf("request %d expected 200, got %d", i+1, codes[i])
		}
	}
	for i := 3; i < 5; i++ {
		if codes[i] != http.StatusBadRequest {
			t.Fatalf("request %d expected 400, got %d", i+1, codes[i])
		}
	}
	if aud.countType("upload_blocked") != 2 {
		t.Fatalf("expected two upload_blocked events, got %+v", aud.events)
	}
	if q.count() != 3 {
		t.Fatalf("expected 3 enqueues, got %d", q.count())
	}
}

func TestServeUpload_BadMagicBytes(t *testing.T) {
	a := auth.New("", []auth.KeyDescriptor{{Key: "k"}})
	aud := &fakeAudit{}
	q := &fakeQueue{}
	h := newTestHandler(a, q, aud)

	body := append([]byte("FAKE"), make([]byte, 1100)...)
	rec := doUpload(h, map[string]string{
		"key": "k", "system": "123", "dateTime": "1703980800",
	}, body, "test.mp3", "application/json")

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("Invalid MP3 file header")) {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
	if aud.countType("upload_blocked") != 1 {
		t.Fatalf("expected one upload_blocked event, got %+v", aud.events)
	}
	if q.count() != 0 {
		t.Fatal("rejected file must not enqueue")
	}
}

func TestServeUpload_QueueFullWithInlineFallback(t *testing.T) {
	a := auth.New("", []auth.KeyDescriptor{{Key: "k"}})
	aud := &fakeAudit{}
	q := &fakeQueue{full: true}

	var processed int
	limiter := ratelimit.New(ratelimit.Limits{PerMinute: 100, PerHour: 1000})
	validator := validate.New(validate.DefaultConfig())
	cfg := Config{FileValidationEnabled: true, InlineFallbackOnFull: true}
	h := NewHandler(a, limiter, validator, aud, q,
		func(ctx context.Context, audioPath string, meta store.NewCall) error {
			processed++
			return nil
		}, cfg, zerolog.Nop())

	rec := doUpload(h, map[string]string{
		"key": "k", "system": "123", "dateTime": "1703980800",
	}, validMP3(), "test.mp3", "application/json")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with inline fallback, got %d: %s", rec.Code, rec.Body.String())
	}
	if processed != 1 {
		t.Fatalf("expected inline processor to run once, got %d", processed)
	}
	if h.QueueFullRejections() != 1 {
		t.Fatalf("expected queue_full_rejections to be 1, got %d", h.QueueFullRejections())
	}
}

func TestServeUpload_QueueFullNoFallback(t *testing.T) {
	a := auth.New("", []auth.KeyDescriptor{{Key: "k"}})
	aud := &fakeAudit{}
	q := &fakeQueue{full: true}
	h := newTestHandler(a, q, aud)

	rec := doUpload(h, map[string]string{
		"key": "k", "system": "123", "dateTime": "1703980800",
	}, validMP3(), "test.mp3", "application/json")

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestServeUpload_InvalidKeyBeatsMissingFields(t *testing.T) {
	a := auth.New("", []auth.KeyDescriptor{{Key: "k"}})
	aud := &fakeAudit{}
	q := &fakeQueue{}
	h := newTestHandler(a, q, aud)

	// No system field AND a bad key: the auth rejection must win, and the
	// auth decision must still reach the audit trail.
	rec := doUpload(h, map[string]string{"key": "wrong", "dateTime": "1703980800"}, validMP3(), "test.mp3", "application/json")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for invalid key, got %d", rec.Code)
	}
	if aud.countType("invalid_api_key") != 1 {
		t.Fatalf("expected one invalid_api_key event, got %+v", aud.events)
	}
	if q.count() != 0 {
		t.Fatal("denied auth must not enqueue")
	}
}

func TestServeUpload_MissingRequiredField(t *testing.T) {
	a := auth.New("", []auth.KeyDescriptor{{Key: "k"}})
	aud := &fakeAudit{}
	q := &fakeQueue{}
	h := newTestHandler(a, q, aud)

	rec := doUpload(h, map[string]string{"key": "k", "dateTime": "1703980800"}, validMP3(), "test.mp3", "application/json")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing system field, got %d", rec.Code)
	}
}
