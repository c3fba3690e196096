package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/swiftraccoon/callreceiver/internal/store"
)

type fakeBackend struct {
	events  []store.SecurityEvent
	failAll bool
}

func (f *fakeBackend) InsertSecurityEvent(ctx context.Context, e store.SecurityEvent) (int64, error) {
	if f.failAll {
		return 0, errors.New("store unavailable")
	}
	f.events = append(f.events, e)
	return int64(len(f.events)), nil
}

func (f *fakeBackend) QuerySecurityEvents(ctx context.Context, filter store.SecurityEventFilter) ([]store.SecurityEvent, error) {
	if f.failAll {
		return nil, errors.New("store unavailable")
	}
	var out []store.SecurityEvent
	for i := len(f.events) - 1; i >= 0; i-- {
		e := f.events[i]
		if filter.EventType != "" && e.EventType != filter.EventType {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeBackend) AnalyzeSource(ctx context.Context, systemID string) (*store.SourceAnalysis, error) {
	return &store.SourceAnalysis{SystemID: systemID, TotalEvents: len(f.events)}, nil
}

func TestEmit_StoresSuccessfully(t *testing.T) {
	be := &fakeBackend{}
	a := New(be, zerolog.Nop())

	a.Emit(context.Background(), store.SecurityEvent{EventType: "upload_success", Severity: store.SeverityInfo})

	if len(be.events) != 1 {
		t.Fatalf("expected 1 stored event, got %d", len(be.events))
	}
}

func TestEmit_FallsBackOnStoreFailure(t *testing.T) {
	be := &fakeBackend{failAll: true}
	a := New(be, zerolog.Nop())

	a.Emit(context.Background(), store.SecurityEvent{EventType: "invalid_api_key", Severity: store.SeverityMedium})

	got, err := a.Query(context.Background(), store.SecurityEventFilter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 || got[0].EventType != "invalid_api_key" {
		t.Fatalf("expected fallback event to be queryable, got %v", got)
	}
}

func TestEmit_FallbackBufferBounded(t *testing.T) {
	be := &fakeBackend{failAll: true}
	a := New(be, zerolog.Nop())
	a.fallbackCap = 3

	for i := 0; i < 5; i++ {
		a.Emit(context.Background(), store.SecurityEvent{EventType: "upload_blocked", Severity: store.SeverityMedium})
	}

	a.mu.Lock()
	n := len(a.fallback)
	a.mu.Unlock()
	if n != 3 {
		t.Fatalf("expected fallback capped at 3, got %d", n)
	}
}

func TestQuery_FiltersByEventType(t *testing.T) {
	be := &fakeBackend{}
	a := New(be, zerolog.Nop())
	ctx := context.Background()
	a.Emit(ctx, store.SecurityEvent{EventType: "upload_success", Severity: store.SeverityInfo})
	a.Emit(ctx, store.SecurityEvent{EventType: "rate_limit_exceeded", Severity: store.SeverityMedium})

	got, err := a.Query(ctx, store.SecurityEventFilter{EventType: "rate_limit_exceeded"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 || got[0].EventType != "rate_limit_exceeded" {
		t.Fatalf("unexpected filtered results: %v", got)
	}
}

func TestAnalyzeSource(t *testing.T) {
	be := &fakeBackend{}
	a := New(be, zerolog.Nop())
	ctx := context.Background()
	a.Emit(ctx, store.SecurityEvent{EventType: "upload_success", Severity: store.SeverityInfo, SourceSystem: "tac1"})

	analysis, err := a.AnalyzeSource(ctx, "tac1")
	if err != nil {
		t.Fatalf("AnalyzeSource: %v", err)
	}
	if analysis.SystemID != "tac1" || analysis.TotalEvents != 1 {
		t.Fatalf("unexpected analysis: %+v", analysis)
	}
}
