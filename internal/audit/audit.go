// Package audit records the security event trail: every auth decision,
// validation rejection, and rate-limit rejection the ingest endpoint makes.
// A logging failure never fails the request it describes — Emit degrades
// to an in-memory ring buffer instead of propagating a store error.
package audit

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/swiftraccoon/callreceiver/internal/store"
)

// backend is the subset of *store.Store this package depends on, so tests
// can substitute a fake without a real database.
type backend interface {
	InsertSecurityEvent(ctx context.Context, e store.SecurityEvent) (int64, error)
	QuerySecurityEvents(ctx context.Context, f store.SecurityEventFilter) ([]store.SecurityEvent, error)
	AnalyzeSource(ctx context.Context, systemID string) (*store.SourceAnalysis, error)
}

// Log is the audit trail. It always tries the backing store first; on
// failure the event is kept in a bounded in-memory ring so at least recent
// history survives a database outage.
type Log struct {
	backend    backend
	log        zerolog.Logger
	mu         sync.Mutex
	fallback   []store.SecurityEvent
	fallbackCap int
}

func New(backend backend, log zerolog.Logger) *Log {
	return &Log{backend: backend, log: log, fallbackCap: 1000}
}

// Emit records one security event. It never returns an error: a failure to
// persist is logged and the event is appended to the fallback buffer,
// dropping the oldest entry if the buffer is full.
func (a *Log) Emit(ctx context.Context, e store.SecurityEvent) {
	if a.backend != nil {
		_, err := a.backend.InsertSecurityEvent(ctx, e)
		if err == nil {
			a.logAtSeverity(e)
			return
		}
		a.log.Warn().Err(err).Str("event_type", e.EventType).Msg("security event store failed, falling back to memory")
	}

	a.mu.Lock()
	if len(a.fallback) >= a.fallbackCap {
		a.fallback = a.fallback[1:]
	}
	a.fallback = append(a.fallback, e)
	a.mu.Unlock()

	a.logAtSeverity(e)
}

// logAtSeverity maps event severity to log level: info/low at info,
// medium at warn, high/critical at error.
func (a *Log) logAtSeverity(e store.SecurityEvent) {
	evt := a.log.Info()
	switch e.Severity {
	case store.SeverityMedium:
		evt = a.log.Warn()
	case store.SeverityHigh, store.SeverityCritical:
		evt = a.log.Error()
	}
	evt.Str("event_type", e.EventType).Str("severity", string(e.Severity)).
		Str("source_ip", e.SourceIP).Str("source_system", e.SourceSystem).
		Msg("security event")
}

// Query reads from the store. When there is no backend, or the store query
// fails, it answers from the in-memory fallback buffer instead.
func (a *Log) Query(ctx context.Context, f store.SecurityEventFilter) ([]store.SecurityEvent, error) {
	if a.backend == nil {
		return a.queryFallback(f), nil
	}
	events, err := a.backend.QuerySecurityEvents(ctx, f)
	if err != nil {
		return a.queryFallback(f), nil
	}
	return events, nil
}

func (a *Log) queryFallback(f store.SecurityEventFilter) []store.SecurityEvent {
	a.mu.Lock()
	defer a.mu.Unlock()

	var matched []store.SecurityEvent
	for i := len(a.fallback) - 1; i >= 0; i-- {
		e := a.fallback[i]
		if f.EventType != "" && e.EventType != f.EventType {
			continue
		}
		if f.Severity != "" && string(e.Severity) != f.Severity {
			continue
		}
		matched = append(matched, e)
		if f.Limit > 0 && len(matched) >= f.Limit {
			break
		}
	}
	return matched
}

// AnalyzeSource aggregates all stored events for one originating system.
func (a *Log) AnalyzeSource(ctx context.Context, systemID string) (*store.SourceAnalysis, error) {
	if a.backend == nil {
		return &store.SourceAnalysis{SystemID: systemID}, nil
	}
	return a.backend.AnalyzeSource(ctx, systemID)
}
