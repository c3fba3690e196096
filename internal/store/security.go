package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

const securityEventColumns = `event_id, "timestamp", event_type, severity, source_ip, source_system,
		api_key_used, user_agent, description, metadata, related_call_id, related_file_path`

func scanSecurityEvent(rows interface{ Scan(...any) error }, e *SecurityEvent) error {
	var severity string
	var rawMeta []byte
	var sourceIP, sourceSystem, apiKeyUsed, userAgent, description, relatedFilePath *string
	if err := rows.Scan(&e.EventID, &e.Timestamp, &e.EventType, &severity, &sourceIP, &sourceSystem,
		&apiKeyUsed, &userAgent, &description, &rawMeta, &e.RelatedCallID, &relatedFilePath); err != nil {
		return err
	}
	e.Severity = SecuritySeverity(severity)
	e.SourceIP = derefOrEmpty(sourceIP)
	e.SourceSystem = derefOrEmpty(sourceSystem)
	e.APIKeyUsed = derefOrEmpty(apiKeyUsed)
	e.UserAgent = derefOrEmpty(userAgent)
	e.Description = derefOrEmpty(description)
	e.RelatedFilePath = derefOrEmpty(relatedFilePath)
	if len(rawMeta) > 0 {
		_ = json.Unmarshal(rawMeta, &e.Metadata)
	}
	return nil
}

// InsertSecurityEvent appends one row to security_events. Errors propagate
// to the caller (internal/audit) which decides whether to fall back to its
// in-memory ring buffer — this method never degrades silently itself.
func (s *Store) InsertSecurityEvent(ctx context.Context, e SecurityEvent) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var meta []byte
	if e.Metadata != nil {
		var err error
		meta, err = json.Marshal(e.Metadata)
		if err != nil {
			return 0, fmt.Errorf("marshal security event metadata: %w", err)
		}
	}

	var id int64
	err := s.Pool.QueryRow(ctx, `
		INSERT INTO security_events (
			event_type, severity, source_ip, source_system, api_key_used, user_agent,
			description, metadata, related_call_id, related_file_path
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING event_id
	`, e.EventType, string(e.Severity), nilIfEmpty(e.SourceIP), nilIfEmpty(e.SourceSystem),
		nilIfEmpty(e.APIKeyUsed), nilIfEmpty(e.UserAgent), nilIfEmpty(e.Description), meta,
		e.RelatedCallID, nilIfEmpty(e.RelatedFilePath)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert security event: %w", translateErr(err))
	}
	return id, nil
}

// SecurityEventFilter narrows QuerySecurityEvents results.
type SecurityEventFilter struct {
	EventType string
	Severity  string
	Limit     int
}

func (s *Store) QuerySecurityEvents(ctx context.Context, f SecurityEventFilter) ([]SecurityEvent, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.Pool.Query(ctx, `
		SELECT `+securityEventColumns+`
		FROM security_events
		WHERE ($1::text IS NULL OR event_type = $1)
		  AND ($2::text IS NULL OR severity = $2)
		ORDER BY "timestamp" DESC
		LIMIT $3
	`, nilIfEmpty(f.EventType), nilIfEmpty(f.Severity), limit)
	if err != nil {
		return nil, fmt.Errorf("query security events: %w", translateErr(err))
	}
	defer rows.Close()

	var events []SecurityEvent
	for rows.Next() {
		var e SecurityEvent
		if err := scanSecurityEvent(rows, &e); err != nil {
			return nil, fmt.Errorf("scan security event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// SourceAnalysis aggregates upload activity and security events for one
// originating system.
type SourceAnalysis struct {
	SystemID           string
	TotalEvents        int
	UploadAttempts     int
	SecurityViolations int
	LastSeen           *time.Time
	UniqueIPs          []string
	RecentEvents       []SecurityEvent
}

// AnalyzeSource aggregates all security_events for one system, plus its ten
// most recent events. It is an
// eventually-consistent composite read with no transactional contract.
func (s *Store) AnalyzeSource(ctx context.Context, systemID string) (*SourceAnalysis, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.Pool.Query(ctx, `
		SELECT `+securityEventColumns+`
		FROM security_events WHERE source_system = $1
		ORDER BY "timestamp" DESC
	`, systemID)
	if err != nil {
		return nil, fmt.Errorf("analyze source: %w", translateErr(err))
	}
	defer rows.Close()

	analysis := &SourceAnalysis{SystemID: systemID}
	ipSet := make(map[string]struct{})

	for rows.Next() {
		var e SecurityEvent
		if err := scanSecurityEvent(rows, &e); err != nil {
			return nil, fmt.Errorf("scan security event: %w", err)
		}

		analysis.TotalEvents++
		switch e.EventType {
		case "upload_success", "upload_blocked":
			analysis.UploadAttempts++
		case "api_key_ip_violation", "api_key_system_violation", "invalid_api_key", "rate_limit_exceeded":
			analysis.SecurityViolations++
		}
		if e.SourceIP != "" {
			ipSet[e.SourceIP] = struct{}{}
		}
		if analysis.LastSeen == nil || e.Timestamp.After(*analysis.LastSeen) {
			ts := e.Timestamp
			analysis.LastSeen = &ts
		}
		if len(analysis.RecentEvents) < 10 {
			analysis.RecentEvents = append(analysis.RecentEvents, e)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("analyze source: %w", err)
	}

	for ip := range ipSet {
		analysis.UniqueIPs = append(analysis.UniqueIPs, ip)
	}

	return analysis, nil
}
