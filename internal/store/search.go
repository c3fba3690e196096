package store

import (
	"context"
	"fmt"
)

// SearchRadioCalls applies an optional filter set over radio_calls,
// filtering on the string system identifier captured at upload time
// (upload_source_system) rather than the numeric system_id trunk-recorder
// reports, since that is what callers and API keys scope by. The returned
// Total is len(results)+offset, not a COUNT(*) — a deliberately cheaper
// approximation: a page that comes back short of Limit is the last page,
// so callers don't need an exact count to paginate correctly.
func (s *Store) SearchRadioCalls(ctx context.Context, f CallFilter) (SearchResult[RadioCall], error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.Pool.Query(ctx, `
		SELECT `+callColumns+`
		FROM radio_calls
		WHERE ($1::text IS NULL OR upload_source_system = $1)
		  AND ($2::int IS NULL OR talkgroup_id = $2)
		  AND ($3::text IS NULL OR transcription_status = $3)
		  AND ($4::timestamptz IS NULL OR "timestamp" >= $4)
		  AND ($5::timestamptz IS NULL OR "timestamp" <= $5)
		ORDER BY "timestamp" DESC
		LIMIT $6 OFFSET $7
	`, nilIfEmpty(f.SystemID), f.TalkgroupID, nilIfEmpty(f.Status), f.StartTime, f.EndTime, limit, f.Offset)
	if err != nil {
		return SearchResult[RadioCall]{}, fmt.Errorf("search calls: %w", translateErr(err))
	}
	defer rows.Close()

	var results []RadioCall
	for rows.Next() {
		var c RadioCall
		if err := scanCall(rows, &c); err != nil {
			return SearchResult[RadioCall]{}, fmt.Errorf("scan call: %w", err)
		}
		results = append(results, c)
	}
	if err := rows.Err(); err != nil {
		return SearchResult[RadioCall]{}, fmt.Errorf("search calls: %w", err)
	}

	return SearchResult[RadioCall]{
		Results: results,
		Total:   len(results) + f.Offset,
		Limit:   limit,
		Offset:  f.Offset,
	}, nil
}

// SearchTranscriptions runs a full-text search over transcript content via
// plainto_tsquery/ts_rank, ordered by relevance.
func (s *Store) SearchTranscriptions(ctx context.Context, query string, f TranscriptionSearchFilter) (SearchResult[Transcription], error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.Pool.Query(ctx, `
		SELECT t.transcription_id, t.call_id, t.call_timestamp, t.full_transcript,
			t.confidence, t.language, t.speaker_count, t.provider, t.model, t.processing_time_seconds, t.created_at
		FROM transcriptions t
		JOIN radio_calls c ON c.call_id = t.call_id
		WHERE t.transcript_tsv @@ plainto_tsquery('english', $1)
		  AND ($2::text IS NULL OR c.upload_source_system = $2)
		  AND ($3::timestamptz IS NULL OR t.call_timestamp >= $3)
		  AND ($4::timestamptz IS NULL OR t.call_timestamp <= $4)
		ORDER BY ts_rank(t.transcript_tsv, plainto_tsquery('english', $1)) DESC
		LIMIT $5 OFFSET $6
	`, query, nilIfEmpty(f.SystemID), f.StartTime, f.EndTime, limit, f.Offset)
	if err != nil {
		return SearchResult[Transcription]{}, fmt.Errorf("search transcriptions: %w", translateErr(err))
	}
	defer rows.Close()

	var results []Transcription
	for rows.Next() {
		var t Transcription
		var language, provider, model *string
		if err := rows.Scan(&t.TranscriptionID, &t.CallID, &t.CallTimestamp, &t.FullTranscript,
			&t.Confidence, &language, &t.SpeakerCount, &provider, &model, &t.ProcessingTimeSeconds, &t.CreatedAt); err != nil {
			return SearchResult[Transcription]{}, fmt.Errorf("scan transcription: %w", err)
		}
		t.Language = derefOrEmpty(language)
		t.Provider = derefOrEmpty(provider)
		t.Model = derefOrEmpty(model)
		results = append(results, t)
	}
	if err := rows.Err(); err != nil {
		return SearchResult[Transcription]{}, fmt.Errorf("search transcriptions: %w", err)
	}

	return SearchResult[Transcription]{
		Results: results,
		Total:   len(results) + f.Offset,
		Limit:   limit,
		Offset:  f.Offset,
	}, nil
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
