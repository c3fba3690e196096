package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// StoreCompleteTranscription is the single linearization point for a
// call: insert the call row in "processing", insert
// the transcription, insert every speaker segment in order, then flip the
// call to "completed" with transcribed_at set — all in one transaction. No
// external reader ever observes a subset: the call does not exist at all
// until the same commit that also gives it a finished transcription.
func (s *Store) StoreCompleteTranscription(ctx context.Context, call NewCall, t Transcription) (int64, int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("begin transaction: %w", translateErr(err))
	}
	defer tx.Rollback(ctx)

	var callID int64
	err = tx.QueryRow(ctx, `
		INSERT INTO radio_calls (
			"timestamp", system_id, frequency, talkgroup_id, source_radio_id,
			system_label, talkgroup_label, talkgroup_group, talker_alias,
			audio_file_path, audio_duration_seconds, audio_format, transcription_status,
			upload_source_ip, upload_source_system, upload_api_key_id, upload_user_agent
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,'processing',$13,$14,$15,$16)
		RETURNING call_id
	`, call.Timestamp, call.SystemID, call.Frequency, call.TalkgroupID, call.SourceRadioID,
		nilIfEmpty(call.SystemLabel), nilIfEmpty(call.TalkgroupLabel), nilIfEmpty(call.TalkgroupGroup), nilIfEmpty(call.TalkerAlias),
		call.AudioFilePath, call.AudioDurationSeconds, nilIfEmpty(call.AudioFormat),
		call.UploadSourceIP, call.UploadSourceSystem, nilIfEmpty(call.UploadAPIKeyID), nilIfEmpty(call.UploadUserAgent),
	).Scan(&callID)
	if err != nil {
		return 0, 0, fmt.Errorf("insert call: %w", translateErr(err))
	}

	speakerCount := t.SpeakerCount
	if speakerCount == 0 {
		speakerCount = countDistinctSpeakers(t.Segments)
	}

	var transcriptionID int64
	err = tx.QueryRow(ctx, `
		INSERT INTO transcriptions (
			call_id, call_timestamp, full_transcript, confidence,
			language, speaker_count, provider, model, processing_time_seconds
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING transcription_id
	`, callID, call.Timestamp, t.FullTranscript, t.Confidence,
		nilIfEmpty(t.Language), speakerCount, nilIfEmpty(t.Provider), nilIfEmpty(t.Model), t.ProcessingTimeSeconds,
	).Scan(&transcriptionID)
	if err != nil {
		return 0, 0, fmt.Errorf("insert transcription: %w", translateErr(err))
	}

	for _, seg := range t.Segments {
		_, err = tx.Exec(ctx, `
			INSERT INTO speaker_segments (
				transcription_id, call_timestamp, speaker_label,
				start_offset_seconds, end_offset_seconds, text, confidence, sequence
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, transcriptionID, call.Timestamp, seg.SpeakerLabel,
			seg.StartOffsetSeconds, seg.EndOffsetSeconds, seg.Text, seg.Confidence, seg.Sequence)
		if err != nil {
			return 0, 0, fmt.Errorf("insert speaker segment %d: %w", seg.Sequence, translateErr(err))
		}
	}

	if _, err = tx.Exec(ctx, `
		UPDATE radio_calls SET transcription_status = 'completed', transcribed_at = now() WHERE call_id = $1
	`, callID); err != nil {
		return 0, 0, fmt.Errorf("update call status: %w", translateErr(err))
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, fmt.Errorf("commit transaction: %w", translateErr(err))
	}

	return callID, transcriptionID, nil
}

func countDistinctSpeakers(segments []SpeakerSegment) int {
	seen := make(map[string]struct{})
	for _, seg := range segments {
		seen[seg.SpeakerLabel] = struct{}{}
	}
	return len(seen)
}

func (s *Store) GetTranscription(ctx context.Context, transcriptionID int64) (*Transcription, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var t Transcription
	var language, provider, model *string
	err := s.Pool.QueryRow(ctx, `
		SELECT transcription_id, call_id, call_timestamp, full_transcript,
			confidence, language, speaker_count, provider, model, processing_time_seconds, created_at
		FROM transcriptions WHERE transcription_id = $1
	`, transcriptionID).Scan(&t.TranscriptionID, &t.CallID, &t.CallTimestamp, &t.FullTranscript,
		&t.Confidence, &language, &t.SpeakerCount, &provider, &model, &t.ProcessingTimeSeconds, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transcription: %w", translateErr(err))
	}
	t.Language = derefOrEmpty(language)
	t.Provider = derefOrEmpty(provider)
	t.Model = derefOrEmpty(model)

	segments, err := s.getSpeakerSegments(ctx, transcriptionID)
	if err != nil {
		return nil, err
	}
	t.Segments = segments
	return &t, nil
}

// GetTranscriptionByCall looks up a call's transcription by call_id — the
// identifier clients actually hold — including its speaker segments.
func (s *Store) GetTranscriptionByCall(ctx context.Context, callID int64) (*Transcription, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var transcriptionID int64
	err := s.Pool.QueryRow(ctx, `
		SELECT transcription_id FROM transcriptions
		WHERE call_id = $1
		ORDER BY call_timestamp DESC LIMIT 1
	`, callID).Scan(&transcriptionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transcription by call: %w", translateErr(err))
	}
	return s.GetTranscription(ctx, transcriptionID)
}

// GetSpeakerSegments returns a call's speaker segments in playback order.
func (s *Store) GetSpeakerSegments(ctx context.Context, callID int64) ([]SpeakerSegment, error) {
	t, err := s.GetTranscriptionByCall(ctx, callID)
	if err != nil {
		return nil, err
	}
	return t.Segments, nil
}

func (s *Store) getSpeakerSegments(ctx context.Context, transcriptionID int64) ([]SpeakerSegment, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT segment_id, speaker_label, start_offset_seconds, end_offset_seconds, text, confidence, sequence
		FROM speaker_segments WHERE transcription_id = $1 ORDER BY sequence
	`, transcriptionID)
	if err != nil {
		return nil, fmt.Errorf("list speaker segments: %w", translateErr(err))
	}
	defer rows.Close()

	var segments []SpeakerSegment
	for rows.Next() {
		var seg SpeakerSegment
		if err := rows.Scan(&seg.SegmentID, &seg.SpeakerLabel, &seg.StartOffsetSeconds,
			&seg.EndOffsetSeconds, &seg.Text, &seg.Confidence, &seg.Sequence); err != nil {
			return nil, fmt.Errorf("scan speaker segment: %w", err)
		}
		segments = append(segments, seg)
	}
	return segments, rows.Err()
}
