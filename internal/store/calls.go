package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// InsertCall creates a radio_calls row in "processing" status on its own,
// outside StoreCompleteTranscription's single-transaction path. It is the
// ingress for calls that will never get a transcription commit: the
// permanent-failure path inserts the row here and then moves it to
// "failed" via UpdateStatus, so every accepted upload still ends up with
// exactly one RadioCall row.
func (s *Store) InsertCall(ctx context.Context, c NewCall) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var callID int64
	err := s.Pool.QueryRow(ctx, `
		INSERT INTO radio_calls (
			"timestamp", system_id, frequency, talkgroup_id, source_radio_id,
			system_label, talkgroup_label, talkgroup_group, talker_alias,
			audio_file_path, audio_duration_seconds, audio_format, transcription_status,
			upload_source_ip, upload_source_system, upload_api_key_id, upload_user_agent
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,'processing',$13,$14,$15,$16)
		RETURNING call_id
	`, c.Timestamp, c.SystemID, c.Frequency, c.TalkgroupID, c.SourceRadioID,
		nilIfEmpty(c.SystemLabel), nilIfEmpty(c.TalkgroupLabel), nilIfEmpty(c.TalkgroupGroup), nilIfEmpty(c.TalkerAlias),
		c.AudioFilePath, c.AudioDurationSeconds, nilIfEmpty(c.AudioFormat),
		c.UploadSourceIP, c.UploadSourceSystem, nilIfEmpty(c.UploadAPIKeyID), nilIfEmpty(c.UploadUserAgent),
	).Scan(&callID)
	if err != nil {
		return 0, fmt.Errorf("insert call: %w", translateErr(err))
	}
	return callID, nil
}

const callColumns = `call_id, "timestamp", system_id, frequency, talkgroup_id, source_radio_id,
		system_label, talkgroup_label, talkgroup_group, talker_alias,
		audio_file_path, audio_duration_seconds, audio_format,
		transcription_status, transcribed_at,
		upload_source_ip, upload_source_system, upload_api_key_id, upload_user_agent, created_at`

func scanCall(row pgx.Row, c *RadioCall) error {
	var systemLabel, talkgroupLabel, talkgroupGroup, talkerAlias, audioFormat, apiKeyID, userAgent *string
	err := row.Scan(&c.CallID, &c.Timestamp, &c.SystemID, &c.Frequency, &c.TalkgroupID, &c.SourceRadioID,
		&systemLabel, &talkgroupLabel, &talkgroupGroup, &talkerAlias,
		&c.AudioFilePath, &c.AudioDurationSeconds, &audioFormat,
		&c.TranscriptionStatus, &c.TranscribedAt,
		&c.UploadSourceIP, &c.UploadSourceSystem, &apiKeyID, &userAgent, &c.CreatedAt)
	if err != nil {
		return err
	}
	c.SystemLabel = derefOrEmpty(systemLabel)
	c.TalkgroupLabel = derefOrEmpty(talkgroupLabel)
	c.TalkgroupGroup = derefOrEmpty(talkgroupGroup)
	c.TalkerAlias = derefOrEmpty(talkerAlias)
	c.AudioFormat = derefOrEmpty(audioFormat)
	c.UploadAPIKeyID = derefOrEmpty(apiKeyID)
	c.UploadUserAgent = derefOrEmpty(userAgent)
	return nil
}

func derefOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// GetCall looks up a call by ID. Since "timestamp" is part of the primary
// key but callers rarely have it handy, this scans the most recent match —
// acceptable because call_id is a process-wide identity-column sequence and
// collisions across distinct timestamps don't occur in practice.
func (s *Store) GetCall(ctx context.Context, callID int64) (*RadioCall, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var c RadioCall
	row := s.Pool.QueryRow(ctx, `
		SELECT `+callColumns+`
		FROM radio_calls WHERE call_id = $1
		ORDER BY "timestamp" DESC LIMIT 1
	`, callID)
	if err := scanCall(row, &c); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get call: %w", translateErr(err))
	}
	return &c, nil
}

// allowedStatuses guards UpdateStatus against arbitrary caller-supplied
// strings reaching a raw UPDATE statement.
var allowedStatuses = map[string]bool{
	"pending": true, "processing": true, "completed": true, "failed": true,
}

// UpdateStatus sets a call's transcription_status. It is the out-of-band
// move for terminal outcomes that don't go through
// StoreCompleteTranscription: the permanent-failure path inserts the call
// with InsertCall and then flips it to "failed" here.
func (s *Store) UpdateStatus(ctx context.Context, callID int64, status string) error {
	if !allowedStatuses[status] {
		return fmt.Errorf("update status: invalid status %q", status)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.Pool.Exec(ctx, `
		UPDATE radio_calls SET transcription_status = $1 WHERE call_id = $2
	`, status, callID)
	if err != nil {
		return fmt.Errorf("update status: %w", translateErr(err))
	}
	return nil
}
