package store

import "time"

// RadioCall is one ingested transmission. Timestamp is part of the
// composite primary key together with CallID; GetCall and UpdateStatus
// address a call by CallID alone.
type RadioCall struct {
	CallID               int64
	Timestamp            time.Time
	SystemID             *int
	Frequency            *int64
	TalkgroupID          *int
	SourceRadioID        *int
	SystemLabel          string
	TalkgroupLabel       string
	TalkgroupGroup       string
	TalkerAlias          string
	AudioFilePath        string
	AudioDurationSeconds *float64
	AudioFormat          string
	TranscriptionStatus  string
	TranscribedAt        *time.Time
	UploadSourceIP       string
	UploadSourceSystem   string
	UploadAPIKeyID       string
	UploadUserAgent      string
	CreatedAt            time.Time
}

// NewCall is the write-side shape the ingest endpoint builds before a call
// is persisted — no call_id yet, no status.
type NewCall struct {
	Timestamp            time.Time
	SystemID             *int
	Frequency            *int64
	TalkgroupID          *int
	SourceRadioID        *int
	SystemLabel          string
	TalkgroupLabel       string
	TalkgroupGroup       string
	TalkerAlias          string
	AudioFilePath        string
	AudioDurationSeconds *float64
	AudioFormat          string
	UploadSourceIP       string
	UploadSourceSystem   string
	UploadAPIKeyID       string
	UploadUserAgent      string
}

type Transcription struct {
	TranscriptionID       int64
	CallID                int64
	CallTimestamp         time.Time
	FullTranscript        string
	Confidence            *float64
	Language              string
	SpeakerCount          int
	Provider              string
	Model                 string
	ProcessingTimeSeconds *float64
	CreatedAt             time.Time
	Segments              []SpeakerSegment
}

type SpeakerSegment struct {
	SegmentID          int64
	SpeakerLabel       string
	StartOffsetSeconds float64
	EndOffsetSeconds   float64
	Text               string
	Confidence         *float64
	Sequence           int
}

// SecuritySeverity is the audit event severity ladder.
type SecuritySeverity string

const (
	SeverityInfo     SecuritySeverity = "info"
	SeverityLow      SecuritySeverity = "low"
	SeverityMedium   SecuritySeverity = "medium"
	SeverityHigh     SecuritySeverity = "high"
	SeverityCritical SecuritySeverity = "critical"
)

type SecurityEvent struct {
	EventID         int64
	Timestamp       time.Time
	EventType       string
	Severity        SecuritySeverity
	SourceIP        string
	SourceSystem    string
	APIKeyUsed      string
	UserAgent       string
	Description     string
	Metadata        map[string]any
	RelatedCallID   *int64
	RelatedFilePath string
}

// CallFilter narrows SearchRadioCalls results.
type CallFilter struct {
	SystemID    string
	TalkgroupID *int
	Status      string
	StartTime   *time.Time
	EndTime     *time.Time
	Limit       int
	Offset      int
}

// TranscriptionSearchFilter narrows SearchTranscriptions results.
type TranscriptionSearchFilter struct {
	SystemID  string
	StartTime *time.Time
	EndTime   *time.Time
	Limit     int
	Offset    int
}

// SearchResult wraps a page of results with an approximate total
// (len(results) + offset, not a COUNT(*)).
type SearchResult[T any] struct {
	Results []T
	Total   int
	Limit   int
	Offset  int
}
