package transcribe

import (
	"context"
	"os"
	"time"

	"github.com/swiftraccoon/callreceiver/internal/store"
)

// Committer is the subset of *store.Store the pipeline needs: the single
// atomic write that makes a call and its transcription visible together.
type Committer interface {
	StoreCompleteTranscription(ctx context.Context, call store.NewCall, t store.Transcription) (int64, int64, error)
}

// Pipeline wires a Transcriber to a Store: transcribe, commit atomically,
// then unlink the temp file on any terminal outcome. It is used as the
// queue's Processor.
type Pipeline struct {
	Transcriber Transcriber
	Store       Committer
	Provider    string
	Model       string
	Options     Options
}

// NewPipeline builds a Pipeline ready to be passed to queue.Start.
func NewPipeline(t Transcriber, s Committer, provider, model string, opts Options) *Pipeline {
	return &Pipeline{Transcriber: t, Store: s, Provider: provider, Model: model, Options: opts}
}

// Process implements queue.Processor. The audio file at audioPath is
// removed whether the transcription succeeds or fails — a terminal task
// never leaves a dangling temp file behind.
func (p *Pipeline) Process(ctx context.Context, audioPath string, callMeta store.NewCall) error {
	defer os.Remove(audioPath)

	started := time.Now()
	result, err := p.Transcriber.Transcribe(ctx, audioPath, p.Options)
	if err != nil {
		return err
	}
	processingSeconds := time.Since(started).Seconds()

	if result.DurationS > 0 {
		d := result.DurationS
		callMeta.AudioDurationSeconds = &d
	}

	t := store.Transcription{
		FullTranscript:        result.Text,
		Language:              result.Language,
		Provider:              p.Provider,
		Model:                 p.Model,
		ProcessingTimeSeconds: &processingSeconds,
		Segments:              make([]store.SpeakerSegment, 0, len(result.Segments)),
	}
	if result.Confidence != 0 {
		conf := result.Confidence
		t.Confidence = &conf
	}

	speakers := make(map[string]struct{})
	for i, seg := range result.Segments {
		speakers[seg.Speaker] = struct{}{}
		var confPtr *float64
		if seg.Confidence != 0 {
			c := seg.Confidence
			confPtr = &c
		}
		t.Segments = append(t.Segments, store.SpeakerSegment{
			SpeakerLabel:       seg.Speaker,
			StartOffsetSeconds: seg.StartTime,
			EndOffsetSeconds:   seg.EndTime,
			Text:               seg.Text,
			Confidence:         confPtr,
			Sequence:           i,
		})
	}
	t.SpeakerCount = len(speakers)
	if t.SpeakerCount == 0 {
		t.SpeakerCount = 1
	}

	_, _, err = p.Store.StoreCompleteTranscription(ctx, callMeta, t)
	return err
}
