package transcribe

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/swiftraccoon/callreceiver/internal/store"
)

type fakeTranscriber struct {
	result *Result
	err    error
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, audioPath string, opts Options) (*Result, error) {
	return f.result, f.err
}

type fakeCommitter struct {
	lastCall store.NewCall
	lastT    store.Transcription
	err      error
}

func (f *fakeCommitter) StoreCompleteTranscription(ctx context.Context, call store.NewCall, t store.Transcription) (int64, int64, error) {
	f.lastCall = call
	f.lastT = t
	if f.err != nil {
		return 0, 0, f.err
	}
	return 1, 1, nil
}

func tempAudioFile(t *testing.T) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "audio-*.mp3")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	f.Close()
	return f.Name()
}

func TestPipeline_ProcessCommitsAndUnlinksOnSuccess(t *testing.T) {
	audioPath := tempAudioFile(t)
	tr := &fakeTranscriber{result: &Result{
		Text:     "unit one responding",
		Language: "en",
		Segments: []Segment{{Speaker: "1", Text: "unit one responding", StartTime: 0, EndTime: 1.2}},
	}}
	committer := &fakeCommitter{}
	p := NewPipeline(tr, committer, "whisper", "base", Options{})

	if err := p.Process(context.Background(), audioPath, store.NewCall{}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if committer.lastT.FullTranscript != "unit one responding" {
		t.Fatalf("expected commit to carry transcript text, got %+v", committer.lastT)
	}
	if committer.lastT.SpeakerCount != 1 {
		t.Fatalf("expected speaker count 1, got %d", committer.lastT.SpeakerCount)
	}
	if _, err := os.Stat(audioPath); !os.IsNotExist(err) {
		t.Fatalf("expected audio file to be unlinked, stat err=%v", err)
	}
}

func TestPipeline_ProcessUnlinksOnTranscribeFailure(t *testing.T) {
	audioPath := tempAudioFile(t)
	tr := &fakeTranscriber{err: newError(KindModelError, "boom")}
	committer := &fakeCommitter{}
	p := NewPipeline(tr, committer, "whisper", "base", Options{})

	if err := p.Process(context.Background(), audioPath, store.NewCall{}); err == nil {
		t.Fatal("expected error from failing transcriber")
	}
	if _, err := os.Stat(audioPath); !os.IsNotExist(err) {
		t.Fatalf("expected audio file to be unlinked even on failure, stat err=%v", err)
	}
}

func TestPipeline_ProcessReturnsCommitError(t *testing.T) {
	audioPath := tempAudioFile(t)
	tr := &fakeTranscriber{result: &Result{Text: "hello"}}
	committer := &fakeCommitter{err: errors.New("store down")}
	p := NewPipeline(tr, committer, "whisper", "base", Options{})

	if err := p.Process(context.Background(), audioPath, store.NewCall{}); err == nil {
		t.Fatal("expected commit error to propagate")
	}
}
