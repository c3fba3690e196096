package transcribe

import "context"

// Noop is a Transcriber that performs no speech-to-text work. It exists so
// the ingest pipeline can run end to end (store the call, mark it
// completed with an empty transcript) when no STT backend is configured,
// and as a seam for tests.
type Noop struct{}

func (Noop) Transcribe(ctx context.Context, audioPath string, opts Options) (*Result, error) {
	return &Result{}, nil
}
