package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// WhisperClient transcribes audio through an OpenAI-compatible
// /v1/audio/transcriptions endpoint (the same contract faster-whisper's
// server and OpenAI's own API expose), requesting Whisper's verbose_json
// format for segment-level timing.
type WhisperClient struct {
	BaseURL string
	Model   string
	HTTP    *http.Client
}

func NewWhisperClient(baseURL, model string, timeout time.Duration) *WhisperClient {
	return &WhisperClient{
		BaseURL: baseURL,
		Model:   model,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

type whisperSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

type whisperResponse struct {
	Text     string           `json:"text"`
	Language string           `json:"language"`
	Duration float64          `json:"duration"`
	Segments []whisperSegment `json:"segments"`
}

func (c *WhisperClient) Transcribe(ctx context.Context, audioPath string, opts Options) (*Result, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, newError(KindAudioMissing, "%v", err)
		}
		return nil, newError(KindAudioUnreadable, "%v", err)
	}
	defer f.Close()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("copy audio into form: %w", err)
	}
	_ = writer.WriteField("model", c.Model)
	_ = writer.WriteField("response_format", "verbose_json")
	if opts.Language != "" {
		_ = writer.WriteField("language", opts.Language)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	url := c.BaseURL + "/v1/audio/transcriptions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, newError(KindNotReady, "whisper request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, newError(KindModelError, "whisper returned status %d: %s", resp.StatusCode, payload)
	}

	var wr whisperResponse
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		return nil, newError(KindModelError, "decode whisper response: %v", err)
	}

	segments := make([]Segment, 0, len(wr.Segments))
	for _, s := range wr.Segments {
		segments = append(segments, Segment{Text: s.Text, StartTime: s.Start, EndTime: s.End})
	}

	return &Result{
		Text:      wr.Text,
		Language:  wr.Language,
		DurationS: wr.Duration,
		Segments:  segments,
	}, nil
}
