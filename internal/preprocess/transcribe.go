package preprocess

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// TranscriberConfig configures a Transcriber backed by OpenAI's Whisper API.
type TranscriberConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

func (c *TranscriberConfig) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.openai.com/v1"
	}
	c.BaseURL = strings.TrimSuffix(c.BaseURL, "/")
	if c.Model == "" {
		c.Model = "whisper-1"
	}
	if c.Timeout == 0 {
		c.Timeout = 60 * time.Second
	}
}

// Transcriber converts audio bytes to text via the Whisper transcription API.
type Transcriber struct {
	cfg        TranscriberConfig
	httpClient *http.Client
}

// NewTranscriber builds a Transcriber. A nil httpClient uses http.DefaultClient.
func NewTranscriber(cfg TranscriberConfig, httpClient *http.Client) *Transcriber {
	cfg.applyDefaults()
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Transcriber{cfg: cfg, httpClient: httpClient}
}

const maxAudioBytes = 25 * 1024 * 1024

// Transcribe uploads audio (with the given MIME type) and returns the
// transcript text. An empty transcript is not an error; the caller decides
// whether that counts as a failure.
func (t *Transcriber) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	if len(audio) == 0 {
		return "", fmt.Errorf("preprocess: audio data is empty")
	}
	if len(audio) > maxAudioBytes {
		return "", fmt.Errorf("preprocess: audio data too large (%d bytes)", len(audio))
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", filenameForMimeType(mimeType))
	if err != nil {
		return "", fmt.Errorf("preprocess: create form file: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return "", fmt.Errorf("preprocess: write audio data: %w", err)
	}
	if err := writer.WriteField("model", t.cfg.Model); err != nil {
		return "", fmt.Errorf("preprocess: write model field: %w", err)
	}
	if err := writer.WriteField("response_format", "text"); err != nil {
		return "", fmt.Errorf("preprocess: write response_format field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("preprocess: close multipart writer: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.BaseURL+"/audio/transcriptions", &body)
	if err != nil {
		return "", fmt.Errorf("preprocess: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+t.cfg.APIKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("preprocess: transcription request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return "", fmt.Errorf("preprocess: transcription API error (status %d): %s", resp.StatusCode, errBody)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return "", fmt.Errorf("preprocess: read transcription response: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func filenameForMimeType(mimeType string) string {
	switch mimeType {
	case "audio/mpeg", "audio/mp3":
		return "audio.mp3"
	case "audio/wav", "audio/x-wav":
		return "audio.wav"
	case "audio/webm":
		return "audio.webm"
	case "audio/mp4", "audio/m4a":
		return "audio.m4a"
	default:
		return "audio.ogg"
	}
}
