package localtools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// SynthesizerConfig configures the OpenAI-compatible text-to-speech endpoint.
type SynthesizerConfig struct {
	APIKey    string
	BaseURL   string // defaults to https://api.openai.com/v1
	Model     string // defaults to tts-1
	Voice     string // defaults to alloy
	Format    string // defaults to mp3
	OutputDir string // defaults to os.TempDir()
}

func (c SynthesizerConfig) applyDefaults() SynthesizerConfig {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.openai.com/v1"
	}
	if c.Model == "" {
		c.Model = "tts-1"
	}
	if c.Voice == "" {
		c.Voice = "alloy"
	}
	if c.Format == "" {
		c.Format = "mp3"
	}
	if c.OutputDir == "" {
		c.OutputDir = os.TempDir()
	}
	return c
}

// Synthesizer generates speech audio from text via an OpenAI-compatible
// /audio/speech endpoint, writing the result to a file and returning its
// path and format.
type Synthesizer struct {
	cfg        SynthesizerConfig
	httpClient *http.Client
}

// NewSynthesizer constructs a Synthesizer. httpClient may be nil, in which
// case http.DefaultClient is used.
func NewSynthesizer(cfg SynthesizerConfig, httpClient *http.Client) *Synthesizer {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Synthesizer{cfg: cfg.applyDefaults(), httpClient: httpClient}
}

// Synthesize posts text to the configured TTS endpoint and writes the
// resulting audio to a new file under the configured output directory.
func (s *Synthesizer) Synthesize(ctx context.Context, text string) (filePath, format string, err error) {
	if s.cfg.APIKey == "" {
		return "", "", fmt.Errorf("localtools: TTS API key not configured")
	}

	body, err := json.Marshal(map[string]any{
		"model":           s.cfg.Model,
		"input":           text,
		"voice":           s.cfg.Voice,
		"response_format": s.cfg.Format,
	})
	if err != nil {
		return "", "", fmt.Errorf("localtools: marshal tts request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+"/audio/speech", bytes.NewReader(body))
	if err != nil {
		return "", "", fmt.Errorf("localtools: build tts request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("localtools: tts request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return "", "", fmt.Errorf("localtools: tts provider returned %s: %s", resp.Status, errBody)
	}

	outputPath := filepath.Join(s.cfg.OutputDir, fmt.Sprintf("tts_%s.%s", uuid.New().String(), s.cfg.Format))
	outFile, err := os.Create(outputPath)
	if err != nil {
		return "", "", fmt.Errorf("localtools: create tts output file: %w", err)
	}
	defer outFile.Close()

	if _, err := io.Copy(outFile, resp.Body); err != nil {
		return "", "", fmt.Errorf("localtools: write tts audio: %w", err)
	}

	return outputPath, s.cfg.Format, nil
}

// SynthesizeSpeechTool exposes Synthesizer.Synthesize as a toolvalidate.Tool.
type SynthesizeSpeechTool struct {
	synth *Synthesizer
}

// NewSynthesizeSpeechTool constructs the tool.
func NewSynthesizeSpeechTool(s *Synthesizer) *SynthesizeSpeechTool {
	return &SynthesizeSpeechTool{synth: s}
}

func (t *SynthesizeSpeechTool) Name() string { return "synthesize_speech" }
func (t *SynthesizeSpeechTool) Description() string {
	return "Converts text to a spoken-audio file and returns its path and format."
}
func (t *SynthesizeSpeechTool) ArgsSchema() json.RawMessage {
	return json.RawMessage(`{"type":"object","required":["text"],"properties":{"text":{"type":"string"}}}`)
}

func (t *SynthesizeSpeechTool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	text, _ := args["text"].(string)
	path, format, err := t.synth.Synthesize(ctx, text)
	if err != nil {
		return nil, err
	}
	return map[string]any{"file_path": path, "format": format}, nil
}
