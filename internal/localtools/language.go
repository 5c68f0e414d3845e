// Package localtools provides the in-process tools exposed to the
// supervisor alongside remote MCP tools: language detect-and-translate and
// text-to-speech. Every tool here is tagged source_server "local" so the
// agent composer can route it like any other discovered tool.
package localtools

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/text/language"

	"github.com/nexus-gateway/conversant/internal/llmclient"
)

// SourceServer is the source_server tag every local tool carries.
const SourceServer = "local"

// completer is the subset of llmclient.Client that Detector depends on.
// Accepting the interface rather than the concrete type keeps Detector
// testable without a live Claude endpoint.
type completer interface {
	Complete(ctx context.Context, req llmclient.Request) (string, error)
}

// Detector produces an english_text translation and a BCP-47 detected
// language tag for inbound text, via the LLM (translation quality for
// arbitrary input languages is not something a heuristic can deliver).
type Detector struct {
	llm completer
}

// NewDetector constructs a Detector backed by llm.
func NewDetector(llm completer) *Detector {
	return &Detector{llm: llm}
}

// DetectAndTranslate returns the detected BCP-47 language tag and the
// English translation of text. Falls back to English/unchanged text if
// detection fails, per spec's "default to English if detection fails".
func (d *Detector) DetectAndTranslate(ctx context.Context, text string) (detectedLang, englishText string, err error) {
	if text == "" {
		return "en", "", nil
	}

	reply, err := d.llm.Complete(ctx, llmclient.Request{
		System: "You detect the BCP-47 language tag of the user's message and translate it to English. " +
			"Respond with exactly two lines: the BCP-47 tag, then the English translation.",
		UserMessage: text,
		MaxTokens:   1024,
	})
	if err != nil {
		return "en", text, nil
	}

	tag, translated := splitTwoLines(reply)
	if _, parseErr := language.Parse(tag); parseErr != nil {
		return "en", text, nil
	}
	if translated == "" {
		translated = text
	}
	return tag, translated, nil
}

// TranslateTo translates englishText into the language named by targetTag.
func (d *Detector) TranslateTo(ctx context.Context, englishText, targetTag string) (string, error) {
	tag, err := language.Parse(targetTag)
	if err != nil {
		return "", fmt.Errorf("localtools: invalid target language %q: %w", targetTag, err)
	}
	reply, err := d.llm.Complete(ctx, llmclient.Request{
		System:      fmt.Sprintf("Translate the user's message to %s. Respond with only the translation.", tag.String()),
		UserMessage: englishText,
		MaxTokens:   1024,
	})
	if err != nil {
		return "", fmt.Errorf("localtools: translate to %s: %w", tag, err)
	}
	return reply, nil
}

func splitTwoLines(s string) (first, rest string) {
	for i, r := range s {
		if r == '\n' {
			return s[:i], trimLeadingNewlines(s[i+1:])
		}
	}
	return s, ""
}

func trimLeadingNewlines(s string) string {
	for len(s) > 0 && (s[0] == '\n' || s[0] == '\r') {
		s = s[1:]
	}
	return s
}

// DetectAndTranslateTool exposes Detector.DetectAndTranslate as a
// toolvalidate.Tool so the supervisor can invoke it like any MCP tool.
type DetectAndTranslateTool struct {
	detector *Detector
}

// NewDetectAndTranslateTool constructs the tool.
func NewDetectAndTranslateTool(d *Detector) *DetectAndTranslateTool {
	return &DetectAndTranslateTool{detector: d}
}

func (t *DetectAndTranslateTool) Name() string        { return "detect_and_translate_to_english" }
func (t *DetectAndTranslateTool) Description() string {
	return "Detects the language of a message and translates it to English."
}
func (t *DetectAndTranslateTool) ArgsSchema() json.RawMessage {
	return json.RawMessage(`{"type":"object","required":["text"],"properties":{"text":{"type":"string"}}}`)
}

func (t *DetectAndTranslateTool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	text, _ := args["text"].(string)
	lang, translated, err := t.detector.DetectAndTranslate(ctx, text)
	if err != nil {
		return nil, err
	}
	return map[string]any{"detected_language": lang, "english_text": translated}, nil
}

// TranslateToTool exposes Detector.TranslateTo as a toolvalidate.Tool.
type TranslateToTool struct {
	detector *Detector
}

// NewTranslateToTool constructs the tool.
func NewTranslateToTool(d *Detector) *TranslateToTool {
	return &TranslateToTool{detector: d}
}

func (t *TranslateToTool) Name() string        { return "translate_to_language" }
func (t *TranslateToTool) Description() string { return "Translates English text into a target language." }
func (t *TranslateToTool) ArgsSchema() json.RawMessage {
	return json.RawMessage(`{"type":"object","required":["text","target_language"],"properties":{"text":{"type":"string"},"target_language":{"type":"string"}}}`)
}

func (t *TranslateToTool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	text, _ := args["text"].(string)
	target, _ := args["target_language"].(string)
	translated, err := t.detector.TranslateTo(ctx, text, target)
	if err != nil {
		return nil, err
	}
	return map[string]any{"text": translated}, nil
}
