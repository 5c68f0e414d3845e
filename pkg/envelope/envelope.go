// Package envelope defines the records passed between the gateway's
// components: inbound (ingress -> worker), processing (worker ->
// supervisor), and outbound (worker -> dispatcher). Inbound and outbound
// travel on the stream fabric and round-trip through Fields()/...FromFields()
// as a map[string]string, because stream entries are flat string maps —
// structured sub-fields are JSON-encoded. Processing is rendered into the
// supervisor's prompt by Prompt().
package envelope

import (
	"encoding/json"
	"fmt"
	"time"
)

// MediaItem is one inbound media attachment.
type MediaItem struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
}

// Metadata carries provider-specific fields attached to an inbound message.
type Metadata struct {
	Media            []MediaItem    `json:"media,omitempty"`
	NumMedia         int            `json:"num_media"`
	ProviderMessage  string         `json:"provider_message_id,omitempty"`
	Extra            map[string]any `json:"extra,omitempty"`
}

// Inbound is the envelope produced by Ingress and consumed by Worker.
// Schema tag: inbound_envelope_v1.
type Inbound struct {
	MessageID      string    `json:"message_id"`
	Source         string    `json:"source"`
	UserID         string    `json:"user_id"`
	ConversationID string    `json:"conversation_id"`
	Text           string    `json:"text"`
	Timestamp      time.Time `json:"timestamp"`
	Metadata       Metadata  `json:"metadata"`
}

// HasAudio reports whether any attached media item looks like audio.
func (m Metadata) HasAudio() bool {
	for _, item := range m.Media {
		if len(item.ContentType) >= 6 && item.ContentType[:6] == "audio/" {
			return true
		}
	}
	return false
}

// Validate enforces the invariant: either text is non-empty, or metadata
// carries at least one media item.
func (in Inbound) Validate() error {
	if in.UserID == "" {
		return fmt.Errorf("envelope: user_id is required")
	}
	if in.Text == "" && len(in.Metadata.Media) == 0 {
		return fmt.Errorf("envelope: text or media is required")
	}
	return nil
}

// Fields flattens the inbound envelope into a stream-entry string map.
func (in Inbound) Fields() (map[string]string, error) {
	meta, err := json.Marshal(in.Metadata)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal metadata: %w", err)
	}
	return map[string]string{
		"message_id":      in.MessageID,
		"source":          in.Source,
		"user_id":         in.UserID,
		"conversation_id": in.ConversationID,
		"text":            in.Text,
		"timestamp":       in.Timestamp.UTC().Format(time.RFC3339Nano),
		"metadata":        string(meta),
	}, nil
}

// InboundFromFields reconstructs an Inbound envelope from a stream entry map.
func InboundFromFields(fields map[string]string) (Inbound, error) {
	var in Inbound
	in.MessageID = fields["message_id"]
	in.Source = fields["source"]
	in.UserID = fields["user_id"]
	in.ConversationID = fields["conversation_id"]
	in.Text = fields["text"]
	if ts := fields["timestamp"]; ts != "" {
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return Inbound{}, fmt.Errorf("envelope: parse timestamp: %w", err)
		}
		in.Timestamp = parsed
	}
	if raw := fields["metadata"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &in.Metadata); err != nil {
			return Inbound{}, fmt.Errorf("envelope: unmarshal metadata: %w", err)
		}
	}
	return in, nil
}

// MemoryContext is the compact memory snapshot injected into a Processing
// envelope ahead of supervisor invocation.
type MemoryContext struct {
	LastDetectedLanguage string   `json:"last_detected_language,omitempty"`
	ReplyInAudioDefault  bool     `json:"reply_in_audio_default,omitempty"`
	LastStatus           string   `json:"last_status,omitempty"`
	LastReply            string   `json:"last_reply,omitempty"`
	RecentEvents         []string `json:"recent_events,omitempty"`
}

// Processing is the envelope Worker hands to the Supervisor.
type Processing struct {
	Inbound
	OriginalText      string         `json:"original_text"`
	EnglishText       string         `json:"english_text"`
	DetectedLanguage  string         `json:"detected_language"`
	IsEnglish         bool           `json:"is_english"`
	InboundHasAudio   bool           `json:"inbound_has_audio"`
	ReplyInAudio      bool           `json:"reply_in_audio"`
	MemoryContext     MemoryContext  `json:"memory_context"`
}

// SchemaTag is the versioned schema identifier of the inbound envelope, per
// spec section 3. Neither Fields() nor Prompt() writes it into its output.
const SchemaTag = "inbound_envelope_v1"

// Prompt renders the processing envelope as the supervisor's input prefix:
// "INPUT_ENVELOPE_JSON:\n<json>\n".
func (p Processing) Prompt() (string, error) {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return "", fmt.Errorf("envelope: marshal processing envelope: %w", err)
	}
	return fmt.Sprintf("INPUT_ENVELOPE_JSON:\n%s\n", data), nil
}

// Status values for the outbound envelope.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Outbound is the envelope Worker hands to Dispatcher. Fields() encodes
// every field as a string; Metadata is JSON-encoded.
type Outbound struct {
	OutID              string    `json:"out_id"`
	CorrelationID      string    `json:"correlation_id"`
	ConversationID     string    `json:"conversation_id"`
	Source             string    `json:"source"`
	UserID             string    `json:"user_id"`
	ReplyText          string    `json:"reply_text"`
	ReplyAudioURL      string    `json:"reply_audio_url,omitempty"`
	ReplyAudioMimeType string    `json:"reply_audio_mime_type,omitempty"`
	Status             string    `json:"status"`
	Timestamp          time.Time `json:"timestamp"`
	Metadata           map[string]any `json:"metadata,omitempty"`
}

// Validate enforces the invariant that reply_text is non-empty.
func (o Outbound) Validate() error {
	if o.OutID == "" {
		return fmt.Errorf("envelope: out_id is required")
	}
	if o.UserID == "" {
		return fmt.Errorf("envelope: user_id is required")
	}
	if o.ReplyText == "" {
		return fmt.Errorf("envelope: reply_text is required")
	}
	return nil
}

// Fields flattens the outbound envelope into a stream-entry string map.
func (o Outbound) Fields() (map[string]string, error) {
	meta, err := json.Marshal(o.Metadata)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal metadata: %w", err)
	}
	fields := map[string]string{
		"out_id":          o.OutID,
		"correlation_id":  o.CorrelationID,
		"conversation_id": o.ConversationID,
		"source":          o.Source,
		"user_id":         o.UserID,
		"reply_text":      o.ReplyText,
		"status":          o.Status,
		"timestamp":       o.Timestamp.UTC().Format(time.RFC3339Nano),
		"metadata":        string(meta),
	}
	if o.ReplyAudioURL != "" {
		fields["reply_audio_url"] = o.ReplyAudioURL
		fields["reply_audio_mime_type"] = o.ReplyAudioMimeType
	}
	return fields, nil
}

// OutboundFromFields reconstructs an Outbound envelope from a stream entry map.
func OutboundFromFields(fields map[string]string) (Outbound, error) {
	var o Outbound
	o.OutID = fields["out_id"]
	o.CorrelationID = fields["correlation_id"]
	o.ConversationID = fields["conversation_id"]
	o.Source = fields["source"]
	o.UserID = fields["user_id"]
	o.ReplyText = fields["reply_text"]
	o.Status = fields["status"]
	o.ReplyAudioURL = fields["reply_audio_url"]
	o.ReplyAudioMimeType = fields["reply_audio_mime_type"]
	if ts := fields["timestamp"]; ts != "" {
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return Outbound{}, fmt.Errorf("envelope: parse timestamp: %w", err)
		}
		o.Timestamp = parsed
	}
	if raw := fields["metadata"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &o.Metadata); err != nil {
			return Outbound{}, fmt.Errorf("envelope: unmarshal metadata: %w", err)
		}
	}
	return o, nil
}
