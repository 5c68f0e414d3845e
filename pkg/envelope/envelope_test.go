package envelope

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInboundRoundTrip(t *testing.T) {
	in := Inbound{
		MessageID:      "msg-1",
		Source:         "whatsapp",
		UserID:         "whatsapp:+10000000000",
		ConversationID: "msg-1",
		Text:           "hi",
		Timestamp:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Metadata: Metadata{
			NumMedia: 1,
			Media:    []MediaItem{{URL: "https://example.com/a.ogg", ContentType: "audio/ogg"}},
		},
	}

	fields, err := in.Fields()
	require.NoError(t, err)
	for k, v := range fields {
		assert.IsType(t, "", v, "field %s must be a string", k)
	}

	out, err := InboundFromFields(fields)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestInboundValidate(t *testing.T) {
	cases := []struct {
		name    string
		in      Inbound
		wantErr bool
	}{
		{"text only", Inbound{UserID: "u1", Text: "hi"}, false},
		{"media only", Inbound{UserID: "u1", Metadata: Metadata{Media: []MediaItem{{URL: "x"}}}}, false},
		{"no user", Inbound{Text: "hi"}, true},
		{"no text no media", Inbound{UserID: "u1"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.in.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestOutboundRoundTrip(t *testing.T) {
	o := Outbound{
		OutID:          "out-1",
		CorrelationID:  "msg-1",
		ConversationID: "msg-1",
		Source:         "whatsapp",
		UserID:         "whatsapp:+10000000000",
		ReplyText:      "hello back",
		Status:         StatusSuccess,
		Timestamp:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Metadata:       map[string]any{"provider_id": "SM123"},
	}

	fields, err := o.Fields()
	require.NoError(t, err)

	back, err := OutboundFromFields(fields)
	require.NoError(t, err)
	assert.Equal(t, o.OutID, back.OutID)
	assert.Equal(t, o.ReplyText, back.ReplyText)
	assert.Equal(t, o.Status, back.Status)
	assert.Equal(t, o.Timestamp.Unix(), back.Timestamp.Unix())
}

func TestOutboundValidate(t *testing.T) {
	o := Outbound{OutID: "o1", UserID: "u1", ReplyText: ""}
	assert.Error(t, o.Validate())
	o.ReplyText = "hi"
	assert.NoError(t, o.Validate())
}

func TestMetadataHasAudio(t *testing.T) {
	m := Metadata{Media: []MediaItem{{ContentType: "image/png"}, {ContentType: "audio/ogg"}}}
	assert.True(t, m.HasAudio())
	m2 := Metadata{Media: []MediaItem{{ContentType: "image/png"}}}
	assert.False(t, m2.HasAudio())
}

func TestProcessingPrompt(t *testing.T) {
	p := Processing{
		Inbound:          Inbound{MessageID: "m1", UserID: "u1", Text: "hola"},
		OriginalText:     "hola",
		EnglishText:      "hello",
		DetectedLanguage: "es",
	}
	prompt, err := p.Prompt()
	require.NoError(t, err)
	assert.Contains(t, prompt, "INPUT_ENVELOPE_JSON:")
	assert.Contains(t, prompt, "\"english_text\": \"hello\"")
}
