package preprocess

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-gateway/conversant/internal/channels/utils"
	"github.com/nexus-gateway/conversant/pkg/envelope"
)

type fakeTranscriber struct {
	text string
	err  error
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	return f.text, f.err
}

type fakeDetector struct {
	lang    string
	english string
	err     error
}

func (f *fakeDetector) DetectAndTranslate(ctx context.Context, text string) (string, string, error) {
	return f.lang, f.english, f.err
}

func newPreprocessor(tr transcriber, det detector) *Preprocessor {
	p := New(tr, det, nil)
	p.download = func(ctx context.Context, url string, opts utils.DownloadOptions) ([]byte, error) {
		return []byte("fake-audio-bytes"), nil
	}
	return p
}

func TestRunPlainTextDetectsLanguage(t *testing.T) {
	p := newPreprocessor(&fakeTranscriber{}, &fakeDetector{lang: "es", english: "hello"})

	result, err := p.Run(context.Background(), envelope.Inbound{UserID: "u1", Text: "hola"})

	require.NoError(t, err)
	assert.False(t, result.ShortCircuit())
	assert.Equal(t, "es", result.Processing.DetectedLanguage)
	assert.Equal(t, "hello", result.Processing.EnglishText)
	assert.False(t, result.Processing.IsEnglish)
}

func TestRunTranscribesAudioWhenTextEmpty(t *testing.T) {
	p := newPreprocessor(&fakeTranscriber{text: "please save a note"}, &fakeDetector{lang: "en", english: "please save a note"})

	in := envelope.Inbound{
		UserID: "u1",
		Metadata: envelope.Metadata{
			Media:    []envelope.MediaItem{{URL: "https://example.com/a.ogg", ContentType: "audio/ogg"}},
			NumMedia: 1,
		},
	}
	result, err := p.Run(context.Background(), in)

	require.NoError(t, err)
	assert.False(t, result.ShortCircuit())
	assert.Equal(t, "please save a note", result.Processing.OriginalText)
	assert.True(t, result.Processing.InboundHasAudio)
}

func TestRunReturnsImmediateReplyOnTranscriptionFailure(t *testing.T) {
	p := newPreprocessor(&fakeTranscriber{err: errors.New("stt down")}, &fakeDetector{})

	in := envelope.Inbound{
		UserID: "u1",
		Metadata: envelope.Metadata{
			Media: []envelope.MediaItem{{URL: "https://example.com/a.ogg", ContentType: "audio/ogg"}},
		},
	}
	result, err := p.Run(context.Background(), in)

	require.NoError(t, err)
	assert.True(t, result.ShortCircuit())
	assert.Contains(t, result.ImmediateReply, "couldn't understand")
}

func TestRunReturnsImmediateReplyOnEmptyTranscript(t *testing.T) {
	p := newPreprocessor(&fakeTranscriber{text: ""}, &fakeDetector{})

	in := envelope.Inbound{
		UserID: "u1",
		Metadata: envelope.Metadata{
			Media: []envelope.MediaItem{{URL: "https://example.com/a.ogg", ContentType: "audio/ogg"}},
		},
	}
	result, err := p.Run(context.Background(), in)

	require.NoError(t, err)
	assert.True(t, result.ShortCircuit())
}

func TestRunReturnsImmediateReplyWhenNoTextOrAudio(t *testing.T) {
	p := newPreprocessor(&fakeTranscriber{}, &fakeDetector{})

	result, err := p.Run(context.Background(), envelope.Inbound{UserID: "u1"})

	require.NoError(t, err)
	assert.Equal(t, noMessageReply, result.ImmediateReply)
}

func TestRunFallsBackToEnglishOnDetectionFailure(t *testing.T) {
	p := newPreprocessor(&fakeTranscriber{}, &fakeDetector{err: errors.New("llm down")})

	result, err := p.Run(context.Background(), envelope.Inbound{UserID: "u1", Text: "hi there"})

	require.NoError(t, err)
	assert.Equal(t, "en", result.Processing.DetectedLanguage)
	assert.Equal(t, "hi there", result.Processing.EnglishText)
}
