// Package preprocess implements the pre-supervisor step: turning an inbound
// envelope into the processing envelope the supervisor consumes, or short
// circuiting with an immediate_reply when there is nothing to process.
// Adapted from the teacher's internal/media/transcribe Whisper wrapper.
package preprocess

import (
	"context"
	"fmt"

	"github.com/nexus-gateway/conversant/internal/channels/utils"
	"github.com/nexus-gateway/conversant/pkg/envelope"
)

// transcriber is the subset of *Transcriber the Preprocessor depends on.
type transcriber interface {
	Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error)
}

// detector is the subset of *localtools.Detector the Preprocessor depends on.
type detector interface {
	DetectAndTranslate(ctx context.Context, text string) (detectedLang, englishText string, err error)
}

// downloader fetches a channel media URL's bytes, using channel-specific
// credentials the caller has already baked into opts.Headers.
type downloader func(ctx context.Context, url string, opts utils.DownloadOptions) ([]byte, error)

// Result is what the Preprocessor produces for one inbound envelope: either
// a ready-to-forward Processing envelope, or an ImmediateReply that the
// worker should deliver without ever invoking the supervisor.
type Result struct {
	Processing     envelope.Processing
	ImmediateReply string
}

func (r Result) ShortCircuit() bool { return r.ImmediateReply != "" }

// Preprocessor downloads audio, transcribes it, detects language, and
// assembles the processing envelope per spec section 4.8.
type Preprocessor struct {
	transcribe   transcriber
	detect       detector
	download     downloader
	downloadOpts utils.DownloadOptions
}

// New builds a Preprocessor. mediaHeaders are merged into every download
// request (e.g. channel-specific Basic-Auth credentials).
func New(t transcriber, d detector, mediaHeaders map[string]string) *Preprocessor {
	opts := utils.DefaultDownloadOptions()
	opts.Headers = mediaHeaders
	return &Preprocessor{
		transcribe:   t,
		detect:       d,
		download:     utils.DownloadURL,
		downloadOpts: opts,
	}
}

const noMessageReply = "Send a message and I'll help."

// Run executes the preprocessor steps against one inbound envelope.
func (p *Preprocessor) Run(ctx context.Context, in envelope.Inbound) (Result, error) {
	text := in.Text
	hasAudio := in.Metadata.HasAudio()

	if text == "" && hasAudio {
		transcript, err := p.transcribeFirstAudio(ctx, in)
		if err != nil || transcript == "" {
			return Result{ImmediateReply: "Sorry, I couldn't understand that audio message."}, nil
		}
		text = transcript
	}

	if text == "" {
		return Result{ImmediateReply: noMessageReply}, nil
	}

	detectedLang, englishText, err := p.detect.DetectAndTranslate(ctx, text)
	if err != nil || detectedLang == "" {
		detectedLang = "en"
		englishText = text
	}

	proc := envelope.Processing{
		Inbound:          in,
		OriginalText:     text,
		EnglishText:      englishText,
		DetectedLanguage: detectedLang,
		IsEnglish:        detectedLang == "en",
		InboundHasAudio:  hasAudio,
	}
	proc.Inbound.Text = text

	return Result{Processing: proc}, nil
}

func (p *Preprocessor) transcribeFirstAudio(ctx context.Context, in envelope.Inbound) (string, error) {
	var audioItem *envelope.MediaItem
	for i := range in.Metadata.Media {
		item := in.Metadata.Media[i]
		if len(item.ContentType) >= 6 && item.ContentType[:6] == "audio/" {
			audioItem = &item
			break
		}
	}
	if audioItem == nil {
		return "", fmt.Errorf("preprocess: inbound_has_audio but no audio media item found")
	}

	data, err := p.download(ctx, audioItem.URL, p.downloadOpts)
	if err != nil {
		return "", fmt.Errorf("preprocess: download audio: %w", err)
	}

	transcript, err := p.transcribe.Transcribe(ctx, data, audioItem.ContentType)
	if err != nil {
		return "", fmt.Errorf("preprocess: transcribe audio: %w", err)
	}
	return transcript, nil
}
