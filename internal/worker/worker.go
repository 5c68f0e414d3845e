// Package worker implements the inbound consume loop: read from the inbound
// stream with a consumer group, run the preprocessor, prefetch memory,
// invoke the supervisor, and publish the outbound envelope. Bounded
// concurrency is a counting semaphore, grounded in the teacher's
// internal/gateway/processing.go messageSem pattern.
package worker

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/nexus-gateway/conversant/internal/memorystore"
	"github.com/nexus-gateway/conversant/internal/metrics"
	"github.com/nexus-gateway/conversant/internal/preprocess"
	"github.com/nexus-gateway/conversant/internal/streaming"
	"github.com/nexus-gateway/conversant/internal/supervisor"
	"github.com/nexus-gateway/conversant/internal/toolvalidate"
	"github.com/nexus-gateway/conversant/pkg/envelope"
)

// graph is the subset of *supervisor.Graph the worker depends on.
type graph interface {
	Handle(ctx context.Context, rc *toolvalidate.RequestContext, userMessage string) supervisor.StructuredReply
}

// streamClient is the subset of *streaming.Client the worker depends on.
type streamClient interface {
	EnsureGroup(ctx context.Context, stream, group string) error
	Consume(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]streaming.Entry, error)
	Ack(ctx context.Context, stream, group, id string) error
	Append(ctx context.Context, stream string, fields map[string]string) (string, error)
}

// mediaPublisher places a locally-written file under the media host's root
// and returns its public URL. Satisfied by *mediahost.Host.
type mediaPublisher interface {
	PlaceFile(absPath, relName string) (string, error)
}

// memoryStore is the subset of *memorystore.Store the worker depends on.
type memoryStore interface {
	GetProfile(ctx context.Context, userID string) (memorystore.Profile, error)
	PutProfile(ctx context.Context, userID string, p memorystore.Profile) error
	GetConversationState(ctx context.Context, conversationID string) (memorystore.ConversationState, error)
	PutConversationState(ctx context.Context, conversationID string, st memorystore.ConversationState) error
	RecentEvents(ctx context.Context, userID string) ([]string, error)
	AppendEvent(ctx context.Context, userID, event string) error
}

// Config configures a Worker.
type Config struct {
	InboundStream  string
	OutboundStream string
	ConsumerGroup  string
	ConsumerName   string

	BatchSize     int64
	BlockTimeout  time.Duration
	MaxConcurrency int
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = 5 * time.Second
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 16
	}
}

// Worker consumes inbound envelopes, runs them through the preprocessor and
// supervisor, and publishes outbound envelopes.
type Worker struct {
	cfg          Config
	stream       streamClient
	preprocessor *preprocess.Preprocessor
	memory       memoryStore
	graph        graph
	media        mediaPublisher
	logger       *slog.Logger
	sem          chan struct{}
}

// New builds a Worker. media may be nil, in which case a synthesized TTS
// file's local path is published verbatim instead of a fetchable URL.
func New(cfg Config, stream streamClient, preprocessor *preprocess.Preprocessor, memory memoryStore, g graph, media mediaPublisher, logger *slog.Logger) *Worker {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		cfg:          cfg,
		stream:       stream,
		preprocessor: preprocessor,
		memory:       memory,
		graph:        g,
		media:        media,
		logger:       logger.With("component", "worker"),
		sem:          make(chan struct{}, cfg.MaxConcurrency),
	}
}

// Run consumes until ctx is cancelled. Transient consume errors are logged
// and the loop backs off briefly before retrying.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.stream.EnsureGroup(ctx, w.cfg.InboundStream, w.cfg.ConsumerGroup); err != nil {
		return err
	}
	w.logger.Info("worker started",
		"stream", w.cfg.InboundStream, "group", w.cfg.ConsumerGroup, "consumer", w.cfg.ConsumerName,
		"max_concurrency", w.cfg.MaxConcurrency)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		entries, err := w.stream.Consume(ctx, w.cfg.InboundStream, w.cfg.ConsumerGroup, w.cfg.ConsumerName, w.cfg.BatchSize, w.cfg.BlockTimeout)
		if err != nil {
			w.logger.Error("consume failed", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, entry := range entries {
			entry := entry
			select {
			case w.sem <- struct{}{}:
				go func() {
					defer func() { <-w.sem }()
					w.processEntry(ctx, entry)
				}()
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (w *Worker) processEntry(ctx context.Context, entry streaming.Entry) {
	in, err := envelope.InboundFromFields(entry.Fields)
	if err != nil {
		w.logger.Error("malformed inbound entry, acking to drain", "id", entry.ID, "error", err)
		w.ack(ctx, entry.ID)
		return
	}

	if ingressLag := time.Since(in.Timestamp); ingressLag > 0 {
		w.logger.Info("ingress lag", "message_id", in.MessageID, "lag", ingressLag)
		metrics.IngressLag.Observe(ingressLag.Seconds())
	}

	rc := &toolvalidate.RequestContext{}

	result, err := w.preprocessor.Run(ctx, in)
	if err != nil {
		w.logger.Error("preprocessor failed", "message_id", in.MessageID, "error", err)
		w.ack(ctx, entry.ID)
		return
	}

	var reply supervisor.StructuredReply
	if result.ShortCircuit() {
		reply = supervisor.StructuredReply{ReplyText: result.ImmediateReply, Status: envelope.StatusSuccess}
	} else {
		proc := w.injectMemory(ctx, result.Processing)
		prompt, err := proc.Prompt()
		if err != nil {
			w.logger.Error("failed to render processing envelope", "message_id", in.MessageID, "error", err)
			w.ack(ctx, entry.ID)
			return
		}
		reply = w.graph.Handle(ctx, rc, prompt)

		// Grounded-memory gate: only persist if the reply succeeded and at
		// least one non-internal tool executed successfully.
		ok, _ := rc.GroundedCount()
		if reply.Status == envelope.StatusSuccess && ok > 0 {
			w.persistMemory(ctx, proc, reply)
			metrics.GroundedReplies.WithLabelValues("true").Inc()
		} else {
			metrics.GroundedReplies.WithLabelValues("false").Inc()
		}
	}

	out := envelope.Outbound{
		OutID:          uuid.NewString(),
		CorrelationID:  in.MessageID,
		ConversationID: in.ConversationID,
		Source:         in.Source,
		UserID:         in.UserID,
		ReplyText:      reply.ReplyText,
		Status:         reply.Status,
		Timestamp:      time.Now().UTC(),
	}
	if reply.TTSFilePath != "" {
		out.ReplyAudioURL = reply.TTSFilePath
		out.ReplyAudioMimeType = "audio/" + reply.TTSFormat
		if w.media != nil {
			if url, err := w.media.PlaceFile(reply.TTSFilePath, filepath.Base(reply.TTSFilePath)); err != nil {
				w.logger.Warn("failed to publish tts file to media host", "message_id", in.MessageID, "error", err)
			} else {
				out.ReplyAudioURL = url
			}
		}
	}
	if out.ReplyText == "" {
		out.ReplyText = "Done."
	}

	fields, err := out.Fields()
	if err != nil {
		w.logger.Error("failed to encode outbound envelope", "message_id", in.MessageID, "error", err)
		return // do not ACK; the entry stays in the group's pending list
	}
	if _, err := w.stream.Append(ctx, w.cfg.OutboundStream, fields); err != nil {
		w.logger.Error("failed to publish outbound envelope", "message_id", in.MessageID, "error", err)
		return // do not ACK; the entry stays in the group's pending list
	}

	metrics.MessagesProcessed.WithLabelValues(string(out.Status)).Inc()
	w.ack(ctx, entry.ID)
}

func (w *Worker) ack(ctx context.Context, id string) {
	if err := w.stream.Ack(ctx, w.cfg.InboundStream, w.cfg.ConsumerGroup, id); err != nil {
		w.logger.Error("ack failed", "id", id, "error", err)
	}
}

const maxRecentEvents = 5

func (w *Worker) injectMemory(ctx context.Context, proc envelope.Processing) envelope.Processing {
	profile, err := w.memory.GetProfile(ctx, proc.UserID)
	if err != nil {
		w.logger.Warn("memory profile fetch failed", "user_id", proc.UserID, "error", err)
	}
	state, err := w.memory.GetConversationState(ctx, proc.ConversationID)
	if err != nil {
		w.logger.Warn("memory conversation state fetch failed", "conversation_id", proc.ConversationID, "error", err)
	}
	events, err := w.memory.RecentEvents(ctx, proc.UserID)
	if err != nil {
		w.logger.Warn("memory recent events fetch failed", "user_id", proc.UserID, "error", err)
	}
	if len(events) > maxRecentEvents {
		events = events[:maxRecentEvents]
	}

	proc.MemoryContext = envelope.MemoryContext{
		LastDetectedLanguage: profile.LastDetectedLanguage,
		ReplyInAudioDefault:  profile.ReplyInAudioDefault,
		LastStatus:           state.LastStatus,
		LastReply:            truncate(state.LastReply, 200),
		RecentEvents:         truncateAll(events, 200),
	}
	proc.ReplyInAudio = profile.ReplyInAudioDefault
	return proc
}

func (w *Worker) persistMemory(ctx context.Context, proc envelope.Processing, reply supervisor.StructuredReply) {
	profile := memorystore.Profile{LastDetectedLanguage: proc.DetectedLanguage, ReplyInAudioDefault: proc.ReplyInAudio}
	if err := w.memory.PutProfile(ctx, proc.UserID, profile); err != nil {
		w.logger.Warn("memory profile write failed", "user_id", proc.UserID, "error", err)
	}

	state := memorystore.ConversationState{LastStatus: reply.Status, LastReply: truncate(reply.ReplyText, 200)}
	if err := w.memory.PutConversationState(ctx, proc.ConversationID, state); err != nil {
		w.logger.Warn("memory conversation state write failed", "conversation_id", proc.ConversationID, "error", err)
	}

	if err := w.memory.AppendEvent(ctx, proc.UserID, truncate(reply.ReplyText, 200)); err != nil {
		w.logger.Warn("memory event append failed", "user_id", proc.UserID, "error", err)
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func truncateAll(events []string, max int) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = truncate(e, max)
	}
	return out
}
