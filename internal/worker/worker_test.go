package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-gateway/conversant/internal/memorystore"
	"github.com/nexus-gateway/conversant/internal/preprocess"
	"github.com/nexus-gateway/conversant/internal/streaming"
	"github.com/nexus-gateway/conversant/internal/supervisor"
	"github.com/nexus-gateway/conversant/internal/toolvalidate"
	"github.com/nexus-gateway/conversant/pkg/envelope"
)

type fakeStream struct {
	mu       sync.Mutex
	entries  []streaming.Entry
	consumed bool
	acked    []string
	appended []map[string]string
}

func (f *fakeStream) EnsureGroup(ctx context.Context, stream, group string) error { return nil }

func (f *fakeStream) Consume(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]streaming.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.consumed {
		return nil, nil
	}
	f.consumed = true
	return f.entries, nil
}

func (f *fakeStream) Ack(ctx context.Context, stream, group, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, id)
	return nil
}

func (f *fakeStream) Append(ctx context.Context, stream string, fields map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appended = append(f.appended, fields)
	return "1-0", nil
}

type fakeMemory struct{}

func (fakeMemory) GetProfile(ctx context.Context, userID string) (memorystore.Profile, error) {
	return memorystore.Profile{}, nil
}
func (fakeMemory) PutProfile(ctx context.Context, userID string, p memorystore.Profile) error {
	return nil
}
func (fakeMemory) GetConversationState(ctx context.Context, conversationID string) (memorystore.ConversationState, error) {
	return memorystore.ConversationState{}, nil
}
func (fakeMemory) PutConversationState(ctx context.Context, conversationID string, st memorystore.ConversationState) error {
	return nil
}
func (fakeMemory) RecentEvents(ctx context.Context, userID string) ([]string, error) { return nil, nil }
func (fakeMemory) AppendEvent(ctx context.Context, userID, event string) error       { return nil }

type fakeGraph struct {
	reply supervisor.StructuredReply
}

func (f *fakeGraph) Handle(ctx context.Context, rc *toolvalidate.RequestContext, userMessage string) supervisor.StructuredReply {
	return f.reply
}

type passthroughDetector struct{}

func (passthroughDetector) DetectAndTranslate(ctx context.Context, text string) (string, string, error) {
	return "en", text, nil
}

func makeInboundEntry(t *testing.T, in envelope.Inbound) streaming.Entry {
	t.Helper()
	fields, err := in.Fields()
	require.NoError(t, err)
	return streaming.Entry{ID: "1-0", Fields: fields}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestProcessEntryPublishesOutboundAndAcks(t *testing.T) {
	in := envelope.Inbound{MessageID: "m1", UserID: "u1", ConversationID: "c1", Source: "twilio", Text: "hi", Timestamp: time.Now()}
	entry := makeInboundEntry(t, in)

	fs := &fakeStream{entries: []streaming.Entry{entry}}
	pp := preprocess.New(nil, passthroughDetector{}, nil)
	// nil transcriber is fine: Text is non-empty so Transcribe is never called.
	fg := &fakeGraph{reply: supervisor.StructuredReply{ReplyText: "hello back", Status: "success"}}

	w := New(Config{InboundStream: "in", OutboundStream: "out", ConsumerGroup: "g", ConsumerName: "c", MaxConcurrency: 2}, fs, pp, fakeMemory{}, fg, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go w.Run(ctx)

	waitFor(t, func() bool { fs.mu.Lock(); defer fs.mu.Unlock(); return len(fs.appended) == 1 })
	waitFor(t, func() bool { fs.mu.Lock(); defer fs.mu.Unlock(); return len(fs.acked) == 1 })

	fs.mu.Lock()
	defer fs.mu.Unlock()
	assert.Equal(t, "hello back", fs.appended[0]["reply_text"])
	assert.Equal(t, "1-0", fs.acked[0])
}

func TestProcessEntryShortCircuitsOnEmptyText(t *testing.T) {
	in := envelope.Inbound{MessageID: "m2", UserID: "u1", ConversationID: "c1", Source: "twilio", Timestamp: time.Now(),
		Metadata: envelope.Metadata{Media: []envelope.MediaItem{{URL: "x", ContentType: "image/png"}}}}
	entry := makeInboundEntry(t, in)

	fs := &fakeStream{entries: []streaming.Entry{entry}}
	pp := preprocess.New(nil, passthroughDetector{}, nil)
	fg := &fakeGraph{reply: supervisor.StructuredReply{ReplyText: "should not be used"}}

	w := New(Config{InboundStream: "in", OutboundStream: "out", ConsumerGroup: "g", ConsumerName: "c", MaxConcurrency: 2}, fs, pp, fakeMemory{}, fg, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go w.Run(ctx)

	waitFor(t, func() bool { fs.mu.Lock(); defer fs.mu.Unlock(); return len(fs.appended) == 1 })

	fs.mu.Lock()
	defer fs.mu.Unlock()
	assert.Contains(t, fs.appended[0]["reply_text"], "Send a message")
}
