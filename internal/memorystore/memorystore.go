// Package memorystore holds the compact per-user/per-conversation state the
// worker reads before invoking the supervisor and writes after a grounded
// success: a user profile document, conversation state, and a bounded
// recent-events list. All writes are best-effort; callers should log and
// swallow write errors rather than fail the message.
package memorystore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nexus-gateway/conversant/internal/streaming"
)

// Store is the memory layer backing the gateway's grounding state.
type Store struct {
	client            *streaming.Client
	conversationTTL   time.Duration
	recentEventsLimit int64
}

// New constructs a Store. conversationTTL bounds conversation-state and
// profile documents; recentEventsLimit bounds the per-user events list.
func New(client *streaming.Client, conversationTTL time.Duration, recentEventsLimit int) *Store {
	return &Store{
		client:            client,
		conversationTTL:   conversationTTL,
		recentEventsLimit: int64(recentEventsLimit),
	}
}

func profileKey(userID string) string        { return fmt.Sprintf("mem:user:%s:profile", userID) }
func conversationKey(convID string) string    { return fmt.Sprintf("mem:conv:%s:state", convID) }
func eventsKey(userID string) string          { return fmt.Sprintf("mem:user:%s:events", userID) }

// Profile is the persisted per-user document.
type Profile struct {
	LastDetectedLanguage string `json:"last_detected_language,omitempty"`
	ReplyInAudioDefault  bool   `json:"reply_in_audio_default,omitempty"`
}

// ConversationState is the persisted per-conversation document.
type ConversationState struct {
	LastStatus string `json:"last_status,omitempty"`
	LastReply  string `json:"last_reply,omitempty"`
}

// GetProfile reads a user's profile document, returning the zero value if
// none is stored yet.
func (s *Store) GetProfile(ctx context.Context, userID string) (Profile, error) {
	var p Profile
	raw, ok, err := s.client.Get(ctx, profileKey(userID))
	if err != nil {
		return p, fmt.Errorf("memorystore: get profile %s: %w", userID, err)
	}
	if !ok {
		return p, nil
	}
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Profile{}, fmt.Errorf("memorystore: decode profile %s: %w", userID, err)
	}
	return p, nil
}

// PutProfile writes a user's profile document. Best-effort: callers should
// log and continue on error rather than fail the message.
func (s *Store) PutProfile(ctx context.Context, userID string, p Profile) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("memorystore: encode profile %s: %w", userID, err)
	}
	if err := s.client.SetWithTTL(ctx, profileKey(userID), string(data), s.conversationTTL); err != nil {
		return fmt.Errorf("memorystore: put profile %s: %w", userID, err)
	}
	return nil
}

// GetConversationState reads a conversation's state document.
func (s *Store) GetConversationState(ctx context.Context, conversationID string) (ConversationState, error) {
	var st ConversationState
	raw, ok, err := s.client.Get(ctx, conversationKey(conversationID))
	if err != nil {
		return st, fmt.Errorf("memorystore: get conversation state %s: %w", conversationID, err)
	}
	if !ok {
		return st, nil
	}
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return ConversationState{}, fmt.Errorf("memorystore: decode conversation state %s: %w", conversationID, err)
	}
	return st, nil
}

// PutConversationState writes a conversation's state document.
func (s *Store) PutConversationState(ctx context.Context, conversationID string, st ConversationState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("memorystore: encode conversation state %s: %w", conversationID, err)
	}
	if err := s.client.SetWithTTL(ctx, conversationKey(conversationID), string(data), s.conversationTTL); err != nil {
		return fmt.Errorf("memorystore: put conversation state %s: %w", conversationID, err)
	}
	return nil
}

// RecentEvents returns the user's bounded recent-events list, most recent
// first.
func (s *Store) RecentEvents(ctx context.Context, userID string) ([]string, error) {
	events, err := s.client.LRange(ctx, eventsKey(userID))
	if err != nil {
		return nil, fmt.Errorf("memorystore: recent events %s: %w", userID, err)
	}
	return events, nil
}

// AppendEvent pushes a new event onto the user's bounded recent-events list,
// trimming to the configured limit and refreshing its TTL.
func (s *Store) AppendEvent(ctx context.Context, userID, event string) error {
	if err := s.client.LPushBounded(ctx, eventsKey(userID), event, s.recentEventsLimit, s.conversationTTL); err != nil {
		return fmt.Errorf("memorystore: append event %s: %w", userID, err)
	}
	return nil
}
