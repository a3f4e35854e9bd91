// Package chat glues the abuse policy, the ban ledger, and the realtime
// feed into the send pipeline behind the discussion endpoints.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"agora/api/internal/chat/banlist"
	"agora/api/internal/chat/feed"
	"agora/api/internal/chat/policy"
	"agora/api/internal/store"
)

const (
	MaxSenderNameLength = 20
	senderIdleTTL       = 30 * time.Minute
)

// ErrNotSaved wraps a failed durable insert: the message was refused by the
// store and no local copy is kept.
var ErrNotSaved = errors.New("message not saved")

var validStances = map[string]bool{"agree": true, "disagree": true, "neutral": true}

func ValidStance(stance string) bool { return validStances[stance] }

// RejectedError is a send refused by validation, policy, or an active ban.
type RejectedError struct {
	Reason     string
	Banned     bool
	RetryAfter time.Duration
}

func (e *RejectedError) Error() string { return e.Reason }

// MessageStore is the durable side of the send pipeline.
type MessageStore interface {
	InsertChatMessage(ctx context.Context, msg store.ChatMessage) (store.ChatMessage, error)
	ListChatMessages(ctx context.Context, issueSlug string) ([]store.ChatMessage, error)
}

// sender is the per-identity abuse state. One ledger and one history per
// network identity, shared by however many requests that identity makes.
type sender struct {
	mu      sync.Mutex
	history *policy.History
	ledger  *banlist.Ledger

	lastSeen time.Time // guarded by Hub.mu, not sender.mu
}

// Hub owns all per-identity sender state and runs the send pipeline:
// reconcile remote ban, evaluate policy, insert, publish.
type Hub struct {
	messages MessageStore
	bans     banlist.RemoteStore
	redis    *redis.Client
	now      func() time.Time

	mu      sync.Mutex
	senders map[string]*sender
}

func NewHub(messages MessageStore, bans banlist.RemoteStore, client *redis.Client) *Hub {
	return &Hub{
		messages: messages,
		bans:     bans,
		redis:    client,
		now:      time.Now,
		senders:  make(map[string]*sender),
	}
}

func (h *Hub) sender(networkIdentity string) *sender {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	for identity, s := range h.senders {
		if identity == networkIdentity || now.Sub(s.lastSeen) <= senderIdleTTL {
			continue
		}
		// Never wait on another sender's mutex here: a send in flight for
		// that identity would stall every caller behind h.mu. A sender busy
		// enough to hold its lock is not idle anyway.
		if !s.mu.TryLock() {
			continue
		}
		banned := s.ledger.Status(now).Banned
		s.mu.Unlock()
		if !banned {
			delete(h.senders, identity)
		}
	}

	s, ok := h.senders[networkIdentity]
	if !ok {
		s = &sender{
			history: policy.NewHistory(),
			ledger:  banlist.New(h.bans, networkIdentity),
		}
		h.senders[networkIdentity] = s
	}
	s.lastSeen = now
	return s
}

// Send runs one attempt through the full pipeline. On success the stored
// row is returned after being published to the issue's feed channel; the
// caller sees it again through the feed echo, which is the only path that
// appends to local logs.
func (h *Hub) Send(ctx context.Context, issueSlug, networkIdentity, senderName, stance, body string) (store.ChatMessage, error) {
	senderName = strings.TrimSpace(senderName)
	if senderName == "" {
		return store.ChatMessage{}, &RejectedError{Reason: "enter a display name first"}
	}
	if len(senderName) > MaxSenderNameLength {
		return store.ChatMessage{}, &RejectedError{Reason: fmt.Sprintf("display name is limited to %d characters", MaxSenderNameLength)}
	}
	if !ValidStance(stance) {
		return store.ChatMessage{}, &RejectedError{Reason: "pick a stance before posting"}
	}

	s := h.sender(networkIdentity)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := h.now()
	status, err := s.ledger.CheckRemote(ctx, now)
	if err != nil {
		// Enforce with local state; a flaky lookup must not unban anyone.
		log.Printf("chat: %v", err)
		status = s.ledger.Status(now)
	}

	decision := policy.Evaluate(body, s.history, status.Remaining, now)
	switch decision.Verdict {
	case policy.Ban:
		banned := s.ledger.Escalate(ctx, decision.Reason, decision.BanDuration, now)
		return store.ChatMessage{}, &RejectedError{Reason: decision.Reason, Banned: true, RetryAfter: banned.Remaining}
	case policy.Reject:
		return store.ChatMessage{}, &RejectedError{Reason: decision.Reason, Banned: status.Banned, RetryAfter: status.Remaining}
	}

	trimmed := strings.TrimSpace(body)
	stored, err := h.messages.InsertChatMessage(ctx, store.ChatMessage{
		IssueSlug:       issueSlug,
		SenderName:      senderName,
		Body:            trimmed,
		Stance:          stance,
		NetworkIdentity: networkIdentity,
	})
	if err != nil {
		return store.ChatMessage{}, fmt.Errorf("%w: %v", ErrNotSaved, err)
	}

	s.history.RecordSend(trimmed, now)

	if err := feed.Publish(ctx, h.redis, stored); err != nil {
		// The row is durable; subscribers catch up on their next bulk load.
		log.Printf("chat: %v", err)
	}
	return stored, nil
}

// BanStatus reconciles and reports the identity's current ban state.
func (h *Hub) BanStatus(ctx context.Context, networkIdentity string) banlist.Status {
	s := h.sender(networkIdentity)
	s.mu.Lock()
	defer s.mu.Unlock()

	status, err := s.ledger.CheckRemote(ctx, h.now())
	if err != nil {
		log.Printf("chat: %v", err)
	}
	return status
}

// Tick advances the identity's ban countdown by one observation.
func (h *Hub) Tick(networkIdentity string) (banlist.Status, bool) {
	s := h.sender(networkIdentity)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.Tick(h.now())
}
