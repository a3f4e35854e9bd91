package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"agora/api/internal/chat/feed"
	"agora/api/internal/store"
	"agora/api/internal/util"
)

type EventType string

const (
	EventMessage   EventType = "message"
	EventSystem    EventType = "system"
	EventCountdown EventType = "ban_countdown"
)

// Event is what a live session pushes to its client: a feed message, a
// session-local system notice, or a once-per-second ban countdown.
type Event struct {
	Type        EventType          `json:"type"`
	Message     *store.ChatMessage `json:"message,omitempty"`
	SecondsLeft int                `json:"seconds_left,omitempty"`
}

// Session is one live connection to an issue's discussion. It owns the feed
// adapter and the ban countdown for its sender; the abuse state itself
// lives in the hub so it is shared with non-live sends from the same
// identity.
type Session struct {
	hub      *Hub
	prefs    *PrefsStore
	slug     string
	identity string
	adapter  *feed.Adapter
	notify   func(Event)

	mu           sync.Mutex
	countingDown bool

	done      chan struct{}
	closeOnce sync.Once
}

// OpenSession subscribes the identity to the issue's feed and, when the
// sender arrives already banned, emits the ban notice and starts the
// countdown immediately.
func OpenSession(ctx context.Context, hub *Hub, prefs *PrefsStore, issueSlug, networkIdentity string, notify func(Event)) (*Session, error) {
	s := &Session{
		hub:      hub,
		prefs:    prefs,
		slug:     issueSlug,
		identity: networkIdentity,
		notify:   notify,
		done:     make(chan struct{}),
	}

	adapter, err := feed.Open(ctx, hub.redis, hub.messages, issueSlug, func(msg store.ChatMessage) {
		s.emitMessage(msg)
	})
	if err != nil {
		return nil, err
	}
	s.adapter = adapter

	if status := hub.BanStatus(ctx, networkIdentity); status.Banned {
		s.systemMessage(banNotice(status.Reason, status.Remaining))
		s.startCountdown()
	}
	return s, nil
}

func (s *Session) emitMessage(msg store.ChatMessage) {
	if s.notify == nil {
		return
	}
	kind := EventMessage
	if msg.IsSystem {
		kind = EventSystem
	}
	s.notify(Event{Type: kind, Message: &msg})
}

// Send runs the attempt through the hub. A ban outcome drops the notice
// into this session's log and starts the countdown; a plain success saves
// the sender's prefs for next time.
func (s *Session) Send(ctx context.Context, senderName, stance, body string) (store.ChatMessage, error) {
	msg, err := s.hub.Send(ctx, s.slug, s.identity, senderName, stance, body)
	if err != nil {
		var rejected *RejectedError
		if errors.As(err, &rejected) && rejected.Banned {
			s.systemMessage(banNotice(rejected.Reason, rejected.RetryAfter))
			s.startCountdown()
		}
		return store.ChatMessage{}, err
	}

	if s.prefs != nil {
		if err := s.prefs.Save(ctx, s.identity, Prefs{SenderName: msg.SenderName, Stance: msg.Stance}); err != nil {
			log.Printf("chat: %v", err)
		}
	}
	return msg, nil
}

// Messages returns the session's current view filtered by stance.
func (s *Session) Messages(stance string) []store.ChatMessage {
	return s.adapter.Messages(stance)
}

func (s *Session) Prefs(ctx context.Context) (Prefs, error) {
	if s.prefs == nil {
		return Prefs{}, nil
	}
	return s.prefs.Load(ctx, s.identity)
}

func (s *Session) systemMessage(body string) {
	s.adapter.AppendLocal(store.ChatMessage{
		ID:         util.NewID("sys"),
		IssueSlug:  s.slug,
		SenderName: "System",
		Body:       body,
		IsSystem:   true,
		CreatedAt:  time.Now(),
	})
}

func (s *Session) startCountdown() {
	s.mu.Lock()
	if s.countingDown {
		s.mu.Unlock()
		return
	}
	s.countingDown = true
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				status, lifted := s.hub.Tick(s.identity)
				if lifted {
					s.systemMessage("Your chat ban has been lifted. Keep it civil.")
				}
				if !status.Banned {
					s.mu.Lock()
					s.countingDown = false
					s.mu.Unlock()
					return
				}
				if s.notify != nil {
					s.notify(Event{Type: EventCountdown, SecondsLeft: util.CeilSeconds(status.Remaining)})
				}
			}
		}
	}()
}

// Close tears the session down; the shared abuse state stays in the hub.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.adapter.Close()
	})
}

func banNotice(reason string, remaining time.Duration) string {
	return fmt.Sprintf("You are banned from chatting: %s. You can chat again in %d seconds.", reason, util.CeilSeconds(remaining))
}
