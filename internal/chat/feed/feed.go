// Package feed maintains a session's local view of one issue's discussion:
// a redis pub/sub subscription merged with the bulk-loaded history, deduped
// by message id.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"

	"agora/api/internal/store"
)

const channelPrefix = "chat:"

func ChannelName(issueSlug string) string {
	return channelPrefix + issueSlug
}

// Publish pushes a stored message onto its issue's channel. The caller
// publishes only after the durable insert committed; subscribers treat the
// echo as the source of truth.
func Publish(ctx context.Context, client *redis.Client, msg store.ChatMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal feed event: %w", err)
	}
	if err := client.Publish(ctx, ChannelName(msg.IssueSlug), payload).Err(); err != nil {
		return fmt.Errorf("publish feed event: %w", err)
	}
	return nil
}

// Loader supplies the bulk history for a topic.
type Loader interface {
	ListChatMessages(ctx context.Context, issueSlug string) ([]store.ChatMessage, error)
}

// Adapter owns one subscription and the append-only local log behind it.
// Open subscribes before loading history so no insert can fall between the
// two; anything delivered twice is dropped by id.
type Adapter struct {
	slug string
	sub  *redis.PubSub

	mu      sync.Mutex
	entries []store.ChatMessage
	seen    map[string]struct{}

	onAppend  func(store.ChatMessage)
	closeOnce sync.Once
	done      chan struct{}
}

// Open subscribes to the issue's channel, confirms the subscription, loads
// the stored history, and starts consuming live events. onAppend (optional)
// fires for every message that enters the log, live or local.
func Open(ctx context.Context, client *redis.Client, loader Loader, issueSlug string, onAppend func(store.ChatMessage)) (*Adapter, error) {
	sub := client.Subscribe(ctx, ChannelName(issueSlug))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe feed %s: %w", issueSlug, err)
	}

	a := &Adapter{
		slug:     issueSlug,
		sub:      sub,
		seen:     make(map[string]struct{}),
		onAppend: onAppend,
		done:     make(chan struct{}),
	}

	history, err := loader.ListChatMessages(ctx, issueSlug)
	if err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("load feed history %s: %w", issueSlug, err)
	}
	for _, msg := range history {
		a.append(msg, false)
	}

	go a.consume()
	return a, nil
}

func (a *Adapter) consume() {
	ch := a.sub.Channel()
	for {
		select {
		case <-a.done:
			return
		case raw, ok := <-ch:
			if !ok {
				return
			}
			var msg store.ChatMessage
			if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
				log.Printf("feed %s: drop malformed event: %v", a.slug, err)
				continue
			}
			a.append(msg, true)
		}
	}
}

func (a *Adapter) append(msg store.ChatMessage, notify bool) {
	a.mu.Lock()
	select {
	case <-a.done:
		a.mu.Unlock()
		return
	default:
	}
	if _, dup := a.seen[msg.ID]; dup {
		a.mu.Unlock()
		return
	}
	a.seen[msg.ID] = struct{}{}
	a.entries = append(a.entries, msg)
	notifyFn := a.onAppend
	a.mu.Unlock()

	if notify && notifyFn != nil {
		notifyFn(msg)
	}
}

// AppendLocal adds a session-only message (system notices) to the log. It
// is never published and survives only as long as the adapter.
func (a *Adapter) AppendLocal(msg store.ChatMessage) {
	a.append(msg, true)
}

// Messages returns the log filtered by stance: system messages always pass,
// user messages pass when stance is "all" or matches. Pure projection; the
// log itself is untouched.
func (a *Adapter) Messages(stance string) []store.ChatMessage {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]store.ChatMessage, 0, len(a.entries))
	for _, msg := range a.entries {
		if msg.IsSystem || stance == "" || stance == "all" || msg.Stance == stance {
			out = append(out, msg)
		}
	}
	return out
}

// Close tears down the subscription. Idempotent; no event delivered after
// Close is appended or notified.
func (a *Adapter) Close() {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		close(a.done)
		a.mu.Unlock()
		_ = a.sub.Close()
	})
}
