package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"agora/api/internal/store"
)

type eventSink struct {
	mu     sync.Mutex
	events []Event
}

func (e *eventSink) record(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *eventSink) snapshot() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Event, len(e.events))
	copy(out, e.events)
	return out
}

func TestSessionSendEchoesThroughFeed(t *testing.T) {
	f := setupHub(t)
	f.hub.now = time.Now // live clock so the feed echo timestamps line up
	sink := &eventSink{}

	session, err := OpenSession(context.Background(), f.hub, NewPrefsStore(f.client), "tax-reform", "203.0.113.7", sink.record)
	if err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}
	defer session.Close()

	msg, err := session.Send(context.Background(), "ada", "agree", "first post")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	// The local log fills only via the feed echo.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if msgs := session.Messages("all"); len(msgs) == 1 && msgs[0].ID == msg.ID {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("echo never reached the session log: %+v", session.Messages("all"))
		}
		time.Sleep(10 * time.Millisecond)
	}

	prefs, err := session.Prefs(context.Background())
	if err != nil {
		t.Fatalf("Prefs failed: %v", err)
	}
	if prefs.SenderName != "ada" || prefs.Stance != "agree" {
		t.Fatalf("prefs not saved on success: %+v", prefs)
	}
}

func TestSessionBanDropsSystemNotice(t *testing.T) {
	f := setupHub(t)
	f.hub.now = time.Now
	sink := &eventSink{}

	session, err := OpenSession(context.Background(), f.hub, nil, "tax-reform", "x", sink.record)
	if err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}
	defer session.Close()

	_, err = session.Send(context.Background(), "ada", "agree", "win the lottery today")
	var rejected *RejectedError
	if !errors.As(err, &rejected) || !rejected.Banned {
		t.Fatalf("expected ban, got %v", err)
	}

	msgs := session.Messages("all")
	if len(msgs) != 1 || !msgs[0].IsSystem {
		t.Fatalf("expected one system notice, got %+v", msgs)
	}
	// System notices are session-local, never persisted.
	if len(f.messages.inserted) != 0 {
		t.Fatal("system notice leaked into the store")
	}
}

func TestSessionOpensBannedAndCountsDown(t *testing.T) {
	f := setupHub(t)
	f.hub.now = time.Now
	f.bans.active = &store.BanRecord{
		NetworkIdentity: "x",
		Reason:          "flooding detected",
		BannedUntil:     time.Now().Add(1500 * time.Millisecond),
	}
	sink := &eventSink{}

	session, err := OpenSession(context.Background(), f.hub, nil, "tax-reform", "x", sink.record)
	if err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}
	defer session.Close()

	msgs := session.Messages("all")
	if len(msgs) != 1 || !msgs[0].IsSystem {
		t.Fatalf("expected ban notice on open, got %+v", msgs)
	}

	f.bans.mu.Lock()
	f.bans.active = nil
	f.bans.mu.Unlock()

	// Within a few ticks the ban expires and the lift notice lands.
	deadline := time.Now().Add(4 * time.Second)
	for {
		msgs = session.Messages("all")
		if len(msgs) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("ban lift notice never arrived: %+v", msgs)
		}
		time.Sleep(50 * time.Millisecond)
	}

	// Exactly one lift notice even though ticks keep running.
	time.Sleep(1200 * time.Millisecond)
	if msgs = session.Messages("all"); len(msgs) != 2 {
		t.Fatalf("duplicate lift notice: %+v", msgs)
	}
}
