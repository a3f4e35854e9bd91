// Package policy decides, without any I/O, whether a chat send attempt is
// allowed, rejected, or earns the sender a ban. All state lives in a
// per-sender History owned by exactly one session.
package policy

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"agora/api/internal/util"
)

const (
	MaxMessagesPerMinute = 10
	RateWindow           = 60 * time.Second
	DuplicateCooldown    = 30 * time.Second
	MinMessageInterval   = 1 * time.Second
	AbuseBanDuration     = 120 * time.Second
	MaxBodyLength        = 300
)

var spamPattern = regexp.MustCompile(`(?i)(viagra|casino|lottery|\$\$\$|make money|www\.|http:|https:)`)

type Verdict int

const (
	Allow Verdict = iota
	Reject
	Ban
)

// Decision is the outcome of evaluating one send attempt. BanDuration is
// set only when Verdict is Ban.
type Decision struct {
	Verdict     Verdict
	Reason      string
	BanDuration time.Duration
}

func allowed() Decision { return Decision{Verdict: Allow} }

func rejected(reason string) Decision { return Decision{Verdict: Reject, Reason: reason} }

func banhammer(reason string) Decision {
	return Decision{Verdict: Ban, Reason: reason, BanDuration: AbuseBanDuration}
}

type sentBody struct {
	body string
	at   time.Time
}

// History is one sender's sliding-window ledger. sends and bodies record
// only successfully enqueued messages; lastAttempt records every evaluated
// attempt so that hammering the send path stays throttled even while
// everything is being rejected.
type History struct {
	sends       []time.Time
	bodies      []sentBody
	lastAttempt time.Time
}

func NewHistory() *History {
	return &History{}
}

// RecordSend marks a successfully enqueued message. Callers invoke it after
// the durable insert succeeds, never on a rejected attempt.
func (h *History) RecordSend(body string, at time.Time) {
	h.sends = append(h.sends, at)
	h.bodies = append(h.bodies, sentBody{body: body, at: at})
	h.prune(at)
}

func (h *History) prune(now time.Time) {
	rateCutoff := now.Add(-RateWindow)
	kept := h.sends[:0]
	for _, t := range h.sends {
		if t.After(rateCutoff) {
			kept = append(kept, t)
		}
	}
	h.sends = kept

	dupCutoff := now.Add(-DuplicateCooldown)
	keptBodies := h.bodies[:0]
	for _, b := range h.bodies {
		if b.at.After(dupCutoff) {
			keptBodies = append(keptBodies, b)
		}
	}
	h.bodies = keptBodies
}

func (h *History) sendsInWindow(now time.Time) int {
	count := 0
	cutoff := now.Add(-RateWindow)
	for _, t := range h.sends {
		if t.After(cutoff) {
			count++
		}
	}
	return count
}

// duplicateRemaining reports how long the sender must still wait before
// repeating body, zero if it is not a recent duplicate. Comparison is exact
// on the trimmed body; a case variant is a different message.
func (h *History) duplicateRemaining(body string, now time.Time) time.Duration {
	needle := strings.TrimSpace(body)
	var remaining time.Duration
	for _, b := range h.bodies {
		if strings.TrimSpace(b.body) != needle {
			continue
		}
		if wait := DuplicateCooldown - now.Sub(b.at); wait > remaining {
			remaining = wait
		}
	}
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Evaluate runs the abuse checks for one send attempt. First match wins:
// active ban, empty body, spam pattern, rate window, minimum interval,
// duplicate cooldown. The rate-window check runs before the interval check
// so a flooding sender is always banned rather than merely throttled.
// banRemaining is the time left on the sender's active ban, zero if none.
func Evaluate(body string, h *History, banRemaining time.Duration, now time.Time) Decision {
	if banRemaining > 0 {
		return rejected(fmt.Sprintf("you are banned from chatting, try again in %d seconds", util.CeilSeconds(banRemaining)))
	}

	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return rejected("message is empty")
	}
	if len(trimmed) > MaxBodyLength {
		return rejected("invalid input")
	}

	if spamPattern.MatchString(trimmed) {
		return banhammer("spam detected")
	}

	if h.sendsInWindow(now) >= MaxMessagesPerMinute {
		return banhammer("flooding detected")
	}

	if !h.lastAttempt.IsZero() && now.Sub(h.lastAttempt) < MinMessageInterval {
		h.lastAttempt = now
		return rejected("sending too fast, slow down")
	}
	h.lastAttempt = now

	if wait := h.duplicateRemaining(trimmed, now); wait > 0 {
		return rejected(fmt.Sprintf("duplicate message, wait %d seconds", util.CeilSeconds(wait)))
	}

	return allowed()
}
