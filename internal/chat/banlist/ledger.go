// Package banlist reconciles one sender's local ban state with the shared
// banned_ips ledger. The shared store is authoritative for extensions but a
// local ban is never shortened: enforcement errs on the side of keeping a
// ban in place.
package banlist

import (
	"context"
	"fmt"
	"log"
	"time"

	"agora/api/internal/store"
)

// RemoteStore is the shared ledger. ActiveBan returns the unexpired ban
// with the furthest banned_until for the identity, nil when none.
type RemoteStore interface {
	ActiveBan(ctx context.Context, networkIdentity string) (*store.BanRecord, error)
	InsertBan(ctx context.Context, ban store.BanRecord) error
}

// Status is a point-in-time view of the sender's ban state.
type Status struct {
	Banned    bool
	Reason    string
	Until     time.Time
	Remaining time.Duration
}

// Ledger tracks the ban state for a single network identity. It is owned by
// one session and is not safe for concurrent use; the owning session
// serializes access.
type Ledger struct {
	remote   RemoteStore
	identity string

	reason string
	until  time.Time
	lifted bool // unban already announced for the current ban
}

func New(remote RemoteStore, networkIdentity string) *Ledger {
	return &Ledger{remote: remote, identity: networkIdentity, lifted: true}
}

func (l *Ledger) Identity() string { return l.identity }

func (l *Ledger) Status(now time.Time) Status {
	if l.until.After(now) {
		return Status{Banned: true, Reason: l.reason, Until: l.until, Remaining: l.until.Sub(now)}
	}
	return Status{}
}

// CheckRemote reconciles against the shared ledger. A remote ban further in
// the future than the local one is adopted; a missing or shorter remote ban
// never clears or shortens local state.
func (l *Ledger) CheckRemote(ctx context.Context, now time.Time) (Status, error) {
	ban, err := l.remote.ActiveBan(ctx, l.identity)
	if err != nil {
		return l.Status(now), fmt.Errorf("check remote ban: %w", err)
	}
	if ban != nil && ban.BannedUntil.After(l.until) {
		l.adopt(ban.Reason, ban.BannedUntil)
	}
	return l.Status(now), nil
}

// Escalate applies a new ban locally and records it in the shared ledger.
// The local state changes first so enforcement does not depend on the
// write; a failed write is logged and the ban stands. Escalation is
// monotonic: a shorter overlapping ban never truncates the current one.
func (l *Ledger) Escalate(ctx context.Context, reason string, duration time.Duration, now time.Time) Status {
	until := now.Add(duration)
	if until.After(l.until) {
		l.adopt(reason, until)
	}

	err := l.remote.InsertBan(ctx, store.BanRecord{
		NetworkIdentity: l.identity,
		Reason:          reason,
		BannedUntil:     until,
	})
	if err != nil {
		log.Printf("banlist: record ban for %s: %v", l.identity, err)
	}
	return l.Status(now)
}

// Tick advances the countdown. It reports lifted=true exactly once per ban,
// on the first tick at or after expiry.
func (l *Ledger) Tick(now time.Time) (status Status, liftedNow bool) {
	status = l.Status(now)
	if !status.Banned && !l.lifted {
		l.lifted = true
		return status, true
	}
	return status, false
}

func (l *Ledger) adopt(reason string, until time.Time) {
	l.reason = reason
	l.until = until
	l.lifted = false
}
