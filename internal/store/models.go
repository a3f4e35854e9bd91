package store

import "time"

type User struct {
	ID                    string
	DisplayName           string
	Email                 string
	PasswordHash          string
	Role                  string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	DeactivatedAt         *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

type Issue struct {
	ID           string
	Slug         string
	Title        string
	Description  string
	Content      string
	ThumbnailURL string
	Category     string
	CreatedBy    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ChatMessage is one entry in an issue's discussion feed. System messages
// (ban notices, countdowns) exist only in a session's local log and are
// never persisted; IsSystem rows never come out of Postgres.
type ChatMessage struct {
	ID              string    `json:"id"`
	IssueSlug       string    `json:"issue_slug"`
	SenderName      string    `json:"sender_name"`
	Body            string    `json:"body"`
	Stance          string    `json:"stance"`
	NetworkIdentity string    `json:"-"`
	IsSystem        bool      `json:"is_system,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// BanRecord mirrors a row of banned_ips, the shared ban ledger keyed by
// network identity. Several overlapping rows may exist for one identity;
// the active ban is the one with the furthest banned_until.
type BanRecord struct {
	ID              string
	NetworkIdentity string
	Reason          string
	BannedUntil     time.Time
	CreatedAt       time.Time
}
