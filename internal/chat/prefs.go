package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Prefs is a sender's saved chat identity: display name and the stance
// they last posted with. Keyed by network identity, so it follows the
// sender across page loads without an account.
type Prefs struct {
	SenderName string `json:"sender_name"`
	Stance     string `json:"stance"`
}

const prefsTTL = 30 * 24 * time.Hour

// PrefsStore persists chat preferences in Redis.
type PrefsStore struct {
	client *redis.Client
	prefix string
}

func NewPrefsStore(client *redis.Client) *PrefsStore {
	return &PrefsStore{client: client, prefix: "chatprefs:"}
}

func (s *PrefsStore) key(networkIdentity string) string {
	return s.prefix + networkIdentity
}

// Load returns the saved preferences, or zero prefs when none exist.
func (s *PrefsStore) Load(ctx context.Context, networkIdentity string) (Prefs, error) {
	raw, err := s.client.Get(ctx, s.key(networkIdentity)).Result()
	if errors.Is(err, redis.Nil) {
		return Prefs{}, nil
	}
	if err != nil {
		return Prefs{}, fmt.Errorf("load chat prefs: %w", err)
	}

	var prefs Prefs
	if err := json.Unmarshal([]byte(raw), &prefs); err != nil {
		return Prefs{}, fmt.Errorf("unmarshal chat prefs: %w", err)
	}
	return prefs, nil
}

func (s *PrefsStore) Save(ctx context.Context, networkIdentity string, prefs Prefs) error {
	raw, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("marshal chat prefs: %w", err)
	}
	if err := s.client.Set(ctx, s.key(networkIdentity), raw, prefsTTL).Err(); err != nil {
		return fmt.Errorf("save chat prefs: %w", err)
	}
	return nil
}
