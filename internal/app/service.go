package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"agora/api/internal/auth"
	"agora/api/internal/authpw"
	"agora/api/internal/chat"
	"agora/api/internal/config"
	"agora/api/internal/email"
	"agora/api/internal/media"
	"agora/api/internal/rbac"
	"agora/api/internal/search"
	"agora/api/internal/store"
	"agora/api/internal/util"
)

// Session is an authenticated editorial session resolved from an access
// token. Anonymous readers and chat senders never hold one.
type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	Ping(ctx context.Context) error

	GetUserByID(ctx context.Context, userID string) (store.User, error)
	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)

	ListIssues(ctx context.Context) ([]store.Issue, error)
	ListIssuesByCategory(ctx context.Context, category string) ([]store.Issue, error)
	GetIssueBySlug(ctx context.Context, slug string) (store.Issue, error)
	CreateIssue(ctx context.Context, issue store.Issue) (store.Issue, error)
	UpdateIssue(ctx context.Context, issue store.Issue) (store.Issue, error)
	DeleteIssue(ctx context.Context, slug string) error

	ListChatMessages(ctx context.Context, issueSlug string) ([]store.ChatMessage, error)
}

// sessionStore holds refresh tokens. Redis-backed in normal operation,
// Postgres-backed when Redis is not configured.
type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	search   *search.Service
	hub      *chat.Hub
	prefs    *chat.PrefsStore
	redis    *redis.Client
	authpw   *authpw.Service
	email    *email.Service
	media    *media.Service
}

func New(
	cfg config.Config,
	dataStore dataStore,
	sessions sessionStore,
	searchSvc *search.Service,
	hub *chat.Hub,
	prefs *chat.PrefsStore,
	redisClient *redis.Client,
	authSvc *authpw.Service,
	emailSvc *email.Service,
	mediaSvc *media.Service,
) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: sessions,
		search:   searchSvc,
		hub:      hub,
		prefs:    prefs,
		redis:    redisClient,
		authpw:   authSvc,
		email:    emailSvc,
		media:    mediaSvc,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) PingRedis(ctx context.Context) error {
	if s.redis == nil {
		return fmt.Errorf("redis not configured")
	}
	return s.redis.Ping(ctx).Err()
}

func (s *Service) AuthPasswordService() *authpw.Service {
	return s.authpw
}

func (s *Service) MediaService() *media.Service {
	return s.media
}

func (s *Service) SMTPConfigured() bool {
	return s.email != nil && s.email.IsConfigured()
}

// SendVerificationEmail is best effort: sign-up already succeeded and the
// dev bypass covers unconfigured SMTP.
func (s *Service) SendVerificationEmail(to, userName, token string) {
	if !s.SMTPConfigured() {
		return
	}
	url := s.cfg.AppBaseURL + "/verify-email?token=" + token
	if err := s.email.SendVerificationEmail(to, userName, url); err != nil {
		log.Printf("email: send verification to %s: %v", to, err)
	}
}

func (s *Service) SendPasswordResetEmail(to, userName, token string) {
	if !s.SMTPConfigured() {
		return
	}
	url := s.cfg.AppBaseURL + "/reset-password?token=" + token
	if err := s.email.SendPasswordResetEmail(to, userName, url); err != nil {
		log.Printf("email: send password reset to %s: %v", to, err)
	}
}

// ---- sessions ----

func (s *Service) CreateSession(ctx context.Context, userID string) (Session, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	found, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, found.ID)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		Role: user.Role,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

// ---- issues ----

type IssueInput struct {
	Title        string `json:"title"`
	Description  string `json:"description"`
	Content      string `json:"content"`
	ThumbnailURL string `json:"thumbnailUrl"`
	Category     string `json:"category"`
}

func (s *Service) ListIssues(ctx context.Context, category string) ([]map[string]any, error) {
	var (
		issues []store.Issue
		err    error
	)
	if category == "" {
		issues, err = s.store.ListIssues(ctx)
	} else {
		issues, err = s.store.ListIssuesByCategory(ctx, category)
	}
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(issues))
	for _, issue := range issues {
		items = append(items, issuePayload(issue))
	}
	return items, nil
}

func (s *Service) GetIssue(ctx context.Context, slug string) (map[string]any, error) {
	issue, err := s.store.GetIssueBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	return issuePayload(issue), nil
}

func (s *Service) CreateIssue(ctx context.Context, session Session, input IssueInput) (map[string]any, error) {
	if err := validateIssueInput(input); err != nil {
		return nil, err
	}

	slug := slugify(input.Title)
	if slug == "" {
		slug = util.NewID("issue")
	}

	created, err := s.store.CreateIssue(ctx, store.Issue{
		Slug:         slug,
		Title:        strings.TrimSpace(input.Title),
		Description:  input.Description,
		Content:      input.Content,
		ThumbnailURL: input.ThumbnailURL,
		Category:     input.Category,
		CreatedBy:    session.UserID,
	})
	if err != nil {
		return nil, err
	}

	s.indexIssue(created)
	return issuePayload(created), nil
}

func (s *Service) UpdateIssue(ctx context.Context, slug string, input IssueInput) (map[string]any, error) {
	if err := validateIssueInput(input); err != nil {
		return nil, err
	}

	updated, err := s.store.UpdateIssue(ctx, store.Issue{
		Slug:         slug,
		Title:        strings.TrimSpace(input.Title),
		Description:  input.Description,
		Content:      input.Content,
		ThumbnailURL: input.ThumbnailURL,
		Category:     input.Category,
	})
	if err != nil {
		return nil, err
	}

	s.indexIssue(updated)
	return issuePayload(updated), nil
}

func (s *Service) DeleteIssue(ctx context.Context, slug string) error {
	issue, err := s.store.GetIssueBySlug(ctx, slug)
	if err != nil {
		return err
	}
	if err := s.store.DeleteIssue(ctx, slug); err != nil {
		return err
	}
	if s.search != nil {
		s.search.DeleteIssue(issue.ID)
	}
	return nil
}

func (s *Service) SearchIssues(q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

func (s *Service) indexIssue(issue store.Issue) {
	if s.search == nil {
		return
	}
	s.search.IndexIssue(search.IssueRecord{
		ID:          issue.ID,
		Slug:        issue.Slug,
		Title:       issue.Title,
		Description: issue.Description,
		Content:     issue.Content,
		Category:    issue.Category,
	})
}

func validateIssueInput(input IssueInput) error {
	if strings.TrimSpace(input.Title) == "" {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	if strings.TrimSpace(input.Category) == "" {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "category is required", nil)
	}
	return nil
}

func issuePayload(issue store.Issue) map[string]any {
	return map[string]any{
		"id":           issue.ID,
		"slug":         issue.Slug,
		"title":        issue.Title,
		"description":  issue.Description,
		"content":      issue.Content,
		"thumbnailUrl": issue.ThumbnailURL,
		"category":     issue.Category,
		"createdBy":    issue.CreatedBy,
		"createdAt":    issue.CreatedAt,
		"updatedAt":    issue.UpdatedAt,
	}
}

func slugify(title string) string {
	var b strings.Builder
	pendingDash := false
	for _, r := range strings.ToLower(strings.TrimSpace(title)) {
		isAlnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if !isAlnum {
			pendingDash = b.Len() > 0
			continue
		}
		if pendingDash {
			b.WriteByte('-')
			pendingDash = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ---- chat ----

// ChatHistory returns the issue's stored discussion, optionally narrowed to
// one stance. System notices are session-local and never show up here.
func (s *Service) ChatHistory(ctx context.Context, issueSlug, stance string) ([]store.ChatMessage, error) {
	messages, err := s.store.ListChatMessages(ctx, issueSlug)
	if err != nil {
		return nil, err
	}
	if stance == "" || stance == "all" {
		return messages, nil
	}

	filtered := make([]store.ChatMessage, 0, len(messages))
	for _, msg := range messages {
		if msg.Stance == stance {
			filtered = append(filtered, msg)
		}
	}
	return filtered, nil
}

// SendChatMessage runs one send attempt for a non-live (plain HTTP) client.
// Live clients go through chat.Session instead, which layers the countdown
// and local system notices on the same hub pipeline.
func (s *Service) SendChatMessage(ctx context.Context, issueSlug, networkIdentity, senderName, stance, body string) (store.ChatMessage, error) {
	msg, err := s.hub.Send(ctx, issueSlug, networkIdentity, senderName, stance, body)
	if err != nil {
		return store.ChatMessage{}, err
	}

	if s.prefs != nil {
		if err := s.prefs.Save(ctx, networkIdentity, chat.Prefs{SenderName: msg.SenderName, Stance: msg.Stance}); err != nil {
			log.Printf("chat: %v", err)
		}
	}
	return msg, nil
}

// OpenChatSession attaches a live client to the issue's feed. The caller
// owns the returned session and must Close it when the connection drops.
func (s *Service) OpenChatSession(ctx context.Context, issueSlug, networkIdentity string, notify func(chat.Event)) (*chat.Session, error) {
	return chat.OpenSession(ctx, s.hub, s.prefs, issueSlug, networkIdentity, notify)
}

func (s *Service) ChatPrefs(ctx context.Context, networkIdentity string) (chat.Prefs, error) {
	if s.prefs == nil {
		return chat.Prefs{}, nil
	}
	return s.prefs.Load(ctx, networkIdentity)
}

func (s *Service) SaveChatPrefs(ctx context.Context, networkIdentity string, prefs chat.Prefs) error {
	prefs.SenderName = strings.TrimSpace(prefs.SenderName)
	if len(prefs.SenderName) > chat.MaxSenderNameLength {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR",
			fmt.Sprintf("display name is limited to %d characters", chat.MaxSenderNameLength), nil)
	}
	if prefs.Stance != "" && !chat.ValidStance(prefs.Stance) {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "stance must be agree, disagree, or neutral", nil)
	}
	if s.prefs == nil {
		return nil
	}
	return s.prefs.Save(ctx, networkIdentity, prefs)
}

// ChatBanStatus reconciles the identity's ban against the shared ledger and
// reports what is left of it.
func (s *Service) ChatBanStatus(ctx context.Context, networkIdentity string) map[string]any {
	status := s.hub.BanStatus(ctx, networkIdentity)
	payload := map[string]any{"banned": status.Banned}
	if status.Banned {
		payload["reason"] = status.Reason
		payload["secondsLeft"] = util.CeilSeconds(status.Remaining)
	}
	return payload
}
