package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestServer(t *testing.T) (*HTTPServer, *testEnv) {
	t.Helper()
	env := newTestEnv(t)
	return NewHTTPServer(env.svc, "*", true), env
}

func doJSON(t *testing.T, server *HTTPServer, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = strings.NewReader(string(raw))
	} else {
		reader = strings.NewReader("")
	}

	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	return rr
}

func parseBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response %q: %v", rr.Body.String(), err)
	}
	return payload
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestServer(t)

	rr := doJSON(t, server, http.MethodGet, "/api/health", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if payload := parseBody(t, rr); payload["ok"] != true {
		t.Fatalf("ok = %v, want true", payload["ok"])
	}
}

func TestReadyEndpoint(t *testing.T) {
	server, env := newTestServer(t)

	rr := doJSON(t, server, http.MethodGet, "/api/ready", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	payload := parseBody(t, rr)
	if payload["status"] != "ready" {
		t.Fatalf("status = %v, want ready", payload["status"])
	}

	env.store.pingErr = errors.New("connection refused")
	rr = doJSON(t, server, http.MethodGet, "/api/ready", "", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
	payload = parseBody(t, rr)
	checks := payload["checks"].(map[string]any)
	database := checks["database"].(map[string]any)
	if database["status"] != "error" {
		t.Fatalf("database check = %v", database)
	}
}

func TestOptionsAndCORS(t *testing.T) {
	server, _ := newTestServer(t)

	rr := doJSON(t, server, http.MethodOptions, "/api/issues", "", nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rr.Code)
	}
	if origin := rr.Header().Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Fatalf("CORS origin = %q, want *", origin)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("missing X-Request-ID header")
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	server, _ := newTestServer(t)

	rr := doJSON(t, server, http.MethodGet, "/api/nope", "", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
	if payload := parseBody(t, rr); payload["code"] != "NOT_FOUND" {
		t.Fatalf("code = %v", payload["code"])
	}
}

func TestSignUpVerifySignInFlow(t *testing.T) {
	server, _ := newTestServer(t)

	rr := doJSON(t, server, http.MethodPost, "/api/auth/signup", "", map[string]any{
		"email":       "casey@example.com",
		"password":    "longenough",
		"displayName": "Casey",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("signup status = %d: %s", rr.Code, rr.Body.String())
	}
	signup := parseBody(t, rr)
	verificationToken, _ := signup["devVerificationToken"].(string)
	if verificationToken == "" {
		t.Fatal("expected dev verification token when SMTP is not configured")
	}

	// Unverified accounts cannot sign in yet.
	rr = doJSON(t, server, http.MethodPost, "/api/auth/signin", "", map[string]any{
		"email":    "casey@example.com",
		"password": "longenough",
	})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("pre-verify signin status = %d, want 403", rr.Code)
	}

	rr = doJSON(t, server, http.MethodPost, "/api/auth/verify-email", "", map[string]any{"token": verificationToken})
	if rr.Code != http.StatusOK {
		t.Fatalf("verify status = %d: %s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, server, http.MethodPost, "/api/auth/signin", "", map[string]any{
		"email":    "casey@example.com",
		"password": "longenough",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("signin status = %d: %s", rr.Code, rr.Body.String())
	}
	signin := parseBody(t, rr)
	token, _ := signin["accessToken"].(string)
	if token == "" {
		t.Fatal("signin returned no access token")
	}

	rr = doJSON(t, server, http.MethodGet, "/api/session", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("session status = %d", rr.Code)
	}
	if payload := parseBody(t, rr); payload["authenticated"] != true || payload["userName"] != "Casey" {
		t.Fatalf("session payload = %v", payload)
	}
}

func TestIssueCRUD(t *testing.T) {
	server, env := newTestServer(t)
	user := env.seedUser(t, "editor")

	session, err := env.svc.CreateSession(t.Context(), user.ID)
	if err != nil {
		t.Fatalf("CreateSession() = %v", err)
	}

	// Mutations need a session.
	rr := doJSON(t, server, http.MethodPost, "/api/issues", "", map[string]any{"title": "x", "category": "y"})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated create status = %d, want 401", rr.Code)
	}

	rr = doJSON(t, server, http.MethodPost, "/api/issues", session.Token, map[string]any{
		"title":       "Four Day Work Week",
		"description": "Pilot results are in.",
		"content":     "Long form analysis.",
		"category":    "economy",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rr.Code, rr.Body.String())
	}
	created := parseBody(t, rr)
	slug, _ := created["slug"].(string)
	if slug != "four-day-work-week" {
		t.Fatalf("slug = %q", slug)
	}

	rr = doJSON(t, server, http.MethodGet, "/api/issues", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list status = %d", rr.Code)
	}
	if issues := parseBody(t, rr)["issues"].([]any); len(issues) != 1 {
		t.Fatalf("len(issues) = %d, want 1", len(issues))
	}

	rr = doJSON(t, server, http.MethodGet, "/api/issues/category/economy", "", nil)
	if issues := parseBody(t, rr)["issues"].([]any); len(issues) != 1 {
		t.Fatalf("len(category issues) = %d, want 1", len(issues))
	}

	rr = doJSON(t, server, http.MethodGet, "/api/issues/"+slug, "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get status = %d", rr.Code)
	}

	rr = doJSON(t, server, http.MethodPut, "/api/issues/"+slug, session.Token, map[string]any{
		"title":    "Four Day Work Week, Revisited",
		"category": "economy",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("update status = %d: %s", rr.Code, rr.Body.String())
	}
	if title := parseBody(t, rr)["title"]; title != "Four Day Work Week, Revisited" {
		t.Fatalf("title = %v", title)
	}

	rr = doJSON(t, server, http.MethodDelete, "/api/issues/"+slug, session.Token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rr.Code)
	}

	rr = doJSON(t, server, http.MethodGet, "/api/issues/"+slug, "", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("get after delete status = %d, want 404", rr.Code)
	}
}

func TestIssueCreateForbiddenForViewer(t *testing.T) {
	server, env := newTestServer(t)
	user := env.seedUser(t, "viewer")

	session, err := env.svc.CreateSession(t.Context(), user.ID)
	if err != nil {
		t.Fatalf("CreateSession() = %v", err)
	}

	rr := doJSON(t, server, http.MethodPost, "/api/issues", session.Token, map[string]any{
		"title":    "No Dice",
		"category": "politics",
	})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rr.Code)
	}
}

func TestChatSendAndHistory(t *testing.T) {
	server, _ := newTestServer(t)

	rr := doJSON(t, server, http.MethodPost, "/api/chat/transit-levy/messages", "", map[string]any{
		"sender_name": "sam",
		"stance":      "agree",
		"body":        "count me in",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("send status = %d: %s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, server, http.MethodGet, "/api/chat/transit-levy/messages", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("history status = %d", rr.Code)
	}
	messages := parseBody(t, rr)["messages"].([]any)
	if len(messages) != 1 {
		t.Fatalf("len(messages) = %d, want 1", len(messages))
	}

	rr = doJSON(t, server, http.MethodGet, "/api/chat/transit-levy/messages?stance=disagree", "", nil)
	if messages := parseBody(t, rr)["messages"].([]any); len(messages) != 0 {
		t.Fatalf("len(filtered) = %d, want 0", len(messages))
	}
}

func TestChatRejectionAndBan(t *testing.T) {
	server, _ := newTestServer(t)

	// Missing display name is a plain rejection.
	rr := doJSON(t, server, http.MethodPost, "/api/chat/transit-levy/messages", "", map[string]any{
		"stance": "agree",
		"body":   "hello",
	})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rr.Code)
	}
	if payload := parseBody(t, rr); payload["code"] != "CHAT_REJECTED" {
		t.Fatalf("code = %v", payload["code"])
	}

	// Spam gets the sender banned with a countdown.
	rr = doJSON(t, server, http.MethodPost, "/api/chat/transit-levy/messages", "", map[string]any{
		"sender_name": "spammer",
		"stance":      "neutral",
		"body":        "win the lottery at www.example.com",
	})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403: %s", rr.Code, rr.Body.String())
	}
	payload := parseBody(t, rr)
	if payload["code"] != "CHAT_BANNED" {
		t.Fatalf("code = %v", payload["code"])
	}
	details := payload["details"].(map[string]any)
	if retry := details["retryAfterSeconds"].(float64); retry <= 0 || retry > 120 {
		t.Fatalf("retryAfterSeconds = %v", retry)
	}

	// The ban is visible on the status endpoint for the same identity.
	rr = doJSON(t, server, http.MethodGet, "/api/chat/ban", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("ban status = %d", rr.Code)
	}
	ban := parseBody(t, rr)
	if ban["banned"] != true {
		t.Fatalf("banned = %v, want true", ban["banned"])
	}
	if ban["reason"] != "spam detected" {
		t.Fatalf("reason = %v", ban["reason"])
	}

	// And every later send bounces off it.
	rr = doJSON(t, server, http.MethodPost, "/api/chat/transit-levy/messages", "", map[string]any{
		"sender_name": "spammer",
		"stance":      "neutral",
		"body":        "a perfectly fine message",
	})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rr.Code)
	}
}

func TestChatPrefsRoundTrip(t *testing.T) {
	server, _ := newTestServer(t)

	rr := doJSON(t, server, http.MethodGet, "/api/chat/prefs", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if payload := parseBody(t, rr); payload["sender_name"] != "" {
		t.Fatalf("expected zero prefs, got %v", payload)
	}

	rr = doJSON(t, server, http.MethodPut, "/api/chat/prefs", "", map[string]any{
		"sender_name": "sam",
		"stance":      "disagree",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("save status = %d: %s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, server, http.MethodGet, "/api/chat/prefs", "", nil)
	payload := parseBody(t, rr)
	if payload["sender_name"] != "sam" || payload["stance"] != "disagree" {
		t.Fatalf("prefs = %v", payload)
	}

	rr = doJSON(t, server, http.MethodPut, "/api/chat/prefs", "", map[string]any{
		"sender_name": strings.Repeat("x", 21),
	})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("oversized name status = %d, want 422", rr.Code)
	}
}

func TestSearchEndpointWithoutBackend(t *testing.T) {
	server, _ := newTestServer(t)

	rr := doJSON(t, server, http.MethodGet, "/api/search?q=anything", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	payload := parseBody(t, rr)
	if fmt.Sprintf("%v", payload["query"]) != "anything" {
		t.Fatalf("query = %v", payload["query"])
	}
}
