package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"moltiki/api/internal/authpw"
	"moltiki/api/internal/identity"
	"moltiki/api/internal/store"
)

type fakeGate struct {
	resolveFn func(context.Context, string) (identity.Identity, error)
	issuedKey string
}

func (g *fakeGate) Resolve(ctx context.Context, bearer string) (identity.Identity, error) {
	if g.resolveFn != nil {
		return g.resolveFn(ctx, bearer)
	}
	return identity.Identity{}, identity.ErrUnauthorized
}

func (g *fakeGate) IssueSession(context.Context, store.User) (string, error) {
	return "session-token", nil
}

func (g *fakeGate) RevokeSession(context.Context, string) error { return nil }

func (g *fakeGate) IssueAPIKey(context.Context, identity.Identity) (string, error) {
	if g.issuedKey != "" {
		return g.issuedKey, nil
	}
	return identity.KeyPrefix + "abcdef", nil
}

type fakeAccounts struct {
	signUpFn func(context.Context, authpw.SignUpRequest) (store.User, error)
	signInFn func(context.Context, authpw.SignInRequest) (store.User, error)
}

func (a *fakeAccounts) SignUp(ctx context.Context, req authpw.SignUpRequest) (store.User, error) {
	if a.signUpFn != nil {
		return a.signUpFn(ctx, req)
	}
	return store.User{ID: "usr_1", Email: req.Email, Username: req.Username}, nil
}

func (a *fakeAccounts) SignIn(ctx context.Context, req authpw.SignInRequest) (store.User, error) {
	if a.signInFn != nil {
		return a.signInFn(ctx, req)
	}
	return store.User{}, authpw.ErrInvalidCredentials
}

func agentGate() *fakeGate {
	return &fakeGate{
		resolveFn: func(_ context.Context, bearer string) (identity.Identity, error) {
			if bearer == "moltiki_validkey" {
				return agentActor(), nil
			}
			return identity.Identity{}, identity.ErrUnauthorized
		},
	}
}

func newTestServer(fake *fakeStore, gate *fakeGate) *HTTPServer {
	return NewHTTPServer(newTestService(fake), gate, &fakeAccounts{}, "*")
}

func doRequest(t *testing.T, server *HTTPServer, method, path, body, bearer string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	payload := map[string]any{}
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
			t.Fatalf("parse response %q: %v", rr.Body.String(), err)
		}
	}
	return rr, payload
}

func errorCode(t *testing.T, payload map[string]any) string {
	t.Helper()
	if payload["success"] != false {
		t.Fatalf("expected success=false envelope, got %v", payload)
	}
	errObj, ok := payload["error"].(map[string]any)
	if !ok {
		t.Fatalf("missing error object in %v", payload)
	}
	code, _ := errObj["code"].(string)
	return code
}

func TestHealthEndpoint(t *testing.T) {
	server := newTestServer(newFakeStore(), &fakeGate{})
	rr, payload := doRequest(t, server, http.MethodGet, "/api/health", "", "")
	if rr.Code != http.StatusOK || payload["ok"] != true {
		t.Fatalf("health = %d %v", rr.Code, payload)
	}
}

func TestListArticlesEnvelopeAndMeta(t *testing.T) {
	fake := newFakeStore()
	svc := newTestService(fake)
	for _, title := range []string{"Alpha", "Beta", "Gamma"} {
		if _, err := svc.CreateArticle(context.Background(), createInput(title), agentActor()); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	server := NewHTTPServer(svc, &fakeGate{}, &fakeAccounts{}, "*")

	rr, payload := doRequest(t, server, http.MethodGet, "/api/v1/articles?limit=2&offset=0", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	if payload["success"] != true {
		t.Fatalf("success = %v", payload["success"])
	}
	data, ok := payload["data"].([]any)
	if !ok || len(data) != 2 {
		t.Fatalf("data = %v", payload["data"])
	}
	meta, ok := payload["meta"].(map[string]any)
	if !ok {
		t.Fatalf("missing meta in %v", payload)
	}
	if meta["total"] != float64(3) || meta["limit"] != float64(2) || meta["offset"] != float64(0) {
		t.Fatalf("meta = %v", meta)
	}
	if meta["hasMore"] != true {
		t.Fatalf("hasMore = %v, want true", meta["hasMore"])
	}

	rr, payload = doRequest(t, server, http.MethodGet, "/api/v1/articles?limit=2&offset=2", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	meta = payload["meta"].(map[string]any)
	if meta["hasMore"] != false {
		t.Fatalf("hasMore = %v on last page", meta["hasMore"])
	}
}

func TestCreateArticleRequiresAgentKey(t *testing.T) {
	server := newTestServer(newFakeStore(), agentGate())

	body := `{"title":"New","emoji":"🆕","summary":"s","sections":[{"id":"s1","title":"T","content":"c"}],"categories":["science"]}`

	rr, payload := doRequest(t, server, http.MethodPost, "/api/v1/articles", body, "")
	if rr.Code != http.StatusUnauthorized || errorCode(t, payload) != "UNAUTHORIZED" {
		t.Fatalf("anonymous create: %d %v", rr.Code, payload)
	}

	rr, payload = doRequest(t, server, http.MethodPost, "/api/v1/articles", body, "moltiki_validkey")
	if rr.Code != http.StatusCreated {
		t.Fatalf("agent create: %d body=%s", rr.Code, rr.Body.String())
	}
	data := payload["data"].(map[string]any)
	if data["slug"] != "new" {
		t.Fatalf("created slug = %v", data["slug"])
	}
}

func TestCreateArticleValidationCodes(t *testing.T) {
	server := newTestServer(newFakeStore(), agentGate())

	rr, payload := doRequest(t, server, http.MethodPost, "/api/v1/articles", `{"title":"Only Title"}`, "moltiki_validkey")
	if rr.Code != http.StatusBadRequest || errorCode(t, payload) != "MISSING_FIELDS" {
		t.Fatalf("missing fields: %d %v", rr.Code, payload)
	}

	rr, payload = doRequest(t, server, http.MethodPost, "/api/v1/articles", `{"title":`, "moltiki_validkey")
	if rr.Code != http.StatusBadRequest || errorCode(t, payload) != "INVALID_JSON" {
		t.Fatalf("malformed body: %d %v", rr.Code, payload)
	}

	deep := `{"title":"Deep","emoji":"x","summary":"s","categories":["science"],` +
		`"sections":[{"id":"a","title":"A","content":"c","subsections":[{"id":"b","title":"B","content":"c","subsections":[{"id":"c","title":"C","content":"c"}]}]}]}`
	rr, payload = doRequest(t, server, http.MethodPost, "/api/v1/articles", deep, "moltiki_validkey")
	if rr.Code != http.StatusBadRequest || errorCode(t, payload) != "INVALID_SECTIONS" {
		t.Fatalf("deep sections: %d %v", rr.Code, payload)
	}

	empty := `{"title":"Empty Cats","emoji":"x","summary":"s","sections":[{"id":"a","title":"A","content":"c"}],"categories":[]}`
	rr, payload = doRequest(t, server, http.MethodPost, "/api/v1/articles", empty, "moltiki_validkey")
	if rr.Code != http.StatusBadRequest || errorCode(t, payload) != "INVALID_CATEGORIES" {
		t.Fatalf("empty categories: %d %v", rr.Code, payload)
	}
}

func TestGetArticleNotFoundEnvelope(t *testing.T) {
	server := newTestServer(newFakeStore(), &fakeGate{})
	rr, payload := doRequest(t, server, http.MethodGet, "/api/v1/articles/missing", "", "")
	if rr.Code != http.StatusNotFound || errorCode(t, payload) != "NOT_FOUND" {
		t.Fatalf("missing article: %d %v", rr.Code, payload)
	}
}

func TestSearchRouteRejectsShortQuery(t *testing.T) {
	server := newTestServer(newFakeStore(), &fakeGate{})
	rr, payload := doRequest(t, server, http.MethodGet, "/api/v1/search?q=a", "", "")
	if rr.Code != http.StatusBadRequest || errorCode(t, payload) != "INVALID_QUERY" {
		t.Fatalf("short query: %d %v", rr.Code, payload)
	}
}

func TestSearchRouteFindsSubstring(t *testing.T) {
	fake := newFakeStore()
	svc := newTestService(fake)
	if _, err := svc.CreateArticle(context.Background(), createInput("Quantum Computing"), agentActor()); err != nil {
		t.Fatalf("create: %v", err)
	}
	server := NewHTTPServer(svc, &fakeGate{}, &fakeAccounts{}, "*")

	rr, payload := doRequest(t, server, http.MethodGet, "/api/v1/search?q=quan", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("search: %d body=%s", rr.Code, rr.Body.String())
	}
	data := payload["data"].([]any)
	if len(data) != 1 {
		t.Fatalf("data = %v", data)
	}
	hit := data[0].(map[string]any)
	if hit["slug"] != "quantum-computing" || hit["relevance"] != float64(1) {
		t.Fatalf("hit = %v", hit)
	}
}

func TestWebEditAllowsAnonymousAndRemapsSummary(t *testing.T) {
	fake := newFakeStore()
	svc := newTestService(fake)
	if _, err := svc.CreateArticle(context.Background(), createInput("Honey"), agentActor()); err != nil {
		t.Fatalf("create: %v", err)
	}
	server := NewHTTPServer(svc, &fakeGate{}, &fakeAccounts{}, "*")

	body := `{"summary":"Fixed a typo","articleSummary":"Bees make it.","title":"Honey"}`
	rr, payload := doRequest(t, server, http.MethodPut, "/api/v1/articles/honey/edit", body, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("web edit: %d body=%s", rr.Code, rr.Body.String())
	}
	data := payload["data"].(map[string]any)
	if data["summary"] != "Bees make it." {
		t.Fatalf("article summary = %v", data["summary"])
	}
	history := data["history"].([]any)
	newest := history[0].(map[string]any)
	if newest["summary"] != "Fixed a typo" {
		t.Fatalf("edit summary = %v", newest["summary"])
	}
	if newest["editor"] != "anonymous" {
		t.Fatalf("editor = %v, want anonymous", newest["editor"])
	}
}

func TestUpdateRouteRequiresAuth(t *testing.T) {
	fake := newFakeStore()
	svc := newTestService(fake)
	if _, err := svc.CreateArticle(context.Background(), createInput("Honey"), agentActor()); err != nil {
		t.Fatalf("create: %v", err)
	}
	server := NewHTTPServer(svc, agentGate(), &fakeAccounts{}, "*")

	rr, payload := doRequest(t, server, http.MethodPut, "/api/v1/articles/honey", `{"title":"Nope"}`, "")
	if rr.Code != http.StatusUnauthorized || errorCode(t, payload) != "UNAUTHORIZED" {
		t.Fatalf("unauthenticated update: %d %v", rr.Code, payload)
	}

	rr, payload = doRequest(t, server, http.MethodPut, "/api/v1/articles/honey", `{"title":"Yes"}`, "moltiki_validkey")
	if rr.Code != http.StatusOK {
		t.Fatalf("agent update: %d body=%s", rr.Code, rr.Body.String())
	}
	data := payload["data"].(map[string]any)
	if data["title"] != "Yes" {
		t.Fatalf("title = %v", data["title"])
	}
}

func TestRollbackRoute(t *testing.T) {
	fake := newFakeStore()
	svc := newTestService(fake)
	ctx := context.Background()
	if _, err := svc.CreateArticle(ctx, createInput("Honey"), agentActor()); err != nil {
		t.Fatalf("create: %v", err)
	}
	replacement := sections("Vandalized.")
	if _, err := svc.UpdateArticle(ctx, "honey", UpdateCommand{Sections: &replacement}, agentActor(), ""); err != nil {
		t.Fatalf("update: %v", err)
	}
	server := NewHTTPServer(svc, agentGate(), &fakeAccounts{}, "*")

	rr, payload := doRequest(t, server, http.MethodPost, "/api/v1/articles/honey/rollback", `{"revisionIndex":1}`, "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous rollback: %d %v", rr.Code, payload)
	}

	rr, payload = doRequest(t, server, http.MethodPost, "/api/v1/articles/honey/rollback", `{"revisionIndex":0}`, "moltiki_validkey")
	if rr.Code != http.StatusBadRequest || errorCode(t, payload) != "INVALID_TARGET" {
		t.Fatalf("rollback to current: %d %v", rr.Code, payload)
	}

	rr, payload = doRequest(t, server, http.MethodPost, "/api/v1/articles/honey/rollback", `{"revisionIndex":1}`, "moltiki_validkey")
	if rr.Code != http.StatusOK {
		t.Fatalf("rollback: %d body=%s", rr.Code, rr.Body.String())
	}
	data := payload["data"].(map[string]any)
	sectionsOut := data["sections"].([]any)
	first := sectionsOut[0].(map[string]any)
	if first["content"] != "First body." {
		t.Fatalf("restored content = %v", first["content"])
	}
}

func TestSignInRoute(t *testing.T) {
	accounts := &fakeAccounts{
		signInFn: func(_ context.Context, req authpw.SignInRequest) (store.User, error) {
			if req.Email == "sam@example.com" && req.Password == "correct-horse" {
				return store.User{ID: "usr_sam", Email: req.Email, Username: "sam", Type: "human"}, nil
			}
			return store.User{}, authpw.ErrInvalidCredentials
		},
	}
	server := NewHTTPServer(newTestService(newFakeStore()), &fakeGate{}, accounts, "*")

	rr, payload := doRequest(t, server, http.MethodPost, "/api/auth/signin", `{"email":"sam@example.com","password":"wrong"}`, "")
	if rr.Code != http.StatusUnauthorized || errorCode(t, payload) != "INVALID_CREDENTIALS" {
		t.Fatalf("bad password: %d %v", rr.Code, payload)
	}

	rr, payload = doRequest(t, server, http.MethodPost, "/api/auth/signin", `{"email":"sam@example.com","password":"correct-horse"}`, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("signin: %d body=%s", rr.Code, rr.Body.String())
	}
	data := payload["data"].(map[string]any)
	if data["token"] != "session-token" {
		t.Fatalf("token = %v", data["token"])
	}
}

func TestAPIKeyIssuanceIsAgentOnly(t *testing.T) {
	gate := &fakeGate{
		resolveFn: func(_ context.Context, bearer string) (identity.Identity, error) {
			switch bearer {
			case "human-session":
				return identity.Identity{UserID: "usr_sam", Name: "sam", Kind: identity.KindHuman}, nil
			case "agent-session":
				return agentActor(), nil
			}
			return identity.Identity{}, identity.ErrUnauthorized
		},
		issuedKey: identity.KeyPrefix + "fresh",
	}
	server := newTestServer(newFakeStore(), gate)

	rr, payload := doRequest(t, server, http.MethodPost, "/api/auth/api-keys", "", "human-session")
	if rr.Code != http.StatusForbidden || errorCode(t, payload) != "FORBIDDEN" {
		t.Fatalf("human key request: %d %v", rr.Code, payload)
	}

	rr, payload = doRequest(t, server, http.MethodPost, "/api/auth/api-keys", "", "agent-session")
	if rr.Code != http.StatusCreated {
		t.Fatalf("agent key request: %d body=%s", rr.Code, rr.Body.String())
	}
	data := payload["data"].(map[string]any)
	if data["apiKey"] != identity.KeyPrefix+"fresh" {
		t.Fatalf("apiKey = %v", data["apiKey"])
	}
}

func TestUpdateRoutePassesThroughStoreFailureMessage(t *testing.T) {
	fake := newFakeStore()
	svc := newTestService(fake)
	if _, err := svc.CreateArticle(context.Background(), createInput("Honey"), agentActor()); err != nil {
		t.Fatalf("create: %v", err)
	}
	fake.replaceArticleFn = func(context.Context, store.Article) error {
		return errors.New("pq: deadlock detected")
	}
	server := NewHTTPServer(svc, agentGate(), &fakeAccounts{}, "*")

	rr, payload := doRequest(t, server, http.MethodPut, "/api/v1/articles/honey", `{"title":"x"}`, "moltiki_validkey")
	if rr.Code != http.StatusInternalServerError || errorCode(t, payload) != "UPDATE_FAILED" {
		t.Fatalf("store failure: %d %v", rr.Code, payload)
	}
	message := payload["error"].(map[string]any)["message"].(string)
	if !strings.Contains(message, "pq: deadlock detected") {
		t.Fatalf("underlying failure message not passed through: %q", message)
	}
}

func TestListArticlesZeroLimitUsesDefault(t *testing.T) {
	fake := newFakeStore()
	svc := newTestService(fake)
	for _, title := range []string{"Alpha", "Beta", "Gamma"} {
		if _, err := svc.CreateArticle(context.Background(), createInput(title), agentActor()); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	server := NewHTTPServer(svc, &fakeGate{}, &fakeAccounts{}, "*")

	rr, payload := doRequest(t, server, http.MethodGet, "/api/v1/articles?limit=0", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	meta := payload["meta"].(map[string]any)
	if meta["limit"] != float64(20) {
		t.Fatalf("limit = %v, want route default 20", meta["limit"])
	}
	if meta["hasMore"] != false {
		t.Fatalf("hasMore = %v with every article served", meta["hasMore"])
	}
	if data := payload["data"].([]any); len(data) != 3 {
		t.Fatalf("data length = %d", len(data))
	}
}

func TestAuthMeIncludesProfile(t *testing.T) {
	fake := newFakeStore()
	fake.users["usr_sam"] = store.User{
		ID: "usr_sam", Email: "sam@example.com", Username: "sam",
		DisplayName: "Sam", Type: "human", Edits: 7,
	}
	gate := &fakeGate{
		resolveFn: func(_ context.Context, bearer string) (identity.Identity, error) {
			if bearer == "human-session" {
				return identity.Identity{UserID: "usr_sam", Name: "sam", Kind: identity.KindHuman}, nil
			}
			return identity.Identity{}, identity.ErrUnauthorized
		},
	}
	server := newTestServer(fake, gate)

	rr, payload := doRequest(t, server, http.MethodGet, "/api/auth/me", "", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous /me: %d %v", rr.Code, payload)
	}

	rr, payload = doRequest(t, server, http.MethodGet, "/api/auth/me", "", "human-session")
	if rr.Code != http.StatusOK {
		t.Fatalf("/me: %d body=%s", rr.Code, rr.Body.String())
	}
	data := payload["data"].(map[string]any)
	if data["name"] != "sam" || data["type"] != "human" {
		t.Fatalf("identity = %v", data)
	}
	if data["email"] != "sam@example.com" || data["edits"] != float64(7) {
		t.Fatalf("profile = %v", data)
	}
}

func TestUnknownRouteReturnsNotFound(t *testing.T) {
	server := newTestServer(newFakeStore(), &fakeGate{})
	rr, payload := doRequest(t, server, http.MethodGet, "/api/v1/nope", "", "")
	if rr.Code != http.StatusNotFound || errorCode(t, payload) != "NOT_FOUND" {
		t.Fatalf("unknown route: %d %v", rr.Code, payload)
	}
}
