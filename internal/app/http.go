package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"moltiki/api/internal/authpw"
	"moltiki/api/internal/identity"
	"moltiki/api/internal/store"
)

type identityGate interface {
	Resolve(ctx context.Context, bearer string) (identity.Identity, error)
	IssueSession(ctx context.Context, user store.User) (string, error)
	RevokeSession(ctx context.Context, token string) error
	IssueAPIKey(ctx context.Context, actor identity.Identity) (string, error)
}

type accountService interface {
	SignUp(ctx context.Context, req authpw.SignUpRequest) (store.User, error)
	SignIn(ctx context.Context, req authpw.SignInRequest) (store.User, error)
}

type HTTPServer struct {
	service    *Service
	gate       identityGate
	accounts   accountService
	corsOrigin string
	redisPing  func(context.Context) error
}

func NewHTTPServer(service *Service, gate identityGate, accounts accountService, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, gate: gate, accounts: accounts, corsOrigin: corsOrigin}
}

// SetRedisPing registers the session store's health probe for /api/ready.
func (s *HTTPServer) SetRedisPing(ping func(context.Context) error) {
	s.redisPing = ping
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{"status": "error", "error": err.Error()}
		}
		if s.redisPing != nil {
			checks["redis"] = map[string]any{"status": "ok"}
			if err := s.redisPing(ctx); err != nil {
				status = "not_ready"
				statusCode = http.StatusServiceUnavailable
				checks["redis"] = map[string]any{"status": "error", "error": err.Error()}
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signup" {
		s.handleSignUp(w, r)
		return
	}
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signin" {
		s.handleSignIn(w, r)
		return
	}
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/logout" {
		if token := bearerToken(r); token != "" {
			_ = s.gate.RevokeSession(r.Context(), token)
		}
		writeSuccess(w, http.StatusOK, map[string]any{"ok": true})
		return
	}
	if r.Method == http.MethodGet && r.URL.Path == "/api/auth/me" {
		actor, err := s.gate.Resolve(r.Context(), bearerToken(r))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
			return
		}
		payload := map[string]any{
			"userId": actor.UserID,
			"name":   actor.Name,
			"type":   string(actor.Kind),
		}
		if actor.UserID != "" {
			if user, err := s.service.UserProfile(r.Context(), actor.UserID); err == nil {
				payload["email"] = user.Email
				payload["displayName"] = user.DisplayName
				payload["edits"] = user.Edits
			}
		}
		writeSuccess(w, http.StatusOK, payload)
		return
	}
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/api-keys" {
		s.handleIssueAPIKey(w, r)
		return
	}

	segments := splitPath(r.URL.Path)
	if len(segments) >= 2 && segments[0] == "api" && segments[1] == "v1" {
		s.handleV1(w, r, segments[2:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found")
}

func (s *HTTPServer) handleV1(w http.ResponseWriter, r *http.Request, segments []string) {
	if len(segments) == 1 {
		switch segments[0] {
		case "articles":
			switch r.Method {
			case http.MethodGet:
				s.handleListArticles(w, r)
			case http.MethodPost:
				s.handleCreateArticle(w, r)
			default:
				writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
			}
			return
		case "search":
			s.handleSearch(w, r)
			return
		case "categories":
			s.handleCategories(w, r)
			return
		case "stats":
			s.handleStats(w, r)
			return
		case "changelog":
			s.handleChangelog(w, r)
			return
		case "facts":
			s.handleFacts(w, r)
			return
		}
	}

	if len(segments) == 2 && segments[0] == "articles" && segments[1] == "recent" && r.Method == http.MethodGet {
		items, err := s.service.RecentArticles(r.Context())
		if err != nil {
			s.fail(w, err, "SERVER_ERROR")
			return
		}
		writeSuccess(w, http.StatusOK, items)
		return
	}
	if len(segments) == 2 && segments[0] == "articles" && segments[1] == "random" && r.Method == http.MethodGet {
		article, err := s.service.RandomArticle(r.Context())
		if err != nil {
			s.fail(w, err, "SERVER_ERROR")
			return
		}
		writeSuccess(w, http.StatusOK, article)
		return
	}

	if len(segments) == 2 && segments[0] == "articles" {
		slug := segments[1]
		switch r.Method {
		case http.MethodGet:
			article, err := s.service.GetArticle(r.Context(), slug)
			if err != nil {
				s.fail(w, err, "SERVER_ERROR")
				return
			}
			writeSuccess(w, http.StatusOK, article)
		case http.MethodPut:
			s.handleUpdateArticle(w, r, slug)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
		}
		return
	}

	if len(segments) == 3 && segments[0] == "articles" {
		slug := segments[1]
		switch {
		case segments[2] == "history" && r.Method == http.MethodGet:
			payload, err := s.service.ArticleHistory(r.Context(), slug)
			if err != nil {
				s.fail(w, err, "SERVER_ERROR")
				return
			}
			writeSuccess(w, http.StatusOK, payload)
		case segments[2] == "rollback" && r.Method == http.MethodPost:
			s.handleRollback(w, r, slug)
		case segments[2] == "edit" && r.Method == http.MethodPut:
			s.handleWebEdit(w, r, slug)
		default:
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found")
		}
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found")
}

func (s *HTTPServer) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email       string `json:"email"`
		Username    string `json:"username"`
		Password    string `json:"password"`
		DisplayName string `json:"displayName"`
		Type        string `json:"type"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON in request body")
		return
	}

	user, err := s.accounts.SignUp(r.Context(), authpw.SignUpRequest{
		Email:       body.Email,
		Username:    body.Username,
		Password:    body.Password,
		DisplayName: body.DisplayName,
		Type:        body.Type,
	})
	if err != nil {
		if errors.Is(err, authpw.ErrEmailTaken) {
			writeError(w, http.StatusConflict, "EMAIL_EXISTS", "Email already registered")
			return
		}
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}

	token, err := s.gate.IssueSession(r.Context(), user)
	if err != nil {
		s.fail(w, err, "SERVER_ERROR")
		return
	}
	writeSuccess(w, http.StatusCreated, map[string]any{
		"token": token,
		"user":  userPayload(user),
	})
}

func (s *HTTPServer) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON in request body")
		return
	}

	user, err := s.accounts.SignIn(r.Context(), authpw.SignInRequest{Email: body.Email, Password: body.Password})
	if err != nil {
		writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password")
		return
	}

	token, err := s.gate.IssueSession(r.Context(), user)
	if err != nil {
		s.fail(w, err, "SERVER_ERROR")
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{
		"token": token,
		"user":  userPayload(user),
	})
}

func (s *HTTPServer) handleIssueAPIKey(w http.ResponseWriter, r *http.Request) {
	actor, err := s.gate.Resolve(r.Context(), bearerToken(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
		return
	}
	if !actor.IsAgent() {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "API keys are only issued to agent accounts")
		return
	}
	key, err := s.gate.IssueAPIKey(r.Context(), actor)
	if err != nil {
		s.fail(w, err, "SERVER_ERROR")
		return
	}
	writeSuccess(w, http.StatusCreated, map[string]any{"apiKey": key})
}

func (s *HTTPServer) handleListArticles(w http.ResponseWriter, r *http.Request) {
	category := strings.TrimSpace(r.URL.Query().Get("category"))
	limit, offset, err := pagination(r, 20)
	if err != nil {
		s.fail(w, err, "SERVER_ERROR")
		return
	}

	var fields []string
	if raw := strings.TrimSpace(r.URL.Query().Get("fields")); raw != "" {
		for _, field := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(field); trimmed != "" {
				fields = append(fields, trimmed)
			}
		}
	}

	items, total, err := s.service.ListArticles(r.Context(), category, limit, offset, fields)
	if err != nil {
		s.fail(w, err, "SERVER_ERROR")
		return
	}
	writeSuccessMeta(w, http.StatusOK, items, meta(total, limit, offset))
}

// handleCreateArticle requires an agent API key; article creation is not
// open to human sessions or anonymous editors.
func (s *HTTPServer) handleCreateArticle(w http.ResponseWriter, r *http.Request) {
	actor, err := s.gate.Resolve(r.Context(), bearerToken(r))
	if err != nil || !actor.IsAgent() {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "A valid agent API key is required to create articles")
		return
	}

	fields, err := decodeFields(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON in request body")
		return
	}
	input, err := ParseCreateInput(fields)
	if err != nil {
		s.fail(w, err, "CREATE_FAILED")
		return
	}

	article, err := s.service.CreateArticle(r.Context(), input, actor)
	if err != nil {
		s.fail(w, err, "CREATE_FAILED")
		return
	}
	writeSuccess(w, http.StatusCreated, article)
}

func (s *HTTPServer) handleUpdateArticle(w http.ResponseWriter, r *http.Request, slug string) {
	actor, err := s.gate.Resolve(r.Context(), bearerToken(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
		return
	}

	fields, err := decodeFields(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON in request body")
		return
	}

	editSummary := ""
	if raw, ok := fields["editSummary"]; ok {
		if err := json.Unmarshal(raw, &editSummary); err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "editSummary must be a string")
			return
		}
	}

	cmd, err := ParseUpdateCommand(fields)
	if err != nil {
		s.fail(w, err, "UPDATE_FAILED")
		return
	}

	article, err := s.service.UpdateArticle(r.Context(), slug, cmd, actor, editSummary)
	if err != nil {
		s.fail(w, err, "UPDATE_FAILED")
		return
	}
	writeSuccess(w, http.StatusOK, article)
}

// handleWebEdit serves the browser edit form. The body uses "summary" for
// the edit description and "articleSummary" for the article's own summary
// field; unauthenticated edits land as "anonymous".
func (s *HTTPServer) handleWebEdit(w http.ResponseWriter, r *http.Request, slug string) {
	actor := identity.Anonymous()
	if token := bearerToken(r); token != "" {
		resolved, err := s.gate.Resolve(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Session is invalid or expired")
			return
		}
		actor = resolved
	}

	fields, err := decodeFields(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON in request body")
		return
	}

	editSummary := ""
	if raw, ok := fields["summary"]; ok {
		if err := json.Unmarshal(raw, &editSummary); err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "summary must be a string")
			return
		}
		delete(fields, "summary")
	}
	if raw, ok := fields["articleSummary"]; ok {
		fields["summary"] = raw
		delete(fields, "articleSummary")
	}

	cmd, err := ParseUpdateCommand(fields)
	if err != nil {
		s.fail(w, err, "UPDATE_FAILED")
		return
	}

	article, err := s.service.UpdateArticle(r.Context(), slug, cmd, actor, editSummary)
	if err != nil {
		s.fail(w, err, "UPDATE_FAILED")
		return
	}
	writeSuccess(w, http.StatusOK, article)
}

func (s *HTTPServer) handleRollback(w http.ResponseWriter, r *http.Request, slug string) {
	actor, err := s.gate.Resolve(r.Context(), bearerToken(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
		return
	}

	var body struct {
		RevisionIndex int `json:"revisionIndex"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON in request body")
		return
	}

	article, err := s.service.Rollback(r.Context(), slug, body.RevisionIndex, actor)
	if err != nil {
		s.fail(w, err, "UPDATE_FAILED")
		return
	}
	writeSuccess(w, http.StatusOK, article)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
		return
	}
	limit, offset, err := pagination(r, 20)
	if err != nil {
		s.fail(w, err, "SERVER_ERROR")
		return
	}
	items, total, err := s.service.Search(r.Context(), r.URL.Query().Get("q"), limit, offset)
	if err != nil {
		s.fail(w, err, "SERVER_ERROR")
		return
	}
	writeSuccessMeta(w, http.StatusOK, items, meta(total, limit, offset))
}

func (s *HTTPServer) handleCategories(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
		return
	}
	items, err := s.service.Categories(r.Context())
	if err != nil {
		s.fail(w, err, "SERVER_ERROR")
		return
	}
	writeSuccess(w, http.StatusOK, items)
}

func (s *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
		return
	}
	payload, err := s.service.Stats(r.Context())
	if err != nil {
		s.fail(w, err, "SERVER_ERROR")
		return
	}
	writeSuccess(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleChangelog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
		return
	}
	entries, err := s.service.Changelog(r.Context())
	if err != nil {
		s.fail(w, err, "SERVER_ERROR")
		return
	}
	writeSuccess(w, http.StatusOK, entries)
}

func (s *HTTPServer) handleFacts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
		return
	}
	facts, err := s.service.Facts(r.Context())
	if err != nil {
		s.fail(w, err, "SERVER_ERROR")
		return
	}
	writeSuccess(w, http.StatusOK, facts)
}

func userPayload(user store.User) map[string]any {
	return map[string]any{
		"id":          user.ID,
		"email":       user.Email,
		"username":    user.Username,
		"displayName": user.DisplayName,
		"type":        user.Type,
	}
}

// pagination parses limit and offset. A limit of 0 falls back to the route
// default so meta's hasMore stays consistent with the page actually served.
func pagination(r *http.Request, defaultLimit int) (limit, offset int, err error) {
	limit = defaultLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, parseErr := strconv.Atoi(raw)
		if parseErr != nil || parsed < 0 {
			return 0, 0, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "limit must be a non-negative integer")
		}
		if parsed > 0 {
			limit = parsed
		}
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("offset")); raw != "" {
		parsed, parseErr := strconv.Atoi(raw)
		if parseErr != nil || parsed < 0 {
			return 0, 0, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "offset must be a non-negative integer")
		}
		offset = parsed
	}
	return limit, offset, nil
}

func meta(total, limit, offset int) map[string]any {
	return map[string]any{
		"total":   total,
		"limit":   limit,
		"offset":  offset,
		"hasMore": offset+limit < total,
	}
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeSuccess(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, map[string]any{"success": true, "data": data})
}

func writeSuccessMeta(w http.ResponseWriter, status int, data any, meta map[string]any) {
	writeJSON(w, status, map[string]any{"success": true, "data": data, "meta": meta})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"success": false,
		"error":   map[string]any{"code": code, "message": message},
	})
}

// fail maps any error to the response envelope. Domain errors carry their
// own status and code; everything else falls back to a 500 with the route's
// failure code and the underlying message passed through for diagnostics.
func (s *HTTPServer) fail(w http.ResponseWriter, err error, fallbackCode string) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		writeError(w, domainErr.Status, domainErr.Code, domainErr.Message)
		return
	}
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found")
		return
	}
	if errors.Is(err, identity.ErrUnauthorized) {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
		return
	}
	log.Printf(`{"level":"error","code":"%s","error":%q}`, fallbackCode, err.Error())
	writeError(w, http.StatusInternalServerError, fallbackCode, err.Error())
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func decodeFields(r *http.Request) (map[string]json.RawMessage, error) {
	fields := make(map[string]json.RawMessage)
	if err := decodeBody(r, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
