package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"langy/internal/auth"
	"langy/internal/config"
	"langy/internal/models"
	"langy/internal/service/ai"
	"langy/internal/service/ai/mock"
	"langy/internal/service/assistant"
	"langy/internal/service/transcript"
	"langy/internal/storage"
	"langy/internal/worker"
)

func TestHandlersWaffleBotFlow(t *testing.T) {
	client := &mock.Client{Replies: []mock.Reply{
		{Fragments: []string{"One ", "Belgian ", "waffle, coming up!"}, Usage: models.Usage{PromptTokens: 20, CompletionTokens: 6}},
	}}
	srv := newTestServer(t, client)

	profilesResp := doJSONRequest(t, srv.router, http.MethodGet, "/api/profiles", nil, nil)
	assertStatus(t, profilesResp, http.StatusOK)
	var profilesBody struct {
		Profiles []struct {
			Name string `json:"name"`
		} `json:"profiles"`
	}
	decodeJSON(t, profilesResp.Body.Bytes(), &profilesBody)
	if len(profilesBody.Profiles) != 3 {
		t.Fatalf("expected 3 profiles, got %d", len(profilesBody.Profiles))
	}

	creds := createSession(t, srv.router, "wafflebot")
	if len(creds.messages) != 1 || creds.messages[0].Role != models.RoleAssistant {
		t.Fatalf("expected greeting only, got %#v", creds.messages)
	}

	sendResp := doJSONRequest(t, srv.router, http.MethodPost, "/api/session/msg",
		map[string]string{"content": "A Belgian waffle please"}, creds.headers())
	assertStatus(t, sendResp, http.StatusOK)
	if ct := sendResp.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("expected event stream, got %q", ct)
	}
	events := parseSSE(t, sendResp.Body.String())
	if len(events) != 5 {
		t.Fatalf("expected ack, 3 stream events and done, got %d: %#v", len(events), events)
	}
	if events[0].Name != "ack" {
		t.Fatalf("expected first SSE event to be ack, got %s", events[0].Name)
	}
	var ackPayload struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	}
	decodeJSON(t, []byte(events[0].Data), &ackPayload)
	if ackPayload.Message.Content != "A Belgian waffle please" {
		t.Fatalf("ack payload mismatch: %q", ackPayload.Message.Content)
	}
	var streamed strings.Builder
	for _, evt := range events[1:4] {
		if evt.Name != "stream" {
			t.Fatalf("expected stream event, got %s", evt.Name)
		}
		var chunk struct {
			Content string `json:"content"`
		}
		decodeJSON(t, []byte(evt.Data), &chunk)
		streamed.WriteString(chunk.Content)
	}
	if streamed.String() != "One Belgian waffle, coming up!" {
		t.Fatalf("unexpected streamed text %q", streamed.String())
	}
	if events[4].Name != "done" {
		t.Fatalf("expected done event, got %s", events[4].Name)
	}
	var done struct {
		Committed bool         `json:"committed"`
		Reply     string       `json:"reply"`
		Usage     models.Usage `json:"usage"`
		HTML      string       `json:"html"`
	}
	decodeJSON(t, []byte(events[4].Data), &done)
	if !done.Committed || done.Reply != "One Belgian waffle, coming up!" || done.HTML == "" {
		t.Fatalf("unexpected done payload %#v", done)
	}

	getResp := doJSONRequest(t, srv.router, http.MethodGet, "/api/session", nil, creds.headers())
	assertStatus(t, getResp, http.StatusOK)
	var state struct {
		Turns    int              `json:"turns"`
		Messages []models.Message `json:"messages"`
	}
	decodeJSON(t, getResp.Body.Bytes(), &state)
	if state.Turns != 1 || len(state.Messages) != 3 {
		t.Fatalf("unexpected session state %#v", state)
	}

	historyResp := doJSONRequest(t, srv.router, http.MethodGet, "/api/session/history", nil, creds.headers())
	assertStatus(t, historyResp, http.StatusOK)
	var history struct {
		Conversation models.Session           `json:"conversation"`
		Messages     []models.ArchivedMessage `json:"messages"`
	}
	decodeJSON(t, historyResp.Body.Bytes(), &history)
	if len(history.Messages) != 4 {
		t.Fatalf("expected seed plus one turn archived, got %d", len(history.Messages))
	}
	if history.Conversation.TotalTokens != 26 {
		t.Fatalf("expected 26 archived tokens, got %d", history.Conversation.TotalTokens)
	}

	clearResp := doJSONRequest(t, srv.router, http.MethodPost, "/api/session/clear", nil, creds.headers())
	assertStatus(t, clearResp, http.StatusOK)
	decodeJSON(t, clearResp.Body.Bytes(), &state)
	if state.Turns != 0 || len(state.Messages) != 1 {
		t.Fatalf("clear did not reset the conversation: %#v", state)
	}

	endResp := doJSONRequest(t, srv.router, http.MethodDelete, "/api/session", nil, creds.headers())
	assertStatus(t, endResp, http.StatusNoContent)
	afterResp := doJSONRequest(t, srv.router, http.MethodGet, "/api/session", nil, creds.headers())
	assertStatus(t, afterResp, http.StatusUnauthorized)
}

func TestHandlersTutorTurn(t *testing.T) {
	client := &mock.Client{Replies: []mock.Reply{
		{Text: `{"level": "A2", "level_reason": "Short sentence.", "corrected_text": "Ich bin 25 Jahre alt."}`},
		{Text: `{"1": "Age uses sein."}`},
	}}
	srv := newTestServer(t, client)
	creds := createSession(t, srv.router, "langy")

	resp := doJSONRequest(t, srv.router, http.MethodPost, "/api/session/msg",
		map[string]string{"content": "Ich habe 25 Jahre alt."}, creds.headers())
	assertStatus(t, resp, http.StatusOK)
	events := parseSSE(t, resp.Body.String())
	if len(events) != 2 || events[0].Name != "ack" || events[1].Name != "done" {
		t.Fatalf("expected ack and done, got %#v", events)
	}
	var done struct {
		Committed bool `json:"committed"`
		Analysis  struct {
			Level string `json:"level"`
		} `json:"analysis"`
		Reasons map[string]string `json:"reasons"`
		HTML    string            `json:"html"`
	}
	decodeJSON(t, []byte(events[1].Data), &done)
	if !done.Committed || done.Analysis.Level != "A2" {
		t.Fatalf("unexpected tutor result %#v", done)
	}
	if done.Reasons["1"] != "Age uses sein." {
		t.Fatalf("expected reason for change 1, got %#v", done.Reasons)
	}
	if !strings.Contains(done.HTML, "<del>") || !strings.Contains(done.HTML, "<ins>") {
		t.Fatalf("expected redline markup, got %s", done.HTML)
	}
}

func TestHandlersProviderFailureIsReportedInDone(t *testing.T) {
	client := &mock.Client{Replies: []mock.Reply{
		{Err: &ai.Failure{Provider: "mock", Err: errors.New("upstream 500")}},
	}}
	srv := newTestServer(t, client)
	creds := createSession(t, srv.router, "wafflebot")

	resp := doJSONRequest(t, srv.router, http.MethodPost, "/api/session/msg",
		map[string]string{"content": "hello"}, creds.headers())
	assertStatus(t, resp, http.StatusOK)
	events := parseSSE(t, resp.Body.String())
	last := events[len(events)-1]
	if last.Name != "done" {
		t.Fatalf("expected done event, got %s", last.Name)
	}
	var done struct {
		Committed bool   `json:"committed"`
		Notice    string `json:"notice"`
	}
	decodeJSON(t, []byte(last.Data), &done)
	if done.Committed || done.Notice == "" {
		t.Fatalf("expected an uncommitted turn with a notice, got %#v", done)
	}

	getResp := doJSONRequest(t, srv.router, http.MethodGet, "/api/session", nil, creds.headers())
	var state struct {
		Turns int `json:"turns"`
	}
	decodeJSON(t, getResp.Body.Bytes(), &state)
	if state.Turns != 0 {
		t.Fatalf("failed turn changed the conversation")
	}
}

func TestHandlersMissingProviderIsReportedInDone(t *testing.T) {
	srv := newTestServerWithSource(t, mock.Source{Err: errors.New("openai: api key not configured")})
	creds := createSession(t, srv.router, "wafflebot")

	resp := doJSONRequest(t, srv.router, http.MethodPost, "/api/session/msg",
		map[string]string{"content": "hello"}, creds.headers())
	assertStatus(t, resp, http.StatusOK)
	events := parseSSE(t, resp.Body.String())
	last := events[len(events)-1]
	if last.Name != "done" {
		t.Fatalf("expected done event, got %s", last.Name)
	}
	if strings.Contains(last.Data, "api key") {
		t.Fatalf("internal error leaked to the client: %s", last.Data)
	}
	var done struct {
		Committed bool   `json:"committed"`
		Notice    string `json:"notice"`
	}
	decodeJSON(t, []byte(last.Data), &done)
	if done.Committed || done.Notice == "" {
		t.Fatalf("expected an uncommitted turn with a notice, got %#v", done)
	}
}

func TestHandlersRejections(t *testing.T) {
	srv := newTestServer(t, &mock.Client{Replies: []mock.Reply{{Text: "ok"}}})

	resp := doJSONRequest(t, srv.router, http.MethodPost, "/api/sessions", map[string]string{"profile": "nope"}, nil)
	assertStatus(t, resp, http.StatusBadRequest)

	resp = doJSONRequest(t, srv.router, http.MethodGet, "/api/session", nil, nil)
	assertStatus(t, resp, http.StatusUnauthorized)

	creds := createSession(t, srv.router, "wafflebot")

	resp = doJSONRequest(t, srv.router, http.MethodPost, "/api/session/msg",
		map[string]string{"content": "   "}, creds.headers())
	assertStatus(t, resp, http.StatusBadRequest)

	noCSRF := creds.headers()
	delete(noCSRF, "X-CSRF-Token")
	resp = doJSONRequest(t, srv.router, http.MethodPost, "/api/session/msg",
		map[string]string{"content": "hi"}, noCSRF)
	assertStatus(t, resp, http.StatusForbidden)
}

func TestHandlersBusyQueue(t *testing.T) {
	srv := newTestServer(t, &mock.Client{Replies: []mock.Reply{{Text: "ok"}}})
	creds := createSession(t, srv.router, "wafflebot")

	srv.workers.submitErr = worker.ErrDispatcherBusy
	resp := doJSONRequest(t, srv.router, http.MethodPost, "/api/session/msg",
		map[string]string{"content": "hello"}, creds.headers())
	assertStatus(t, resp, http.StatusTooManyRequests)
	var body struct {
		Error string `json:"error"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.Error != "server is busy, please retry" {
		t.Fatalf("unexpected error message %q", body.Error)
	}
}

func TestHandlersSweptSessionIsNotFound(t *testing.T) {
	srv := newTestServer(t, &mock.Client{Replies: []mock.Reply{{Text: "ok"}}})
	creds := createSession(t, srv.router, "wafflebot")

	srv.workers.Drop(creds.id)
	resp := doJSONRequest(t, srv.router, http.MethodGet, "/api/session", nil, creds.headers())
	assertStatus(t, resp, http.StatusNotFound)
}

// --- helpers ---

type testServer struct {
	router  *gin.Engine
	db      *sql.DB
	workers *stubbornManager
}

// stubbornManager fails Submit with submitErr when set.
type stubbornManager struct {
	*worker.Manager
	submitErr error
}

func (m *stubbornManager) Submit(ctx context.Context, sessionID, text string, chunkFn assistant.ChunkFunc) (*assistant.TurnResult, error) {
	if m.submitErr != nil {
		return nil, m.submitErr
	}
	return m.Manager.Submit(ctx, sessionID, text, chunkFn)
}

func newTestServer(t *testing.T, client ai.Client) *testServer {
	t.Helper()
	return newTestServerWithSource(t, mock.Source{Use: client})
}

func newTestServerWithSource(t *testing.T, clients assistant.ClientSource) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	profiles, err := config.LoadProfiles("")
	if err != nil {
		t.Fatalf("load profiles: %v", err)
	}
	asst := assistant.NewService(profiles, clients)
	archive := transcript.NewService(db)
	manager := worker.NewManager(asst, worker.DispatcherConfig{MinWorkers: 1, MaxWorkers: 2, QueueSize: 8}, worker.WithArchive(archive))
	workers := &stubbornManager{Manager: manager}
	authSvc := auth.NewService(db, nil, time.Hour)

	handler := NewHandler(asst, workers, archive, authSvc, 5*time.Second)
	router := gin.New()
	handler.RegisterRoutes(router)

	t.Cleanup(func() {
		manager.Stop()
		db.Close()
	})
	return &testServer{router: router, db: db, workers: workers}
}

type sessionCreds struct {
	id       string
	token    string
	csrf     string
	messages []models.Message
}

// headers authenticates with cookies the way a browser does.
func (s sessionCreds) headers() map[string]string {
	return map[string]string{
		"Cookie":       "langy_session=" + s.token + "; langy_csrf=" + s.csrf,
		"X-CSRF-Token": s.csrf,
	}
}

func createSession(t *testing.T, router *gin.Engine, profile string) sessionCreds {
	t.Helper()
	resp := doJSONRequest(t, router, http.MethodPost, "/api/sessions", map[string]string{"profile": profile}, nil)
	assertStatus(t, resp, http.StatusCreated)
	var body struct {
		ID       string           `json:"id"`
		Messages []models.Message `json:"messages"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	creds := sessionCreds{id: body.ID, messages: body.Messages}
	for _, ck := range resp.Result().Cookies() {
		switch ck.Name {
		case "langy_session":
			creds.token = ck.Value
		case "langy_csrf":
			creds.csrf = ck.Value
		}
	}
	if creds.id == "" || creds.token == "" || creds.csrf == "" {
		t.Fatalf("session not issued: %#v", creds)
	}
	return creds
}

type sseEvent struct {
	Name string
	Data string
}

func parseSSE(t *testing.T, payload string) []sseEvent {
	t.Helper()
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil
	}
	chunks := strings.Split(payload, "\n\n")
	var events []sseEvent
	for _, chunk := range chunks {
		lines := strings.Split(strings.TrimSpace(chunk), "\n")
		if len(lines) == 0 {
			continue
		}
		var evt sseEvent
		for _, line := range lines {
			switch {
			case strings.HasPrefix(line, "event:"):
				evt.Name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
				if evt.Data == "" {
					evt.Data = data
				} else {
					evt.Data += "\n" + data
				}
			}
		}
		events = append(events, evt)
	}
	return events
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, body: %s", rec.Code, rec.Body.String())
	}
}
