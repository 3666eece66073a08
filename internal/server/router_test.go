package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/aspect-build/trustgraph/internal/server/db"
)

func newTestRouter(t *testing.T, cfg *Config) (*gin.Engine, *db.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store, err := db.NewStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if cfg == nil {
		cfg = &Config{ImageDir: "/images"}
	}
	return NewRouter(store, cfg), store
}

func TestCreateAndFetchTask(t *testing.T) {
	r, _ := newTestRouter(t, nil)

	body := `{"gateway":{"endpoint":"https://gw.example.com","metadata":{}}}`
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/tasks", strings.NewReader(body)))
	if w.Code != http.StatusAccepted {
		t.Fatalf("got status %d, want %d: %s", w.Code, http.StatusAccepted, w.Body.String())
	}
	var created struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("parse create response: %v", err)
	}
	if created.ID == "" || created.Status != db.StatusPending {
		t.Fatalf("unexpected create response: %+v", created)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/tasks/"+created.ID, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("got status %d, want %d", w.Code, http.StatusOK)
	}
	var fetched struct {
		ID      string          `json:"id"`
		Status  string          `json:"status"`
		Request json.RawMessage `json:"request"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &fetched); err != nil {
		t.Fatalf("parse get response: %v", err)
	}
	if fetched.Status != db.StatusPending {
		t.Fatalf("got status %q, want %q", fetched.Status, db.StatusPending)
	}
	if !strings.Contains(string(fetched.Request), "gw.example.com") {
		t.Fatalf("request body not round-tripped: %s", fetched.Request)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	r, _ := newTestRouter(t, nil)

	cases := []struct {
		name string
		body string
	}{
		{"no targets", `{}`},
		{"gateway without endpoint", `{"gateway":{"metadata":{}}}`},
		{"hosted app without app id", `{"app":{"hosted_url":"https://host.example.com","metadata":{}}}`},
		{"unknown field", `{"gatway":{"endpoint":"x"}}`},
		{"not json", `{{{`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/tasks", strings.NewReader(tc.body)))
			if w.Code != http.StatusBadRequest {
				t.Fatalf("got status %d, want %d: %s", w.Code, http.StatusBadRequest, w.Body.String())
			}
		})
	}
}

func TestGetTaskNotFound(t *testing.T) {
	r, _ := newTestRouter(t, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/tasks/nope", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("got status %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestListTasks(t *testing.T) {
	r, store := newTestRouter(t, nil)
	for _, id := range []string{"a", "b"} {
		if err := store.CreateTask(&db.Task{ID: id, Request: []byte(`{}`)}); err != nil {
			t.Fatalf("CreateTask(%s): %v", id, err)
		}
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/tasks", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("got status %d, want %d", w.Code, http.StatusOK)
	}
	var resp struct {
		Tasks []struct {
			ID string `json:"id"`
		} `json:"tasks"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("parse list response: %v", err)
	}
	if len(resp.Tasks) != 2 {
		t.Fatalf("got %d tasks, want 2", len(resp.Tasks))
	}
}

func TestCreateTaskSubmitAuth(t *testing.T) {
	token := "0123456789abcdef0123456789abcdef"
	r, _ := newTestRouter(t, &Config{ImageDir: "/images", AdminToken: token})

	body := `{"gateway":{"endpoint":"https://gw.example.com","metadata":{}}}`

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/tasks", strings.NewReader(body)))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("got status %d, want %d without a token", w.Code, http.StatusUnauthorized)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/tasks", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer wrong-"+token)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("got status %d, want %d with a bad token", w.Code, http.StatusUnauthorized)
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/tasks", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusAccepted {
		t.Fatalf("got status %d, want %d with a token: %s", w.Code, http.StatusAccepted, w.Body.String())
	}

	// Reads stay open.
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/tasks", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("got status %d, want %d for unauthenticated read", w.Code, http.StatusOK)
	}
}
