package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"fieldsync/internal/model"
	"fieldsync/internal/queue"
	"fieldsync/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeEngine struct {
	enqueued   []model.Action
	enqueueErr error
	resolveErr error
	resolved   [][2]string
	status     service.Status
	letters    []model.Action
	syncCalls  int
}

func (f *fakeEngine) Enqueue(ctx context.Context, action model.Action, projection queue.Projection) (*model.Action, error) {
	if f.enqueueErr != nil {
		return nil, f.enqueueErr
	}
	action.ID = uuid.New().String()
	action.Status = model.StatusPending
	f.enqueued = append(f.enqueued, action)
	return &action, nil
}

func (f *fakeEngine) ResolveConflict(ctx context.Context, actionID, decision string) error {
	if f.resolveErr != nil {
		return f.resolveErr
	}
	f.resolved = append(f.resolved, [2]string{actionID, decision})
	return nil
}

func (f *fakeEngine) Status() service.Status               { return f.status }
func (f *fakeEngine) DeadLetters() []model.Action          { return f.letters }
func (f *fakeEngine) PendingForEntity(string) []model.Action { return nil }
func (f *fakeEngine) SyncNow()                             { f.syncCalls++ }

func doRequest(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func newTestRouter(engine *fakeEngine) *gin.Engine {
	r := gin.New()
	h := NewActionHandler(engine, nil)
	s := NewStatusHandler(engine, service.NewSession(), nil)
	r.POST("/v1/actions", h.EnqueueAction)
	r.GET("/v1/actions/dead-letter", h.ListDeadLetters)
	r.POST("/v1/actions/:id/resolve", h.ResolveAction)
	r.GET("/v1/sync/status", s.GetStatus)
	r.POST("/v1/sync/now", s.SyncNow)
	r.GET("/health", s.HealthCheck)
	return r
}

func TestEnqueueAction_Accepted(t *testing.T) {
	engine := &fakeEngine{}
	r := newTestRouter(engine)

	w := doRequest(r, http.MethodPost, "/v1/actions",
		`{"entity_key":"task:9","kind":"update_task_status","payload":{"status":"arrived_site"},"base_version":4}`)

	if w.Code != http.StatusAccepted {
		t.Fatalf("code = %d, body = %s", w.Code, w.Body.String())
	}
	if len(engine.enqueued) != 1 {
		t.Fatalf("enqueued = %d actions", len(engine.enqueued))
	}
	got := engine.enqueued[0]
	if got.EntityKey != "task:9" || got.Kind != "update_task_status" || got.BaseVersion != 4 {
		t.Errorf("captured action = %+v", got)
	}
}

func TestEnqueueAction_MissingFieldsRejected(t *testing.T) {
	r := newTestRouter(&fakeEngine{})
	w := doRequest(r, http.MethodPost, "/v1/actions", `{"payload":{}}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("code = %d, want 400", w.Code)
	}
}

func TestEnqueueAction_StorageFailureIs507(t *testing.T) {
	engine := &fakeEngine{enqueueErr: errors.New("disk full")}
	r := newTestRouter(engine)

	w := doRequest(r, http.MethodPost, "/v1/actions", `{"entity_key":"task:9","kind":"clock_in"}`)
	if w.Code != http.StatusInsufficientStorage {
		t.Errorf("code = %d, want 507 so the UI warns the action was lost", w.Code)
	}
}

func TestResolveAction_Dispositions(t *testing.T) {
	cases := []struct {
		name     string
		body     string
		err      error
		wantCode int
	}{
		{"retry ok", `{"decision":"retry"}`, nil, http.StatusOK},
		{"discard ok", `{"decision":"discard"}`, nil, http.StatusOK},
		{"bad decision", `{"decision":"shrug"}`, nil, http.StatusBadRequest},
		{"unknown action", `{"decision":"retry"}`, queue.ErrActionNotFound, http.StatusNotFound},
		{"not dead-lettered", `{"decision":"retry"}`, queue.ErrNotDeadLetter, http.StatusConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			engine := &fakeEngine{resolveErr: tc.err}
			r := newTestRouter(engine)
			w := doRequest(r, http.MethodPost, "/v1/actions/abc/resolve", tc.body)
			if w.Code != tc.wantCode {
				t.Errorf("code = %d, want %d, body = %s", w.Code, tc.wantCode, w.Body.String())
			}
		})
	}
}

func TestListDeadLetters(t *testing.T) {
	engine := &fakeEngine{letters: []model.Action{
		{ID: "a1", EntityKey: "task:1", Status: model.StatusFailedPermanent, LastError: "invalid task"},
		{ID: "a2", EntityKey: "approval:2", Status: model.StatusConflicted},
	}}
	r := newTestRouter(engine)

	w := doRequest(r, http.MethodGet, "/v1/actions/dead-letter", "")
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d", w.Code)
	}
	var body struct {
		Data []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Data) != 2 || body.Data[0].ID != "a1" || body.Data[1].Status != model.StatusConflicted {
		t.Errorf("body = %+v", body)
	}
}

func TestGetStatus_ProjectsEngineState(t *testing.T) {
	engine := &fakeEngine{status: service.Status{
		State:        service.StateHasConflicts,
		Online:       true,
		PendingCount: 3,
		Conflicts:    []string{"a9"},
	}}
	r := newTestRouter(engine)

	w := doRequest(r, http.MethodGet, "/v1/sync/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d", w.Code)
	}
	var got service.Status
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.State != service.StateHasConflicts || got.PendingCount != 3 || len(got.Conflicts) != 1 {
		t.Errorf("status = %+v", got)
	}
}

func TestSyncNow_Accepted(t *testing.T) {
	engine := &fakeEngine{}
	r := newTestRouter(engine)

	w := doRequest(r, http.MethodPost, "/v1/sync/now", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("code = %d, want 202", w.Code)
	}
	if engine.syncCalls != 1 {
		t.Errorf("sync calls = %d", engine.syncCalls)
	}
}
