package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/voxrun/voice-runtime/internal/model"
)

type fakeStore struct {
	campaigns      map[string]*model.Campaign
	rules          map[string]*model.CallingRules
	pendingLeads   map[string][]model.Lead
	insertedJobs   []model.DialerJob
	statusUpdates  map[string]model.CampaignStatus
	callsByUUID    map[string]*model.CallRecord
	jobsByCall     map[string]*model.DialerJob
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		campaigns:     map[string]*model.Campaign{},
		rules:         map[string]*model.CallingRules{},
		pendingLeads:  map[string][]model.Lead{},
		statusUpdates: map[string]model.CampaignStatus{},
		callsByUUID:   map[string]*model.CallRecord{},
		jobsByCall:    map[string]*model.DialerJob{},
	}
}

func (f *fakeStore) GetCampaign(ctx context.Context, tenantID, campaignID string) (*model.Campaign, error) {
	if c, ok := f.campaigns[campaignID]; ok {
		return c, nil
	}
	return nil, errNotFound
}
func (f *fakeStore) GetCallingRules(ctx context.Context, tenantID, rulesID string) (*model.CallingRules, error) {
	if r, ok := f.rules[rulesID]; ok {
		return r, nil
	}
	return nil, errNotFound
}
func (f *fakeStore) ListPendingLeads(ctx context.Context, tenantID, campaignID string) ([]model.Lead, error) {
	return f.pendingLeads[campaignID], nil
}
func (f *fakeStore) InsertDialerJob(ctx context.Context, job model.DialerJob) error {
	f.insertedJobs = append(f.insertedJobs, job)
	return nil
}
func (f *fakeStore) UpdateCampaignStatus(ctx context.Context, tenantID, campaignID string, status model.CampaignStatus) error {
	f.statusUpdates[campaignID] = status
	return nil
}
func (f *fakeStore) FindCallByExternalUUID(ctx context.Context, externalCallUUID string) (*model.CallRecord, error) {
	if r, ok := f.callsByUUID[externalCallUUID]; ok {
		return r, nil
	}
	return nil, errNotFound
}
func (f *fakeStore) GetDialerJobByCallID(ctx context.Context, tenantID, callID string) (*model.DialerJob, error) {
	if j, ok := f.jobsByCall[callID]; ok {
		return j, nil
	}
	return nil, errNotFound
}

type fakeEnqueuer struct {
	enqueued []model.DialerJob
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, job model.DialerJob) error {
	f.enqueued = append(f.enqueued, job)
	return nil
}

var errNotFound = &notFoundError{}

type notFoundError struct{}

func (e *notFoundError) Error() string { return "not found" }

func newTestRouter(h *Handlers) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h.Register(r)
	return r
}

func TestHandleAnswerReturnsConnectAction(t *testing.T) {
	h := New(newFakeStore(), &fakeEnqueuer{}, nil, zerolog.Nop())
	r := newTestRouter(h)

	body, _ := json.Marshal(answerRequest{UUID: "uuid-1", To: "+15551234567", From: "+15557654321"})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/answer", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if !bytes.Contains(w.Body.Bytes(), []byte("uuid-1")) {
		t.Errorf("response missing call uuid: %s", w.Body.String())
	}
}

func TestHandleAnswerRejectsMissingFields(t *testing.T) {
	h := New(newFakeStore(), &fakeEnqueuer{}, nil, zerolog.Nop())
	r := newTestRouter(h)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/answer", bytes.NewReader([]byte(`{"uuid":"u1"}`)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestHandleEventIgnoresUnknownStatus(t *testing.T) {
	h := New(newFakeStore(), &fakeEnqueuer{}, nil, zerolog.Nop())
	r := newTestRouter(h)

	body, _ := json.Marshal(eventRequest{UUID: "uuid-1", Status: "ringing_forever"})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/event", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if !bytes.Contains(w.Body.Bytes(), []byte(`"ignored":true`)) {
		t.Errorf("expected ignored response, got %s", w.Body.String())
	}
}

func TestHandleEventUnresolvedCallReturnsNotFound(t *testing.T) {
	h := New(newFakeStore(), &fakeEnqueuer{}, nil, zerolog.Nop())
	r := newTestRouter(h)

	body, _ := json.Marshal(eventRequest{UUID: "does-not-exist", Status: "busy"})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/event", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestHandleCampaignStartEnqueuesPendingLeads(t *testing.T) {
	store := newFakeStore()
	store.campaigns["camp-1"] = &model.Campaign{ID: "camp-1", TenantID: "tenant-1", VoiceID: "v1"}
	store.pendingLeads["camp-1"] = []model.Lead{
		{ID: "lead-1", CampaignID: "camp-1", TenantID: "tenant-1", PhoneNumber: "+15551230001"},
		{ID: "lead-2", CampaignID: "camp-1", TenantID: "tenant-1", PhoneNumber: "+15551230002"},
	}
	enqueuer := &fakeEnqueuer{}
	h := New(store, enqueuer, nil, zerolog.Nop())
	r := newTestRouter(h)

	req := httptest.NewRequest(http.MethodPost, "/campaigns/camp-1/start", nil)
	req.Header.Set("X-Tenant-ID", "tenant-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if len(enqueuer.enqueued) != 2 {
		t.Fatalf("enqueued %d jobs, want 2", len(enqueuer.enqueued))
	}
	if store.statusUpdates["camp-1"] != model.CampaignRunning {
		t.Errorf("campaign status = %q, want running", store.statusUpdates["camp-1"])
	}
}

func TestHandleCampaignStartRequiresTenantHeader(t *testing.T) {
	h := New(newFakeStore(), &fakeEnqueuer{}, nil, zerolog.Nop())
	r := newTestRouter(h)

	req := httptest.NewRequest(http.MethodPost, "/campaigns/camp-1/start", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestHandleCampaignPauseUpdatesStatus(t *testing.T) {
	store := newFakeStore()
	h := New(store, &fakeEnqueuer{}, nil, zerolog.Nop())
	r := newTestRouter(h)

	req := httptest.NewRequest(http.MethodPost, "/campaigns/camp-1/pause", nil)
	req.Header.Set("X-Tenant-ID", "tenant-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if store.statusUpdates["camp-1"] != model.CampaignPaused {
		t.Errorf("campaign status = %q, want paused", store.statusUpdates["camp-1"])
	}
}
