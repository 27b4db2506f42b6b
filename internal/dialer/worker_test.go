package dialer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/voxrun/voice-runtime/internal/model"
)

type fakeStore struct {
	campaigns      map[string]*model.Campaign
	leads          map[string]*model.Lead
	rules          map[string]*model.CallingRules
	activeTenants  []string
	insertedCalls  []model.CallRecord
	jobUpdates     []model.DialerJob
	leadCompletion []model.CallOutcome
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		campaigns: map[string]*model.Campaign{},
		leads:     map[string]*model.Lead{},
		rules:     map[string]*model.CallingRules{},
	}
}

func (s *fakeStore) GetCampaign(ctx context.Context, tenantID, campaignID string) (*model.Campaign, error) {
	c, ok := s.campaigns[campaignID]
	if !ok {
		return nil, errors.New("campaign not found")
	}
	return c, nil
}

func (s *fakeStore) GetLead(ctx context.Context, tenantID, leadID string) (*model.Lead, error) {
	l, ok := s.leads[leadID]
	if !ok {
		return nil, errors.New("lead not found")
	}
	return l, nil
}

func (s *fakeStore) GetCallingRules(ctx context.Context, tenantID, rulesID string) (*model.CallingRules, error) {
	r, ok := s.rules[rulesID]
	if !ok {
		return nil, errors.New("rules not found")
	}
	return r, nil
}

func (s *fakeStore) ListActiveTenants(ctx context.Context) ([]string, error) {
	return s.activeTenants, nil
}

func (s *fakeStore) InsertCallRecord(ctx context.Context, rec model.CallRecord) error {
	s.insertedCalls = append(s.insertedCalls, rec)
	return nil
}

func (s *fakeStore) InsertDialerJob(ctx context.Context, job model.DialerJob) error { return nil }

func (s *fakeStore) UpdateDialerJobStatus(ctx context.Context, job model.DialerJob) error {
	s.jobUpdates = append(s.jobUpdates, job)
	return nil
}

func (s *fakeStore) UpdateLeadOnCompletion(ctx context.Context, tenantID, leadID string, outcome model.CallOutcome) error {
	s.leadCompletion = append(s.leadCompletion, outcome)
	return nil
}

type fakePlacer struct {
	externalUUID string
	err          error
	calls        int
}

func (p *fakePlacer) PlaceCall(ctx context.Context, tenantID, campaignID, leadID, phoneNumber, voiceID string) (string, error) {
	p.calls++
	if p.err != nil {
		return "", p.err
	}
	return p.externalUUID, nil
}

func newTestWorker(t *testing.T, cfg Config, store Store, placer CallPlacer) (*Worker, *Queue, *ActiveCallTracker) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	queue := NewQueue(client)
	tracker := NewActiveCallTracker(client)
	return NewWorker(cfg, queue, tracker, store, placer, zerolog.Nop()), queue, tracker
}

func workableRules() *model.CallingRules {
	return &model.CallingRules{
		TimeWindowStart:                "00:00",
		TimeWindowEnd:                  "23:59",
		Timezone:                       "UTC",
		AllowedWeekdays:                0b1111111,
		MaxConcurrentCalls:             5,
		RetryDelaySeconds:              60,
		MaxRetryAttempts:               3,
		MinHoursBetweenCallsToSameLead: 0,
	}
}

func TestTickReturnsErrEmptyWhenQueueEmpty(t *testing.T) {
	store := newFakeStore()
	worker, _, _ := newTestWorker(t, Config{SweepInterval: time.Minute}, store, &fakePlacer{})
	err := worker.tick(context.Background())
	if !errors.Is(err, ErrEmpty) {
		t.Fatalf("err = %v, want ErrEmpty", err)
	}
}

func TestProcessPlacesCallWhenAllowed(t *testing.T) {
	store := newFakeStore()
	store.campaigns["c1"] = &model.Campaign{ID: "c1", Status: model.CampaignRunning, CallingRulesRef: "r1", VoiceID: "v1"}
	store.leads["l1"] = &model.Lead{ID: "l1"}
	store.rules["r1"] = workableRules()
	placer := &fakePlacer{externalUUID: "ext-1"}

	worker, _, tracker := newTestWorker(t, Config{SweepInterval: time.Minute}, store, placer)

	job := model.DialerJob{JobID: "j1", TenantID: "t1", CampaignID: "c1", LeadID: "l1", PhoneNumber: "+15551234567"}
	if err := worker.process(context.Background(), job); err != nil {
		t.Fatalf("process: %v", err)
	}
	if placer.calls != 1 {
		t.Errorf("placer calls = %d, want 1", placer.calls)
	}
	if len(store.insertedCalls) != 1 || store.insertedCalls[0].ExternalCallUUID != "ext-1" {
		t.Errorf("insertedCalls = %+v", store.insertedCalls)
	}
	active, err := tracker.ActiveCalls(context.Background(), "t1", "c1")
	if err != nil {
		t.Fatalf("active calls: %v", err)
	}
	if active != 1 {
		t.Errorf("active calls = %d, want 1 after placement", active)
	}
}

func TestProcessSkipsWhenCampaignNotRunning(t *testing.T) {
	store := newFakeStore()
	store.campaigns["c1"] = &model.Campaign{ID: "c1", Status: model.CampaignPaused}
	placer := &fakePlacer{}
	worker, _, _ := newTestWorker(t, Config{SweepInterval: time.Minute}, store, placer)

	job := model.DialerJob{JobID: "j1", TenantID: "t1", CampaignID: "c1", LeadID: "l1"}
	if err := worker.process(context.Background(), job); err != nil {
		t.Fatalf("process: %v", err)
	}
	if placer.calls != 0 {
		t.Errorf("placer calls = %d, want 0 for a paused campaign", placer.calls)
	}
}

func TestProcessReschedulesWhenConcurrencyLimitHit(t *testing.T) {
	store := newFakeStore()
	rules := workableRules()
	rules.MaxConcurrentCalls = 1
	store.campaigns["c1"] = &model.Campaign{ID: "c1", Status: model.CampaignRunning, CallingRulesRef: "r1"}
	store.leads["l1"] = &model.Lead{ID: "l1"}
	store.rules["r1"] = rules
	placer := &fakePlacer{}

	worker, _, tracker := newTestWorker(t, Config{SweepInterval: time.Minute, ConcurrencyRetryDelay: time.Minute}, store, placer)
	if err := tracker.RegisterCallStart(context.Background(), "t1", "c1"); err != nil {
		t.Fatalf("register start: %v", err)
	}

	job := model.DialerJob{JobID: "j1", TenantID: "t1", CampaignID: "c1", LeadID: "l1"}
	if err := worker.process(context.Background(), job); err != nil {
		t.Fatalf("process: %v", err)
	}
	if placer.calls != 0 {
		t.Errorf("placer calls = %d, want 0 when concurrency limit reached", placer.calls)
	}
	if len(store.jobUpdates) != 1 || store.jobUpdates[0].Status != model.JobSkipped {
		t.Errorf("jobUpdates = %+v, want one skipped update", store.jobUpdates)
	}
}

func TestHandleCallCompletionReschedulesRetryableOutcome(t *testing.T) {
	store := newFakeStore()
	rules := *workableRules()
	worker, _, tracker := newTestWorker(t, Config{}, store, &fakePlacer{})
	if err := tracker.RegisterCallStart(context.Background(), "t1", "c1"); err != nil {
		t.Fatalf("register start: %v", err)
	}

	job := model.DialerJob{JobID: "j1", TenantID: "t1", CampaignID: "c1", LeadID: "l1", AttemptNumber: 0}
	if err := worker.HandleCallCompletion(context.Background(), job, rules, model.OutcomeNoAnswer, 0); err != nil {
		t.Fatalf("handle completion: %v", err)
	}
	if len(store.jobUpdates) != 1 || store.jobUpdates[0].Status != model.JobRetryScheduled {
		t.Errorf("jobUpdates = %+v, want one retry_scheduled update", store.jobUpdates)
	}
	active, err := tracker.ActiveCalls(context.Background(), "t1", "c1")
	if err != nil {
		t.Fatalf("active calls: %v", err)
	}
	if active != 0 {
		t.Errorf("active calls = %d, want 0 after completion", active)
	}
}

func TestHandleCallCompletionMarksGoalAchieved(t *testing.T) {
	store := newFakeStore()
	rules := *workableRules()
	worker, _, _ := newTestWorker(t, Config{}, store, &fakePlacer{})

	job := model.DialerJob{JobID: "j1", TenantID: "t1", CampaignID: "c1", LeadID: "l1"}
	if err := worker.HandleCallCompletion(context.Background(), job, rules, model.OutcomeGoalAchieved, 0); err != nil {
		t.Fatalf("handle completion: %v", err)
	}
	if len(store.jobUpdates) != 1 || store.jobUpdates[0].Status != model.JobGoalAchieved {
		t.Errorf("jobUpdates = %+v, want one goal_achieved update", store.jobUpdates)
	}
	if len(store.leadCompletion) != 1 || store.leadCompletion[0] != model.OutcomeGoalAchieved {
		t.Errorf("leadCompletion = %+v", store.leadCompletion)
	}
}

func TestHandleCallCompletionMarksNonRetryableFailed(t *testing.T) {
	store := newFakeStore()
	rules := *workableRules()
	worker, _, _ := newTestWorker(t, Config{}, store, &fakePlacer{})

	job := model.DialerJob{JobID: "j1", TenantID: "t1", CampaignID: "c1", LeadID: "l1"}
	if err := worker.HandleCallCompletion(context.Background(), job, rules, model.OutcomeInvalid, 0); err != nil {
		t.Fatalf("handle completion: %v", err)
	}
	if len(store.jobUpdates) != 1 || store.jobUpdates[0].Status != model.JobNonRetryable {
		t.Errorf("jobUpdates = %+v, want one non_retryable update", store.jobUpdates)
	}
}

func TestHandleCallCompletionStopsRetryingAfterMaxAttempts(t *testing.T) {
	store := newFakeStore()
	rules := *workableRules()
	rules.MaxRetryAttempts = 1
	worker, _, _ := newTestWorker(t, Config{}, store, &fakePlacer{})

	job := model.DialerJob{JobID: "j1", TenantID: "t1", CampaignID: "c1", LeadID: "l1", AttemptNumber: 1}
	if err := worker.HandleCallCompletion(context.Background(), job, rules, model.OutcomeNoAnswer, 0); err != nil {
		t.Fatalf("handle completion: %v", err)
	}
	if len(store.jobUpdates) != 1 || store.jobUpdates[0].Status != model.JobFailed {
		t.Errorf("jobUpdates = %+v, want one failed update once attempts are exhausted", store.jobUpdates)
	}
}

func TestRunStopsOnConsecutiveErrorBudget(t *testing.T) {
	store := &erroringStore{fakeStore: newFakeStore()}
	worker, _, _ := newTestWorker(t, Config{PollInterval: time.Millisecond, SweepInterval: time.Minute, MaxConsecutiveErrors: 2}, store, &fakePlacer{})

	err := worker.Run(context.Background())
	if err == nil {
		t.Fatal("expected Run to return an error after exhausting the consecutive error budget")
	}
}

type erroringStore struct {
	*fakeStore
}

func (s *erroringStore) ListActiveTenants(ctx context.Context) ([]string, error) {
	return nil, errors.New("boom")
}

func TestRunStopsCleanlyOnContextCancel(t *testing.T) {
	store := newFakeStore()
	worker, _, _ := newTestWorker(t, Config{PollInterval: time.Millisecond, SweepInterval: time.Minute, MaxConsecutiveErrors: 100}, store, &fakePlacer{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := worker.Run(ctx); err != nil {
		t.Fatalf("Run = %v, want nil on context cancellation", err)
	}
}
