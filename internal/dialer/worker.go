package dialer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/voxrun/voice-runtime/internal/model"
	"github.com/voxrun/voice-runtime/internal/observability"
)

// CallPlacer instructs the telephony adapter to place exactly one outbound
// call, returning the provider-side call identifier.
type CallPlacer interface {
	PlaceCall(ctx context.Context, tenantID, campaignID, leadID, phoneNumber, voiceID string) (externalCallUUID string, err error)
}

// Store is the subset of persistence.Store the worker needs: campaign/
// lead/rules lookups, active-tenant discovery, and call-record/job/lead
// writes. Declared here so the worker can be tested against a fake without
// importing the persistence package's pgx dependency.
type Store interface {
	GetCampaign(ctx context.Context, tenantID, campaignID string) (*model.Campaign, error)
	GetLead(ctx context.Context, tenantID, leadID string) (*model.Lead, error)
	GetCallingRules(ctx context.Context, tenantID, rulesID string) (*model.CallingRules, error)
	ListActiveTenants(ctx context.Context) ([]string, error)
	InsertCallRecord(ctx context.Context, rec model.CallRecord) error
	InsertDialerJob(ctx context.Context, job model.DialerJob) error
	UpdateDialerJobStatus(ctx context.Context, job model.DialerJob) error
	UpdateLeadOnCompletion(ctx context.Context, tenantID, leadID string, outcome model.CallOutcome) error
}

// Config tunes the worker loop's polling and sweep cadence and its error
// budget.
type Config struct {
	PollInterval             time.Duration
	SweepInterval            time.Duration
	ConcurrencyRetryDelay    time.Duration // applied on concurrent_limit_reached / cooldown_not_elapsed
	MaxConsecutiveErrors     int
}

// Worker runs the dialer loop: promote due retries, dequeue a job, enforce
// scheduling rules, place the call, and record the outcome once it arrives
// asynchronously via handle_call_completion.
type Worker struct {
	cfg      Config
	queue    *Queue
	tracker  *ActiveCallTracker
	store    Store
	placer   CallPlacer
	log      zerolog.Logger
	lastSweep time.Time
}

// NewWorker builds a Worker. voiceID defaults to the campaign's VoiceID
// automatically; callers never need to pass it explicitly.
func NewWorker(cfg Config, queue *Queue, tracker *ActiveCallTracker, store Store, placer CallPlacer, log zerolog.Logger) *Worker {
	return &Worker{cfg: cfg, queue: queue, tracker: tracker, store: store, placer: placer, log: log}
}

// Run blocks, driving the loop until ctx is cancelled or the consecutive
// error budget is exhausted, in which case it returns a non-nil error (the
// caller — cmd/dialer — maps this to exit code 2).
func (w *Worker) Run(ctx context.Context) error {
	consecutiveErrors := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := w.tick(ctx); err != nil {
			if errors.Is(err, ErrEmpty) {
				consecutiveErrors = 0
				select {
				case <-time.After(w.cfg.PollInterval):
				case <-ctx.Done():
					return nil
				}
				continue
			}
			consecutiveErrors++
			w.log.Error().Err(err).Int("consecutive_errors", consecutiveErrors).Msg("dialer tick failed")
			if consecutiveErrors >= w.cfg.MaxConsecutiveErrors {
				return fmt.Errorf("dialer: halting after %d consecutive errors: %w", consecutiveErrors, err)
			}
			select {
			case <-time.After(w.cfg.PollInterval):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		consecutiveErrors = 0
	}
}

// tick runs one iteration of the loop (§4.14 steps 1-8). It returns
// ErrEmpty when there was nothing to dequeue, which the caller treats as
// the normal "sleep the poll interval" case rather than an error.
func (w *Worker) tick(ctx context.Context) error {
	now := time.Now()
	if w.lastSweep.IsZero() || now.Sub(w.lastSweep) >= w.cfg.SweepInterval {
		promoted, err := w.queue.ProcessScheduledJobs(ctx, now)
		if err != nil {
			return fmt.Errorf("sweeping scheduled jobs: %w", err)
		}
		if promoted > 0 {
			w.log.Info().Int("promoted", promoted).Msg("promoted due retries")
		}
		w.lastSweep = now
	}

	tenants, err := w.store.ListActiveTenants(ctx)
	if err != nil {
		return fmt.Errorf("listing active tenants: %w", err)
	}

	job, err := w.queue.Dequeue(ctx, tenants)
	if err != nil {
		return err // ErrEmpty or a real error, both bubble to Run
	}

	return w.process(ctx, *job)
}

func (w *Worker) process(ctx context.Context, job model.DialerJob) error {
	log := w.log.With().Str("job_id", job.JobID).Str("tenant_id", job.TenantID).Logger()

	campaign, err := w.store.GetCampaign(ctx, job.TenantID, job.CampaignID)
	if err != nil {
		return fmt.Errorf("resolving campaign %s: %w", job.CampaignID, err)
	}
	if campaign.Status != model.CampaignRunning {
		_ = w.queue.CompleteProcessing(ctx, job.JobID)
		log.Info().Str("campaign_status", string(campaign.Status)).Msg("skipping job, campaign not running")
		return nil
	}

	lead, err := w.store.GetLead(ctx, job.TenantID, job.LeadID)
	if err != nil {
		return fmt.Errorf("resolving lead %s: %w", job.LeadID, err)
	}

	rules, err := w.store.GetCallingRules(ctx, job.TenantID, campaign.CallingRulesRef)
	if err != nil {
		return fmt.Errorf("resolving calling rules %s: %w", campaign.CallingRulesRef, err)
	}

	activeCalls, err := w.tracker.ActiveCalls(ctx, job.TenantID, job.CampaignID)
	if err != nil {
		return fmt.Errorf("reading active call count: %w", err)
	}

	allowed, reason := CanMakeCall(*rules, time.Now(), activeCalls, lead.LastCalledAt)
	if !allowed {
		return w.skipAndReschedule(ctx, job, *rules, reason, log)
	}

	if err := w.tracker.RegisterCallStart(ctx, job.TenantID, job.CampaignID); err != nil {
		return fmt.Errorf("registering call start: %w", err)
	}

	externalUUID, err := w.placer.PlaceCall(ctx, job.TenantID, job.CampaignID, job.LeadID, job.PhoneNumber, campaign.VoiceID)
	if err != nil {
		_ = w.tracker.RegisterCallEnd(ctx, job.TenantID, job.CampaignID)
		return fmt.Errorf("placing call for job %s: %w", job.JobID, err)
	}

	callID := uuid.NewString()
	now := time.Now()
	if err := w.store.InsertCallRecord(ctx, model.CallRecord{
		CallID:           callID,
		ExternalCallUUID: externalUUID,
		TenantID:         job.TenantID,
		CampaignID:       job.CampaignID,
		LeadID:           job.LeadID,
		PhoneNumber:      job.PhoneNumber,
		Status:           model.CallActive,
		StartedAt:        now,
	}); err != nil {
		return fmt.Errorf("inserting call record for job %s: %w", job.JobID, err)
	}

	job.Status = model.JobProcessing
	job.ProcessedAt = &now
	job.CallID = callID
	if err := w.store.UpdateDialerJobStatus(ctx, job); err != nil {
		return fmt.Errorf("updating job %s after placement: %w", job.JobID, err)
	}
	_ = w.queue.CompleteProcessing(ctx, job.JobID)

	observability.RecordCallOutcome("placed")
	log.Info().Str("call_id", callID).Str("external_call_uuid", externalUUID).Msg("call placed")
	return nil
}

// skipAndReschedule implements §4.14 step 6: compute a delay appropriate
// to the refusal reason, schedule a retry at that delay, and mark the job
// skipped.
func (w *Worker) skipAndReschedule(ctx context.Context, job model.DialerJob, rules model.CallingRules, reason ReasonCode, log zerolog.Logger) error {
	var delay time.Duration
	switch reason {
	case ReasonWeekdayNotAllowed, ReasonOutsideTimeWindow:
		d, err := DelayUntilNextWindow(rules, time.Now())
		if err != nil {
			return fmt.Errorf("computing next window for job %s: %w", job.JobID, err)
		}
		delay = d
	default: // concurrent_limit_reached, cooldown_not_elapsed
		delay = w.cfg.ConcurrencyRetryDelay
	}

	job.Status = model.JobSkipped
	rescheduled, err := w.queue.ScheduleRetry(ctx, job, delay)
	if err != nil {
		return fmt.Errorf("scheduling retry for job %s: %w", job.JobID, err)
	}
	rescheduled.Status = model.JobSkipped // queue.ScheduleRetry sets retry_scheduled; the job record reflects "skipped" until the sweep promotes it
	if err := w.store.UpdateDialerJobStatus(ctx, rescheduled); err != nil {
		return fmt.Errorf("persisting skip for job %s: %w", job.JobID, err)
	}
	log.Info().Str("reason", string(reason)).Dur("delay", delay).Msg("job skipped and rescheduled")
	return nil
}

// HandleCallCompletion translates an asynchronous call outcome into a
// terminal or retried job state (§4.14, final paragraph): it runs
// model.ShouldRetry and either schedules a retry after rules.RetryDelaySeconds or marks
// the job terminal (goal_achieved / failed / non_retryable).
func (w *Worker) HandleCallCompletion(ctx context.Context, job model.DialerJob, rules model.CallingRules, outcome model.CallOutcome, duration time.Duration) error {
	_ = w.tracker.RegisterCallEnd(ctx, job.TenantID, job.CampaignID)

	job.LastOutcome = outcome
	now := time.Now()
	job.CompletedAt = &now

	if model.ShouldRetry(job, rules, outcome) {
		delay := time.Duration(rules.RetryDelaySeconds) * time.Second
		rescheduled, err := w.queue.ScheduleRetry(ctx, job, delay)
		if err != nil {
			return fmt.Errorf("scheduling retry for job %s: %w", job.JobID, err)
		}
		return w.store.UpdateDialerJobStatus(ctx, rescheduled)
	}

	switch {
	case outcome.IsGoal():
		job.Status = model.JobGoalAchieved
	case outcome.IsNonRetryable():
		job.Status = model.JobNonRetryable
	default:
		job.Status = model.JobFailed
	}
	_ = w.queue.CompleteProcessing(ctx, job.JobID)
	if err := w.store.UpdateDialerJobStatus(ctx, job); err != nil {
		return fmt.Errorf("finalizing job %s: %w", job.JobID, err)
	}
	return w.store.UpdateLeadOnCompletion(ctx, job.TenantID, job.LeadID, outcome)
}
