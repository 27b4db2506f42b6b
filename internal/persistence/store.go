// Package persistence is the sole owner of the campaigns/leads/calls/
// recordings/transcripts/dialer_jobs/tenants tables: the durable system of
// record behind the voice runtime and the dialer. Every query issued here
// carries an explicit tenant_id predicate, independent of any row-level
// security the store itself enforces, because the service credential this
// package holds can bypass row-level policies.
package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/voxrun/voice-runtime/internal/model"
)

// Store wraps a pgx connection pool with the tenant-scoped queries the
// voice runtime and dialer issue against the persistence schema.
type Store struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// Connect opens a pool against databaseURL, bounded by maxConns/minConns,
// and verifies connectivity with a ping.
func Connect(ctx context.Context, databaseURL string, maxConns, minConns int32, log zerolog.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("persistence: parsing database url: %w", err)
	}
	cfg.MaxConns = maxConns
	cfg.MinConns = minConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("persistence: creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("persistence: ping: %w", err)
	}

	log.Info().
		Str("url", maskDSN(databaseURL)).
		Int32("max_conns", cfg.MaxConns).
		Int32("min_conns", cfg.MinConns).
		Msg("persistence store connected")

	return &Store{pool: pool, log: log}, nil
}

func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		if _, hasPass := u.User.Password(); hasPass {
			u.User = url.UserPassword(u.User.Username(), "***")
		}
	}
	return u.String()
}

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

// HealthCheck pings the pool within a bounded timeout. cmd/server's /ready
// endpoint does not call it.
func (s *Store) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}

// GetCampaign fetches a tenant-scoped campaign by ID.
func (s *Store) GetCampaign(ctx context.Context, tenantID, campaignID string) (*model.Campaign, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, status, system_prompt_template, voice_id, goal_description,
		       max_concurrent_calls, max_retries, COALESCE(calling_rules_ref::text, ''),
		       greeting, compliance_text, temperature, max_tokens, max_sentences,
		       context_variables, cost_per_second
		FROM campaigns WHERE id = $1 AND tenant_id = $2`, campaignID, tenantID)

	var c model.Campaign
	var ctxVars []byte
	if err := row.Scan(&c.ID, &c.TenantID, &c.Status, &c.SystemPromptTemplate, &c.VoiceID,
		&c.GoalDescription, &c.MaxConcurrentCalls, &c.MaxRetries, &c.CallingRulesRef,
		&c.Greeting, &c.ComplianceText, &c.Temperature, &c.MaxTokens, &c.MaxSentences,
		&ctxVars, &c.CostPerSecond); err != nil {
		return nil, fmt.Errorf("persistence: get campaign %s: %w", campaignID, err)
	}
	c.ContextVariables = map[string]string{}
	_ = json.Unmarshal(ctxVars, &c.ContextVariables)
	return &c, nil
}

// GetLead fetches a tenant-scoped lead by ID.
func (s *Store) GetLead(ctx context.Context, tenantID, leadID string) (*model.Lead, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, campaign_id, tenant_id, phone_number, status, call_attempts,
		       last_called_at, last_call_result
		FROM leads WHERE id = $1 AND tenant_id = $2`, leadID, tenantID)

	var l model.Lead
	var lastCalled *time.Time
	var lastResult string
	if err := row.Scan(&l.ID, &l.CampaignID, &l.TenantID, &l.PhoneNumber, &l.Status,
		&l.CallAttempts, &lastCalled, &lastResult); err != nil {
		return nil, fmt.Errorf("persistence: get lead %s: %w", leadID, err)
	}
	l.LastCalledAt = lastCalled
	l.LastCallResult = model.CallOutcome(lastResult)
	return &l, nil
}

// GetCallingRules fetches a tenant-scoped CallingRules row by its ID.
func (s *Store) GetCallingRules(ctx context.Context, tenantID, rulesID string) (*model.CallingRules, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT time_window_start, time_window_end, timezone, allowed_weekdays,
		       max_concurrent_calls, retry_delay_seconds, max_retry_attempts,
		       min_hours_between_calls_to_same_lead
		FROM calling_rules WHERE id = $1 AND tenant_id = $2`, rulesID, tenantID)

	var r model.CallingRules
	if err := row.Scan(&r.TimeWindowStart, &r.TimeWindowEnd, &r.Timezone, &r.AllowedWeekdays,
		&r.MaxConcurrentCalls, &r.RetryDelaySeconds, &r.MaxRetryAttempts,
		&r.MinHoursBetweenCallsToSameLead); err != nil {
		return nil, fmt.Errorf("persistence: get calling rules %s: %w", rulesID, err)
	}
	return &r, nil
}

// ListActiveTenants returns the tenant IDs with at least one running
// campaign, for the dialer worker's round-robin tenant sweep.
func (s *Store) ListActiveTenants(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT tenant_id::text FROM campaigns WHERE status = $1`, model.CampaignRunning)
	if err != nil {
		return nil, fmt.Errorf("persistence: list active tenants: %w", err)
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		tenants = append(tenants, id)
	}
	return tenants, rows.Err()
}

// ListPendingLeads returns every pending lead for a campaign, used by the
// campaign-start control operation (§6 "POST /campaigns/{id}/start") to
// build the initial batch of DialerJobs.
func (s *Store) ListPendingLeads(ctx context.Context, tenantID, campaignID string) ([]model.Lead, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, campaign_id, tenant_id, phone_number, status, call_attempts,
		       last_called_at, last_call_result
		FROM leads WHERE tenant_id = $1 AND campaign_id = $2 AND status = $3`,
		tenantID, campaignID, model.LeadPending)
	if err != nil {
		return nil, fmt.Errorf("persistence: list pending leads: %w", err)
	}
	defer rows.Close()

	var leads []model.Lead
	for rows.Next() {
		var l model.Lead
		var lastCalled *time.Time
		var lastResult string
		if err := rows.Scan(&l.ID, &l.CampaignID, &l.TenantID, &l.PhoneNumber, &l.Status,
			&l.CallAttempts, &lastCalled, &lastResult); err != nil {
			return nil, err
		}
		l.LastCalledAt = lastCalled
		l.LastCallResult = model.CallOutcome(lastResult)
		leads = append(leads, l)
	}
	return leads, rows.Err()
}

// InsertCallRecord inserts a new active CallRecord row, as the dialer
// worker does immediately after a call is placed.
func (s *Store) InsertCallRecord(ctx context.Context, rec model.CallRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO calls (id, external_call_uuid, tenant_id, campaign_id, lead_id,
		                    phone_number, status, started_at, transcript_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, '[]')`,
		rec.CallID, rec.ExternalCallUUID, rec.TenantID, rec.CampaignID, rec.LeadID,
		rec.PhoneNumber, rec.Status, rec.StartedAt)
	if err != nil {
		return fmt.Errorf("persistence: insert call record %s: %w", rec.CallID, err)
	}
	return nil
}

// FlushTranscript performs the incremental transcript flush (§4.11): it
// updates calls.transcript_text and calls.transcript_json after every
// completed turn, without touching the call's terminal fields. Repeated
// flushes of the same transcript are idempotent: the rendering is a pure
// function of the turn slice.
func (s *Store) FlushTranscript(ctx context.Context, tenantID, callID string, turns []model.TranscriptTurn) error {
	text := RenderTranscriptText(turns)
	turnsJSON, err := json.Marshal(turns)
	if err != nil {
		return fmt.Errorf("persistence: marshal transcript for %s: %w", callID, err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE calls SET transcript_text = $1, transcript_json = $2
		WHERE id = $3 AND tenant_id = $4`, text, turnsJSON, callID, tenantID)
	if err != nil {
		return fmt.Errorf("persistence: flush transcript for %s: %w", callID, err)
	}
	return nil
}

// RenderTranscriptText is the newline-joined rendering of a transcript's
// turns, the invariant relating CallRecord.TranscriptText to TranscriptJSON.
func RenderTranscriptText(turns []model.TranscriptTurn) string {
	var out string
	for i, t := range turns {
		if i > 0 {
			out += "\n"
		}
		out += fmt.Sprintf("%s: %s", t.Speaker, t.Text)
	}
	return out
}

// FinalizeCallByTenant finalizes a call: sets status=completed, ended_at,
// duration_seconds, the final transcript, cost, and recording path. This
// is the tenant-scoped primitive; FinalizeCall (satisfying
// pipeline.Finalizer) resolves tenantID first via the calls row itself
// since the orchestrator only knows the call ID.
func (s *Store) FinalizeCallByTenant(ctx context.Context, tenantID, callID string, outcome model.CallOutcome, turns []model.TranscriptTurn, recordingPath string, costPerSecond float64) error {
	text := RenderTranscriptText(turns)
	turnsJSON, err := json.Marshal(turns)
	if err != nil {
		return fmt.Errorf("persistence: marshal transcript for %s: %w", callID, err)
	}

	now := time.Now()
	tag, err := s.pool.Exec(ctx, `
		UPDATE calls
		SET status = $1,
		    ended_at = $2,
		    duration_seconds = GREATEST(0, FLOOR(EXTRACT(EPOCH FROM ($2 - started_at)))),
		    transcript_text = $3,
		    transcript_json = $4,
		    recording_path = $5,
		    cost = GREATEST(0, EXTRACT(EPOCH FROM ($2 - started_at))) * $6
		WHERE id = $7 AND tenant_id = $8`,
		model.CallCompleted, now, text, turnsJSON, recordingPath, costPerSecond, callID, tenantID)
	if err != nil {
		return fmt.Errorf("persistence: finalize call %s: %w", callID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("persistence: finalize call %s: no matching row for tenant %s", callID, tenantID)
	}
	_, _ = outcome, tag
	return nil
}

// ResolveCallTenant looks up the tenant that owns callID, for callers (the
// pipeline orchestrator) that only carry a call ID.
func (s *Store) ResolveCallTenant(ctx context.Context, callID string) (string, error) {
	var tenantID string
	err := s.pool.QueryRow(ctx, `SELECT tenant_id::text FROM calls WHERE id = $1`, callID).Scan(&tenantID)
	if err != nil {
		return "", fmt.Errorf("persistence: resolve tenant for call %s: %w", callID, err)
	}
	return tenantID, nil
}

// UpdateLeadOnCompletion records a call attempt's outcome on the lead row:
// increments call_attempts, stamps last_called_at, sets last_call_result,
// and advances status per the outcome (contacted on a goal/success
// outcome, dnc on a REJECTED or INVALID outcome, otherwise called).
func (s *Store) UpdateLeadOnCompletion(ctx context.Context, tenantID, leadID string, outcome model.CallOutcome) error {
	status := model.LeadCalled
	switch {
	case outcome.IsGoal():
		status = model.LeadContacted
	case outcome == model.OutcomeRejected || outcome == model.OutcomeInvalid:
		status = model.LeadDNC
	}

	_, err := s.pool.Exec(ctx, `
		UPDATE leads
		SET call_attempts = call_attempts + 1,
		    last_called_at = now(),
		    last_call_result = $1,
		    status = $2
		WHERE id = $3 AND tenant_id = $4`,
		outcome, status, leadID, tenantID)
	if err != nil {
		return fmt.Errorf("persistence: update lead %s: %w", leadID, err)
	}
	return nil
}

// InsertDialerJob persists a newly-enqueued DialerJob row as the durable
// record behind the live Redis queue (internal/dialer.Queue).
func (s *Store) InsertDialerJob(ctx context.Context, job model.DialerJob) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dialer_jobs (id, tenant_id, campaign_id, lead_id, phone_number,
		                          priority, status, attempt_number, scheduled_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		job.JobID, job.TenantID, job.CampaignID, job.LeadID, job.PhoneNumber,
		job.Priority, job.Status, job.AttemptNumber, job.ScheduledAt, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("persistence: insert dialer job %s: %w", job.JobID, err)
	}
	return nil
}

// UpdateDialerJobStatus advances a persisted DialerJob's status and the
// subset of timestamp/outcome fields relevant to that transition.
func (s *Store) UpdateDialerJobStatus(ctx context.Context, job model.DialerJob) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE dialer_jobs
		SET status = $1, attempt_number = $2, scheduled_at = $3, processed_at = $4,
		    completed_at = $5, last_outcome = $6, last_error = $7, call_id = NULLIF($8, '')
		WHERE id = $9 AND tenant_id = $10`,
		job.Status, job.AttemptNumber, job.ScheduledAt, job.ProcessedAt, job.CompletedAt,
		job.LastOutcome, job.LastError, job.CallID, job.JobID, job.TenantID)
	if err != nil {
		return fmt.Errorf("persistence: update dialer job %s: %w", job.JobID, err)
	}
	return nil
}

// FinalizeCall satisfies pipeline.Finalizer: the orchestrator only knows
// the call ID, so this resolves the owning tenant and the campaign's
// CostPerSecond override before delegating to FinalizeCallByTenant.
func (s *Store) FinalizeCall(ctx context.Context, callID string, outcome model.CallOutcome, transcript []model.TranscriptTurn, recordingPath string) error {
	tenantID, err := s.ResolveCallTenant(ctx, callID)
	if err != nil {
		return err
	}

	var costPerSecond float64
	err = s.pool.QueryRow(ctx, `
		SELECT c.cost_per_second FROM calls ca JOIN campaigns c ON c.id = ca.campaign_id
		WHERE ca.id = $1 AND ca.tenant_id = $2`, callID, tenantID).Scan(&costPerSecond)
	if err != nil {
		costPerSecond = 0.001 // DEFAULT_COST_PER_SECOND fallback, see DESIGN.md open question
	}

	if err := s.FinalizeCallByTenant(ctx, tenantID, callID, outcome, transcript, recordingPath, costPerSecond); err != nil {
		return err
	}

	var leadID string
	if err := s.pool.QueryRow(ctx, `SELECT lead_id::text FROM calls WHERE id = $1`, callID).Scan(&leadID); err == nil {
		_ = s.UpdateLeadOnCompletion(ctx, tenantID, leadID, outcome)
	}
	return nil
}

// UpdateCampaignStatus sets a tenant-scoped campaign's status, for the
// dialer-control start/pause/stop operations (§6).
func (s *Store) UpdateCampaignStatus(ctx context.Context, tenantID, campaignID string, status model.CampaignStatus) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE campaigns SET status = $1 WHERE id = $2 AND tenant_id = $3`,
		status, campaignID, tenantID)
	if err != nil {
		return fmt.Errorf("persistence: update campaign %s status: %w", campaignID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("persistence: update campaign %s status: no matching row for tenant %s", campaignID, tenantID)
	}
	return nil
}

// FindCallByExternalUUID resolves the tenant/campaign/lead/call-id tuple a
// telephony provider's webhook needs translated from its own call
// identifier, since POST /webhooks/event only carries that provider-side
// uuid.
func (s *Store) FindCallByExternalUUID(ctx context.Context, externalCallUUID string) (*model.CallRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, external_call_uuid, tenant_id, campaign_id, lead_id, phone_number,
		       status, started_at
		FROM calls WHERE external_call_uuid = $1`, externalCallUUID)

	var rec model.CallRecord
	if err := row.Scan(&rec.CallID, &rec.ExternalCallUUID, &rec.TenantID, &rec.CampaignID,
		&rec.LeadID, &rec.PhoneNumber, &rec.Status, &rec.StartedAt); err != nil {
		return nil, fmt.Errorf("persistence: find call by external uuid %s: %w", externalCallUUID, err)
	}
	return &rec, nil
}

// GetDialerJobByCallID fetches the tenant-scoped DialerJob row linked to a
// placed call, for the webhook/event path's handle_call_completion.
func (s *Store) GetDialerJobByCallID(ctx context.Context, tenantID, callID string) (*model.DialerJob, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, campaign_id, lead_id, phone_number, priority, status,
		       attempt_number, scheduled_at, created_at, processed_at, completed_at,
		       last_outcome, last_error, COALESCE(call_id::text, '')
		FROM dialer_jobs WHERE call_id = $1 AND tenant_id = $2`, callID, tenantID)

	var j model.DialerJob
	var lastOutcome string
	if err := row.Scan(&j.JobID, &j.TenantID, &j.CampaignID, &j.LeadID, &j.PhoneNumber,
		&j.Priority, &j.Status, &j.AttemptNumber, &j.ScheduledAt, &j.CreatedAt,
		&j.ProcessedAt, &j.CompletedAt, &lastOutcome, &j.LastError, &j.CallID); err != nil {
		return nil, fmt.Errorf("persistence: get dialer job for call %s: %w", callID, err)
	}
	j.LastOutcome = model.CallOutcome(lastOutcome)
	return &j, nil
}

// ensure pgx.ErrNoRows is reachable to callers without importing pgx
// directly in package boundaries that only need the sentinel.
var ErrNoRows = pgx.ErrNoRows
