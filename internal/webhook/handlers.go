// Package webhook exposes the inbound HTTP surface a telephony provider and
// an operator use to drive calls and campaigns: the answer/event webhooks
// (§6 "Call webhook events") and the campaign start/pause/stop control
// operations (§6 "Dialer control").
package webhook

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/voxrun/voice-runtime/internal/dialer"
	"github.com/voxrun/voice-runtime/internal/model"
)

// defaultJobPriority is assigned to every job built from a campaign-start
// batch; nothing in a freshly-pending lead distinguishes it from any other,
// so every job starts at the queue's normal-priority tier. Urgent
// priority (>=8, the LIFO tier) is reserved for jobs a future operator
// surface promotes explicitly — no such surface exists yet.
const defaultJobPriority = 5

// Store is the subset of persistence.Store the webhook surface needs.
type Store interface {
	GetCampaign(ctx context.Context, tenantID, campaignID string) (*model.Campaign, error)
	GetCallingRules(ctx context.Context, tenantID, rulesID string) (*model.CallingRules, error)
	ListPendingLeads(ctx context.Context, tenantID, campaignID string) ([]model.Lead, error)
	InsertDialerJob(ctx context.Context, job model.DialerJob) error
	UpdateCampaignStatus(ctx context.Context, tenantID, campaignID string, status model.CampaignStatus) error
	FindCallByExternalUUID(ctx context.Context, externalCallUUID string) (*model.CallRecord, error)
	GetDialerJobByCallID(ctx context.Context, tenantID, callID string) (*model.DialerJob, error)
}

// Enqueuer is the narrow slice of dialer.Queue the campaign-start operation
// needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, job model.DialerJob) error
}

// Handlers wires the webhook and control endpoints to a Store, a queue, and
// the dialer Worker that owns handle_call_completion.
type Handlers struct {
	store  Store
	queue  Enqueuer
	worker *dialer.Worker
	log    zerolog.Logger
}

// New builds a Handlers.
func New(store Store, queue Enqueuer, worker *dialer.Worker, log zerolog.Logger) *Handlers {
	return &Handlers{store: store, queue: queue, worker: worker, log: log}
}

// Register attaches every route to r.
func (h *Handlers) Register(r *gin.Engine) {
	r.POST("/webhooks/answer", h.handleAnswer)
	r.POST("/webhooks/event", h.handleEvent)
	r.POST("/campaigns/:id/start", h.handleCampaignStart)
	r.POST("/campaigns/:id/pause", h.handleCampaignPause)
	r.POST("/campaigns/:id/stop", h.handleCampaignStop)
}

type answerRequest struct {
	UUID string `json:"uuid" binding:"required"`
	To   string `json:"to" binding:"required"`
	From string `json:"from" binding:"required"`
}

// handleAnswer answers POST /webhooks/answer with a control-object list
// directing the provider to open the audio channel to this runtime's
// WebSocket gateway.
func (h *Handlers) handleAnswer(c *gin.Context) {
	var req answerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.log.Info().Str("uuid", req.UUID).Str("to", req.To).Str("from", req.From).Msg("answering call")
	c.JSON(http.StatusOK, []gin.H{
		{
			"action":      "connect",
			"endpoint":    []gin.H{{"type": "websocket", "uri": "/voice/" + req.UUID, "content-type": "audio/l16;rate=16000"}},
			"external_id": req.UUID,
		},
	})
}

type eventRequest struct {
	UUID     string `json:"uuid" binding:"required"`
	Status   string `json:"status" binding:"required"`
	Duration *int   `json:"duration"`
}

// statusOutcomes maps a provider's event status string to CallOutcome, per
// §6's "status maps to CallOutcome via the table in §4".
var statusOutcomes = map[string]model.CallOutcome{
	"answered":     model.OutcomeAnswered,
	"completed":    model.OutcomeSuccess,
	"busy":         model.OutcomeBusy,
	"no-answer":    model.OutcomeNoAnswer,
	"no_answer":    model.OutcomeNoAnswer,
	"failed":       model.OutcomeFailed,
	"voicemail":    model.OutcomeVoicemail,
	"spam":         model.OutcomeSpam,
	"invalid":      model.OutcomeInvalid,
	"unavailable":  model.OutcomeUnavailable,
	"disconnected": model.OutcomeDisconnected,
	"rejected":     model.OutcomeRejected,
}

// handleEvent answers POST /webhooks/event: resolves the call's owning job
// and calling rules, translates status to a CallOutcome, and drives
// handle_call_completion. Unknown statuses are logged and ignored, per §6.
func (h *Handlers) handleEvent(c *gin.Context) {
	var req eventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	outcome, ok := statusOutcomes[req.Status]
	if !ok {
		h.log.Warn().Str("uuid", req.UUID).Str("status", req.Status).Msg("ignoring unknown webhook event status")
		c.JSON(http.StatusOK, gin.H{"ignored": true})
		return
	}

	ctx := c.Request.Context()
	rec, err := h.store.FindCallByExternalUUID(ctx, req.UUID)
	if err != nil {
		h.log.Error().Err(err).Str("uuid", req.UUID).Msg("resolving call for webhook event")
		c.JSON(http.StatusNotFound, gin.H{"error": "call not found"})
		return
	}

	job, err := h.store.GetDialerJobByCallID(ctx, rec.TenantID, rec.CallID)
	if err != nil {
		h.log.Error().Err(err).Str("call_id", rec.CallID).Msg("resolving dialer job for webhook event")
		c.JSON(http.StatusNotFound, gin.H{"error": "dialer job not found"})
		return
	}

	campaign, err := h.store.GetCampaign(ctx, rec.TenantID, rec.CampaignID)
	if err != nil {
		h.log.Error().Err(err).Msg("resolving campaign for webhook event")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "campaign lookup failed"})
		return
	}
	rules, err := h.store.GetCallingRules(ctx, rec.TenantID, campaign.CallingRulesRef)
	if err != nil {
		h.log.Error().Err(err).Msg("resolving calling rules for webhook event")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "calling rules lookup failed"})
		return
	}

	duration := time.Duration(0)
	if req.Duration != nil {
		duration = time.Duration(*req.Duration) * time.Second
	}

	if err := h.worker.HandleCallCompletion(ctx, *job, *rules, outcome, duration); err != nil {
		h.log.Error().Err(err).Str("job_id", job.JobID).Msg("handling call completion")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "completion handling failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// tenantFromContext extracts the tenant ID a control request must carry,
// via the X-Tenant-ID header — the dialer control surface is not exposed
// to end users and so authenticates at the reverse-proxy layer, per the
// ambient-stack Non-goal excluding an in-process auth surface.
func tenantFromContext(c *gin.Context) string {
	return c.GetHeader("X-Tenant-ID")
}

// handleCampaignStart implements POST /campaigns/{id}/start: for each
// pending lead, build and enqueue a DialerJob.
func (h *Handlers) handleCampaignStart(c *gin.Context) {
	tenantID := tenantFromContext(c)
	campaignID := c.Param("id")
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing X-Tenant-ID header"})
		return
	}
	ctx := c.Request.Context()

	campaign, err := h.store.GetCampaign(ctx, tenantID, campaignID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "campaign not found"})
		return
	}
	if err := h.store.UpdateCampaignStatus(ctx, tenantID, campaignID, model.CampaignRunning); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	leads, err := h.store.ListPendingLeads(ctx, tenantID, campaignID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	now := time.Now()
	enqueued := 0
	for _, lead := range leads {
		job := model.DialerJob{
			JobID:       uuid.NewString(),
			TenantID:    tenantID,
			CampaignID:  campaignID,
			LeadID:      lead.ID,
			PhoneNumber: lead.PhoneNumber,
			Priority:    defaultJobPriority,
			Status:      model.JobPending,
			ScheduledAt: now,
			CreatedAt:   now,
		}
		if err := h.store.InsertDialerJob(ctx, job); err != nil {
			h.log.Error().Err(err).Str("lead_id", lead.ID).Msg("inserting dialer job")
			continue
		}
		if err := h.queue.Enqueue(ctx, job); err != nil {
			h.log.Error().Err(err).Str("lead_id", lead.ID).Msg("enqueuing dialer job")
			continue
		}
		enqueued++
	}

	h.log.Info().Str("campaign_id", campaignID).Int("enqueued", enqueued).Msg("campaign started")
	c.JSON(http.StatusOK, gin.H{"campaign_id": campaignID, "voice_id": campaign.VoiceID, "enqueued": enqueued})
}

// handleCampaignPause implements POST /campaigns/{id}/pause.
func (h *Handlers) handleCampaignPause(c *gin.Context) {
	h.setCampaignStatus(c, model.CampaignPaused)
}

// handleCampaignStop implements POST /campaigns/{id}/stop.
func (h *Handlers) handleCampaignStop(c *gin.Context) {
	h.setCampaignStatus(c, model.CampaignCompleted)
}

func (h *Handlers) setCampaignStatus(c *gin.Context, status model.CampaignStatus) {
	tenantID := tenantFromContext(c)
	campaignID := c.Param("id")
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing X-Tenant-ID header"})
		return
	}
	if err := h.store.UpdateCampaignStatus(c.Request.Context(), tenantID, campaignID, status); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"campaign_id": campaignID, "status": status})
}
