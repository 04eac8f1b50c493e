package server

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/probelab/deepresearch/pkg/checkpoint"
	"github.com/probelab/deepresearch/pkg/domain"
	"github.com/probelab/deepresearch/pkg/observability"
	"github.com/probelab/deepresearch/pkg/state"
	"github.com/probelab/deepresearch/pkg/workflow"
)

// ResearchHandler exposes the research session lifecycle over HTTP:
// open a session, answer clarifying questions, plan, run (streaming
// progress as NDJSON), inspect, and resume.
type ResearchHandler struct {
	registry    *state.Registry
	orch        *workflow.Orchestrator
	checkpoints *checkpoint.Manager
	logger      *observability.StructuredLogger
}

// NewResearchHandler wires the handler to its collaborators.
func NewResearchHandler(registry *state.Registry, orch *workflow.Orchestrator, checkpoints *checkpoint.Manager, logger *observability.StructuredLogger) *ResearchHandler {
	if logger == nil {
		logger = observability.NewStructuredLogger("api")
	}
	return &ResearchHandler{
		registry:    registry,
		orch:        orch,
		checkpoints: checkpoints,
		logger:      logger,
	}
}

// RegisterRoutes mounts the research endpoints.
func (h *ResearchHandler) RegisterRoutes(r fiber.Router) {
	g := r.Group("/research")
	g.Post("/query", h.SubmitQuery)
	g.Post("/clarify", h.SubmitClarification)
	g.Post("/plan", h.Plan)
	g.Post("/plan/revise", h.RevisePlan)
	g.Post("/start", h.Start)
	g.Post("/academic", h.StartAcademic)
	g.Post("/resume", h.Resume)
	g.Get("/sessions", h.ListSessions)
	g.Get("/sessions/:id", h.GetCheckpoint)
	g.Get("/checkpoints", h.ListCheckpoints)
}

type queryRequest struct {
	Query string `json:"query"`
}

type queryResponse struct {
	SessionID string   `json:"session_id"`
	Title     string   `json:"title"`
	Questions []string `json:"questions"`
	Phase     string   `json:"phase"`
}

// SubmitQuery opens a session and returns the clarifying questions.
func (h *ResearchHandler) SubmitQuery(c *fiber.Ctx) error {
	var req queryRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Query) == "" {
		return fiber.NewError(fiber.StatusBadRequest, "query is required")
	}

	entry := h.registry.Create(req.Query)
	title, questions, err := h.orch.Clarify(c.Context(), entry.Context)
	if err != nil {
		return err
	}

	entry.Session.Title = title
	h.syncSession(entry)

	h.logger.Info(c.Context(), "session opened", observability.Fields{
		"session_id": entry.Session.ID,
	})
	return c.Status(fiber.StatusCreated).JSON(queryResponse{
		SessionID: entry.Session.ID,
		Title:     title,
		Questions: questions,
		Phase:     string(entry.Context.Phase()),
	})
}

type clarifyRequest struct {
	SessionID string `json:"session_id"`
	Answers   string `json:"answers"`
}

// SubmitClarification records the user's answers to the clarifying
// questions. Planning picks them up.
func (h *ResearchHandler) SubmitClarification(c *fiber.Ctx) error {
	var req clarifyRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	entry, err := h.registry.Get(req.SessionID)
	if err != nil {
		return err
	}

	entry.Context.SetClarification(req.Answers)
	h.syncSession(entry)
	return c.JSON(fiber.Map{
		"session_id": entry.Session.ID,
		"phase":      string(entry.Context.Phase()),
	})
}

type planRequest struct {
	SessionID     string `json:"session_id"`
	Mode          string `json:"mode,omitempty"`
	Clarification string `json:"clarification,omitempty"`
}

type planResponse struct {
	SessionID string      `json:"session_id"`
	Version   int         `json:"version"`
	Mode      string      `json:"mode"`
	Plan      domain.Plan `json:"plan"`
}

// Plan builds the research plan in the requested mode.
func (h *ResearchHandler) Plan(c *fiber.Ctx) error {
	var req planRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	mode := domain.ModeFlat
	switch req.Mode {
	case "", string(domain.ModeFlat):
	case string(domain.ModeArea):
		mode = domain.ModeArea
	default:
		return fiber.NewError(fiber.StatusBadRequest, "mode must be flat or area")
	}

	entry, err := h.registry.Get(req.SessionID)
	if err != nil {
		return err
	}

	plan, version, err := h.orch.Plan(c.Context(), entry.Context, mode, req.Clarification)
	if err != nil {
		return err
	}

	entry.Session.Mode = mode
	h.syncSession(entry)
	return c.JSON(planResponse{
		SessionID: entry.Session.ID,
		Version:   version,
		Mode:      string(plan.Mode()),
		Plan:      plan,
	})
}

type reviseRequest struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

// RevisePlan rewrites the open part of the plan.
func (h *ResearchHandler) RevisePlan(c *fiber.Ctx) error {
	var req reviseRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Reason) == "" {
		return fiber.NewError(fiber.StatusBadRequest, "reason is required")
	}

	entry, err := h.registry.Get(req.SessionID)
	if err != nil {
		return err
	}

	plan, version, err := h.orch.Revise(c.Context(), entry.Context, req.Reason, nil)
	if err != nil {
		return err
	}

	h.syncSession(entry)
	return c.JSON(planResponse{
		SessionID: entry.Session.ID,
		Version:   version,
		Mode:      string(plan.Mode()),
		Plan:      plan,
	})
}

type startRequest struct {
	SessionID string `json:"session_id"`
}

// Start runs a flat-plan session, streaming progress as NDJSON.
func (h *ResearchHandler) Start(c *fiber.Ctx) error {
	return h.start(c, domain.ModeFlat)
}

// StartAcademic runs an area-partitioned session, streaming progress as
// NDJSON. The plan is built in area mode if the session has none yet.
func (h *ResearchHandler) StartAcademic(c *fiber.Ctx) error {
	return h.start(c, domain.ModeArea)
}

func (h *ResearchHandler) start(c *fiber.Ctx, mode domain.ResearchMode) error {
	var req startRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	entry, err := h.registry.Get(req.SessionID)
	if err != nil {
		return err
	}

	// A session that never went through the planning endpoint gets a
	// plan in the endpoint's mode.
	phase := entry.Context.Phase()
	if phase == domain.PhaseInitial || phase == domain.PhaseClarifying {
		if _, _, err := h.orch.Plan(c.Context(), entry.Context, mode, ""); err != nil {
			return err
		}
		entry.Session.Mode = mode
	}

	plan, _ := entry.Context.Plan()
	if plan.Mode() != mode {
		return fiber.NewError(fiber.StatusConflict, "session planned in "+string(plan.Mode())+" mode")
	}

	h.syncSession(entry)
	return h.streamResearch(c, entry)
}

type resumeRequest struct {
	SessionID string `json:"session_id"`
}

// Resume rebuilds a session from its checkpoint and finishes it,
// streaming progress as NDJSON. Only the topics the original run never
// completed are investigated.
func (h *ResearchHandler) Resume(c *fiber.Ctx) error {
	var req resumeRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	cp, err := h.checkpoints.Load(c.Context(), req.SessionID)
	if err != nil {
		return err
	}

	sctx, err := h.orch.Resume(cp)
	if err != nil {
		return fiber.NewError(fiber.StatusConflict, err.Error())
	}

	entry := &state.Entry{
		Session: domain.Session{
			ID:    cp.SessionID,
			Query: cp.Query,
			Phase: sctx.Phase(),
			Mode:  cp.Mode,
		},
		Context: sctx,
	}
	h.registry.Attach(entry)

	h.logger.Info(c.Context(), "session resumed", observability.Fields{
		"session_id": cp.SessionID,
		"completed":  cp.CompletedCount(),
		"remaining":  cp.RemainingCount(),
	})
	return h.streamResearch(c, entry)
}

// ListSessions returns the live sessions.
func (h *ResearchHandler) ListSessions(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"sessions": h.registry.List()})
}

// GetCheckpoint returns the stored checkpoint for a session.
func (h *ResearchHandler) GetCheckpoint(c *fiber.Ctx) error {
	cp, err := h.checkpoints.Load(c.Context(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(cp)
}

// ListCheckpoints returns summaries of all stored checkpoints.
func (h *ResearchHandler) ListCheckpoints(c *fiber.Ctx) error {
	summaries, err := h.checkpoints.List(c.Context())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"checkpoints": summaries})
}

// syncSession mirrors the context's phase into the registry record.
func (h *ResearchHandler) syncSession(entry *state.Entry) {
	entry.Session.Phase = entry.Context.Phase()
	h.registry.Touch(entry.Session.ID)
}
