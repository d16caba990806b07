package mgmt

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/roomsync/internal/engine"
	rerrors "github.com/p-blackswan/roomsync/internal/errors"
	"github.com/p-blackswan/roomsync/internal/model"
	"github.com/p-blackswan/roomsync/internal/pending"
	"github.com/p-blackswan/roomsync/internal/requestid"
)

// Engine is the part of engine.Engine the API drives.
type Engine interface {
	State() engine.State
	Today() model.Day
	CurrentCycle(day model.Day) (model.Cycle, bool)
	GroupComplete(cycle, groupID string, day model.Day) bool
	PendingWrites() []pending.Entry
	SyncError() error

	ApplyLocalMutation(ctx context.Context, m engine.Mutation) (engine.State, error)
	CompleteGroup(ctx context.Context, cycle, groupID string) (engine.State, error)

	Timer() model.TimerState
	StartTimer(ctx context.Context, cycle string, category model.Category, d time.Duration) (model.TimerState, error)
	StopTimer(ctx context.Context) (model.TimerState, error)
	SnoozeTimer(ctx context.Context, d time.Duration) (model.TimerState, error)
	DismissTimer(ctx context.Context) (model.TimerState, error)

	Resync(ctx context.Context) error
}

// RolloverChecker runs the daily rollover check on demand.
type RolloverChecker interface {
	Check(ctx context.Context) (bool, error)
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	engine   Engine
	rollover RolloverChecker
	policy   engine.TimerPolicy
	config   ServerConfig
	logger   zerolog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(eng Engine, rollover RolloverChecker, cfg ServerConfig, logger zerolog.Logger) *Handlers {
	return &Handlers{
		engine:   eng,
		rollover: rollover,
		policy:   cfg.Policy,
		config:   cfg,
		logger:   logger.With().Str("component", "handlers").Logger(),
	}
}

// GetState handles GET /api/v1/state.
func (h *Handlers) GetState(c *fiber.Ctx) error {
	return c.JSON(h.engine.State())
}

// CurrentCycle handles GET /api/v1/cycles/current?date=YYYY-MM-DD.
func (h *Handlers) CurrentCycle(c *fiber.Ctx) error {
	day := h.engine.Today()
	if raw := c.Query("date"); raw != "" {
		d, err := model.ParseDay(raw)
		if err != nil {
			return problemResponse(c, fiber.StatusBadRequest,
				"invalid_date", "Bad Request",
				"date must be formatted as YYYY-MM-DD")
		}
		day = d
	}

	cycle, ok := h.engine.CurrentCycle(day)
	if !ok {
		return problemResponse(c, fiber.StatusNotFound,
			"no_cycles", "Not Found",
			"No cycles are defined")
	}
	return c.JSON(CycleResponse{Date: day, Cycle: cycle, Week: weekOf(cycle.StartDate, day)})
}

// weekOf returns the one-based week of day within a cycle starting on start.
// Days before the start count as week 1.
func weekOf(start, day model.Day) int {
	s, err1 := start.Start(time.UTC)
	d, err2 := day.Start(time.UTC)
	if err1 != nil || err2 != nil || d.Before(s) {
		return 1
	}
	return int(d.Sub(s).Hours()/24)/7 + 1
}

// PutCycle handles PUT /api/v1/cycles/:id.
func (h *Handlers) PutCycle(c *fiber.Ctx) error {
	var req CycleRequest
	if err := c.BodyParser(&req); err != nil {
		return invalidBody(c, err)
	}
	return h.mutate(c, engine.UpsertCycle(model.Cycle{
		ID:            c.Params("id"),
		Name:          req.Name,
		Number:        req.Number,
		StartDate:     req.StartDate,
		ChallengeDate: req.ChallengeDate,
	}))
}

// DeleteCycle handles DELETE /api/v1/cycles/:id.
func (h *Handlers) DeleteCycle(c *fiber.Ctx) error {
	return h.mutate(c, engine.DeleteCycle(c.Params("id")))
}

// PutItem handles PUT /api/v1/cycles/:cycle/items/:id.
func (h *Handlers) PutItem(c *fiber.Ctx) error {
	var req ItemRequest
	if err := c.BodyParser(&req); err != nil {
		return invalidBody(c, err)
	}
	return h.mutate(c, engine.UpsertItem(model.Item{
		ID:          c.Params("id"),
		CycleID:     c.Params("cycle"),
		Name:        req.Name,
		Category:    req.Category,
		Dose:        req.Dose,
		Unit:        req.Unit,
		WeeklyDoses: req.WeeklyDoses,
		Order:       req.Order,
	}))
}

// DeleteItem handles DELETE /api/v1/cycles/:cycle/items/:id.
func (h *Handlers) DeleteItem(c *fiber.Ctx) error {
	return h.mutate(c, engine.DeleteItem(c.Params("cycle"), c.Params("id")))
}

// GetGroup handles GET /api/v1/cycles/:cycle/groups/:id.
func (h *Handlers) GetGroup(c *fiber.Ctx) error {
	cycle, id := c.Params("cycle"), c.Params("id")
	for _, g := range h.engine.State().Groups[cycle] {
		if g.ID == id {
			today := h.engine.Today()
			return c.JSON(GroupStatusResponse{
				Group:    g,
				Date:     today,
				Complete: h.engine.GroupComplete(cycle, id, today),
			})
		}
	}
	return problemResponse(c, fiber.StatusNotFound,
		"not_found", "Not Found",
		"Group not found: "+id)
}

// PutGroup handles PUT /api/v1/cycles/:cycle/groups/:id.
func (h *Handlers) PutGroup(c *fiber.Ctx) error {
	var req GroupRequest
	if err := c.BodyParser(&req); err != nil {
		return invalidBody(c, err)
	}
	return h.mutate(c, engine.UpsertGroup(model.GroupedItem{
		ID:       c.Params("id"),
		CycleID:  c.Params("cycle"),
		Name:     req.Name,
		Category: req.Category,
		ItemIDs:  req.ItemIDs,
	}))
}

// DeleteGroup handles DELETE /api/v1/cycles/:cycle/groups/:id.
func (h *Handlers) DeleteGroup(c *fiber.Ctx) error {
	return h.mutate(c, engine.DeleteGroup(c.Params("cycle"), c.Params("id")))
}

// CompleteGroup handles POST /api/v1/cycles/:cycle/groups/:id/complete.
func (h *Handlers) CompleteGroup(c *fiber.Ctx) error {
	st, err := h.engine.CompleteGroup(c.UserContext(), c.Params("cycle"), c.Params("id"))
	if err != nil {
		return h.engineError(c, err)
	}
	return c.JSON(st)
}

// LogEvent handles POST /api/v1/cycles/:cycle/events.
func (h *Handlers) LogEvent(c *fiber.Ctx) error {
	var req LogEventRequest
	if err := c.BodyParser(&req); err != nil {
		return invalidBody(c, err)
	}
	if req.ItemID == "" {
		return problemResponse(c, fiber.StatusBadRequest,
			"missing_item", "Bad Request",
			"itemId is required")
	}
	ev := model.CompletionEvent{ItemID: req.ItemID}
	if req.Timestamp != nil {
		ev.Timestamp = *req.Timestamp
	}
	st, err := h.engine.ApplyLocalMutation(c.UserContext(), engine.LogEvent(c.Params("cycle"), ev))
	if err != nil {
		return h.engineError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(st)
}

// UnlogEvent handles DELETE /api/v1/cycles/:cycle/events/:item/:day.
func (h *Handlers) UnlogEvent(c *fiber.Ctx) error {
	day, err := model.ParseDay(c.Params("day"))
	if err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_date", "Bad Request",
			"day must be formatted as YYYY-MM-DD")
	}
	return h.mutate(c, engine.UnlogEvent(c.Params("cycle"), c.Params("item"), day))
}

// CollapseCategory handles PUT /api/v1/cycles/:cycle/collapsed/categories/:category.
func (h *Handlers) CollapseCategory(c *fiber.Ctx) error {
	var req CollapseRequest
	if err := c.BodyParser(&req); err != nil {
		return invalidBody(c, err)
	}
	cat := model.Category(c.Params("category"))
	return h.mutate(c, engine.CollapseCategory(c.Params("cycle"), cat, req.Collapsed))
}

// CollapseGroup handles PUT /api/v1/cycles/:cycle/collapsed/groups/:id.
func (h *Handlers) CollapseGroup(c *fiber.Ctx) error {
	var req CollapseRequest
	if err := c.BodyParser(&req); err != nil {
		return invalidBody(c, err)
	}
	return h.mutate(c, engine.CollapseGroup(c.Params("cycle"), c.Params("id"), req.Collapsed))
}

// PutUnit handles PUT /api/v1/units/:id.
func (h *Handlers) PutUnit(c *fiber.Ctx) error {
	var req UnitRequest
	if err := c.BodyParser(&req); err != nil {
		return invalidBody(c, err)
	}
	return h.mutate(c, engine.UpsertUnit(model.Unit{ID: c.Params("id"), Name: req.Name}))
}

// DeleteUnit handles DELETE /api/v1/units/:id.
func (h *Handlers) DeleteUnit(c *fiber.Ctx) error {
	return h.mutate(c, engine.DeleteUnit(c.Params("id")))
}

// GetTimer handles GET /api/v1/timer.
func (h *Handlers) GetTimer(c *fiber.Ctx) error {
	return c.JSON(timerResponse(h.engine.Timer()))
}

// StartTimer handles POST /api/v1/timer/start.
func (h *Handlers) StartTimer(c *fiber.Ctx) error {
	var req StartTimerRequest
	if err := c.BodyParser(&req); err != nil {
		return invalidBody(c, err)
	}
	d := time.Duration(req.DurationSeconds) * time.Second
	if d <= 0 {
		d = h.config.DefaultTimer
		if h.policy != nil {
			if pd, ok := h.policy.TimerFor(req.Category); ok {
				d = pd
			}
		}
	}
	ts, err := h.engine.StartTimer(c.UserContext(), req.CycleID, req.Category, d)
	if err != nil {
		return h.engineError(c, err)
	}
	return c.JSON(timerResponse(ts))
}

// StopTimer handles POST /api/v1/timer/stop.
func (h *Handlers) StopTimer(c *fiber.Ctx) error {
	return h.timerOp(c, h.engine.StopTimer)
}

// SnoozeTimer handles POST /api/v1/timer/snooze.
func (h *Handlers) SnoozeTimer(c *fiber.Ctx) error {
	var req SnoozeRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return invalidBody(c, err)
		}
	}
	d := time.Duration(req.Minutes) * time.Minute
	if d <= 0 {
		d = h.config.DefaultSnooze
	}
	return h.timerOp(c, func(ctx context.Context) (model.TimerState, error) {
		return h.engine.SnoozeTimer(ctx, d)
	})
}

// DismissTimer handles POST /api/v1/timer/dismiss.
func (h *Handlers) DismissTimer(c *fiber.Ctx) error {
	return h.timerOp(c, h.engine.DismissTimer)
}

// SyncStatus handles GET /api/v1/sync.
func (h *Handlers) SyncStatus(c *fiber.Ctx) error {
	entries := h.engine.PendingWrites()
	resp := SyncStatusResponse{Pending: make([]PendingWrite, 0, len(entries))}
	for _, e := range entries {
		resp.Pending = append(resp.Pending, toPendingWrite(e))
		if e.Status == pending.StatusFailed {
			resp.Failed++
		}
	}
	if err := h.engine.SyncError(); err != nil {
		resp.SyncError = err.Error()
	}
	return c.JSON(resp)
}

// Resync handles POST /api/v1/sync/resync.
func (h *Handlers) Resync(c *fiber.Ctx) error {
	if err := h.engine.Resync(c.UserContext()); err != nil {
		h.logger.Warn().
			Err(err).
			Str("request_id", requestid.FromContext(c.UserContext())).
			Msg("resync incomplete")
		return problemResponse(c, fiber.StatusBadGateway,
			"resync_failed", "Bad Gateway",
			err.Error())
	}
	return h.SyncStatus(c)
}

// Rollover handles POST /api/v1/rollover.
func (h *Handlers) Rollover(c *fiber.Ctx) error {
	if h.rollover == nil {
		return problemResponse(c, fiber.StatusNotImplemented,
			"rollover_unavailable", "Not Implemented",
			"Rollover controller is not configured")
	}
	ran, err := h.rollover.Check(c.UserContext())
	if err != nil {
		return h.engineError(c, err)
	}
	return c.JSON(RolloverResponse{RolledOver: ran, Today: h.engine.Today()})
}

func (h *Handlers) mutate(c *fiber.Ctx, m engine.Mutation) error {
	st, err := h.engine.ApplyLocalMutation(c.UserContext(), m)
	if err != nil {
		return h.engineError(c, err)
	}
	return c.JSON(st)
}

func (h *Handlers) timerOp(c *fiber.Ctx, op func(ctx context.Context) (model.TimerState, error)) error {
	ts, err := op(c.UserContext())
	if err != nil {
		return h.engineError(c, err)
	}
	return c.JSON(timerResponse(ts))
}

// engineError maps engine errors to problem responses.
func (h *Handlers) engineError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, rerrors.ErrInvalidInput):
		return problemResponse(c, fiber.StatusBadRequest, "invalid_input", "Bad Request", err.Error())
	case errors.Is(err, rerrors.ErrNotFound):
		return problemResponse(c, fiber.StatusNotFound, "not_found", "Not Found", err.Error())
	case errors.Is(err, rerrors.ErrConflict):
		return problemResponse(c, fiber.StatusConflict, "conflict", "Conflict", err.Error())
	case errors.Is(err, rerrors.ErrInvalidState):
		return problemResponse(c, fiber.StatusConflict, "invalid_state", "Conflict", err.Error())
	case rerrors.IsRetryable(err):
		return problemResponse(c, fiber.StatusServiceUnavailable, "unavailable", "Service Unavailable", err.Error())
	}
	h.logger.Error().
		Err(err).
		Str("path", c.Path()).
		Str("request_id", requestid.FromContext(c.UserContext())).
		Msg("engine operation failed")
	return err
}

func invalidBody(c *fiber.Ctx, err error) error {
	return problemResponse(c, fiber.StatusBadRequest,
		"invalid_body", "Bad Request",
		"Invalid request body: "+err.Error())
}

func timerResponse(ts model.TimerState) TimerResponse {
	resp := TimerResponse{Timer: ts}
	if ts.Phase == model.PhaseRunning || ts.Phase == model.PhaseSnoozed {
		if left := time.Until(ts.EndTime); left > 0 {
			resp.Remaining = left.Round(time.Second).String()
		}
	}
	return resp
}
