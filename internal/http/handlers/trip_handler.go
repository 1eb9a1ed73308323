// README: Trip handlers for customers, drivers and admins.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"shuttle/internal/access"
	"shuttle/internal/http/middleware"
	"shuttle/internal/modules/assignment"
	"shuttle/internal/modules/trip"
	"shuttle/internal/types"
)

type TripService interface {
	Get(ctx context.Context, actor access.Actor, tripID types.ID) (*trip.Trip, error)
	List(ctx context.Context, actor access.Actor, f trip.Filter) ([]trip.Trip, error)
	ListForDriver(ctx context.Context, actor access.Actor) ([]trip.Trip, error)
	ListForCustomer(ctx context.Context, actor access.Actor) ([]trip.Trip, error)
	Events(ctx context.Context, actor access.Actor, tripID types.ID) ([]trip.Event, error)
	Acknowledge(ctx context.Context, actor access.Actor, tripID types.ID) (*trip.Trip, error)
	Accept(ctx context.Context, actor access.Actor, tripID types.ID) (*trip.Trip, error)
	Start(ctx context.Context, actor access.Actor, tripID types.ID) (*trip.Trip, error)
	Complete(ctx context.Context, actor access.Actor, tripID types.ID) (*trip.Trip, error)
	Cancel(ctx context.Context, actor access.Actor, tripID types.ID, reason string) (*trip.Trip, error)
	AdminOverrideStatus(ctx context.Context, actor access.Actor, tripID types.ID, to trip.Status, note string) (*trip.Trip, error)
}

type AssignmentService interface {
	Assign(ctx context.Context, actor access.Actor, tripID, driverID types.ID) (*assignment.Result, error)
	Reassign(ctx context.Context, actor access.Actor, tripID, driverID types.ID) (*assignment.Result, error)
	AutoAssign(ctx context.Context, actor access.Actor, tripID types.ID) (*assignment.Result, error)
	Unassign(ctx context.Context, actor access.Actor, tripID types.ID) (*assignment.Result, error)
}

type TripHandler struct {
	trips  TripService
	assign AssignmentService
}

func NewTripHandler(trips TripService, assign AssignmentService) *TripHandler {
	return &TripHandler{trips: trips, assign: assign}
}

func (h *TripHandler) Get(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	t, err := h.trips.Get(c.Request.Context(), middleware.Actor(c), id)
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, newTripView(t))
}

// ListMine lists the caller's own bookings.
func (h *TripHandler) ListMine(c *gin.Context) {
	ts, err := h.trips.ListForCustomer(c.Request.Context(), middleware.Actor(c))
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"trips": newTripViews(ts)})
}

// ListAssigned lists the trips bound to the calling driver.
func (h *TripHandler) ListAssigned(c *gin.Context) {
	ts, err := h.trips.ListForDriver(c.Request.Context(), middleware.Actor(c))
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"trips": newTripViews(ts)})
}

func (h *TripHandler) List(c *gin.Context) {
	f := trip.Filter{
		Status:     trip.Status(c.Query("status")),
		DriverID:   types.ID(c.Query("driver_id")),
		CustomerID: types.ID(c.Query("customer_id")),
	}
	var ok bool
	if f.From, ok = queryTime(c, "from"); !ok {
		return
	}
	if f.To, ok = queryTime(c, "to"); !ok {
		return
	}
	if f.Limit, ok = queryLimit(c); !ok {
		return
	}
	ts, err := h.trips.List(c.Request.Context(), middleware.Actor(c), f)
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"trips": newTripViews(ts)})
}

func (h *TripHandler) Events(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	evs, err := h.trips.Events(c.Request.Context(), middleware.Actor(c), id)
	if err != nil {
		writeAppError(c, err)
		return
	}
	out := make([]tripEventView, 0, len(evs))
	for _, e := range evs {
		out = append(out, tripEventView{From: e.FromStatus, To: e.ToStatus, ActorRole: e.ActorRole, ActorID: e.ActorID, Note: e.Note, At: e.CreatedAt})
	}
	writeJSON(c, http.StatusOK, gin.H{"events": out})
}

type tripStep func(ctx context.Context, actor access.Actor, tripID types.ID) (*trip.Trip, error)

func (h *TripHandler) step(fn tripStep) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c, "id")
		if !ok {
			return
		}
		t, err := fn(c.Request.Context(), middleware.Actor(c), id)
		if err != nil {
			writeAppError(c, err)
			return
		}
		writeJSON(c, http.StatusOK, newTripView(t))
	}
}

func (h *TripHandler) Acknowledge(c *gin.Context) { h.step(h.trips.Acknowledge)(c) }
func (h *TripHandler) Accept(c *gin.Context)      { h.step(h.trips.Accept)(c) }
func (h *TripHandler) Start(c *gin.Context)       { h.step(h.trips.Start)(c) }
func (h *TripHandler) Complete(c *gin.Context)    { h.step(h.trips.Complete)(c) }

type cancelReq struct {
	Reason string `json:"reason"`
}

func (h *TripHandler) Cancel(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req cancelReq
	if c.Request.ContentLength > 0 && !bindJSON(c, &req) {
		return
	}
	t, err := h.trips.Cancel(c.Request.Context(), middleware.Actor(c), id, req.Reason)
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, newTripView(t))
}

type overrideReq struct {
	Status string `json:"status"`
	Note   string `json:"note"`
}

func (h *TripHandler) OverrideStatus(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req overrideReq
	if !bindJSON(c, &req) {
		return
	}
	if req.Status == "" {
		writeError(c, http.StatusBadRequest, "missing status")
		return
	}
	t, err := h.trips.AdminOverrideStatus(c.Request.Context(), middleware.Actor(c), id, trip.Status(req.Status), req.Note)
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, newTripView(t))
}

type assignReq struct {
	DriverID string `json:"driver_id"`
}

func (h *TripHandler) Assign(c *gin.Context) {
	h.bind(c, h.assign.Assign)
}

func (h *TripHandler) Reassign(c *gin.Context) {
	h.bind(c, h.assign.Reassign)
}

func (h *TripHandler) bind(c *gin.Context, fn func(context.Context, access.Actor, types.ID, types.ID) (*assignment.Result, error)) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req assignReq
	if !bindJSON(c, &req) {
		return
	}
	if !isValidID(req.DriverID) {
		writeError(c, http.StatusBadRequest, "invalid driver_id")
		return
	}
	res, err := fn(c.Request.Context(), middleware.Actor(c), id, types.ID(req.DriverID))
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, assignmentView(res))
}

func (h *TripHandler) AutoAssign(c *gin.Context) {
	h.pool(c, h.assign.AutoAssign)
}

func (h *TripHandler) Unassign(c *gin.Context) {
	h.pool(c, h.assign.Unassign)
}

func (h *TripHandler) pool(c *gin.Context, fn func(context.Context, access.Actor, types.ID) (*assignment.Result, error)) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	res, err := fn(c.Request.Context(), middleware.Actor(c), id)
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, assignmentView(res))
}

func assignmentView(r *assignment.Result) gin.H {
	out := gin.H{"trip_id": r.TripID}
	if r.DriverID != "" {
		out["driver_id"] = r.DriverID
	}
	if r.Warning != "" {
		out["warning"] = r.Warning
	}
	return out
}
