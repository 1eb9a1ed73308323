// README: Driver handlers for the partner portal and admin review.
package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"shuttle/internal/access"
	"shuttle/internal/http/middleware"
	"shuttle/internal/modules/driver"
	"shuttle/internal/types"
)

type DriverService interface {
	EnsureProfile(ctx context.Context, actor access.Actor) (*driver.Driver, error)
	Get(ctx context.Context, actor access.Actor, driverID types.ID) (*driver.Driver, error)
	List(ctx context.Context, actor access.Actor, f driver.Filter) ([]driver.Driver, error)
	Documents(ctx context.Context, actor access.Actor, driverID types.ID) ([]driver.Document, error)
	Readiness(ctx context.Context, actor access.Actor, driverID types.ID) (driver.Readiness, error)
	UploadDocument(ctx context.Context, actor access.Actor, cmd driver.UploadCommand) (*driver.Document, error)
	SubmitForReview(ctx context.Context, actor access.Actor, driverID types.ID) (*driver.Driver, error)
	SetAvailability(ctx context.Context, actor access.Actor, driverID types.ID, desired bool, note string) (*driver.Driver, error)
	AvailabilityLog(ctx context.Context, actor access.Actor, driverID types.ID) ([]driver.AvailabilityChange, error)
	Approve(ctx context.Context, actor access.Actor, driverID types.ID) (*driver.Driver, error)
	Decline(ctx context.Context, actor access.Actor, driverID types.ID, reason string) (*driver.Driver, error)
	SetDocumentVerified(ctx context.Context, actor access.Actor, docID types.ID, verified bool) (*driver.Document, error)
}

// SessionInvalidator drops cached session data for an account.
type SessionInvalidator interface {
	Invalidate(account types.ID)
}

type DriverHandler struct {
	drivers  DriverService
	sessions SessionInvalidator
}

func NewDriverHandler(drivers DriverService, sessions SessionInvalidator) *DriverHandler {
	return &DriverHandler{drivers: drivers, sessions: sessions}
}

// self returns the caller with a driver profile id, creating the profile on
// first access.
func (h *DriverHandler) self(c *gin.Context) (access.Actor, bool) {
	actor := middleware.Actor(c)
	if actor.DriverID != "" {
		return actor, true
	}
	d, err := h.drivers.EnsureProfile(c.Request.Context(), actor)
	if err != nil {
		writeAppError(c, err)
		return actor, false
	}
	if h.sessions != nil {
		h.sessions.Invalidate(actor.ID)
	}
	actor.DriverID = d.ID
	return actor, true
}

func (h *DriverHandler) Profile(c *gin.Context) {
	actor, ok := h.self(c)
	if !ok {
		return
	}
	d, err := h.drivers.Get(c.Request.Context(), actor, actor.DriverID)
	if err != nil {
		writeAppError(c, err)
		return
	}
	r, err := h.drivers.Readiness(c.Request.Context(), actor, actor.DriverID)
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"driver": newDriverView(d), "ready": r.Ready, "missing": r.MissingStrings()})
}

func (h *DriverHandler) Documents(c *gin.Context) {
	actor, ok := h.self(c)
	if !ok {
		return
	}
	h.writeDocuments(c, actor, actor.DriverID)
}

func (h *DriverHandler) AdminDocuments(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	h.writeDocuments(c, middleware.Actor(c), id)
}

func (h *DriverHandler) writeDocuments(c *gin.Context, actor access.Actor, driverID types.ID) {
	docs, err := h.drivers.Documents(c.Request.Context(), actor, driverID)
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"documents": newDocumentViews(docs)})
}

type uploadReq struct {
	Type      string     `json:"type"`
	Location  string     `json:"location"`
	ExpiresAt *time.Time `json:"expires_at"`
}

func (h *DriverHandler) Upload(c *gin.Context) {
	actor, ok := h.self(c)
	if !ok {
		return
	}
	var req uploadReq
	if !bindJSON(c, &req) {
		return
	}
	if req.Type == "" || req.Location == "" {
		writeError(c, http.StatusBadRequest, "missing fields")
		return
	}
	doc, err := h.drivers.UploadDocument(c.Request.Context(), actor, driver.UploadCommand{
		DriverID:  actor.DriverID,
		Type:      driver.DocType(req.Type),
		Location:  req.Location,
		ExpiresAt: req.ExpiresAt,
	})
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, newDocumentView(doc))
}

func (h *DriverHandler) Submit(c *gin.Context) {
	actor, ok := h.self(c)
	if !ok {
		return
	}
	d, err := h.drivers.SubmitForReview(c.Request.Context(), actor, actor.DriverID)
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, newDriverView(d))
}

type availabilityReq struct {
	Available *bool  `json:"available"`
	Note      string `json:"note"`
}

func (h *DriverHandler) Availability(c *gin.Context) {
	actor, ok := h.self(c)
	if !ok {
		return
	}
	h.setAvailability(c, actor, actor.DriverID)
}

func (h *DriverHandler) AdminAvailability(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	h.setAvailability(c, middleware.Actor(c), id)
}

func (h *DriverHandler) setAvailability(c *gin.Context, actor access.Actor, driverID types.ID) {
	var req availabilityReq
	if !bindJSON(c, &req) {
		return
	}
	if req.Available == nil {
		writeError(c, http.StatusBadRequest, "missing available")
		return
	}
	d, err := h.drivers.SetAvailability(c.Request.Context(), actor, driverID, *req.Available, req.Note)
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, newDriverView(d))
}

func (h *DriverHandler) AvailabilityLog(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	log, err := h.drivers.AvailabilityLog(c.Request.Context(), middleware.Actor(c), id)
	if err != nil {
		writeAppError(c, err)
		return
	}
	out := make([]availabilityView, 0, len(log))
	for _, ch := range log {
		out = append(out, newAvailabilityView(ch))
	}
	writeJSON(c, http.StatusOK, gin.H{"changes": out})
}

func (h *DriverHandler) List(c *gin.Context) {
	f := driver.Filter{Status: driver.Status(c.Query("status"))}
	if raw := c.Query("available"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(c, http.StatusBadRequest, "invalid available")
			return
		}
		f.Available = &v
	}
	var ok bool
	if f.Limit, ok = queryLimit(c); !ok {
		return
	}
	ds, err := h.drivers.List(c.Request.Context(), middleware.Actor(c), f)
	if err != nil {
		writeAppError(c, err)
		return
	}
	out := make([]driverView, 0, len(ds))
	for i := range ds {
		out = append(out, newDriverView(&ds[i]))
	}
	writeJSON(c, http.StatusOK, gin.H{"drivers": out})
}

func (h *DriverHandler) Approve(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	d, err := h.drivers.Approve(c.Request.Context(), middleware.Actor(c), id)
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, newDriverView(d))
}

type declineReq struct {
	Reason string `json:"reason"`
}

func (h *DriverHandler) Decline(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req declineReq
	if !bindJSON(c, &req) {
		return
	}
	d, err := h.drivers.Decline(c.Request.Context(), middleware.Actor(c), id, req.Reason)
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, newDriverView(d))
}

type verifyReq struct {
	Verified *bool `json:"verified"`
}

func (h *DriverHandler) VerifyDocument(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req verifyReq
	if !bindJSON(c, &req) {
		return
	}
	if req.Verified == nil {
		writeError(c, http.StatusBadRequest, "missing verified")
		return
	}
	doc, err := h.drivers.SetDocumentVerified(c.Request.Context(), middleware.Actor(c), id, *req.Verified)
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, newDocumentView(doc))
}
