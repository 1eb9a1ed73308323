// README: Invite handlers for admins and redeeming accounts.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"shuttle/internal/access"
	"shuttle/internal/http/middleware"
	"shuttle/internal/modules/invite"
)

type InviteService interface {
	List(ctx context.Context, actor access.Actor, f invite.Filter) ([]invite.Link, error)
	Get(ctx context.Context, actor access.Actor, code string) (*invite.Link, error)
	Create(ctx context.Context, actor access.Actor, role access.Role, ttl time.Duration) (*invite.Link, error)
	Redeem(ctx context.Context, actor access.Actor, code string) (*invite.Link, error)
}

type InviteHandler struct {
	invites InviteService
}

func NewInviteHandler(svc InviteService) *InviteHandler {
	return &InviteHandler{invites: svc}
}

func (h *InviteHandler) List(c *gin.Context) {
	f := invite.Filter{Status: invite.Status(c.Query("status"))}
	var ok bool
	if f.Limit, ok = queryLimit(c); !ok {
		return
	}
	links, err := h.invites.List(c.Request.Context(), middleware.Actor(c), f)
	if err != nil {
		writeAppError(c, err)
		return
	}
	out := make([]inviteView, 0, len(links))
	for i := range links {
		out = append(out, newInviteView(&links[i]))
	}
	writeJSON(c, http.StatusOK, gin.H{"invites": out})
}

func (h *InviteHandler) Get(c *gin.Context) {
	l, err := h.invites.Get(c.Request.Context(), middleware.Actor(c), c.Param("code"))
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, newInviteView(l))
}

type createInviteReq struct {
	Role     string `json:"role"`
	TTLHours int    `json:"ttl_hours"`
}

func (h *InviteHandler) Create(c *gin.Context) {
	var req createInviteReq
	if !bindJSON(c, &req) {
		return
	}
	role, ok := access.ParseRole(req.Role)
	if !ok || req.Role == "" {
		writeError(c, http.StatusBadRequest, "invalid role")
		return
	}
	l, err := h.invites.Create(c.Request.Context(), middleware.Actor(c), role, time.Duration(req.TTLHours)*time.Hour)
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, newInviteView(l))
}

func (h *InviteHandler) Redeem(c *gin.Context) {
	l, err := h.invites.Redeem(c.Request.Context(), middleware.Actor(c), c.Param("code"))
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"role": string(l.Role), "status": l.Status})
}
