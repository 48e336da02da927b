// Package handler exposes the trust-constellation engine over HTTP:
// identity lifecycle endpoints, audit log reads, operator authentication,
// and per-request metrics and rate limiting.
package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/anchorid/constellation/internal/anchor"
	"github.com/anchorid/constellation/internal/binding"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// IdentityHandler serves the identity lifecycle API.
type IdentityHandler struct {
	svc    *binding.Service
	logger *zap.Logger
}

// NewIdentityHandler creates an IdentityHandler.
func NewIdentityHandler(svc *binding.Service, logger *zap.Logger) *IdentityHandler {
	return &IdentityHandler{svc: svc, logger: logger}
}

// Register mounts the identity routes on the given router group. auth guards
// every mutating endpoint; reads are open.
func (h *IdentityHandler) Register(rg *gin.RouterGroup, auth gin.HandlerFunc) {
	ids := rg.Group("/identities")
	{
		ids.POST("", auth, h.Genesis)
		ids.POST("/:root/devices", auth, h.Enroll)
		ids.POST("/:root/witness", auth, h.Witness)
		ids.POST("/:root/devices/:device/remove", auth, h.Remove)
		ids.POST("/:root/recover", auth, h.Recover)
		ids.GET("/:root", h.Get)
		ids.GET("/:root/trust", h.Trust)
	}
}

type genesisRequest struct {
	RootID     string `json:"root_id"`
	AnchorKind string `json:"anchor_kind" binding:"required"`
	Platform   string `json:"platform"`
}

// Genesis handles POST /identities — creates a root identity with its first
// device.
func (h *IdentityHandler) Genesis(c *gin.Context) {
	var req genesisRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	kind, err := anchor.ParseKind(req.AnchorKind)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	snap, err := h.svc.Genesis(c.Request.Context(), req.RootID, kind, req.Platform)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, snap)
}

type enrollRequest struct {
	AnchorKind string `json:"anchor_kind" binding:"required"`
	Platform   string `json:"platform"`
	WitnessID  string `json:"witness_id"`
}

// Enroll handles POST /identities/:root/devices.
func (h *IdentityHandler) Enroll(c *gin.Context) {
	var req enrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	kind, err := anchor.ParseKind(req.AnchorKind)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	dev, err := h.svc.EnrollDevice(c.Request.Context(), c.Param("root"), kind, req.Platform, req.WitnessID)
	if err != nil {
		h.renderError(c, err)
		return
	}
	RecordEnrollment(string(kind))
	c.JSON(http.StatusCreated, dev)
}

type witnessRequest struct {
	DeviceA string `json:"device_a" binding:"required"`
	DeviceB string `json:"device_b" binding:"required"`
}

// Witness handles POST /identities/:root/witness.
func (h *IdentityHandler) Witness(c *gin.Context) {
	var req witnessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.svc.CrossWitness(c.Request.Context(), c.Param("root"), req.DeviceA, req.DeviceB)
	if err != nil {
		h.renderError(c, err)
		return
	}
	RecordWitnessRound()
	c.JSON(http.StatusOK, res)
}

type removeRequest struct {
	Reason         string   `json:"reason" binding:"required"`
	AuthorizingIDs []string `json:"authorizing_ids" binding:"required"`
}

// Remove handles POST /identities/:root/devices/:device/remove.
func (h *IdentityHandler) Remove(c *gin.Context) {
	var req removeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.svc.RemoveDevice(c.Request.Context(), c.Param("root"), c.Param("device"), req.Reason, req.AuthorizingIDs)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": c.Param("device"), "reason": req.Reason})
}

type recoverRequest struct {
	RecoveryIDs []string `json:"recovery_ids" binding:"required"`
	AnchorKind  string   `json:"anchor_kind" binding:"required"`
	Platform    string   `json:"platform"`
}

// Recover handles POST /identities/:root/recover.
func (h *IdentityHandler) Recover(c *gin.Context) {
	var req recoverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	kind, err := anchor.ParseKind(req.AnchorKind)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	dev, err := h.svc.RecoverIdentity(c.Request.Context(), c.Param("root"), req.RecoveryIDs, kind, req.Platform)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, dev)
}

// Get handles GET /identities/:root — read-only snapshot.
func (h *IdentityHandler) Get(c *gin.Context) {
	snap, err := h.svc.GetConstellation(c.Param("root"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// Trust handles GET /identities/:root/trust. The evaluation time defaults to
// now and may be pinned with ?at=RFC3339.
func (h *IdentityHandler) Trust(c *gin.Context) {
	at := time.Now().UTC()
	if s := c.Query("at"); s != "" {
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "at must be RFC3339"})
			return
		}
		at = parsed
	}

	trust, err := h.svc.GetTrust(c.Param("root"), at)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"root_id": c.Param("root"),
		"at":      at,
		"trust":   trust,
	})
}

// renderError maps protocol errors onto HTTP statuses. Every rejection keeps
// the wrapped detail so callers can see which invariant blocked it.
func (h *IdentityHandler) renderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, binding.ErrNotInitialized),
		errors.Is(err, binding.ErrUnknownDevice):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, binding.ErrAlreadyInitialized):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, binding.ErrQuorumNotMet),
		errors.Is(err, binding.ErrHardwareRequired),
		errors.Is(err, binding.ErrNoActiveWitness),
		errors.Is(err, binding.ErrWitnessNotActive),
		errors.Is(err, binding.ErrDeviceNotActive):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, binding.ErrSignatureInvalid):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		h.logger.Error("identity operation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
