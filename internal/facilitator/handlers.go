// Package facilitator exposes the x402 verify/settle HTTP surface. The
// verify and settle endpoints never fail a request outright for an invalid
// envelope; they answer {valid:false} / {settled:false} so the caller's
// gating layer can respond 402 on its own terms.
package facilitator

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/facilitator/internal/escrow"
	"github.com/mbd888/facilitator/internal/logging"
	"github.com/mbd888/facilitator/internal/settlement"
	"github.com/mbd888/facilitator/pkg/x402"
)

// Handler provides the facilitator HTTP handlers.
type Handler struct {
	coordinator *settlement.Coordinator
}

// NewHandler creates a facilitator handler over the settlement coordinator.
func NewHandler(coordinator *settlement.Coordinator) *Handler {
	return &Handler{coordinator: coordinator}
}

// RegisterRoutes sets up the facilitator routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/verify", h.Verify)
	r.POST("/settle", h.Settle)
	r.POST("/payments/:paymentId/claim", h.Claim)
	r.POST("/payments/:paymentId/refund", h.Refund)
	r.GET("/payments/:paymentId", h.GetPayment)
}

type envelopeBody struct {
	// PaymentHeader is the base64 transport token; raw envelopes are also
	// accepted inline for SDK convenience.
	PaymentHeader string                `json:"paymentHeader"`
	Envelope      *x402.PaymentEnvelope `json:"envelope"`
}

func (b *envelopeBody) decode() (*x402.PaymentEnvelope, error) {
	if b.PaymentHeader != "" {
		return x402.DecodeEnvelope(b.PaymentHeader)
	}
	if b.Envelope != nil {
		if err := b.Envelope.Validate(); err != nil {
			return nil, err
		}
		return b.Envelope, nil
	}
	return nil, x402.ErrMalformedEnvelope
}

// Verify checks an envelope's signatures, deadline, and replay status
// without settling. Always answers 200 with a valid flag.
func (h *Handler) Verify(c *gin.Context) {
	var body envelopeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusOK, gin.H{"valid": false, "reason": "malformed_request"})
		return
	}

	env, err := body.decode()
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"valid": false, "reason": err.Error()})
		return
	}

	res, err := h.coordinator.Verify(c.Request.Context(), env)
	if err != nil {
		logging.L(c.Request.Context()).Error("verify failed", "error", err,
			"payment_id", env.Payload.PaymentID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	resp := gin.H{"valid": res.Valid, "paymentId": env.Payload.PaymentID}
	if !res.Valid && res.Reason != nil {
		resp["reason"] = res.Reason.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// Settle verifies and settles an envelope on-chain. Invalid envelopes
// answer {settled:false}; infrastructure failures answer 502.
func (h *Handler) Settle(c *gin.Context) {
	var body envelopeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusOK, gin.H{"settled": false, "reason": "malformed_request"})
		return
	}

	env, err := body.decode()
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"settled": false, "reason": err.Error()})
		return
	}

	s, err := h.coordinator.Settle(c.Request.Context(), env)
	if err != nil {
		if errors.Is(err, settlement.ErrVerificationFailed) {
			c.JSON(http.StatusOK, gin.H{
				"settled":   false,
				"paymentId": env.Payload.PaymentID,
				"reason":    err.Error(),
			})
			return
		}
		logging.L(c.Request.Context()).Error("settle failed", "error", err,
			"payment_id", env.Payload.PaymentID)
		c.JSON(http.StatusBadGateway, gin.H{
			"settled":   false,
			"paymentId": env.Payload.PaymentID,
			"reason":    "settlement_failed",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"settled":   true,
		"paymentId": s.PaymentID,
		"txRef":     s.TxRef,
		"confirmed": s.Confirmed,
	})
}

type callerBody struct {
	Caller string `json:"caller" binding:"required"`
}

// Claim resolves a pending payment in the recipient's favor.
func (h *Handler) Claim(c *gin.Context) {
	h.resolve(c, h.coordinator.Claim)
}

// Refund returns an expired pending payment to the payer.
func (h *Handler) Refund(c *gin.Context) {
	h.resolve(c, h.coordinator.Refund)
}

func (h *Handler) resolve(c *gin.Context, op func(ctx context.Context, paymentID, caller string) (*escrow.Payment, error)) {
	var body callerBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	p, err := op(c.Request.Context(), c.Param("paymentId"), body.Caller)
	if err != nil {
		switch {
		case errors.Is(err, escrow.ErrPaymentNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "payment_not_found"})
		case errors.Is(err, escrow.ErrUnauthorized):
			c.JSON(http.StatusForbidden, gin.H{"error": "unauthorized"})
		case errors.Is(err, escrow.ErrNotYetExpired):
			c.JSON(http.StatusConflict, gin.H{"error": "not_yet_expired"})
		case errors.Is(err, escrow.ErrInvalidStateTransition), errors.Is(err, settlement.ErrNotSettleable):
			c.JSON(http.StatusConflict, gin.H{"error": "invalid_state_transition"})
		default:
			logging.L(c.Request.Context()).Error("resolve failed", "error", err,
				"payment_id", c.Param("paymentId"))
			c.JSON(http.StatusBadGateway, gin.H{"error": "chain_error"})
		}
		return
	}

	c.JSON(http.StatusOK, p)
}

// GetPayment returns the escrow record for a payment id.
func (h *Handler) GetPayment(c *gin.Context) {
	p, err := h.coordinator.Payment(c.Request.Context(), c.Param("paymentId"))
	if err != nil {
		if errors.Is(err, escrow.ErrPaymentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "payment_not_found"})
			return
		}
		logging.L(c.Request.Context()).Error("payment lookup failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, p)
}
