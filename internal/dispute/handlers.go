package dispute

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/facilitator/internal/escrow"
	"github.com/mbd888/facilitator/internal/logging"
	"github.com/mbd888/facilitator/internal/registry"
)

// Handler exposes dispute evaluation and resolution over HTTP. Evaluation
// is read-only unless the verdict is hard and the request names an escrow
// payment to freeze.
type Handler struct {
	engine    *Engine
	responses registry.Store
	payments  *escrow.StateMachine
}

// NewHandler creates a dispute handler.
func NewHandler(engine *Engine, responses registry.Store, payments *escrow.StateMachine) *Handler {
	return &Handler{engine: engine, responses: responses, payments: payments}
}

// RegisterRoutes sets up the public dispute routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/tasks/:taskId/disputes/evaluate", h.Evaluate)
}

// RegisterAdminRoutes sets up routes that apply arbitration outcomes. The
// caller is expected to gate the group.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/payments/:paymentId/resolve", h.Resolve)
}

type evaluateBody struct {
	Requirement *registry.Requirement `json:"requirement"`
	DeliveredAt time.Time             `json:"deliveredAt" binding:"required"`

	// PaymentID, when set, is the escrow record frozen on a hard verdict.
	PaymentID string `json:"paymentId"`

	ReceiptHashMatches  *bool `json:"receiptHashMatches"`
	EvidenceFraudProven bool  `json:"evidenceFraudProven"`
}

// Evaluate classifies a task's validation outcome. A hard verdict with a
// paymentId moves the escrow record to DISPUTED.
func (h *Handler) Evaluate(c *gin.Context) {
	var body evaluateBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	ctx := c.Request.Context()
	taskID := c.Param("taskId")

	responses, err := h.responses.ListResponses(ctx, taskID)
	if err != nil {
		logging.L(ctx).Error("list responses failed", "task", taskID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	receiptOK := true
	if body.ReceiptHashMatches != nil {
		receiptOK = *body.ReceiptHashMatches
	}

	verdict := h.engine.Evaluate(&Input{
		TaskID:              taskID,
		Responses:           responses,
		Requirement:         body.Requirement,
		DeliveredAt:         body.DeliveredAt,
		Now:                 time.Now(),
		ReceiptHashMatches:  receiptOK,
		EvidenceFraudProven: body.EvidenceFraudProven,
	})

	frozen := false
	if verdict.Escalate && body.PaymentID != "" {
		if _, err := h.payments.Dispute(ctx, body.PaymentID); err != nil {
			// Terminal or already-disputed records stay as they are.
			if !errors.Is(err, escrow.ErrInvalidStateTransition) {
				logging.L(ctx).Error("freeze payment failed",
					"payment_id", body.PaymentID, "error", err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
				return
			}
		} else {
			frozen = true
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"taskId":         taskID,
		"classification": verdict,
		"paymentFrozen":  frozen,
	})
}

type resolveBody struct {
	Outcome   escrow.State `json:"outcome" binding:"required"`
	OutcomeTx string       `json:"outcomeTx"`
}

// Resolve drives a DISPUTED payment to its arbitration outcome. The
// outcome transaction is produced by the arbitration process, not by this
// service.
func (h *Handler) Resolve(c *gin.Context) {
	var body resolveBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	p, err := h.payments.Resolve(c.Request.Context(), c.Param("paymentId"), body.Outcome, body.OutcomeTx)
	if err != nil {
		switch {
		case errors.Is(err, escrow.ErrPaymentNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "payment_not_found"})
		case errors.Is(err, escrow.ErrInvalidStateTransition):
			c.JSON(http.StatusConflict, gin.H{"error": "invalid_state_transition"})
		default:
			logging.L(c.Request.Context()).Error("resolve dispute failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		}
		return
	}

	c.JSON(http.StatusOK, p)
}
