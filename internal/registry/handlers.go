package registry

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/facilitator/internal/logging"
)

// Handler provides HTTP handlers for the validation registry API.
type Handler struct {
	agg *Aggregator
}

// NewHandler creates a new registry handler.
func NewHandler(agg *Aggregator) *Handler {
	return &Handler{agg: agg}
}

// RegisterRoutes sets up the registry routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/validations/requests", h.SubmitRequest)
	r.POST("/validations/responses", h.RecordResponse)
	r.GET("/tasks/:taskId/summary", h.TaskSummary)
	r.POST("/tasks/:taskId/satisfied", h.CheckRequirement)
}

type submitRequestBody struct {
	TaskID      string `json:"taskId" binding:"required"`
	AgentID     string `json:"agentId" binding:"required"`
	ResponseURI string `json:"responseUri"`
}

// SubmitRequest records a validation request and returns its hash.
func (h *Handler) SubmitRequest(c *gin.Context) {
	var body submitRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	req, err := h.agg.SubmitRequest(c.Request.Context(), body.TaskID, body.AgentID, body.ResponseURI)
	if err != nil {
		if errors.Is(err, ErrRequestExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "request_exists"})
			return
		}
		logging.L(c.Request.Context()).Error("submit request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	c.JSON(http.StatusCreated, req)
}

type recordResponseBody struct {
	RequestHash      string `json:"requestHash" binding:"required"`
	Tag              string `json:"tag" binding:"required"`
	Score            int    `json:"score"`
	ValidatorAddress string `json:"validatorAddress" binding:"required"`
	ResponseURI      string `json:"responseUri"`
	ResponseHash     string `json:"responseHash"`
}

// RecordResponse appends a validation response.
func (h *Handler) RecordResponse(c *gin.Context) {
	var body recordResponseBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	resp := &Response{
		RequestHash:      body.RequestHash,
		Tag:              body.Tag,
		Score:            body.Score,
		ValidatorAddress: body.ValidatorAddress,
		ResponseURI:      body.ResponseURI,
		ResponseHash:     body.ResponseHash,
	}

	if err := h.agg.Record(c.Request.Context(), resp); err != nil {
		switch {
		case errors.Is(err, ErrRequestHashZero):
			c.JSON(http.StatusBadRequest, gin.H{"error": "request_hash_zero"})
		case errors.Is(err, ErrScoreOutOfRange):
			c.JSON(http.StatusBadRequest, gin.H{"error": "score_out_of_range"})
		case errors.Is(err, ErrRequestNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "request_not_found"})
		case errors.Is(err, ErrConflictOfInterest):
			c.JSON(http.StatusForbidden, gin.H{"error": "conflict_of_interest"})
		case errors.Is(err, ErrUnauthorizedValidator):
			c.JSON(http.StatusForbidden, gin.H{"error": "unauthorized_validator"})
		default:
			logging.L(c.Request.Context()).Error("record response failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		}
		return
	}

	c.JSON(http.StatusCreated, resp)
}

// TaskSummary returns per-tag summaries for a task.
func (h *Handler) TaskSummary(c *gin.Context) {
	summaries, err := h.agg.Summarize(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		logging.L(c.Request.Context()).Error("summarize failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"taskId": c.Param("taskId"), "summaries": summaries})
}

// CheckRequirement evaluates a threshold requirement against a task's
// recorded responses.
func (h *Handler) CheckRequirement(c *gin.Context) {
	var req Requirement
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	ok, err := h.agg.IsRequirementSatisfied(c.Request.Context(), c.Param("taskId"), &req)
	if err != nil {
		logging.L(c.Request.Context()).Error("requirement check failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"taskId": c.Param("taskId"), "satisfied": ok})
}
