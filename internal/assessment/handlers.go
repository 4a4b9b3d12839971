package assessment

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/sessionguard/internal/risk"
	"github.com/mbd888/sessionguard/internal/validation"
)

// Handler provides HTTP endpoints for scoring and audit lookups.
type Handler struct {
	service *Service
}

// NewHandler creates a new assessment handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the scoring and read-only routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/score", h.Score)
	r.POST("/score/batch", h.ScoreBatch)
	r.POST("/explain", h.Explain)
	r.GET("/assessments/:id", h.GetAssessment)
	r.GET("/sessions/:sessionId/assessments", validation.SessionIDParamMiddleware(), h.ListSessionAssessments)
	r.GET("/weights", h.GetWeights)
	r.GET("/rules", h.ListRules)
}

// RegisterAdminRoutes sets up routes that change scoring behaviour. The
// caller is responsible for guarding r.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.PUT("/weights", h.UpdateWeights)
}

// scoreBody accepts either {"session_id": ..., "payload": {...}} or a bare
// ScoreInput.
type scoreBody struct {
	SessionID string           `json:"session_id"`
	Payload   *risk.ScoreInput `json:"payload"`
	risk.ScoreInput
}

func (b scoreBody) request() ScoreRequest {
	req := ScoreRequest{SessionID: b.SessionID, Payload: b.ScoreInput}
	if b.Payload != nil {
		req.Payload = *b.Payload
	}
	return req
}

// BatchRequest is the body of POST /v1/score/batch.
type BatchRequest struct {
	Items []ScoreRequest `json:"items"`
}

// UpdateWeightsRequest is the body of PUT /v1/weights.
type UpdateWeightsRequest struct {
	Version string             `json:"version"`
	Weights map[string]float64 `json:"weights"`
}

// Score handles POST /v1/score
func (h *Handler) Score(c *gin.Context) {
	var body scoreBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	a, err := h.service.Score(c.Request.Context(), body.request())
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"assessment": a})
}

// ScoreBatch handles POST /v1/score/batch
func (h *Handler) ScoreBatch(c *gin.Context) {
	var req BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	assessments, err := h.service.ScoreBatch(c.Request.Context(), req.Items)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"assessments": assessments,
		"count":       len(assessments),
	})
}

// Explain handles POST /v1/explain
func (h *Handler) Explain(c *gin.Context) {
	var body scoreBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"explanation": h.service.Explain(c.Request.Context(), body.request().Payload)})
}

// GetAssessment handles GET /v1/assessments/:id
func (h *Handler) GetAssessment(c *gin.Context) {
	a, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"assessment": a})
}

// ListSessionAssessments handles GET /v1/sessions/:sessionId/assessments
func (h *Handler) ListSessionAssessments(c *gin.Context) {
	sessionID := c.Param("sessionId")
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	assessments, err := h.service.ListBySession(c.Request.Context(), sessionID, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if assessments == nil {
		assessments = []*Assessment{}
	}

	c.JSON(http.StatusOK, gin.H{
		"assessments": assessments,
		"count":       len(assessments),
	})
}

// GetWeights handles GET /v1/weights
func (h *Handler) GetWeights(c *gin.Context) {
	w := h.service.Weights()
	c.JSON(http.StatusOK, gin.H{
		"version":        w.Version(),
		"weights":        w.Map(),
		"bound":          w.MaxAbsWeight(),
		"hard_rule_mode": h.service.Mode(),
		"top_k":          h.service.TopK(),
	})
}

// UpdateWeights handles PUT /v1/weights
func (h *Handler) UpdateWeights(c *gin.Context) {
	var req UpdateWeightsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	w, err := h.service.UpdateWeights(c.Request.Context(), req.Version, req.Weights)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"version": w.Version(),
		"weights": w.Map(),
		"bound":   w.MaxAbsWeight(),
	})
}

type ruleView struct {
	Name        string `json:"name"`
	Code        string `json:"code"`
	Description string `json:"description,omitempty"`
}

// ListRules handles GET /v1/rules
func (h *Handler) ListRules(c *gin.Context) {
	rules := h.service.Rules()
	views := make([]ruleView, 0, len(rules))
	for _, r := range rules {
		views = append(views, ruleView{Name: r.Name, Code: r.Code, Description: r.Description})
	}

	c.JSON(http.StatusOK, gin.H{
		"rules":          views,
		"hard_rule_mode": h.service.Mode(),
	})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Assessment not found",
		})
	case errors.Is(err, ErrEmptyBatch), errors.Is(err, ErrBatchTooLarge),
		errors.Is(err, ErrInvalidArgument), errors.Is(err, ErrInvalidWeights):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Internal server error",
		})
	}
}
