// Package api is the REST query surface of the gateway: preferences,
// history, message pagination, stats, and the report/block operations for
// clients that are not holding a WebSocket connection. Identity comes from
// the platform JWT; auth itself is external.
package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/flavourstalk/chat-core/internal/chaterr"
	"github.com/flavourstalk/chat-core/internal/compat"
	"github.com/flavourstalk/chat-core/internal/lifecycle"
	"github.com/flavourstalk/chat-core/internal/prefs"
	"github.com/flavourstalk/chat-core/internal/ratelimit"
	"github.com/flavourstalk/chat-core/internal/records"
	"github.com/flavourstalk/chat-core/internal/registry"
)

// Handler bundles the stores the REST endpoints read and write.
type Handler struct {
	prefs    *prefs.Store
	records  *records.Store
	registry *registry.Store
	life     *lifecycle.Service
	limiter  *ratelimit.Limiter
}

// NewHandler creates the REST handler set.
func NewHandler(pr *prefs.Store, rec *records.Store, reg *registry.Store, life *lifecycle.Service, limiter *ratelimit.Limiter) *Handler {
	return &Handler{
		prefs:    pr,
		records:  rec,
		registry: reg,
		life:     life,
		limiter:  limiter,
	}
}

// Router builds the Gin engine with all v1 routes behind the auth middleware.
func (h *Handler) Router(authMW gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	v1 := r.Group("/v1", authMW)
	{
		v1.GET("/preferences", h.getPreferences)
		v1.PUT("/preferences", h.putPreferences)
		v1.GET("/sessions/active", h.getActiveSession)
		v1.GET("/sessions/:id/messages", h.getMessages)
		v1.GET("/history", h.getHistory)
		v1.GET("/stats", h.getStats)
		v1.POST("/sessions/:id/report", h.postReport)
		v1.POST("/sessions/:id/block", h.postBlock)
	}
	return r
}

// preferencesPayload is the PUT /v1/preferences body. Validation tags mirror
// the compat rules so bad payloads fail before touching the store.
type preferencesPayload struct {
	Interests []string `json:"interests" binding:"required,min=1,max=10,dive,min=1"`
	AgeMin    int      `json:"age_min" binding:"omitempty,gte=18,lte=100"`
	AgeMax    int      `json:"age_max" binding:"omitempty,gte=18,lte=100,gtefield=AgeMin"`
	Location  string   `json:"location"`
	Gender    string   `json:"gender" binding:"omitempty,oneof=male female other"`
	Modality  string   `json:"modality" binding:"required,oneof=text audio video"`
}

func (p *preferencesPayload) criteria() compat.Criteria {
	c := compat.Criteria{
		Interests: p.Interests,
		Location:  p.Location,
		Gender:    p.Gender,
		Modality:  p.Modality,
	}
	if p.AgeMin != 0 || p.AgeMax != 0 {
		c.AgeRange = &compat.AgeRange{Min: p.AgeMin, Max: p.AgeMax}
	}
	return c
}

func (h *Handler) getPreferences(c *gin.Context) {
	p, err := h.prefs.Get(c.Request.Context(), userID(c))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) putPreferences(c *gin.Context) {
	var payload preferencesPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		abortWithError(c, bindingError("preferences", err))
		return
	}

	p, err := h.prefs.Upsert(c.Request.Context(), userID(c), payload.criteria())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) getActiveSession(c *gin.Context) {
	sess, err := h.registry.ActiveForUser(c.Request.Context(), userID(c))
	if err != nil {
		abortWithError(c, err)
		return
	}
	if sess == nil {
		c.JSON(http.StatusOK, gin.H{"session": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

func (h *Handler) getMessages(c *gin.Context) {
	ctx := c.Request.Context()
	sess, err := h.registry.GetOwned(ctx, c.Param("id"), userID(c))
	if err != nil {
		abortWithError(c, err)
		return
	}
	if sess.Pair == "" {
		c.JSON(http.StatusOK, gin.H{"messages": []*records.Message{}})
		return
	}

	beforeSeq, _ := strconv.ParseInt(c.Query("before_seq"), 10, 64)
	limit, _ := strconv.Atoi(c.Query("limit"))

	msgs, err := h.records.MessagesByPair(ctx, sess.Pair, beforeSeq, limit)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (h *Handler) getHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	sessions, err := h.records.SessionsByOwner(c.Request.Context(), userID(c), limit)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (h *Handler) getStats(c *gin.Context) {
	stats, err := h.records.AggregateStats(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

type reportPayload struct {
	Reason      string `json:"reason" binding:"required,oneof=harassment spam explicit underage other"`
	Description string `json:"description" binding:"max=1000"`
}

func (h *Handler) postReport(c *gin.Context) {
	uid := userID(c)
	if h.limiter != nil {
		if ok, _ := h.limiter.Allow(c.Request.Context(), uid, ratelimit.RuleReport); !ok {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "report rate limit exceeded"})
			return
		}
	}

	var payload reportPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		abortWithError(c, bindingError("report", err))
		return
	}

	r, err := h.life.Report(c.Request.Context(), c.Param("id"), uid, payload.Reason, payload.Description)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"report_id": r.ID, "created_at": r.CreatedAt})
}

type blockPayload struct {
	Reason string `json:"reason" binding:"max=500"`
}

func (h *Handler) postBlock(c *gin.Context) {
	var payload blockPayload
	if err := bindOptionalJSON(c, &payload); err != nil {
		abortWithError(c, bindingError("block", err))
		return
	}

	if err := h.life.Block(c.Request.Context(), c.Param("id"), userID(c), payload.Reason); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// bindOptionalJSON decodes a JSON body whose fields are all optional. An
// empty request body leaves out at its zero value instead of failing, so
// clients are not forced to send "{}".
func bindOptionalJSON(c *gin.Context, out interface{}) error {
	if err := c.ShouldBindJSON(out); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// bindingError turns a bind failure into a validation error naming the
// offending fields instead of echoing the raw validator output.
func bindingError(payload string, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return chaterr.Validationf("invalid %s payload", payload)
	}

	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field()+" ("+fe.Tag()+")")
	}
	return chaterr.Validationf("invalid %s payload: %s", payload, strings.Join(fields, ", "))
}

// abortWithError maps the error taxonomy to HTTP statuses.
func abortWithError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch chaterr.CodeOf(err) {
	case chaterr.CodeValidation:
		status = http.StatusBadRequest
	case chaterr.CodeUnauthorized:
		status = http.StatusForbidden
	case chaterr.CodeNotFound:
		status = http.StatusNotFound
	case chaterr.CodeInvalidState:
		status = http.StatusUnprocessableEntity
	case chaterr.CodeConflict:
		status = http.StatusConflict
	case chaterr.CodeBlocked:
		status = http.StatusForbidden
	}

	body := gin.H{"error": "internal error"}
	if status != http.StatusInternalServerError {
		body = gin.H{"error": err.Error(), "code": string(chaterr.CodeOf(err))}
	}
	c.AbortWithStatusJSON(status, body)
}
