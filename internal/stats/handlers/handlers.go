// Package handlers exposes the stats HTTP API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/tallyd/tallyd/internal/common/errors"
	"github.com/tallyd/tallyd/internal/common/httpmw"
	"github.com/tallyd/tallyd/internal/common/logger"
	"github.com/tallyd/tallyd/internal/rates"
	"github.com/tallyd/tallyd/internal/stats/dto"
	"github.com/tallyd/tallyd/internal/stats/models"
	"github.com/tallyd/tallyd/internal/stats/service"
	usermodels "github.com/tallyd/tallyd/internal/user/models"
	userstore "github.com/tallyd/tallyd/internal/user/store"
)

type Handlers struct {
	svc    *service.Service
	rates  rates.Service
	users  userstore.Repository
	logger *logger.Logger
}

func NewHandlers(svc *service.Service, ratesSvc rates.Service, users userstore.Repository, log *logger.Logger) *Handlers {
	if log == nil {
		log = logger.Default()
	}
	return &Handlers{
		svc:    svc,
		rates:  ratesSvc,
		users:  users,
		logger: log.WithFields(zap.String("component", "stats-handlers")),
	}
}

// RegisterRoutes wires the stats API onto the router. Mutating and
// account-scoped routes sit behind bearer-token auth.
func RegisterRoutes(router *gin.Engine, svc *service.Service, ratesSvc rates.Service, users userstore.Repository, log *logger.Logger) {
	h := NewHandlers(svc, ratesSvc, users, log)
	h.registerHTTP(router)
}

func (h *Handlers) registerHTTP(router *gin.Engine) {
	api := router.Group("/api/v1")
	api.GET("/leaderboard", h.httpLeaderboard)
	api.GET("/rates", h.httpRates)

	authed := api.Group("", httpmw.BearerAuth(h.users))
	authed.POST("/stats", h.httpUpload)
	authed.POST("/stats/recalculate", h.httpRecalculate)
	authed.DELETE("/stats", h.httpDeleteRange)
	authed.DELETE("/account/stats", h.httpPurgeAccount)
	authed.GET("/stats/me", h.httpMyStats)
	authed.PUT("/user/settings", h.httpUpdateSettings)
}

func (h *Handlers) respondError(c *gin.Context, err error, fallback string) {
	status := apperrors.GetHTTPStatus(err)
	message := fallback
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) && status < http.StatusInternalServerError {
		message = appErr.Message
	}
	if status >= http.StatusInternalServerError {
		h.logger.WithContext(c.Request.Context()).WithError(err).Error(fallback)
	}
	c.JSON(status, gin.H{"error": message})
}

// httpUpload accepts either a bare JSON array of messages or an object with
// a "messages" field; the CLIs send both shapes.
func (h *Handlers) httpUpload(c *gin.Context) {
	user := httpmw.UserFromContext(c)
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	var req dto.UploadRequest
	if err := json.Unmarshal(body, &req.Messages); err != nil {
		if err := json.Unmarshal(body, &req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "body must be a message array"})
			return
		}
	}

	batch, err := req.ToModels()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.svc.Upload(c.Request.Context(), user, c.GetHeader("X-Timezone"), batch)
	if err != nil {
		h.respondError(c, err, "failed to process upload")
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handlers) httpRecalculate(c *gin.Context) {
	user := httpmw.UserFromContext(c)
	result, err := h.svc.Recalculate(c.Request.Context(), user)
	if err != nil {
		h.respondError(c, err, "failed to rebuild aggregates")
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handlers) httpDeleteRange(c *gin.Context) {
	user := httpmw.UserFromContext(c)
	var req dto.DeleteRangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid deletion request"})
		return
	}
	if req.From.IsZero() || req.To.IsZero() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from and to are required"})
		return
	}
	var apps []models.Application
	for _, name := range req.Applications {
		app := models.Application(name)
		if !app.IsValid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown application " + name})
			return
		}
		apps = append(apps, app)
	}

	result, err := h.svc.DeleteRange(c.Request.Context(), user, req.From.Time, req.To.Time, apps)
	if err != nil {
		h.respondError(c, err, "failed to delete stats")
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handlers) httpPurgeAccount(c *gin.Context) {
	user := httpmw.UserFromContext(c)
	result, err := h.svc.PurgeAccount(c.Request.Context(), user)
	if err != nil {
		h.respondError(c, err, "failed to purge account stats")
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handlers) httpMyStats(c *gin.Context) {
	user := httpmw.UserFromContext(c)
	stats, err := h.svc.GetUserStats(c.Request.Context(), user.ID,
		models.Period(c.Query("period")), models.Application(c.Query("application")))
	if err != nil {
		h.respondError(c, err, "failed to load stats")
		return
	}

	resp := gin.H{
		"totals":        dto.BucketFromModel(stats.Totals),
		"applications":  dto.BucketsFromModels(stats.Applications),
		"message_count": stats.MessageCount,
	}
	if stats.Days != nil {
		resp["days"] = dto.BucketsFromModels(stats.Days)
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handlers) httpLeaderboard(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	entries, err := h.svc.Leaderboard(c.Request.Context(),
		models.Period(c.DefaultQuery("period", string(models.PeriodAllTime))),
		models.Application(c.Query("application")),
		c.Query("metric"), limit, offset)
	if err != nil {
		h.respondError(c, err, "failed to load leaderboard")
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (h *Handlers) httpRates(c *gin.Context) {
	snapshot, err := h.rates.Rates(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "failed to load exchange rates")
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (h *Handlers) httpUpdateSettings(c *gin.Context) {
	user := httpmw.UserFromContext(c)
	var req dto.SettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid settings"})
		return
	}
	if req.Timezone == "" {
		req.Timezone = user.Timezone
	} else if _, err := time.LoadLocation(req.Timezone); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown timezone " + req.Timezone})
		return
	}
	if req.Currency == "" {
		req.Currency = user.Currency
	}

	err := h.users.UpdateSettings(c.Request.Context(), user.ID, usermodels.Settings{
		Timezone: req.Timezone,
		Currency: req.Currency,
	})
	if err != nil {
		h.respondError(c, err, "failed to update settings")
		return
	}
	c.JSON(http.StatusOK, gin.H{"timezone": req.Timezone, "currency": req.Currency})
}
