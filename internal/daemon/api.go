package daemon

import (
	"errors"
	"net/http"
	"time"

	"github.com/developingchet/tasteshield/internal/cloudsync"
	"github.com/developingchet/tasteshield/internal/model"
	"github.com/developingchet/tasteshield/internal/platform"
	"github.com/developingchet/tasteshield/internal/rules"
	"github.com/developingchet/tasteshield/internal/shield"
	"github.com/gin-gonic/gin"
)

// Status is the body of GET /v1/status.
type Status struct {
	Version          string                       `json:"version"`
	ProfileID        string                       `json:"profileId,omitempty"`
	Shield           ShieldStatus                 `json:"shield"`
	Exclusion        model.ExclusionResourceState `json:"exclusion"`
	Sync             *model.SyncState             `json:"sync,omitempty"`
	UploadQueueDepth int                          `json:"uploadQueueDepth"`
}

// ShieldStatus describes the tracker.
type ShieldStatus struct {
	Active      bool  `json:"active"`
	ActivatedAt int64 `json:"activatedAt,omitempty"`
	// AutoDisableIn is the countdown left in seconds, zero when none is running.
	AutoDisableIn int64 `json:"autoDisableIn,omitempty"`
	Sessions      int   `json:"sessions"`
}

// RuleList is the body of GET /v1/rules.
type RuleList struct {
	TimeRules   []model.TimeRule   `json:"timeRules"`
	DeviceRules []model.DeviceRule `json:"deviceRules"`
}

type autoDisableRequest struct {
	Enabled bool `json:"enabled"`
	Minutes int  `json:"minutes" binding:"gte=0,lte=1440"`
}

// Handler returns the control API.
func (d *Daemon) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), d.requestLog())
	d.setupRoutes(r)
	return r
}

func (d *Daemon) setupRoutes(r *gin.Engine) {
	r.GET("/healthz", d.handleHealth)
	r.GET("/readyz", d.handleReady)

	v1 := r.Group("/v1")
	v1.GET("/status", d.handleStatus)
	v1.POST("/shield/toggle", d.handleToggle)
	v1.PUT("/settings/auto-disable", d.handleAutoDisable)
	v1.GET("/history", d.handleHistory)
	v1.GET("/rules", d.handleListRules)
	v1.PUT("/rules/time", d.handlePutTimeRule)
	v1.PUT("/rules/device", d.handlePutDeviceRule)
	v1.DELETE("/rules/:id", d.handleDeleteRule)
	v1.GET("/devices", d.handleDevices)
	v1.POST("/sync", d.handleSync)
	v1.DELETE("/exclusions/:trackId", d.handleRelease)
}

func (d *Daemon) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		d.log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("control request")
	}
}

func (d *Daemon) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (d *Daemon) handleReady(c *gin.Context) {
	if !d.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "not ready: daemon not running"})
		return
	}
	if _, err := d.store.SizeBytes(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "not ready: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (d *Daemon) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, d.Status())
}

// Status snapshots the tracker, protector and sync gateway.
func (d *Daemon) Status() Status {
	st := Status{
		Version:   BinaryVersion,
		ProfileID: d.profileID,
		Shield: ShieldStatus{
			Active:   d.tracker.IsActive(),
			Sessions: len(d.tracker.Sessions()),
		},
		Exclusion: d.protector.State(),
	}
	if st.Shield.Active {
		st.Shield.ActivatedAt = d.tracker.ActivatedAt()
	}
	if left, ok := d.tracker.RemainingAutoDisable(); ok {
		st.Shield.AutoDisableIn = int64(left / time.Second)
	}
	if d.gateway != nil {
		ss := d.gateway.State()
		st.Sync = &ss
	}
	if d.uploads != nil {
		st.UploadQueueDepth = d.uploads.Depth()
	}
	return st
}

func (d *Daemon) handleToggle(c *gin.Context) {
	active := d.tracker.Toggle()
	c.JSON(http.StatusOK, gin.H{"active": active})
}

func (d *Daemon) handleAutoDisable(c *gin.Context) {
	var req autoDisableRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Enabled && req.Minutes == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "minutes must be >= 1 when auto-disable is enabled"})
		return
	}
	d.tracker.SetAutoDisable(shield.AutoDisable{
		Enabled:  req.Enabled,
		Duration: time.Duration(req.Minutes) * time.Minute,
	})
	c.JSON(http.StatusOK, req)
}

func (d *Daemon) handleHistory(c *gin.Context) {
	entries, err := d.history.Reconcile(c.Request.Context())
	if err != nil {
		d.checkRevoked(err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (d *Daemon) handleListRules(c *gin.Context) {
	c.JSON(http.StatusOK, RuleList{
		TimeRules:   d.book.TimeRules(),
		DeviceRules: d.book.DeviceRules(),
	})
}

func (d *Daemon) handlePutTimeRule(c *gin.Context) {
	var r model.TimeRule
	if err := c.ShouldBindJSON(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	saved, err := d.book.SaveTimeRule(r)
	if err != nil {
		writeRuleError(c, err)
		return
	}
	c.JSON(http.StatusOK, saved)
}

func (d *Daemon) handlePutDeviceRule(c *gin.Context) {
	var r model.DeviceRule
	if err := c.ShouldBindJSON(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	saved, err := d.book.SaveDeviceRule(r)
	if err != nil {
		writeRuleError(c, err)
		return
	}
	c.JSON(http.StatusOK, saved)
}

func (d *Daemon) handleDeleteRule(c *gin.Context) {
	if err := d.book.DeleteRule(c.Param("id")); err != nil {
		writeRuleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func writeRuleError(c *gin.Context, err error) {
	switch {
	case rules.IsValidationError(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, rules.ErrRuleNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (d *Daemon) handleDevices(c *gin.Context) {
	devices, err := d.client.FetchAvailableDevices(c.Request.Context())
	if err != nil {
		d.checkRevoked(err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	if devices == nil {
		devices = []platform.Device{}
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices})
}

func (d *Daemon) handleSync(c *gin.Context) {
	if d.gateway == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "remote sync is not configured"})
		return
	}
	err := d.gateway.SyncNow(c.Request.Context())
	switch {
	case errors.Is(err, cloudsync.ErrSyncInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "sync": d.gateway.State()})
	default:
		c.JSON(http.StatusOK, gin.H{"sync": d.gateway.State()})
	}
}

func (d *Daemon) handleRelease(c *gin.Context) {
	if err := d.protector.Release(c.Request.Context(), c.Param("trackId")); err != nil {
		d.checkRevoked(err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}
