// Package api is the HTTP interface of the chart service: store inspection,
// the dashboard workflow per session and its notifications.
package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/celerix-dev/celerix-charts/internal/notify"
	"github.com/celerix-dev/celerix-charts/internal/workflow"
	"github.com/celerix-dev/celerix-charts/pkg/chart"
	"github.com/celerix-dev/celerix-charts/pkg/sdk"
)

// SessionHeader carries the dashboard session id.
const SessionHeader = "X-Session-ID"

const keepaliveInterval = 15 * time.Second

type Handler struct {
	Store    sdk.ChartStore
	Sessions *Registry
	Logger   *slog.Logger
}

// NewRouter builds the gin engine with every route.
func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), cors())

	r.GET("/healthz", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	apiGroup := r.Group("/api")
	{
		apiGroup.GET("/owners", h.GetOwners)
		apiGroup.GET("/owners/:owner/charts", h.GetOwnerCharts)
		apiGroup.GET("/owners/:owner/charts/:kind", h.GetChart)
		apiGroup.PUT("/owners/:owner/charts/:kind", h.PutChart)

		apiGroup.POST("/sessions", h.CreateSession)
	}

	session := apiGroup.Group("", h.requireSession)
	{
		session.GET("/session", h.GetSession)
		session.DELETE("/session", h.DeleteSession)
		session.POST("/session/identity", h.CaptureIdentity)

		session.GET("/charts/:kind", h.ViewChart)
		session.POST("/charts/:kind/edit", h.RequestEdit)
		session.POST("/charts/:kind/overwrite/confirm", h.ConfirmOverwrite)
		session.POST("/charts/:kind/overwrite/decline", h.DeclineOverwrite)
		session.PUT("/charts/:kind/edit/values/:index", h.SetValue)
		session.POST("/charts/:kind/edit/reset", h.ResetEdit)
		session.POST("/charts/:kind/edit/save", h.SaveEdit)
		session.DELETE("/charts/:kind/edit", h.CancelEdit)

		session.GET("/notifications", h.GetNotifications)
		session.DELETE("/notifications/:id", h.DismissNotification)
		session.GET("/notifications/stream", h.StreamNotifications)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "API route not found"})
	})
	return r
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, "+SessionHeader)
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var perr *chart.PersistenceError
	switch {
	case errors.Is(err, chart.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, chart.ErrUnknownKind),
		errors.Is(err, chart.ErrIndexOutOfRange),
		errors.Is(err, chart.ErrValueOutOfRange),
		errors.Is(err, workflow.ErrEmptyEmail),
		errors.Is(err, workflow.ErrInvalidEmail):
		return http.StatusBadRequest
	case errors.Is(err, workflow.ErrNoSession),
		errors.Is(err, workflow.ErrNoPendingOverwrite),
		errors.Is(err, workflow.ErrSessionClosed),
		errors.Is(err, workflow.ErrAlreadyIdentified):
		return http.StatusConflict
	case errors.As(err, &perr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger().Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func kindParam(c *gin.Context) (chart.Kind, bool) {
	kind, err := chart.ParseKind(c.Param("kind"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", false
	}
	return kind, true
}

func (h *Handler) Health(c *gin.Context) {
	if _, err := h.Store.ListOwners(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// --- Store inspection ---

func (h *Handler) GetOwners(c *gin.Context) {
	owners, err := h.Store.ListOwners(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, owners)
}

func (h *Handler) GetOwnerCharts(c *gin.Context) {
	records, err := h.Store.ListByOwner(c.Request.Context(), c.Param("owner"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if records == nil {
		records = []*chart.Record{}
	}
	c.JSON(http.StatusOK, records)
}

func (h *Handler) GetChart(c *gin.Context) {
	kind, ok := kindParam(c)
	if !ok {
		return
	}
	rec, err := h.Store.Load(c.Request.Context(), c.Param("owner"), kind)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"record": rec, "summary": chart.Summarize(rec.Payload)})
}

// PutChart stores the request body as the chart_data of (owner, kind).
func (h *Handler) PutChart(c *gin.Context) {
	kind, ok := kindParam(c)
	if !ok {
		return
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	payload, err := chart.DecodePayload(kind, body)
	if err == nil {
		err = chart.ValidatePayload(payload)
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rec, err := h.Store.Save(c.Request.Context(), c.Param("owner"), kind, payload)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// --- Sessions ---

func (h *Handler) CreateSession(c *gin.Context) {
	id, d := h.Sessions.Create()
	c.Header(SessionHeader, id)
	c.JSON(http.StatusCreated, gin.H{"id": id, "dashboard": d.Snapshot()})
}

// requireSession resolves the X-Session-ID header to a dashboard.
func (h *Handler) requireSession(c *gin.Context) {
	id := c.GetHeader(SessionHeader)
	if id == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing " + SessionHeader + " header"})
		return
	}
	d, ok := h.Sessions.Get(id)
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown session"})
		return
	}
	c.Set("sessionID", id)
	c.Set("dashboard", d)
	c.Next()
}

func dashboard(c *gin.Context) *workflow.Dashboard {
	return c.MustGet("dashboard").(*workflow.Dashboard)
}

func (h *Handler) GetSession(c *gin.Context) {
	c.JSON(http.StatusOK, dashboard(c).Snapshot())
}

func (h *Handler) DeleteSession(c *gin.Context) {
	h.Sessions.Delete(c.GetString("sessionID"))
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

func (h *Handler) CaptureIdentity(c *gin.Context) {
	var input struct {
		Email string `json:"email"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	d := dashboard(c)
	resumed, err := d.Capture(c.Request.Context(), input.Email)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dashboard": d.Snapshot(), "resumed": resumed})
}

// --- Edit workflow ---

func (h *Handler) ViewChart(c *gin.Context) {
	kind, ok := kindParam(c)
	if !ok {
		return
	}
	view, err := dashboard(c).View(kind)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) RequestEdit(c *gin.Context) {
	kind, ok := kindParam(c)
	if !ok {
		return
	}
	outcome, err := dashboard(c).RequestEdit(c.Request.Context(), kind)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

func (h *Handler) ConfirmOverwrite(c *gin.Context) {
	kind, ok := kindParam(c)
	if !ok {
		return
	}
	outcome, err := dashboard(c).ConfirmOverwrite(kind)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

func (h *Handler) DeclineOverwrite(c *gin.Context) {
	kind, ok := kindParam(c)
	if !ok {
		return
	}
	d := dashboard(c)
	if err := d.DeclineOverwrite(kind); err != nil {
		h.fail(c, err)
		return
	}
	view, _ := d.View(kind)
	c.JSON(http.StatusOK, view)
}

func (h *Handler) SetValue(c *gin.Context) {
	kind, ok := kindParam(c)
	if !ok {
		return
	}
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "index must be a number"})
		return
	}
	var input struct {
		Value *string `json:"value" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s, err := dashboard(c).Session(kind)
	if err != nil {
		h.fail(c, err)
		return
	}
	if err := s.SetValue(index, *input.Value); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"working": s.Working()})
}

func (h *Handler) ResetEdit(c *gin.Context) {
	kind, ok := kindParam(c)
	if !ok {
		return
	}
	s, err := dashboard(c).Session(kind)
	if err != nil {
		h.fail(c, err)
		return
	}
	if err := s.Reset(); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"working": s.Working()})
}

// SaveEdit closes the edit session. Persisting continues in the background
// and reports on the notification stream, hence 202.
func (h *Handler) SaveEdit(c *gin.Context) {
	kind, ok := kindParam(c)
	if !ok {
		return
	}
	d := dashboard(c)
	if err := d.Save(c.Request.Context(), kind); err != nil {
		h.fail(c, err)
		return
	}
	view, _ := d.View(kind)
	c.JSON(http.StatusAccepted, view)
}

func (h *Handler) CancelEdit(c *gin.Context) {
	kind, ok := kindParam(c)
	if !ok {
		return
	}
	d := dashboard(c)
	if err := d.CancelEdit(kind); err != nil {
		h.fail(c, err)
		return
	}
	view, _ := d.View(kind)
	c.JSON(http.StatusOK, view)
}

// --- Notifications ---

func (h *Handler) GetNotifications(c *gin.Context) {
	c.JSON(http.StatusOK, nonNil(dashboard(c).Bus().Active()))
}

func nonNil(list []notify.Notification) []notify.Notification {
	if list == nil {
		return []notify.Notification{}
	}
	return list
}

func (h *Handler) DismissNotification(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a number"})
		return
	}
	if !dashboard(c).Bus().Dismiss(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "notification not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

// StreamNotifications sends the visible notification list as a
// "notifications" event after every change.
func (h *Handler) StreamNotifications(c *gin.Context) {
	updates, cancel := dashboard(c).Bus().Subscribe()
	defer cancel()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Stream(func(w io.Writer) bool {
		select {
		case list, ok := <-updates:
			if !ok {
				return false
			}
			c.SSEvent("notifications", nonNil(list))
			return true
		case <-keepalive.C:
			_, err := io.WriteString(w, ": keepalive\n\n")
			return err == nil
		case <-c.Request.Context().Done():
			return false
		}
	})
}
