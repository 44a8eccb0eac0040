package http

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JoeShih716/go-class-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-class-ledger/internal/app/core/usecase"
)

// Handler REST API
type Handler struct {
	core     *usecase.CoreUseCase
	gatherer prometheus.Gatherer
	logger   *slog.Logger
}

func NewHandler(core *usecase.CoreUseCase, gatherer prometheus.Gatherer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{core: core, gatherer: gatherer, logger: logger}
}

// NewRouter 建立 gin engine 並註冊所有路由
func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), h.accessLog())
	h.RegisterRoutes(r)
	return r
}

func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.GET("/healthz", h.healthz)
	if h.gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	}

	v1 := r.Group("/v1")
	v1.GET("/sessions", h.listSessions)
	v1.POST("/sessions", h.scheduleSession)
	v1.POST("/sessions/:id/cancel", h.cancelSession)
	v1.POST("/sessions/:id/complete", h.completeSession)

	v1.POST("/members", h.ensureMember)
	v1.GET("/members/:id/balance", h.memberBalance)
	v1.GET("/members/:id/bookings", h.listBookings)
	v1.POST("/members/:id/bookings", h.reserve)
	v1.GET("/members/:id/bookings/:bookingID", h.getBooking)
	v1.POST("/members/:id/bookings/:bookingID/cancel", h.cancelBooking)

	v1.POST("/grants", h.createGrant)
	v1.POST("/grants/:id/reversal", h.reverseGrant)
	v1.GET("/grants/:id/ledger", h.ledger)

	v1.POST("/reconcile", h.reconcile)
}

func (h *Handler) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) listSessions(c *gin.Context) {
	var f usecase.AvailableSessionsFilter
	var err error
	if v := c.Query("from"); v != "" {
		if f.From, err = time.Parse(time.RFC3339, v); err != nil {
			badRequest(c, "from must be RFC3339")
			return
		}
	}
	if v := c.Query("to"); v != "" {
		if f.To, err = time.Parse(time.RFC3339, v); err != nil {
			badRequest(c, "to must be RFC3339")
			return
		}
	}
	f.OnlyBookable = c.Query("bookable") == "true"
	if v := c.Query("limit"); v != "" {
		if f.Limit, err = strconv.Atoi(v); err != nil {
			badRequest(c, "limit must be a number")
			return
		}
	}
	sessions, err := h.core.ListAvailableSessions(c.Request.Context(), f)
	if err != nil {
		h.fail(c, err)
		return
	}
	now := h.core.Now()
	out := make([]sessionJSON, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, toSessionJSON(s, now))
	}
	c.JSON(http.StatusOK, out)
}

type scheduleReq struct {
	Title                   string    `json:"title"`
	StartsAt                time.Time `json:"starts_at" binding:"required"`
	DurationMinutes         int       `json:"duration_minutes" binding:"required,gt=0"`
	Capacity                int       `json:"capacity" binding:"required,gt=0"`
	BookingCutoffMinutes    int       `json:"booking_cutoff_minutes" binding:"gte=0"`
	CancellationCutoffHours int       `json:"cancellation_cutoff_hours" binding:"gte=0"`
}

func (h *Handler) scheduleSession(c *gin.Context) {
	var req scheduleReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	s, err := h.core.ScheduleSession(c.Request.Context(), domain.SessionParams{
		Title:                   req.Title,
		StartsAt:                req.StartsAt,
		DurationMinutes:         req.DurationMinutes,
		Capacity:                req.Capacity,
		BookingCutoffMinutes:    req.BookingCutoffMinutes,
		CancellationCutoffHours: req.CancellationCutoffHours,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, toSessionJSON(s, h.core.Now()))
}

type reasonReq struct {
	Reason string `json:"reason"`
}

func (h *Handler) cancelSession(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req reasonReq
	_ = c.ShouldBindJSON(&req)
	cancelled, err := h.core.CancelSession(c.Request.Context(), id, req.Reason)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": id, "cancelled_bookings": cancelled})
}

func (h *Handler) completeSession(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	s, err := h.core.CompleteSession(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toSessionJSON(s, h.core.Now()))
}

type ensureMemberReq struct {
	ExternalID string `json:"external_id" binding:"required"`
}

func (h *Handler) ensureMember(c *gin.Context) {
	var req ensureMemberReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	m, err := h.core.EnsureMember(c.Request.Context(), req.ExternalID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": m.ID, "external_id": m.ExternalID, "created_at": m.CreatedAt})
}

func (h *Handler) memberBalance(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	balances, err := h.core.GetMemberBalance(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]balanceJSON, 0, len(balances))
	for _, b := range balances {
		out = append(out, balanceJSON{
			GrantID:     b.GrantID,
			Remaining:   b.Remaining,
			IsUnlimited: b.IsUnlimited,
			ExpiresAt:   b.ExpiresAt.Format(time.DateOnly),
		})
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) listBookings(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	status := domain.BookingStatus(c.Query("status"))
	switch status {
	case "", domain.BookingStatusActive, domain.BookingStatusCancelled:
	default:
		badRequest(c, "status must be active or cancelled")
		return
	}
	bookings, err := h.core.ListMemberBookings(c.Request.Context(), id, status)
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]bookingJSON, 0, len(bookings))
	for _, b := range bookings {
		out = append(out, toBookingJSON(b))
	}
	c.JSON(http.StatusOK, out)
}

type reserveReq struct {
	SessionID int64 `json:"session_id" binding:"required"`
}

func (h *Handler) reserve(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req reserveReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	b, err := h.core.ReserveSession(c.Request.Context(), id, req.SessionID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, toBookingJSON(b))
}

func (h *Handler) getBooking(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	b, err := h.core.GetBooking(c.Request.Context(), id, c.Param("bookingID"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toBookingJSON(b))
}

func (h *Handler) cancelBooking(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req reasonReq
	_ = c.ShouldBindJSON(&req)
	res, err := h.core.CancelBooking(c.Request.Context(), id, c.Param("bookingID"), req.Reason)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"booking":       toBookingJSON(res.Booking),
		"refund_denial": domain.KindOf(res.RefundDenial),
	})
}

type createGrantReq struct {
	MemberID     int64 `json:"member_id" binding:"required"`
	Credits      int64 `json:"credits" binding:"gte=0"`
	DurationDays int   `json:"duration_days" binding:"required,gt=0"`
	IsUnlimited  bool  `json:"is_unlimited"`
}

func (h *Handler) createGrant(c *gin.Context) {
	var req createGrantReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	g, err := h.core.CreateGrant(c.Request.Context(), req.MemberID, req.Credits, req.DurationDays, req.IsUnlimited)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, toGrantJSON(g))
}

type reversalReq struct {
	Reason  string `json:"reason"`
	EventID string `json:"event_id"`
}

func (h *Handler) reverseGrant(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req reversalReq
	_ = c.ShouldBindJSON(&req)
	var (
		res *usecase.ReversalResult
		err error
	)
	if req.EventID != "" {
		res, err = h.core.ApplyGrantReversalEvent(c.Request.Context(), req.EventID, id, req.Reason)
	} else {
		res, err = h.core.ApplyGrantReversal(c.Request.Context(), id, req.Reason)
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"grant":              toGrantJSON(res.Grant),
		"zeroed_credits":     res.ZeroedCredits,
		"already_reversed":   res.AlreadyReversed,
		"cancelled_bookings": res.CancelledBookings,
	})
}

func (h *Handler) ledger(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	g, entries, err := h.core.LedgerHistory(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]entryJSON, 0, len(entries))
	for _, e := range entries {
		out = append(out, toEntryJSON(e))
	}
	c.JSON(http.StatusOK, gin.H{"grant": toGrantJSON(g), "entries": out})
}

func (h *Handler) reconcile(c *gin.Context) {
	faults, err := h.core.Reconcile(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	if faults == nil {
		faults = []usecase.Fault{}
	}
	c.JSON(http.StatusOK, gin.H{"faults": faults})
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, name+" must be a positive integer")
		return 0, false
	}
	return id, true
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "InvalidArgument", "message": msg})
}

// statusByKind 錯誤種類對應的 HTTP status
var statusByKind = map[error]int{
	domain.ErrNotFound:              http.StatusNotFound,
	domain.ErrInvalidArgument:       http.StatusBadRequest,
	domain.ErrSessionNotAvailable:   http.StatusConflict,
	domain.ErrAlreadyBooked:         http.StatusConflict,
	domain.ErrSessionFull:           http.StatusConflict,
	domain.ErrNotCancellable:        http.StatusConflict,
	domain.ErrEventAlreadyProcessed: http.StatusConflict,
	domain.ErrBookingClosed:         http.StatusUnprocessableEntity,
	domain.ErrNoCreditsAvailable:    http.StatusUnprocessableEntity,
	domain.ErrConflict:              http.StatusServiceUnavailable,
	domain.ErrIntegrityFault:        http.StatusInternalServerError,
}

func (h *Handler) fail(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	for target, status := range statusByKind {
		if errors.Is(err, target) {
			code = status
			break
		}
	}
	if code == http.StatusServiceUnavailable {
		c.Header("Retry-After", "1")
	}
	if code >= http.StatusInternalServerError {
		h.logger.Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(code, gin.H{"error": domain.KindOf(err), "message": err.Error()})
}

func (h *Handler) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}
