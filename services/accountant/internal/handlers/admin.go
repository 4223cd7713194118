package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/opexdev/backoffice/libs/auth"
	"github.com/opexdev/backoffice/services/accountant/internal/model"
	"github.com/opexdev/backoffice/services/accountant/internal/outbox"
	"github.com/opexdev/backoffice/services/accountant/internal/service"
	"github.com/opexdev/backoffice/services/accountant/internal/storage"
)

const AdminRole = "accountant-admin"

type OrderReader interface {
	GetOrder(ctx context.Context, ouid string) (*model.Order, error)
	CountUnprocessed(ctx context.Context, uuid, symbol string, eventType model.EventType) (int64, error)
}

type Outbox interface {
	Chain(ctx context.Context, id uuid.UUID) ([]model.FinancialAction, error)
	LoadRetries(ctx context.Context, olderThan time.Duration, limit int) ([]model.FinancialAction, error)
	Sweep(ctx context.Context) (outbox.SweepResult, error)
}

type SweepTrigger interface {
	Trigger() bool
}

type Buffer interface {
	List(ctx context.Context, offset, size int) ([]model.TempEvent, error)
	Load(ctx context.Context, ouid string) ([]model.TempEvent, error)
	DrainAndRemove(ctx context.Context, ouid string) ([]model.Event, error)
}

type LevelStore interface {
	Get(ctx context.Context, uuid string) (string, bool, error)
	Set(ctx context.Context, uuid, level string) error
}

type ConfigLister interface {
	All() []model.PairConfig
}

type ConfigResolver interface {
	Resolve(ctx context.Context, pair model.Pair, direction model.Direction, userLevel string) (*model.PairConfig, error)
}

type Deps struct {
	Orders   OrderReader
	Outbox   Outbox
	Trigger  SweepTrigger
	Buffer   Buffer
	Levels   LevelStore
	Configs  ConfigLister
	Resolver ConfigResolver
}

type Handler struct {
	deps   Deps
	logger *slog.Logger
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type orderResponse struct {
	Ouid                   string `json:"ouid"`
	UUID                   string `json:"uuid"`
	OrderID                *int64 `json:"order_id,omitempty"`
	Pair                   string `json:"pair"`
	Direction              string `json:"direction"`
	MatchConstraint        string `json:"match_constraint"`
	OrderType              string `json:"order_type"`
	Price                  int64  `json:"price"`
	Quantity               int64  `json:"quantity"`
	OrigPrice              string `json:"orig_price"`
	OrigQuantity           string `json:"orig_quantity"`
	FilledQuantity         int64  `json:"filled_quantity"`
	FilledOrigQuantity     string `json:"filled_orig_quantity"`
	RemainedTransferAmount string `json:"remained_transfer_amount"`
	MakerFee               string `json:"maker_fee"`
	TakerFee               string `json:"taker_fee"`
	UserLevel              string `json:"user_level"`
	Status                 string `json:"status"`
	CreatedAt              string `json:"created_at"`
	UpdatedAt              string `json:"updated_at"`
}

type eventItem struct {
	EventType model.EventType `json:"event_type"`
	EventKey  string          `json:"event_key"`
	EventDate string          `json:"event_date"`
}

type levelRequest struct {
	Level string `json:"level"`
}

func New(deps Deps, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{deps: deps, logger: logger}
}

func (h *Handler) Register(r *gin.Engine, jwtSecret []byte) {
	group := r.Group("/v1", auth.Middleware(jwtSecret), auth.RequireRole(AdminRole))
	group.GET("/orders/:ouid", h.GetOrder)
	group.GET("/actions/retries", h.ListRetries)
	group.GET("/actions/:id/chain", h.GetChain)
	group.POST("/outbox/sweep", h.Sweep)
	group.GET("/temp-events", h.ListTempEvents)
	group.GET("/temp-events/:ouid", h.GetTempEvents)
	group.DELETE("/temp-events/:ouid", h.DrainTempEvents)
	group.GET("/users/:uuid/pending-submits", h.PendingSubmits)
	group.GET("/users/:uuid/level", h.GetLevel)
	group.PUT("/users/:uuid/level", h.SetLevel)
	group.GET("/config/pairs", h.ListPairConfigs)
	group.GET("/config/:pair/fee/:direction/:level", h.GetFee)
}

func (h *Handler) GetOrder(c *gin.Context) {
	order, err := h.deps.Orders.GetOrder(c.Request.Context(), c.Param("ouid"))
	if err != nil {
		if errors.Is(err, storage.ErrOrderNotFound) {
			writeError(c, http.StatusNotFound, "ORDER_NOT_FOUND", "order not found")
			return
		}
		h.internal(c, "get order failed", err)
		return
	}
	c.JSON(http.StatusOK, toOrderResponse(order))
}

func (h *Handler) GetChain(c *gin.Context) {
	id, err := uuid.Parse(strings.TrimSpace(c.Param("id")))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid action id")
		return
	}
	chain, err := h.deps.Outbox.Chain(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrActionNotFound) {
			writeError(c, http.StatusNotFound, "ACTION_NOT_FOUND", "financial action not found")
			return
		}
		h.internal(c, "load action chain failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"actions": chain})
}

func (h *Handler) ListRetries(c *gin.Context) {
	olderThan := 5 * time.Minute
	if raw := strings.TrimSpace(c.Query("older_than")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid older_than")
			return
		}
		olderThan = d
	}
	limit, ok := intQuery(c, "limit", 100)
	if !ok {
		return
	}
	actions, err := h.deps.Outbox.LoadRetries(c.Request.Context(), olderThan, limit)
	if err != nil {
		h.internal(c, "load retries failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"actions": actions})
}

// Sweep runs an outbox sweep inline, or only schedules one with ?async=true.
func (h *Handler) Sweep(c *gin.Context) {
	if c.Query("async") == "true" && h.deps.Trigger != nil {
		c.JSON(http.StatusAccepted, gin.H{"scheduled": h.deps.Trigger.Trigger()})
		return
	}
	res, err := h.deps.Outbox.Sweep(c.Request.Context())
	if err != nil {
		h.internal(c, "outbox sweep failed", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) ListTempEvents(c *gin.Context) {
	offset, ok := intQuery(c, "offset", 0)
	if !ok {
		return
	}
	size, ok := intQuery(c, "size", 100)
	if !ok {
		return
	}
	temps, err := h.deps.Buffer.List(c.Request.Context(), offset, size)
	if err != nil {
		h.internal(c, "list temp events failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": temps})
}

// GetTempEvents shows what is parked under one ouid, in replay order.
func (h *Handler) GetTempEvents(c *gin.Context) {
	ouid := strings.TrimSpace(c.Param("ouid"))
	temps, err := h.deps.Buffer.Load(c.Request.Context(), ouid)
	if err != nil {
		h.internal(c, "load temp events failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ouid": ouid, "events": temps})
}

func (h *Handler) DrainTempEvents(c *gin.Context) {
	ouid := strings.TrimSpace(c.Param("ouid"))
	events, err := h.deps.Buffer.DrainAndRemove(c.Request.Context(), ouid)
	if err != nil {
		h.internal(c, "drain temp events failed", err)
		return
	}
	items := make([]eventItem, 0, len(events))
	for _, ev := range events {
		items = append(items, eventItem{
			EventType: ev.Type(),
			EventKey:  ev.Key(),
			EventDate: ev.Date().UTC().Format(time.RFC3339Nano),
		})
	}
	h.logger.Info("temp events drained", "ouid", ouid, "count", len(items), "user_id", c.GetString(auth.ContextUserIDKey))
	c.JSON(http.StatusOK, gin.H{"ouid": ouid, "events": items})
}

// PendingSubmits counts unforwarded reservations for a user and asset.
func (h *Handler) PendingSubmits(c *gin.Context) {
	symbol := strings.ToLower(strings.TrimSpace(c.Query("symbol")))
	if symbol == "" {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "symbol is required")
		return
	}
	userUUID := c.Param("uuid")
	n, err := h.deps.Orders.CountUnprocessed(c.Request.Context(), userUUID, symbol, model.EventSubmitOrder)
	if err != nil {
		h.internal(c, "count pending submits failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"uuid": userUUID, "symbol": symbol, "pending": n})
}

func (h *Handler) GetLevel(c *gin.Context) {
	if h.deps.Levels == nil {
		writeError(c, http.StatusNotFound, "CONFIG_NOT_FOUND", "user levels not configured")
		return
	}
	userUUID := c.Param("uuid")
	level, ok, err := h.deps.Levels.Get(c.Request.Context(), userUUID)
	if err != nil {
		h.internal(c, "get user level failed", err)
		return
	}
	if !ok {
		level = model.DefaultUserLevel
	}
	c.JSON(http.StatusOK, gin.H{"uuid": userUUID, "level": level})
}

func (h *Handler) SetLevel(c *gin.Context) {
	if h.deps.Levels == nil {
		writeError(c, http.StatusNotFound, "CONFIG_NOT_FOUND", "user levels not configured")
		return
	}
	var req levelRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Level) == "" {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "level is required")
		return
	}
	userUUID := c.Param("uuid")
	level := strings.TrimSpace(req.Level)
	if err := h.deps.Levels.Set(c.Request.Context(), userUUID, level); err != nil {
		h.internal(c, "set user level failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"uuid": userUUID, "level": level})
}

func (h *Handler) ListPairConfigs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"configs": h.deps.Configs.All()})
}

func (h *Handler) GetFee(c *gin.Context) {
	pair, err := model.ParsePair(c.Param("pair"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid pair")
		return
	}
	direction := model.Direction(strings.ToUpper(strings.TrimSpace(c.Param("direction"))))
	if !direction.Valid() {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "direction must be BID or ASK")
		return
	}
	cfg, err := h.deps.Resolver.Resolve(c.Request.Context(), pair, direction, c.Param("level"))
	if err != nil {
		if errors.Is(err, service.ErrPairConfigNotFound) {
			writeError(c, http.StatusNotFound, "CONFIG_NOT_FOUND", "pair config not found")
			return
		}
		h.internal(c, "resolve pair config failed", err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (h *Handler) internal(c *gin.Context, msg string, err error) {
	h.logger.Error(msg, "path", c.FullPath(), "error", err)
	writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", msg)
}

func intQuery(c *gin.Context, name string, fallback int) (int, bool) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return fallback, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid "+name)
		return 0, false
	}
	return v, true
}

func toOrderResponse(o *model.Order) orderResponse {
	return orderResponse{
		Ouid:                   o.Ouid,
		UUID:                   o.UUID,
		OrderID:                o.MatchingEngineID,
		Pair:                   o.Pair.String(),
		Direction:              string(o.Direction),
		MatchConstraint:        o.MatchConstraint,
		OrderType:              o.OrderType,
		Price:                  o.Price,
		Quantity:               o.Quantity,
		OrigPrice:              o.OrigPrice.String(),
		OrigQuantity:           o.OrigQuantity.String(),
		FilledQuantity:         o.FilledQuantity,
		FilledOrigQuantity:     o.FilledOrigQuantity.String(),
		RemainedTransferAmount: o.RemainedTransferAmount.String(),
		MakerFee:               o.MakerFee.String(),
		TakerFee:               o.TakerFee.String(),
		UserLevel:              o.UserLevel,
		Status:                 string(o.Status),
		CreatedAt:              o.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:              o.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func writeError(c *gin.Context, status int, code, message string) {
	c.JSON(status, errorResponse{Code: code, Message: message})
}
