// Package trading records orders in two phases: the immediate phase commits
// the order, its received activity and the price tick before the caller gets
// an answer; the deferred phase records the execution and trade later.
package trading

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	"github.com/Aidin1998/birdtrade/internal/database"
	"github.com/Aidin1998/birdtrade/internal/pricing"
	"github.com/Aidin1998/birdtrade/internal/scheduler"
	apperrors "github.com/Aidin1998/birdtrade/pkg/errors"
	"github.com/Aidin1998/birdtrade/pkg/metrics"
)

// TaskKindProcess tags scheduler tasks that carry a Continuation.
const TaskKindProcess = "order_processed"

const (
	instrumentsCacheKey = "instruments:v1"
	scheduleTimeout     = 5 * time.Second
)

// Event types published for each order.
const (
	EventReceived  = "order_received"
	EventProcessed = "order_processed"
	EventFailed    = "order_failed"
)

// DefaultSymbols are the instruments served by Instruments.
var DefaultSymbols = []string{"NVDA", "JPM", "NFLX", "GOOGL", "DIS", "MSFT", "AAPL"}

// Config holds the order settings.
type Config struct {
	AccountNbr      string        `mapstructure:"account_nbr" validate:"required"`
	Symbols         []string      `mapstructure:"symbols" validate:"min=1,dive,required"`
	CacheTTL        time.Duration `mapstructure:"cache_ttl" validate:"gte=0"`
	IncompleteLimit int           `mapstructure:"incomplete_limit" validate:"gte=1"`
}

// DefaultConfig returns the account and symbols used by the web frontend.
func DefaultConfig() Config {
	return Config{
		AccountNbr:      "0005821112",
		Symbols:         append([]string(nil), DefaultSymbols...),
		CacheTTL:        2 * time.Second,
		IncompleteLimit: 100,
	}
}

// Scheduler accepts the deferred phase.
type Scheduler interface {
	Schedule(ctx context.Context, task scheduler.Task) error
}

// EventPublisher receives order lifecycle events.
type EventPublisher interface {
	Publish(ctx context.Context, key string, event any) error
}

// Cache stores JSON values for a short time.
type Cache interface {
	GetJSON(ctx context.Context, key string, dst any) (bool, error)
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Event is published after each phase.
type Event struct {
	Type     string    `json:"type"`
	OrderID  string    `json:"order_id"`
	OrderNbr string    `json:"order_nbr"`
	Symbol   string    `json:"symbol"`
	Side     Side      `json:"side"`
	Shares   int64     `json:"shares"`
	Price    string    `json:"price"`
	NewPrice string    `json:"new_price,omitempty"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, any) error { return nil }

type nopCache struct{}

func (nopCache) GetJSON(context.Context, string, any) (bool, error)        { return false, nil }
func (nopCache) SetJSON(context.Context, string, any, time.Duration) error { return nil }
func (nopCache) Delete(context.Context, string) error                      { return nil }

// Option configures a Service.
type Option func(*Service)

// WithIDGenerator replaces the random identifier source.
func WithIDGenerator(g IDGenerator) Option { return func(s *Service) { s.ids = g } }

// WithEvents publishes lifecycle events to p.
func WithEvents(p EventPublisher) Option { return func(s *Service) { s.events = p } }

// WithCache serves instrument lists from c.
func WithCache(c Cache) Option { return func(s *Service) { s.cache = c } }

// WithClock replaces the wall clock used for event times and cutoffs.
func WithClock(c clock.Clock) Option { return func(s *Service) { s.clock = c } }

// Service is the order submission orchestrator.
type Service struct {
	cfg       Config
	exec      *database.Executor
	scheduler Scheduler
	ids       IDGenerator
	events    EventPublisher
	cache     Cache
	clock     clock.Clock
	validate  *validator.Validate
	sanitizer *bluemonday.Policy
	logger    *zap.Logger
}

// NewService wires the orchestrator.
func NewService(cfg Config, exec *database.Executor, sched Scheduler, logger *zap.Logger, opts ...Option) *Service {
	def := DefaultConfig()
	if cfg.AccountNbr == "" {
		cfg.AccountNbr = def.AccountNbr
	}
	if len(cfg.Symbols) == 0 {
		cfg.Symbols = def.Symbols
	}
	if cfg.IncompleteLimit < 1 {
		cfg.IncompleteLimit = def.IncompleteLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	s := &Service{
		cfg:       cfg,
		exec:      exec,
		scheduler: sched,
		ids:       RandomIDs{},
		events:    nopPublisher{},
		cache:     nopCache{},
		clock:     clock.New(),
		validate:  v,
		sanitizer: bluemonday.StrictPolicy(),
		logger:    logger.Named("trading"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit runs the immediate phase and hands the deferred phase to the
// scheduler. It returns as soon as the immediate phase has committed.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	start := time.Now()

	order, err := s.parse(req)
	if err != nil {
		metrics.OrdersSubmitted.WithLabelValues("unknown", "invalid").Inc()
		return nil, err
	}

	ids, err := s.ids.NewIDs()
	if err != nil {
		metrics.OrdersSubmitted.WithLabelValues(string(order.Side), "failed").Inc()
		return nil, apperrors.Internal.Wrap(err)
	}

	newPrice := order.Price
	err = s.exec.InTx(ctx, EventReceived, func(ctx context.Context, tx database.Tx) error {
		p, err := recordReceived(ctx, tx, ids, order, s.cfg.AccountNbr)
		if err != nil {
			return err
		}
		newPrice = p
		return nil
	})
	switch {
	case err == nil:
	case errors.Is(err, errAlreadyRecorded):
		s.logger.Info("order found already recorded by an earlier attempt", zap.String("order_id", ids.OrderID))
	case errors.Is(err, errDuplicateKey):
		metrics.OrdersSubmitted.WithLabelValues(string(order.Side), "failed").Inc()
		s.logger.Error("order rejected by a unique constraint",
			zap.String("order_id", ids.OrderID),
			zap.String("order_nbr", ids.OrderNbr),
			zap.Error(err))
		return nil, apperrors.Internal.Wrap(err)
	default:
		metrics.OrdersSubmitted.WithLabelValues(string(order.Side), "failed").Inc()
		s.logger.Error("order submission failed",
			zap.String("order_id", ids.OrderID),
			zap.String("symbol", order.Symbol),
			zap.Error(err))
		return nil, apperrors.Unavailable.Wrap(err)
	}

	cont := Continuation{
		OrderID:             ids.OrderID,
		OrderNbr:            ids.OrderNbr,
		Symbol:              order.Symbol,
		Side:                order.Side,
		Shares:              order.Shares,
		Price:               order.Price,
		ExecutionID:         ids.ExecutionID,
		TradeID:             ids.TradeID,
		ProcessedActivityID: ids.ProcessedActivityID,
	}
	if err := s.schedule(ctx, cont); err != nil {
		s.logger.Error("deferred phase not scheduled, order left incomplete",
			zap.String("order_id", ids.OrderID), zap.Error(err))
	}

	event := s.event(EventReceived, cont)
	event.NewPrice = pricing.Format(newPrice)
	s.publish(ctx, event)
	if err := s.cache.Delete(ctx, instrumentsCacheKey); err != nil {
		s.logger.Warn("instrument cache invalidation failed", zap.Error(err))
	}

	metrics.OrdersSubmitted.WithLabelValues(string(order.Side), "accepted").Inc()
	metrics.SubmitLatency.Observe(time.Since(start).Seconds())
	s.logger.Info("order received",
		zap.String("order_id", ids.OrderID),
		zap.String("order_nbr", ids.OrderNbr),
		zap.String("symbol", order.Symbol),
		zap.String("side", string(order.Side)),
		zap.Int64("shares", order.Shares),
		zap.String("new_price", pricing.Format(newPrice)))

	return &SubmitResult{
		Message:  "Order submitted successfully",
		OrderID:  ids.OrderID,
		NewPrice: newPrice,
	}, nil
}

func (s *Service) schedule(ctx context.Context, c Continuation) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), scheduleTimeout)
	defer cancel()
	return s.scheduler.Schedule(ctx, scheduler.Task{ID: c.OrderID, Kind: TaskKindProcess, Payload: payload})
}

// HandleTask is the scheduler handler for the deferred phase.
func (s *Service) HandleTask(ctx context.Context, task scheduler.Task) error {
	if task.Kind != TaskKindProcess {
		return fmt.Errorf("unexpected task kind %q", task.Kind)
	}
	var c Continuation
	if err := json.Unmarshal(task.Payload, &c); err != nil {
		return fmt.Errorf("decode continuation %s: %w", task.ID, err)
	}
	if !c.Side.Valid() {
		return fmt.Errorf("continuation %s: unknown order side %q", task.ID, c.Side)
	}
	return s.Process(ctx, c)
}

// Process runs the deferred phase. A failure is logged and returned; nothing
// retries it beyond the executor's own attempts.
func (s *Service) Process(ctx context.Context, c Continuation) error {
	err := s.exec.InTx(ctx, EventProcessed, func(ctx context.Context, tx database.Tx) error {
		return recordProcessed(ctx, tx, c, sqlLockOrder)
	})
	if errors.Is(err, errAlreadyRecorded) {
		s.logger.Info("order found already processed by an earlier attempt", zap.String("order_id", c.OrderID))
		err = nil
	}

	if err != nil {
		metrics.OrdersProcessed.WithLabelValues("failed").Inc()
		s.logger.Error("order processing failed",
			zap.String("order_id", c.OrderID),
			zap.String("order_nbr", c.OrderNbr),
			zap.String("execution_id", c.ExecutionID),
			zap.Error(err))
		event := s.event(EventFailed, c)
		event.Error = err.Error()
		s.publish(ctx, event)
		return err
	}

	metrics.OrdersProcessed.WithLabelValues("processed").Inc()
	s.logger.Info("order processed and trade recorded",
		zap.String("order_id", c.OrderID),
		zap.String("execution_id", c.ExecutionID),
		zap.String("trade_id", c.TradeID))
	s.publish(ctx, s.event(EventProcessed, c))
	return nil
}

// Instruments lists the configured symbols with their current prices.
func (s *Service) Instruments(ctx context.Context) ([]Instrument, error) {
	var cached []Instrument
	if s.cfg.CacheTTL > 0 {
		hit, err := s.cache.GetJSON(ctx, instrumentsCacheKey, &cached)
		if err != nil {
			s.logger.Warn("instrument cache read failed", zap.Error(err))
		} else if hit {
			return cached, nil
		}
	}

	list, err := listInstruments(ctx, s.exec, s.cfg.Symbols)
	if err != nil {
		s.logger.Error("instrument query failed", zap.Error(err))
		return nil, apperrors.Unavailable.Wrap(err)
	}

	if s.cfg.CacheTTL > 0 {
		if err := s.cache.SetJSON(ctx, instrumentsCacheKey, list, s.cfg.CacheTTL); err != nil {
			s.logger.Warn("instrument cache write failed", zap.Error(err))
		}
	}
	return list, nil
}

// IncompleteOrders lists orders received more than olderThan ago that have
// no processed activity. It changes nothing.
func (s *Service) IncompleteOrders(ctx context.Context, olderThan time.Duration) ([]IncompleteOrder, error) {
	if olderThan < 0 {
		return nil, apperrors.InvalidRequest.Explain("olderThan must not be negative")
	}
	list, err := listIncomplete(ctx, s.exec, s.clock.Now().Add(-olderThan), s.cfg.IncompleteLimit)
	if err != nil {
		return nil, apperrors.Unavailable.Wrap(err)
	}
	return list, nil
}

// ReconcileResult reports what one reconcile sweep did.
type ReconcileResult struct {
	Candidates int      `json:"candidates"`
	Completed  []string `json:"completed"`
	Skipped    int      `json:"skipped"`
	Failed     int      `json:"failed"`
}

// Reconcile completes orders received more than olderThan ago whose deferred
// phase never committed. Each order gets fresh execution, activity and trade
// ids and its own transaction; an order another session holds is skipped.
// Failures are counted and logged, and the sweep moves on.
func (s *Service) Reconcile(ctx context.Context, olderThan time.Duration) (*ReconcileResult, error) {
	if olderThan < 0 {
		return nil, apperrors.InvalidRequest.Explain("olderThan must not be negative")
	}
	candidates, err := listIncomplete(ctx, s.exec, s.clock.Now().Add(-olderThan), s.cfg.IncompleteLimit)
	if err != nil {
		return nil, apperrors.Unavailable.Wrap(err)
	}

	res := &ReconcileResult{Candidates: len(candidates), Completed: []string{}}
	for _, o := range candidates {
		if err := ctx.Err(); err != nil {
			return res, apperrors.Unavailable.Wrap(err)
		}
		ids, err := s.ids.NewIDs()
		if err != nil {
			return res, apperrors.Internal.Wrap(err)
		}
		c := Continuation{
			OrderID:             o.OrderID,
			OrderNbr:            o.OrderNbr,
			Symbol:              o.Symbol,
			Side:                o.Side,
			Shares:              o.Shares,
			Price:               o.UnitPrice,
			ExecutionID:         ids.ExecutionID,
			TradeID:             ids.TradeID,
			ProcessedActivityID: ids.ProcessedActivityID,
		}
		if !c.Side.Valid() {
			res.Failed++
			s.logger.Error("incomplete order has an unknown side",
				zap.String("order_id", c.OrderID), zap.String("side", string(c.Side)))
			continue
		}

		err = s.exec.InTx(ctx, "order_reconciled", func(ctx context.Context, tx database.Tx) error {
			return recordProcessed(ctx, tx, c, sqlLockOrderSkipLocked)
		})
		switch {
		case err == nil:
			res.Completed = append(res.Completed, c.OrderID)
			metrics.OrdersProcessed.WithLabelValues("reconciled").Inc()
			s.logger.Info("incomplete order reconciled",
				zap.String("order_id", c.OrderID),
				zap.String("execution_id", c.ExecutionID),
				zap.String("trade_id", c.TradeID))
			s.publish(ctx, s.event(EventProcessed, c))
		case errors.Is(err, errAlreadyRecorded), errors.Is(err, errOrderUnavailable):
			res.Skipped++
			s.logger.Info("order skipped by reconcile", zap.String("order_id", c.OrderID), zap.Error(err))
		default:
			res.Failed++
			metrics.OrdersProcessed.WithLabelValues("failed").Inc()
			s.logger.Error("order reconcile failed", zap.String("order_id", c.OrderID), zap.Error(err))
		}
	}

	s.logger.Info("reconcile sweep finished",
		zap.Int("candidates", res.Candidates),
		zap.Int("completed", len(res.Completed)),
		zap.Int("skipped", res.Skipped),
		zap.Int("failed", res.Failed))
	return res, nil
}

func (s *Service) parse(req SubmitRequest) (Order, error) {
	req.Stock = Field(strings.TrimSpace(s.sanitizer.Sanitize(string(req.Stock))))
	if err := s.validate.Struct(req); err != nil {
		appErr := apperrors.InvalidRequest
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				appErr = appErr.WithField(fe.Field(), fe.Tag(), fe.Field()+" is required")
			}
		}
		return Order{}, appErr
	}

	side, err := pricing.ParseSide(string(req.OrderType))
	if err != nil {
		return Order{}, invalidField("orderType", "oneof", "orderType must be buy or sell")
	}
	// Range is not checked; only values the orders table cannot hold are refused.
	shares, err := strconv.ParseInt(string(req.Shares), 10, 64)
	if err != nil {
		return Order{}, invalidField("shares", "number", "shares must be a whole number")
	}
	price, err := pricing.Parse(string(req.CurrentPrice))
	if err != nil {
		return Order{}, invalidField("currentPrice", "decimal", "currentPrice must be a decimal number")
	}
	cost, err := pricing.Parse(string(req.EstimatedCost))
	if err != nil {
		return Order{}, invalidField("estimatedCost", "decimal", "estimatedCost must be a decimal number")
	}

	return Order{
		Symbol:        string(req.Stock),
		Side:          side,
		Shares:        shares,
		Price:         price,
		EstimatedCost: cost,
	}, nil
}

func invalidField(field, tag, message string) error {
	return apperrors.InvalidRequest.Explain("%s", message).WithField(field, tag, message)
}

func (s *Service) event(kind string, c Continuation) Event {
	return Event{
		Type:     kind,
		OrderID:  c.OrderID,
		OrderNbr: c.OrderNbr,
		Symbol:   c.Symbol,
		Side:     c.Side,
		Shares:   c.Shares,
		Price:    pricing.Format(c.Price),
		At:       s.clock.Now().UTC(),
	}
}

func (s *Service) publish(ctx context.Context, e Event) {
	if err := s.events.Publish(ctx, e.OrderID, e); err != nil {
		s.logger.Warn("order event not published",
			zap.String("order_id", e.OrderID),
			zap.String("type", e.Type),
			zap.Error(err))
	}
}
