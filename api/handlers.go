package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Aidin1998/birdtrade/internal/trading"
	apperrors "github.com/Aidin1998/birdtrade/pkg/errors"
)

const defaultIncompleteAge = 5 * time.Second

// GET /api/data
func (s *Server) getInstruments(c *gin.Context) {
	list, err := s.orders.Instruments(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	if list == nil {
		list = []trading.Instrument{}
	}
	c.JSON(http.StatusOK, list)
}

// POST /api/submitOrder
func (s *Server) submitOrder(c *gin.Context) {
	var req trading.SubmitRequest
	// An empty body is treated as a request with every field missing.
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(c, apperrors.InvalidRequest.Explain("Invalid request body").Wrap(err))
		return
	}

	res, err := s.orders.Submit(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func olderThan(c *gin.Context) (time.Duration, error) {
	raw := c.Query("olderThan")
	if raw == "" {
		return defaultIncompleteAge, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, apperrors.InvalidRequest.
			Explain("olderThan must be a duration such as 5s").
			WithField("olderThan", "duration", err.Error())
	}
	return d, nil
}

// GET /api/orders/incomplete?olderThan=5s
func (s *Server) getIncompleteOrders(c *gin.Context) {
	age, err := olderThan(c)
	if err != nil {
		s.writeError(c, err)
		return
	}

	list, err := s.orders.IncompleteOrders(c.Request.Context(), age)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if list == nil {
		list = []trading.IncompleteOrder{}
	}
	c.JSON(http.StatusOK, gin.H{"olderThan": age.String(), "orders": list})
}

// POST /api/orders/reconcile?olderThan=5s
func (s *Server) reconcileOrders(c *gin.Context) {
	age, err := olderThan(c)
	if err != nil {
		s.writeError(c, err)
		return
	}

	res, err := s.orders.Reconcile(c.Request.Context(), age)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// writeError answers with the {error} body clients already parse and logs
// the full problem document.
func (s *Server) writeError(c *gin.Context, err error) {
	problem := apperrors.Problem(err, c.Request.URL.Path)

	fields := []zap.Field{
		zap.String("type", problem.Type),
		zap.Int("status", problem.Status),
		zap.String("detail", problem.Detail),
		zap.String("instance", problem.Instance),
		zap.Error(err),
	}
	if len(problem.Errors) > 0 {
		fields = append(fields, zap.Any("errors", problem.Errors))
	}
	if problem.Status >= http.StatusInternalServerError {
		s.logger.Error("request failed", fields...)
	} else {
		s.logger.Info("request rejected", fields...)
	}

	message := problem.Detail
	var appErr *apperrors.Error
	if !apperrors.As(err, &appErr) {
		// Never leak driver text for errors nothing classified.
		message = apperrors.Internal.Message
	}
	c.AbortWithStatusJSON(problem.Status, gin.H{"error": message})
}
