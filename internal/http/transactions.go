package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/autolib/services/lending/internal/borrow"
	"github.com/autolib/services/lending/internal/db"
	"github.com/autolib/services/lending/internal/session"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// @Summary Lockers free at a time
// @Tags lockers
// @Produce json
// @Param time query string true "RFC3339 time"
// @Success 200 {object} map[string][]db.Locker
// @Failure 400 {object} map[string]string
// @Router /lockers/available [get]
func (s *Server) availableLockers(c *gin.Context) {
	at, ok := queryTime(c, "time")
	if !ok {
		return
	}

	lockers, err := s.borrow.AvailableLockers(c.Request.Context(), at)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"lockers": lockers})
}

// @Summary Default return time for a pickup
// @Tags borrow
// @Produce json
// @Param pickup query string true "RFC3339 pickup time"
// @Success 200 {object} borrow.Defaults
// @Failure 400 {object} map[string]string
// @Router /borrow/defaults [get]
func (s *Server) borrowDefaults(c *gin.Context) {
	pickup, ok := queryTime(c, "pickup")
	if !ok {
		return
	}
	c.JSON(http.StatusOK, borrow.DefaultsFor(pickup))
}

// @Summary Borrow a book
// @Tags transactions
// @Accept json
// @Produce json
// @Param input body borrow.Request true "Borrow"
// @Success 201 {object} map[string]db.Transaction
// @Failure 400 {object} map[string]string
// @Failure 401 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Failure 409 {object} map[string]string
// @Security BearerAuth
// @Router /transactions/borrow [post]
func (s *Server) createBorrow(c *gin.Context) {
	var req borrow.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	tx, err := s.borrow.Borrow(c.Request.Context(), currentUser(c), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": tx})
}

// @Summary Open transactions grouped for display
// @Tags transactions
// @Produce json
// @Success 200 {object} status.Buckets
// @Failure 401 {object} map[string]string
// @Security BearerAuth
// @Router /transactions/active [get]
func (s *Server) activeTransactions(c *gin.Context) {
	buckets, err := s.borrow.Active(c.Request.Context(), currentUser(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, buckets)
}

// @Summary Finished and canceled transactions
// @Tags transactions
// @Produce json
// @Success 200 {object} map[string][]borrow.HistoryEntry
// @Failure 401 {object} map[string]string
// @Security BearerAuth
// @Router /transactions/history [get]
func (s *Server) transactionHistory(c *gin.Context) {
	entries, err := s.borrow.History(c.Request.Context(), currentUser(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": entries})
}

// @Summary Get transaction by id
// @Tags transactions
// @Produce json
// @Param id path string true "Transaction ID"
// @Success 200 {object} map[string]db.Transaction
// @Failure 403 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Security BearerAuth
// @Router /transactions/{id} [get]
func (s *Server) getTransaction(c *gin.Context) {
	tx, err := s.borrow.Get(c.Request.Context(), currentUser(c), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": tx})
}

// @Summary Confirm pickup
// @Tags transactions
// @Produce json
// @Param id path string true "Transaction ID"
// @Success 200 {object} map[string]db.Transaction
// @Failure 403 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Failure 409 {object} map[string]string
// @Security BearerAuth
// @Router /transactions/{id}/pickup [post]
func (s *Server) confirmPickup(c *gin.Context) {
	s.transition(c, s.borrow.ConfirmPickup)
}

// @Summary Confirm return
// @Tags transactions
// @Produce json
// @Param id path string true "Transaction ID"
// @Success 200 {object} map[string]db.Transaction
// @Failure 403 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Failure 409 {object} map[string]string
// @Security BearerAuth
// @Router /transactions/{id}/return [post]
func (s *Server) confirmReturn(c *gin.Context) {
	s.transition(c, s.borrow.ConfirmReturn)
}

// @Summary Cancel a borrow before pickup
// @Tags transactions
// @Produce json
// @Param id path string true "Transaction ID"
// @Success 200 {object} map[string]db.Transaction
// @Failure 403 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Failure 409 {object} map[string]string
// @Security BearerAuth
// @Router /transactions/{id}/cancel [post]
func (s *Server) cancelTransaction(c *gin.Context) {
	s.transition(c, s.borrow.Cancel)
}

type transitionFunc func(ctx context.Context, user session.User, id string) (*db.Transaction, error)

func (s *Server) transition(c *gin.Context, fn transitionFunc) {
	tx, err := fn(c.Request.Context(), currentUser(c), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": tx})
}

// @Summary Push notifications
// @Tags notifications
// @Param access_token query string false "Token, for clients that cannot set headers"
// @Success 101
// @Failure 401 {object} map[string]string
// @Security BearerAuth
// @Router /ws [get]
func (s *Server) websocket(c *gin.Context) {
	user := currentUser(c)
	if err := s.hub.ServeWS(c.Writer, c.Request, user.ID); err != nil {
		s.log.Warn("Websocket upgrade failed", zap.String("user_id", user.ID), zap.Error(err))
	}
}

func queryTime(c *gin.Context, key string) (time.Time, bool) {
	raw := c.Query(key)
	if raw == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": key + " is required"})
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + key + ", expected RFC3339"})
		return time.Time{}, false
	}
	return t, true
}
