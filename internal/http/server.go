package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/autolib/services/lending/internal/borrow"
	"github.com/autolib/services/lending/internal/db"
	"github.com/autolib/services/lending/internal/metrics"
	"github.com/autolib/services/lending/internal/notify"
	"github.com/autolib/services/lending/internal/repo"
	"github.com/autolib/services/lending/internal/session"
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"
)

// errNotBorrowed is returned when a member rates a book they never returned
var errNotBorrowed = errors.New("only members who borrowed and returned this book can rate it")

// Catalog is the read side of the book repository
type Catalog interface {
	ListBooks(ctx context.Context, f repo.BookFilter) ([]db.Book, int64, error)
	GetBook(ctx context.Context, id string) (*db.Book, error)
	Categories(ctx context.Context) ([]string, error)
}

// Ratings stores and aggregates book ratings
type Ratings interface {
	UpsertRating(ctx context.Context, rating *db.Rating) error
	BookRating(ctx context.Context, bookID string) (*repo.RatingSummary, error)
	UserRating(ctx context.Context, userID, bookID string) (int, error)
}

// BorrowHistory answers whether a member has completed a borrow of a book
type BorrowHistory interface {
	HasFinished(ctx context.Context, userID, bookID string) (bool, error)
}

// Deps are the collaborators the HTTP API is built from
type Deps struct {
	Catalog  Catalog
	Ratings  Ratings
	History  BorrowHistory
	Borrow   *borrow.Service
	Verifier *session.Verifier
	Hub      *notify.Hub
	Metrics  *metrics.Metrics
	Log      *zap.Logger
}

type Server struct {
	engine   *gin.Engine
	catalog  Catalog
	ratings  Ratings
	history  BorrowHistory
	borrow   *borrow.Service
	verifier *session.Verifier
	hub      *notify.Hub
	log      *zap.Logger
}

func NewServer(d Deps) *Server {
	r := gin.New()
	r.Use(requestLogger(d.Log), instrument(d.Metrics), recovery(d.Log))

	s := &Server{
		engine:   r,
		catalog:  d.Catalog,
		ratings:  d.Ratings,
		history:  d.History,
		borrow:   d.Borrow,
		verifier: d.Verifier,
		hub:      d.Hub,
		log:      d.Log,
	}
	s.registerRoutes()
	return s
}

func (s *Server) Engine() *gin.Engine { return s.engine }

func (s *Server) registerRoutes() {
	// Swagger UI
	s.engine.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	v1 := s.engine.Group("/api/v1")
	{
		books := v1.Group("/books")
		books.GET("", s.listBooks)
		books.GET("/categories", s.listCategories)
		books.GET("/:id", s.getBook)
		books.GET("/:id/quantity", s.getQuantity)
		books.GET("/:id/rating", s.optionalUser, s.getRating)
		books.POST("/:id/rating", s.requireUser, s.rateBook)

		v1.GET("/lockers/available", s.availableLockers)
		v1.GET("/borrow/defaults", s.borrowDefaults)

		txs := v1.Group("/transactions", s.requireUser)
		txs.POST("/borrow", s.createBorrow)
		txs.GET("/active", s.activeTransactions)
		txs.GET("/history", s.transactionHistory)
		txs.GET("/:id", s.getTransaction)
		txs.POST("/:id/pickup", s.confirmPickup)
		txs.POST("/:id/return", s.confirmReturn)
		txs.POST("/:id/cancel", s.cancelTransaction)

		v1.GET("/ws", s.requireUser, s.websocket)
	}
}

func mapErrorToStatus(err error) int {
	switch {
	case errors.Is(err, borrow.ErrValidation),
		errors.Is(err, borrow.ErrMissingTime):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNoToken),
		errors.Is(err, session.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, borrow.ErrNotOwner),
		errors.Is(err, errNotBorrowed):
		return http.StatusForbidden
	case errors.Is(err, repo.ErrBookNotFound),
		errors.Is(err, repo.ErrLockerNotFound),
		errors.Is(err, repo.ErrTransactionNotFound):
		return http.StatusNotFound
	case errors.Is(err, borrow.ErrLockerUnavailable),
		errors.Is(err, borrow.ErrInvalidState),
		errors.Is(err, borrow.ErrOutsideWindow),
		errors.Is(err, repo.ErrSlotTaken),
		errors.Is(err, repo.ErrOutOfStock),
		errors.Is(err, repo.ErrStockOverflow),
		errors.Is(err, repo.ErrStaleTransaction):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	status := mapErrorToStatus(err)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
