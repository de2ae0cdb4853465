package httpapi

import (
	"net/http"
	"strconv"

	"github.com/autolib/services/lending/internal/db"
	"github.com/autolib/services/lending/internal/repo"
	"github.com/gin-gonic/gin"
)

const (
	defaultPageSize = 10
	maxPageSize     = 100
)

type pagination struct {
	Page       int   `json:"page"`
	Limit      int   `json:"limit"`
	Total      int64 `json:"total"`
	TotalPages int64 `json:"totalPages"`
}

type listBooksResp struct {
	Books      []db.Book  `json:"books"`
	Pagination pagination `json:"pagination"`
}

// @Summary List books
// @Tags books
// @Produce json
// @Param query query string false "Title, author or ISBN contains"
// @Param category query string false "Category"
// @Param page query int false "Page, from 1"
// @Param limit query int false "Page size"
// @Success 200 {object} listBooksResp
// @Router /books [get]
func (s *Server) listBooks(c *gin.Context) {
	page := queryInt(c, "page", 1)
	if page < 1 {
		page = 1
	}
	limit := queryInt(c, "limit", defaultPageSize)
	if limit < 1 || limit > maxPageSize {
		limit = defaultPageSize
	}

	books, total, err := s.catalog.ListBooks(c.Request.Context(), repo.BookFilter{
		Query:    c.Query("query"),
		Category: c.Query("category"),
		Page:     page,
		Limit:    limit,
	})
	if err != nil {
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, listBooksResp{
		Books: books,
		Pagination: pagination{
			Page:       page,
			Limit:      limit,
			Total:      total,
			TotalPages: (total + int64(limit) - 1) / int64(limit),
		},
	})
}

// @Summary List categories
// @Tags books
// @Produce json
// @Success 200 {object} map[string][]string
// @Router /books/categories [get]
func (s *Server) listCategories(c *gin.Context) {
	categories, err := s.catalog.Categories(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"categories": categories})
}

// @Summary Get book by id
// @Tags books
// @Produce json
// @Param id path string true "Book ID"
// @Success 200 {object} db.Book
// @Failure 404 {object} map[string]string
// @Router /books/{id} [get]
func (s *Server) getBook(c *gin.Context) {
	book, err := s.catalog.GetBook(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, book)
}

// @Summary Get book stock
// @Tags books
// @Produce json
// @Param id path string true "Book ID"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} map[string]string
// @Router /books/{id}/quantity [get]
func (s *Server) getQuantity(c *gin.Context) {
	book, err := s.catalog.GetBook(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"book_id":            book.ID,
		"available_quantity": book.AvailableQuantity,
		"total_quantity":     book.TotalQuantity,
	})
}

type ratingResp struct {
	repo.RatingSummary
	UserScore int `json:"user_score,omitempty"`
}

// @Summary Get book rating
// @Tags ratings
// @Produce json
// @Param id path string true "Book ID"
// @Success 200 {object} ratingResp
// @Failure 404 {object} map[string]string
// @Router /books/{id}/rating [get]
func (s *Server) getRating(c *gin.Context) {
	ctx := c.Request.Context()
	bookID := c.Param("id")

	if _, err := s.catalog.GetBook(ctx, bookID); err != nil {
		s.fail(c, err)
		return
	}

	summary, err := s.ratings.BookRating(ctx, bookID)
	if err != nil {
		s.fail(c, err)
		return
	}

	resp := ratingResp{RatingSummary: *summary}
	if user := currentUser(c); user.ID != "" {
		score, err := s.ratings.UserRating(ctx, user.ID, bookID)
		if err != nil {
			s.fail(c, err)
			return
		}
		resp.UserScore = score
	}
	c.JSON(http.StatusOK, resp)
}

type rateBookReq struct {
	Score int `json:"score" binding:"required,min=1,max=5"`
}

// @Summary Rate a book
// @Tags ratings
// @Accept json
// @Produce json
// @Param id path string true "Book ID"
// @Param input body rateBookReq true "Score from 1 to 5"
// @Success 200 {object} ratingResp
// @Failure 400 {object} map[string]string
// @Failure 403 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Security BearerAuth
// @Router /books/{id}/rating [post]
func (s *Server) rateBook(c *gin.Context) {
	var req rateBookReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "score must be an integer from 1 to 5"})
		return
	}

	ctx := c.Request.Context()
	user := currentUser(c)
	bookID := c.Param("id")

	if _, err := s.catalog.GetBook(ctx, bookID); err != nil {
		s.fail(c, err)
		return
	}

	returned, err := s.history.HasFinished(ctx, user.ID, bookID)
	if err != nil {
		s.fail(c, err)
		return
	}
	if !returned {
		s.fail(c, errNotBorrowed)
		return
	}

	if err := s.ratings.UpsertRating(ctx, &db.Rating{BookID: bookID, UserID: user.ID, Score: req.Score}); err != nil {
		s.fail(c, err)
		return
	}

	summary, err := s.ratings.BookRating(ctx, bookID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ratingResp{RatingSummary: *summary, UserScore: req.Score})
}

func queryInt(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
