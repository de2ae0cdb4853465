package repo

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"

	"github.com/autolib/services/lending/internal/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrBookNotFound is returned when a book is not found
	ErrBookNotFound = errors.New("book not found")

	// ErrOutOfStock is returned when no copy of the book is left to lend
	ErrOutOfStock = errors.New("book is out of stock")

	// ErrStockOverflow is returned when a stock increase would exceed the total quantity
	ErrStockOverflow = errors.New("available quantity would exceed total quantity")
)

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// containsPattern builds a LIKE pattern matching s literally anywhere in the column
func containsPattern(s string) string {
	return "%" + likeEscaper.Replace(s) + "%"
}

// BookFilter narrows ListBooks results
type BookFilter struct {
	Query    string
	Category string
	Page     int
	Limit    int
}

// BookRepository handles book catalog and stock operations
type BookRepository struct {
	db  *db.DB
	log *zap.Logger
}

// NewBookRepository creates a new book repository
func NewBookRepository(database *db.DB, logger *zap.Logger) *BookRepository {
	return &BookRepository{
		db:  database,
		log: logger,
	}
}

// ListBooks returns a page of books matching the filter, plus the total match count
func (r *BookRepository) ListBooks(ctx context.Context, f BookFilter) ([]db.Book, int64, error) {
	query := r.db.Conn(ctx).Model(&db.Book{})

	if q := strings.TrimSpace(f.Query); q != "" {
		like := containsPattern(strings.ToLower(q))
		query = query.Where(`LOWER(title) LIKE ? ESCAPE '\' OR LOWER(author) LIKE ? ESCAPE '\' OR LOWER(isbn) LIKE ? ESCAPE '\'`, like, like, like)
	}
	if f.Category != "" {
		// categories is a JSON array; match the whole quoted element
		element, _ := json.Marshal(f.Category)
		query = query.Where(`categories LIKE ? ESCAPE '\'`, containsPattern(string(element)))
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		r.log.Error("Failed to count books", zap.Error(err))
		return nil, 0, err
	}

	page, limit := f.Page, f.Limit
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 10
	}

	var books []db.Book
	if err := query.Offset((page - 1) * limit).Limit(limit).Order("title ASC").Find(&books).Error; err != nil {
		r.log.Error("Failed to list books", zap.Error(err))
		return nil, 0, err
	}

	return books, total, nil
}

// GetBook retrieves a book by id
func (r *BookRepository) GetBook(ctx context.Context, id string) (*db.Book, error) {
	var book db.Book
	err := r.db.Conn(ctx).Where("id = ?", id).First(&book).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBookNotFound
		}
		r.log.Error("Failed to get book", zap.String("book_id", id), zap.Error(err))
		return nil, err
	}

	return &book, nil
}

// CreateBook adds a title to the catalog with the quantities as given
func (r *BookRepository) CreateBook(ctx context.Context, book *db.Book) error {
	if err := r.db.Conn(ctx).Create(book).Error; err != nil {
		r.log.Error("Failed to create book", zap.String("title", book.Title), zap.Error(err))
		return err
	}

	r.log.Info("Book created", zap.String("book_id", book.ID), zap.String("title", book.Title))
	return nil
}

// Categories returns the sorted set of categories used across the catalog
func (r *BookRepository) Categories(ctx context.Context) ([]string, error) {
	var books []db.Book
	if err := r.db.Conn(ctx).Select("categories").Find(&books).Error; err != nil {
		r.log.Error("Failed to load categories", zap.Error(err))
		return nil, err
	}

	seen := make(map[string]struct{})
	for _, b := range books {
		for _, c := range b.Categories {
			if c = strings.TrimSpace(c); c != "" {
				seen[c] = struct{}{}
			}
		}
	}

	categories := make([]string, 0, len(seen))
	for c := range seen {
		categories = append(categories, c)
	}
	sort.Strings(categories)
	return categories, nil
}

// AdjustQuantity moves available_quantity by delta without ever leaving [0, total_quantity].
// The bound is checked by the UPDATE itself so concurrent borrows cannot oversell.
func (r *BookRepository) AdjustQuantity(ctx context.Context, bookID string, delta int) (*db.Book, error) {
	conn := r.db.Conn(ctx)

	result := conn.Model(&db.Book{}).
		Where("id = ?", bookID).
		Where("available_quantity + ? >= 0", delta).
		Where("available_quantity + ? <= total_quantity", delta).
		Update("available_quantity", gorm.Expr("available_quantity + ?", delta))
	if result.Error != nil {
		r.log.Error("Failed to adjust book quantity",
			zap.String("book_id", bookID),
			zap.Int("delta", delta),
			zap.Error(result.Error),
		)
		return nil, result.Error
	}

	if result.RowsAffected == 0 {
		if _, err := r.GetBook(ctx, bookID); err != nil {
			return nil, err
		}
		if delta < 0 {
			return nil, ErrOutOfStock
		}
		return nil, ErrStockOverflow
	}

	var book db.Book
	if err := conn.Where("id = ?", bookID).First(&book).Error; err != nil {
		return nil, err
	}

	r.log.Info("Book quantity adjusted",
		zap.String("book_id", bookID),
		zap.Int("delta", delta),
		zap.Int("available_quantity", book.AvailableQuantity),
	)
	return &book, nil
}
