package repo

import (
	"context"
	"time"

	"github.com/autolib/services/lending/internal/db"
	"go.uber.org/zap"
	"gorm.io/gorm/clause"
)

// RatingSummary aggregates the scores of one book
type RatingSummary struct {
	BookID  string  `json:"book_id"`
	Average float64 `json:"average"`
	Count   int64   `json:"count"`
}

// RatingRepository handles member ratings of books
type RatingRepository struct {
	db  *db.DB
	log *zap.Logger
}

// NewRatingRepository creates a new rating repository
func NewRatingRepository(database *db.DB, logger *zap.Logger) *RatingRepository {
	return &RatingRepository{
		db:  database,
		log: logger,
	}
}

// UpsertRating stores the member's score for a book, replacing an earlier one
func (r *RatingRepository) UpsertRating(ctx context.Context, rating *db.Rating) error {
	rating.UpdatedAt = time.Now().UTC()
	err := r.db.Conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "book_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"score", "updated_at"}),
	}).Create(rating).Error
	if err != nil {
		r.log.Error("Failed to save rating",
			zap.String("book_id", rating.BookID),
			zap.String("user_id", rating.UserID),
			zap.Error(err),
		)
		return err
	}

	r.log.Info("Rating saved",
		zap.String("book_id", rating.BookID),
		zap.String("user_id", rating.UserID),
		zap.Int("score", rating.Score),
	)
	return nil
}

// BookRating returns the average score and number of ratings for a book
func (r *RatingRepository) BookRating(ctx context.Context, bookID string) (*RatingSummary, error) {
	var row struct {
		Average float64
		Count   int64
	}
	err := r.db.Conn(ctx).Model(&db.Rating{}).
		Select("COALESCE(AVG(score), 0) AS average, COUNT(*) AS count").
		Where("book_id = ?", bookID).
		Scan(&row).Error
	if err != nil {
		r.log.Error("Failed to aggregate ratings", zap.String("book_id", bookID), zap.Error(err))
		return nil, err
	}

	return &RatingSummary{BookID: bookID, Average: row.Average, Count: row.Count}, nil
}

// UserRating returns the member's own score for a book, or 0 when they have not rated it
func (r *RatingRepository) UserRating(ctx context.Context, userID, bookID string) (int, error) {
	var ratings []db.Rating
	err := r.db.Conn(ctx).
		Where("user_id = ? AND book_id = ?", userID, bookID).
		Limit(1).
		Find(&ratings).Error
	if err != nil {
		r.log.Error("Failed to get user rating", zap.String("book_id", bookID), zap.Error(err))
		return 0, err
	}
	if len(ratings) == 0 {
		return 0, nil
	}
	return ratings[0].Score, nil
}
