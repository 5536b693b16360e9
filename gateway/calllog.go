package gateway

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// CallSink receives one record per terminal dispatch outcome. Appending is
// best-effort: implementations log write failures and never propagate them.
type CallSink interface {
	Append(ctx context.Context, rec *CallLog)
}

// CallLogStats aggregates the call-log table.
type CallLogStats struct {
	TotalCalls        int64    `json:"total_calls"`
	AvgLatencyMS      *float64 `json:"avg_latency_ms"`
	TotalTokensOutput int64    `json:"total_tokens_output"`
	ErrorCount        int64    `json:"error_count"`
}

// CallLogStore persists call logs. It satisfies CallSink.
type CallLogStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewCallLogStore creates a call-log store backed by the given database.
func NewCallLogStore(db *gorm.DB, logger *zap.Logger) *CallLogStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CallLogStore{
		db:     db,
		logger: logger.With(zap.String("component", "call_log")),
	}
}

// Append writes one record. Failures are logged and swallowed: call logging
// must never fail the dispatch it describes.
func (s *CallLogStore) Append(ctx context.Context, rec *CallLog) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		s.logger.Error("failed to create call log record",
			zap.String("request_id", rec.ID),
			zap.Error(err))
		return
	}
	s.logger.Debug("call log record created",
		zap.String("request_id", rec.ID),
		zap.Int64("status_code", rec.StatusCode),
		zap.Int64("total_duration_ms", rec.TotalDuration),
		zap.Int64("tokens_output", rec.TokensOutput))
}

// GetByID returns the record with the given id, or gorm.ErrRecordNotFound.
func (s *CallLogStore) GetByID(ctx context.Context, id string) (*CallLog, error) {
	var rec CallLog
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

// List returns all records, newest first.
func (s *CallLogStore) List(ctx context.Context) ([]CallLog, error) {
	var recs []CallLog
	err := s.db.WithContext(ctx).Order("created_at DESC").Find(&recs).Error
	return recs, err
}

// ListPaginated returns a page of records, newest first.
func (s *CallLogStore) ListPaginated(ctx context.Context, limit, offset int) ([]CallLog, error) {
	var recs []CallLog
	err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&recs).Error
	return recs, err
}

// ListByModel returns the records for one model id, newest first.
func (s *CallLogStore) ListByModel(ctx context.Context, modelID string) ([]CallLog, error) {
	var recs []CallLog
	err := s.db.WithContext(ctx).
		Where("model_id = ?", modelID).
		Order("created_at DESC").
		Find(&recs).Error
	return recs, err
}

// ListByStatus returns the records with the given status code, newest first.
func (s *CallLogStore) ListByStatus(ctx context.Context, statusCode int64) ([]CallLog, error) {
	var recs []CallLog
	err := s.db.WithContext(ctx).
		Where("status_code = ?", statusCode).
		Order("created_at DESC").
		Find(&recs).Error
	return recs, err
}

// ListErrors returns the non-200 records, newest first.
func (s *CallLogStore) ListErrors(ctx context.Context) ([]CallLog, error) {
	var recs []CallLog
	err := s.db.WithContext(ctx).
		Where("status_code <> ?", 200).
		Order("created_at DESC").
		Find(&recs).Error
	return recs, err
}

// Count returns the total number of records.
func (s *CallLogStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&CallLog{}).Count(&n).Error
	return n, err
}

// Stats aggregates call counts, latency, token output, and error count.
func (s *CallLogStore) Stats(ctx context.Context) (*CallLogStats, error) {
	var stats CallLogStats
	err := s.db.WithContext(ctx).Model(&CallLog{}).
		Select("COUNT(*) as total_calls, " +
			"AVG(total_duration) as avg_latency_ms, " +
			"COALESCE(SUM(tokens_output), 0) as total_tokens_output, " +
			"COUNT(CASE WHEN status_code <> 200 THEN 1 END) as error_count").
		Scan(&stats).Error
	if err != nil {
		return nil, fmt.Errorf("aggregate call logs: %w", err)
	}
	return &stats, nil
}

// DeleteOlderThan removes records created before the cutoff. Returns the
// number of rows deleted.
func (s *CallLogStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Delete(&CallLog{}, "created_at < ?", cutoff)
	return res.RowsAffected, res.Error
}
