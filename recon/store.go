// Package recon keeps the federation settlement history: every auctioned or
// won job, the receipt summaries peers publish, and the parquet reports
// operators pull for reconciliation.
package recon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"infermesh/protocol"
)

// Job outcomes recorded per federated dispatch.
const (
	OutcomeAwarded    = "awarded"
	OutcomeNoBids     = "no-bids"
	OutcomeDispatched = "dispatched"
	OutcomeFailed     = "failed"
	OutcomeWon        = "won"
	OutcomeSettled    = "settled"
)

// Job directions: outbound jobs this router offloaded, inbound jobs it won.
const (
	DirectionOutbound = "outbound"
	DirectionInbound  = "inbound"
)

// JobRecord is one federated job as this router saw it: the request for bids
// it issued or answered, and how the dispatch ended.
type JobRecord struct {
	ID        uint   `gorm:"primaryKey" json:"-"`
	JobID     string `gorm:"uniqueIndex;size:64" json:"jobId"`
	JobHash   string `gorm:"index;size:64" json:"jobHash"`
	Direction string `gorm:"size:16;index" json:"direction"`
	ModelID   string `gorm:"size:128" json:"modelId"`
	EstTokens int    `json:"estTokens"`
	BidCount  int    `json:"bidCount"`
	PeerID    string `gorm:"index;size:128" json:"peerId"`
	PriceMsat int64  `json:"priceMsat"`
	EtaMs     int64  `json:"etaMs"`
	Outcome   string `gorm:"size:32;index" json:"outcome"`
	Detail    string `gorm:"size:256" json:"detail,omitempty"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ReceiptSummaryRecord is a peer's published settlement window.
type ReceiptSummaryRecord struct {
	ID            uint   `gorm:"primaryKey" json:"-"`
	RouterID      string `gorm:"index;size:128" json:"routerId"`
	WindowStartMs int64  `gorm:"index" json:"windowStartMs"`
	WindowEndMs   int64  `json:"windowEndMs"`
	JobCount      int    `json:"jobCount"`
	TotalMsat     int64  `json:"totalMsat"`
	ReceiptsHash  string `gorm:"size:64" json:"receiptsHash"`
	CreatedAt     time.Time
}

// AutoMigrate applies the schema for every recon model.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&JobRecord{}, &ReceiptSummaryRecord{})
}

// Store persists the federation job and summary history.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open connects the store. Postgres DSNs get the postgres driver, everything
// else is treated as a sqlite path or URI.
func Open(dsn string, logger *slog.Logger) (*Store, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, errors.New("recon: dsn required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	var dialector gorm.Dialector
	if isPostgresDSN(trimmed) {
		dialector = postgres.Open(trimmed)
	} else {
		dialector = sqlite.Open(trimmed)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("recon: open %s: %w", dialector.Name(), err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("recon: migrate: %w", err)
	}
	return &Store{db: db, logger: logger.With("component", "recon")}, nil
}

func isPostgresDSN(dsn string) bool {
	lower := strings.ToLower(dsn)
	return strings.HasPrefix(lower, "postgres://") ||
		strings.HasPrefix(lower, "postgresql://") ||
		strings.Contains(lower, "host=")
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// UpsertJob creates or replaces the record keyed by jobId.
func (s *Store) UpsertJob(ctx context.Context, rec JobRecord) error {
	if strings.TrimSpace(rec.JobID) == "" {
		return errors.New("recon: job record without jobId")
	}
	var existing JobRecord
	err := s.db.WithContext(ctx).Where("job_id = ?", rec.JobID).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.db.WithContext(ctx).Create(&rec).Error
	}
	if err != nil {
		return fmt.Errorf("recon: load job %s: %w", rec.JobID, err)
	}
	rec.ID = existing.ID
	rec.CreatedAt = existing.CreatedAt
	return s.db.WithContext(ctx).Save(&rec).Error
}

// MarkOutcome updates a job's terminal state.
func (s *Store) MarkOutcome(ctx context.Context, jobID, outcome, detail string) error {
	res := s.db.WithContext(ctx).Model(&JobRecord{}).
		Where("job_id = ?", jobID).
		Updates(map[string]any{"outcome": outcome, "detail": detail})
	if res.Error != nil {
		return fmt.Errorf("recon: mark job %s: %w", jobID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("recon: unknown job %s", jobID)
	}
	return nil
}

// RecordSummary appends a peer's receipt summary.
func (s *Store) RecordSummary(ctx context.Context, summary protocol.ReceiptSummary) error {
	rec := ReceiptSummaryRecord{
		RouterID:      summary.RouterID,
		WindowStartMs: summary.WindowStartMs,
		WindowEndMs:   summary.WindowEndMs,
		JobCount:      summary.JobCount,
		TotalMsat:     summary.TotalMsat,
		ReceiptsHash:  summary.ReceiptsHash,
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("recon: record summary from %s: %w", summary.RouterID, err)
	}
	return nil
}

// Jobs lists the most recent job records, newest first.
func (s *Store) Jobs(ctx context.Context, limit int) ([]JobRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var jobs []JobRecord
	err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("recon: list jobs: %w", err)
	}
	return jobs, nil
}

// JobsBetween lists job records created inside the window, oldest first.
func (s *Store) JobsBetween(ctx context.Context, start, end time.Time) ([]JobRecord, error) {
	var jobs []JobRecord
	err := s.db.WithContext(ctx).
		Where("created_at BETWEEN ? AND ?", start, end).
		Order("created_at ASC").
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("recon: load jobs: %w", err)
	}
	return jobs, nil
}

// SummariesBetween lists summaries whose windows overlap [startMs, endMs].
func (s *Store) SummariesBetween(ctx context.Context, startMs, endMs int64) ([]ReceiptSummaryRecord, error) {
	var summaries []ReceiptSummaryRecord
	err := s.db.WithContext(ctx).
		Where("window_end_ms >= ? AND window_start_ms <= ?", startMs, endMs).
		Order("window_start_ms ASC").
		Find(&summaries).Error
	if err != nil {
		return nil, fmt.Errorf("recon: load summaries: %w", err)
	}
	return summaries, nil
}
