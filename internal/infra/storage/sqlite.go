package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"crypto_arb/internal/domain"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ExecutionRow is one finished execution.
type ExecutionRow struct {
	ID             string `gorm:"primaryKey"`
	OpportunityID  string `gorm:"index"`
	Kind           string
	Symbol         string
	Venues         string          // Comma separated
	State          string          `gorm:"index"`
	History        string          // Comma separated states
	ExpectedProfit decimal.Decimal `gorm:"type:text"`
	RealizedPnL    decimal.Decimal `gorm:"type:text"`
	Reason         string
	StartedAt      time.Time
	FinishedAt     time.Time `gorm:"index"`
	Legs           []LegRow  `gorm:"foreignKey:ExecutionID"`
}

// LegRow is one order of an execution.
type LegRow struct {
	ID           string `gorm:"primaryKey"`
	ExecutionID  string `gorm:"index"`
	ExchangeID   string
	Venue        string
	Symbol       string
	Side         string
	Type         string
	Amount       decimal.Decimal `gorm:"type:text"`
	Price        decimal.Decimal `gorm:"type:text"`
	Filled       decimal.Decimal `gorm:"type:text"`
	AvgFillPrice decimal.Decimal `gorm:"type:text"`
	Fee          decimal.Decimal `gorm:"type:text"`
	Status       string
	Error        string
	UpdatedAt    time.Time
}

// TransitionRow is one execution state change.
type TransitionRow struct {
	ID          uint   `gorm:"primaryKey"`
	ExecutionID string `gorm:"index"`
	FromState   string
	ToState     string
	Note        string
	At          time.Time
}

// OpportunityRow is a detected opportunity and what was decided about it.
type OpportunityRow struct {
	ID           string `gorm:"primaryKey"`
	Kind         string
	Symbol       string `gorm:"index"`
	Venues       string
	NetProfitPct decimal.Decimal `gorm:"type:text"`
	Notional     decimal.Decimal `gorm:"type:text"`
	Decision     string
	DiscoveredAt time.Time `gorm:"index"`
}

// Journal persists executions, transitions and opportunities to SQLite.
// It implements domain.Journal. Timestamps are stored in UTC so range
// queries compare consistently.
type Journal struct {
	db *gorm.DB
}

// NewJournal opens (creating if needed) the SQLite database at path.
func NewJournal(path string) (*Journal, error) {
	// Ensure directory exists
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create DB directory: %w", err)
		}
	}

	// Connect to SQLite (Pure Go)
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return newJournal(db)
}

func newJournal(db *gorm.DB) (*Journal, error) {
	// Auto Migration
	if err := db.AutoMigrate(&ExecutionRow{}, &LegRow{}, &TransitionRow{}, &OpportunityRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close releases the underlying connection pool.
func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RecordExecution stores the execution with its legs in one transaction.
// Re-recording the same execution replaces it.
func (j *Journal) RecordExecution(ctx context.Context, rec domain.ExecutionRecord) error {
	row := executionRow(rec)
	return j.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("execution_id = ?", row.ID).Delete(&LegRow{}).Error; err != nil {
			return err
		}
		return tx.Save(&row).Error
	})
}

func (j *Journal) RecordTransition(ctx context.Context, t domain.StateTransition) error {
	return j.db.WithContext(ctx).Create(&TransitionRow{
		ExecutionID: t.ExecutionID,
		FromState:   string(t.From),
		ToState:     string(t.To),
		Note:        t.Note,
		At:          t.At.UTC(),
	}).Error
}

func (j *Journal) RecordOpportunity(ctx context.Context, o domain.OpportunityRecord) error {
	return j.db.WithContext(ctx).Save(&OpportunityRow{
		ID:           o.ID,
		Kind:         string(o.Kind),
		Symbol:       o.Symbol,
		Venues:       strings.Join(o.Venues, ","),
		NetProfitPct: o.NetProfitPct,
		Notional:     o.Notional,
		Decision:     o.Decision,
		DiscoveredAt: o.DiscoveredAt.UTC(),
	}).Error
}

// RecentExecutions returns the latest executions with their legs, newest first.
func (j *Journal) RecentExecutions(ctx context.Context, limit int) ([]domain.ExecutionRecord, error) {
	var rows []ExecutionRow
	err := j.db.WithContext(ctx).Preload("Legs").Order("finished_at desc").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]domain.ExecutionRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out, nil
}

// Transitions returns the state history of one execution in order.
func (j *Journal) Transitions(ctx context.Context, executionID string) ([]domain.StateTransition, error) {
	var rows []TransitionRow
	if err := j.db.WithContext(ctx).Where("execution_id = ?", executionID).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.StateTransition, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.StateTransition{
			ExecutionID: r.ExecutionID,
			From:        domain.ExecutionState(r.FromState),
			To:          domain.ExecutionState(r.ToState),
			At:          r.At,
			Note:        r.Note,
		})
	}
	return out, nil
}

// RealizedPnLSince sums realized P&L of executions finished at or after t.
// Used to restore the daily loss budget after a restart.
func (j *Journal) RealizedPnLSince(ctx context.Context, t time.Time) (decimal.Decimal, error) {
	var rows []ExecutionRow
	if err := j.db.WithContext(ctx).Where("finished_at >= ?", t.UTC()).Find(&rows).Error; err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, r := range rows {
		total = total.Add(r.RealizedPnL)
	}
	return total, nil
}

// OpportunityCounts groups journaled opportunities since t by decision.
func (j *Journal) OpportunityCounts(ctx context.Context, since time.Time) (map[string]int64, error) {
	var rows []struct {
		Decision string
		N        int64
	}
	err := j.db.WithContext(ctx).Model(&OpportunityRow{}).
		Select("decision, count(*) as n").
		Where("discovered_at >= ?", since.UTC()).
		Group("decision").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Decision] = r.N
	}
	return out, nil
}

func executionRow(rec domain.ExecutionRecord) ExecutionRow {
	history := make([]string, len(rec.History))
	for i, s := range rec.History {
		history[i] = string(s)
	}
	row := ExecutionRow{
		ID:             rec.ID,
		OpportunityID:  rec.OpportunityID,
		Kind:           string(rec.Kind),
		Symbol:         rec.Symbol,
		Venues:         strings.Join(rec.Venues, ","),
		State:          string(rec.State),
		History:        strings.Join(history, ","),
		ExpectedProfit: rec.ExpectedProfit,
		RealizedPnL:    rec.RealizedPnL,
		Reason:         rec.Reason,
		StartedAt:      rec.StartedAt.UTC(),
		FinishedAt:     rec.FinishedAt.UTC(),
	}
	for _, l := range rec.Legs {
		row.Legs = append(row.Legs, LegRow{
			ID:           l.ID,
			ExecutionID:  rec.ID,
			ExchangeID:   l.ExchangeID,
			Venue:        l.Venue,
			Symbol:       l.Symbol,
			Side:         string(l.Side),
			Type:         string(l.Type),
			Amount:       l.Amount,
			Price:        l.Price,
			Filled:       l.Filled,
			AvgFillPrice: l.AvgFillPrice,
			Fee:          l.Fee,
			Status:       string(l.Status),
			Error:        l.Error,
			UpdatedAt:    l.UpdatedAt,
		})
	}
	return row
}

func (r ExecutionRow) record() domain.ExecutionRecord {
	rec := domain.ExecutionRecord{
		ID:             r.ID,
		OpportunityID:  r.OpportunityID,
		Kind:           domain.OpportunityKind(r.Kind),
		Symbol:         r.Symbol,
		Venues:         splitList(r.Venues),
		State:          domain.ExecutionState(r.State),
		ExpectedProfit: r.ExpectedProfit,
		RealizedPnL:    r.RealizedPnL,
		Reason:         r.Reason,
		StartedAt:      r.StartedAt,
		FinishedAt:     r.FinishedAt,
	}
	for _, s := range splitList(r.History) {
		rec.History = append(rec.History, domain.ExecutionState(s))
	}
	for _, l := range r.Legs {
		rec.Legs = append(rec.Legs, domain.Leg{
			ID:           l.ID,
			ExchangeID:   l.ExchangeID,
			Venue:        l.Venue,
			Symbol:       l.Symbol,
			Side:         domain.Side(l.Side),
			Type:         domain.OrderType(l.Type),
			Amount:       l.Amount,
			Price:        l.Price,
			Filled:       l.Filled,
			AvgFillPrice: l.AvgFillPrice,
			Fee:          l.Fee,
			Status:       domain.OrderStatus(l.Status),
			Error:        l.Error,
			UpdatedAt:    l.UpdatedAt,
		})
	}
	return rec
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
