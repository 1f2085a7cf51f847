// Package usage persists UserUsage rows: per-user, per-billing-period
// cost accumulators mutated through a single atomic server-side
// increment, never a read-modify-write.
package usage

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ghosthands/core/internal/domain/ghostjobs"
	"github.com/ghosthands/core/internal/platform/dbctx"
)

// Delta is the set of deltas RecordJobCost applies — never pre-summed
// totals, so concurrent job completions for the same user never lose
// an update.
type Delta struct {
	CostUSD      float64
	InputTokens  int64
	OutputTokens int64
}

type Repo interface {
	// CurrentPeriodCost returns the accumulated cost for userID in the
	// billing period containing now, or 0 if no row exists yet.
	CurrentPeriodCost(dbc dbctx.Context, userID uuid.UUID, now time.Time) (float64, error)
	// Increment atomically applies delta to the (userID, periodStart)
	// row, creating it on first use. Returns the row's new total cost.
	Increment(dbc dbctx.Context, userID uuid.UUID, tier string, now time.Time, delta Delta) (float64, error)
}

type repo struct{ db *gorm.DB }

func New(db *gorm.DB) Repo { return &repo{db: db} }

func (r *repo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx.WithContext(dbc.Ctx)
	}
	return r.db.WithContext(dbc.Ctx)
}

// PeriodBounds returns the calendar-month billing period containing t.
func PeriodBounds(t time.Time) (start, end time.Time) {
	start = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
	end = start.AddDate(0, 1, 0)
	return start, end
}

func (r *repo) CurrentPeriodCost(dbc dbctx.Context, userID uuid.UUID, now time.Time) (float64, error) {
	start, _ := PeriodBounds(now)
	var row ghostjobs.UserUsage
	err := r.tx(dbc).Where("user_id = ? AND period_start = ?", userID, start).First(&row).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return 0, nil
		}
		return 0, fmt.Errorf("read current period cost: %w", err)
	}
	return row.TotalCostUSD, nil
}

func (r *repo) Increment(dbc dbctx.Context, userID uuid.UUID, tier string, now time.Time, delta Delta) (float64, error) {
	start, end := PeriodBounds(now)
	row := ghostjobs.UserUsage{
		UserID:            userID,
		PeriodStart:       start,
		PeriodEnd:         end,
		Tier:              tier,
		TotalCostUSD:      delta.CostUSD,
		TotalInputTokens:  delta.InputTokens,
		TotalOutputTokens: delta.OutputTokens,
		JobCount:          1,
		UpdatedAt:         now,
	}
	err := r.tx(dbc).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "period_start"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"total_cost_usd":      gorm.Expr("ghostjobs_user_usage.total_cost_usd + ?", delta.CostUSD),
			"total_input_tokens":  gorm.Expr("ghostjobs_user_usage.total_input_tokens + ?", delta.InputTokens),
			"total_output_tokens": gorm.Expr("ghostjobs_user_usage.total_output_tokens + ?", delta.OutputTokens),
			"job_count":           gorm.Expr("ghostjobs_user_usage.job_count + 1"),
			"tier":                tier,
			"updated_at":          now,
		}),
	}).Create(&row).Error
	if err != nil {
		return 0, fmt.Errorf("increment usage: %w", err)
	}

	var updated ghostjobs.UserUsage
	if err := r.tx(dbc).Where("user_id = ? AND period_start = ?", userID, start).First(&updated).Error; err != nil {
		return 0, fmt.Errorf("read back incremented usage: %w", err)
	}
	return updated.TotalCostUSD, nil
}
