package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RiskState is the persisted per-identity daily risk snapshot. It survives
// process restarts within the same trading day; a row whose date is not
// today is ignored on reload.
type RiskState struct {
	Account             string    `json:"account"`
	Date                string    `json:"date"` // 2006-01-02
	Threshold           float64   `json:"threshold"`
	PeakProfit          float64   `json:"peak_profit"`
	LossHit             bool      `json:"loss_hit"`
	ManualViolation     bool      `json:"manual_violation"`
	ConsecutiveLossDays int       `json:"consecutive_loss_days"`
	CooldownUntil       string    `json:"cooldown_until"` // date or empty
	DayPnL              float64   `json:"day_pnl"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// SaveRiskState upserts the state row for (account, date).
func (d *Database) SaveRiskState(ctx context.Context, rs RiskState) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO risk_state (account, date, threshold, peak_profit, loss_hit,
		                        manual_violation, consecutive_loss_days, cooldown_until,
		                        day_pnl, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(account, date) DO UPDATE SET
			threshold = excluded.threshold,
			peak_profit = excluded.peak_profit,
			loss_hit = excluded.loss_hit,
			manual_violation = excluded.manual_violation,
			consecutive_loss_days = excluded.consecutive_loss_days,
			cooldown_until = excluded.cooldown_until,
			day_pnl = excluded.day_pnl,
			updated_at = CURRENT_TIMESTAMP
	`, rs.Account, rs.Date, rs.Threshold, rs.PeakProfit, boolToInt(rs.LossHit),
		boolToInt(rs.ManualViolation), rs.ConsecutiveLossDays, rs.CooldownUntil, rs.DayPnL)
	if err != nil {
		return fmt.Errorf("save risk state: %w", err)
	}
	return nil
}

// LoadRiskState returns the newest state row for an account, or nil.
func (d *Database) LoadRiskState(ctx context.Context, account string) (*RiskState, error) {
	var (
		rs                       RiskState
		lossHit, manualViolation int
	)
	err := d.DB.QueryRowContext(ctx, `
		SELECT account, date, threshold, peak_profit, loss_hit,
		       manual_violation, consecutive_loss_days, COALESCE(cooldown_until, ''),
		       day_pnl, updated_at
		FROM risk_state
		WHERE account = ?
		ORDER BY date DESC
		LIMIT 1
	`, account).Scan(&rs.Account, &rs.Date, &rs.Threshold, &rs.PeakProfit, &lossHit,
		&manualViolation, &rs.ConsecutiveLossDays, &rs.CooldownUntil,
		&rs.DayPnL, &rs.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load risk state: %w", err)
	}
	rs.LossHit = lossHit == 1
	rs.ManualViolation = manualViolation == 1
	return &rs, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
