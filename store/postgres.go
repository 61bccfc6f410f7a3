package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tradeflow/models"
)

// Postgres implements Store on a pgx connection pool. One table per
// order kind, each indexed by status for the active-order reload on
// startup. Durations are stored as milliseconds, booleans as 0/1.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects a pool and ensures the schema exists. A failure
// here is fatal to startup: running without working persistence would
// silently lose order progress.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	cfg.MaxConns = 8
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	p := &Postgres{pool: pool}
	if err := p.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return p, nil
}

// Close releases the underlying pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS twap_orders (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			venue TEXT NOT NULL,
			market_id TEXT NOT NULL,
			outcome_id TEXT NOT NULL,
			side TEXT NOT NULL,
			total_size DOUBLE PRECISION NOT NULL,
			slice_size DOUBLE PRECISION NOT NULL,
			interval_ms BIGINT NOT NULL,
			jitter_ms BIGINT NOT NULL DEFAULT 0,
			max_duration_ms BIGINT NOT NULL DEFAULT 0,
			price_limit DOUBLE PRECISION NOT NULL DEFAULT 0,
			start_delay_ms BIGINT NOT NULL DEFAULT 0,
			style TEXT NOT NULL DEFAULT 'immediate',
			status TEXT NOT NULL,
			filled_size DOUBLE PRECISION NOT NULL DEFAULT 0,
			total_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
			slices_completed INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_twap_orders_status ON twap_orders (status)`,
		`CREATE TABLE IF NOT EXISTS bracket_orders (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			venue TEXT NOT NULL,
			market_id TEXT NOT NULL,
			outcome_id TEXT NOT NULL,
			side TEXT NOT NULL,
			size DOUBLE PRECISION NOT NULL,
			take_profit DOUBLE PRECISION NOT NULL,
			stop_loss DOUBLE PRECISION NOT NULL,
			partial_tp DOUBLE PRECISION NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			tp_order_id TEXT NOT NULL DEFAULT '',
			sl_order_id TEXT NOT NULL DEFAULT '',
			filled_leg TEXT NOT NULL DEFAULT '',
			fill_price DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bracket_orders_status ON bracket_orders (status)`,
		`CREATE TABLE IF NOT EXISTS trigger_orders (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			venue TEXT NOT NULL,
			market_id TEXT NOT NULL,
			outcome_id TEXT NOT NULL,
			cond_type TEXT NOT NULL,
			cond_level DOUBLE PRECISION NOT NULL,
			cond_direction TEXT NOT NULL DEFAULT '',
			order_side TEXT NOT NULL,
			order_price DOUBLE PRECISION NOT NULL,
			order_size DOUBLE PRECISION NOT NULL,
			order_style TEXT NOT NULL,
			order_neg_risk SMALLINT NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			triggered_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trigger_orders_status ON trigger_orders (status)`,
		`CREATE TABLE IF NOT EXISTS dca_orders (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			venue TEXT NOT NULL,
			market_id TEXT NOT NULL,
			outcome_id TEXT NOT NULL,
			side TEXT NOT NULL,
			budget DOUBLE PRECISION NOT NULL,
			per_cycle DOUBLE PRECISION NOT NULL,
			interval_ms BIGINT NOT NULL,
			max_price DOUBLE PRECISION NOT NULL DEFAULT 0,
			max_cycles INT NOT NULL DEFAULT 0,
			start_delay_ms BIGINT NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			invested DOUBLE PRECISION NOT NULL DEFAULT 0,
			shares_acquired DOUBLE PRECISION NOT NULL DEFAULT 0,
			cost_basis DOUBLE PRECISION NOT NULL DEFAULT 0,
			cycles_completed INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dca_orders_status ON dca_orders (status)`,
	}
	for _, stmt := range stmts {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func activeStatusList() []string {
	out := make([]string, 0, len(models.ActiveStatuses))
	for _, s := range models.ActiveStatuses {
		out = append(out, string(s))
	}
	return out
}

func (p *Postgres) SaveTWAP(ctx context.Context, o *models.TWAPOrder) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO twap_orders (
			id, user_id, venue, market_id, outcome_id, side,
			total_size, slice_size, interval_ms, jitter_ms, max_duration_ms,
			price_limit, start_delay_ms, style, status,
			filled_size, total_cost, slices_completed, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			filled_size = EXCLUDED.filled_size,
			total_cost = EXCLUDED.total_cost,
			slices_completed = EXCLUDED.slices_completed,
			updated_at = EXCLUDED.updated_at`,
		o.ID, o.UserID, string(o.Venue), o.MarketID, o.OutcomeID, string(o.Side),
		o.TotalSize, o.SliceSize, o.Interval.Milliseconds(), o.Jitter.Milliseconds(),
		o.MaxDuration.Milliseconds(), o.PriceLimit, o.StartDelay.Milliseconds(),
		string(o.Style), string(o.Status),
		o.FilledSize, o.TotalCost, o.SlicesCompleted, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save twap %s: %w", o.ID, err)
	}
	return nil
}

func (p *Postgres) UpdateTWAPProgress(ctx context.Context, o *models.TWAPOrder) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE twap_orders SET status=$2, filled_size=$3, total_cost=$4,
			slices_completed=$5, updated_at=$6 WHERE id=$1`,
		o.ID, string(o.Status), o.FilledSize, o.TotalCost, o.SlicesCompleted, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update twap %s: %w", o.ID, err)
	}
	return nil
}

func scanTWAP(row pgx.Row) (*models.TWAPOrder, error) {
	var o models.TWAPOrder
	var venue, side, style, status string
	var intervalMS, jitterMS, maxDurMS, startDelayMS int64
	err := row.Scan(&o.ID, &o.UserID, &venue, &o.MarketID, &o.OutcomeID, &side,
		&o.TotalSize, &o.SliceSize, &intervalMS, &jitterMS, &maxDurMS,
		&o.PriceLimit, &startDelayMS, &style, &status,
		&o.FilledSize, &o.TotalCost, &o.SlicesCompleted, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Venue = models.Venue(venue)
	o.Side = models.Side(side)
	o.Style = models.OrderStyle(style)
	o.Status = models.OrderStatus(status)
	o.Interval = time.Duration(intervalMS) * time.Millisecond
	o.Jitter = time.Duration(jitterMS) * time.Millisecond
	o.MaxDuration = time.Duration(maxDurMS) * time.Millisecond
	o.StartDelay = time.Duration(startDelayMS) * time.Millisecond
	return &o, nil
}

const twapColumns = `id, user_id, venue, market_id, outcome_id, side,
	total_size, slice_size, interval_ms, jitter_ms, max_duration_ms,
	price_limit, start_delay_ms, style, status,
	filled_size, total_cost, slices_completed, created_at, updated_at`

func (p *Postgres) GetTWAP(ctx context.Context, id string) (*models.TWAPOrder, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+twapColumns+` FROM twap_orders WHERE id=$1`, id)
	o, err := scanTWAP(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get twap %s: %w", id, err)
	}
	return o, nil
}

func (p *Postgres) ListActiveTWAP(ctx context.Context, userID string) ([]*models.TWAPOrder, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+twapColumns+` FROM twap_orders
		WHERE status = ANY($1) AND ($2 = '' OR user_id = $2)`, activeStatusList(), userID)
	if err != nil {
		return nil, fmt.Errorf("list active twap: %w", err)
	}
	defer rows.Close()

	var out []*models.TWAPOrder
	for rows.Next() {
		o, err := scanTWAP(rows)
		if err != nil {
			return nil, fmt.Errorf("scan twap: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteTWAP(ctx context.Context, id string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM twap_orders WHERE id=$1`, id)
	return err
}

func (p *Postgres) SaveBracket(ctx context.Context, o *models.BracketOrder) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO bracket_orders (
			id, user_id, venue, market_id, outcome_id, side, size,
			take_profit, stop_loss, partial_tp, status,
			tp_order_id, sl_order_id, filled_leg, fill_price, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			tp_order_id = EXCLUDED.tp_order_id,
			sl_order_id = EXCLUDED.sl_order_id,
			filled_leg = EXCLUDED.filled_leg,
			fill_price = EXCLUDED.fill_price,
			updated_at = EXCLUDED.updated_at`,
		o.ID, o.UserID, string(o.Venue), o.MarketID, o.OutcomeID, string(o.Side), o.Size,
		o.TakeProfit, o.StopLoss, o.PartialTP, string(o.Status),
		o.TPOrderID, o.SLOrderID, o.FilledLeg, o.FillPrice, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save bracket %s: %w", o.ID, err)
	}
	return nil
}

func (p *Postgres) UpdateBracketProgress(ctx context.Context, o *models.BracketOrder) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE bracket_orders SET status=$2, tp_order_id=$3, sl_order_id=$4,
			filled_leg=$5, fill_price=$6, updated_at=$7 WHERE id=$1`,
		o.ID, string(o.Status), o.TPOrderID, o.SLOrderID, o.FilledLeg, o.FillPrice, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update bracket %s: %w", o.ID, err)
	}
	return nil
}

const bracketColumns = `id, user_id, venue, market_id, outcome_id, side, size,
	take_profit, stop_loss, partial_tp, status,
	tp_order_id, sl_order_id, filled_leg, fill_price, created_at, updated_at`

func scanBracket(row pgx.Row) (*models.BracketOrder, error) {
	var o models.BracketOrder
	var venue, side, status string
	err := row.Scan(&o.ID, &o.UserID, &venue, &o.MarketID, &o.OutcomeID, &side, &o.Size,
		&o.TakeProfit, &o.StopLoss, &o.PartialTP, &status,
		&o.TPOrderID, &o.SLOrderID, &o.FilledLeg, &o.FillPrice, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Venue = models.Venue(venue)
	o.Side = models.Side(side)
	o.Status = models.OrderStatus(status)
	return &o, nil
}

func (p *Postgres) GetBracket(ctx context.Context, id string) (*models.BracketOrder, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+bracketColumns+` FROM bracket_orders WHERE id=$1`, id)
	o, err := scanBracket(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get bracket %s: %w", id, err)
	}
	return o, nil
}

func (p *Postgres) ListActiveBrackets(ctx context.Context, userID string) ([]*models.BracketOrder, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+bracketColumns+` FROM bracket_orders
		WHERE status = ANY($1) AND ($2 = '' OR user_id = $2)`, activeStatusList(), userID)
	if err != nil {
		return nil, fmt.Errorf("list active brackets: %w", err)
	}
	defer rows.Close()

	var out []*models.BracketOrder
	for rows.Next() {
		o, err := scanBracket(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bracket: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteBracket(ctx context.Context, id string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM bracket_orders WHERE id=$1`, id)
	return err
}

func (p *Postgres) SaveTrigger(ctx context.Context, o *models.TriggerOrder) error {
	negRisk := 0
	if o.Order.NegRisk {
		negRisk = 1
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO trigger_orders (
			id, user_id, venue, market_id, outcome_id,
			cond_type, cond_level, cond_direction,
			order_side, order_price, order_size, order_style, order_neg_risk,
			status, triggered_at, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			triggered_at = EXCLUDED.triggered_at,
			updated_at = EXCLUDED.updated_at`,
		o.ID, o.UserID, string(o.Venue), o.MarketID, o.OutcomeID,
		string(o.Condition.Type), o.Condition.Level, string(o.Condition.Direction),
		string(o.Order.Side), o.Order.Price, o.Order.Size, string(o.Order.Style), negRisk,
		string(o.Status), o.TriggeredAt, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save trigger %s: %w", o.ID, err)
	}
	return nil
}

func (p *Postgres) UpdateTriggerProgress(ctx context.Context, o *models.TriggerOrder) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE trigger_orders SET status=$2, triggered_at=$3, updated_at=$4 WHERE id=$1`,
		o.ID, string(o.Status), o.TriggeredAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update trigger %s: %w", o.ID, err)
	}
	return nil
}

const triggerColumns = `id, user_id, venue, market_id, outcome_id,
	cond_type, cond_level, cond_direction,
	order_side, order_price, order_size, order_style, order_neg_risk,
	status, triggered_at, created_at, updated_at`

func scanTrigger(row pgx.Row) (*models.TriggerOrder, error) {
	var o models.TriggerOrder
	var venue, condType, condDir, side, style, status string
	var negRisk int16
	err := row.Scan(&o.ID, &o.UserID, &venue, &o.MarketID, &o.OutcomeID,
		&condType, &o.Condition.Level, &condDir,
		&side, &o.Order.Price, &o.Order.Size, &style, &negRisk,
		&status, &o.TriggeredAt, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Venue = models.Venue(venue)
	o.Status = models.OrderStatus(status)
	o.Condition.Type = models.ConditionType(condType)
	o.Condition.Direction = models.CrossDirection(condDir)
	o.Order.Venue = o.Venue
	o.Order.MarketID = o.MarketID
	o.Order.OutcomeID = o.OutcomeID
	o.Order.Side = models.Side(side)
	o.Order.Style = models.OrderStyle(style)
	o.Order.NegRisk = negRisk != 0
	return &o, nil
}

func (p *Postgres) GetTrigger(ctx context.Context, id string) (*models.TriggerOrder, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+triggerColumns+` FROM trigger_orders WHERE id=$1`, id)
	o, err := scanTrigger(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get trigger %s: %w", id, err)
	}
	return o, nil
}

func (p *Postgres) ListActiveTriggers(ctx context.Context, userID string) ([]*models.TriggerOrder, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+triggerColumns+` FROM trigger_orders
		WHERE status = ANY($1) AND ($2 = '' OR user_id = $2)`, activeStatusList(), userID)
	if err != nil {
		return nil, fmt.Errorf("list active triggers: %w", err)
	}
	defer rows.Close()

	var out []*models.TriggerOrder
	for rows.Next() {
		o, err := scanTrigger(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trigger: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteTrigger(ctx context.Context, id string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM trigger_orders WHERE id=$1`, id)
	return err
}

func (p *Postgres) SaveDCA(ctx context.Context, o *models.DCAOrder) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO dca_orders (
			id, user_id, venue, market_id, outcome_id, side,
			budget, per_cycle, interval_ms, max_price, max_cycles, start_delay_ms,
			status, invested, shares_acquired, cost_basis, cycles_completed,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			invested = EXCLUDED.invested,
			shares_acquired = EXCLUDED.shares_acquired,
			cost_basis = EXCLUDED.cost_basis,
			cycles_completed = EXCLUDED.cycles_completed,
			updated_at = EXCLUDED.updated_at`,
		o.ID, o.UserID, string(o.Venue), o.MarketID, o.OutcomeID, string(o.Side),
		o.Budget, o.PerCycle, o.Interval.Milliseconds(), o.MaxPrice, o.MaxCycles,
		o.StartDelay.Milliseconds(),
		string(o.Status), o.Invested, o.SharesAcquired, o.CostBasis, o.CyclesCompleted,
		o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save dca %s: %w", o.ID, err)
	}
	return nil
}

func (p *Postgres) UpdateDCAProgress(ctx context.Context, o *models.DCAOrder) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE dca_orders SET status=$2, invested=$3, shares_acquired=$4,
			cost_basis=$5, cycles_completed=$6, updated_at=$7 WHERE id=$1`,
		o.ID, string(o.Status), o.Invested, o.SharesAcquired, o.CostBasis,
		o.CyclesCompleted, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update dca %s: %w", o.ID, err)
	}
	return nil
}

const dcaColumns = `id, user_id, venue, market_id, outcome_id, side,
	budget, per_cycle, interval_ms, max_price, max_cycles, start_delay_ms,
	status, invested, shares_acquired, cost_basis, cycles_completed,
	created_at, updated_at`

func scanDCA(row pgx.Row) (*models.DCAOrder, error) {
	var o models.DCAOrder
	var venue, side, status string
	var intervalMS, startDelayMS int64
	err := row.Scan(&o.ID, &o.UserID, &venue, &o.MarketID, &o.OutcomeID, &side,
		&o.Budget, &o.PerCycle, &intervalMS, &o.MaxPrice, &o.MaxCycles, &startDelayMS,
		&status, &o.Invested, &o.SharesAcquired, &o.CostBasis, &o.CyclesCompleted,
		&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Venue = models.Venue(venue)
	o.Side = models.Side(side)
	o.Status = models.OrderStatus(status)
	o.Interval = time.Duration(intervalMS) * time.Millisecond
	o.StartDelay = time.Duration(startDelayMS) * time.Millisecond
	return &o, nil
}

func (p *Postgres) GetDCA(ctx context.Context, id string) (*models.DCAOrder, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+dcaColumns+` FROM dca_orders WHERE id=$1`, id)
	o, err := scanDCA(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get dca %s: %w", id, err)
	}
	return o, nil
}

func (p *Postgres) ListActiveDCA(ctx context.Context, userID string) ([]*models.DCAOrder, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+dcaColumns+` FROM dca_orders
		WHERE status = ANY($1) AND ($2 = '' OR user_id = $2)`, activeStatusList(), userID)
	if err != nil {
		return nil, fmt.Errorf("list active dca: %w", err)
	}
	defer rows.Close()

	var out []*models.DCAOrder
	for rows.Next() {
		o, err := scanDCA(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dca: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteDCA(ctx context.Context, id string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM dca_orders WHERE id=$1`, id)
	return err
}

var _ Store = (*Postgres)(nil)
