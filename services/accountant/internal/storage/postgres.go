package storage

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/opexdev/backoffice/libs/postgres"
	"github.com/opexdev/backoffice/services/accountant/internal/model"
	"github.com/shopspring/decimal"
)

//go:embed schema.sql
var schema string

const maxTxAttempts = 3

const orderColumns = `ouid, uuid, matching_engine_id, pair, direction, match_constraint, order_type,
	price, quantity, orig_price::text, orig_quantity::text, maker_fee::text, taker_fee::text,
	left_side_fraction::text, right_side_fraction::text, user_level, filled_quantity,
	filled_orig_quantity::text, remained_transfer_amount::text, status, created_at, updated_at`

const actionColumns = `seq, id, COALESCE(parent_id::text, ''), event_type, ouid, symbol, amount::text,
	source_uuid, source_wallet, dest_uuid, dest_wallet, category, status, detail::text, created_at, processed_at`

const tempEventColumns = `id, ouid, event_key, event_type, payload::text, event_date`

const pairConfigColumns = `pair, direction, user_level, maker_fee::text, taker_fee::text,
	left_side_fraction::text, right_side_fraction::text, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewPostgresStore(pool *pgxpool.Pool, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{pool: pool, logger: logger}
}

// Migrate creates the accountant tables when missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// InTx runs fn in one transaction holding an advisory lock per key, taken in
// sorted order. Deadlocks and serialization failures rerun fn from scratch.
func (s *PostgresStore) InTx(ctx context.Context, keys []string, fn func(Tx) error) error {
	locks := lockOrder(keys)
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = postgres.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
			for _, key := range locks {
				if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
					return fmt.Errorf("lock %s: %w", key, err)
				}
			}
			return fn(&pgTx{tx: tx})
		})
		if err == nil || !postgres.IsRetryable(err) {
			return err
		}
		s.logger.Warn("retrying accountant transaction", "attempt", attempt, "keys", locks, "error", err)
	}
	return err
}

func (s *PostgresStore) GetOrder(ctx context.Context, ouid string) (*model.Order, error) {
	return findOrder(ctx, s.pool, ouid)
}

func (s *PostgresStore) FindLastAction(ctx context.Context, uuid, ouid string) (*model.FinancialAction, error) {
	return findLastAction(ctx, s.pool, uuid, ouid)
}

func (s *PostgresStore) HasTempEvents(ctx context.Context, ouid string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM temp_events WHERE ouid = $1)`, ouid).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) LoadTempEvents(ctx context.Context, ouid string) ([]model.TempEvent, error) {
	return loadTempEvents(ctx, s.pool, ouid)
}

func (s *PostgresStore) FetchTempEvents(ctx context.Context, offset, size int) ([]model.TempEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+tempEventColumns+`
		FROM temp_events
		ORDER BY id
		OFFSET $1 LIMIT $2
	`, offset, size)
	if err != nil {
		return nil, err
	}
	return collectTempEvents(rows)
}

// DrainTempEvents deletes and returns every buffered event for ouid, in arrival order.
func (s *PostgresStore) DrainTempEvents(ctx context.Context, ouid string) ([]model.TempEvent, error) {
	rows, err := s.pool.Query(ctx, `
		DELETE FROM temp_events
		WHERE ouid = $1
		RETURNING `+tempEventColumns, ouid)
	if err != nil {
		return nil, err
	}
	events, err := collectTempEvents(rows)
	if err != nil {
		return nil, err
	}
	sortTempEvents(events)
	return events, nil
}

func (s *PostgresStore) RemoveTempEvents(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM temp_events WHERE id = ANY($1::bigint[])`, ids)
	return err
}

func (s *PostgresStore) LoadUnprocessed(ctx context.Context, afterSeq int64, size int) ([]model.FinancialAction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+actionColumns+`
		FROM financial_actions
		WHERE status = 'CREATED' AND seq > $1
		ORDER BY seq
		LIMIT $2
	`, afterSeq, size)
	if err != nil {
		return nil, err
	}
	return collectActions(rows)
}

func (s *PostgresStore) LoadRetries(ctx context.Context, before time.Time, limit int) ([]model.FinancialAction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+actionColumns+`
		FROM financial_actions
		WHERE status = 'CREATED' AND created_at < $1
		ORDER BY seq
		LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, err
	}
	return collectActions(rows)
}

func (s *PostgresStore) LoadAction(ctx context.Context, id uuid.UUID) (*model.FinancialAction, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+actionColumns+` FROM financial_actions WHERE id = $1`, id)
	action, err := scanAction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrActionNotFound
	}
	return action, err
}

// ProcessAction locks one CREATED row, runs fn and flips it to PROCESSED in the
// same transaction. A row held by another sweeper is reported busy instead of waited on.
func (s *PostgresStore) ProcessAction(ctx context.Context, id uuid.UUID, fn func(model.FinancialAction) error) (ProcessOutcome, error) {
	outcome := OutcomeProcessed
	err := postgres.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			SELECT `+actionColumns+`
			FROM financial_actions
			WHERE id = $1
			FOR UPDATE SKIP LOCKED
		`, id)
		action, err := scanAction(row)
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM financial_actions WHERE id = $1)`, id).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return ErrActionNotFound
			}
			outcome = OutcomeBusy
			return nil
		}
		if err != nil {
			return err
		}
		if action.Status == model.ActionProcessed {
			outcome = OutcomeAlreadyProcessed
			return nil
		}
		if err := fn(*action); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `
			UPDATE financial_actions
			SET status = 'PROCESSED', processed_at = now()
			WHERE id = $1 AND status = 'CREATED'
		`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			outcome = OutcomeAlreadyProcessed
		}
		return nil
	})
	return outcome, err
}

// CountUnprocessed counts CREATED actions paid by uuid in symbol for one event type.
func (s *PostgresStore) CountUnprocessed(ctx context.Context, uuid, symbol string, eventType model.EventType) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM financial_actions
		WHERE source_uuid = $1 AND symbol = $2 AND event_type = $3 AND status = 'CREATED'
	`, uuid, symbol, string(eventType)).Scan(&count)
	return count, err
}

func (s *PostgresStore) ListPairConfigs(ctx context.Context) ([]model.PairConfig, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+pairConfigColumns+`
		FROM pair_configs
		ORDER BY pair, direction, user_level
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []model.PairConfig
	for rows.Next() {
		cfg, err := scanPairConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, *cfg)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return configs, nil
}

func (s *PostgresStore) FindPairConfig(ctx context.Context, pair model.Pair, direction model.Direction, userLevel string) (*model.PairConfig, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+pairConfigColumns+`
		FROM pair_configs
		WHERE pair = $1 AND direction = $2 AND user_level = $3
	`, pair.String(), string(direction), userLevel)
	cfg, err := scanPairConfig(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPairConfigNotFound
	}
	return cfg, err
}

func (s *PostgresStore) UpsertPairConfig(ctx context.Context, cfg model.PairConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pair_configs (pair, direction, user_level, maker_fee, taker_fee, left_side_fraction, right_side_fraction, updated_at)
		VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6::numeric, $7::numeric, now())
		ON CONFLICT (pair, direction, user_level) DO UPDATE SET
			maker_fee = EXCLUDED.maker_fee,
			taker_fee = EXCLUDED.taker_fee,
			left_side_fraction = EXCLUDED.left_side_fraction,
			right_side_fraction = EXCLUDED.right_side_fraction,
			updated_at = now()
	`, cfg.Pair.String(), string(cfg.Direction), cfg.UserLevel,
		cfg.MakerFee.String(), cfg.TakerFee.String(), cfg.LeftSideFraction.String(), cfg.RightSideFraction.String())
	return err
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) FindOrder(ctx context.Context, ouid string) (*model.Order, error) {
	return findOrder(ctx, t.tx, ouid)
}

func (t *pgTx) InsertOrder(ctx context.Context, o *model.Order) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO orders (
			ouid, uuid, matching_engine_id, pair, direction, match_constraint, order_type,
			price, quantity, orig_price, orig_quantity, maker_fee, taker_fee,
			left_side_fraction, right_side_fraction, user_level, filled_quantity,
			filled_orig_quantity, remained_transfer_amount, status, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10::numeric, $11::numeric, $12::numeric, $13::numeric,
			$14::numeric, $15::numeric, $16, $17,
			$18::numeric, $19::numeric, $20, $21, $22
		)
	`, o.Ouid, o.UUID, o.MatchingEngineID, o.Pair.String(), string(o.Direction), o.MatchConstraint, o.OrderType,
		o.Price, o.Quantity, o.OrigPrice.String(), o.OrigQuantity.String(), o.MakerFee.String(), o.TakerFee.String(),
		o.LeftSideFraction.String(), o.RightSideFraction.String(), o.UserLevel, o.FilledQuantity,
		o.FilledOrigQuantity.String(), o.RemainedTransferAmount.String(), string(o.Status), o.CreatedAt, o.UpdatedAt)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return ErrDuplicateOrder
		}
		return fmt.Errorf("insert order %s: %w", o.Ouid, err)
	}
	return nil
}

// UpdateOrder writes the mutable columns; fee terms and fractions are fixed at submit.
func (t *pgTx) UpdateOrder(ctx context.Context, o *model.Order) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE orders SET
			matching_engine_id = $2,
			filled_quantity = $3,
			filled_orig_quantity = $4::numeric,
			remained_transfer_amount = $5::numeric,
			status = $6,
			updated_at = $7
		WHERE ouid = $1
	`, o.Ouid, o.MatchingEngineID, o.FilledQuantity, o.FilledOrigQuantity.String(),
		o.RemainedTransferAmount.String(), string(o.Status), o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update order %s: %w", o.Ouid, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (t *pgTx) InsertActions(ctx context.Context, actions []model.FinancialAction) ([]model.FinancialAction, error) {
	out := make([]model.FinancialAction, len(actions))
	for i, a := range actions {
		if a.Amount.IsNegative() {
			return nil, ErrNegativeAmount
		}
		detail, err := json.Marshal(a.Detail)
		if err != nil {
			return nil, fmt.Errorf("encode action detail: %w", err)
		}
		var seq int64
		err = t.tx.QueryRow(ctx, `
			INSERT INTO financial_actions (
				id, parent_id, event_type, ouid, symbol, amount, source_uuid, source_wallet,
				dest_uuid, dest_wallet, category, status, detail, created_at
			) VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10, $11, $12, $13::jsonb, $14)
			RETURNING seq
		`, a.ID, a.ParentID, string(a.EventType), a.Ouid, a.Symbol, a.Amount.String(), a.SourceUUID, string(a.SourceWallet),
			a.DestUUID, string(a.DestWallet), string(a.Category), string(a.Status), string(detail), a.CreatedAt).Scan(&seq)
		if err != nil {
			return nil, fmt.Errorf("insert action %s: %w", a.ID, err)
		}
		a.Seq = seq
		out[i] = a
	}
	return out, nil
}

func (t *pgTx) FindLastAction(ctx context.Context, uuid, ouid string) (*model.FinancialAction, error) {
	return findLastAction(ctx, t.tx, uuid, ouid)
}

func (t *pgTx) SaveTempEvent(ctx context.Context, ev model.TempEvent) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO temp_events (ouid, event_key, event_type, payload, event_date)
		VALUES ($1, $2, $3, $4::jsonb, $5)
		ON CONFLICT (ouid, event_key) DO NOTHING
	`, ev.Ouid, ev.EventKey, string(ev.EventType), string(ev.Payload), ev.EventDate)
	if err != nil {
		return false, fmt.Errorf("insert temp event: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (t *pgTx) LoadTempEvents(ctx context.Context, ouid string) ([]model.TempEvent, error) {
	return loadTempEvents(ctx, t.tx, ouid)
}

func (t *pgTx) DeleteTempEvent(ctx context.Context, id int64) (bool, error) {
	tag, err := t.tx.Exec(ctx, `DELETE FROM temp_events WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (t *pgTx) MarkEventProcessed(ctx context.Context, key string) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO processed_events (event_id)
		VALUES ($1)
		ON CONFLICT (event_id) DO NOTHING
	`, key)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func findOrder(ctx context.Context, q querier, ouid string) (*model.Order, error) {
	row := q.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE ouid = $1`, ouid)
	order, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	return order, err
}

func findLastAction(ctx context.Context, q querier, uuid, ouid string) (*model.FinancialAction, error) {
	row := q.QueryRow(ctx, `
		SELECT `+actionColumns+`
		FROM financial_actions
		WHERE ouid = $1 AND source_uuid = $2
		ORDER BY seq DESC
		LIMIT 1
	`, ouid, uuid)
	action, err := scanAction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return action, err
}

func loadTempEvents(ctx context.Context, q querier, ouid string) ([]model.TempEvent, error) {
	rows, err := q.Query(ctx, `
		SELECT `+tempEventColumns+`
		FROM temp_events
		WHERE ouid = $1
		ORDER BY id
	`, ouid)
	if err != nil {
		return nil, err
	}
	return collectTempEvents(rows)
}

func scanOrder(row rowScanner) (*model.Order, error) {
	var o model.Order
	var pair, direction, status string
	var origPrice, origQty, makerFee, takerFee, left, right, filledOrig, remained string
	if err := row.Scan(&o.Ouid, &o.UUID, &o.MatchingEngineID, &pair, &direction, &o.MatchConstraint, &o.OrderType,
		&o.Price, &o.Quantity, &origPrice, &origQty, &makerFee, &takerFee, &left, &right, &o.UserLevel,
		&o.FilledQuantity, &filledOrig, &remained, &status, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	parsed, err := model.ParsePair(pair)
	if err != nil {
		return nil, err
	}
	o.Pair = parsed
	o.Direction = model.Direction(direction)
	o.Status = model.OrderStatus(status)
	if err := assignDecimals(map[*decimal.Decimal]string{
		&o.OrigPrice:              origPrice,
		&o.OrigQuantity:           origQty,
		&o.MakerFee:               makerFee,
		&o.TakerFee:               takerFee,
		&o.LeftSideFraction:       left,
		&o.RightSideFraction:      right,
		&o.FilledOrigQuantity:     filledOrig,
		&o.RemainedTransferAmount: remained,
	}); err != nil {
		return nil, fmt.Errorf("order %s: %w", o.Ouid, err)
	}
	return &o, nil
}

func scanAction(row rowScanner) (*model.FinancialAction, error) {
	var a model.FinancialAction
	var parent, eventType, amount, srcWallet, dstWallet, category, status, detail string
	if err := row.Scan(&a.Seq, &a.ID, &parent, &eventType, &a.Ouid, &a.Symbol, &amount, &a.SourceUUID, &srcWallet,
		&a.DestUUID, &dstWallet, &category, &status, &detail, &a.CreatedAt, &a.ProcessedAt); err != nil {
		return nil, err
	}
	if parent != "" {
		pid, err := uuid.Parse(parent)
		if err != nil {
			return nil, fmt.Errorf("parse parent_id: %w", err)
		}
		a.ParentID = &pid
	}
	var err error
	a.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	if detail != "" {
		if err := json.Unmarshal([]byte(detail), &a.Detail); err != nil {
			return nil, fmt.Errorf("decode detail: %w", err)
		}
	}
	a.EventType = model.EventType(eventType)
	a.SourceWallet = model.WalletType(srcWallet)
	a.DestWallet = model.WalletType(dstWallet)
	a.Category = model.ActionCategory(category)
	a.Status = model.ActionStatus(status)
	return &a, nil
}

func scanPairConfig(row rowScanner) (*model.PairConfig, error) {
	var cfg model.PairConfig
	var pair, direction, makerFee, takerFee, left, right string
	if err := row.Scan(&pair, &direction, &cfg.UserLevel, &makerFee, &takerFee, &left, &right, &cfg.UpdatedAt); err != nil {
		return nil, err
	}
	parsed, err := model.ParsePair(pair)
	if err != nil {
		return nil, err
	}
	cfg.Pair = parsed
	cfg.Direction = model.Direction(direction)
	if err := assignDecimals(map[*decimal.Decimal]string{
		&cfg.MakerFee:          makerFee,
		&cfg.TakerFee:          takerFee,
		&cfg.LeftSideFraction:  left,
		&cfg.RightSideFraction: right,
	}); err != nil {
		return nil, fmt.Errorf("pair config %s: %w", pair, err)
	}
	return &cfg, nil
}

func collectActions(rows pgx.Rows) ([]model.FinancialAction, error) {
	defer rows.Close()
	var actions []model.FinancialAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, *a)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return actions, nil
}

func collectTempEvents(rows pgx.Rows) ([]model.TempEvent, error) {
	defer rows.Close()
	var events []model.TempEvent
	for rows.Next() {
		var ev model.TempEvent
		var eventType, body string
		if err := rows.Scan(&ev.ID, &ev.Ouid, &ev.EventKey, &eventType, &body, &ev.EventDate); err != nil {
			return nil, err
		}
		ev.EventType = model.EventType(eventType)
		ev.Payload = json.RawMessage(body)
		events = append(events, ev)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return events, nil
}

func assignDecimals(fields map[*decimal.Decimal]string) error {
	for dst, raw := range fields {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("parse decimal %q: %w", raw, err)
		}
		*dst = d
	}
	return nil
}
