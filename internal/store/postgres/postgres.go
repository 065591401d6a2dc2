package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"pressdesk/backend/internal/domain"
	"pressdesk/backend/internal/store"
)

//go:embed schema.sql
var schema string

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Atomic(ctx context.Context, fn func(q store.Queries) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&queries{tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) View(ctx context.Context, fn func(q store.Queries) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&queries{tx: tx, readOnly: true}); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) IncrementShiftPINFailures(ctx context.Context, shiftID string) (int, error) {
	var attempts int
	err := s.db.QueryRowContext(ctx, `
		UPDATE shifts
		SET pin_failed_attempts = pin_failed_attempts + 1, updated_at = now()
		WHERE id = $1
		RETURNING pin_failed_attempts
	`, shiftID).Scan(&attempts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, store.ErrNotFound
		}
		return 0, err
	}
	return attempts, nil
}

func (s *Store) UpsertBranch(ctx context.Context, branch domain.Branch) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO branches (id, name, city, timezone, manager_name, manager_email, manager_phone, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, city = EXCLUDED.city, timezone = EXCLUDED.timezone,
			manager_name = EXCLUDED.manager_name, manager_email = EXCLUDED.manager_email,
			manager_phone = EXCLUDED.manager_phone, active = EXCLUDED.active
	`, branch.ID, branch.Name, branch.City, branch.Timezone(), branch.ManagerName, branch.ManagerEmail, branch.ManagerPhone, branch.Active)
	return err
}

func (s *Store) UpsertServiceType(ctx context.Context, service domain.ServiceType) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO service_types (id, code, name, price, is_priced, active, avg_minutes_per_unit)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO UPDATE SET
			code = EXCLUDED.code, name = EXCLUDED.name, price = EXCLUDED.price,
			is_priced = EXCLUDED.is_priced, active = EXCLUDED.active,
			avg_minutes_per_unit = EXCLUDED.avg_minutes_per_unit
	`, service.ID, service.Code, service.Name, service.Price, service.IsPriced, service.Active, service.AvgMinutesPerUnit)
	return err
}

func (s *Store) UpsertPricingRule(ctx context.Context, rule domain.PricingRule) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pricing_rules (id, service_id, pricing_type, paper_size, print_mode, color_mode, side_mode, unit_price, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO UPDATE SET
			service_id = EXCLUDED.service_id, pricing_type = EXCLUDED.pricing_type,
			paper_size = EXCLUDED.paper_size, print_mode = EXCLUDED.print_mode,
			color_mode = EXCLUDED.color_mode, side_mode = EXCLUDED.side_mode,
			unit_price = EXCLUDED.unit_price, active = EXCLUDED.active
	`, rule.ID, rule.ServiceID, rule.PricingType, rule.PaperSize, rule.PrintMode, rule.ColorMode, rule.SideMode, rule.UnitPrice, rule.Active)
	if isForeignKeyViolation(err) {
		return store.ErrNotFound
	}
	return err
}

const shadowColumns = `
	seq, id, event_type, branch_id, actor, payload, signature, occurred_at, attempts, last_error,
	next_attempt_at, locked_at, locked_by, sent_at, received_at, processed_at, dead_at`

type shadowRow struct {
	seq   int64
	event domain.ShadowEvent
}

func scanShadowEvent(row scanner) (shadowRow, error) {
	var (
		r                                                 shadowRow
		actor, payload                                    []byte
		lockedAt, sentAt, receivedAt, processedAt, deadAt sql.NullTime
	)
	ev := &r.event
	err := row.Scan(
		&r.seq, &ev.ID, &ev.EventType, &ev.BranchID, &actor, &payload, &ev.Signature, &ev.Timestamp,
		&ev.Attempts, &ev.LastError, &ev.NextAttemptAt, &lockedAt, &ev.LockedBy,
		&sentAt, &receivedAt, &processedAt, &deadAt,
	)
	if err != nil {
		return shadowRow{}, err
	}
	if err := json.Unmarshal(actor, &ev.Actor); err != nil {
		return shadowRow{}, fmt.Errorf("decode shadow actor: %w", err)
	}
	if err := json.Unmarshal(payload, &ev.Payload); err != nil {
		return shadowRow{}, fmt.Errorf("decode shadow payload: %w", err)
	}
	ev.Timestamp = ev.Timestamp.UTC()
	ev.NextAttemptAt = ev.NextAttemptAt.UTC()
	ev.LockedAt = timePtr(lockedAt)
	ev.SentAt = timePtr(sentAt)
	ev.ReceivedAt = timePtr(receivedAt)
	ev.ProcessedAt = timePtr(processedAt)
	ev.DeadAt = timePtr(deadAt)
	return r, nil
}

func (s *Store) ClaimShadowEvents(ctx context.Context, workerID string, limit int, now time.Time, lease time.Duration) ([]domain.ShadowEvent, error) {
	if limit < 1 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		WITH due AS (
			SELECT id
			FROM shadow_events
			WHERE sent_at IS NULL
				AND dead_at IS NULL
				AND next_attempt_at <= $1
				AND (locked_at IS NULL OR locked_at <= $3)
			ORDER BY seq
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		UPDATE shadow_events e
		SET locked_at = $1, locked_by = $2
		FROM due
		WHERE e.id = due.id
		RETURNING `+prefixColumns("e.", shadowColumns),
		now, workerID, now.Add(-lease), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	claimed := make([]shadowRow, 0, limit)
	for rows.Next() {
		r, err := scanShadowEvent(rows)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(claimed, func(i, j int) bool {
		return claimed[i].seq < claimed[j].seq
	})
	events := make([]domain.ShadowEvent, 0, len(claimed))
	for _, r := range claimed {
		events = append(events, r.event)
	}
	return events, nil
}

func (s *Store) MarkShadowDelivered(ctx context.Context, id string, sentAt time.Time, receipt domain.DeliveryReceipt) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE shadow_events
		SET attempts = attempts + 1, sent_at = $2, received_at = $3, processed_at = $4,
			locked_at = NULL, locked_by = '', last_error = ''
		WHERE id = $1
	`, id, sentAt, receipt.ReceivedAt, receipt.ProcessedAt)
	return expectAffected(res, err)
}

func (s *Store) MarkShadowFailed(ctx context.Context, id string, reason string, nextAttemptAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE shadow_events
		SET attempts = attempts + 1, last_error = $2, next_attempt_at = $3,
			locked_at = NULL, locked_by = ''
		WHERE id = $1
	`, id, reason, nextAttemptAt)
	return expectAffected(res, err)
}

func (s *Store) MarkShadowDead(ctx context.Context, id string, reason string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE shadow_events
		SET attempts = attempts + 1, last_error = $2, dead_at = $3,
			locked_at = NULL, locked_by = ''
		WHERE id = $1
	`, id, reason, at)
	return expectAffected(res, err)
}

func (s *Store) ListShadowEvents(ctx context.Context, pendingOnly bool, limit int) ([]domain.ShadowEvent, error) {
	if limit < 1 {
		limit = 100
	}
	query := `SELECT ` + shadowColumns + ` FROM shadow_events`
	if pendingOnly {
		query += ` WHERE sent_at IS NULL AND dead_at IS NULL`
	}
	query += ` ORDER BY seq LIMIT $1`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]domain.ShadowEvent, 0, limit)
	for rows.Next() {
		r, err := scanShadowEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, r.event)
	}
	return events, rows.Err()
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" {
		return store.ErrConflict
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password_hash, pin_hash, role, branch_id, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, username, user.Password, user.PINHash, user.Role, user.BranchID, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return err
	}
	return nil
}

const userColumns = `username, password_hash, pin_hash, role, branch_id, active, created_at`

func scanUser(row scanner) (domain.UserAccount, error) {
	var user domain.UserAccount
	if err := row.Scan(&user.Username, &user.Password, &user.PINHash, &user.Role, &user.BranchID, &user.Active, &user.CreatedAt); err != nil {
		return domain.UserAccount{}, err
	}
	user.CreatedAt = user.CreatedAt.UTC()
	return user, nil
}

func (s *Store) GetUser(ctx context.Context, username string) (domain.UserAccount, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, `
		SELECT `+userColumns+` FROM users WHERE username = $1
	`, strings.ToLower(strings.TrimSpace(username))))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.UserAccount{}, store.ErrNotFound
		}
		return domain.UserAccount{}, err
	}
	return user, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash = $2 WHERE username = $1
	`, strings.ToLower(strings.TrimSpace(username)), password)
	return expectAffected(res, err)
}

func expectAffected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func prefixColumns(prefix string, columns string) string {
	parts := strings.Split(columns, ",")
	for i, part := range parts {
		parts[i] = prefix + strings.TrimSpace(part)
	}
	return strings.Join(parts, ", ")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}

func timePtr(val sql.NullTime) *time.Time {
	if !val.Valid {
		return nil
	}
	t := val.Time.UTC()
	return &t
}

func marshalJSON(v any, empty string) (string, error) {
	if v == nil {
		return empty, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(raw) == "null" {
		return empty, nil
	}
	return string(raw), nil
}
