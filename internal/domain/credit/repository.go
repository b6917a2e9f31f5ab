package credit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

const grantColumns = `id, user_id, credit_type, type_id, credit, consumed, start_date, expiration_date,
	status, comment, meta, created_at, updated_at`

// CreditRepository implements Store on Postgres (lib/pq) or SQLite (modernc).
type CreditRepository struct {
	db       *sqlx.DB
	postgres bool
}

func NewRepository(db *sqlx.DB) *CreditRepository {
	return &CreditRepository{db: db, postgres: !isSQLite(db.DriverName())}
}

func (r *CreditRepository) DB() *sqlx.DB {
	return r.db
}

// BeginTx starts a ledger transaction. Postgres runs read-committed; SQLite
// serializes writers on its own.
func (r *CreditRepository) BeginTx(ctx context.Context) (*sqlx.Tx, error) {
	opts := &sql.TxOptions{}
	if r.postgres {
		opts.Isolation = sql.LevelReadCommitted
	}
	tx, err := r.db.BeginTxx(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: begin tx: %w", ErrPersistence, err)
	}
	return tx, nil
}

func (r *CreditRepository) InsertGrant(ctx context.Context, q sqlx.ExtContext, g *Grant) (int64, error) {
	query := q.Rebind(`
		INSERT INTO credits (
			user_id, credit_type, type_id, credit, consumed, start_date, expiration_date,
			status, comment, meta, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`)

	var id int64
	err := q.QueryRowxContext(ctx, query,
		g.UserID,
		string(g.CreditType),
		g.TypeRef,
		g.Credit,
		g.Consumed,
		g.StartDate.UTC(),
		utcPtr(g.ExpirationDate),
		string(g.Status),
		g.Comment,
		g.Meta,
		g.CreatedAt.UTC(),
		g.UpdatedAt.UTC(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("%w: insert grant: %w", ErrPersistence, err)
	}
	return id, nil
}

func (r *CreditRepository) UpdateGrant(ctx context.Context, q sqlx.ExtContext, id int64, upd GrantUpdate, now time.Time) error {
	sets := []string{"updated_at = ?"}
	args := []interface{}{now.UTC()}

	if upd.Comment != nil {
		sets = append(sets, "comment = ?")
		args = append(args, *upd.Comment)
	}
	if upd.Meta != nil {
		sets = append(sets, "meta = ?")
		args = append(args, upd.Meta)
	}
	args = append(args, id)

	query := q.Rebind("UPDATE credits SET " + strings.Join(sets, ", ") + " WHERE id = ?")
	result, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%w: update grant: %w", ErrPersistence, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected: %w", ErrPersistence, err)
	}
	if rows == 0 {
		return ErrCreditNotFound
	}
	return nil
}

// UpdateStatus moves a grant from one status to another. It fails with
// ErrConcurrentUpdate when the grant is no longer in the from status.
func (r *CreditRepository) UpdateStatus(ctx context.Context, q sqlx.ExtContext, id int64, from, to Status, now time.Time) error {
	result, err := q.ExecContext(ctx, q.Rebind(`
		UPDATE credits
		SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`), string(to), now.UTC(), id, string(from))
	if err != nil {
		return fmt.Errorf("%w: update status: %w", ErrPersistence, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected: %w", ErrPersistence, err)
	}
	if rows == 0 {
		return ErrConcurrentUpdate
	}
	return nil
}

// ConsumeFromGrant sets consumed to next only if it still equals expected
// and the grant is active.
func (r *CreditRepository) ConsumeFromGrant(ctx context.Context, q sqlx.ExtContext, id int64, expected, next decimal.Decimal, meta Meta, now time.Time) error {
	sets := "consumed = ?, updated_at = ?"
	args := []interface{}{next, now.UTC()}
	if meta != nil {
		sets += ", meta = ?"
		args = append(args, meta)
	}
	args = append(args, id, expected, string(StatusActive))

	result, err := q.ExecContext(ctx, q.Rebind(`
		UPDATE credits
		SET `+sets+`
		WHERE id = ? AND consumed = ? AND status = ?
	`), args...)
	if err != nil {
		return fmt.Errorf("%w: consume from grant: %w", ErrPersistence, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected: %w", ErrPersistence, err)
	}
	if rows == 0 {
		return ErrConcurrentUpdate
	}
	return nil
}

// GetGrant loads one grant. Inside a Postgres transaction the row is locked.
func (r *CreditRepository) GetGrant(ctx context.Context, q sqlx.ExtContext, id int64) (*Grant, error) {
	query := `SELECT ` + grantColumns + ` FROM credits WHERE id = ?`
	if _, inTx := q.(*sqlx.Tx); inTx && r.postgres {
		query += " FOR UPDATE"
	}

	var g Grant
	err := sqlx.GetContext(ctx, q, &g, q.Rebind(query), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCreditNotFound
		}
		return nil, fmt.Errorf("%w: get grant: %w", ErrPersistence, err)
	}
	return &g, nil
}

// FindAvailableGrants returns the user's grants that can still be drawn from,
// oldest first. Inside a Postgres transaction the rows are locked.
func (r *CreditRepository) FindAvailableGrants(ctx context.Context, q sqlx.ExtContext, userID int64, creditType *TypeID, asOf time.Time) ([]Grant, error) {
	query := `SELECT ` + grantColumns + `
		FROM credits
		WHERE user_id = ?
		  AND status = ?
		  AND consumed < credit
		  AND (expiration_date IS NULL OR expiration_date > ?)`
	args := []interface{}{userID, string(StatusActive), asOf.UTC()}

	if creditType != nil {
		query += " AND credit_type = ?"
		args = append(args, string(*creditType))
	}
	query += " ORDER BY created_at ASC, id ASC"

	if _, inTx := q.(*sqlx.Tx); inTx && r.postgres {
		query += " FOR UPDATE"
	}

	grants := make([]Grant, 0)
	if err := sqlx.SelectContext(ctx, q, &grants, q.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("%w: find available grants: %w", ErrPersistence, err)
	}
	return grants, nil
}

// FindExpiring returns active grants with balance left that expire in (now, until].
func (r *CreditRepository) FindExpiring(ctx context.Context, q sqlx.ExtContext, now, until time.Time) ([]Grant, error) {
	grants := make([]Grant, 0)
	err := sqlx.SelectContext(ctx, q, &grants, q.Rebind(`
		SELECT `+grantColumns+`
		FROM credits
		WHERE status = ?
		  AND consumed < credit
		  AND expiration_date IS NOT NULL
		  AND expiration_date > ?
		  AND expiration_date <= ?
		ORDER BY user_id ASC, expiration_date ASC, id ASC
	`), string(StatusActive), now.UTC(), until.UTC())
	if err != nil {
		return nil, fmt.Errorf("%w: find expiring grants: %w", ErrPersistence, err)
	}
	return grants, nil
}

// FindExpired returns active grants whose expiration date is at or before now.
func (r *CreditRepository) FindExpired(ctx context.Context, q sqlx.ExtContext, now time.Time) ([]Grant, error) {
	grants := make([]Grant, 0)
	err := sqlx.SelectContext(ctx, q, &grants, q.Rebind(`
		SELECT `+grantColumns+`
		FROM credits
		WHERE status = ?
		  AND expiration_date IS NOT NULL
		  AND expiration_date <= ?
		ORDER BY id ASC
	`), string(StatusActive), now.UTC())
	if err != nil {
		return nil, fmt.Errorf("%w: find expired grants: %w", ErrPersistence, err)
	}
	return grants, nil
}

// FindActiveByUser returns the user's active, unexpired grants.
func (r *CreditRepository) FindActiveByUser(ctx context.Context, q sqlx.ExtContext, userID int64, asOf time.Time) ([]Grant, error) {
	grants := make([]Grant, 0)
	err := sqlx.SelectContext(ctx, q, &grants, q.Rebind(`
		SELECT `+grantColumns+`
		FROM credits
		WHERE user_id = ?
		  AND status = ?
		  AND (expiration_date IS NULL OR expiration_date > ?)
		ORDER BY created_at ASC, id ASC
	`), userID, string(StatusActive), asOf.UTC())
	if err != nil {
		return nil, fmt.Errorf("%w: find active grants: %w", ErrPersistence, err)
	}
	return grants, nil
}

func (r *CreditRepository) FindByUserStatuses(ctx context.Context, q sqlx.ExtContext, userID int64, statuses []Status) ([]Grant, error) {
	grants := make([]Grant, 0)
	if len(statuses) == 0 {
		return grants, nil
	}

	raw := make([]string, len(statuses))
	for i, s := range statuses {
		raw[i] = string(s)
	}
	query, args, err := sqlx.In(`
		SELECT `+grantColumns+`
		FROM credits
		WHERE user_id = ? AND status IN (?)
		ORDER BY id ASC
	`, userID, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: build status query: %w", ErrPersistence, err)
	}
	if err := sqlx.SelectContext(ctx, q, &grants, q.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("%w: find grants by status: %w", ErrPersistence, err)
	}
	return grants, nil
}

func (r *CreditRepository) ListByUser(ctx context.Context, q sqlx.ExtContext, userID int64, filter ListFilter) ([]Grant, error) {
	query := `SELECT ` + grantColumns + ` FROM credits WHERE user_id = ?`
	args := []interface{}{userID}

	if filter.Status != nil {
		query += " AND status = ?"
		args = append(args, string(*filter.Status))
	}
	if filter.CreditType != nil {
		query += " AND credit_type = ?"
		args = append(args, string(*filter.CreditType))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	grants := make([]Grant, 0)
	if err := sqlx.SelectContext(ctx, q, &grants, q.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("%w: list grants: %w", ErrPersistence, err)
	}
	return grants, nil
}

func (r *CreditRepository) Search(ctx context.Context, q sqlx.ExtContext, filters SearchFilters) ([]Grant, error) {
	base := `SELECT ` + grantColumns + ` FROM credits WHERE 1=1`
	args := make([]interface{}, 0, 8)

	if filters.UserID != nil {
		base += " AND user_id = ?"
		args = append(args, *filters.UserID)
	}
	if filters.Status != nil {
		base += " AND status = ?"
		args = append(args, string(*filters.Status))
	}
	if filters.CreditType != nil && *filters.CreditType != "" {
		base += " AND credit_type = ?"
		args = append(args, string(*filters.CreditType))
	}
	if filters.DateFrom != nil {
		base += " AND created_at >= ?"
		args = append(args, filters.DateFrom.UTC())
	}
	if filters.DateTo != nil {
		base += " AND created_at <= ?"
		args = append(args, filters.DateTo.UTC())
	}

	limit := filters.Limit
	if limit <= 0 {
		limit = 50
	}
	base += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, filters.Offset)

	grants := make([]Grant, 0)
	if err := sqlx.SelectContext(ctx, q, &grants, q.Rebind(base), args...); err != nil {
		return nil, fmt.Errorf("%w: search grants: %w", ErrPersistence, err)
	}
	return grants, nil
}

// SumAvailable adds up credit - consumed over the user's active, unexpired
// grants. The sum is done in decimal rather than in SQL so SQLite's REAL
// arithmetic never leaks into balances.
func (r *CreditRepository) SumAvailable(ctx context.Context, q sqlx.ExtContext, userID int64, asOf time.Time) (decimal.Decimal, error) {
	grants, err := r.FindActiveByUser(ctx, q, userID, asOf)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for i := range grants {
		total = total.Add(grants[i].Remaining())
	}
	return total, nil
}

func (r *CreditRepository) SaveBalance(ctx context.Context, q sqlx.ExtContext, userID int64, balance decimal.Decimal, now time.Time) error {
	_, err := q.ExecContext(ctx, q.Rebind(`
		INSERT INTO user_credit_balances (user_id, balance, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE
		SET balance = excluded.balance, updated_at = excluded.updated_at
	`), userID, balance, now.UTC())
	if err != nil {
		return fmt.Errorf("%w: save balance: %w", ErrPersistence, err)
	}
	return nil
}

func (r *CreditRepository) GetBalance(ctx context.Context, q sqlx.ExtContext, userID int64) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := sqlx.GetContext(ctx, q, &balance, q.Rebind(`SELECT balance FROM user_credit_balances WHERE user_id = ?`), userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return decimal.Zero, nil
		}
		return decimal.Zero, fmt.Errorf("%w: get balance: %w", ErrPersistence, err)
	}
	return balance, nil
}

// UsersForBalanceSync lists users holding an active grant plus users whose
// cached balance is non-zero, so drift in either direction gets corrected.
func (r *CreditRepository) UsersForBalanceSync(ctx context.Context, q sqlx.ExtContext) ([]int64, error) {
	ids := make([]int64, 0)
	err := sqlx.SelectContext(ctx, q, &ids, q.Rebind(`
		SELECT user_id FROM credits WHERE status = ?
		UNION
		SELECT user_id FROM user_credit_balances WHERE balance <> 0
		ORDER BY 1
	`), string(StatusActive))
	if err != nil {
		return nil, fmt.Errorf("%w: list users for balance sync: %w", ErrPersistence, err)
	}
	return ids, nil
}

// DeleteDormant hard-deletes expired and deleted grants untouched since before.
func (r *CreditRepository) DeleteDormant(ctx context.Context, q sqlx.ExtContext, before time.Time) (int64, error) {
	result, err := q.ExecContext(ctx, q.Rebind(`
		DELETE FROM credits
		WHERE status IN (?, ?) AND updated_at < ?
	`), string(StatusExpired), string(StatusDeleted), before.UTC())
	if err != nil {
		return 0, fmt.Errorf("%w: delete dormant grants: %w", ErrPersistence, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: rows affected: %w", ErrPersistence, err)
	}
	return rows, nil
}

// SaveType persists a custom credit type definition.
func (r *CreditRepository) SaveType(ctx context.Context, q sqlx.ExtContext, def TypeDefinition, now time.Time) error {
	payload, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("%w: encode credit type: %w", ErrPersistence, err)
	}
	_, err = q.ExecContext(ctx, q.Rebind(`
		INSERT INTO credit_types (id, definition, created_at) VALUES (?, ?, ?)
	`), string(def.ID), string(payload), now.UTC())
	if err != nil {
		return fmt.Errorf("%w: save credit type: %w", ErrPersistence, err)
	}
	return nil
}

// DeleteType removes a stored credit type. Deleting an unknown id is a no-op.
func (r *CreditRepository) DeleteType(ctx context.Context, q sqlx.ExtContext, id TypeID) error {
	if _, err := q.ExecContext(ctx, q.Rebind(`DELETE FROM credit_types WHERE id = ?`), string(id)); err != nil {
		return fmt.Errorf("%w: delete credit type: %w", ErrPersistence, err)
	}
	return nil
}

// ListTypes returns the stored credit types in registration order.
func (r *CreditRepository) ListTypes(ctx context.Context, q sqlx.ExtContext) ([]TypeDefinition, error) {
	var rows []struct {
		ID         string `db:"id"`
		Definition []byte `db:"definition"`
	}
	err := sqlx.SelectContext(ctx, q, &rows, `SELECT id, definition FROM credit_types ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("%w: list credit types: %w", ErrPersistence, err)
	}

	defs := make([]TypeDefinition, 0, len(rows))
	for _, row := range rows {
		var def TypeDefinition
		if err := json.Unmarshal(row.Definition, &def); err != nil {
			return nil, fmt.Errorf("%w: decode credit type %q: %w", ErrPersistence, row.ID, err)
		}
		def.ID = TypeID(row.ID)
		defs = append(defs, def)
	}
	return defs, nil
}

func utcPtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}
