// README: Postgres store for invite links with conditional redemption.
package invite

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"shuttle/internal/access"
	"shuttle/internal/apperr"
	"shuttle/internal/types"
)

const linkColumns = `code, role, created_by, created_at, expires_at, used_at, used_by, status`

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) Create(ctx context.Context, l *Link) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO invite_links (code, role, created_by, created_at, expires_at, status)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		l.Code, string(l.Role), string(l.CreatedBy), l.CreatedAt, l.ExpiresAt, string(l.Status),
	)
	return err
}

func (s *Store) Get(ctx context.Context, code string) (*Link, error) {
	row := s.db.QueryRow(ctx, `SELECT `+linkColumns+` FROM invite_links WHERE code = $1`, code)
	return scanLink(row)
}

func (s *Store) List(ctx context.Context, statuses []Status, limit int) ([]Link, error) {
	var where []string
	var args []any
	if len(statuses) > 0 {
		vals := make([]string, len(statuses))
		for i, st := range statuses {
			vals[i] = string(st)
		}
		args = append(args, vals)
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	q := `SELECT ` + linkColumns + ` FROM invite_links`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, code"
	if limit > 0 {
		args = append(args, limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Link
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

// MarkExpired persists the expiry of exactly the given codes. Links that were
// redeemed in the meantime are left alone.
func (s *Store) MarkExpired(ctx context.Context, codes []string) (int64, error) {
	if len(codes) == 0 {
		return 0, nil
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE invite_links SET status = 'expired'
		WHERE code = ANY($1) AND status = 'active'`, codes)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Redeem marks an active, unexpired link as used by account. When the
// condition fails the current row is returned with ok=false.
func (s *Store) Redeem(ctx context.Context, code string, account types.ID, now time.Time) (*Link, bool, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE invite_links
		SET status = 'used', used_at = $3, used_by = $2
		WHERE code = $1 AND status = 'active' AND (expires_at IS NULL OR expires_at > $3)
		RETURNING `+linkColumns,
		code, string(account), now,
	)
	l, err := scanLink(row)
	if err == nil {
		return l, true, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return nil, false, err
	}
	cur, err := s.Get(ctx, code)
	if err != nil {
		return nil, false, err
	}
	return cur, false, nil
}

func scanLink(row pgx.Row) (*Link, error) {
	var (
		l                       Link
		role, createdBy, status string
		usedBy                  *string
	)
	err := row.Scan(&l.Code, &role, &createdBy, &l.CreatedAt, &l.ExpiresAt, &l.UsedAt, &usedBy, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	l.Role = access.Role(role)
	l.CreatedBy = types.ID(createdBy)
	l.Status = Status(status)
	if usedBy != nil {
		id := types.ID(*usedBy)
		l.UsedBy = &id
	}
	return &l, nil
}
