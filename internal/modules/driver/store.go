// README: Driver store backed by PostgreSQL; status and availability writes carry their preconditions.
package driver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"shuttle/internal/apperr"
	"shuttle/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

const driverColumns = `
	id, account_id, status, available, license_number, decline_reason,
	verified_at, verified_by, status_version, created_at, updated_at`

const documentColumns = `
	id, driver_id, doc_type, location, verified, expires_at, uploaded_at, superseded_at`

// EnsureProfile creates the profile for accountID unless one exists and
// returns the stored row. Concurrent first accesses converge on one row.
func (s *Store) EnsureProfile(ctx context.Context, accountID, newID types.ID) (*Driver, error) {
	_, err := s.db.Exec(ctx, `
		INSERT INTO drivers (id, account_id, status, available)
		VALUES ($1, $2, 'unverified', FALSE)
		ON CONFLICT (account_id) DO NOTHING`,
		string(newID), string(accountID),
	)
	if err != nil {
		return nil, fmt.Errorf("ensure driver profile: %w", err)
	}
	return s.GetByAccount(ctx, accountID)
}

func (s *Store) Get(ctx context.Context, id types.ID) (*Driver, error) {
	return s.getBy(ctx, "id", id)
}

func (s *Store) GetByAccount(ctx context.Context, accountID types.ID) (*Driver, error) {
	return s.getBy(ctx, "account_id", accountID)
}

func (s *Store) getBy(ctx context.Context, column string, v types.ID) (*Driver, error) {
	row := s.db.QueryRow(ctx, `SELECT `+driverColumns+` FROM drivers WHERE `+column+` = $1`, string(v))
	d, err := scanDriver(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	return d, err
}

func (s *Store) List(ctx context.Context, f Filter) ([]Driver, error) {
	var where []string
	var args []any
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Available != nil {
		args = append(args, *f.Available)
		where = append(where, fmt.Sprintf("available = $%d", len(args)))
	}
	q := `SELECT ` + driverColumns + ` FROM drivers`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at, id"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Driver
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// UpdateStatus replaces cur with next if status and version are unchanged.
func (s *Store) UpdateStatus(ctx context.Context, cur, next *Driver) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE drivers
		SET status = $1,
			available = $2,
			decline_reason = $3,
			verified_at = $4,
			verified_by = $5,
			status_version = status_version + 1,
			updated_at = $6
		WHERE id = $7 AND status = $8 AND status_version = $9`,
		string(next.Status),
		next.Available,
		next.DeclineReason,
		next.VerifiedAt,
		idPtrString(next.VerifiedBy),
		next.UpdatedAt,
		string(cur.ID),
		string(cur.Status),
		cur.StatusVersion,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// SetAvailability writes the flag only while the driver is verified and logs
// the change in the same statement.
func (s *Store) SetAvailability(ctx context.Context, c *AvailabilityChange) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		WITH upd AS (
			UPDATE drivers
			SET available = $2,
				status_version = status_version + 1,
				updated_at = $6
			WHERE id = $1 AND status = 'verified'
			RETURNING id
		)
		INSERT INTO availability_changes (driver_id, desired, actor_role, actor_id, note, created_at)
		SELECT id, $2, $3, $4, $5, $6 FROM upd`,
		string(c.DriverID), c.Desired, c.ActorRole, string(c.ActorID), c.Note, c.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) AvailabilityLog(ctx context.Context, driverID types.ID) ([]AvailabilityChange, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, driver_id, desired, actor_role, actor_id, note, created_at
		FROM availability_changes WHERE driver_id = $1 ORDER BY id`, string(driverID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AvailabilityChange
	for rows.Next() {
		var c AvailabilityChange
		if err := rows.Scan(&c.ID, &c.DriverID, &c.Desired, &c.ActorRole, &c.ActorID, &c.Note, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Documents returns the live documents of driverID.
func (s *Store) Documents(ctx context.Context, driverID types.ID) ([]Document, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+documentColumns+`
		FROM driver_documents
		WHERE driver_id = $1 AND superseded_at IS NULL
		ORDER BY doc_type`, string(driverID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// ReplaceDocument supersedes the live document of the same type, inserts doc
// and demotes a verified driver, all in one transaction.
func (s *Store) ReplaceDocument(ctx context.Context, doc *Document) (bool, error) {
	var demoted bool
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			UPDATE driver_documents
			SET superseded_at = $3
			WHERE driver_id = $1 AND doc_type = $2 AND superseded_at IS NULL`,
			string(doc.DriverID), string(doc.Type), doc.UploadedAt,
		); err != nil {
			return fmt.Errorf("supersede document: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO driver_documents (id, driver_id, doc_type, location, verified, expires_at, uploaded_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			string(doc.ID), string(doc.DriverID), string(doc.Type), doc.Location, doc.Verified, doc.ExpiresAt, doc.UploadedAt,
		); err != nil {
			return fmt.Errorf("insert document: %w", err)
		}
		var err error
		demoted, err = demote(ctx, tx, doc.DriverID, doc.UploadedAt)
		return err
	})
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "driver_documents_one_live" {
		return false, fmt.Errorf("%w: concurrent %s upload", apperr.ErrConflict, doc.Type)
	}
	if err != nil {
		return false, err
	}
	return demoted, nil
}

// SetDocumentVerified flips the verified flag of a live document. When
// demoteDriver is set a verified owner is moved back to pending in the same
// transaction.
func (s *Store) SetDocumentVerified(ctx context.Context, docID types.ID, verified, demoteDriver bool, now time.Time) (*Document, bool, error) {
	var doc *Document
	var demoted bool
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			UPDATE driver_documents SET verified = $2
			WHERE id = $1 AND superseded_at IS NULL
			RETURNING `+documentColumns, string(docID), verified)
		d, err := scanDocument(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.ErrNotFound
		}
		if err != nil {
			return err
		}
		doc = d
		if demoteDriver {
			demoted, err = demote(ctx, tx, d.DriverID, now)
		}
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return doc, demoted, nil
}

// Demote moves a verified driver back to pending and clears availability.
func (s *Store) Demote(ctx context.Context, driverID types.ID, now time.Time) (bool, error) {
	return demote(ctx, s.db, driverID, now)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func demote(ctx context.Context, db execer, driverID types.ID, now time.Time) (bool, error) {
	tag, err := db.Exec(ctx, `
		UPDATE drivers
		SET status = 'pending',
			available = FALSE,
			status_version = status_version + 1,
			updated_at = $2
		WHERE id = $1 AND status = 'verified'`,
		string(driverID), now,
	)
	if err != nil {
		return false, fmt.Errorf("demote driver: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanDriver(row pgx.Row) (*Driver, error) {
	var d Driver
	var verifiedBy *string
	err := row.Scan(
		&d.ID, &d.AccountID, &d.Status, &d.Available, &d.LicenseNumber, &d.DeclineReason,
		&d.VerifiedAt, &verifiedBy, &d.StatusVersion, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if verifiedBy != nil {
		id := types.ID(*verifiedBy)
		d.VerifiedBy = &id
	}
	return &d, nil
}

func scanDocument(row pgx.Row) (*Document, error) {
	var d Document
	err := row.Scan(&d.ID, &d.DriverID, &d.Type, &d.Location, &d.Verified, &d.ExpiresAt, &d.UploadedAt, &d.SupersededAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func idPtrString(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}
