package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"kiotbook/internal/model"
)

var ErrNotFound = errors.New("reservation not found")

// ReservationStore persists reservations as a flat collection in insertion
// order.
type ReservationStore struct {
	db *sql.DB
}

func NewReservationStore(db *sql.DB) *ReservationStore {
	return &ReservationStore{db: db}
}

const reservationCols = `id, external_id, source, category, room, check_in, check_out,
	nights, amount, guest_name, guest_phone, description, paid, created_at`

const insertReservation = `INSERT INTO reservations (` + reservationCols + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func scanReservation(scanner interface{ Scan(...any) error }) (*model.Reservation, error) {
	var r model.Reservation
	var externalID sql.NullString
	var paid int
	var createdAt string

	err := scanner.Scan(
		&r.ID, &externalID, &r.Source, &r.Category, &r.Room, &r.CheckIn, &r.CheckOut,
		&r.Nights, &r.Amount, &r.GuestName, &r.GuestPhone, &r.Description, &paid, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	r.ExternalID = externalID.String
	r.Paid = paid != 0
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		r.CreatedAt = t
	}
	return &r, nil
}

func reservationArgs(r model.Reservation) []any {
	var externalID sql.NullString
	if r.ExternalID != "" {
		externalID = sql.NullString{String: r.ExternalID, Valid: true}
	}
	var paid int
	if r.Paid {
		paid = 1
	}
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	return []any{
		r.ID, externalID, string(r.Source), string(r.Category), r.Room, r.CheckIn, r.CheckOut,
		r.Nights, r.Amount, r.GuestName, r.GuestPhone, r.Description, paid,
		createdAt.UTC().Format(time.RFC3339Nano),
	}
}

func (s *ReservationStore) query(ctx context.Context, q string, args ...any) ([]model.Reservation, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	defer rows.Close()

	out := make([]model.Reservation, 0)
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// List returns every reservation in insertion order.
func (s *ReservationStore) List(ctx context.Context) ([]model.Reservation, error) {
	return s.query(ctx, `SELECT `+reservationCols+` FROM reservations ORDER BY rowid`)
}

// ListByRoom returns the reservations of one room ordered by check-in.
func (s *ReservationStore) ListByRoom(ctx context.Context, room string) ([]model.Reservation, error) {
	return s.query(ctx,
		`SELECT `+reservationCols+` FROM reservations WHERE room = ? ORDER BY check_in, rowid`,
		room,
	)
}

func (s *ReservationStore) Get(ctx context.Context, id string) (*model.Reservation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+reservationCols+` FROM reservations WHERE id = ?`, id)
	r, err := scanReservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get reservation: %w", err)
	}
	return r, nil
}

// Create inserts a single reservation. A duplicate ID or external ID is an
// error.
func (s *ReservationStore) Create(ctx context.Context, r model.Reservation) error {
	if r.ID == "" {
		return errors.New("create reservation: empty id")
	}
	if _, err := s.db.ExecContext(ctx, insertReservation, reservationArgs(r)...); err != nil {
		return fmt.Errorf("insert reservation: %w", err)
	}
	return nil
}

// Append inserts rs in one transaction and returns how many rows were new.
// Rows whose ID or external ID already exist are skipped, so appending the
// same sync increment twice is harmless.
func (s *ReservationStore) Append(ctx context.Context, rs []model.Reservation) (int, error) {
	if len(rs) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertReservation+` ON CONFLICT DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("prepare append: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, r := range rs {
		res, err := stmt.ExecContext(ctx, reservationArgs(r)...)
		if err != nil {
			return 0, fmt.Errorf("append reservation %s: %w", r.ID, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit append: %w", err)
	}
	return inserted, nil
}

func (s *ReservationStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM reservations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete reservation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteMany removes the given IDs and returns how many existed.
func (s *ReservationStore) DeleteMany(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM reservations WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("delete reservations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

func (s *ReservationStore) SetPaid(ctx context.Context, id string, paid bool) error {
	var p int
	if paid {
		p = 1
	}
	res, err := s.db.ExecContext(ctx, `UPDATE reservations SET paid = ? WHERE id = ?`, p, id)
	if err != nil {
		return fmt.Errorf("set paid: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
