package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/fjod/go_cart/order-core/internal/domain"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

var ErrReservationMissing = errors.New("reservation row not found")

type stockRow struct {
	ProductID string `db:"product_id"`
	Total     int32  `db:"total"`
}

type reservationRow struct {
	Token     string    `db:"token"`
	OrderID   string    `db:"order_id"`
	ProductID string    `db:"product_id"`
	Quantity  int32     `db:"quantity"`
	Status    string    `db:"status"`
	CreatedAt time.Time `db:"created_at"`
	ExpiresAt time.Time `db:"expires_at"`
}

func fromReservation(r domain.Reservation) reservationRow {
	return reservationRow{
		Token:     r.Token,
		OrderID:   r.OrderID,
		ProductID: r.ProductID,
		Quantity:  r.Quantity,
		Status:    string(r.Status),
		CreatedAt: r.CreatedAt,
		ExpiresAt: r.ExpiresAt,
	}
}

func (row reservationRow) toDomain() domain.Reservation {
	return domain.Reservation{
		Token:     row.Token,
		OrderID:   row.OrderID,
		ProductID: row.ProductID,
		Quantity:  row.Quantity,
		Status:    domain.ReservationStatus(row.Status),
		CreatedAt: row.CreatedAt.UTC(),
		ExpiresAt: row.ExpiresAt.UTC(),
	}
}

func (r *PostgresStore) LoadStock(ctx context.Context) ([]domain.StockInfo, error) {
	var rows []stockRow
	if err := r.db.SelectContext(ctx, &rows, `SELECT product_id, total FROM stock`); err != nil {
		return nil, errors.Wrap(err, "query stock")
	}
	out := make([]domain.StockInfo, 0, len(rows))
	for _, row := range rows {
		out = append(out, domain.StockInfo{ProductID: row.ProductID, Total: row.Total})
	}
	return out, nil
}

func (r *PostgresStore) LoadOpenReservations(ctx context.Context) ([]domain.Reservation, error) {
	var rows []reservationRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT token, order_id, product_id, quantity, status, created_at, expires_at
		 FROM reservations WHERE status = 'reserved' ORDER BY created_at`)
	if err != nil {
		return nil, errors.Wrap(err, "query reservations")
	}
	out := make([]domain.Reservation, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

func (r *PostgresStore) SaveStock(ctx context.Context, productID string, total int32) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO stock (product_id, total, updated_at) VALUES ($1, $2, NOW())
		 ON CONFLICT (product_id) DO UPDATE SET total = EXCLUDED.total, updated_at = NOW()`,
		productID, total)
	return errors.Wrapf(err, "save stock %s", productID)
}

// SaveReservation inserts a reservation or moves an open one to its new
// status. Finished reservations are never reopened.
func (r *PostgresStore) SaveReservation(ctx context.Context, res domain.Reservation) error {
	query := `INSERT INTO reservations (token, order_id, product_id, quantity, status, created_at, expires_at)
		VALUES (:token, :order_id, :product_id, :quantity, :status, :created_at, :expires_at)
		ON CONFLICT (token) DO UPDATE SET status = EXCLUDED.status, updated_at = NOW()
		WHERE reservations.status = 'reserved'`
	_, err := r.db.NamedExecContext(ctx, query, fromReservation(res))
	return errors.Wrapf(err, "save reservation %s", res.Token)
}

func (r *PostgresStore) CommitReservations(ctx context.Context, rs []domain.Reservation) error {
	return r.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, res := range rs {
			result, err := tx.ExecContext(ctx,
				`UPDATE reservations SET status = 'committed', updated_at = NOW()
				 WHERE token = $1 AND status = 'reserved'`, res.Token)
			if err != nil {
				return errors.Wrapf(err, "commit reservation %s", res.Token)
			}
			n, err := result.RowsAffected()
			if err != nil {
				return errors.Wrap(err, "commit reservation rows affected")
			}
			if n == 0 {
				var status string
				err := tx.GetContext(ctx, &status, `SELECT status FROM reservations WHERE token = $1`, res.Token)
				if errors.Is(err, sql.ErrNoRows) {
					return errors.Wrapf(ErrReservationMissing, "commit %s", res.Token)
				}
				if err != nil {
					return errors.Wrapf(err, "read reservation %s", res.Token)
				}
				if status == string(domain.ReservationCommitted) {
					continue
				}
				return errors.Errorf("commit reservation %s in status %s", res.Token, status)
			}

			if _, err := tx.ExecContext(ctx,
				`UPDATE stock SET total = total - $2, updated_at = NOW() WHERE product_id = $1`,
				res.ProductID, res.Quantity); err != nil {
				return errors.Wrapf(err, "decrement stock %s", res.ProductID)
			}
		}
		return nil
	})
}
