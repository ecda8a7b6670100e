package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fjod/go_cart/order-core/internal/domain"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(cred *Credentials) (*PostgresStore, error) {
	sslMode := cred.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	psqlconn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cred.Host,
		cred.Port,
		cred.User,
		cred.Password,
		cred.DBName,
		sslMode)

	db, err := sqlx.Connect("postgres", psqlconn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to postgres")
	}

	db.SetMaxOpenConns(100)
	db.SetMaxIdleConns(10)
	return &PostgresStore{db: db}, nil
}

func (r *PostgresStore) RunMigrations(cred *Credentials) error {
	driver, err := postgres.WithInstance(r.db.DB, &postgres.Config{
		MigrationsTable: "order_core_schema_migrations",
	})
	if err != nil {
		return errors.Wrap(err, "could not create migration driver")
	}

	m, err := migrate.NewWithDatabaseInstance(
		fmt.Sprintf("file://%s", cred.MigrationsDirPath),
		"postgres",
		driver,
	)
	if err != nil {
		return errors.Wrap(err, "could not create migrate instance")
	}

	if e2 := m.Up(); e2 != nil && !errors.Is(e2, migrate.ErrNoChange) {
		return errors.Wrap(e2, "could not run migrations")
	}
	return nil
}

type orderRow struct {
	ID             string          `db:"id"`
	IdempotencyKey sql.NullString  `db:"idempotency_key"`
	SessionID      string          `db:"session_id"`
	Lines          []byte          `db:"lines"`
	Total          decimal.Decimal `db:"total"`
	Currency       string          `db:"currency"`
	State          string          `db:"state"`
	PaymentToken   string          `db:"payment_token"`
	PaymentRef     string          `db:"payment_ref"`
	Reservations   []byte          `db:"reservations"`
	FailureReason  string          `db:"failure_reason"`
	FailureCode    string          `db:"failure_code"`
	Version        int             `db:"version"`
	CreatedAt      time.Time       `db:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at"`
}

const orderColumns = `id, idempotency_key, session_id, lines, total, currency, state, payment_token,
	payment_ref, reservations, failure_reason, failure_code, version, created_at, updated_at`

func toOrderRow(o *domain.Order) (*orderRow, error) {
	lines, err := json.Marshal(o.Lines)
	if err != nil {
		return nil, errors.Wrap(err, "marshal order lines")
	}
	reservations := o.Reservations
	if reservations == nil {
		reservations = []string{}
	}
	res, err := json.Marshal(reservations)
	if err != nil {
		return nil, errors.Wrap(err, "marshal reservations")
	}
	return &orderRow{
		ID:             o.ID,
		IdempotencyKey: sql.NullString{String: o.IdempotencyKey, Valid: o.IdempotencyKey != ""},
		SessionID:      o.SessionID,
		Lines:          lines,
		Total:          o.Total,
		Currency:       o.Currency,
		State:          string(o.State),
		PaymentToken:   o.PaymentToken,
		PaymentRef:     o.PaymentRef,
		Reservations:   res,
		FailureReason:  o.FailureReason,
		FailureCode:    string(o.FailureCode),
		Version:        o.Version,
		CreatedAt:      o.CreatedAt,
		UpdatedAt:      o.UpdatedAt,
	}, nil
}

func (row *orderRow) toDomain() (*domain.Order, error) {
	o := &domain.Order{
		ID:             row.ID,
		IdempotencyKey: row.IdempotencyKey.String,
		SessionID:      row.SessionID,
		Total:          row.Total,
		Currency:       row.Currency,
		State:          domain.OrderState(row.State),
		PaymentToken:   row.PaymentToken,
		PaymentRef:     row.PaymentRef,
		FailureReason:  row.FailureReason,
		FailureCode:    domain.FailureCode(row.FailureCode),
		Version:        row.Version,
		CreatedAt:      row.CreatedAt.UTC(),
		UpdatedAt:      row.UpdatedAt.UTC(),
	}
	if err := json.Unmarshal(row.Lines, &o.Lines); err != nil {
		return nil, errors.Wrap(err, "unmarshal order lines")
	}
	if err := json.Unmarshal(row.Reservations, &o.Reservations); err != nil {
		return nil, errors.Wrap(err, "unmarshal reservations")
	}
	return o, nil
}

func (r *PostgresStore) CreateOrder(ctx context.Context, order *domain.Order, event *OutboxEvent) error {
	order.Version = 1
	row, err := toOrderRow(order)
	if err != nil {
		return err
	}

	return r.inTx(ctx, func(tx *sqlx.Tx) error {
		query := `INSERT INTO orders (` + orderColumns + `)
			VALUES (:id, :idempotency_key, :session_id, :lines, :total, :currency, :state, :payment_token,
			        :payment_ref, :reservations, :failure_reason, :failure_code, :version, :created_at, :updated_at)`
		if _, err := tx.NamedExecContext(ctx, query, row); err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
				return ErrDuplicateCheckout
			}
			return errors.Wrap(err, "insert order")
		}
		return insertEvent(ctx, tx, event)
	})
}

func (r *PostgresStore) UpdateOrder(ctx context.Context, order *domain.Order, event *OutboxEvent) error {
	row, err := toOrderRow(order)
	if err != nil {
		return err
	}

	err = r.inTx(ctx, func(tx *sqlx.Tx) error {
		query := `UPDATE orders
			SET state = :state, payment_ref = :payment_ref, reservations = :reservations,
			    failure_reason = :failure_reason, failure_code = :failure_code,
			    updated_at = :updated_at, version = version + 1
			WHERE id = :id AND version = :version`
		res, err := tx.NamedExecContext(ctx, query, row)
		if err != nil {
			return errors.Wrap(err, "update order")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "update order rows affected")
		}
		if n == 0 {
			var exists bool
			if err := tx.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1)`, order.ID); err != nil {
				return errors.Wrap(err, "check order exists")
			}
			if !exists {
				return domain.ErrOrderNotFound
			}
			return ErrConcurrentUpdate
		}
		return insertEvent(ctx, tx, event)
	})
	if err != nil {
		return err
	}
	order.Version++
	return nil
}

func insertEvent(ctx context.Context, tx *sqlx.Tx, event *OutboxEvent) error {
	if event == nil {
		return nil
	}
	query := `INSERT INTO outbox_events (id, aggregate_id, event_type, payload, created_at)
		VALUES (:id, :aggregate_id, :event_type, :payload, :created_at)`
	if _, err := tx.NamedExecContext(ctx, query, event); err != nil {
		return errors.Wrap(err, "insert outbox event")
	}
	return nil
}

func (r *PostgresStore) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "commit tx")
}

func (r *PostgresStore) getOrder(ctx context.Context, where string, arg interface{}) (*domain.Order, error) {
	var row orderRow
	err := r.db.GetContext(ctx, &row, `SELECT `+orderColumns+` FROM orders WHERE `+where, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "query order")
	}
	return row.toDomain()
}

func (r *PostgresStore) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	return r.getOrder(ctx, "id = $1", id)
}

func (r *PostgresStore) GetOrderByIdempotencyKey(ctx context.Context, key string) (*domain.Order, error) {
	return r.getOrder(ctx, "idempotency_key = $1", key)
}

func (r *PostgresStore) listOrders(ctx context.Context, query string, args ...interface{}) ([]*domain.Order, error) {
	var rows []orderRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errors.Wrap(err, "query orders")
	}
	orders := make([]*domain.Order, 0, len(rows))
	for i := range rows {
		o, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, nil
}

func (r *PostgresStore) ListOrdersBySession(ctx context.Context, sessionID string) ([]*domain.Order, error) {
	return r.listOrders(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE session_id = $1 ORDER BY created_at DESC`, sessionID)
}

func (r *PostgresStore) ListOrdersByState(ctx context.Context, state domain.OrderState, updatedBefore time.Time) ([]*domain.Order, error) {
	return r.listOrders(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE state = $1 AND updated_at < $2 ORDER BY updated_at`,
		string(state), updatedBefore)
}

type attemptRow struct {
	ID               string    `db:"id"`
	OrderID          string    `db:"order_id"`
	IdempotencyToken string    `db:"idempotency_token"`
	Outcome          string    `db:"outcome"`
	ReceiptID        string    `db:"receipt_id"`
	Reason           string    `db:"reason"`
	CreatedAt        time.Time `db:"created_at"`
	UpdatedAt        time.Time `db:"updated_at"`
}

func (row attemptRow) toDomain() *domain.PaymentAttempt {
	return &domain.PaymentAttempt{
		ID:               row.ID,
		OrderID:          row.OrderID,
		IdempotencyToken: row.IdempotencyToken,
		Outcome:          domain.PaymentOutcome(row.Outcome),
		ReceiptID:        row.ReceiptID,
		Reason:           row.Reason,
		CreatedAt:        row.CreatedAt.UTC(),
		UpdatedAt:        row.UpdatedAt.UTC(),
	}
}

func fromAttempt(a *domain.PaymentAttempt) attemptRow {
	return attemptRow{
		ID:               a.ID,
		OrderID:          a.OrderID,
		IdempotencyToken: a.IdempotencyToken,
		Outcome:          string(a.Outcome),
		ReceiptID:        a.ReceiptID,
		Reason:           a.Reason,
		CreatedAt:        a.CreatedAt,
		UpdatedAt:        a.UpdatedAt,
	}
}

// attemptConflict maps the partial unique indexes to their sentinels.
func attemptConflict(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != uniqueViolation {
		return nil
	}
	if pqErr.Constraint == "payment_attempts_one_success" {
		return domain.ErrDuplicatePayment
	}
	return ErrAttemptConflict
}

func (r *PostgresStore) CreateAttempt(ctx context.Context, a *domain.PaymentAttempt) error {
	query := `INSERT INTO payment_attempts (id, order_id, idempotency_token, outcome, receipt_id, reason, created_at, updated_at)
		VALUES (:id, :order_id, :idempotency_token, :outcome, :receipt_id, :reason, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, fromAttempt(a)); err != nil {
		if mapped := attemptConflict(err); mapped != nil {
			return mapped
		}
		return errors.Wrap(err, "insert payment attempt")
	}
	return nil
}

func (r *PostgresStore) UpdateAttempt(ctx context.Context, a *domain.PaymentAttempt) error {
	query := `UPDATE payment_attempts
		SET outcome = :outcome, receipt_id = :receipt_id, reason = :reason, updated_at = :updated_at
		WHERE id = :id`
	res, err := r.db.NamedExecContext(ctx, query, fromAttempt(a))
	if err != nil {
		if mapped := attemptConflict(err); mapped != nil {
			return mapped
		}
		return errors.Wrap(err, "update payment attempt")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "update payment attempt rows affected")
	}
	if n == 0 {
		return ErrAttemptNotFound
	}
	return nil
}

const attemptColumns = `id, order_id, idempotency_token, outcome, receipt_id, reason, created_at, updated_at`

func (r *PostgresStore) listAttempts(ctx context.Context, query string, args ...interface{}) ([]*domain.PaymentAttempt, error) {
	var rows []attemptRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errors.Wrap(err, "query payment attempts")
	}
	out := make([]*domain.PaymentAttempt, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

func (r *PostgresStore) ListAttempts(ctx context.Context, orderID string) ([]*domain.PaymentAttempt, error) {
	return r.listAttempts(ctx,
		`SELECT `+attemptColumns+` FROM payment_attempts WHERE order_id = $1 ORDER BY created_at`, orderID)
}

func (r *PostgresStore) ListPendingAttempts(ctx context.Context, createdBefore time.Time) ([]*domain.PaymentAttempt, error) {
	return r.listAttempts(ctx,
		`SELECT `+attemptColumns+` FROM payment_attempts WHERE outcome = 'pending' AND created_at < $1 ORDER BY created_at`,
		createdBefore)
}

func (r *PostgresStore) GetUnprocessedEvents(ctx context.Context, limit int) ([]*OutboxEvent, error) {
	var events []*OutboxEvent
	err := r.db.SelectContext(ctx, &events,
		`SELECT id, aggregate_id, event_type, payload, created_at, processed_at
		 FROM outbox_events WHERE processed_at IS NULL ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query outbox events")
	}
	return events, nil
}

func (r *PostgresStore) MarkEventAsProcessed(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE outbox_events SET processed_at = NOW() WHERE id = $1`, id)
	return errors.Wrap(err, "mark outbox event processed")
}

func (r *PostgresStore) Close() error {
	return r.db.Close()
}

func (r *PostgresStore) Ping(ctx context.Context) error {
	return errors.Wrap(r.db.PingContext(ctx), "ping postgres")
}
