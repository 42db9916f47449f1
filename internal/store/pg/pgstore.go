package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"pishop.app/internal/ids"
	"pishop.app/internal/ledger"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ ledger.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db), nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

const userColumns = `id, username, external_id, email, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (ledger.User, error) {
	var u ledger.User
	err := row.Scan(&u.ID, &u.Username, &u.ExternalID, &u.Email, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.User{}, ledger.ErrNotFound
	}
	return u, err
}

func (s *Store) CreateUser(ctx context.Context, u ledger.User) (ledger.User, error) {
	u.ExternalID = strings.TrimSpace(u.ExternalID)
	if u.ExternalID == "" {
		return ledger.User{}, ledger.ErrConflict
	}
	if u.ID == "" {
		u.ID = ids.User()
	}
	now := s.now()
	u.CreatedAt, u.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, `
		insert into users(id, username, external_id, email, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $5)
	`, u.ID, u.Username, u.ExternalID, u.Email, now)
	if err != nil {
		return ledger.User{}, mapWriteErr(err)
	}
	return u, nil
}

func (s *Store) FindUser(ctx context.Context, id string) (ledger.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1`, id))
}

func (s *Store) FindUserByExternalID(ctx context.Context, externalID string) (ledger.User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where external_id = $1`, strings.TrimSpace(externalID)))
}

func (s *Store) UpdateUserProfile(ctx context.Context, id, username, email string) (ledger.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `
		update users set username = $2, email = $3, updated_at = $4
		where id = $1
		returning `+userColumns, id, username, email, s.now()))
}

func (s *Store) Packages(ctx context.Context) ([]ledger.Package, error) {
	rows, err := s.db.QueryContext(ctx, `select id, name, price_usd, coins from packages order by price_usd, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []ledger.Package
	for rows.Next() {
		var p ledger.Package
		if err := rows.Scan(&p.ID, &p.Name, &p.PriceUSD, &p.Coins); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (s *Store) FindPackage(ctx context.Context, id string) (ledger.Package, error) {
	var p ledger.Package
	err := s.db.QueryRowContext(ctx, `select id, name, price_usd, coins from packages where id = $1`, id).
		Scan(&p.ID, &p.Name, &p.PriceUSD, &p.Coins)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Package{}, ledger.ErrNotFound
	}
	return p, err
}

const paymentColumns = `id, user_id, coalesce(package_id, ''), amount, rate, method, status, txid, created_at, updated_at`

func scanPayment(row interface{ Scan(...any) error }) (ledger.Payment, error) {
	var (
		p      ledger.Payment
		status string
	)
	err := row.Scan(&p.ID, &p.UserID, &p.PackageID, &p.Amount, &p.Rate, &p.Method, &status, &p.TxID, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Payment{}, ledger.ErrNotFound
	}
	p.Status = ledger.PaymentStatus(status)
	return p, err
}

func (s *Store) CreatePayment(ctx context.Context, p ledger.Payment) (ledger.Payment, error) {
	if p.Amount <= 0 {
		return ledger.Payment{}, ledger.ErrInvalidAmount
	}
	if !p.Status.Valid() {
		return ledger.Payment{}, ledger.ErrInvalidStatus
	}
	if p.Method == "" {
		p.Method = ledger.MethodPi
	}
	now := s.now()
	p.CreatedAt, p.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, `
		insert into payments(id, user_id, package_id, amount, rate, method, status, txid, created_at, updated_at)
		values ($1, $2, nullif($3, ''), $4, $5, $6, $7, $8, $9, $9)
	`, p.ID, p.UserID, p.PackageID, p.Amount, p.Rate, p.Method, string(p.Status), p.TxID, now)
	if err != nil {
		return ledger.Payment{}, mapWriteErr(err)
	}
	return p, nil
}

func (s *Store) FindPayment(ctx context.Context, id string) (ledger.Payment, error) {
	return scanPayment(s.db.QueryRowContext(ctx, `select `+paymentColumns+` from payments where id = $1`, id))
}

func (s *Store) ListPayments(ctx context.Context, userID string) ([]ledger.Payment, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+paymentColumns+` from payments
		where user_id = $1
		order by created_at desc, id desc
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []ledger.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// UpdatePaymentStatus is a compare-and-swap: the row only changes while it is
// not terminal.
func (s *Store) UpdatePaymentStatus(ctx context.Context, id string, status ledger.PaymentStatus) (ledger.Payment, error) {
	if !status.Valid() || status == ledger.StatusCreated {
		return ledger.Payment{}, ledger.ErrInvalidStatus
	}
	p, err := scanPayment(s.db.QueryRowContext(ctx, `
		update payments set status = $2, updated_at = $3
		where id = $1 and status not in ('completed', 'cancelled')
		returning `+paymentColumns, id, string(status), s.now()))
	if !errors.Is(err, ledger.ErrNotFound) {
		return p, err
	}
	// Either the payment does not exist or it is already terminal.
	var current string
	err = s.db.QueryRowContext(ctx, `select status from payments where id = $1`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Payment{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Payment{}, err
	}
	return ledger.Payment{}, ledger.ErrConflict
}

func (s *Store) CompletePayment(ctx context.Context, id, txid string) (ledger.Payment, ledger.Transaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Payment{}, ledger.Transaction{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, `select status from payments where id = $1 for update`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Payment{}, ledger.Transaction{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Payment{}, ledger.Transaction{}, err
	}
	if ledger.PaymentStatus(status) != ledger.StatusApproved {
		return ledger.Payment{}, ledger.Transaction{}, ledger.ErrConflict
	}

	now := s.now()
	p, err := scanPayment(tx.QueryRowContext(ctx, `
		update payments set status = 'completed', txid = $2, updated_at = $3
		where id = $1
		returning `+paymentColumns, id, txid, now))
	if err != nil {
		return ledger.Payment{}, ledger.Transaction{}, err
	}

	t := ledger.Transaction{
		ID:        ids.Transaction(),
		UserID:    p.UserID,
		PaymentID: p.ID,
		Amount:    p.Amount,
		TxID:      txid,
		CreatedAt: now,
	}
	if _, err := tx.ExecContext(ctx, `
		insert into transactions(id, user_id, payment_id, amount, txid, created_at)
		values ($1, $2, $3, $4, $5, $6)
	`, t.ID, t.UserID, t.PaymentID, t.Amount, t.TxID, t.CreatedAt); err != nil {
		return ledger.Payment{}, ledger.Transaction{}, mapWriteErr(err)
	}
	if err := tx.Commit(); err != nil {
		return ledger.Payment{}, ledger.Transaction{}, err
	}
	return p, t, nil
}

func (s *Store) CreateTransaction(ctx context.Context, t ledger.Transaction) (ledger.Transaction, error) {
	if t.Amount <= 0 {
		return ledger.Transaction{}, ledger.ErrInvalidAmount
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Transaction{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var owner, status string
	err = tx.QueryRowContext(ctx, `select user_id, status from payments where id = $1 for share`, t.PaymentID).Scan(&owner, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Transaction{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Transaction{}, err
	}
	if ledger.PaymentStatus(status) != ledger.StatusCompleted || owner != t.UserID {
		return ledger.Transaction{}, ledger.ErrInvalidStatus
	}

	if t.ID == "" {
		t.ID = ids.Transaction()
	}
	t.CreatedAt = s.now()
	if _, err := tx.ExecContext(ctx, `
		insert into transactions(id, user_id, payment_id, amount, txid, created_at)
		values ($1, $2, $3, $4, $5, $6)
	`, t.ID, t.UserID, t.PaymentID, t.Amount, t.TxID, t.CreatedAt); err != nil {
		return ledger.Transaction{}, mapWriteErr(err)
	}
	if err := tx.Commit(); err != nil {
		return ledger.Transaction{}, err
	}
	return t, nil
}

const transactionColumns = `id, user_id, payment_id, amount, txid, created_at`

func scanTransaction(row interface{ Scan(...any) error }) (ledger.Transaction, error) {
	var t ledger.Transaction
	err := row.Scan(&t.ID, &t.UserID, &t.PaymentID, &t.Amount, &t.TxID, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Transaction{}, ledger.ErrNotFound
	}
	return t, err
}

func (s *Store) FindTransactionByPayment(ctx context.Context, paymentID string) (ledger.Transaction, error) {
	return scanTransaction(s.db.QueryRowContext(ctx,
		`select `+transactionColumns+` from transactions where payment_id = $1`, paymentID))
}

func (s *Store) ListTransactionsForUser(ctx context.Context, userID string) ([]ledger.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+transactionColumns+` from transactions
		where user_id = $1
		order by created_at desc, id desc
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []ledger.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func mapWriteErr(err error) error {
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return ledger.ErrConflict
		case pgErrForeignKeyViolation:
			return ledger.ErrNotFound
		}
	}
	return err
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}
