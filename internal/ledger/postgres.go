package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/finmill/paycore/internal/domain"
)

const txnColumns = `id, payer_id, payee_id, amount::text, currency, status,
	payment_method, processor_reference, metadata, created_at, updated_at, completed_at`

// Postgres implements Ledger on top of pgx. Atomicity comes from database
// transactions; balance rows are locked FOR UPDATE in deterministic owner
// order to prevent deadlocks between concurrent transfers.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

// Migrate creates the schema. Idempotent; used by the seeder and tests
// against a throwaway database.
func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS accounts (
			id UUID PRIMARY KEY,
			owner_id TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT 'user',
			balance NUMERIC(20,4) NOT NULL DEFAULT 0 CHECK (balance >= 0),
			currency CHAR(3) NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (owner_id, currency)
		);

		CREATE TABLE IF NOT EXISTS transactions (
			id UUID PRIMARY KEY,
			payer_id TEXT NOT NULL,
			payee_id TEXT NOT NULL,
			amount NUMERIC(20,4) NOT NULL CHECK (amount > 0),
			currency CHAR(3) NOT NULL,
			status TEXT NOT NULL,
			payment_method TEXT NOT NULL DEFAULT '',
			processor_reference TEXT NOT NULL DEFAULT '',
			idempotency_key TEXT,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			completed_at TIMESTAMPTZ,
			CHECK (payer_id <> payee_id)
		);

		CREATE UNIQUE INDEX IF NOT EXISTS transactions_idempotency_key_idx
			ON transactions (idempotency_key) WHERE idempotency_key IS NOT NULL;
		CREATE INDEX IF NOT EXISTS transactions_payer_idx
			ON transactions (payer_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS transactions_payee_idx
			ON transactions (payee_id, created_at DESC);
	`)
	if err != nil {
		return fmt.Errorf("migrate failed: %w", err)
	}
	return nil
}

func (p *Postgres) CreateTransaction(ctx context.Context, params CreateParams) (*domain.Transaction, error) {
	meta := params.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("metadata marshal failed: %w", err)
	}

	var idemKey *string
	if key := meta[domain.MetaIdempotencyKey]; key != "" {
		idemKey = &key
	}

	row := p.pool.QueryRow(ctx, `
		INSERT INTO transactions (id, payer_id, payee_id, amount, currency, status,
			payment_method, idempotency_key, metadata)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9)
		RETURNING `+txnColumns,
		uuid.NewString(), params.PayerID, params.PayeeID, params.Amount.StringFixed(4),
		params.Currency, string(params.Status), params.PaymentMethod, idemKey, metaJSON,
	)

	t, err := scanTransaction(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, domain.ErrDuplicateKey
		}
		return nil, fmt.Errorf("transaction insert failed: %w", err)
	}
	return t, nil
}

// CreateRefund serializes concurrent refunds of one original behind a row
// lock, so the cap check and the insert are a single unit of work. Rows in
// processing count against the cap as reservations.
func (p *Postgres) CreateRefund(ctx context.Context, originalID string, params CreateParams) (*domain.Transaction, error) {
	meta := params.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("metadata marshal failed: %w", err)
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	var amountText, status string
	err = tx.QueryRow(ctx,
		`SELECT amount::text, status FROM transactions WHERE id = $1 FOR UPDATE`,
		originalID,
	).Scan(&amountText, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("original lock failed: %w", err)
	}
	if status != string(domain.StatusCompleted) {
		return nil, domain.ErrInvalidTransition
	}
	originalAmount, err := decimal.NewFromString(amountText)
	if err != nil {
		return nil, fmt.Errorf("amount parse failed: %w", err)
	}

	var reservedText string
	err = tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)::text FROM transactions
		WHERE metadata->>$1 = $2 AND status IN ('processing', 'completed')`,
		domain.MetaOriginalTransaction, originalID,
	).Scan(&reservedText)
	if err != nil {
		return nil, fmt.Errorf("refund reservation sum failed: %w", err)
	}
	reserved, err := decimal.NewFromString(reservedText)
	if err != nil {
		return nil, fmt.Errorf("refund reservation parse failed: %w", err)
	}
	if reserved.Add(params.Amount).GreaterThan(originalAmount) {
		return nil, domain.ErrRefundExceeded
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO transactions (id, payer_id, payee_id, amount, currency, status,
			payment_method, metadata)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8)
		RETURNING `+txnColumns,
		uuid.NewString(), params.PayerID, params.PayeeID, params.Amount.StringFixed(4),
		params.Currency, string(params.Status), params.PaymentMethod, metaJSON,
	)
	t, err := scanTransaction(row)
	if err != nil {
		return nil, fmt.Errorf("refund insert failed: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("tx commit failed: %w", err)
	}
	return t, nil
}

func (p *Postgres) UpdateTransactionStatus(ctx context.Context, id string, status domain.TransactionStatus) (*domain.Transaction, error) {
	row := p.pool.QueryRow(ctx, `
		UPDATE transactions
		SET status = $2,
			updated_at = now(),
			completed_at = CASE WHEN $2 = 'completed' THEN now() ELSE completed_at END
		WHERE id = $1
			AND (status IN ('pending', 'processing')
				OR (status = 'completed' AND $2 = 'refunded'))
		RETURNING `+txnColumns,
		id, string(status),
	)

	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Distinguish a missing row from a frozen terminal status.
			var current string
			lookupErr := p.pool.QueryRow(ctx,
				`SELECT status FROM transactions WHERE id = $1`, id).Scan(&current)
			if errors.Is(lookupErr, pgx.ErrNoRows) {
				return nil, domain.ErrNotFound
			}
			if lookupErr != nil {
				return nil, fmt.Errorf("status lookup failed: %w", lookupErr)
			}
			return nil, domain.ErrInvalidTransition
		}
		return nil, fmt.Errorf("status update failed: %w", err)
	}
	return t, nil
}

func (p *Postgres) UpdateTransaction(ctx context.Context, id string, patch Patch) (*domain.Transaction, error) {
	metaPatch := patch.Metadata
	if metaPatch == nil {
		metaPatch = map[string]string{}
	}
	metaJSON, err := json.Marshal(metaPatch)
	if err != nil {
		return nil, fmt.Errorf("metadata marshal failed: %w", err)
	}

	row := p.pool.QueryRow(ctx, `
		UPDATE transactions
		SET processor_reference = COALESCE($2, processor_reference),
			metadata = metadata || $3::jsonb,
			updated_at = now()
		WHERE id = $1
		RETURNING `+txnColumns,
		id, patch.ProcessorReference, metaJSON,
	)

	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("transaction update failed: %w", err)
	}
	return t, nil
}

func (p *Postgres) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+txnColumns+` FROM transactions WHERE id = $1`, id)
	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("transaction lookup failed: %w", err)
	}
	return t, nil
}

func (p *Postgres) FindByIdempotencyKey(ctx context.Context, key string) (*domain.Transaction, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+txnColumns+` FROM transactions WHERE idempotency_key = $1`, key)
	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("idempotency lookup failed: %w", err)
	}
	return t, nil
}

func (p *Postgres) ListTransactions(ctx context.Context, ownerID string, f Filter) ([]domain.Transaction, error) {
	query := `SELECT ` + txnColumns + ` FROM transactions WHERE (payer_id = $1 OR payee_id = $1)`
	args := []any{ownerID}
	if f.Status != "" {
		args = append(args, string(f.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("transaction list failed: %w", err)
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("transaction scan failed: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (p *Postgres) ShiftBalance(ctx context.Context, payerID, payeeID string, amount decimal.Decimal, currency string) error {
	err := p.shiftBalance(ctx, payerID, payeeID, amount, currency)
	if isSerializationFailure(err) {
		// A fresh snapshot resolves the conflict; one retry covers the
		// hotspot case without looping.
		err = p.shiftBalance(ctx, payerID, payeeID, amount, currency)
	}
	return err
}

// isSerializationFailure reports SQLSTATE 40001, which RepeatableRead
// surfaces when a concurrent writer invalidates the snapshot.
func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "40001"
}

func (p *Postgres) shiftBalance(ctx context.Context, payerID, payeeID string, amount decimal.Decimal, currency string) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lazily provision rows for the non-SELF parties.
	var parties []string
	for _, owner := range []string{payerID, payeeID} {
		if owner == domain.SelfOwner {
			continue
		}
		parties = append(parties, owner)
		_, err = tx.Exec(ctx, `
			INSERT INTO accounts (id, owner_id, currency)
			VALUES ($1, $2, $3)
			ON CONFLICT (owner_id, currency) DO NOTHING`,
			uuid.NewString(), owner, currency,
		)
		if err != nil {
			return fmt.Errorf("account provisioning failed: %w", err)
		}
	}

	// Acquire locks in owner order regardless of transfer direction.
	if len(parties) == 2 && parties[0] > parties[1] {
		parties[0], parties[1] = parties[1], parties[0]
	}
	balances := map[string]decimal.Decimal{}
	for _, owner := range parties {
		var balText string
		err = tx.QueryRow(ctx,
			`SELECT balance::text FROM accounts WHERE owner_id = $1 AND currency = $2 FOR UPDATE`,
			owner, currency,
		).Scan(&balText)
		if err != nil {
			return fmt.Errorf("lock acquisition failed: %w", err)
		}
		balances[owner], err = decimal.NewFromString(balText)
		if err != nil {
			return fmt.Errorf("balance parse failed: %w", err)
		}
	}

	if payerID != domain.SelfOwner && balances[payerID].LessThan(amount) {
		return domain.ErrInsufficientFunds
	}

	if payerID != domain.SelfOwner {
		_, err = tx.Exec(ctx, `
			UPDATE accounts SET balance = balance - $1::numeric, updated_at = now()
			WHERE owner_id = $2 AND currency = $3`,
			amount.StringFixed(4), payerID, currency,
		)
		if err != nil {
			return fmt.Errorf("debit failed: %w", err)
		}
	}
	if payeeID != domain.SelfOwner {
		_, err = tx.Exec(ctx, `
			UPDATE accounts SET balance = balance + $1::numeric, updated_at = now()
			WHERE owner_id = $2 AND currency = $3`,
			amount.StringFixed(4), payeeID, currency,
		)
		if err != nil {
			return fmt.Errorf("credit failed: %w", err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

func (p *Postgres) GetBalance(ctx context.Context, ownerID string) (*domain.BalanceInfo, error) {
	var balText string
	var count int
	err := p.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(balance), 0)::text, COUNT(*) FROM accounts WHERE owner_id = $1`,
		ownerID,
	).Scan(&balText, &count)
	if err != nil {
		return nil, fmt.Errorf("balance query failed: %w", err)
	}
	if count == 0 && ownerID != domain.SelfOwner {
		return nil, domain.ErrNotFound
	}
	balance, err := decimal.NewFromString(balText)
	if err != nil {
		return nil, fmt.Errorf("balance parse failed: %w", err)
	}

	var pendingText string
	err = p.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)::text FROM transactions
		WHERE (payer_id = $1 OR payee_id = $1) AND status IN ('pending', 'processing')`,
		ownerID,
	).Scan(&pendingText)
	if err != nil {
		return nil, fmt.Errorf("pending sum failed: %w", err)
	}
	pending, err := decimal.NewFromString(pendingText)
	if err != nil {
		return nil, fmt.Errorf("pending parse failed: %w", err)
	}

	return &domain.BalanceInfo{
		OwnerID:          ownerID,
		Balance:          balance,
		AvailableBalance: balance.Sub(pending),
		PendingBalance:   pending,
	}, nil
}

func (p *Postgres) GetAccount(ctx context.Context, ownerID, currency string) (*domain.Account, error) {
	var acc domain.Account
	var balText string
	err := p.pool.QueryRow(ctx, `
		SELECT id, owner_id, type, balance::text, currency, status, created_at, updated_at
		FROM accounts WHERE owner_id = $1 AND currency = $2`,
		ownerID, currency,
	).Scan(&acc.ID, &acc.OwnerID, &acc.Type, &balText, &acc.Currency,
		&acc.Status, &acc.CreatedAt, &acc.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("account lookup failed: %w", err)
	}
	acc.Balance, err = decimal.NewFromString(balText)
	if err != nil {
		return nil, fmt.Errorf("balance parse failed: %w", err)
	}
	return &acc, nil
}

func (p *Postgres) SumRefunded(ctx context.Context, originalID string) (decimal.Decimal, error) {
	var text string
	err := p.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)::text FROM transactions
		WHERE metadata->>$1 = $2 AND status = 'completed'`,
		domain.MetaOriginalTransaction, originalID,
	).Scan(&text)
	if err != nil {
		return decimal.Zero, fmt.Errorf("refund sum failed: %w", err)
	}
	total, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Zero, fmt.Errorf("refund sum parse failed: %w", err)
	}
	return total, nil
}

func (p *Postgres) ListStaleProcessing(ctx context.Context, cutoff time.Time) ([]domain.Transaction, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+txnColumns+` FROM transactions
		WHERE status = 'processing' AND updated_at < $1
		ORDER BY updated_at ASC`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("stale query failed: %w", err)
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("transaction scan failed: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var t domain.Transaction
	var amountText string
	var metaJSON []byte
	err := row.Scan(&t.ID, &t.PayerID, &t.PayeeID, &amountText, &t.Currency,
		&t.Status, &t.PaymentMethod, &t.ProcessorReference, &metaJSON,
		&t.CreatedAt, &t.UpdatedAt, &t.CompletedAt)
	if err != nil {
		return nil, err
	}
	t.Amount, err = decimal.NewFromString(amountText)
	if err != nil {
		return nil, fmt.Errorf("amount parse failed: %w", err)
	}
	if err := json.Unmarshal(metaJSON, &t.Metadata); err != nil {
		return nil, fmt.Errorf("metadata unmarshal failed: %w", err)
	}
	return &t, nil
}
