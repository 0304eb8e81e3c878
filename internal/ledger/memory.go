package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/finmill/paycore/internal/domain"
)

type accountKey struct {
	owner    string
	currency string
}

// Memory is an in-process Ledger with the same semantics as Postgres. It
// backs tests and the all-simulated wiring; a single mutex stands in for
// the row locks the Postgres implementation takes.
type Memory struct {
	mu       sync.Mutex
	accounts map[accountKey]*domain.Account
	txns     map[string]*domain.Transaction
	order    []string // ids in creation order
	idemKeys map[string]string
}

func NewMemory() *Memory {
	return &Memory{
		accounts: make(map[accountKey]*domain.Account),
		txns:     make(map[string]*domain.Transaction),
		idemKeys: make(map[string]string),
	}
}

func (m *Memory) CreateTransaction(_ context.Context, p CreateParams) (*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLocked(p)
}

// CreateRefund holds the mutex across the cap check and the insert, so two
// concurrent refunds of the same original cannot both pass the check.
func (m *Memory) CreateRefund(_ context.Context, originalID string, p CreateParams) (*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	original, ok := m.txns[originalID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if original.Status != domain.StatusCompleted {
		return nil, domain.ErrInvalidTransition
	}

	reserved := decimal.Zero
	for _, t := range m.txns {
		if t.Metadata[domain.MetaOriginalTransaction] != originalID {
			continue
		}
		if t.Status == domain.StatusProcessing || t.Status == domain.StatusCompleted {
			reserved = reserved.Add(t.Amount)
		}
	}
	if reserved.Add(p.Amount).GreaterThan(original.Amount) {
		return nil, domain.ErrRefundExceeded
	}
	return m.createLocked(p)
}

// createLocked inserts a transaction record. Caller must hold m.mu.
func (m *Memory) createLocked(p CreateParams) (*domain.Transaction, error) {
	meta := make(map[string]string, len(p.Metadata))
	for k, v := range p.Metadata {
		meta[k] = v
	}
	if key := meta[domain.MetaIdempotencyKey]; key != "" {
		if _, taken := m.idemKeys[key]; taken {
			return nil, domain.ErrDuplicateKey
		}
	}

	now := time.Now().UTC()
	t := &domain.Transaction{
		ID:            uuid.NewString(),
		PayerID:       p.PayerID,
		PayeeID:       p.PayeeID,
		Amount:        p.Amount,
		Currency:      p.Currency,
		Status:        p.Status,
		PaymentMethod: p.PaymentMethod,
		Metadata:      meta,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	m.txns[t.ID] = t
	m.order = append(m.order, t.ID)
	if key := meta[domain.MetaIdempotencyKey]; key != "" {
		m.idemKeys[key] = t.ID
	}
	return copyTxn(t), nil
}

func (m *Memory) UpdateTransactionStatus(_ context.Context, id string, status domain.TransactionStatus) (*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.txns[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if !transitionAllowed(t.Status, status) {
		return nil, domain.ErrInvalidTransition
	}
	now := time.Now().UTC()
	t.Status = status
	t.UpdatedAt = now
	if status == domain.StatusCompleted {
		completed := now
		t.CompletedAt = &completed
	}
	return copyTxn(t), nil
}

func (m *Memory) UpdateTransaction(_ context.Context, id string, patch Patch) (*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.txns[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if patch.ProcessorReference != nil {
		t.ProcessorReference = *patch.ProcessorReference
	}
	for k, v := range patch.Metadata {
		t.Metadata[k] = v
	}
	t.UpdatedAt = time.Now().UTC()
	return copyTxn(t), nil
}

func (m *Memory) GetTransaction(_ context.Context, id string) (*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.txns[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copyTxn(t), nil
}

func (m *Memory) FindByIdempotencyKey(_ context.Context, key string) (*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.idemKeys[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copyTxn(m.txns[id]), nil
}

func (m *Memory) ListTransactions(_ context.Context, ownerID string, f Filter) ([]domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Transaction
	for i := len(m.order) - 1; i >= 0; i-- {
		t := m.txns[m.order[i]]
		if t.PayerID != ownerID && t.PayeeID != ownerID {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		out = append(out, *copyTxn(t))
	}
	// Creation order is insertion order, but equal timestamps make the
	// sort below the contract, not the loop above.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) ShiftBalance(_ context.Context, payerID, payeeID string, amount decimal.Decimal, currency string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	payer := m.ensureAccountLocked(payerID, currency)
	payee := m.ensureAccountLocked(payeeID, currency)

	if payer != nil {
		if payer.Balance.LessThan(amount) {
			return domain.ErrInsufficientFunds
		}
		payer.Balance = payer.Balance.Sub(amount)
		payer.UpdatedAt = time.Now().UTC()
	}
	if payee != nil {
		payee.Balance = payee.Balance.Add(amount)
		payee.UpdatedAt = time.Now().UTC()
	}
	return nil
}

// ensureAccountLocked returns nil for SELF, which is never debited or
// credited. Caller must hold m.mu.
func (m *Memory) ensureAccountLocked(ownerID, currency string) *domain.Account {
	if ownerID == domain.SelfOwner {
		return nil
	}
	key := accountKey{owner: ownerID, currency: currency}
	if acc, ok := m.accounts[key]; ok {
		return acc
	}
	now := time.Now().UTC()
	acc := &domain.Account{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Type:      domain.AccountTypeUser,
		Balance:   decimal.Zero,
		Currency:  currency,
		Status:    domain.AccountStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.accounts[key] = acc
	return acc
}

func (m *Memory) GetBalance(_ context.Context, ownerID string) (*domain.BalanceInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	balance := decimal.Zero
	found := false
	for key, acc := range m.accounts {
		if key.owner == ownerID {
			balance = balance.Add(acc.Balance)
			found = true
		}
	}
	if !found && ownerID != domain.SelfOwner {
		return nil, domain.ErrNotFound
	}

	pending := decimal.Zero
	for _, t := range m.txns {
		if t.PayerID != ownerID && t.PayeeID != ownerID {
			continue
		}
		if t.Status == domain.StatusPending || t.Status == domain.StatusProcessing {
			pending = pending.Add(t.Amount)
		}
	}

	return &domain.BalanceInfo{
		OwnerID:          ownerID,
		Balance:          balance,
		AvailableBalance: balance.Sub(pending),
		PendingBalance:   pending,
	}, nil
}

func (m *Memory) GetAccount(_ context.Context, ownerID, currency string) (*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc, ok := m.accounts[accountKey{owner: ownerID, currency: currency}]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *acc
	return &cp, nil
}

// Seed provisions an account with an opening balance. Used by tests and
// the simulated bootstrap; production accounts are created lazily.
func (m *Memory) Seed(ownerID, currency string, typ domain.AccountType, balance decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc := m.ensureAccountLocked(ownerID, currency)
	if acc == nil {
		return
	}
	acc.Type = typ
	acc.Balance = balance
}

func (m *Memory) SumRefunded(_ context.Context, originalID string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := decimal.Zero
	for _, t := range m.txns {
		if t.Metadata[domain.MetaOriginalTransaction] == originalID && t.Status == domain.StatusCompleted {
			total = total.Add(t.Amount)
		}
	}
	return total, nil
}

func (m *Memory) ListStaleProcessing(_ context.Context, cutoff time.Time) ([]domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Transaction
	for _, id := range m.order {
		t := m.txns[id]
		if t.Status == domain.StatusProcessing && t.UpdatedAt.Before(cutoff) {
			out = append(out, *copyTxn(t))
		}
	}
	return out, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func copyTxn(t *domain.Transaction) *domain.Transaction {
	cp := *t
	cp.Metadata = make(map[string]string, len(t.Metadata))
	for k, v := range t.Metadata {
		cp.Metadata[k] = v
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		cp.CompletedAt = &completed
	}
	return &cp
}
