package ledger

import (
	"context"
	"strings"
	"sync"
	"time"

	"pishop.app/internal/ids"
)

// Store defines ledger persistence. Implementations must keep terminal payment
// states final and allow at most one Transaction per Payment.
type Store interface {
	CreateUser(ctx context.Context, u User) (User, error)
	FindUser(ctx context.Context, id string) (User, error)
	FindUserByExternalID(ctx context.Context, externalID string) (User, error)
	UpdateUserProfile(ctx context.Context, id, username, email string) (User, error)

	Packages(ctx context.Context) ([]Package, error)
	FindPackage(ctx context.Context, id string) (Package, error)

	CreatePayment(ctx context.Context, p Payment) (Payment, error)
	FindPayment(ctx context.Context, id string) (Payment, error)
	ListPayments(ctx context.Context, userID string) ([]Payment, error)
	// UpdatePaymentStatus moves a non-terminal payment to status. A payment that is
	// already terminal yields ErrConflict.
	UpdatePaymentStatus(ctx context.Context, id string, status PaymentStatus) (Payment, error)
	// CompletePayment moves an approved payment to completed and records its
	// Transaction as one unit.
	CompletePayment(ctx context.Context, id, txid string) (Payment, Transaction, error)

	CreateTransaction(ctx context.Context, tx Transaction) (Transaction, error)
	FindTransactionByPayment(ctx context.Context, paymentID string) (Transaction, error)
	// ListTransactionsForUser returns the user's transactions, newest first.
	ListTransactionsForUser(ctx context.Context, userID string) ([]Transaction, error)
}

// InMemory implements Store with in-process concurrency safety.
type InMemory struct {
	mu       sync.RWMutex
	users    map[string]*User
	byExtID  map[string]string // external_id -> user id
	packages map[string]Package
	pkgOrder []string
	payments map[string]*Payment
	payOrder []string
	txs      []Transaction
	txByPay  map[string]int // payment id -> index into txs
	now      func() time.Time
}

// NewInMemory creates a fresh ledger seeded with the given catalog
// (DefaultCatalog when none is passed).
func NewInMemory(catalog ...Package) *InMemory {
	if len(catalog) == 0 {
		catalog = DefaultCatalog()
	}
	s := &InMemory{
		users:    make(map[string]*User),
		byExtID:  make(map[string]string),
		packages: make(map[string]Package, len(catalog)),
		payments: make(map[string]*Payment),
		txByPay:  make(map[string]int),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, p := range catalog {
		if _, dup := s.packages[p.ID]; dup {
			continue
		}
		s.packages[p.ID] = p
		s.pkgOrder = append(s.pkgOrder, p.ID)
	}
	return s
}

func (s *InMemory) CreateUser(ctx context.Context, u User) (User, error) {
	u.ExternalID = strings.TrimSpace(u.ExternalID)
	if u.ExternalID == "" {
		return User{}, ErrConflict
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byExtID[u.ExternalID]; ok {
		return User{}, ErrConflict
	}
	if u.ID == "" {
		u.ID = ids.User()
	}
	if _, ok := s.users[u.ID]; ok {
		return User{}, ErrConflict
	}
	now := s.now()
	u.CreatedAt, u.UpdatedAt = now, now
	stored := u
	s.users[u.ID] = &stored
	s.byExtID[u.ExternalID] = u.ID
	return u, nil
}

func (s *InMemory) FindUser(ctx context.Context, id string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return *u, nil
}

func (s *InMemory) FindUserByExternalID(ctx context.Context, externalID string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byExtID[strings.TrimSpace(externalID)]
	if !ok {
		return User{}, ErrNotFound
	}
	return *s.users[id], nil
}

func (s *InMemory) UpdateUserProfile(ctx context.Context, id, username, email string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	u.Username = username
	u.Email = email
	u.UpdatedAt = s.now()
	return *u, nil
}

func (s *InMemory) Packages(ctx context.Context) ([]Package, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Package, 0, len(s.pkgOrder))
	for _, id := range s.pkgOrder {
		out = append(out, s.packages[id])
	}
	return out, nil
}

func (s *InMemory) FindPackage(ctx context.Context, id string) (Package, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.packages[id]
	if !ok {
		return Package{}, ErrNotFound
	}
	return p, nil
}

func (s *InMemory) CreatePayment(ctx context.Context, p Payment) (Payment, error) {
	if p.Amount <= 0 {
		return Payment{}, ErrInvalidAmount
	}
	if !p.Status.Valid() {
		return Payment{}, ErrInvalidStatus
	}
	if p.Method == "" {
		p.Method = MethodPi
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.payments[p.ID]; ok {
		return Payment{}, ErrConflict
	}
	if _, ok := s.users[p.UserID]; !ok {
		return Payment{}, ErrNotFound
	}
	now := s.now()
	p.CreatedAt, p.UpdatedAt = now, now
	stored := p
	s.payments[p.ID] = &stored
	s.payOrder = append(s.payOrder, p.ID)
	return p, nil
}

func (s *InMemory) FindPayment(ctx context.Context, id string) (Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.payments[id]
	if !ok {
		return Payment{}, ErrNotFound
	}
	return *p, nil
}

func (s *InMemory) ListPayments(ctx context.Context, userID string) ([]Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []Payment
	for i := len(s.payOrder) - 1; i >= 0; i-- {
		p := s.payments[s.payOrder[i]]
		if p.UserID == userID {
			res = append(res, *p)
		}
	}
	return res, nil
}

func (s *InMemory) UpdatePaymentStatus(ctx context.Context, id string, status PaymentStatus) (Payment, error) {
	if !status.Valid() || status == StatusCreated {
		return Payment{}, ErrInvalidStatus
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[id]
	if !ok {
		return Payment{}, ErrNotFound
	}
	// Terminal states never regress, whoever writes last.
	if p.Status.Terminal() {
		return Payment{}, ErrConflict
	}
	p.Status = status
	p.UpdatedAt = s.now()
	return *p, nil
}

func (s *InMemory) CompletePayment(ctx context.Context, id, txid string) (Payment, Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[id]
	if !ok {
		return Payment{}, Transaction{}, ErrNotFound
	}
	if p.Status != StatusApproved {
		return Payment{}, Transaction{}, ErrConflict
	}
	if _, ok := s.txByPay[id]; ok {
		return Payment{}, Transaction{}, ErrConflict
	}
	now := s.now()
	p.Status = StatusCompleted
	p.TxID = txid
	p.UpdatedAt = now

	tx := Transaction{
		ID:        ids.Transaction(),
		UserID:    p.UserID,
		PaymentID: p.ID,
		Amount:    p.Amount,
		TxID:      txid,
		CreatedAt: now,
	}
	s.txByPay[id] = len(s.txs)
	s.txs = append(s.txs, tx)
	return *p, tx, nil
}

func (s *InMemory) CreateTransaction(ctx context.Context, tx Transaction) (Transaction, error) {
	if tx.Amount <= 0 {
		return Transaction{}, ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[tx.PaymentID]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	if p.Status != StatusCompleted || p.UserID != tx.UserID {
		return Transaction{}, ErrInvalidStatus
	}
	if _, ok := s.txByPay[tx.PaymentID]; ok {
		return Transaction{}, ErrConflict
	}
	if tx.ID == "" {
		tx.ID = ids.Transaction()
	}
	tx.CreatedAt = s.now()
	s.txByPay[tx.PaymentID] = len(s.txs)
	s.txs = append(s.txs, tx)
	return tx, nil
}

func (s *InMemory) FindTransactionByPayment(ctx context.Context, paymentID string) (Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.txByPay[paymentID]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	return s.txs[idx], nil
}

func (s *InMemory) ListTransactionsForUser(ctx context.Context, userID string) ([]Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []Transaction
	for i := len(s.txs) - 1; i >= 0; i-- {
		if s.txs[i].UserID == userID {
			res = append(res, s.txs[i])
		}
	}
	return res, nil
}
