package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func seedPayment(t *testing.T, s *InMemory, id string, status PaymentStatus) (User, Payment) {
	t.Helper()
	ctx := context.Background()
	u, err := s.FindUserByExternalID(ctx, "pi-"+id)
	if errors.Is(err, ErrNotFound) {
		u, err = s.CreateUser(ctx, User{Username: "alice", ExternalID: "pi-" + id})
	}
	if err != nil {
		t.Fatalf("user: %v", err)
	}
	p, err := s.CreatePayment(ctx, Payment{
		ID: id, UserID: u.ID, PackageID: "coins-100", Amount: 2.5, Rate: 0.4, Status: status,
	})
	if err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}
	return u, p
}

func TestCreateUserUniqueExternalID(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	u, err := s.CreateUser(ctx, User{Username: "alice", ExternalID: "u1", Email: "a@x.com"})
	if err != nil {
		t.Fatal(err)
	}
	if u.ID == "" {
		t.Fatal("expected generated id")
	}
	if _, err := s.CreateUser(ctx, User{Username: "mallory", ExternalID: "u1"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	got, err := s.FindUserByExternalID(ctx, "u1")
	if err != nil || got.ID != u.ID || got.Username != "alice" {
		t.Fatalf("unexpected lookup: %+v err=%v", got, err)
	}
	if _, err := s.FindUserByExternalID(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateUserProfileKeepsID(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	u, _ := s.CreateUser(ctx, User{Username: "alice", ExternalID: "u1"})
	got, err := s.UpdateUserProfile(ctx, u.ID, "alice2", "new@x.com")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != u.ID || got.ExternalID != "u1" || got.Username != "alice2" || got.Email != "new@x.com" {
		t.Fatalf("unexpected profile: %+v", got)
	}
}

func TestTerminalStatusNeverRegresses(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	seedPayment(t, s, "pay-1", StatusApproved)

	if _, err := s.UpdatePaymentStatus(ctx, "pay-1", StatusCancelled); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpdatePaymentStatus(ctx, "pay-1", StatusApproved); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if _, _, err := s.CompletePayment(ctx, "pay-1", "tx"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict completing cancelled payment, got %v", err)
	}
	p, _ := s.FindPayment(ctx, "pay-1")
	if p.Status != StatusCancelled {
		t.Fatalf("status regressed to %s", p.Status)
	}
	if _, err := s.UpdatePaymentStatus(ctx, "missing", StatusCancelled); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCompletePaymentCreatesSingleTransaction(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	u, _ := seedPayment(t, s, "pay-1", StatusApproved)

	p, tx, err := s.CompletePayment(ctx, "pay-1", "chain-tx")
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != StatusCompleted || tx.PaymentID != "pay-1" || tx.Amount != 2.5 || tx.TxID != "chain-tx" {
		t.Fatalf("unexpected result: %+v %+v", p, tx)
	}
	if _, _, err := s.CompletePayment(ctx, "pay-1", "chain-tx"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on second completion, got %v", err)
	}
	if _, err := s.CreateTransaction(ctx, Transaction{UserID: u.ID, PaymentID: "pay-1", Amount: 2.5}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on duplicate transaction, got %v", err)
	}
	txs, _ := s.ListTransactionsForUser(ctx, u.ID)
	if len(txs) != 1 {
		t.Fatalf("expected exactly one transaction, got %d", len(txs))
	}
}

func TestCreateTransactionRequiresCompletedPayment(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	u, _ := seedPayment(t, s, "pay-1", StatusApproved)
	if _, err := s.CreateTransaction(ctx, Transaction{UserID: u.ID, PaymentID: "pay-1", Amount: 2.5}); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
	if _, err := s.CreateTransaction(ctx, Transaction{UserID: u.ID, PaymentID: "nope", Amount: 1}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListTransactionsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	u, _ := s.CreateUser(ctx, User{Username: "bob", ExternalID: "b"})
	for _, id := range []string{"p1", "p2", "p3"} {
		if _, err := s.CreatePayment(ctx, Payment{ID: id, UserID: u.ID, Amount: 1, Status: StatusApproved}); err != nil {
			t.Fatal(err)
		}
		if _, _, err := s.CompletePayment(ctx, id, "tx-"+id); err != nil {
			t.Fatal(err)
		}
	}
	txs, _ := s.ListTransactionsForUser(ctx, u.ID)
	if len(txs) != 3 || txs[0].PaymentID != "p3" || txs[2].PaymentID != "p1" {
		t.Fatalf("expected newest first, got %+v", txs)
	}
}

func TestConcurrentCompletionsYieldOneTransaction(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	u, _ := seedPayment(t, s, "pay-1", StatusApproved)

	var (
		wg        sync.WaitGroup
		successes atomic.Int32
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := s.CompletePayment(ctx, "pay-1", "chain-tx"); err == nil {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	if successes.Load() != 1 {
		t.Fatalf("expected exactly one successful completion, got %d", successes.Load())
	}
	txs, _ := s.ListTransactionsForUser(ctx, u.ID)
	if len(txs) != 1 {
		t.Fatalf("expected one transaction, got %d", len(txs))
	}
}

func TestCreatePaymentValidation(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	u, _ := s.CreateUser(ctx, User{Username: "alice", ExternalID: "u1"})
	if _, err := s.CreatePayment(ctx, Payment{ID: "p", UserID: u.ID, Amount: 0, Status: StatusCreated}); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := s.CreatePayment(ctx, Payment{ID: "p", UserID: u.ID, Amount: 1, Status: "bogus"}); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
	if _, err := s.CreatePayment(ctx, Payment{ID: "p", UserID: "ghost", Amount: 1, Status: StatusCreated}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown user, got %v", err)
	}
	p, err := s.CreatePayment(ctx, Payment{ID: "p", UserID: u.ID, Amount: 1, Status: StatusCreated})
	if err != nil {
		t.Fatal(err)
	}
	if p.Method != MethodPi {
		t.Fatalf("expected default method, got %q", p.Method)
	}
	if _, err := s.CreatePayment(ctx, Payment{ID: "p", UserID: u.ID, Amount: 1, Status: StatusCreated}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestPackagesCatalog(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	pkgs, _ := s.Packages(ctx)
	if len(pkgs) != len(DefaultCatalog()) {
		t.Fatalf("unexpected catalog size %d", len(pkgs))
	}
	p, err := s.FindPackage(ctx, "coins-100")
	if err != nil || p.PriceUSD != 0.99 {
		t.Fatalf("unexpected package: %+v err=%v", p, err)
	}
	if _, err := s.FindPackage(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
