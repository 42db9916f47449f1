// Package payments drives platform payments through approve, complete and
// cancel, and records each confirmed outcome in the ledger.
package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"pishop.app/internal/audit"
	"pishop.app/internal/ledger"
	"pishop.app/internal/obs"
	"pishop.app/internal/platform"
	"pishop.app/internal/price"
)

// Platform is the subset of the Pi payment API the orchestrator drives.
type Platform interface {
	Get(ctx context.Context, paymentID string) (platform.Payment, error)
	Approve(ctx context.Context, paymentID string) (platform.Payment, error)
	Complete(ctx context.Context, paymentID, txid string) (platform.Payment, error)
	Cancel(ctx context.Context, paymentID string) (platform.Payment, error)
}

// Rates supplies the USD per Pi rate used to validate amounts.
type Rates interface {
	Current(ctx context.Context) (price.Snapshot, error)
}

const (
	// DefaultTolerance is the accepted relative amount deviation (1%).
	DefaultTolerance = 0.01
	// DefaultTimeout bounds one operation: lock wait, upstream call and store write.
	DefaultTimeout = 10 * time.Second
)

// Orchestrator drives payments through the platform and records them in the ledger.
type Orchestrator struct {
	platform  Platform
	store     ledger.Store
	rates     Rates
	locker    Locker
	tolerance float64
	timeout   time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLocker replaces the default in-process per-payment lock.
func WithLocker(l Locker) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.locker = l
		}
	}
}

// WithTolerance sets the accepted relative deviation between the paid amount
// and the package price converted at the current rate.
func WithTolerance(t float64) Option {
	return func(o *Orchestrator) {
		if t >= 0 {
			o.tolerance = t
		}
	}
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// New returns an Orchestrator with DefaultTolerance, DefaultTimeout and a KeyedMutex unless overridden.
func New(p Platform, store ledger.Store, rates Rates, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		platform:  p,
		store:     store,
		rates:     rates,
		locker:    NewKeyedMutex(),
		tolerance: DefaultTolerance,
		timeout:   DefaultTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Create records a platform payment the caller intends to approve later.
// Repeating the call for a payment the caller already owns returns it unchanged.
func (o *Orchestrator) Create(ctx context.Context, userID, paymentID, packageID string) (res ledger.Payment, err error) {
	defer func() { o.record("create", paymentID, err) }()

	ctx, done, err := o.begin(ctx, paymentID)
	if err != nil {
		return ledger.Payment{}, err
	}
	defer done()

	p, found, err := o.local(ctx, userID, paymentID)
	if err != nil || found {
		return p, err
	}
	pp, err := o.fetchOwned(ctx, userID, paymentID)
	if err != nil {
		return ledger.Payment{}, err
	}
	if platformTerminal(pp) {
		return ledger.Payment{}, ErrAlreadyTerminal
	}
	pkg, rate, err := o.validate(ctx, pp, packageID)
	if err != nil {
		return ledger.Payment{}, err
	}
	p, err = o.insert(ctx, userID, paymentID, pp.Amount, pkg.ID, rate, ledger.StatusCreated)
	if err != nil {
		return ledger.Payment{}, err
	}
	o.audit(ctx, audit.EventPaymentCreated, p)
	return p, nil
}

// Approve approves the payment on the platform and records it locally.
// Approving an approved payment is a no-op success.
func (o *Orchestrator) Approve(ctx context.Context, userID, paymentID string) (res ledger.Payment, err error) {
	defer func() { o.record("approve", paymentID, err) }()

	ctx, done, err := o.begin(ctx, paymentID)
	if err != nil {
		return ledger.Payment{}, err
	}
	defer done()

	p, found, err := o.local(ctx, userID, paymentID)
	if err != nil {
		return ledger.Payment{}, err
	}
	if found {
		switch p.Status {
		case ledger.StatusApproved:
			return p, nil
		case ledger.StatusCompleted, ledger.StatusCancelled:
			return ledger.Payment{}, ErrAlreadyTerminal
		}
		if err := o.callApprove(ctx, paymentID); err != nil {
			return ledger.Payment{}, err
		}
		p, err = o.store.UpdatePaymentStatus(ctx, paymentID, ledger.StatusApproved)
		if err != nil {
			return ledger.Payment{}, storeErr("approve", err)
		}
		o.audit(ctx, audit.EventPaymentApproved, p)
		return p, nil
	}

	pp, err := o.fetchOwned(ctx, userID, paymentID)
	if err != nil {
		return ledger.Payment{}, err
	}
	if platformTerminal(pp) {
		return ledger.Payment{}, ErrAlreadyTerminal
	}
	return o.ensureApproved(ctx, userID, paymentID, ledger.Payment{}, false, pp)
}

// Complete confirms the blockchain transaction with the platform, then marks
// the payment completed and records its Transaction in one store operation.
func (o *Orchestrator) Complete(ctx context.Context, userID, paymentID, txid string) (res ledger.Payment, err error) {
	defer func() { o.record("complete", paymentID, err) }()

	txid = strings.TrimSpace(txid)
	if txid == "" {
		return ledger.Payment{}, fmt.Errorf("%w: txid is required", ErrRejected)
	}
	ctx, done, err := o.begin(ctx, paymentID)
	if err != nil {
		return ledger.Payment{}, err
	}
	defer done()

	p, found, err := o.local(ctx, userID, paymentID)
	if err != nil {
		return ledger.Payment{}, err
	}
	if !found {
		return ledger.Payment{}, ErrNotFound
	}
	switch p.Status {
	case ledger.StatusCompleted:
		if p.TxID == txid {
			return p, nil
		}
		return ledger.Payment{}, ErrAlreadyTerminal
	case ledger.StatusCancelled:
		return ledger.Payment{}, ErrAlreadyTerminal
	case ledger.StatusCreated:
		return ledger.Payment{}, ErrNotApproved
	}
	return o.complete(ctx, p, txid)
}

// Cancel cancels the payment on the platform and locally. Cancelling a
// cancelled payment is a no-op; cancelling a completed one is refused.
func (o *Orchestrator) Cancel(ctx context.Context, userID, paymentID string) (res ledger.Payment, err error) {
	defer func() { o.record("cancel", paymentID, err) }()

	ctx, done, err := o.begin(ctx, paymentID)
	if err != nil {
		return ledger.Payment{}, err
	}
	defer done()

	p, found, err := o.local(ctx, userID, paymentID)
	if err != nil {
		return ledger.Payment{}, err
	}
	if found {
		switch p.Status {
		case ledger.StatusCompleted:
			return ledger.Payment{}, ErrAlreadyTerminal
		case ledger.StatusCancelled:
			return p, nil
		}
		if err := o.callCancel(ctx, paymentID); err != nil {
			return ledger.Payment{}, err
		}
		return o.markCancelled(ctx, paymentID)
	}

	pp, err := o.fetchOwned(ctx, userID, paymentID)
	if err != nil {
		return ledger.Payment{}, err
	}
	if pp.Status.DeveloperCompleted {
		return ledger.Payment{}, ErrAlreadyTerminal
	}
	if !pp.Cancelled() {
		if err := o.callCancel(ctx, paymentID); err != nil {
			return ledger.Payment{}, err
		}
	}
	return o.insertCancelled(ctx, userID, paymentID, pp)
}

// Get reads the payment from the platform. It never writes locally.
func (o *Orchestrator) Get(ctx context.Context, userID, paymentID string) (platform.Payment, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	if _, _, err := o.local(ctx, userID, paymentID); err != nil {
		return platform.Payment{}, err
	}
	return o.fetchOwned(ctx, userID, paymentID)
}

// Reconcile brings the local record in line with the platform's view: a
// platform cancellation is mirrored, a developer-completed payment gets its
// Transaction, and a verified but uncompleted transaction is completed.
func (o *Orchestrator) Reconcile(ctx context.Context, userID, paymentID string) (res ledger.Payment, err error) {
	defer func() { o.record("reconcile", paymentID, err) }()

	ctx, done, err := o.begin(ctx, paymentID)
	if err != nil {
		return ledger.Payment{}, err
	}
	defer done()

	p, found, err := o.local(ctx, userID, paymentID)
	if err != nil {
		return ledger.Payment{}, err
	}
	if found && p.Status.Terminal() {
		return p, nil
	}
	pp, err := o.fetchOwned(ctx, userID, paymentID)
	if err != nil {
		return ledger.Payment{}, err
	}

	switch {
	case pp.Cancelled():
		if found {
			return o.markCancelled(ctx, paymentID)
		}
		return o.insertCancelled(ctx, userID, paymentID, pp)

	case pp.Status.DeveloperCompleted:
		p, err = o.ensureApproved(ctx, userID, paymentID, p, found, pp)
		if err != nil {
			return ledger.Payment{}, err
		}
		var txid string
		if pp.Transaction != nil {
			txid = pp.Transaction.TxID
		}
		return o.recordCompletion(ctx, paymentID, txid)

	case pp.Transaction != nil:
		p, err = o.ensureApproved(ctx, userID, paymentID, p, found, pp)
		if err != nil {
			return ledger.Payment{}, err
		}
		return o.complete(ctx, p, pp.Transaction.TxID)

	case pp.Status.DeveloperApproved:
		return o.ensureApproved(ctx, userID, paymentID, p, found, pp)
	}

	if found {
		return p, nil
	}
	pkg, rate, err := o.validate(ctx, pp, "")
	if err != nil {
		return ledger.Payment{}, err
	}
	p, err = o.insert(ctx, userID, paymentID, pp.Amount, pkg.ID, rate, ledger.StatusCreated)
	if err != nil {
		return ledger.Payment{}, err
	}
	o.audit(ctx, audit.EventPaymentCreated, p)
	return p, nil
}

// List returns the caller's payments, newest first.
func (o *Orchestrator) List(ctx context.Context, userID string) ([]ledger.Payment, error) {
	ps, err := o.store.ListPayments(ctx, userID)
	if err != nil {
		return nil, storeErr("list payments", err)
	}
	return ps, nil
}

// Transactions returns the caller's transactions, newest first.
func (o *Orchestrator) Transactions(ctx context.Context, userID string) ([]ledger.Transaction, error) {
	txs, err := o.store.ListTransactionsForUser(ctx, userID)
	if err != nil {
		return nil, storeErr("list transactions", err)
	}
	return txs, nil
}

func (o *Orchestrator) begin(ctx context.Context, paymentID string) (context.Context, func(), error) {
	if strings.TrimSpace(paymentID) == "" {
		return nil, nil, ErrNotFound
	}
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	unlock, err := o.locker.Lock(ctx, paymentID)
	if err != nil {
		cancel()
		if errors.Is(err, context.Canceled) {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("%w: acquire payment lock: %v", ErrUpstreamUnavailable, err)
	}
	return ctx, func() {
		unlock()
		cancel()
	}, nil
}

// local returns the caller's local payment. A payment owned by someone else is
// reported as ErrNotFound.
func (o *Orchestrator) local(ctx context.Context, userID, paymentID string) (ledger.Payment, bool, error) {
	p, err := o.store.FindPayment(ctx, paymentID)
	if errors.Is(err, ledger.ErrNotFound) {
		return ledger.Payment{}, false, nil
	}
	if err != nil {
		return ledger.Payment{}, false, storeErr("find payment", err)
	}
	if p.UserID != userID {
		return ledger.Payment{}, false, ErrNotFound
	}
	return p, true, nil
}

func (o *Orchestrator) fetchOwned(ctx context.Context, userID, paymentID string) (platform.Payment, error) {
	u, err := o.store.FindUser(ctx, userID)
	if err != nil {
		return platform.Payment{}, storeErr("find user", err)
	}
	pp, err := o.platform.Get(ctx, paymentID)
	if err != nil {
		return platform.Payment{}, upstreamErr("get", err)
	}
	if pp.UserUID != u.ExternalID {
		return platform.Payment{}, ErrNotFound
	}
	return pp, nil
}

// validate resolves the package the payment pays for and checks the amount
// against its USD price at the current rate.
func (o *Orchestrator) validate(ctx context.Context, pp platform.Payment, packageID string) (ledger.Package, float64, error) {
	meta := pp.PackageID()
	if packageID == "" {
		packageID = meta
	}
	if packageID == "" {
		return ledger.Package{}, 0, fmt.Errorf("%w: payment carries no package", ErrRejected)
	}
	if meta != "" && meta != packageID {
		return ledger.Package{}, 0, fmt.Errorf("%w: package %q does not match payment metadata %q", ErrRejected, packageID, meta)
	}
	pkg, err := o.store.FindPackage(ctx, packageID)
	if errors.Is(err, ledger.ErrNotFound) {
		return ledger.Package{}, 0, fmt.Errorf("%w: unknown package %q", ErrRejected, packageID)
	}
	if err != nil {
		return ledger.Package{}, 0, storeErr("find package", err)
	}
	snap, err := o.rates.Current(ctx)
	if err != nil {
		return ledger.Package{}, 0, err
	}
	if err := o.checkAmount(pp.Amount, pkg.PriceUSD, snap.Price); err != nil {
		return ledger.Package{}, 0, err
	}
	return pkg, snap.Price, nil
}

func (o *Orchestrator) checkAmount(amount, priceUSD, rate float64) error {
	if amount <= 0 || rate <= 0 {
		return fmt.Errorf("%w: amount %v at rate %v", ErrAmountMismatch, amount, rate)
	}
	got := decimal.NewFromFloat(amount)
	expected := decimal.NewFromFloat(priceUSD).DivRound(decimal.NewFromFloat(rate), 12)
	slack := expected.Mul(decimal.NewFromFloat(o.tolerance))
	if got.Sub(expected).Abs().GreaterThan(slack) {
		return fmt.Errorf("%w: got %s, expected %s", ErrAmountMismatch, got.StringFixed(7), expected.StringFixed(7))
	}
	return nil
}

// ensureApproved brings a payment that is not yet terminal to approved, both
// on the platform and locally. Unknown payments are validated before approval
// unless the platform already completed them.
func (o *Orchestrator) ensureApproved(ctx context.Context, userID, paymentID string, p ledger.Payment, found bool, pp platform.Payment) (ledger.Payment, error) {
	if found && p.Status == ledger.StatusApproved {
		return p, nil
	}

	var (
		pkgID string
		rate  float64
	)
	if !found {
		if pp.Status.DeveloperCompleted {
			pkgID = o.knownPackage(ctx, pp.PackageID())
			rate = o.currentRate(ctx)
		} else {
			pkg, r, err := o.validate(ctx, pp, "")
			if err != nil {
				return ledger.Payment{}, err
			}
			pkgID, rate = pkg.ID, r
		}
	}

	if !pp.Status.DeveloperApproved {
		if err := o.callApprove(ctx, paymentID); err != nil {
			return ledger.Payment{}, err
		}
	}

	var err error
	if found {
		p, err = o.store.UpdatePaymentStatus(ctx, paymentID, ledger.StatusApproved)
		if err != nil {
			return ledger.Payment{}, storeErr("approve", err)
		}
	} else {
		p, err = o.insert(ctx, userID, paymentID, pp.Amount, pkgID, rate, ledger.StatusApproved)
		if err != nil {
			return ledger.Payment{}, err
		}
	}
	o.audit(ctx, audit.EventPaymentApproved, p)
	return p, nil
}

func (o *Orchestrator) complete(ctx context.Context, p ledger.Payment, txid string) (ledger.Payment, error) {
	if err := o.callComplete(ctx, p.ID, txid); err != nil {
		return ledger.Payment{}, err
	}
	return o.recordCompletion(ctx, p.ID, txid)
}

func (o *Orchestrator) recordCompletion(ctx context.Context, paymentID, txid string) (ledger.Payment, error) {
	p, tx, err := o.store.CompletePayment(ctx, paymentID, txid)
	if err != nil {
		return ledger.Payment{}, storeErr("complete", err)
	}
	o.audit(ctx, audit.EventPaymentCompleted, p, "transaction_id", tx.ID)
	return p, nil
}

func (o *Orchestrator) markCancelled(ctx context.Context, paymentID string) (ledger.Payment, error) {
	p, err := o.store.UpdatePaymentStatus(ctx, paymentID, ledger.StatusCancelled)
	if err != nil {
		return ledger.Payment{}, storeErr("cancel", err)
	}
	o.audit(ctx, audit.EventPaymentCancelled, p)
	return p, nil
}

func (o *Orchestrator) insertCancelled(ctx context.Context, userID, paymentID string, pp platform.Payment) (ledger.Payment, error) {
	pkgID := o.knownPackage(ctx, pp.PackageID())
	// Rate 0 means unknown: no quote was available. Cancelled payments never produce a Transaction.
	p, err := o.insert(ctx, userID, paymentID, pp.Amount, pkgID, o.currentRate(ctx), ledger.StatusCancelled)
	if err != nil {
		return ledger.Payment{}, err
	}
	o.audit(ctx, audit.EventPaymentCancelled, p)
	return p, nil
}

func (o *Orchestrator) insert(ctx context.Context, userID, paymentID string, amount float64, packageID string, rate float64, status ledger.PaymentStatus) (ledger.Payment, error) {
	p, err := o.store.CreatePayment(ctx, ledger.Payment{
		ID:        paymentID,
		UserID:    userID,
		PackageID: packageID,
		Amount:    amount,
		Rate:      rate,
		Method:    ledger.MethodPi,
		Status:    status,
	})
	if err != nil {
		return ledger.Payment{}, storeErr("record payment", err)
	}
	return p, nil
}

// knownPackage returns id when it names a catalog package, "" otherwise.
func (o *Orchestrator) knownPackage(ctx context.Context, id string) string {
	if id == "" {
		return ""
	}
	if _, err := o.store.FindPackage(ctx, id); err != nil {
		return ""
	}
	return id
}

func (o *Orchestrator) currentRate(ctx context.Context) float64 {
	snap, err := o.rates.Current(ctx)
	if err != nil {
		return 0
	}
	return snap.Price
}

func (o *Orchestrator) callApprove(ctx context.Context, paymentID string) error {
	_, err := o.platform.Approve(ctx, paymentID)
	err = o.alreadyApplied(ctx, paymentID, err, func(pp platform.Payment) bool {
		return pp.Status.DeveloperApproved
	})
	return upstreamErr("approve", err)
}

func (o *Orchestrator) callComplete(ctx context.Context, paymentID, txid string) error {
	_, err := o.platform.Complete(ctx, paymentID, txid)
	err = o.alreadyApplied(ctx, paymentID, err, func(pp platform.Payment) bool {
		return pp.Status.DeveloperCompleted && pp.Transaction != nil && pp.Transaction.TxID == txid
	})
	return upstreamErr("complete", err)
}

func (o *Orchestrator) callCancel(ctx context.Context, paymentID string) error {
	_, err := o.platform.Cancel(ctx, paymentID)
	err = o.alreadyApplied(ctx, paymentID, err, platform.Payment.Cancelled)
	return upstreamErr("cancel", err)
}

// alreadyApplied turns a rejected call into success when the platform already
// shows its effect, as happens when a previous attempt succeeded upstream but
// failed locally.
func (o *Orchestrator) alreadyApplied(ctx context.Context, paymentID string, callErr error, applied func(platform.Payment) bool) error {
	if !errors.Is(callErr, platform.ErrRejected) {
		return callErr
	}
	pp, err := o.platform.Get(ctx, paymentID)
	if err == nil && applied(pp) {
		return nil
	}
	return callErr
}

func platformTerminal(pp platform.Payment) bool {
	return pp.Cancelled() || pp.Status.DeveloperCompleted
}

func (o *Orchestrator) record(action, paymentID string, err error) {
	obs.ObservePayment(action, outcome(err))
	if err != nil && !errors.Is(err, ErrNotFound) {
		obs.Warn("payment_"+action+"_failed", map[string]any{"payment_id": paymentID, "err": err})
	}
}

func (o *Orchestrator) audit(ctx context.Context, event string, p ledger.Payment, kv ...string) {
	fields := map[string]any{
		"payment_id": p.ID,
		"owner_id":   p.UserID,
		"package_id": p.PackageID,
		"amount":     p.Amount,
		"status":     string(p.Status),
	}
	if p.TxID != "" {
		fields["txid"] = p.TxID
	}
	for i := 0; i+1 < len(kv); i += 2 {
		fields[kv[i]] = kv[i+1]
	}
	if err := audit.LogEvent(ctx, event, fields); err != nil {
		obs.Error("audit_log_failed", map[string]any{"event": event, "err": err})
	}
}

func logLockRelease(key string, err error) {
	obs.Warn("payment_lock_release_failed", map[string]any{"payment_id": key, "err": err})
}
