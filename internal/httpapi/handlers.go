package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"pishop.app/internal/identity"
	"pishop.app/internal/ledger"
	"pishop.app/internal/obs"
	"pishop.app/internal/platform"
	"pishop.app/internal/price"
)

// Authenticator exchanges provider access tokens for sessions and checks
// session credentials.
type Authenticator interface {
	Verify(ctx context.Context, accessToken string) (identity.Result, error)
	VerifySession(token string) (string, error)
}

// Payments is the payment lifecycle as seen by an authenticated caller.
type Payments interface {
	Create(ctx context.Context, userID, paymentID, packageID string) (ledger.Payment, error)
	Approve(ctx context.Context, userID, paymentID string) (ledger.Payment, error)
	Complete(ctx context.Context, userID, paymentID, txid string) (ledger.Payment, error)
	Cancel(ctx context.Context, userID, paymentID string) (ledger.Payment, error)
	Reconcile(ctx context.Context, userID, paymentID string) (ledger.Payment, error)
	Get(ctx context.Context, userID, paymentID string) (platform.Payment, error)
	List(ctx context.Context, userID string) ([]ledger.Payment, error)
	Transactions(ctx context.Context, userID string) ([]ledger.Transaction, error)
}

// Prices exposes the cached Pi/USD rate.
type Prices interface {
	Current(ctx context.Context) (price.Snapshot, error)
	Peek() (price.Snapshot, bool)
	USDToPi(usd float64) (float64, error)
}

// Catalog lists purchasable packages.
type Catalog interface {
	Packages(ctx context.Context) ([]ledger.Package, error)
}

// Deps are the collaborators the HTTP layer drives.
type Deps struct {
	Auth     Authenticator
	Payments Payments
	Prices   Prices
	Catalog  Catalog
	// Limiter is optional; nil disables rate limiting.
	Limiter *RateLimiter
	// MaxBodyBytes defaults to 1 MiB.
	MaxBodyBytes int64
}

// API is the HTTP layer.
type API struct {
	mux      *http.ServeMux
	auth     Authenticator
	payments Payments
	prices   Prices
	catalog  Catalog
	limiter  *RateLimiter
	maxBody  int64
}

func New(d Deps) *API {
	a := &API{
		mux:      http.NewServeMux(),
		auth:     d.Auth,
		payments: d.Payments,
		prices:   d.Prices,
		catalog:  d.Catalog,
		limiter:  d.Limiter,
		maxBody:  d.MaxBodyBytes,
	}
	if a.maxBody <= 0 {
		a.maxBody = 1 << 20
	}

	a.mux.HandleFunc("/auth", a.handleAuth)
	a.mux.HandleFunc("/price", a.handlePrice)
	a.mux.HandleFunc("/packages", a.handlePackages)
	a.mux.Handle("/payments", a.session(a.handlePaymentsCollection))
	a.mux.Handle("/payments/", a.session(a.handlePaymentResource))
	a.mux.Handle("/transactions", a.session(a.handleTransactions))
	a.mux.Handle("/metrics", obs.Handler())
	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})

	return a
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = MaxBodyBytes(h, a.maxBody)
	h = RateLimit(h, a.limiter)
	h = SecurityHeaders(h)
	h = CORS(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

type priceResponse struct {
	Price       float64   `json:"price"`
	LastUpdated time.Time `json:"lastUpdated"`
}

func (a *API) handlePrice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	snap, err := a.prices.Current(r.Context())
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, priceResponse{Price: snap.Price, LastUpdated: snap.LastUpdated})
}

type packageView struct {
	ledger.Package
	PricePi *float64 `json:"price_pi,omitempty"`
}

type packagesResponse struct {
	Items []packageView `json:"items"`
	Rate  *float64      `json:"rate,omitempty"`
}

func (a *API) handlePackages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	pkgs, err := a.catalog.Packages(r.Context())
	if err != nil {
		handleError(w, r, err)
		return
	}
	resp := packagesResponse{Items: make([]packageView, 0, len(pkgs))}
	if snap, ok := a.prices.Peek(); ok {
		resp.Rate = &snap.Price
	}
	for _, p := range pkgs {
		v := packageView{Package: p}
		if pi, err := a.prices.USDToPi(p.PriceUSD); err == nil {
			pi = roundPi(pi)
			v.PricePi = &pi
		}
		resp.Items = append(resp.Items, v)
	}
	writeJSON(w, http.StatusOK, resp)
}

// roundPi rounds to the 7 decimal places the Pi blockchain carries.
func roundPi(v float64) float64 {
	return decimal.NewFromFloat(v).Round(7).InexactFloat64()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(append(allowed, http.MethodOptions), ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
