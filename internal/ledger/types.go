package ledger

import (
	"errors"
	"time"
)

// PaymentStatus is the local lifecycle state of a platform payment.
type PaymentStatus string

const (
	StatusCreated   PaymentStatus = "created"
	StatusApproved  PaymentStatus = "approved"
	StatusCompleted PaymentStatus = "completed"
	StatusCancelled PaymentStatus = "cancelled"
)

// Terminal reports whether no further transition is permitted from s.
func (s PaymentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Valid reports whether s is one of the known statuses.
func (s PaymentStatus) Valid() bool {
	switch s {
	case StatusCreated, StatusApproved, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// MethodPi is the only payment method the platform offers.
const MethodPi = "pi"

// User is a player identified by the Pi identity provider.
type User struct {
	ID         string    `json:"id"`
	Username   string    `json:"username"`
	ExternalID string    `json:"external_id"`
	Email      string    `json:"email,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Package is a purchasable bundle of in-game coins.
type Package struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	PriceUSD float64 `json:"price_usd"`
	Coins    int64   `json:"coins"`
}

// Payment mirrors one payment on the Pi platform. ID is the platform identifier
// and doubles as the idempotency key for every transition.
type Payment struct {
	ID        string        `json:"id"`
	UserID    string        `json:"user_id"`
	PackageID string        `json:"package_id"`
	Amount    float64       `json:"amount"` // Pi
	Rate      float64       `json:"rate"`   // USD per Pi at creation
	Method    string        `json:"method"`
	Status    PaymentStatus `json:"status"`
	TxID      string        `json:"txid,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Transaction is the immutable record of a completed payment.
type Transaction struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	PaymentID string    `json:"payment_id"`
	Amount    float64   `json:"amount"`
	TxID      string    `json:"txid"`
	CreatedAt time.Time `json:"created_at"`
}

var (
	ErrNotFound      = errors.New("ledger: not found")
	ErrConflict      = errors.New("ledger: conflict")
	ErrInvalidAmount = errors.New("ledger: invalid amount (must be > 0)")
	ErrInvalidStatus = errors.New("ledger: invalid status")
)
