package models

import (
	"time"

	"github.com/google/uuid"
)

// MonetaryKind is the type of paid event.
type MonetaryKind string

const (
	KindDonation           MonetaryKind = "donation"
	KindHighlightedMessage MonetaryKind = "highlighted_message"
	KindSubscription       MonetaryKind = "subscription"
)

// Valid reports whether k is a known kind.
func (k MonetaryKind) Valid() bool {
	switch k {
	case KindDonation, KindHighlightedMessage, KindSubscription:
		return true
	}
	return false
}

// MonetaryState tracks the payment outcome.
type MonetaryState string

const (
	MonetaryPending   MonetaryState = "pending"
	MonetaryConfirmed MonetaryState = "confirmed"
	MonetaryFailed    MonetaryState = "failed"
)

// MonetaryEvent is a ledger entry. It is immutable once Confirmed or Failed.
// Amounts are in minor units (cents).
type MonetaryEvent struct {
	ID            uuid.UUID     `json:"id"`
	SessionID     uuid.UUID     `json:"session_id"`
	Kind          MonetaryKind  `json:"kind"`
	PayerID       uuid.UUID     `json:"payer_id"`
	AmountMinor   int64         `json:"amount_minor"`
	Currency      string        `json:"currency"`
	PaymentRef    string        `json:"payment_ref"`
	State         MonetaryState `json:"state"`
	Message       string        `json:"message,omitempty"`
	FailureReason string        `json:"failure_reason,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	SettledAt     *time.Time    `json:"settled_at,omitempty"`
}

// CurrencyRevenue is the confirmed revenue for one currency.
type CurrencyRevenue struct {
	Total  int64                  `json:"total"`
	ByKind map[MonetaryKind]int64 `json:"by_kind"`
	Count  int                    `json:"count"`
}

// RevenueSnapshot is a projection of confirmed monetary events. Never persisted as source of truth.
type RevenueSnapshot struct {
	SessionID       uuid.UUID                  `json:"session_id"`
	Currencies      map[string]CurrencyRevenue `json:"currencies"`
	ConfirmedEvents int                        `json:"confirmed_events"`
	PendingEvents   int                        `json:"pending_events"`
	FailedEvents    int                        `json:"failed_events"`
	Finalized       bool                       `json:"finalized"`
	ComputedAt      time.Time                  `json:"computed_at"`
}

// Total returns the confirmed total for currency (0 if none).
func (s RevenueSnapshot) Total(currency string) int64 {
	return s.Currencies[currency].Total
}

// TotalByKind returns the confirmed total for currency and kind.
func (s RevenueSnapshot) TotalByKind(currency string, kind MonetaryKind) int64 {
	return s.Currencies[currency].ByKind[kind]
}
