// Package fraud implements real-time transaction fraud scoring.
//
// Every transaction is run through six evaluators in a fixed order:
// blocklist, amount anomaly, velocity, geolocation, time-of-day and device
// fingerprint. Each contributes at most one signal; the signal scores are
// summed, clamped to [0, 100] and mapped to APPROVE, REVIEW or DECLINE.
//
// Scoring is pure in-memory computation. Per-account velocity profiles and
// device histories live in sharded maps so that accounts are scored in
// parallel while evaluations for the same account are serialized.
package fraud

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidIdentifier = errors.New("identifier must be non-empty without surrounding whitespace")
)

// Decision is the engine's verdict on a transaction.
type Decision string

const (
	DecisionApprove Decision = "APPROVE"
	DecisionReview  Decision = "REVIEW"
	DecisionDecline Decision = "DECLINE"
)

// Score boundaries of the decision policy, on the 0-100 scale.
const (
	MaxScore            = 100.0
	DeclineScore        = 90.0
	RequiresReviewScore = 50.0

	// DefaultThreshold is the REVIEW/APPROVE boundary as configured,
	// a fraction of MaxScore.
	DefaultThreshold = 0.75
)

// Location is where a transaction took place.
type Location struct {
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	Country string  `json:"country,omitempty"`
	City    string  `json:"city,omitempty"`
}

// Transaction is a single card transaction submitted for scoring. The
// engine trusts its shape; validation happens before it gets here.
type Transaction struct {
	ID                string    `json:"id"`
	AccountID         string    `json:"accountId"`
	CardNumber        string    `json:"cardNumber"`
	Amount            float64   `json:"amount"`
	Currency          string    `json:"currency"`
	MerchantID        string    `json:"merchantId"`
	MerchantCategory  string    `json:"merchantCategory"`
	Location          *Location `json:"location,omitempty"`
	DeviceFingerprint string    `json:"deviceFingerprint,omitempty"`
	IPAddress         string    `json:"ipAddress,omitempty"`
	Timestamp         int64     `json:"timestamp"` // epoch ms
}

// Time returns the transaction timestamp as a time.Time.
func (tx *Transaction) Time() time.Time {
	return time.UnixMilli(tx.Timestamp)
}

// Result is the outcome of scoring one transaction.
type Result struct {
	TransactionID  string   `json:"transactionId"`
	AccountID      string   `json:"-"`
	FraudScore     float64  `json:"fraudScore"`
	Decision       Decision `json:"decision"`
	Signals        []Signal `json:"signals"`
	LatencyMs      float64  `json:"latencyMs"`
	Timestamp      int64    `json:"timestamp"` // epoch ms at completion
	RequiresReview bool     `json:"requiresReview"`
}

// HasSignal reports whether the result carries a signal of type t.
func (r *Result) HasSignal(t SignalType) bool {
	for _, s := range r.Signals {
		if s.Type == t {
			return true
		}
	}
	return false
}

// Store persists scoring results for the audit trail. The engine never
// calls it; the service records after scoring.
type Store interface {
	Record(ctx context.Context, result *Result) error
	Get(ctx context.Context, transactionID string) (*Result, error)
	ListByAccount(ctx context.Context, accountID string, limit int) ([]*Result, error)
}
