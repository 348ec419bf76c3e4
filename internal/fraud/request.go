package fraud

import (
	"strings"

	"github.com/mbd888/fraudgate/internal/validation"
)

// CheckRequest is the wire shape of a transaction submitted for scoring,
// over HTTP or Kafka.
type CheckRequest struct {
	ID                string           `json:"id" validate:"required,max=128"`
	AccountID         string           `json:"accountId" validate:"required,max=128"`
	CardNumber        string           `json:"cardNumber" validate:"required,min=4,max=32"`
	Amount            float64          `json:"amount" validate:"gt=0"`
	Currency          string           `json:"currency" validate:"required,iso4217"`
	MerchantID        string           `json:"merchantId" validate:"required,max=128"`
	MerchantCategory  string           `json:"merchantCategory" validate:"required,max=64"`
	Location          *LocationRequest `json:"location,omitempty" validate:"omitempty"`
	DeviceFingerprint string           `json:"deviceFingerprint,omitempty" validate:"omitempty,max=256"`
	IPAddress         string           `json:"ipAddress,omitempty" validate:"omitempty,ip"`
	Timestamp         int64            `json:"timestamp,omitempty" validate:"gte=0"` // epoch ms, defaults to now
}

// LocationRequest is the wire shape of a transaction location.
type LocationRequest struct {
	Lat     float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lon     float64 `json:"lon" validate:"gte=-180,lte=180"`
	Country string  `json:"country,omitempty" validate:"omitempty,max=64"`
	City    string  `json:"city,omitempty" validate:"omitempty,max=128"`
}

// Validate checks the request; nil means valid.
func (r *CheckRequest) Validate() validation.ValidationErrors {
	errs := validation.Struct(r)
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// Transaction converts a validated request into an engine transaction.
func (r *CheckRequest) Transaction() *Transaction {
	tx := &Transaction{
		ID:                validation.SanitizeString(r.ID, validation.MaxIdentifierLength),
		AccountID:         validation.SanitizeString(r.AccountID, validation.MaxIdentifierLength),
		CardNumber:        validation.SanitizeString(r.CardNumber, validation.MaxIdentifierLength),
		Amount:            r.Amount,
		Currency:          strings.ToUpper(r.Currency),
		MerchantID:        validation.SanitizeString(r.MerchantID, validation.MaxIdentifierLength),
		MerchantCategory:  validation.SanitizeString(r.MerchantCategory, validation.MaxIdentifierLength),
		DeviceFingerprint: r.DeviceFingerprint,
		IPAddress:         r.IPAddress,
		Timestamp:         r.Timestamp,
	}
	if r.Location != nil {
		tx.Location = &Location{
			Lat:     r.Location.Lat,
			Lon:     r.Location.Lon,
			Country: r.Location.Country,
			City:    r.Location.City,
		}
	}
	return tx
}
