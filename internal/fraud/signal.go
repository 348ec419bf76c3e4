package fraud

import "fmt"

// Severity grades how strongly a signal points at fraud.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// SignalType identifies the evidence a signal carries.
type SignalType string

const (
	SignalBlocklist        SignalType = "BLOCKLIST"
	SignalAmountAnomaly    SignalType = "AMOUNT_ANOMALY"
	SignalHighAmount       SignalType = "HIGH_AMOUNT"
	SignalHighVelocity     SignalType = "HIGH_VELOCITY"
	SignalImpossibleTravel SignalType = "IMPOSSIBLE_TRAVEL"
	SignalUnusualTime      SignalType = "UNUSUAL_TIME"
	SignalNewDevice        SignalType = "NEW_DEVICE"
)

// Signal is one piece of evidence contributing to a fraud score. Signals are
// only built through the constructors below, so a type always carries the
// severity and score listed in signalDefs.
type Signal struct {
	Type     SignalType `json:"type"`
	Severity Severity   `json:"severity"`
	Score    float64    `json:"score"`
	Message  string     `json:"message"`
}

type signalDef struct {
	severity Severity
	score    float64
}

var signalDefs = map[SignalType]signalDef{
	SignalBlocklist:        {SeverityCritical, 100},
	SignalAmountAnomaly:    {SeverityMedium, 15},
	SignalHighAmount:       {SeverityHigh, 25},
	SignalHighVelocity:     {SeverityHigh, 30},
	SignalImpossibleTravel: {SeverityCritical, 40},
	SignalUnusualTime:      {SeverityLow, 10},
	SignalNewDevice:        {SeverityMedium, 20},
}

// SignalTypes lists every signal type in evaluation order.
func SignalTypes() []SignalType {
	return []SignalType{
		SignalBlocklist,
		SignalAmountAnomaly,
		SignalHighAmount,
		SignalHighVelocity,
		SignalImpossibleTravel,
		SignalUnusualTime,
		SignalNewDevice,
	}
}

func newSignal(t SignalType, message string) *Signal {
	def := signalDefs[t]
	return &Signal{Type: t, Severity: def.severity, Score: def.score, Message: message}
}

// BlocklistSignal reports that one of the transaction's identifiers is
// blocklisted. kind names which one: "Card", "Account" or "Merchant".
func BlocklistSignal(kind string) *Signal {
	return newSignal(SignalBlocklist, fmt.Sprintf("%s is blocklisted", kind))
}

// RoundAmountSignal reports a suspiciously round amount.
func RoundAmountSignal(amount float64) *Signal {
	return newSignal(SignalAmountAnomaly, fmt.Sprintf("Suspiciously round amount: %.2f", amount))
}

// HighAmountSignal reports an amount above the high-value limit.
func HighAmountSignal(amount float64) *Signal {
	return newSignal(SignalHighAmount, fmt.Sprintf("High transaction amount: %.2f", amount))
}

// HighVelocitySignal reports count transactions inside the short window.
func HighVelocitySignal(count int) *Signal {
	return newSignal(SignalHighVelocity, fmt.Sprintf("%d transactions in the last 5 minutes", count))
}

// ImpossibleTravelSignal reports a location jump faster than any flight.
func ImpossibleTravelSignal(distanceKm, elapsedHours float64) *Signal {
	return newSignal(SignalImpossibleTravel,
		fmt.Sprintf("Impossible travel: %.1f km in %.1f hours", distanceKm, elapsedHours))
}

// UnusualTimeSignal reports a transaction in the small hours.
func UnusualTimeSignal(hour int) *Signal {
	return newSignal(SignalUnusualTime, fmt.Sprintf("Transaction at unusual hour: %02d:00", hour))
}

// NewDeviceSignal reports a fingerprint the account has not used before.
func NewDeviceSignal() *Signal {
	return newSignal(SignalNewDevice, "Transaction from unrecognized device")
}
