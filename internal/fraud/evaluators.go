package fraud

import (
	"math"
	"time"
)

// Evaluation thresholds.
const (
	roundAmountUnit    = 100.0
	roundAmountMin     = 500.0
	highAmountLimit    = 10000.0
	velocityBurstLimit = 5
	maxTravelSpeedKmh  = 800.0
	unusualHourStart   = 2
	unusualHourEnd     = 5
)

// EvalContext carries the account state an evaluator may consult. Profile
// is locked by the engine for the duration of the evaluation.
type EvalContext struct {
	Now       time.Time
	Zone      *time.Location
	Profile   *VelocityProfile
	Blocklist *Blocklist
	Devices   *DeviceHistory
}

// Evaluator checks one aspect of a transaction. EvaluateAndRecord returns a
// signal or nil. Evaluators that keep history (velocity, geolocation,
// device) also record the transaction into the account state as part of
// the same call, so running an evaluator twice is not idempotent.
type Evaluator interface {
	Name() string
	EvaluateAndRecord(tx *Transaction, ec *EvalContext) *Signal
}

// DefaultEvaluators returns the built-in evaluators in evaluation order.
// The order matters: later evaluators see the state recorded by earlier
// ones.
func DefaultEvaluators() []Evaluator {
	return []Evaluator{
		BlocklistEvaluator{},
		AmountEvaluator{},
		VelocityEvaluator{},
		GeolocationEvaluator{},
		TimeOfDayEvaluator{},
		DeviceEvaluator{},
	}
}

// ---------------------------------------------------------------------------
// BlocklistEvaluator: card, account or merchant is blocklisted
// ---------------------------------------------------------------------------

type BlocklistEvaluator struct{}

func (BlocklistEvaluator) Name() string { return "blocklist" }

func (BlocklistEvaluator) EvaluateAndRecord(tx *Transaction, ec *EvalContext) *Signal {
	switch {
	case ec.Blocklist.Contains(tx.CardNumber):
		return BlocklistSignal("Card")
	case ec.Blocklist.Contains(tx.AccountID):
		return BlocklistSignal("Account")
	case ec.Blocklist.Contains(tx.MerchantID):
		return BlocklistSignal("Merchant")
	}
	return nil
}

// ---------------------------------------------------------------------------
// AmountEvaluator: round amounts above 500, or amounts above 10,000
// ---------------------------------------------------------------------------

type AmountEvaluator struct{}

func (AmountEvaluator) Name() string { return "amount" }

func (AmountEvaluator) EvaluateAndRecord(tx *Transaction, _ *EvalContext) *Signal {
	if math.Mod(tx.Amount, roundAmountUnit) == 0 && tx.Amount > roundAmountMin {
		return RoundAmountSignal(tx.Amount)
	}
	if tx.Amount > highAmountLimit {
		return HighAmountSignal(tx.Amount)
	}
	return nil
}

// ---------------------------------------------------------------------------
// VelocityEvaluator: more than 5 transactions in 5 minutes (records)
// ---------------------------------------------------------------------------

type VelocityEvaluator struct{}

func (VelocityEvaluator) Name() string { return "velocity" }

func (VelocityEvaluator) EvaluateAndRecord(tx *Transaction, ec *EvalContext) *Signal {
	now := ec.Now.UnixMilli()
	p := ec.Profile

	p.appendTransaction(tx.Amount, tx.Timestamp)
	p.prune(now)

	if count := p.countWithin(now, burstWindow); count > velocityBurstLimit {
		return HighVelocitySignal(count)
	}
	return nil
}

// ---------------------------------------------------------------------------
// GeolocationEvaluator: implied travel speed above 800 km/h (records)
// ---------------------------------------------------------------------------

type GeolocationEvaluator struct{}

func (GeolocationEvaluator) Name() string { return "geolocation" }

func (GeolocationEvaluator) EvaluateAndRecord(tx *Transaction, ec *EvalContext) *Signal {
	if tx.Location == nil {
		return nil
	}
	p := ec.Profile

	var sig *Signal
	if prev := p.lastLocation; prev != nil {
		distance := haversineKm(prev.Lat, prev.Lon, tx.Location.Lat, tx.Location.Lon)
		elapsedHours := float64(tx.Timestamp-p.lastLocationTime) / float64(time.Hour.Milliseconds())
		// Float division: a zero gap yields +Inf for any movement and NaN
		// (never impossible) for none; a negative gap never fires.
		if speed := distance / elapsedHours; speed > maxTravelSpeedKmh {
			sig = ImpossibleTravelSignal(distance, elapsedHours)
		}
	}

	p.lastLocation = &Location{Lat: tx.Location.Lat, Lon: tx.Location.Lon}
	p.lastLocationTime = tx.Timestamp
	return sig
}

// ---------------------------------------------------------------------------
// TimeOfDayEvaluator: local hour in [2, 5)
// ---------------------------------------------------------------------------

type TimeOfDayEvaluator struct{}

func (TimeOfDayEvaluator) Name() string { return "time_of_day" }

func (TimeOfDayEvaluator) EvaluateAndRecord(tx *Transaction, ec *EvalContext) *Signal {
	zone := ec.Zone
	if zone == nil {
		zone = time.Local
	}
	hour := tx.Time().In(zone).Hour()
	if hour >= unusualHourStart && hour < unusualHourEnd {
		return UnusualTimeSignal(hour)
	}
	return nil
}

// ---------------------------------------------------------------------------
// DeviceEvaluator: unknown fingerprint on an account with history (records)
// ---------------------------------------------------------------------------

type DeviceEvaluator struct{}

func (DeviceEvaluator) Name() string { return "device" }

func (DeviceEvaluator) EvaluateAndRecord(tx *Transaction, ec *EvalContext) *Signal {
	if tx.DeviceFingerprint == "" {
		return nil
	}
	known, seen := ec.Devices.Observe(tx.AccountID, tx.DeviceFingerprint)
	if known > 0 && !seen {
		return NewDeviceSignal()
	}
	return nil
}
