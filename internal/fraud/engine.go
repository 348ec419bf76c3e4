package fraud

import (
	"context"
	"log/slog"
	"time"
)

// Engine scores transactions against in-memory per-account state. It performs
// no I/O: Evaluate is a function of the transaction and the engine's state.
type Engine struct {
	profiles   *ProfileStore
	blocklist  *Blocklist
	devices    *DeviceHistory
	evaluators []Evaluator

	threshold float64
	zone      *time.Location
	now       func() time.Time
	logger    *slog.Logger
}

// NewEngine creates an engine with empty state and the default threshold.
func NewEngine() *Engine {
	return &Engine{
		profiles:   NewProfileStore(),
		blocklist:  NewBlocklist(),
		devices:    NewDeviceHistory(),
		evaluators: DefaultEvaluators(),
		threshold:  NormalizeThreshold(DefaultThreshold),
		zone:       time.Local,
		now:        time.Now,
		logger:     slog.New(slog.DiscardHandler),
	}
}

// WithThreshold sets the REVIEW/APPROVE boundary. Values in (0, 1] are read
// as a fraction of MaxScore.
func (e *Engine) WithThreshold(t float64) *Engine {
	e.threshold = NormalizeThreshold(t)
	return e
}

// WithLocation sets the time zone used by the time-of-day evaluator.
func (e *Engine) WithLocation(loc *time.Location) *Engine {
	if loc != nil {
		e.zone = loc
	}
	return e
}

// WithClock overrides the clock used for window arithmetic and result
// timestamps.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	if now != nil {
		e.now = now
	}
	return e
}

// WithLogger sets the engine logger.
func (e *Engine) WithLogger(l *slog.Logger) *Engine {
	if l != nil {
		e.logger = l
	}
	return e
}

// NormalizeThreshold maps a configured threshold onto the 0-100 score scale.
// Non-positive values fall back to the default.
func NormalizeThreshold(t float64) float64 {
	switch {
	case t <= 0:
		return DefaultThreshold * MaxScore
	case t <= 1:
		return t * MaxScore
	case t > MaxScore:
		return MaxScore
	}
	return t
}

// Threshold returns the effective threshold on the 0-100 scale.
func (e *Engine) Threshold() float64 {
	return e.threshold
}

// Evaluate scores tx and returns the decision. Evaluations for the same
// account are serialized; different accounts proceed in parallel.
func (e *Engine) Evaluate(ctx context.Context, tx *Transaction) *Result {
	start := time.Now()

	p := e.lockProfile(tx.AccountID)
	ec := &EvalContext{
		Now:       e.now(),
		Zone:      e.zone,
		Profile:   p,
		Blocklist: e.blocklist,
		Devices:   e.devices,
	}
	p.touch(ec.Now)

	signals := make([]Signal, 0, len(e.evaluators))
	for _, ev := range e.evaluators {
		if sig := ev.EvaluateAndRecord(tx, ec); sig != nil {
			signals = append(signals, *sig)
		}
	}
	p.mu.Unlock()

	score := aggregate(signals)
	result := &Result{
		TransactionID:  tx.ID,
		AccountID:      tx.AccountID,
		FraudScore:     score,
		Decision:       e.decide(score),
		Signals:        signals,
		RequiresReview: score >= RequiresReviewScore && score < e.threshold,
		LatencyMs:      float64(time.Since(start).Microseconds()) / 1000,
		Timestamp:      e.now().UnixMilli(),
	}

	if result.Decision != DecisionApprove {
		e.logger.DebugContext(ctx, "transaction flagged",
			"transactionId", tx.ID,
			"accountId", tx.AccountID,
			"score", score,
			"decision", result.Decision,
			"signals", len(signals))
	}
	return result
}

// lockProfile resolves the account's profile and returns it locked. If the
// janitor evicted the profile between resolve and lock, a fresh one is
// resolved.
func (e *Engine) lockProfile(accountID string) *VelocityProfile {
	for {
		p := e.profiles.Resolve(accountID)
		p.mu.Lock()
		if !p.evicted {
			return p
		}
		p.mu.Unlock()
	}
}

// aggregate sums signal scores in evaluation order. A blocklist hit sets the
// running score to MaxScore. The total is clamped to [0, MaxScore].
func aggregate(signals []Signal) float64 {
	score := 0.0
	for _, s := range signals {
		if s.Type == SignalBlocklist {
			score = MaxScore
			continue
		}
		score += s.Score
	}
	return min(max(score, 0), MaxScore)
}

func (e *Engine) decide(score float64) Decision {
	switch {
	case score >= DeclineScore:
		return DecisionDecline
	case score >= e.threshold:
		return DecisionReview
	default:
		return DecisionApprove
	}
}

// AddToBlocklist blocklists a card number, account id or merchant id. It is
// visible to the next evaluation.
func (e *Engine) AddToBlocklist(id string) error {
	if !validIdentifier(id) {
		return ErrInvalidIdentifier
	}
	e.blocklist.Add(id)
	return nil
}

// RemoveFromBlocklist takes id off the blocklist. It returns ErrNotFound when
// id was not blocklisted.
func (e *Engine) RemoveFromBlocklist(id string) error {
	if !e.blocklist.Remove(id) {
		return ErrNotFound
	}
	return nil
}

// IsBlocklisted reports whether id is blocklisted.
func (e *Engine) IsBlocklisted(id string) bool {
	return e.blocklist.Contains(id)
}

// Blocklist returns the blocklisted identifiers in sorted order.
func (e *Engine) Blocklist() []string {
	return e.blocklist.List()
}

// BlocklistSize returns the number of blocklisted identifiers.
func (e *Engine) BlocklistSize() int {
	return e.blocklist.Len()
}

// Profile returns a snapshot of the account's state, or false when the
// account has no live profile.
func (e *Engine) Profile(accountID string) (ProfileSnapshot, bool) {
	p, ok := e.profiles.Lookup(accountID)
	if !ok {
		return ProfileSnapshot{}, false
	}
	snap := p.snapshot()
	snap.KnownDevices = e.devices.Known(accountID)
	if snap.KnownDevices == nil {
		snap.KnownDevices = []string{}
	}
	return snap, true
}

// ProfileCount returns the number of accounts with a live profile.
func (e *Engine) ProfileCount() int {
	return e.profiles.Len()
}

// EvictIdle drops profiles and device history of accounts not evaluated for
// ttl and returns the evicted account ids.
func (e *Engine) EvictIdle(ttl time.Duration) []string {
	return e.profiles.EvictIdle(e.now().Add(-ttl), e.devices.Forget)
}
