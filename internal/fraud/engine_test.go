package fraud

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock(t time.Time) *testClock {
	return &testClock{t: t}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

var noon = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestEngine() (*Engine, *testClock) {
	clock := newTestClock(noon)
	return NewEngine().WithLocation(time.UTC).WithClock(clock.Now), clock
}

var txSeq int

func newTx(clock *testClock, accountID string, amount float64) *Transaction {
	txSeq++
	return &Transaction{
		ID:               fmt.Sprintf("tx-%d", txSeq),
		AccountID:        accountID,
		CardNumber:       "4111111111111111",
		Amount:           amount,
		Currency:         "USD",
		MerchantID:       "merchant-1",
		MerchantCategory: "retail",
		Timestamp:        clock.Now().UnixMilli(),
	}
}

func signalOf(r *Result, t SignalType) *Signal {
	for i := range r.Signals {
		if r.Signals[i].Type == t {
			return &r.Signals[i]
		}
	}
	return nil
}

func TestCleanTransactionApproved(t *testing.T) {
	engine, clock := newTestEngine()

	for _, amount := range []float64{0.01, 42.5, 250, 500} {
		result := engine.Evaluate(context.Background(), newTx(clock, "acct-clean", amount))
		if result.FraudScore != 0 {
			t.Errorf("amount %.2f: expected score 0, got %f (signals: %v)", amount, result.FraudScore, result.Signals)
		}
		if result.Decision != DecisionApprove {
			t.Errorf("amount %.2f: expected APPROVE, got %s", amount, result.Decision)
		}
		if result.RequiresReview {
			t.Errorf("amount %.2f: expected no review", amount)
		}
		if result.Signals == nil {
			t.Error("signals should be an empty list, not nil")
		}
		clock.Advance(2 * time.Minute)
	}
}

func TestResultFields(t *testing.T) {
	engine, clock := newTestEngine()
	tx := newTx(clock, "acct-1", 10)

	result := engine.Evaluate(context.Background(), tx)
	if result.TransactionID != tx.ID {
		t.Errorf("expected transaction id %s, got %s", tx.ID, result.TransactionID)
	}
	if result.AccountID != "acct-1" {
		t.Errorf("expected account id acct-1, got %s", result.AccountID)
	}
	if result.Timestamp != noon.UnixMilli() {
		t.Errorf("expected timestamp %d, got %d", noon.UnixMilli(), result.Timestamp)
	}
	if result.LatencyMs < 0 {
		t.Errorf("latency must not be negative: %f", result.LatencyMs)
	}
}

func TestHighAmount(t *testing.T) {
	engine, clock := newTestEngine()

	result := engine.Evaluate(context.Background(), newTx(clock, "acct-1", 10001))
	sig := signalOf(result, SignalHighAmount)
	if sig == nil {
		t.Fatalf("expected HIGH_AMOUNT, got %v", result.Signals)
	}
	if sig.Score != 25 || sig.Severity != SeverityHigh {
		t.Errorf("unexpected HIGH_AMOUNT signal: %+v", sig)
	}
	if result.FraudScore != 25 {
		t.Errorf("expected score 25, got %f", result.FraudScore)
	}
}

func TestRoundAmount(t *testing.T) {
	tests := []struct {
		amount    float64
		wantRound bool
		wantHigh  bool
	}{
		{500, false, false},
		{600, true, false},
		{1000, true, false},
		{20000, true, false},
		{650, false, false},
		{10000, true, false},
		{10000.5, false, true},
	}

	for _, tt := range tests {
		engine, clock := newTestEngine()
		result := engine.Evaluate(context.Background(), newTx(clock, "acct-1", tt.amount))

		if got := result.HasSignal(SignalAmountAnomaly); got != tt.wantRound {
			t.Errorf("amount %.2f: AMOUNT_ANOMALY = %v, want %v", tt.amount, got, tt.wantRound)
		}
		if got := result.HasSignal(SignalHighAmount); got != tt.wantHigh {
			t.Errorf("amount %.2f: HIGH_AMOUNT = %v, want %v", tt.amount, got, tt.wantHigh)
		}
	}

	engine, clock := newTestEngine()
	result := engine.Evaluate(context.Background(), newTx(clock, "acct-1", 600))
	sig := signalOf(result, SignalAmountAnomaly)
	if sig == nil || sig.Score != 15 || sig.Severity != SeverityMedium {
		t.Fatalf("unexpected AMOUNT_ANOMALY signal: %+v", sig)
	}
	if !strings.Contains(sig.Message, "round amount") {
		t.Errorf("unexpected message: %q", sig.Message)
	}
}

func TestVelocityBurst(t *testing.T) {
	engine, clock := newTestEngine()

	for i := 1; i <= 5; i++ {
		result := engine.Evaluate(context.Background(), newTx(clock, "acct-1", 10))
		if result.HasSignal(SignalHighVelocity) {
			t.Fatalf("transaction %d should not trigger HIGH_VELOCITY", i)
		}
		clock.Advance(30 * time.Second)
	}

	result := engine.Evaluate(context.Background(), newTx(clock, "acct-1", 10))
	sig := signalOf(result, SignalHighVelocity)
	if sig == nil {
		t.Fatalf("6th transaction should trigger HIGH_VELOCITY, got %v", result.Signals)
	}
	if sig.Score != 30 || sig.Severity != SeverityHigh {
		t.Errorf("unexpected HIGH_VELOCITY signal: %+v", sig)
	}
	if !strings.Contains(sig.Message, "6 transactions") {
		t.Errorf("message should include the count: %q", sig.Message)
	}
}

func TestVelocityIsPerAccount(t *testing.T) {
	engine, clock := newTestEngine()

	for i := 0; i < 6; i++ {
		account := fmt.Sprintf("acct-%d", i)
		result := engine.Evaluate(context.Background(), newTx(clock, account, 10))
		if result.HasSignal(SignalHighVelocity) {
			t.Fatalf("transactions on different accounts must not count together")
		}
	}
}

func TestVelocityBurstWindowBoundary(t *testing.T) {
	engine, clock := newTestEngine()

	for i := 0; i < 5; i++ {
		engine.Evaluate(context.Background(), newTx(clock, "acct-1", 10))
	}
	clock.Advance(5 * time.Minute)

	result := engine.Evaluate(context.Background(), newTx(clock, "acct-1", 10))
	if result.HasSignal(SignalHighVelocity) {
		t.Error("entries exactly 5 minutes old must not count toward the burst")
	}
}

func TestVelocityWindowExcludesStaleEntries(t *testing.T) {
	engine, clock := newTestEngine()

	for i := 0; i < 5; i++ {
		engine.Evaluate(context.Background(), newTx(clock, "acct-1", 10))
	}
	clock.Advance(61 * time.Minute)
	engine.Evaluate(context.Background(), newTx(clock, "acct-1", 10))

	snap, ok := engine.Profile("acct-1")
	if !ok {
		t.Fatal("expected profile")
	}
	if len(snap.RecentTransactions) != 1 {
		t.Fatalf("expected stale entries to be pruned, window has %d", len(snap.RecentTransactions))
	}
	if snap.RecentTransactions[0].Timestamp != clock.Now().UnixMilli() {
		t.Errorf("expected only the new entry to remain")
	}
}

func TestImpossibleTravel(t *testing.T) {
	engine, clock := newTestEngine()

	first := newTx(clock, "acct-1", 10)
	first.Location = &Location{Lat: 0, Lon: 0}
	result := engine.Evaluate(context.Background(), first)
	if result.HasSignal(SignalImpossibleTravel) {
		t.Fatal("first located transaction has nothing to compare against")
	}

	// 9 degrees of latitude is ~1000.8 km; 6 minutes is 0.1 h.
	clock.Advance(6 * time.Minute)
	second := newTx(clock, "acct-1", 10)
	second.Location = &Location{Lat: 9, Lon: 0}
	result = engine.Evaluate(context.Background(), second)

	sig := signalOf(result, SignalImpossibleTravel)
	if sig == nil {
		t.Fatalf("expected IMPOSSIBLE_TRAVEL, got %v", result.Signals)
	}
	if sig.Score != 40 || sig.Severity != SeverityCritical {
		t.Errorf("unexpected IMPOSSIBLE_TRAVEL signal: %+v", sig)
	}
	if sig.Message != "Impossible travel: 1000.8 km in 0.1 hours" {
		t.Errorf("unexpected message: %q", sig.Message)
	}
}

func TestPlausibleTravel(t *testing.T) {
	engine, clock := newTestEngine()

	first := newTx(clock, "acct-1", 10)
	first.Location = &Location{Lat: 0, Lon: 0}
	engine.Evaluate(context.Background(), first)

	clock.Advance(2 * time.Hour)
	second := newTx(clock, "acct-1", 10)
	second.Location = &Location{Lat: 9, Lon: 0}
	result := engine.Evaluate(context.Background(), second)
	if result.HasSignal(SignalImpossibleTravel) {
		t.Errorf("500 km/h should be plausible, got %v", result.Signals)
	}
}

func TestTravelZeroElapsed(t *testing.T) {
	engine, clock := newTestEngine()

	loc := func(lat float64) *Location { return &Location{Lat: lat, Lon: 10} }

	tx := newTx(clock, "acct-1", 10)
	tx.Location = loc(50)
	engine.Evaluate(context.Background(), tx)

	same := newTx(clock, "acct-1", 10)
	same.Location = loc(50)
	if result := engine.Evaluate(context.Background(), same); result.HasSignal(SignalImpossibleTravel) {
		t.Error("no movement with no elapsed time must not be impossible travel")
	}

	moved := newTx(clock, "acct-1", 10)
	moved.Location = loc(51)
	if result := engine.Evaluate(context.Background(), moved); !result.HasSignal(SignalImpossibleTravel) {
		t.Error("any movement with no elapsed time must be impossible travel")
	}
}

func TestTravelAlwaysUpdatesLastLocation(t *testing.T) {
	engine, clock := newTestEngine()

	for _, lat := range []float64{0, 9} {
		tx := newTx(clock, "acct-1", 10)
		tx.Location = &Location{Lat: lat, Lon: 0}
		engine.Evaluate(context.Background(), tx)
		clock.Advance(6 * time.Minute)
	}

	third := newTx(clock, "acct-1", 10)
	third.Location = &Location{Lat: 9, Lon: 0}
	if result := engine.Evaluate(context.Background(), third); result.HasSignal(SignalImpossibleTravel) {
		t.Error("location must be compared against the previous transaction, not the first")
	}

	snap, _ := engine.Profile("acct-1")
	if snap.LastLocation == nil || snap.LastLocation.Lat != 9 {
		t.Errorf("unexpected last location: %+v", snap.LastLocation)
	}
	if snap.LastLocationTime != third.Timestamp {
		t.Errorf("expected last location time %d, got %d", third.Timestamp, snap.LastLocationTime)
	}
}

func TestTransactionWithoutLocationKeepsLastLocation(t *testing.T) {
	engine, clock := newTestEngine()

	tx := newTx(clock, "acct-1", 10)
	tx.Location = &Location{Lat: 1, Lon: 1}
	engine.Evaluate(context.Background(), tx)
	engine.Evaluate(context.Background(), newTx(clock, "acct-1", 10))

	snap, _ := engine.Profile("acct-1")
	if snap.LastLocation == nil || snap.LastLocation.Lat != 1 {
		t.Errorf("a transaction without location must not clear the last location: %+v", snap.LastLocation)
	}
}

func TestUnusualTime(t *testing.T) {
	tests := []struct {
		hour int
		want bool
	}{
		{1, false},
		{2, true},
		{3, true},
		{4, true},
		{5, false},
		{12, false},
	}

	for _, tt := range tests {
		engine, _ := newTestEngine()
		clock := newTestClock(time.Date(2026, 3, 10, tt.hour, 30, 0, 0, time.UTC))
		result := engine.Evaluate(context.Background(), newTx(clock, "acct-1", 10))

		if got := result.HasSignal(SignalUnusualTime); got != tt.want {
			t.Errorf("hour %d: UNUSUAL_TIME = %v, want %v", tt.hour, got, tt.want)
		}
	}
}

func TestUnusualTimeUsesEngineZone(t *testing.T) {
	zone := time.FixedZone("UTC-5", -5*60*60)
	engine := NewEngine().WithLocation(zone)

	// 08:00 UTC is 03:00 in UTC-5.
	clock := newTestClock(time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC))
	result := engine.Evaluate(context.Background(), newTx(clock, "acct-1", 10))

	sig := signalOf(result, SignalUnusualTime)
	if sig == nil {
		t.Fatalf("expected UNUSUAL_TIME in the engine's zone, got %v", result.Signals)
	}
	if sig.Score != 10 || sig.Severity != SeverityLow {
		t.Errorf("unexpected UNUSUAL_TIME signal: %+v", sig)
	}
	if !strings.Contains(sig.Message, "03:00") {
		t.Errorf("unexpected message: %q", sig.Message)
	}
}

func TestNewDevice(t *testing.T) {
	engine, clock := newTestEngine()

	eval := func(fp string) *Result {
		tx := newTx(clock, "acct-1", 10)
		tx.DeviceFingerprint = fp
		clock.Advance(time.Minute)
		return engine.Evaluate(context.Background(), tx)
	}

	if r := eval("device-a"); r.HasSignal(SignalNewDevice) {
		t.Fatal("first device on an account without history must not be flagged")
	}
	r := eval("device-b")
	sig := signalOf(r, SignalNewDevice)
	if sig == nil {
		t.Fatal("second new device must be flagged")
	}
	if sig.Score != 20 || sig.Severity != SeverityMedium {
		t.Errorf("unexpected NEW_DEVICE signal: %+v", sig)
	}
	if r := eval("device-a"); r.HasSignal(SignalNewDevice) {
		t.Error("known device must not be flagged")
	}
	if r := eval(""); r.HasSignal(SignalNewDevice) {
		t.Error("transaction without fingerprint must not be flagged")
	}
}

func TestDeviceHistoryKeepsLastFive(t *testing.T) {
	engine, clock := newTestEngine()

	for i := 0; i < 7; i++ {
		tx := newTx(clock, "acct-1", 10)
		tx.DeviceFingerprint = fmt.Sprintf("device-%d", i)
		engine.Evaluate(context.Background(), tx)
		clock.Advance(10 * time.Minute)
	}

	snap, _ := engine.Profile("acct-1")
	want := []string{"device-2", "device-3", "device-4", "device-5", "device-6"}
	if fmt.Sprint(snap.KnownDevices) != fmt.Sprint(want) {
		t.Errorf("expected %v, got %v", want, snap.KnownDevices)
	}

	tx := newTx(clock, "acct-1", 10)
	tx.DeviceFingerprint = "device-0"
	if r := engine.Evaluate(context.Background(), tx); !r.HasSignal(SignalNewDevice) {
		t.Error("device dropped from history must be flagged again")
	}
}

func TestBlocklistCard(t *testing.T) {
	engine, clock := newTestEngine()
	if err := engine.AddToBlocklist("4111111111111111"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result := engine.Evaluate(context.Background(), newTx(clock, "acct-1", 10))
	if result.FraudScore != 100 {
		t.Errorf("expected score 100, got %f", result.FraudScore)
	}
	if result.Decision != DecisionDecline {
		t.Errorf("expected DECLINE, got %s", result.Decision)
	}
	sig := signalOf(result, SignalBlocklist)
	if sig == nil || sig.Message != "Card is blocklisted" {
		t.Errorf("unexpected BLOCKLIST signal: %+v", sig)
	}
	if sig != nil && (sig.Score != 100 || sig.Severity != SeverityCritical) {
		t.Errorf("unexpected BLOCKLIST grading: %+v", sig)
	}
}

func TestBlocklistAccountAndMerchant(t *testing.T) {
	tests := []struct {
		id      string
		message string
	}{
		{"acct-1", "Account is blocklisted"},
		{"merchant-1", "Merchant is blocklisted"},
	}

	for _, tt := range tests {
		engine, clock := newTestEngine()
		if err := engine.AddToBlocklist(tt.id); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		result := engine.Evaluate(context.Background(), newTx(clock, "acct-1", 10))
		sig := signalOf(result, SignalBlocklist)
		if sig == nil || sig.Message != tt.message {
			t.Errorf("%s: unexpected BLOCKLIST signal: %+v", tt.id, sig)
		}
		if result.Decision != DecisionDecline {
			t.Errorf("%s: expected DECLINE, got %s", tt.id, result.Decision)
		}
	}
}

func TestBlocklistDoesNotShortCircuit(t *testing.T) {
	engine, clock := newTestEngine()
	_ = engine.AddToBlocklist("4111111111111111")

	first := newTx(clock, "acct-1", 600)
	first.DeviceFingerprint = "device-a"
	result := engine.Evaluate(context.Background(), first)

	if !result.HasSignal(SignalBlocklist) || !result.HasSignal(SignalAmountAnomaly) {
		t.Errorf("expected both BLOCKLIST and AMOUNT_ANOMALY, got %v", result.Signals)
	}
	if result.FraudScore != 100 {
		t.Errorf("expected score 100, got %f", result.FraudScore)
	}

	snap, _ := engine.Profile("acct-1")
	if len(snap.RecentTransactions) != 1 || len(snap.KnownDevices) != 1 {
		t.Error("blocklisted transactions must still be recorded into the profile")
	}
}

func TestBlocklistRoundTrip(t *testing.T) {
	engine, clock := newTestEngine()
	card := "4111111111111111"

	before := engine.Evaluate(context.Background(), newTx(clock, "acct-1", 10))

	_ = engine.AddToBlocklist(card)
	if !engine.IsBlocklisted(card) {
		t.Fatal("card should be blocklisted")
	}
	clock.Advance(time.Minute)
	engine.Evaluate(context.Background(), newTx(clock, "acct-1", 10))

	if err := engine.RemoveFromBlocklist(card); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	clock.Advance(time.Minute)
	after := engine.Evaluate(context.Background(), newTx(clock, "acct-1", 10))

	if after.FraudScore != before.FraudScore || after.Decision != before.Decision {
		t.Errorf("expected pre-blocklist behavior %f/%s, got %f/%s",
			before.FraudScore, before.Decision, after.FraudScore, after.Decision)
	}
	if after.HasSignal(SignalBlocklist) {
		t.Error("removed identifier must not be flagged")
	}
}

func TestBlocklistErrors(t *testing.T) {
	engine := NewEngine()

	for _, id := range []string{"", "   ", " 4111111111111111", "acct-1\t", strings.Repeat("x", 257)} {
		if err := engine.AddToBlocklist(id); err != ErrInvalidIdentifier {
			t.Errorf("AddToBlocklist(%q): expected ErrInvalidIdentifier, got %v", id, err)
		}
	}
	if err := engine.RemoveFromBlocklist("missing"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	_ = engine.AddToBlocklist("b")
	_ = engine.AddToBlocklist("a")
	_ = engine.AddToBlocklist("a")
	if got := engine.Blocklist(); fmt.Sprint(got) != "[a b]" {
		t.Errorf("expected sorted unique list, got %v", got)
	}
	if engine.BlocklistSize() != 2 {
		t.Errorf("expected size 2, got %d", engine.BlocklistSize())
	}
}

func TestScoreClamped(t *testing.T) {
	clock := newTestClock(time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC))
	engine := NewEngine().WithLocation(time.UTC).WithClock(clock.Now)

	for i := 0; i < 5; i++ {
		tx := newTx(clock, "acct-1", 10)
		tx.Location = &Location{Lat: 0, Lon: 0}
		tx.DeviceFingerprint = "device-a"
		engine.Evaluate(context.Background(), tx)
		clock.Advance(10 * time.Second)
	}

	tx := newTx(clock, "acct-1", 600)
	tx.Location = &Location{Lat: 9, Lon: 0}
	tx.DeviceFingerprint = "device-b"
	result := engine.Evaluate(context.Background(), tx)

	// 15 + 30 + 40 + 10 + 20 = 115
	if len(result.Signals) != 5 {
		t.Fatalf("expected 5 signals, got %v", result.Signals)
	}
	if result.FraudScore != 100 {
		t.Errorf("expected score clamped to 100, got %f", result.FraudScore)
	}
	if result.Decision != DecisionDecline {
		t.Errorf("expected DECLINE, got %s", result.Decision)
	}
	if result.RequiresReview {
		t.Error("a declined score above the threshold must not require review")
	}
}

func TestSignalsInEvaluationOrder(t *testing.T) {
	clock := newTestClock(time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC))
	engine := NewEngine().WithLocation(time.UTC).WithClock(clock.Now)
	_ = engine.AddToBlocklist("merchant-1")

	result := engine.Evaluate(context.Background(), newTx(clock, "acct-1", 20000.5))
	want := []SignalType{SignalBlocklist, SignalHighAmount, SignalUnusualTime}
	if len(result.Signals) != len(want) {
		t.Fatalf("expected %v, got %v", want, result.Signals)
	}
	for i, sig := range result.Signals {
		if sig.Type != want[i] {
			t.Errorf("signal %d: expected %s, got %s", i, want[i], sig.Type)
		}
	}
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name    string
		signals []Signal
		want    float64
	}{
		{"empty", nil, 0},
		{"sum", []Signal{*HighAmountSignal(20000), *UnusualTimeSignal(3)}, 35},
		{"blocklist", []Signal{*BlocklistSignal("Card")}, 100},
		{"blocklist then more", []Signal{*BlocklistSignal("Card"), *UnusualTimeSignal(3)}, 100},
		{"clamped", []Signal{
			*ImpossibleTravelSignal(1000, 0.1), *HighVelocitySignal(7),
			*NewDeviceSignal(), *HighAmountSignal(20000),
		}, 100},
	}

	for _, tt := range tests {
		if got := aggregate(tt.signals); got != tt.want {
			t.Errorf("%s: expected %f, got %f", tt.name, tt.want, got)
		}
	}
}

func TestDecisionPolicy(t *testing.T) {
	tests := []struct {
		threshold  float64
		score      float64
		decision   Decision
		needReview bool
	}{
		{0.75, 0, DecisionApprove, false},
		{0.75, 49.9, DecisionApprove, false},
		{0.75, 50, DecisionApprove, true},
		{0.75, 74.9, DecisionApprove, true},
		{0.75, 75, DecisionReview, false},
		{0.75, 89.9, DecisionReview, false},
		{0.75, 90, DecisionDecline, false},
		{0.75, 100, DecisionDecline, false},
		{0.5, 60, DecisionReview, false},
		{0.95, 92, DecisionDecline, true},
	}

	for _, tt := range tests {
		engine := NewEngine().WithThreshold(tt.threshold)
		if got := engine.decide(tt.score); got != tt.decision {
			t.Errorf("T=%.2f score=%.1f: expected %s, got %s", tt.threshold, tt.score, tt.decision, got)
		}
		review := tt.score >= RequiresReviewScore && tt.score < engine.Threshold()
		if review != tt.needReview {
			t.Errorf("T=%.2f score=%.1f: expected requiresReview=%v", tt.threshold, tt.score, tt.needReview)
		}
	}
}

func TestRequiresReviewBand(t *testing.T) {
	engine, clock := newTestEngine()

	first := newTx(clock, "acct-1", 10)
	first.Location = &Location{Lat: 0, Lon: 0}
	first.DeviceFingerprint = "device-a"
	engine.Evaluate(context.Background(), first)

	clock.Advance(6 * time.Minute)
	second := newTx(clock, "acct-1", 10)
	second.Location = &Location{Lat: 9, Lon: 0}
	second.DeviceFingerprint = "device-b"
	result := engine.Evaluate(context.Background(), second)

	if result.FraudScore != 60 {
		t.Fatalf("expected score 60, got %f (%v)", result.FraudScore, result.Signals)
	}
	if result.Decision != DecisionApprove || !result.RequiresReview {
		t.Errorf("expected APPROVE with review, got %s review=%v", result.Decision, result.RequiresReview)
	}
}

func TestNormalizeThreshold(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{0, 75},
		{-3, 75},
		{0.75, 75},
		{0.5, 50},
		{1, 100},
		{60, 60},
		{250, 100},
	}
	for _, tt := range tests {
		if got := NormalizeThreshold(tt.in); got != tt.want {
			t.Errorf("NormalizeThreshold(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if got := NewEngine().Threshold(); got != 75 {
		t.Errorf("expected default threshold 75, got %v", got)
	}
}

func TestConcurrentSameAccount(t *testing.T) {
	engine, clock := newTestEngine()

	const n = 100
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tx := &Transaction{
				ID:                fmt.Sprintf("c-%d", i),
				AccountID:         "acct-shared",
				CardNumber:        "4111111111111111",
				Amount:            10,
				MerchantID:        "merchant-1",
				DeviceFingerprint: fmt.Sprintf("device-%d", i%3),
				Timestamp:         clock.Now().UnixMilli(),
			}
			engine.Evaluate(context.Background(), tx)
		}(i)
	}
	wg.Wait()

	snap, ok := engine.Profile("acct-shared")
	if !ok {
		t.Fatal("expected profile")
	}
	if len(snap.RecentTransactions) != n {
		t.Errorf("expected %d recorded transactions, got %d", n, len(snap.RecentTransactions))
	}
	if len(snap.KnownDevices) != 3 {
		t.Errorf("expected 3 known devices, got %v", snap.KnownDevices)
	}
	if engine.ProfileCount() != 1 {
		t.Errorf("expected 1 profile, got %d", engine.ProfileCount())
	}
}

func TestConcurrentAccounts(t *testing.T) {
	engine, clock := newTestEngine()

	var wg sync.WaitGroup
	for a := 0; a < 50; a++ {
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func(a int) {
				defer wg.Done()
				engine.Evaluate(context.Background(), newTxFor(clock, fmt.Sprintf("acct-%d", a)))
			}(a)
		}
	}
	wg.Wait()

	if engine.ProfileCount() != 50 {
		t.Errorf("expected 50 profiles, got %d", engine.ProfileCount())
	}
	for a := 0; a < 50; a++ {
		snap, _ := engine.Profile(fmt.Sprintf("acct-%d", a))
		if len(snap.RecentTransactions) != 4 {
			t.Errorf("acct-%d: expected 4 transactions, got %d", a, len(snap.RecentTransactions))
		}
	}
}

// newTxFor builds a transaction without touching the shared id counter, for
// use from goroutines.
func newTxFor(clock *testClock, accountID string) *Transaction {
	return &Transaction{
		ID:         "tx-" + accountID,
		AccountID:  accountID,
		CardNumber: "4111111111111111",
		Amount:     10,
		MerchantID: "merchant-1",
		Timestamp:  clock.Now().UnixMilli(),
	}
}

func TestProfileUnknownAccount(t *testing.T) {
	engine := NewEngine()
	if _, ok := engine.Profile("nobody"); ok {
		t.Error("expected no profile for an unseen account")
	}
	if engine.ProfileCount() != 0 {
		t.Error("looking up a profile must not create one")
	}
}

func TestEvictIdle(t *testing.T) {
	engine, clock := newTestEngine()

	tx := newTx(clock, "acct-idle", 10)
	tx.DeviceFingerprint = "device-a"
	engine.Evaluate(context.Background(), tx)

	clock.Advance(2 * time.Hour)
	engine.Evaluate(context.Background(), newTx(clock, "acct-active", 10))

	evicted := engine.EvictIdle(time.Hour)
	if fmt.Sprint(evicted) != "[acct-idle]" {
		t.Fatalf("expected [acct-idle], got %v", evicted)
	}
	if _, ok := engine.Profile("acct-idle"); ok {
		t.Error("evicted profile should be gone")
	}
	if _, ok := engine.Profile("acct-active"); !ok {
		t.Error("active profile should be kept")
	}

	// Device history was forgotten with the profile: a new device on the
	// returning account is its first one again.
	back := newTx(clock, "acct-idle", 10)
	back.DeviceFingerprint = "device-b"
	if r := engine.Evaluate(context.Background(), back); r.HasSignal(SignalNewDevice) {
		t.Error("device history should have been evicted with the profile")
	}
}

func TestEvictSkipsLockedProfile(t *testing.T) {
	engine, clock := newTestEngine()
	engine.Evaluate(context.Background(), newTx(clock, "acct-1", 10))
	clock.Advance(2 * time.Hour)

	p, _ := engine.profiles.Lookup("acct-1")
	p.mu.Lock()
	evicted := engine.EvictIdle(time.Hour)
	p.mu.Unlock()

	if len(evicted) != 0 {
		t.Errorf("profile under evaluation must not be evicted, got %v", evicted)
	}
	if engine.ProfileCount() != 1 {
		t.Error("profile should still be tracked")
	}
}

func TestLockProfileAfterEviction(t *testing.T) {
	engine, clock := newTestEngine()
	clock.Advance(2 * time.Hour)

	stale := engine.profiles.Resolve("acct-1")
	if got := engine.EvictIdle(time.Hour); len(got) != 1 {
		t.Fatalf("expected the untouched profile to be evicted, got %v", got)
	}

	fresh := engine.lockProfile("acct-1")
	defer fresh.mu.Unlock()
	if fresh == stale {
		t.Error("an evicted profile must not be reused")
	}
	if fresh.evicted {
		t.Error("fresh profile must not be marked evicted")
	}
}
