package fraud

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel/codes"

	"github.com/mbd888/fraudgate/internal/circuitbreaker"
	"github.com/mbd888/fraudgate/internal/logging"
	"github.com/mbd888/fraudgate/internal/metrics"
	"github.com/mbd888/fraudgate/internal/traces"
)

// Check sources, used for metrics and the decision stream.
const (
	SourceHTTP  = "http"
	SourceKafka = "kafka"
)

// AuditBreakerKey is the circuit breaker key guarding audit writes.
const AuditBreakerKey = "audit_store"

// LocationResolver maps an IP address to a location. Implementations must
// not perform network I/O.
type LocationResolver interface {
	Lookup(ip string) (*Location, error)
}

// EventEmitter receives decisions and blocklist changes for live streaming.
type EventEmitter interface {
	EmitDecision(tx *Transaction, result *Result, source string)
	EmitBlocklistChange(identifier, action string)
}

// Service wraps the engine with enrichment, the audit trail, metrics,
// tracing and event streaming.
type Service struct {
	engine   *Engine
	store    Store
	resolver LocationResolver
	events   EventEmitter
	breaker  *circuitbreaker.Breaker
	logger   *slog.Logger
}

// NewService creates a fraud check service. store may be nil to disable the
// audit trail.
func NewService(engine *Engine, store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{engine: engine, store: store, logger: logger}
}

// WithLocationResolver enables IP geolocation for transactions without a
// location.
func (s *Service) WithLocationResolver(r LocationResolver) *Service {
	s.resolver = r
	return s
}

// WithEvents sets the event emitter.
func (s *Service) WithEvents(e EventEmitter) *Service {
	s.events = e
	return s
}

// WithRecordBreaker skips audit writes while the store keeps failing.
func (s *Service) WithRecordBreaker(b *circuitbreaker.Breaker) *Service {
	s.breaker = b
	return s
}

// Engine returns the underlying engine.
func (s *Service) Engine() *Engine {
	return s.engine
}

// Check scores tx, records the result and emits it. tx is not modified.
func (s *Service) Check(ctx context.Context, tx *Transaction, source string) *Result {
	ctx, span := traces.StartSpan(ctx, "fraud.Check",
		traces.TransactionID(tx.ID), traces.AccountID(tx.AccountID),
		traces.Amount(tx.Amount), traces.Source(source))
	defer span.End()
	ctx = logging.WithTransaction(logging.WithDefaultLogger(ctx, s.logger), tx.ID, tx.AccountID)

	prepared := s.prepare(ctx, tx)
	result := s.engine.Evaluate(ctx, prepared)

	span.SetAttributes(traces.Score(result.FraudScore), traces.Decision(string(result.Decision)))
	s.observe(result, source)

	if err := s.record(ctx, result); err != nil {
		metrics.AuditRecordFailures.Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to record fraud check")
		if errors.Is(err, circuitbreaker.ErrOpen) {
			logging.L(ctx).Debug("fraud check not recorded", "error", err)
		} else {
			logging.L(ctx).Warn("failed to record fraud check", "error", err)
		}
	}
	if s.events != nil {
		s.events.EmitDecision(prepared, result, source)
	}

	logging.L(ctx).Info("fraud check completed",
		"source", source,
		"score", result.FraudScore,
		"decision", result.Decision,
		"requires_review", result.RequiresReview,
		"signals", len(result.Signals),
		"latency_ms", result.LatencyMs)
	return result
}

func (s *Service) record(ctx context.Context, result *Result) error {
	if s.store == nil {
		return nil
	}
	if s.breaker == nil {
		return s.store.Record(ctx, result)
	}
	return s.breaker.Do(AuditBreakerKey, func() error {
		return s.store.Record(ctx, result)
	})
}

// prepare returns a copy of tx with the timestamp defaulted and the location
// filled in from the IP address when possible.
func (s *Service) prepare(ctx context.Context, tx *Transaction) *Transaction {
	out := *tx
	if out.Timestamp == 0 {
		out.Timestamp = s.engine.now().UnixMilli()
	}
	if out.Location != nil || out.IPAddress == "" || s.resolver == nil {
		return &out
	}

	loc, err := s.resolver.Lookup(out.IPAddress)
	switch {
	case err != nil:
		metrics.GeoIPLookupsTotal.WithLabelValues("error").Inc()
		logging.L(ctx).Debug("geoip lookup failed", "ip", out.IPAddress, "error", err)
	case loc == nil:
		metrics.GeoIPLookupsTotal.WithLabelValues("miss").Inc()
	default:
		metrics.GeoIPLookupsTotal.WithLabelValues("hit").Inc()
		out.Location = loc
	}
	return &out
}

func (s *Service) observe(result *Result, source string) {
	metrics.ChecksTotal.WithLabelValues(string(result.Decision), source).Inc()
	metrics.FraudScore.Observe(result.FraudScore)
	metrics.EngineLatency.Observe(result.LatencyMs / 1000)
	for _, sig := range result.Signals {
		metrics.SignalsTotal.WithLabelValues(string(sig.Type)).Inc()
	}
	if result.RequiresReview {
		metrics.ReviewsRequiredTotal.Inc()
	}
	metrics.ActiveProfiles.Set(float64(s.engine.ProfileCount()))
}

// Get returns a recorded result by transaction id.
func (s *Service) Get(ctx context.Context, transactionID string) (*Result, error) {
	if s.store == nil {
		return nil, ErrNotFound
	}
	return s.store.Get(ctx, transactionID)
}

// History returns the account's most recent recorded results, newest first.
func (s *Service) History(ctx context.Context, accountID string, limit int) ([]*Result, error) {
	if s.store == nil {
		return nil, nil
	}
	return s.store.ListByAccount(ctx, accountID, limit)
}

// Profile returns the account's live profile snapshot.
func (s *Service) Profile(accountID string) (ProfileSnapshot, error) {
	snap, ok := s.engine.Profile(accountID)
	if !ok {
		return ProfileSnapshot{}, ErrNotFound
	}
	return snap, nil
}

// AddToBlocklist blocklists id.
func (s *Service) AddToBlocklist(ctx context.Context, id string) error {
	if err := s.engine.AddToBlocklist(id); err != nil {
		return err
	}
	metrics.BlocklistSize.Set(float64(s.engine.BlocklistSize()))
	logging.L(logging.WithDefaultLogger(ctx, s.logger)).Info("blocklist updated", "identifier", MaskIdentifier(id), "action", "added")
	if s.events != nil {
		s.events.EmitBlocklistChange(id, "added")
	}
	return nil
}

// RemoveFromBlocklist takes id off the blocklist.
func (s *Service) RemoveFromBlocklist(ctx context.Context, id string) error {
	if err := s.engine.RemoveFromBlocklist(id); err != nil {
		return err
	}
	metrics.BlocklistSize.Set(float64(s.engine.BlocklistSize()))
	logging.L(logging.WithDefaultLogger(ctx, s.logger)).Info("blocklist updated", "identifier", MaskIdentifier(id), "action", "removed")
	if s.events != nil {
		s.events.EmitBlocklistChange(id, "removed")
	}
	return nil
}

// Blocklist returns the blocklisted identifiers in sorted order.
func (s *Service) Blocklist() []string {
	return s.engine.Blocklist()
}
