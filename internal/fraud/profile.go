package fraud

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/fraudgate/internal/syncutil"
)

const (
	velocityWindow = time.Hour
	burstWindow    = 5 * time.Minute
)

// txEntry records a single transaction for sliding-window analysis.
type txEntry struct {
	Amount    float64
	Timestamp int64 // epoch ms
}

// VelocityProfile is the rolling history of one account. Its fields are
// guarded by mu, which the engine holds for the whole evaluation of a
// transaction so that same-account evaluations never interleave.
type VelocityProfile struct {
	mu sync.Mutex

	accountID        string
	recent           []txEntry
	lastLocation     *Location
	lastLocationTime int64
	evicted          bool

	lastSeen atomic.Int64 // epoch ms of the last evaluation, read by the janitor without mu
}

// AccountID returns the account the profile belongs to.
func (p *VelocityProfile) AccountID() string {
	return p.accountID
}

// appendTransaction records a transaction at the end of the window
// (caller holds mu).
func (p *VelocityProfile) appendTransaction(amount float64, ts int64) {
	p.recent = append(p.recent, txEntry{Amount: amount, Timestamp: ts})
}

// prune drops entries that are velocityWindow or more older than now
// (caller holds mu). Entries arrive in order, but out-of-order timestamps
// are still filtered individually.
func (p *VelocityProfile) prune(now int64) {
	cutoff := velocityWindow.Milliseconds()
	kept := p.recent[:0]
	for _, e := range p.recent {
		if now-e.Timestamp < cutoff {
			kept = append(kept, e)
		}
	}
	// Clear the tail so dropped entries are not retained by the backing array.
	for i := len(kept); i < len(p.recent); i++ {
		p.recent[i] = txEntry{}
	}
	p.recent = kept
}

// countWithin returns how many entries are younger than window (caller holds mu).
func (p *VelocityProfile) countWithin(now int64, window time.Duration) int {
	limit := window.Milliseconds()
	n := 0
	for _, e := range p.recent {
		if now-e.Timestamp < limit {
			n++
		}
	}
	return n
}

func (p *VelocityProfile) touch(now time.Time) {
	p.lastSeen.Store(now.UnixMilli())
}

// ProfileSnapshot is a point-in-time copy of a profile for operators.
type ProfileSnapshot struct {
	AccountID          string    `json:"accountId"`
	RecentTransactions []TxPoint `json:"recentTransactions"`
	LastLocation       *Location `json:"lastLocation,omitempty"`
	LastLocationTime   int64     `json:"lastLocationTime,omitempty"`
	KnownDevices       []string  `json:"knownDevices"`
	LastSeen           int64     `json:"lastSeen"`
}

// TxPoint is one entry of the velocity window.
type TxPoint struct {
	Amount    float64 `json:"amount"`
	Timestamp int64   `json:"timestamp"`
}

func (p *VelocityProfile) snapshot() ProfileSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	points := make([]TxPoint, len(p.recent))
	for i, e := range p.recent {
		points[i] = TxPoint{Amount: e.Amount, Timestamp: e.Timestamp}
	}
	snap := ProfileSnapshot{
		AccountID:          p.accountID,
		RecentTransactions: points,
		LastLocationTime:   p.lastLocationTime,
		LastSeen:           p.lastSeen.Load(),
	}
	if p.lastLocation != nil {
		loc := *p.lastLocation
		snap.LastLocation = &loc
	}
	return snap
}

// ProfileStore owns the velocity profiles of all accounts.
type ProfileStore struct {
	profiles *syncutil.ShardedMap[*VelocityProfile]
}

// NewProfileStore creates an empty profile store.
func NewProfileStore() *ProfileStore {
	return &ProfileStore{profiles: syncutil.NewShardedMap[*VelocityProfile]()}
}

// Resolve returns the account's profile, creating an empty one on first
// use. Concurrent first access for one account yields a single profile.
func (s *ProfileStore) Resolve(accountID string) *VelocityProfile {
	p, _ := s.profiles.LoadOrCreate(accountID, func() *VelocityProfile {
		return &VelocityProfile{accountID: accountID}
	})
	return p
}

// Lookup returns the account's profile without creating one.
func (s *ProfileStore) Lookup(accountID string) (*VelocityProfile, bool) {
	return s.profiles.Load(accountID)
}

// Len returns the number of tracked accounts.
func (s *ProfileStore) Len() int {
	return s.profiles.Len()
}

// EvictIdle removes profiles whose last evaluation is older than cutoff and
// returns their account ids. A profile that is currently being evaluated is
// skipped; a profile that was resolved but not yet locked is marked evicted
// so the evaluation resolves a fresh one. onEvict, if non-nil, runs while the
// evicted profile is still locked.
func (s *ProfileStore) EvictIdle(cutoff time.Time, onEvict func(accountID string)) []string {
	cutoffMs := cutoff.UnixMilli()
	var evicted []string
	s.profiles.DeleteFunc(func(accountID string, p *VelocityProfile) bool {
		if p.lastSeen.Load() >= cutoffMs {
			return false
		}
		if !p.mu.TryLock() {
			return false
		}
		defer p.mu.Unlock()
		if p.lastSeen.Load() >= cutoffMs {
			return false
		}
		p.evicted = true
		if onEvict != nil {
			onEvict(accountID)
		}
		evicted = append(evicted, accountID)
		return true
	})
	return evicted
}
