package fraud

import (
	"slices"
	"strings"
	"sync"

	"github.com/mbd888/fraudgate/internal/syncutil"
)

// MaxDevicesPerAccount bounds the device history kept per account.
const MaxDevicesPerAccount = 5

const maxIdentifierLen = 256

// validIdentifier rejects blank and whitespace-padded ids. Transactions
// arrive trimmed, so a padded entry could never match one.
func validIdentifier(id string) bool {
	return id != "" && strings.TrimSpace(id) == id && len(id) <= maxIdentifierLen
}

// MaskIdentifier hides all but the last four digits of a card number. Account
// and merchant ids are returned unchanged.
func MaskIdentifier(id string) string {
	if len(id) < 12 || strings.IndexFunc(id, func(r rune) bool { return r < '0' || r > '9' }) >= 0 {
		return id
	}
	return strings.Repeat("*", len(id)-4) + id[len(id)-4:]
}

// Blocklist is a set of blocked identifiers: card numbers, account ids or
// merchant ids. It is read on every evaluation and written rarely.
type Blocklist struct {
	mu  sync.RWMutex
	ids map[string]struct{}
}

// NewBlocklist creates an empty blocklist.
func NewBlocklist() *Blocklist {
	return &Blocklist{ids: make(map[string]struct{})}
}

// Add blocklists id and reports whether it was newly added.
func (b *Blocklist) Add(id string) bool {
	if !validIdentifier(id) {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.ids[id]; ok {
		return false
	}
	b.ids[id] = struct{}{}
	return true
}

// Remove takes id off the blocklist and reports whether it was present.
func (b *Blocklist) Remove(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.ids[id]; !ok {
		return false
	}
	delete(b.ids, id)
	return true
}

// Contains reports whether id is blocklisted.
func (b *Blocklist) Contains(id string) bool {
	if id == "" {
		return false
	}
	b.mu.RLock()
	_, ok := b.ids[id]
	b.mu.RUnlock()
	return ok
}

// Len returns the number of blocklisted identifiers.
func (b *Blocklist) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.ids)
}

// List returns all blocklisted identifiers in sorted order.
func (b *Blocklist) List() []string {
	b.mu.RLock()
	out := make([]string, 0, len(b.ids))
	for id := range b.ids {
		out = append(out, id)
	}
	b.mu.RUnlock()
	slices.Sort(out)
	return out
}

// DeviceHistory remembers the most recent device fingerprints per account.
type DeviceHistory struct {
	devices *syncutil.ShardedMap[[]string]
}

// NewDeviceHistory creates an empty device history.
func NewDeviceHistory() *DeviceHistory {
	return &DeviceHistory{devices: syncutil.NewShardedMap[[]string]()}
}

// Observe records fingerprint for the account. It returns how many devices
// were known before the call and whether fingerprint was one of them. An
// unknown fingerprint is appended, dropping the oldest beyond
// MaxDevicesPerAccount.
func (d *DeviceHistory) Observe(accountID, fingerprint string) (knownBefore int, seen bool) {
	d.devices.Update(accountID, func(cur []string, _ bool) ([]string, bool) {
		knownBefore = len(cur)
		if slices.Contains(cur, fingerprint) {
			seen = true
			return cur, true
		}
		next := make([]string, 0, min(len(cur)+1, MaxDevicesPerAccount))
		if len(cur) >= MaxDevicesPerAccount {
			cur = cur[len(cur)-MaxDevicesPerAccount+1:]
		}
		next = append(next, cur...)
		next = append(next, fingerprint)
		return next, true
	})
	return knownBefore, seen
}

// Known returns a copy of the account's known fingerprints, oldest first.
func (d *DeviceHistory) Known(accountID string) []string {
	cur, ok := d.devices.Load(accountID)
	if !ok {
		return nil
	}
	return slices.Clone(cur)
}

// Forget drops the account's device history.
func (d *DeviceHistory) Forget(accountID string) {
	d.devices.Delete(accountID)
}

// Len returns the number of accounts with device history.
func (d *DeviceHistory) Len() int {
	return d.devices.Len()
}
