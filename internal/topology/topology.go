// Package topology tracks the live device set per account. The view is
// read-mostly: topology events swap in a fresh snapshot, readers always see a
// consistent version and never iterate a mutating container.
package topology

import (
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/idwire/idwire/internal/identity"
	"github.com/idwire/idwire/internal/model"
)

// Snapshot is an immutable view of the device topology at one version.
type Snapshot struct {
	Version uint64
	At      time.Time

	byAccount map[uuid.UUID][]model.Device
}

// Devices returns the device set for one account. The returned slice is owned
// by the snapshot and must not be mutated.
func (s Snapshot) Devices(account uuid.UUID) []model.Device {
	return s.byAccount[account]
}

// All returns every device across accounts.
func (s Snapshot) All() []model.Device {
	var out []model.Device
	for _, ds := range s.byAccount {
		out = append(out, ds...)
	}
	return out
}

// DeviceFor finds a device registered for the given identity.
func (s Snapshot) DeviceFor(id identity.Identity) (model.Device, uuid.UUID, bool) {
	for acct, ds := range s.byAccount {
		for _, d := range ds {
			if d.ReachableFor(id) {
				return d, acct, true
			}
		}
	}
	return model.Device{}, uuid.Nil, false
}

// View holds the current snapshot and applies topology events.
type View struct {
	mu  sync.RWMutex
	cur Snapshot
}

// NewView returns an empty view at version zero.
func NewView() *View {
	return &View{cur: Snapshot{byAccount: map[uuid.UUID][]model.Device{}}}
}

// Apply replaces one account's device set and publishes a new snapshot.
func (v *View) Apply(account uuid.UUID, devices []model.Device) Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()

	next := make(map[uuid.UUID][]model.Device, len(v.cur.byAccount)+1)
	for k, ds := range v.cur.byAccount {
		next[k] = ds
	}
	if len(devices) == 0 {
		delete(next, account)
	} else {
		next[account] = append([]model.Device(nil), devices...)
	}
	v.cur = Snapshot{
		Version:   v.cur.Version + 1,
		At:        time.Now(),
		byAccount: next,
	}
	return v.cur
}

// Remove drops an account's devices entirely.
func (v *View) Remove(account uuid.UUID) Snapshot {
	return v.Apply(account, nil)
}

// Current returns the latest snapshot.
func (v *View) Current() Snapshot {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.cur
}
