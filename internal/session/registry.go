package session

import (
	"sync"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// Registry indexes live sessions by id and owning account. Its lock guards
// only the maps; session state is touched through each machine's own lock
// after enumeration, keeping the account-then-session lock order fixed.
type Registry struct {
	mu        sync.Mutex
	byID      map[uuid.UUID]*Machine
	byAccount map[uuid.UUID]map[uuid.UUID]*Machine
	log       *zap.Logger
}

// NewRegistry builds an empty registry.
func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		byID:      map[uuid.UUID]*Machine{},
		byAccount: map[uuid.UUID]map[uuid.UUID]*Machine{},
		log:       log,
	}
}

// Add registers a machine. Re-adding the same id is a no-op returning the
// existing machine, so duplicate inbound invitations do not fork sessions.
func (r *Registry) Add(m *Machine) *Machine {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byID[m.ID()]; ok {
		return existing
	}
	r.byID[m.ID()] = m
	acct := r.byAccount[m.AccountID()]
	if acct == nil {
		acct = map[uuid.UUID]*Machine{}
		r.byAccount[m.AccountID()] = acct
	}
	acct[m.ID()] = m
	return m
}

// Get looks a session up by id.
func (r *Registry) Get(id uuid.UUID) (*Machine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.byID[id]
	return m, ok
}

// Remove forgets a session.
func (r *Registry) Remove(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)
	if acct := r.byAccount[m.AccountID()]; acct != nil {
		delete(acct, id)
		if len(acct) == 0 {
			delete(r.byAccount, m.AccountID())
		}
	}
}

// Len reports the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// EndAllForAccount tears down every non-terminal session of a deactivated
// account. The account enumeration happens under the registry lock; each
// session lock is then taken one at a time, in a fixed order, outside it.
func (r *Registry) EndAllForAccount(accountID uuid.UUID) int {
	r.mu.Lock()
	sessions := make([]*Machine, 0, len(r.byAccount[accountID]))
	for _, m := range r.byAccount[accountID] {
		sessions = append(sessions, m)
	}
	r.mu.Unlock()

	ended := 0
	for _, m := range sessions {
		if err := m.End(); err == nil {
			ended++
		}
		r.Remove(m.ID())
	}
	if ended > 0 {
		r.log.Info("ended sessions for deactivated account",
			zap.String("account_id", accountID.String()),
			zap.Int("count", ended),
		)
	}
	return ended
}
