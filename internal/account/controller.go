// Package account maintains the local view of the directory's accounts for
// one service. The directory owns account state; the controller only applies
// its add/update/remove events and forwards fire-and-forget intents.
package account

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/idwire/idwire/internal/model"
)

// IntentSender forwards an account intent to the external directory layer.
type IntentSender func(ctx context.Context, accountID uuid.UUID, intent model.AccountIntent) error

// Controller is the per-service account registry.
type Controller struct {
	service string
	intents IntentSender
	log     *zap.Logger

	// onDeactivate fires after an account flips from active to inactive, so
	// the service layer can batch-end its sessions.
	onDeactivate func(accountID uuid.UUID)

	mu       sync.RWMutex
	accounts map[uuid.UUID]model.Account
}

// NewController builds an empty controller for a service.
func NewController(service string, intents IntentSender, onDeactivate func(uuid.UUID), log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	if onDeactivate == nil {
		onDeactivate = func(uuid.UUID) {}
	}
	if intents == nil {
		intents = func(context.Context, uuid.UUID, model.AccountIntent) error { return nil }
	}
	return &Controller{
		service:      service,
		intents:      intents,
		onDeactivate: onDeactivate,
		log:          log,
		accounts:     map[uuid.UUID]model.Account{},
	}
}

// ServiceName returns the service this controller tracks.
func (c *Controller) ServiceName() string { return c.service }

// Apply upserts an account from a directory event. A transition from active
// to inactive triggers the deactivation callback after the lock is released.
func (c *Controller) Apply(a model.Account) {
	c.mu.Lock()
	prev, existed := c.accounts[a.ID]
	c.accounts[a.ID] = a
	c.mu.Unlock()

	if existed && prev.Active && !a.Active {
		c.log.Info("account deactivated",
			zap.String("account_id", a.ID.String()),
			zap.String("login_id", a.LoginID),
		)
		c.onDeactivate(a.ID)
	}
}

// Remove drops an account. Removal of an active account also cascades.
func (c *Controller) Remove(id uuid.UUID) {
	c.mu.Lock()
	prev, existed := c.accounts[id]
	delete(c.accounts, id)
	c.mu.Unlock()

	if existed && prev.Active {
		c.onDeactivate(id)
	}
}

// Get returns one account by id.
func (c *Controller) Get(id uuid.UUID) (model.Account, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.accounts[id]
	return a, ok
}

// Accounts returns all known accounts, ordered by login id for stable output.
func (c *Controller) Accounts() []model.Account {
	c.mu.RLock()
	out := make([]model.Account, 0, len(c.accounts))
	for _, a := range c.accounts {
		out = append(out, a)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].LoginID < out[j].LoginID })
	return out
}

// EnabledAccounts returns accounts the user has not disabled.
func (c *Controller) EnabledAccounts() []model.Account {
	all := c.Accounts()
	out := all[:0]
	for _, a := range all {
		if a.Enabled && !a.UserDisabled {
			out = append(out, a)
		}
	}
	return out
}

// Best returns the preferred sending account: the first that is both active
// and enabled, or the sole account when only one exists.
func (c *Controller) Best() (model.Account, bool) {
	all := c.Accounts()
	if len(all) == 1 {
		return all[0], true
	}
	for _, a := range all {
		if a.Active && a.Enabled {
			return a, true
		}
	}
	return model.Account{}, false
}

// Authenticate, Register, Unregister, and Deactivate forward intents to the
// directory. They validate only that the account is known locally.

func (c *Controller) Authenticate(ctx context.Context, id uuid.UUID) error {
	return c.intent(ctx, id, model.IntentAuthenticate)
}

func (c *Controller) Register(ctx context.Context, id uuid.UUID) error {
	return c.intent(ctx, id, model.IntentRegister)
}

func (c *Controller) Unregister(ctx context.Context, id uuid.UUID) error {
	return c.intent(ctx, id, model.IntentUnregister)
}

func (c *Controller) Deactivate(ctx context.Context, id uuid.UUID) error {
	return c.intent(ctx, id, model.IntentDeactivate)
}

func (c *Controller) intent(ctx context.Context, id uuid.UUID, intent model.AccountIntent) error {
	if _, ok := c.Get(id); !ok {
		return fmt.Errorf("validation: unknown account %s", id)
	}
	c.log.Debug("forwarding account intent",
		zap.String("account_id", id.String()),
		zap.String("intent", intent.String()),
	)
	return c.intents(ctx, id, intent)
}
