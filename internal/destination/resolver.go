package destination

import (
	"github.com/idwire/idwire/internal/identity"
	"github.com/idwire/idwire/internal/model"
	"github.com/idwire/idwire/internal/topology"
)

// ResolveOptions tune endpoint expansion.
type ResolveOptions struct {
	// ReachableOnly drops identities that match no live device instead of
	// retaining them as unreachable endpoints.
	ReachableOnly bool
}

// Resolver expands destinations against the current device topology. It
// consults the view on every call; resolution never works from a snapshot
// older than the most recent topology event.
type Resolver struct {
	view *topology.View
}

// NewResolver builds a resolver over the given topology view.
func NewResolver(view *topology.View) *Resolver {
	return &Resolver{view: view}
}

// Resolve expands the destination into concrete endpoints for the account.
//
// Guest destinations bypass device expansion and yield exactly one endpoint.
// Otherwise every identity is matched against the account's live devices; a
// device reachable for several of the requested identities appears once. An
// identity with no live device is retained as an unreachable endpoint unless
// opts.ReachableOnly is set. An account with no devices yields an empty (or
// all-unreachable) set, not an error; callers check emptiness before sending.
func (r *Resolver) Resolve(d Destination, account model.Account, opts ResolveOptions) []Endpoint {
	if d.IsGuest() {
		return []Endpoint{guestEndpoint(d)}
	}

	devices := r.view.Current().Devices(account.ID)

	var out []Endpoint
	seen := make(map[string]struct{})
	for _, id := range d.NormalizedURIs() {
		matched := false
		for _, dev := range devices {
			if !dev.Live() || !dev.ReachableFor(id) {
				continue
			}
			matched = true
			ep := Endpoint{
				Identity:  id,
				AccountID: account.ID,
				DeviceID:  dev.ID,
				Reachable: true,
			}
			devKey := account.ID.String() + "|" + dev.ID.String()
			if _, dup := seen[devKey]; dup {
				continue
			}
			seen[devKey] = struct{}{}
			out = append(out, ep)
		}
		if !matched && !opts.ReachableOnly {
			key := "unreachable|" + id.Canonical()
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, Endpoint{
				Identity:  id,
				AccountID: account.ID,
				Reachable: false,
			})
		}
	}
	return out
}

func guestEndpoint(d Destination) Endpoint {
	ep := Endpoint{
		Guest:     true,
		PushToken: d.GuestToken(),
		Reachable: true,
	}
	// Guest aliases are best-effort identities; an unparseable alias stays
	// opaque and the endpoint is still addressable by token.
	if id, err := identity.Normalize(d.GuestAlias()); err == nil {
		ep.Identity = id
	}
	return ep
}
