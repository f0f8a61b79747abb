// Package destination builds and resolves addressing targets. A Destination
// is a value object constructed fresh per send; resolution expands it into
// the concrete endpoint set for the current device topology.
package destination

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gofrs/uuid/v5"

	"github.com/idwire/idwire/internal/errs"
	"github.com/idwire/idwire/internal/identity"
)

// Destination is a resolved-or-resolvable addressing target: a set of
// identities, a guest reference (alias + push token, no backing account), or
// a flattened composite of other Destinations.
type Destination struct {
	identities []identity.Identity // deduped, sorted by canonical string

	guest      bool
	guestAlias string
	guestToken string
}

// FromString builds a destination from one raw reference (prefixed or bare).
func FromString(s string) (Destination, error) {
	id, err := identity.Normalize(s)
	if err != nil {
		return Destination{}, err
	}
	return Destination{identities: []identity.Identity{id}}, nil
}

// FromURI builds a destination from a scheme-prefixed URI only.
func FromURI(uri string) (Destination, error) {
	if !strings.Contains(uri, ":") {
		return Destination{}, fmt.Errorf("unprefixed uri %q: %w", uri, errs.ErrMalformedIdentity)
	}
	id, err := identity.Normalize(uri)
	if err != nil {
		return Destination{}, err
	}
	return Destination{identities: []identity.Identity{id}}, nil
}

// FromStrings builds an aggregate destination from raw references, collapsing
// duplicates by canonical identity equality.
func FromStrings(ss []string) (Destination, error) {
	idents := make([]identity.Identity, 0, len(ss))
	for _, s := range ss {
		id, err := identity.Normalize(s)
		if err != nil {
			return Destination{}, fmt.Errorf("reference %q: %w", s, err)
		}
		idents = append(idents, id)
	}
	return Destination{identities: dedupe(idents)}, nil
}

// Guest builds a guest destination from an alias and an opaque push token.
// Guests have no backing account and resolve to exactly one endpoint.
func Guest(alias, pushToken string) Destination {
	return Destination{guest: true, guestAlias: alias, guestToken: pushToken}
}

// Combine flattens destinations into a single unordered identity set. Guest
// destinations cannot be combined; the first guest input is returned as-is.
func Combine(ds ...Destination) Destination {
	var idents []identity.Identity
	for _, d := range ds {
		if d.guest {
			return d
		}
		idents = append(idents, d.identities...)
	}
	return Destination{identities: dedupe(idents)}
}

func dedupe(ids []identity.Identity) []identity.Identity {
	seen := make(map[string]struct{}, len(ids))
	out := make([]identity.Identity, 0, len(ids))
	for _, id := range ids {
		key := id.Canonical()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Canonical() < out[j].Canonical() })
	return out
}

// NormalizedURIs returns the deduped identity set.
func (d Destination) NormalizedURIs() []identity.Identity {
	return append([]identity.Identity(nil), d.identities...)
}

// NormalizedURIStrings returns the canonical strings of the identity set.
func (d Destination) NormalizedURIStrings() []string {
	out := make([]string, 0, len(d.identities))
	for _, id := range d.identities {
		out = append(out, id.Canonical())
	}
	return out
}

// IsGuest reports whether this is a guest (alias + push token) destination.
func (d Destination) IsGuest() bool { return d.guest }

// IsDevice reports whether this is a single device-URI destination. Guest and
// device are mutually exclusive.
func (d Destination) IsDevice() bool {
	return !d.guest && len(d.identities) == 1 && d.identities[0].Type() == identity.TypeDevice
}

// IsEmpty reports whether the destination can resolve to any endpoint at all.
func (d Destination) IsEmpty() bool {
	return !d.guest && len(d.identities) == 0
}

// GuestAlias returns the alias of a guest destination.
func (d Destination) GuestAlias() string { return d.guestAlias }

// GuestToken returns the opaque push token of a guest destination.
func (d Destination) GuestToken() string { return d.guestToken }

// Endpoint is one concrete receiver: an (account, device) pair, a retained
// unreachable identity, or a guest target.
type Endpoint struct {
	Identity  identity.Identity
	AccountID uuid.UUID
	DeviceID  uuid.UUID

	Guest     bool
	PushToken string

	// Reachable is false when the identity matched no live device. The
	// endpoint is retained so the send fails for it instead of silently
	// dropping it.
	Reachable bool
}

// Key returns a stable map key for outcome bookkeeping.
func (e Endpoint) Key() string {
	if e.Guest {
		return "guest|" + e.Identity.Canonical() + "|" + e.PushToken
	}
	return e.AccountID.String() + "|" + e.DeviceID.String() + "|" + e.Identity.Canonical()
}
