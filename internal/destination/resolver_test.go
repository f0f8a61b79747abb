package destination

import (
	"testing"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idwire/idwire/internal/identity"
	"github.com/idwire/idwire/internal/model"
	"github.com/idwire/idwire/internal/topology"
)

func ident(t *testing.T, s string) identity.Identity {
	t.Helper()
	id, err := identity.Normalize(s)
	require.NoError(t, err)
	return id
}

// Account with two devices: D1 reachable for I1, D2 reachable for I1 and I2.
func twoDeviceFixture(t *testing.T) (*Resolver, model.Account, model.Device, model.Device) {
	t.Helper()

	i1 := ident(t, "mailto:bob@example.com")
	i2 := ident(t, "tel:+15550102030")

	d1 := model.Device{ID: uuid.Must(uuid.NewV4()), Name: "phone", Connected: true, Identities: []identity.Identity{i1}}
	d2 := model.Device{ID: uuid.Must(uuid.NewV4()), Name: "laptop", Connected: true, Identities: []identity.Identity{i1, i2}}
	acct := model.Account{ID: uuid.Must(uuid.NewV4()), Active: true, Enabled: true}

	view := topology.NewView()
	view.Apply(acct.ID, []model.Device{d1, d2})
	return NewResolver(view), acct, d1, d2
}

func deviceIDs(eps []Endpoint) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(eps))
	for _, ep := range eps {
		out = append(out, ep.DeviceID)
	}
	return out
}

func TestResolve_ExpandsAgainstDeviceSet(t *testing.T) {
	t.Parallel()

	r, acct, d1, d2 := twoDeviceFixture(t)

	dest, err := FromStrings([]string{"bob@example.com"})
	require.NoError(t, err)
	eps := r.Resolve(dest, acct, ResolveOptions{})
	assert.ElementsMatch(t, []uuid.UUID{d1.ID, d2.ID}, deviceIDs(eps))

	dest, err = FromStrings([]string{"+15550102030"})
	require.NoError(t, err)
	eps = r.Resolve(dest, acct, ResolveOptions{})
	assert.ElementsMatch(t, []uuid.UUID{d2.ID}, deviceIDs(eps))
}

func TestResolve_UnionWithoutDuplicates(t *testing.T) {
	t.Parallel()

	r, acct, d1, d2 := twoDeviceFixture(t)

	dest, err := FromStrings([]string{"bob@example.com", "+15550102030"})
	require.NoError(t, err)
	eps := r.Resolve(dest, acct, ResolveOptions{})

	// D2 is reachable for both identities but appears once.
	assert.ElementsMatch(t, []uuid.UUID{d1.ID, d2.ID}, deviceIDs(eps))
	for _, ep := range eps {
		assert.True(t, ep.Reachable)
		assert.False(t, ep.Guest)
	}
}

func TestResolve_RetainsUnreachable(t *testing.T) {
	t.Parallel()

	r, acct, _, _ := twoDeviceFixture(t)

	dest, err := FromStrings([]string{"stranger@example.com"})
	require.NoError(t, err)

	eps := r.Resolve(dest, acct, ResolveOptions{})
	require.Len(t, eps, 1)
	assert.False(t, eps[0].Reachable)
	assert.Equal(t, uuid.Nil, eps[0].DeviceID)

	// ReachableOnly drops it instead.
	eps = r.Resolve(dest, acct, ResolveOptions{ReachableOnly: true})
	assert.Empty(t, eps)
}

func TestResolve_SkipsDeadDevices(t *testing.T) {
	t.Parallel()

	i1 := ident(t, "mailto:bob@example.com")
	dead := model.Device{ID: uuid.Must(uuid.NewV4()), Identities: []identity.Identity{i1}}
	acct := model.Account{ID: uuid.Must(uuid.NewV4())}

	view := topology.NewView()
	view.Apply(acct.ID, []model.Device{dead})
	r := NewResolver(view)

	dest, err := FromStrings([]string{"bob@example.com"})
	require.NoError(t, err)
	eps := r.Resolve(dest, acct, ResolveOptions{})
	require.Len(t, eps, 1)
	assert.False(t, eps[0].Reachable)
}

func TestResolve_GuestBypassesDevices(t *testing.T) {
	t.Parallel()

	r, acct, _, _ := twoDeviceFixture(t)

	eps := r.Resolve(Guest("bob@example", "abc123"), acct, ResolveOptions{})
	require.Len(t, eps, 1)
	assert.True(t, eps[0].Guest)
	assert.False(t, eps[0].Guest && eps[0].DeviceID != uuid.Nil)
	assert.Equal(t, "abc123", eps[0].PushToken)
	assert.True(t, eps[0].Reachable)
}

func TestResolve_NoDevicesYieldsEmptyNotError(t *testing.T) {
	t.Parallel()

	view := topology.NewView()
	r := NewResolver(view)
	acct := model.Account{ID: uuid.Must(uuid.NewV4())}

	dest, err := FromStrings(nil)
	require.NoError(t, err)
	eps := r.Resolve(dest, acct, ResolveOptions{})
	assert.Empty(t, eps)
	assert.True(t, dest.IsEmpty())
}

func TestResolve_SeesLatestTopology(t *testing.T) {
	t.Parallel()

	i1 := ident(t, "mailto:bob@example.com")
	acct := model.Account{ID: uuid.Must(uuid.NewV4())}
	view := topology.NewView()
	r := NewResolver(view)

	dest, err := FromStrings([]string{"bob@example.com"})
	require.NoError(t, err)

	eps := r.Resolve(dest, acct, ResolveOptions{ReachableOnly: true})
	assert.Empty(t, eps)

	dev := model.Device{ID: uuid.Must(uuid.NewV4()), Connected: true, Identities: []identity.Identity{i1}}
	view.Apply(acct.ID, []model.Device{dev})

	eps = r.Resolve(dest, acct, ResolveOptions{ReachableOnly: true})
	require.Len(t, eps, 1)
	assert.Equal(t, dev.ID, eps[0].DeviceID)
}
