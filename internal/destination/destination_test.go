package destination

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idwire/idwire/internal/errs"
)

func TestFromStrings_CollapsesDuplicates(t *testing.T) {
	t.Parallel()

	d, err := FromStrings([]string{
		"mailto:Bob@Example.com",
		"bob@example.com",
		"tel:+1 555 010 2030",
		"+15550102030",
	})
	require.NoError(t, err)
	assert.ElementsMatch(t,
		[]string{"mailto:bob@example.com", "tel:+15550102030"},
		d.NormalizedURIStrings(),
	)
}

func TestFromStrings_MalformedReferenceFails(t *testing.T) {
	t.Parallel()

	_, err := FromStrings([]string{"bob@example.com", "???"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrMalformedIdentity))
}

func TestFromURI_RejectsBareForms(t *testing.T) {
	t.Parallel()

	_, err := FromURI("bob@example.com")
	assert.True(t, errors.Is(err, errs.ErrMalformedIdentity))

	d, err := FromURI("mailto:bob@example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"mailto:bob@example.com"}, d.NormalizedURIStrings())
}

func TestCombine_FlattensAndDedupes(t *testing.T) {
	t.Parallel()

	a, err := FromStrings([]string{"bob@example.com", "alice@example.com"})
	require.NoError(t, err)
	b, err := FromStrings([]string{"alice@example.com", "tel:+15550102030"})
	require.NoError(t, err)

	combined := Combine(a, b)
	assert.ElementsMatch(t,
		[]string{"mailto:alice@example.com", "mailto:bob@example.com", "tel:+15550102030"},
		combined.NormalizedURIStrings(),
	)
	assert.False(t, combined.IsEmpty())
	assert.False(t, combined.IsGuest())
}

func TestGuest_Categorization(t *testing.T) {
	t.Parallel()

	g := Guest("bob@example", "abc123")
	assert.True(t, g.IsGuest())
	assert.False(t, g.IsDevice())
	assert.False(t, g.IsEmpty())
	assert.Equal(t, "bob@example", g.GuestAlias())
	assert.Equal(t, "abc123", g.GuestToken())
}

func TestIsDevice(t *testing.T) {
	t.Parallel()

	d, err := FromURI("device:ABCD-1234")
	require.NoError(t, err)
	assert.True(t, d.IsDevice())
	assert.False(t, d.IsGuest())

	m, err := FromURI("mailto:bob@example.com")
	require.NoError(t, err)
	assert.False(t, m.IsDevice())
}

func TestIsEmpty(t *testing.T) {
	t.Parallel()

	empty, err := FromStrings(nil)
	require.NoError(t, err)
	assert.True(t, empty.IsEmpty())
	assert.False(t, Guest("a", "t").IsEmpty())
}

func TestEndpointKey_Distinguishes(t *testing.T) {
	t.Parallel()

	g1 := Guest("bob@example", "abc123")
	g2 := Guest("bob@example", "other")
	assert.NotEqual(t, guestEndpoint(g1).Key(), guestEndpoint(g2).Key())
}
