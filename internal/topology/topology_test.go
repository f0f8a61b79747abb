package topology

import (
	"sync"
	"testing"

	"github.com/gofrs/uuid/v5"

	"github.com/idwire/idwire/internal/identity"
	"github.com/idwire/idwire/internal/model"
)

func mustID(t *testing.T) uuid.UUID {
	t.Helper()
	return uuid.Must(uuid.NewV4())
}

func TestView_ApplyBumpsVersion(t *testing.T) {
	t.Parallel()

	v := NewView()
	acct := mustID(t)

	if got := v.Current().Version; got != 0 {
		t.Fatalf("initial version = %d", got)
	}
	s1 := v.Apply(acct, []model.Device{{ID: mustID(t), Connected: true}})
	if s1.Version != 1 {
		t.Fatalf("version after apply = %d", s1.Version)
	}
	if len(v.Current().Devices(acct)) != 1 {
		t.Fatalf("device set not applied")
	}

	s2 := v.Remove(acct)
	if s2.Version != 2 || len(s2.Devices(acct)) != 0 {
		t.Fatalf("remove: version=%d devices=%d", s2.Version, len(s2.Devices(acct)))
	}
}

func TestView_SnapshotIsStable(t *testing.T) {
	t.Parallel()

	v := NewView()
	acct := mustID(t)
	v.Apply(acct, []model.Device{{ID: mustID(t)}})

	old := v.Current()
	v.Apply(acct, []model.Device{{ID: mustID(t)}, {ID: mustID(t)}})

	// A snapshot taken before an update keeps its contents.
	if len(old.Devices(acct)) != 1 {
		t.Fatalf("old snapshot mutated: %d devices", len(old.Devices(acct)))
	}
	if len(v.Current().Devices(acct)) != 2 {
		t.Fatalf("new snapshot wrong: %d devices", len(v.Current().Devices(acct)))
	}
}

func TestSnapshot_DeviceFor(t *testing.T) {
	t.Parallel()

	v := NewView()
	acct := mustID(t)
	id, err := identity.Normalize("mailto:bob@example.com")
	if err != nil {
		t.Fatal(err)
	}
	dev := model.Device{ID: mustID(t), Connected: true, Identities: []identity.Identity{id}}
	v.Apply(acct, []model.Device{dev})

	got, gotAcct, ok := v.Current().DeviceFor(id)
	if !ok || got.ID != dev.ID || gotAcct != acct {
		t.Fatalf("DeviceFor: ok=%v dev=%v acct=%v", ok, got.ID, gotAcct)
	}

	other, err := identity.Normalize("mailto:eve@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if _, _, ok := v.Current().DeviceFor(other); ok {
		t.Fatal("DeviceFor matched an unregistered identity")
	}
}

func TestView_ConcurrentReadersAndWriters(t *testing.T) {
	t.Parallel()

	v := NewView()
	acct := mustID(t)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				v.Apply(acct, []model.Device{{ID: uuid.Must(uuid.NewV4())}})
			}
		}()
	}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s := v.Current()
				_ = s.Devices(acct)
				_ = s.All()
			}
		}()
	}
	wg.Wait()

	if v.Current().Version != 400 {
		t.Fatalf("version = %d, want 400", v.Current().Version)
	}
}
