package devicestate_test

import (
	"context"
	"testing"

	"github.com/projectceladon/kernelflinger-go/internal/bfail"
	"github.com/projectceladon/kernelflinger-go/internal/devicestate"
)

// fakeVars is an in-memory platform.NvVars, exercising the
// authenticated-NV backing path (no TPM).
type fakeVars struct {
	data map[string][]byte
}

func newFakeVars() *fakeVars { return &fakeVars{data: make(map[string][]byte)} }

func key(ns, name string) string { return ns + "/" + name }

func (f *fakeVars) Get(ns, name string) ([]byte, error) {
	v, ok := f.data[key(ns, name)]
	if !ok {
		return nil, bfail.New("fakeVars.Get", bfail.NotFound, nil)
	}
	return v, nil
}

func (f *fakeVars) Set(ns, name string, value []byte, _ bool) error {
	f.data[key(ns, name)] = value
	return nil
}

func (f *fakeVars) Del(ns, name string) error {
	delete(f.data, key(ns, name))
	return nil
}

func TestRollbackIndexRefusesDecrease(t *testing.T) {
	vars := newFakeVars()
	s := devicestate.New(nil, vars, devicestate.BuildUser, true)
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if err := s.WriteRollbackIndex(ctx, 0, 5); err != nil {
		t.Fatalf("WriteRollbackIndex: %v", err)
	}
	if got := s.ReadRollbackIndex(0); got != 5 {
		t.Fatalf("ReadRollbackIndex = %d, want 5", got)
	}

	if err := s.WriteRollbackIndex(ctx, 0, 3); !bfail.Is(err, bfail.PolicyViolation) {
		t.Fatalf("expected PolicyViolation on decrease, got %v", err)
	}
	if got := s.ReadRollbackIndex(0); got != 5 {
		t.Fatalf("index changed after refused write: %d", got)
	}
}

func TestLockStateDefaultsByBuild(t *testing.T) {
	vars := newFakeVars()
	userStore := devicestate.New(nil, vars, devicestate.BuildUser, true)
	userStore.Init(context.Background())
	if got := userStore.ReadLockState(context.Background()); got != devicestate.Locked {
		t.Fatalf("user build default = %v, want Locked", got)
	}
}
