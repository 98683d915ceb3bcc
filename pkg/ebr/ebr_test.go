// pkg/ebr/ebr_test.go
package ebr

import "testing"

func TestEBR_RegisterAndEnterExit(t *testing.T) {
	e := New()
	g := e.Register()

	g.Enter(e)
	g.Exit()

	if e.CurrentEpoch() != 0 {
		t.Fatalf("epoch should not move on its own, got %d", e.CurrentEpoch())
	}
}

func TestEBR_SyncAdvancesWhenAllIdle(t *testing.T) {
	e := New()
	e.Register()
	e.Register()

	_, advanced := e.Sync()
	if !advanced {
		t.Fatal("expected epoch to advance when no guard is active")
	}
	if e.CurrentEpoch() != 1 {
		t.Fatalf("expected epoch 1, got %d", e.CurrentEpoch())
	}
}

func TestEBR_SyncBlockedByActiveOldGuard(t *testing.T) {
	e := New()
	g1 := e.Register()
	g2 := e.Register()

	g1.Enter(e) // stamped at epoch 0, stays active
	_ = g2

	// g1 has observed the current epoch, so the first sync may advance;
	// from then on g1 is an old guard.
	if _, advanced := e.Sync(); !advanced {
		t.Fatal("expected first sync to advance while g1 is active at the current epoch")
	}

	_, advanced := e.Sync()
	if advanced {
		t.Fatal("expected sync to refuse advancing while g1 is active at an older epoch")
	}
	if e.CurrentEpoch() != 1 {
		t.Fatalf("epoch moved despite active old reader: %d", e.CurrentEpoch())
	}

	g1.Exit()
	_, advanced = e.Sync()
	if !advanced {
		t.Fatal("expected sync to advance once the active reader exited")
	}
}

func TestEBR_GCEpochTracksGlobal(t *testing.T) {
	e := New()
	if got := e.GCEpoch(); got != 1 {
		t.Fatalf("GCEpoch() = %d, want 1", got)
	}
	e.Register()
	e.Sync()
	if got := e.GCEpoch(); got != 2 {
		t.Fatalf("GCEpoch() after one sync = %d, want 2", got)
	}
}

func TestEBR_CyclesThroughAllEpochs(t *testing.T) {
	e := New()
	e.Register()

	seen := map[uint32]bool{e.CurrentEpoch(): true}
	for i := 0; i < Epochs*2; i++ {
		e.Sync()
		seen[e.CurrentEpoch()] = true
	}
	for epoch := uint32(0); epoch < Epochs; epoch++ {
		if !seen[epoch] {
			t.Errorf("epoch %d was never reached", epoch)
		}
	}
}
