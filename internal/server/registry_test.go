package server

import (
	"testing"
	"time"
)

func TestRegistry_AddGetRemove(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	h := newHarness(t, noopOrchestrator())

	r.Add(h.session)
	if got := r.Get(testSessionID); got != h.session {
		t.Fatal("Get did not return the added session")
	}
	if got := r.Count(); got != 1 {
		t.Errorf("Count() = %d, want 1", got)
	}

	r.Remove(testSessionID)
	if got := r.Get(testSessionID); got != nil {
		t.Error("Get returned a removed session")
	}
	if got := r.Count(); got != 0 {
		t.Errorf("Count() after remove = %d, want 0", got)
	}
}

func TestRegistry_ByDevicePrefersNewestSession(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	older := newHarness(t, noopOrchestrator()).session
	older.connectedAt = time.Now().Add(-time.Minute)
	newer := newHarness(t, noopOrchestrator()).session
	newer.ID = "sess-2"

	r.Add(older)
	r.Add(newer)

	if got := r.ByDevice(testDeviceID); got != newer {
		t.Error("ByDevice did not pick the most recent connection")
	}
	if got := r.ByDevice("unknown-device"); got != nil {
		t.Error("ByDevice returned a session for an unknown device")
	}
}

func TestRegistry_Snapshot(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	h := newHarness(t, noopOrchestrator())
	h.hello(t)
	r.Add(h.session)

	infos := r.Snapshot()
	if len(infos) != 1 {
		t.Fatalf("Snapshot() returned %d entries, want 1", len(infos))
	}
	info := infos[0]
	if info.SessionID != testSessionID || info.DeviceID != testDeviceID {
		t.Errorf("snapshot entry = %+v", info)
	}
	if info.State != StateIdle {
		t.Errorf("snapshot state = %q, want idle", info.State)
	}
	if info.ConnectedAt.IsZero() {
		t.Error("snapshot has zero connect time")
	}
}
