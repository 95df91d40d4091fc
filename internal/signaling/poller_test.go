package signaling

import (
	"context"
	"testing"
	"time"

	"github.com/eleven-am/camera-backend/internal/bridge"
)

func TestPoller_SamplesConnectedSessions(t *testing.T) {
	neg := newFakeNegotiation("answer")
	neg.mu.Lock()
	neg.stats = bridge.Stats{BitrateBps: 1_500_000, FramesReceived: 300, RTTMs: 12}
	neg.mu.Unlock()

	g := NewGateway(testConfig(), &fakeAdapter{neg: neg}, nil, nil, testLogger())
	g.Start()
	t.Cleanup(func() { _ = g.Close() })

	id := connectedSession(t, g, neg)

	waitFor(t, time.Second, func() bool {
		st, _ := g.GetSessionStatus(id)
		return st.Stats.BitrateBps == 1_500_000 && st.Stats.FramesReceived == 300
	})
}

func TestPoller_IgnoresSessionsWithoutNegotiation(t *testing.T) {
	g := NewGateway(testConfig(), &fakeAdapter{}, nil, nil, testLogger())
	g.Start()
	t.Cleanup(func() { _ = g.Close() })

	id, _ := g.CreateSession(context.Background(), validRequest())

	time.Sleep(5 * testConfig().PollInterval)
	st, err := g.GetSessionStatus(id)
	if err != nil {
		t.Fatalf("GetSessionStatus: %v", err)
	}
	if st.PollMisses != 0 {
		t.Errorf("created session should not accrue misses, got %d", st.PollMisses)
	}
	if st.State != StateCreated {
		t.Errorf("expected created, got %s", st.State)
	}
}

func TestPoller_MissThenRecoveryResetsCounter(t *testing.T) {
	neg := newFakeNegotiation("answer")
	neg.mu.Lock()
	neg.statsErr = context.DeadlineExceeded
	neg.mu.Unlock()

	cfg := testConfig()
	cfg.PollMissLimit = 100 // keep the sweep out of the way
	g := NewGateway(cfg, &fakeAdapter{neg: neg}, nil, nil, testLogger())
	g.Start()
	t.Cleanup(func() { _ = g.Close() })

	id := connectedSession(t, g, neg)

	waitFor(t, time.Second, func() bool {
		st, _ := g.GetSessionStatus(id)
		return st.PollMisses >= 2
	})

	neg.mu.Lock()
	neg.statsErr = nil
	neg.stats = bridge.Stats{BitrateBps: 100}
	neg.mu.Unlock()

	waitFor(t, time.Second, func() bool {
		st, _ := g.GetSessionStatus(id)
		return st.PollMisses == 0 && st.Stats.BitrateBps == 100
	})
}
