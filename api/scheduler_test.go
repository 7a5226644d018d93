package api

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_StartRunsImmediatelyAndStops(t *testing.T) {
	ts := newTestServer(t)
	ts.seed()
	rs := NewReconciliationScheduler(ts.engine, nil)
	rs.CheckInterval = time.Hour

	rs.Start()
	require.Eventually(t, func() bool { return len(rs.Runs()) == 1 }, time.Second, 10*time.Millisecond)
	rs.Stop()
	rs.Stop()

	run := rs.Runs()[0]
	assert.Equal(t, 1, run.Checked)
	assert.Empty(t, run.Mismatches)
}

func TestScheduler_DisabledDoesNothing(t *testing.T) {
	ts := newTestServer(t)
	rs := NewReconciliationScheduler(ts.engine, nil)
	rs.Enabled = false

	rs.Start()
	rs.Stop()

	assert.Empty(t, rs.Runs())
}

func TestScheduler_KeepsNewestRuns(t *testing.T) {
	ts := newTestServer(t)
	rs := NewReconciliationScheduler(ts.engine, nil)
	for i := 0; i < maxRuns+5; i++ {
		rs.RunOnce(context.Background())
	}

	runs := rs.Runs()
	require.Len(t, runs, maxRuns)
	assert.False(t, runs[0].StartedAt.Before(runs[len(runs)-1].StartedAt), "newest first")
}
