package keymanager

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSchedulerStartStopDoesNotPanic(t *testing.T) {
	m, identity := newTestManager(t)
	require.NoError(t, m.Bootstrap(identity))

	s := NewScheduler(m, identity, time.Hour)
	s.Start()
	s.Stop()
}

func TestSchedulerDisableBlocksStart(t *testing.T) {
	m, identity := newTestManager(t)
	require.NoError(t, m.Bootstrap(identity))

	s := NewScheduler(m, identity, time.Hour)
	s.Disable()
	s.Start()
	require.Nil(t, s.ctx, "Start should be a no-op while disabled")
}
