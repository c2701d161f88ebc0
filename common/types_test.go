package common

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEventPositionBefore(t *testing.T) {
	p := EventPosition{BlockNumber: 10, LogIndex: 3}
	require.True(t, EventPosition{BlockNumber: 9, LogIndex: 7}.Before(p))
	require.True(t, EventPosition{BlockNumber: 10, LogIndex: 2}.Before(p))
	require.False(t, p.Before(p))
	require.False(t, EventPosition{BlockNumber: 10, LogIndex: 4}.Before(p))
	require.False(t, EventPosition{BlockNumber: 11}.Before(p))

	ev := &RemovalEvent{BlockNumber: 10, LogIndex: 3}
	k := &ValidatorKey{AddedBlockNumber: 10, AddedLogIndex: 1}
	require.Equal(t, p, ev.Position())
	require.True(t, k.AddedAt().Before(ev.Position()))
}
