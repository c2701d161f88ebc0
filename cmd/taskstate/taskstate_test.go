package taskstate

import (
	"bytes"
	"context"
	"strings"
	"testing"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/restakefi/keyguard/checkpoint"
	"github.com/restakefi/keyguard/common"
	"github.com/restakefi/keyguard/log"
	"github.com/restakefi/keyguard/storage/memory"
)

const registry = "0x1111111111111111111111111111111111111111"

func TestParseTaskKey(t *testing.T) {
	key, err := ParseTaskKey([]string{"17000", registry, "key_removal"})
	require.NoError(t, err)
	require.Equal(t, common.TaskKey{
		ChainID:  17000,
		Registry: ethCommon.HexToAddress(registry),
		Task:     common.TaskKeyRemoval,
	}, key)

	for _, args := range [][]string{
		{"mainnet", registry, "key_removal"},
		{"1", "0x1234", "key_removal"},
		{"1", registry, "key_sweep"},
		{"1", registry},
	} {
		_, err := ParseTaskKey(args)
		require.Error(t, err, "args %v", args)
	}
}

func TestList(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewStore(memory.NewStore(), log.NewNopLogger())
	key, err := ParseTaskKey([]string{"17000", registry, "key_removal"})
	require.NoError(t, err)

	_, err = store.EnsureRunning(ctx, key)
	require.NoError(t, err)
	require.NoError(t, store.Advance(ctx, key, 1234))
	require.NoError(t, store.Pause(ctx, key))

	var out bytes.Buffer
	require.NoError(t, List(ctx, &out, store))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	require.True(t, strings.HasPrefix(lines[0], "CHAIN"))
	fields := strings.Fields(lines[1])
	require.Equal(t, []string{"17000", ethCommon.HexToAddress(registry).Hex(), "key_removal", "paused", "1234"}, fields[:5])
}
