package protocol_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cortexlab/instrclient/protocol"
	"github.com/cortexlab/instrclient/wire"
)

func TestSequenceAllocationNeverZeroOrDuplicate(t *testing.T) {
	table := protocol.NewInflightTable()
	seen := make(map[uint32]bool)

	for i := 0; i < 5000; i++ {
		seq := table.Add(protocol.Completion{})
		require.NotEqual(t, wire.NoSequence, seq)
		require.False(t, seen[seq], "sequence %d allocated twice while in flight", seq)
		seen[seq] = true
	}
}

func TestAllocationAfterDeleteNeverZero(t *testing.T) {
	table := protocol.NewInflightTable()
	seq := table.Add(protocol.Completion{})
	table.Delete(seq)

	// Allocate many more after a delete; none of them may be the
	// reserved sentinel 0.
	for i := 0; i < 100; i++ {
		other := table.Add(protocol.Completion{})
		require.NotZero(t, other)
	}
}

func TestDeleteOfSequenceZeroIsNoop(t *testing.T) {
	table := protocol.NewInflightTable()
	_, _, present := table.Delete(wire.NoSequence)
	require.False(t, present)
}

func TestClearDropsAllEntries(t *testing.T) {
	table := protocol.NewInflightTable()
	for i := 0; i < 10; i++ {
		table.Add(protocol.Completion{})
	}
	require.Equal(t, 10, table.Len())
	table.Clear()
	require.Equal(t, 0, table.Len())
}
