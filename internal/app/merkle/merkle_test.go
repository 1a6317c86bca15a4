package merkle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/modelcoordinator/coordinator/internal/app/domain/merkle"
)

func TestBuildTreeOddLeafCountDuplicatesLast(t *testing.T) {
	leaves := []Leaf{{ID: "a", Hash: "h-a"}, {ID: "b", Hash: "h-b"}, {ID: "c", Hash: "h-c"}}
	tree, ok := BuildTree(leaves)
	require.True(t, ok)

	require.Len(t, tree.Levels[0], 3)
	require.Len(t, tree.Levels[1], 2)
	require.Len(t, tree.Levels[2], 1)

	expectedPair := ConcatHash(ConcatHash("h-a", "h-b"), ConcatHash("h-c", "h-c"))
	assert.Equal(t, expectedPair, tree.Root.Hash)
}

func TestBuildTreeEmptyLeafSet(t *testing.T) {
	_, ok := BuildTree(nil)
	assert.False(t, ok)
}

func TestBuildTreeSortsLeavesByID(t *testing.T) {
	tree, ok := BuildTree([]Leaf{{ID: "z", Hash: "h-z"}, {ID: "a", Hash: "h-a"}})
	require.True(t, ok)
	assert.Equal(t, "a", tree.Levels[0][0].SnapshotID)
	assert.Equal(t, "z", tree.Levels[0][1].SnapshotID)
}

func TestBuildProofAndVerifyRoundTrip(t *testing.T) {
	leaves := []Leaf{
		{ID: "s1", Hash: "h1"}, {ID: "s2", Hash: "h2"},
		{ID: "s3", Hash: "h3"}, {ID: "s4", Hash: "h4"},
	}
	tree, ok := BuildTree(leaves)
	require.True(t, ok)
	AssignIDs(&tree, "cycle-1", true)

	nodes := tree.Flatten()
	for _, leaf := range leaves {
		proof, ok := BuildProof(nodes, findNodeID(nodes, leaf.ID))
		require.True(t, ok, "leaf %s should produce a proof", leaf.ID)
		assert.True(t, VerifyProof(leaf.Hash, proof, tree.Root.Hash), "leaf %s should verify against the root", leaf.ID)
	}
}

func TestVerifyProofRejectsTamperedLeaf(t *testing.T) {
	leaves := []Leaf{{ID: "s1", Hash: "h1"}, {ID: "s2", Hash: "h2"}}
	tree, ok := BuildTree(leaves)
	require.True(t, ok)
	AssignIDs(&tree, "cycle-1", true)

	nodes := tree.Flatten()
	proof, ok := BuildProof(nodes, findNodeID(nodes, "s1"))
	require.True(t, ok)

	assert.False(t, VerifyProof("not-the-real-hash", proof, tree.Root.Hash))
}

func TestBuildProofUnknownLeaf(t *testing.T) {
	tree, ok := BuildTree([]Leaf{{ID: "s1", Hash: "h1"}})
	require.True(t, ok)
	AssignIDs(&tree, "cycle-1", true)

	_, ok = BuildProof(tree.Flatten(), "does-not-exist")
	assert.False(t, ok)
}

func TestChainedRootFirstCycleEqualsSnapshotsRoot(t *testing.T) {
	assert.Equal(t, "snap-root", ChainedRoot("", "snap-root"))
}

func TestChainedRootHashesPreviousWithCurrent(t *testing.T) {
	got := ChainedRoot("prev-root", "snap-root")
	assert.Equal(t, ConcatHash("prev-root", "snap-root"), got)
	assert.NotEqual(t, "snap-root", got)
}

func TestCanonicalSnapshotHashDeterministic(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	summary := map[string]any{"b": 2.0, "a": 1.0}

	h1, err := CanonicalSnapshotHash("model-1", start, end, 10, summary)
	require.NoError(t, err)
	h2, err := CanonicalSnapshotHash("model-1", start, end, 10, map[string]any{"a": 1.0, "b": 2.0})
	require.NoError(t, err)

	assert.Equal(t, h1, h2, "key order in result_summary must not change the hash")
}

func findNodeID(nodes []domain.Node, snapshotID string) string {
	for _, n := range nodes {
		if n.SnapshotID == snapshotID {
			return n.ID
		}
	}
	return ""
}
