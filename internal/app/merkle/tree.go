// Package merkle builds and verifies the binary hash trees that anchor
// snapshot content per score cycle and chain cycles into checkpoints.
//
// Hashes are concatenated as lowercase hex strings, ASCII-encoded, not as
// raw bytes — a binary-byte implementation produces different roots.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	domain "github.com/modelcoordinator/coordinator/internal/app/domain/merkle"
)

// sha256Hex hashes raw bytes and returns the lowercase hex digest.
func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// ConcatHash hashes the ASCII concatenation of two hex digests, in the order
// given.
func ConcatHash(left, right string) string {
	return sha256Hex([]byte(left + right))
}

// CanonicalSnapshotHash reproduces the challenge-facing content hash used as
// a leaf: SHA256 of the sort-keys, compact-separator JSON encoding of the
// snapshot's identity fields.
func CanonicalSnapshotHash(modelID string, periodStart, periodEnd time.Time, predictionCount int, resultSummary map[string]any) (string, error) {
	payload := map[string]any{
		"model_id":         modelID,
		"period_start":     periodStart.UTC().Format(time.RFC3339),
		"period_end":       periodEnd.UTC().Format(time.RFC3339),
		"prediction_count": predictionCount,
		"result_summary":   resultSummary,
	}
	// encoding/json sorts map[string]any keys alphabetically at every
	// nesting level and emits no extraneous whitespace, matching
	// json.dumps(sort_keys=True, separators=(",", ":")).
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("canonical snapshot hash: %w", err)
	}
	return sha256Hex(raw), nil
}

// Leaf is one input to BuildTree: a stable id plus the content hash to seal.
type Leaf struct {
	ID   string
	Hash string
}

// Tree is an in-memory binary hash tree built from a leaf set.
type Tree struct {
	Levels [][]domain.Node // Levels[0] is the leaf level.
	Root   domain.Node
}

// BuildTree pairs adjacent nodes bottom-up, duplicating the last node of a
// level when its count is odd (never padding with a zero hash), until a
// single root remains. An empty leaf set returns ok=false.
func BuildTree(leaves []Leaf) (Tree, bool) {
	if len(leaves) == 0 {
		return Tree{}, false
	}

	sorted := make([]Leaf, len(leaves))
	copy(sorted, leaves)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	level := make([]domain.Node, len(sorted))
	for i, l := range sorted {
		level[i] = domain.Node{
			Level:      0,
			Position:   i,
			Hash:       l.Hash,
			SnapshotID: l.ID,
		}
	}

	var levels [][]domain.Node
	levels = append(levels, level)

	lvl := 0
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([]domain.Node, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			left, right := level[i], level[i+1]
			parent := domain.Node{
				Level:       lvl + 1,
				Position:    len(next),
				Hash:        ConcatHash(left.Hash, right.Hash),
				LeftChildID: left.ID,
				RightChildID: right.ID,
			}
			next = append(next, parent)
		}
		levels = append(levels, next)
		level = next
		lvl++
	}

	return Tree{Levels: levels, Root: level[0]}, true
}

// AssignIDs stamps deterministic ids onto every node of the tree, scoped to
// either a cycle or a checkpoint, in the form MRK_{scopeID}_{level}_{position}.
// It also sets every internal node's LeftChildID/RightChildID to these ids,
// which BuildTree leaves empty; the parent of a duplicated last node gets the
// same id on both sides.
func AssignIDs(tree *Tree, scopeID string, cycleScoped bool) {
	for li := range tree.Levels {
		for ni := range tree.Levels[li] {
			n := &tree.Levels[li][ni]
			n.ID = fmt.Sprintf("MRK_%s_%d_%d", scopeID, n.Level, n.Position)
			if cycleScoped {
				n.CycleID = scopeID
			} else {
				n.CheckpointID = scopeID
			}
		}
	}
	// Leaves keep SnapshotID set from BuildTree; re-link parent pointers now
	// that child ids are stable.
	for li := 1; li < len(tree.Levels); li++ {
		prev := tree.Levels[li-1]
		for ni := range tree.Levels[li] {
			n := &tree.Levels[li][ni]
			leftIdx := ni * 2
			rightIdx := leftIdx + 1
			if rightIdx >= len(prev) {
				rightIdx = leftIdx
			}
			n.LeftChildID = prev[leftIdx].ID
			n.RightChildID = prev[rightIdx].ID
		}
	}
	tree.Root = tree.Levels[len(tree.Levels)-1][0]
}

// Flatten returns every node across every level, leaves first.
func (t Tree) Flatten() []domain.Node {
	var out []domain.Node
	for _, level := range t.Levels {
		out = append(out, level...)
	}
	return out
}

// BuildProof walks parent pointers from a leaf up to the root, recording the
// sibling hash and side at each level.
func BuildProof(nodes []domain.Node, leafID string) (domain.Proof, bool) {
	byID := make(map[string]domain.Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}

	leaf, ok := byID[leafID]
	if !ok {
		return domain.Proof{}, false
	}

	parentOf := make(map[string]domain.Node)
	for _, n := range nodes {
		if n.LeftChildID != "" {
			parentOf[n.LeftChildID] = n
		}
		if n.RightChildID != "" {
			parentOf[n.RightChildID] = n
		}
	}

	proof := domain.Proof{LeafID: leafID, Leaf: leaf.Hash}
	cur := leaf
	for {
		parent, ok := parentOf[cur.ID]
		if !ok {
			break
		}
		if parent.LeftChildID == cur.ID {
			sibling := byID[parent.RightChildID]
			proof.Steps = append(proof.Steps, domain.ProofStep{Hash: sibling.Hash, Position: domain.PositionRight})
		} else {
			sibling := byID[parent.LeftChildID]
			proof.Steps = append(proof.Steps, domain.ProofStep{Hash: sibling.Hash, Position: domain.PositionLeft})
		}
		cur = parent
	}
	proof.Root = cur.Hash
	return proof, true
}

// VerifyProof iteratively re-hashes from leaf to root and compares against
// the expected root.
func VerifyProof(leafHash string, proof domain.Proof, expectedRoot string) bool {
	cur := leafHash
	for _, step := range proof.Steps {
		if step.Position == domain.PositionRight {
			cur = ConcatHash(cur, step.Hash)
		} else {
			cur = ConcatHash(step.Hash, cur)
		}
	}
	return cur == expectedRoot
}

// ChainedRoot computes I5: the first cycle's chained root equals its own
// snapshots root; every later cycle hashes the previous chained root with
// its own snapshots root.
func ChainedRoot(previousChainedRoot, snapshotsRoot string) string {
	if previousChainedRoot == "" {
		return snapshotsRoot
	}
	return ConcatHash(previousChainedRoot, snapshotsRoot)
}
