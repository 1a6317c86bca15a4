package merkle

import (
	"context"
	"fmt"
	"time"

	domain "github.com/modelcoordinator/coordinator/internal/app/domain/merkle"
	"github.com/modelcoordinator/coordinator/internal/app/domain/snapshot"
	"github.com/modelcoordinator/coordinator/internal/app/storage"
)

// Service commits cycle and checkpoint Merkle trees and answers inclusion
// proof queries.
type Service struct {
	store storage.MerkleStore
}

// New builds a Service backed by the given MerkleStore.
func New(store storage.MerkleStore) *Service {
	return &Service{store: store}
}

// CommitCycle hashes the given cycle's snapshots into a tree, chains its root
// with the previous cycle's chained root (I5), and persists both the cycle
// row and every tree node. An empty snapshot set commits nothing (B1).
func (s *Service) CommitCycle(ctx context.Context, snapshots []snapshot.Record) (domain.Cycle, bool, error) {
	if len(snapshots) == 0 {
		return domain.Cycle{}, false, nil
	}

	leaves := make([]Leaf, 0, len(snapshots))
	contentHashes := make(map[string]string, len(snapshots))
	for _, snap := range snapshots {
		hash := snap.ContentHash
		if hash == "" {
			var err error
			hash, err = CanonicalSnapshotHash(snap.ModelID, snap.PeriodStart, snap.PeriodEnd, snap.PredictionCount, snap.ResultSummary)
			if err != nil {
				return domain.Cycle{}, false, fmt.Errorf("hash snapshot %s: %w", snap.ID, err)
			}
		}
		leaves = append(leaves, Leaf{ID: snap.ID, Hash: hash})
		contentHashes[snap.ID] = hash
	}

	tree, ok := BuildTree(leaves)
	if !ok {
		return domain.Cycle{}, false, nil
	}

	prev, err := s.store.GetLatestCycle(ctx)
	if err != nil {
		return domain.Cycle{}, false, fmt.Errorf("load previous cycle: %w", err)
	}

	cycle := domain.Cycle{
		SnapshotsRoot: tree.Root.Hash,
		SnapshotCount: len(snapshots),
	}
	if prev != nil {
		cycle.PreviousCycleID = prev.ID
		cycle.PreviousCycleRoot = prev.ChainedRoot
	}
	cycle.ChainedRoot = ChainedRoot(cycle.PreviousCycleRoot, cycle.SnapshotsRoot)

	created, err := s.store.CreateCycle(ctx, cycle)
	if err != nil {
		return domain.Cycle{}, false, fmt.Errorf("persist cycle: %w", err)
	}

	AssignIDs(&tree, created.ID, true)
	for i, n := range tree.Levels[0] {
		n.SnapshotContentHash = contentHashes[n.SnapshotID]
		tree.Levels[0][i] = n
	}

	if err := s.store.CreateNodes(ctx, tree.Flatten()); err != nil {
		return domain.Cycle{}, false, fmt.Errorf("persist cycle nodes: %w", err)
	}

	return created, true, nil
}

// CommitCheckpoint builds a tree over the chained roots of every cycle in
// [periodStart, periodEnd], ordered by CreatedAt, and returns its root.
func (s *Service) CommitCheckpoint(ctx context.Context, checkpointID string, periodStart, periodEnd time.Time) (string, error) {
	cycles, err := s.store.ListCyclesByWindow(ctx, periodStart, periodEnd)
	if err != nil {
		return "", fmt.Errorf("list cycles: %w", err)
	}
	if len(cycles) == 0 {
		return "", nil
	}

	leaves := make([]Leaf, 0, len(cycles))
	for _, c := range cycles {
		leaves = append(leaves, Leaf{ID: c.ID, Hash: c.ChainedRoot})
	}

	tree, ok := BuildTree(leaves)
	if !ok {
		return "", nil
	}
	AssignIDs(&tree, checkpointID, false)

	if err := s.store.CreateNodes(ctx, tree.Flatten()); err != nil {
		return "", fmt.Errorf("persist checkpoint nodes: %w", err)
	}
	return tree.Root.Hash, nil
}

// Proof rebuilds the tree a leaf belongs to from persisted nodes and returns
// its inclusion proof.
func (s *Service) Proof(ctx context.Context, cycleID, leafID string) (domain.Proof, error) {
	nodes, err := s.store.ListCycleNodes(ctx, cycleID)
	if err != nil {
		return domain.Proof{}, fmt.Errorf("load cycle nodes: %w", err)
	}
	proof, ok := BuildProof(nodes, leafID)
	if !ok {
		return domain.Proof{}, fmt.Errorf("leaf %s not found in cycle %s", leafID, cycleID)
	}
	return proof, nil
}

// Verify checks a proof against the expected root (P6).
func (s *Service) Verify(leafHash string, proof domain.Proof, expectedRoot string) bool {
	return VerifyProof(leafHash, proof, expectedRoot)
}
