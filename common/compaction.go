package common

import "fmt"

// IndexMove re-indexes the key at From to To.
type IndexMove struct {
	From uint64
	To   uint64
}

// CompactionMoves returns the index moves that keep an operator's key array
// dense after removing [from, from+count) out of `total` keys. The registry
// fills each freed slot with a key from the top of the array, lowest first,
// so the same rule is applied here. Moves are ordered by ascending To.
func CompactionMoves(total, from, count uint64) ([]IndexMove, error) {
	if count == 0 {
		return nil, fmt.Errorf("empty removal range at index %d", from)
	}
	if from+count > total {
		return nil, fmt.Errorf("removal range [%d, %d) exceeds %d keys", from, from+count, total)
	}
	remaining := total - count
	// Holes below the new top must be filled; keys above both the range and
	// the new top move down.
	holesEnd := min(from+count, remaining)
	moversStart := max(from+count, remaining)

	var moves []IndexMove
	mover := moversStart
	for hole := from; hole < holesEnd; hole++ {
		moves = append(moves, IndexMove{From: mover, To: hole})
		mover++
	}
	if mover != total {
		// Unreachable: hole and mover counts are equal by construction.
		return nil, fmt.Errorf("compaction mismatch: %d movers left", total-mover)
	}
	return moves, nil
}
