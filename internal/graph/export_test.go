package graph

import "context"

// HeldLocks returns the number of GUIDs with a live lock entry.
func HeldLocks(g *Graph) int { return g.locks.held() }

// Lock takes the lock of guid as a mutation would.
func Lock(ctx context.Context, g *Graph, guid string) (func(), error) {
	return g.locks.acquire(ctx, guid)
}

var TextDiff = textDiff
