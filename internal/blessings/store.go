package blessings

import (
	"context"
	"sort"
)

// Store is the persistence contract shared by every backend.
// List returns records newest first.
type Store interface {
	List(ctx context.Context) ([]Record, error)
	Append(ctx context.Context, draft Draft) (Record, error)
	Remove(ctx context.Context, id string) error
}

// CancelFunc stops a live subscription and releases its resources. Safe to call more than once.
type CancelFunc func()

// Subscriber is implemented by stores that push ordered snapshots.
//
// onUpdate receives the full ordered list after every change, including the initial one.
// onError is invoked at most once, after which delivery stops.
type Subscriber interface {
	Subscribe(ctx context.Context, onUpdate func([]Record), onError func(error)) (CancelFunc, error)
}

// SortNewestFirst orders records by timestamp descending in place.
// The sort is stable: records that tie keep their incoming relative order.
func SortNewestFirst(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.After(records[j].Timestamp)
	})
}
