// Package syncutil provides bounded-memory keyed locking.
package syncutil

import (
	"context"
	"hash/fnv"
	"slices"
)

const shardCount = 256

// KeyedMutex serializes work per string key using a fixed pool of
// channel-based locks, so memory stays bounded however many keys are seen.
// Unrelated keys occasionally share a shard and wait on each other.
type KeyedMutex struct {
	shards [shardCount]chan struct{}
}

// NewKeyedMutex creates a KeyedMutex with every shard unlocked.
func NewKeyedMutex() *KeyedMutex {
	m := &KeyedMutex{}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
		m.shards[i] <- struct{}{}
	}
	return m
}

// Lock acquires the shards of every key, always in ascending shard order so
// two callers locking overlapping key sets cannot deadlock. It gives up with
// ctx.Err() if ctx ends first, releasing anything already held. The returned
// func releases all of them and must be called exactly once.
func (m *KeyedMutex) Lock(ctx context.Context, keys ...string) (func(), error) {
	idx := make([]int, 0, len(keys))
	for _, k := range keys {
		idx = append(idx, shardOf(k))
	}
	slices.Sort(idx)
	idx = slices.Compact(idx)

	held := make([]int, 0, len(idx))
	release := func() {
		for _, i := range held {
			m.shards[i] <- struct{}{}
		}
	}
	for _, i := range idx {
		select {
		case <-m.shards[i]:
			held = append(held, i)
		case <-ctx.Done():
			release()
			return nil, ctx.Err()
		}
	}
	return release, nil
}

func shardOf(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}
