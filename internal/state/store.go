package state

import (
	"hash/fnv"
	"sync"

	"vigil/internal/models"
)

// Store holds per-machine rolling windows, sharded by machine ID.
// When the upstream stream partitions by machine ID a given window is
// only ever touched by one worker; the per-shard mutex makes commits
// safe regardless of upstream keying.
type Store struct {
	shards     []*shard
	windowSize int
}

type shard struct {
	mu      sync.Mutex
	windows map[string]*Window
}

// DefaultShardCount is used when the config does not set one.
const DefaultShardCount = 16

// NewStore creates a window store with the given window size and shard
// count.
func NewStore(windowSize, shardCount int) *Store {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	if shardCount <= 0 {
		shardCount = DefaultShardCount
	}
	shards := make([]*shard, shardCount)
	for i := range shards {
		shards[i] = &shard{windows: make(map[string]*Window)}
	}
	return &Store{shards: shards, windowSize: windowSize}
}

// Commit appends the reading to the machine's window, creating the
// window on first sight, and returns a post-commit snapshot. The
// snapshot reflects all prior commits for the machine and no commit
// that has not yet returned.
func (s *Store) Commit(r models.SensorReading) (Snapshot, error) {
	sh := s.shardFor(r.MachineID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	w, ok := sh.windows[r.MachineID]
	if !ok {
		w = NewWindow(s.windowSize)
		sh.windows[r.MachineID] = w
	}
	return w.Commit(r)
}

// Readings returns the retained readings for a machine oldest-first,
// or nil when the machine is unknown. Test and debugging hook.
func (s *Store) Readings(machineID string) []models.SensorReading {
	sh := s.shardFor(machineID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	w, ok := sh.windows[machineID]
	if !ok {
		return nil
	}
	return w.Readings()
}

// Len reports the number of windows currently held.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.windows)
		sh.mu.Unlock()
	}
	return n
}

func (s *Store) shardFor(machineID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(machineID))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}
