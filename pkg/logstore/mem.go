package logstore

import "github.com/hashicorp/raft"

// NewMemStore returns an in-memory, volatile Backend (config
// storage-type=mem) — used for tests and for subtasks that never need
// cross-crash replay.
func NewMemStore() Backend {
	return &raftLogBackend{store: raft.NewInmemStore()}
}
