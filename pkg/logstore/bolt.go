package logstore

import (
	"fmt"
	"os"
	"path/filepath"

	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// NewBoltStore returns a Backend durably backed by a bbolt file at path
// (config storage-type=local), grounded on the teacher's bucket-per-entity
// BoltStore — here there is exactly one append-only bucket per subtask log
// rather than one bucket per entity kind.
func NewBoltStore(path string) (Backend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("logstore: create data dir: %w", err)
	}
	bs, err := raftboltdb.NewBoltStore(path)
	if err != nil {
		return nil, fmt.Errorf("logstore: open bolt store %s: %w", path, err)
	}
	return &raftLogBackend{
		store: bs,
		path:  path,
		close: bs.Close,
	}, nil
}
