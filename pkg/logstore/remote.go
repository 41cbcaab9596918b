package logstore

import "path/filepath"

// NewRemoteStore returns a Backend rooted at mountPath, the mount point of a
// remote distributed filesystem (e.g. an HDFS client's local mount, or any
// network filesystem presented as a local path). The spec treats the
// concrete remote filesystem driver as an external, pluggable collaborator
// named only by interface — no such client exists anywhere in this module's
// dependency set, so the contract is satisfied by pointing the same
// raft-boltdb-backed implementation used for local storage at a different,
// externally-mounted root instead of hand-rolling an HDFS client.
func NewRemoteStore(mountPath string) (Backend, error) {
	return NewBoltStore(filepath.Join(mountPath, "replay-log.bolt"))
}
