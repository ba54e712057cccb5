package replication

import "distfs/internal/metadata"

// Resolve applies the deterministic last-writer-wins rule of spec.md
// §4.7(d): the record with the later timestamp wins; ties are broken by
// lexicographic comparison of origin. The winner's version is bumped to
// max(local, remote)+1 so the result outranks both inputs on subsequent
// propagation.
//
// No vector clocks participate here (spec.md §4.1 explicitly excludes
// them); this is intentionally a simpler comparator than the teacher's
// vector-clock-based store.ApplyRemote.
func Resolve(local, remote metadata.FileRecord) metadata.FileRecord {
	winner := remote
	if !remoteWins(local, remote) {
		winner = local
	}

	maxVersion := local.Version
	if remote.Version > maxVersion {
		maxVersion = remote.Version
	}
	winner.Version = maxVersion + 1
	return winner
}

// remoteWins reports whether remote outranks local under the same rule
// Resolve applies, without constructing the merged record. Callers that
// need to know which side's body to keep (e.g. ApplyInboundSync deciding
// whether to overwrite the local file) use this instead of re-deriving the
// winner from Resolve's output.
func remoteWins(local, remote metadata.FileRecord) bool {
	if remote.ModifiedTime != local.ModifiedTime {
		return remote.ModifiedTime > local.ModifiedTime
	}
	return remote.OriginatingNode > local.OriginatingNode
}
