package realmcore

// HistoryProvider is the narrow replication/history collaborator contract
// named in spec.md §4.6 step 1 ("If a replication/history collaborator is
// attached, call prepare_commit on it to stamp history and obtain the
// final version number"). Non-goals exclude a real replication/history
// log implementation; this interface exists so the commit pipeline has a
// real extension point to call, not so this module ships one.
type HistoryProvider interface {
	// PrepareCommit is called once per commit, after version assignment,
	// with the version the main commit intends to use. It returns the
	// version number history actually stamped, which must equal the
	// input (spec.md §4.6 "history commit and main commit must agree")
	// or an error aborting the commit.
	PrepareCommit(proposedVersion uint64) (finalVersion uint64, err error)

	// HistoryType and HistorySchemaVersion identify the collaborator for
	// session-join compatibility checks (spec.md §4.1, §7
	// IncompatibleHistories).
	HistoryType() int8
	HistorySchemaVersion() uint16
}
