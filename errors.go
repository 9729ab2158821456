package realmcore

import "errors"

// Sentinel errors for the kinds named in spec.md §7. Wrap with
// fmt.Errorf("realmcore: ...: %w", ...) to attach path/cause context;
// classify with errors.Is/errors.As, never by string match.
var (
	// ErrIncompatibleLockFile means the lock file's layout, shared-info
	// version, or embedded mutex/condvar stamp does not match this
	// build — the session cannot be joined.
	ErrIncompatibleLockFile = errors.New("realmcore: incompatible lock file")

	// ErrUnsupportedFileFormatVersion means the data file's format is
	// newer or otherwise unrecognized by this build.
	ErrUnsupportedFileFormatVersion = errors.New("realmcore: unsupported file format version")

	// ErrFileFormatUpgradeRequired means opening the file would require
	// a format upgrade the caller disallowed.
	ErrFileFormatUpgradeRequired = errors.New("realmcore: file format upgrade required")

	// ErrIncompatibleHistories means the on-disk history type or schema
	// version disagrees with what the opener requested.
	ErrIncompatibleHistories = errors.New("realmcore: incompatible histories")

	// ErrLogicError is the shared wrapped-by error for caller misuse
	// (spec.md §7 LogicError kinds).
	ErrLogicError = errors.New("realmcore: logic error")

	// ErrWrongTransactState means the transaction was not in a state
	// that permits the requested operation.
	ErrWrongTransactState = wrap(ErrLogicError, "wrong transaction state")

	// ErrMixedDurability means a joiner's requested durability mode
	// does not match the session's established durability mode.
	ErrMixedDurability = wrap(ErrLogicError, "mixed durability")

	// ErrMixedHistoryType means a joiner's requested history type does
	// not match the session's established history type.
	ErrMixedHistoryType = wrap(ErrLogicError, "mixed history type")

	// ErrMixedHistorySchemaVersion means a joiner's requested history
	// schema version does not match the session's established one.
	ErrMixedHistorySchemaVersion = wrap(ErrLogicError, "mixed history schema version")

	// ErrBadVersion means a specific snapshot version is no longer
	// available (already reclaimed by ring cleanup).
	ErrBadVersion = errors.New("realmcore: version no longer available")

	// ErrMultipleSyncAgents means a sync agent is already claimed for
	// this session.
	ErrMultipleSyncAgents = errors.New("realmcore: sync agent already present")

	// ErrSessionRestartRequired is the session-fatal error surfaced
	// when a begin_write observes commit_in_critical_phase set by a
	// writer that never cleared it (spec.md §4.1, §4.6, §7).
	ErrSessionRestartRequired = errors.New("realmcore: crash detected mid-commit, session restart required")
)

// wrappedError pairs a message with a sentinel so errors.Is(err, ErrLogicError)
// succeeds for every LogicError kind while each kind still prints and
// compares distinctly (spec.md §7 "LogicError{...}").
type wrappedError struct {
	parent error
	msg    string
}

func wrap(parent error, msg string) error { return &wrappedError{parent: parent, msg: msg} }

func (e *wrappedError) Error() string { return "realmcore: " + e.msg }
func (e *wrappedError) Unwrap() error { return e.parent }
