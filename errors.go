package deployctl

import "errors"

var (
	// ErrChecksumDrift indicates the stored checksum for an applied migration
	// no longer matches the discovered unit. The code and the migration
	// history disagree; a release must refuse to proceed.
	ErrChecksumDrift = errors.New("migration checksum drift")

	// ErrDuplicateVersion indicates two discovered migration units share a
	// version, making their ordering ambiguous.
	ErrDuplicateVersion = errors.New("duplicate migration version")

	// ErrNothingToRevert indicates a revert was requested for a unit that has
	// no successfully applied record in the version store.
	ErrNothingToRevert = errors.New("nothing to revert")

	// ErrCodeBehindStore indicates the version store holds an applied version
	// higher than any version known to the running code.
	ErrCodeBehindStore = errors.New("applied schema version ahead of code")

	// ErrReleaseInProgress indicates a deploy was requested while another
	// release is already in flight. Releases are mutually exclusive.
	ErrReleaseInProgress = errors.New("release in progress")

	// ErrSnapshotNotFound indicates the requested snapshot does not exist
	// in any configured artifact store.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrSnapshotNotVerified indicates a restore was refused because the
	// snapshot failed integrity verification.
	ErrSnapshotNotVerified = errors.New("snapshot failed verification")

	// ErrRestartBudgetExceeded indicates a process crashed more times within
	// the budget window than allowed and has been marked failed.
	ErrRestartBudgetExceeded = errors.New("restart budget exceeded")

	// ErrHealthTimeout indicates managed processes did not stay healthy for
	// the stability window before the health-check deadline.
	ErrHealthTimeout = errors.New("health check timed out")

	// ErrProcessNotFound indicates the named process is not managed by the
	// supervisor.
	ErrProcessNotFound = errors.New("process not found")
)
