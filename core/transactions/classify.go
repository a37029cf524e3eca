package transactions

// retryAction is the retry policy's verdict on one failed attempt.
type retryAction int

const (
	// actionRetryNewAttempt rolls the attempt back and loops.
	actionRetryNewAttempt retryAction = iota
	// actionFailRollback rolls the attempt back and finalizes with
	// ErrorKindFailed.
	actionFailRollback
	// actionFailExpired rolls the attempt back and finalizes with
	// ErrorKindExpired; no further retries.
	actionFailExpired
	// actionFailPostCommit finalizes with ErrorKindFailedPostCommit and
	// does not roll back: the commit decision is already durable and
	// the cleanup subsystem finishes unstaging.
	actionFailPostCommit
	// actionFailFatal aborts immediately without rollback; the attempt
	// state is unknown.
	actionFailFatal
)

func (a retryAction) String() string {
	switch a {
	case actionRetryNewAttempt:
		return "retry_new_attempt"
	case actionFailRollback:
		return "fail_and_rollback"
	case actionFailExpired:
		return "fail_expired"
	case actionFailPostCommit:
		return "fail_post_commit"
	case actionFailFatal:
		return "fail_fatal"
	default:
		return "unknown"
	}
}

// classify maps a failure to the retry loop's next move. The mapping is
// total over errorClass: an error nobody anticipated still resolves (to
// fail-and-rollback with its cause preserved) rather than falling
// through.
//
// Transient contention within a single operation (ATR CAS races, waiting
// out another attempt's staged write) is retried in place by the
// operation itself and never reaches this function; by the time an error
// surfaces here, "retry" always means a fresh attempt after rollback.
func classify(err error) retryAction {
	switch classOf(err) {
	case classTransient, classCasMismatch, classWriteWriteConflict:
		return actionRetryNewAttempt
	case classExpiry:
		return actionFailExpired
	case classHard:
		return actionFailFatal
	case classPostCommit:
		return actionFailPostCommit
	case classDocNotFound, classDocExists, classOther:
		return actionFailRollback
	default:
		return actionFailRollback
	}
}
