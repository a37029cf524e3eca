package transactions

import (
	"errors"
	"fmt"

	"github.com/sushant-115/gojodb-transactions/core/kv"
)

// ErrorKind is the terminal outcome recorded on a transaction Result.
type ErrorKind int

const (
	// ErrorKindNone means the transaction committed.
	ErrorKindNone ErrorKind = iota
	// ErrorKindFailed means the transaction rolled back and will not be
	// retried further.
	ErrorKindFailed
	// ErrorKindExpired means the expiration deadline was crossed; the
	// attempt was rolled back (or left to cleanup) and no further
	// retries happen.
	ErrorKindExpired
	// ErrorKindFailedPostCommit means the commit decision was durably
	// recorded but unstaging did not finish; the cleanup subsystem will
	// complete it. Committed data is (or will become) visible.
	ErrorKindFailedPostCommit
	// ErrorKindFatal means a configuration or protocol invariant was
	// violated. No rollback was attempted because the state is unknown.
	ErrorKindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindNone:
		return "none"
	case ErrorKindFailed:
		return "failed"
	case ErrorKindExpired:
		return "expired"
	case ErrorKindFailedPostCommit:
		return "failed_post_commit"
	case ErrorKindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// errorClass is the internal classification of a single failure. Every
// error raised anywhere in the engine resolves to exactly one class; the
// classifier then maps the class to a retry/rollback action.
type errorClass int

const (
	classNone errorClass = iota
	// classTransient covers network loss, timeouts and ATR contention:
	// failures expected to clear on a fresh attempt.
	classTransient
	// classDocNotFound and classDocExists are caller-visible operation
	// outcomes. They only fail the transaction if they poison the
	// attempt (see AttemptContext).
	classDocNotFound
	classDocExists
	// classCasMismatch means a live document's revision advanced past
	// the revision the attempt read.
	classCasMismatch
	// classWriteWriteConflict means another attempt holds a staged
	// mutation on the document.
	classWriteWriteConflict
	// classExpiry means the transaction's deadline was crossed.
	classExpiry
	// classHard is an invariant violation: illegal state transition,
	// operation on a finished attempt, corrupt metadata.
	classHard
	// classPostCommit marks failures after the commit point.
	classPostCommit
	// classOther is anything unrecognized, including errors returned by
	// caller logic itself.
	classOther
)

func (c errorClass) String() string {
	switch c {
	case classTransient:
		return "transient"
	case classDocNotFound:
		return "document_not_found"
	case classDocExists:
		return "document_exists"
	case classCasMismatch:
		return "cas_mismatch"
	case classWriteWriteConflict:
		return "write_write_conflict"
	case classExpiry:
		return "expired"
	case classHard:
		return "hard"
	case classPostCommit:
		return "post_commit"
	case classOther:
		return "unknown"
	default:
		return "none"
	}
}

// ErrCauseUnknown is recorded as the root cause when caller logic fails
// with an error (or panic) the engine does not recognize.
var ErrCauseUnknown = errors.New("transactions: unknown failure in transaction logic")

// ErrAttemptExpired is surfaced by attempt operations issued after the
// transaction's expiration deadline.
var ErrAttemptExpired = errors.New("transactions: attempt expired")

// ErrIllegalState is surfaced when an operation is issued against an
// attempt that already reached a terminal state. This is a caller
// contract violation, not a transaction failure.
var ErrIllegalState = errors.New("transactions: attempt in terminal state")

// ErrWriteWriteConflict is surfaced when another transaction holds a
// staged mutation on a document this attempt wants to touch.
var ErrWriteWriteConflict = errors.New("transactions: document is staged by another transaction")

// ErrAttemptsExhausted is recorded as the cause when the retry loop hits
// its bounded maximum attempt count before the deadline.
var ErrAttemptsExhausted = errors.New("transactions: maximum attempts exhausted")

// ErrCoordinatorClosed is returned by run entry points after Close.
var ErrCoordinatorClosed = errors.New("transactions: coordinator is closed")

// OperationError is the structured failure produced at every engine
// boundary. It carries the class driving retry policy and the root cause
// preserved for the final Result.
type OperationError struct {
	class errorClass
	cause error
	msg   string
}

func newOpError(class errorClass, cause error, format string, args ...any) *OperationError {
	return &OperationError{class: class, cause: cause, msg: fmt.Sprintf(format, args...)}
}

func (e *OperationError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("transactions: %s (%s): %v", e.msg, e.class, e.cause)
	}
	return fmt.Sprintf("transactions: %s (%s)", e.msg, e.class)
}

func (e *OperationError) Unwrap() error { return e.cause }

// Class reports the classification name, mostly for logging.
func (e *OperationError) Class() string { return e.class.String() }

// classOf resolves any error to its errorClass. The mapping is total:
// anything unrecognized lands in classOther so the retry loop always has
// a decision to make.
func classOf(err error) errorClass {
	if err == nil {
		return classNone
	}
	var opErr *OperationError
	if errors.As(err, &opErr) {
		return opErr.class
	}
	switch {
	case errors.Is(err, kv.ErrCasMismatch):
		return classCasMismatch
	case errors.Is(err, kv.ErrDocumentNotFound):
		return classDocNotFound
	case errors.Is(err, kv.ErrDocumentExists):
		return classDocExists
	case errors.Is(err, kv.ErrTimeout), errors.Is(err, kv.ErrNetwork):
		return classTransient
	case errors.Is(err, ErrWriteWriteConflict):
		return classWriteWriteConflict
	case errors.Is(err, ErrAttemptExpired):
		return classExpiry
	case errors.Is(err, ErrIllegalState):
		return classHard
	default:
		return classOther
	}
}

// rootCause unwraps an OperationError chain down to the condition that
// triggered it, falling back to the error itself.
func rootCause(err error) error {
	var opErr *OperationError
	if errors.As(err, &opErr) && opErr.cause != nil {
		return opErr.cause
	}
	if err == nil {
		return nil
	}
	return err
}
