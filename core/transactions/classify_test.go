package transactions

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sushant-115/gojodb-transactions/core/kv"
)

func TestClassOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want errorClass
	}{
		{"nil", nil, classNone},
		{"cas mismatch", kv.ErrCasMismatch, classCasMismatch},
		{"wrapped cas mismatch", fmt.Errorf("replace: %w", kv.ErrCasMismatch), classCasMismatch},
		{"doc not found", kv.ErrDocumentNotFound, classDocNotFound},
		{"doc exists", kv.ErrDocumentExists, classDocExists},
		{"timeout", kv.ErrTimeout, classTransient},
		{"network", kv.ErrNetwork, classTransient},
		{"write write conflict", ErrWriteWriteConflict, classWriteWriteConflict},
		{"expired", ErrAttemptExpired, classExpiry},
		{"illegal state", ErrIllegalState, classHard},
		{"logic error", errors.New("some failure"), classOther},
		{"operation error keeps its class", newOpError(classPostCommit, kv.ErrNetwork, "unstage"), classPostCommit},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, classOf(tc.err))
		})
	}
}

// TestClassifyIsTotal walks every class through the classifier and pins
// the action each one maps to. There is no "undecided" outcome.
func TestClassifyIsTotal(t *testing.T) {
	cases := []struct {
		class errorClass
		want  retryAction
	}{
		{classTransient, actionRetryNewAttempt},
		{classCasMismatch, actionRetryNewAttempt},
		{classWriteWriteConflict, actionRetryNewAttempt},
		{classExpiry, actionFailExpired},
		{classHard, actionFailFatal},
		{classPostCommit, actionFailPostCommit},
		{classDocNotFound, actionFailRollback},
		{classDocExists, actionFailRollback},
		{classOther, actionFailRollback},
	}
	for _, tc := range cases {
		t.Run(tc.class.String(), func(t *testing.T) {
			err := newOpError(tc.class, errors.New("cause"), "op")
			require.Equal(t, tc.want, classify(err))
		})
	}
}

func TestClassifyUnrecognizedErrorFailsRollback(t *testing.T) {
	require.Equal(t, actionFailRollback, classify(errors.New("nobody anticipated this")))
}

func TestRootCause(t *testing.T) {
	cause := errors.New("root")
	require.Equal(t, cause, rootCause(newOpError(classOther, cause, "op")))
	require.Equal(t, cause, rootCause(cause))
	require.Nil(t, rootCause(nil))
}

func TestOperationErrorUnwraps(t *testing.T) {
	err := newOpError(classCasMismatch, kv.ErrCasMismatch, "replace %s", "b.s.c/key")
	require.ErrorIs(t, err, kv.ErrCasMismatch)
	require.Contains(t, err.Error(), "cas_mismatch")
	require.Equal(t, "cas_mismatch", err.Class())
}
