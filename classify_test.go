package txn_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"gitlab.com/tozd/go/errors"

	txn "github.com/distransact/txn"
	"github.com/distransact/txn/repository"
)

type ambiguousError struct{ error }

func (ambiguousError) Ambiguous() bool { return true }

type transientError struct{ error }

func (transientError) Transient() bool { return true }

type retryableError struct{ error }

func (retryableError) Retryable() bool { return true }

func TestClassifyRepositorySentinels(t *testing.T) {
	cases := []struct {
		name  string
		err   error
		class txn.ErrorClass
	}{
		{"cas mismatch", repository.ErrCASMismatch, txn.FailCasMismatch},
		{"doc not found", repository.ErrDocNotFound, txn.FailDocNotFound},
		{"doc already exists", repository.ErrDocAlreadyExists, txn.FailDocAlreadyExists},
		{"atr full", repository.ErrAtrFull, txn.FailAtrFull},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			f := txn.Classify(c.err, false)
			assert.Equal(t, c.class, f.Class)
			assert.True(t, f.Retry)
			assert.True(t, f.AutoRollback)
		})
	}
}

func TestClassifyExpiredShortCircuits(t *testing.T) {
	f := txn.Classify(repository.ErrCASMismatch, true)
	assert.Equal(t, txn.FailExpiry, f.Class)
	assert.False(t, f.Retry)
	assert.Equal(t, txn.FinalTransactionExpired, f.Final)
}

func TestClassifyAmbiguous(t *testing.T) {
	f := txn.Classify(ambiguousError{errors.New("write ambiguous")}, false)
	assert.Equal(t, txn.FailAmbiguous, f.Class)
	assert.False(t, f.Retry)
	assert.Equal(t, txn.FinalTransactionCommitAmbiguous, f.Final)
}

func TestClassifyTransient(t *testing.T) {
	f := txn.Classify(transientError{errors.New("timeout")}, false)
	assert.Equal(t, txn.FailTransient, f.Class)
	assert.True(t, f.Retry)
	assert.True(t, f.AutoRollback)
}

func TestClassifyRetryableMarker(t *testing.T) {
	f := txn.Classify(retryableError{errors.New("server busy")}, false)
	assert.Equal(t, txn.FailOther, f.Class)
	assert.True(t, f.Retry)
}

func TestClassifyDefaultFailsHard(t *testing.T) {
	f := txn.Classify(errors.New("boom"), false)
	assert.Equal(t, txn.FailOther, f.Class)
	assert.False(t, f.Retry)
	assert.Equal(t, txn.FinalTransactionFailed, f.Final)
}

func TestClassifyPassthroughForAlreadyClassified(t *testing.T) {
	original := txn.Classify(repository.ErrCASMismatch, false)
	again := txn.Classify(original, false)
	assert.Same(t, original, again)
}

func TestClassifyNilIsNil(t *testing.T) {
	assert.Nil(t, txn.Classify(nil, false))
}
