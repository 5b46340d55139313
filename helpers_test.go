package txn_test

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/distransact/txn/cleanup"
)

const testQueueCapacity = 64

func newTestQueue(t *testing.T) *cleanup.Queue {
	t.Helper()
	return cleanup.NewQueue(testQueueCapacity, zerolog.New(zerolog.NewTestWriter(t)))
}
