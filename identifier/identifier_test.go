package identifier_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/distransact/txn/identifier"
)

func TestFromUUID(t *testing.T) {
	for i := 0; i < 1000; i++ {
		u := uuid.New()
		id := identifier.FromUUID(u)
		assert.Len(t, id, 22)
		assert.True(t, identifier.Valid(id))
	}
}

func TestNew(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		id := identifier.New()
		assert.Len(t, id, 22)
		assert.True(t, identifier.Valid(id))
		assert.False(t, seen[id])
		seen[id] = true
	}
}
