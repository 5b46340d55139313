package repository

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSynchronousCommitSetting(t *testing.T) {
	cases := map[DurabilityLevel]string{
		DurabilityLevelNone:                       "off",
		DurabilityLevelMajority:                   "on",
		DurabilityLevelMajorityAndPersistToActive: "remote_write",
		DurabilityLevelPersistToMajority:          "remote_apply",
		"":                                        "on",
	}
	for level, want := range cases {
		assert.Equal(t, want, synchronousCommitSetting(level), "level %q", level)
	}
}

func TestPostgresImplementsDurabilityConfigurable(t *testing.T) {
	p := &Postgres{}
	var configurable DurabilityConfigurable = p
	configurable.SetDurabilityLevel(DurabilityLevelPersistToMajority)
	require.Equal(t, DurabilityLevelPersistToMajority, p.durabilityLevel)
}
