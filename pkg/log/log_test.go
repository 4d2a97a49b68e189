package log

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChildLoggersChainFromTheCall(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})

	WithComponent("cache").Info().Str("pool", "sales").Msg("tick")
	WithJob("sweeper").Debug().Msg("claimed")
	WithUserService("abc-123").Error().Msg("boom")

	out := buf.String()
	assert.Contains(t, out, `"component":"cache"`)
	assert.Contains(t, out, `"pool":"sales"`)
	assert.Contains(t, out, `"job":"sweeper"`)
	assert.Contains(t, out, `"userservice":"abc-123"`)
}

func TestInitLevelFiltersOutput(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: WarnLevel, JSONOutput: true, Output: &buf})

	WithPool("sales").Debug().Msg("suppressed")
	require.Empty(t, buf.String())

	WithPool("sales").Warn().Msg("kept")
	assert.Contains(t, buf.String(), `"pool":"sales"`)
}
