package logger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerbosityFiltersMessages(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetVerbosity(int(Info))

	SetVerbosity(int(Info))
	Debugf("hidden %d", 1)
	Infof("shown %d", 2)
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown 2")

	buf.Reset()
	SetVerbosity(int(Trace))
	Trc().Str("event", "leg_valued").Msg("trace on")
	assert.Contains(t, buf.String(), `"event":"leg_valued"`)
}

func TestSetVerbosityOutOfRange(t *testing.T) {
	defer SetVerbosity(int(Info))

	SetVerbosity(9)
	assert.Equal(t, Info, Verbosity())
	SetVerbosity(-1)
	assert.Equal(t, Info, Verbosity())
	SetVerbosity(int(Error))
	assert.Equal(t, Error, Verbosity())
}
