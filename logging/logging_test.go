package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComponent_PrefixesAndLevels(t *testing.T) {
	var buf bytes.Buffer
	c := New("canlink", &buf)

	c.Info("handshake complete on %s", "can0")
	assert.Contains(t, buf.String(), "[canlink]")
	assert.Contains(t, buf.String(), "INFO handshake complete on can0")
}

func TestComponent_DebugSuppressedUnlessVerbose(t *testing.T) {
	var buf bytes.Buffer
	c := New("printerlink", &buf)

	c.Debug("should not appear")
	assert.Empty(t, buf.String())

	c.SetVerbose(true)
	c.Debug("should appear")
	assert.Contains(t, buf.String(), "DEBUG should appear")
}

func TestComponent_WarningAndError(t *testing.T) {
	var buf bytes.Buffer
	c := New("coordinator", &buf)

	c.Warning("retrying")
	c.Error("gave up")

	assert.Contains(t, buf.String(), "WARN retrying")
	assert.Contains(t, buf.String(), "ERROR gave up")
}

func TestComponent_StdLoggerWritesThroughSameDestination(t *testing.T) {
	var buf bytes.Buffer
	c := New("spoolman", &buf)

	c.StdLogger().Printf("raw line")

	assert.Contains(t, buf.String(), "[spoolman] raw line")
}
