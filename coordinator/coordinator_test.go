package coordinator

import (
	"log"
	"testing"

	"github.com/filbridge/filbridge/canlink"
	"github.com/filbridge/filbridge/config"
	"github.com/filbridge/filbridge/mapping"
	"github.com/filbridge/filbridge/printerlink"
	"github.com/stretchr/testify/assert"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Runout.Sensors = []config.SensorConfig{
		{Name: "sensor0", Extruder: 0},
		{Name: "sensor1", Extruder: 1},
	}
	return cfg
}

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	cfg := testConfig()
	canLink := canlink.New("vcan0", 0, log.Default())
	printerLink := printerlink.New("ws://example.invalid/websocket", []string{"sensor0", "sensor1"}, 0, log.Default())
	mapStore := mapping.New(mapping.Pair{Left: 0, Right: 1}, nil)
	return New(cfg, canLink, printerLink, mapStore, nil, log.Default())
}

func TestPrintStateToCommand(t *testing.T) {
	tests := []struct {
		state string
		cmd   canlink.Command
		ok    bool
	}{
		{"printing", canlink.CmdPrinting, true},
		{"paused", canlink.CmdPrintPause, true},
		{"complete", canlink.CmdPrintComplete, true},
		{"cancelled", canlink.CmdPrintCancel, true},
		{"standby", canlink.CmdPrinterIdle, true},
		{"ready", canlink.CmdPrinterIdle, true},
		{"error", canlink.CmdPrinterError, true},
		{"bogus", 0, false},
	}
	for _, tt := range tests {
		cmd, ok := printStateToCommand(tt.state)
		assert.Equal(t, tt.ok, ok, tt.state)
		if ok {
			assert.Equal(t, tt.cmd, cmd, tt.state)
		}
	}
}

func TestComputeBitmap_DisabledRunoutIsInvalid(t *testing.T) {
	c := newTestCoordinator(t)
	c.cfg.Runout.Enabled = false

	bitmap, valid := c.computeBitmap()

	assert.False(t, valid)
	assert.Equal(t, byte(0), bitmap)
}

func TestComputeBitmap_DisconnectedPrinterIsInvalid(t *testing.T) {
	c := newTestCoordinator(t)
	// The test coordinator's printer link is never Connect()-ed, so this
	// covers the disconnected case: is_valid=false regardless of mapping or
	// sensor state.
	_, valid := c.computeBitmap()
	assert.False(t, valid)
}

func TestComputeBitmap_UnresolvedTubeContributesAbsentBitNotInvalid(t *testing.T) {
	c := newTestCoordinator(t)
	c.cfg.Runout.Sensors = nil // no sensor config means no tube can resolve
	c.printer.ForceConnectedForTest(true)

	bitmap, valid := c.computeBitmap()

	assert.True(t, valid, "an unresolved tube must not flip the whole response invalid while connected")
	assert.Equal(t, byte(0), bitmap)
}

func TestOnMappingSet_AcceptsAndUpdatesStore(t *testing.T) {
	c := newTestCoordinator(t)

	c.onMappingSet(1, 0)

	pair := c.mapStore.Snapshot()
	assert.Equal(t, mapping.Pair{Left: 1, Right: 0}, pair)
}

func TestOnMappingSet_RejectsInvalidPayload(t *testing.T) {
	c := newTestCoordinator(t)

	c.onMappingSet(1, 1)

	pair := c.mapStore.Snapshot()
	assert.Equal(t, mapping.Pair{Left: 0, Right: 1}, pair, "rejected mapping leaves the store untouched")
}

func TestPrintStateChanged_DedupesRepeats(t *testing.T) {
	c := newTestCoordinator(t)

	assert.True(t, c.printStateChanged("printing"))
	assert.False(t, c.printStateChanged("printing"))
	assert.True(t, c.printStateChanged("paused"))
	assert.False(t, c.printStateChanged(""), "empty state is never a change")
}

func TestMaybeRequestRFID_SkipsWhenDisabledOrAbsent(t *testing.T) {
	c := newTestCoordinator(t)
	c.cfg.RFID.Enabled = false
	c.maybeRequestRFID(0, true) // should be a no-op: not connected, but also disabled

	c.cfg.RFID.Enabled = true
	c.maybeRequestRFID(0, false) // not present, no-op
}
