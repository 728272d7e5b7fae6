package coordinator

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/filbridge/filbridge/rfid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPersistRFIDRecord_WritesJSONFile(t *testing.T) {
	dir := t.TempDir()
	rec := rfid.Record{
		ExtruderID: 1,
		Tag:        rfid.OpenTagRecord{Manufacturer: "Acme", MaterialName: "PLA"},
	}

	require.NoError(t, persistRFIDRecord(dir, rec))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), "1-")

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	var decoded rfid.Record
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "Acme", decoded.Tag.Manufacturer)
}

func TestOnRFIDRecord_CachesAndPersists(t *testing.T) {
	c := newTestCoordinator(t)
	dir := t.TempDir()
	c.cfg.RFID.DataDir = dir
	c.cfg.RFID.AutoSetTemperature = false

	rec := rfid.Record{ExtruderID: 0, Tag: rfid.OpenTagRecord{Manufacturer: "Acme", MaterialName: "PLA"}}
	c.onRFIDRecord(rec)

	c.mu.Lock()
	cached, ok := c.completedRFID[0]
	c.mu.Unlock()
	require.True(t, ok)
	assert.Equal(t, "Acme", cached.Tag.Manufacturer)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestMaybeRequestRFID_SkipsWhenAlreadyCached(t *testing.T) {
	c := newTestCoordinator(t)
	c.cfg.RFID.Enabled = true
	c.cfg.RFID.DataDir = ""
	c.mu.Lock()
	c.completedRFID[0] = rfid.Record{ExtruderID: 0}
	c.mu.Unlock()

	// Should be a no-op: already known, so no CAN send attempted (would
	// otherwise log a failure since the link isn't connected in this test).
	assert.NotPanics(t, func() { c.maybeRequestRFID(0, true) })
}

func TestOnRFIDError_DoesNotPanic(t *testing.T) {
	c := newTestCoordinator(t)
	assert.NotPanics(t, func() {
		c.onRFIDError(rfid.ErrorEvent{ExtruderID: 1, Reason: "timeout"})
	})
}
