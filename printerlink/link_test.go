package printerlink

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtruderIndex(t *testing.T) {
	assert.Equal(t, 0, extruderIndex("extruder"))
	assert.Equal(t, 1, extruderIndex("extruder1"))
	assert.Equal(t, 0, extruderIndex("not-an-extruder"))
}

func TestMergeStatus_UpdatesSnapshotAndFiresCallback(t *testing.T) {
	l := New("ws://example.invalid/websocket", []string{"sensor0"}, 0, nil)
	var gotRaw map[string]any
	l.RegisterStatusCallback(func(raw map[string]any) { gotRaw = raw })

	status := map[string]any{
		"print_stats": map[string]any{"state": "printing"},
		"toolhead":    map[string]any{"extruder": "extruder1"},
		"extruder1":   map[string]any{"temperature": 210.5, "target": 215.0, "can_extrude": true},
		"filament_switch_sensor sensor0": map[string]any{"filament_detected": false},
	}

	l.mergeStatus(status)

	snap := l.Snapshot()
	assert.Equal(t, "printing", snap.PrintState)
	assert.Equal(t, 1, snap.ActiveExtruder)
	assert.Equal(t, 210.5, snap.Extruders[1].Temperature)
	assert.Equal(t, 215.0, snap.Extruders[1].Target)
	assert.True(t, snap.Extruders[1].CanExtrude)
	assert.False(t, snap.Sensors["sensor0"])
	assert.Equal(t, status, gotRaw)
}

func TestMergeStatus_PartialUpdatePreservesOtherFields(t *testing.T) {
	l := New("ws://example.invalid/websocket", nil, 0, nil)
	l.mergeStatus(map[string]any{"extruder": map[string]any{"temperature": 200.0, "target": 200.0, "can_extrude": true}})
	l.mergeStatus(map[string]any{"extruder": map[string]any{"temperature": 205.0}})

	snap := l.Snapshot()
	assert.Equal(t, 205.0, snap.Extruders[0].Temperature)
	assert.Equal(t, 200.0, snap.Extruders[0].Target, "unrelated field from the first delta survives")
	assert.True(t, snap.Extruders[0].CanExtrude)
}

func TestExtractStatusFromParams(t *testing.T) {
	raw := json.RawMessage(`[{"print_stats":{"state":"paused"}}, 12345.6]`)
	status, ok := extractStatusFromParams(raw)
	require.True(t, ok)
	assert.Equal(t, "paused", status["print_stats"].(map[string]any)["state"])
}

func TestExtractStatusFromParams_Malformed(t *testing.T) {
	_, ok := extractStatusFromParams(json.RawMessage(`not json`))
	assert.False(t, ok)

	_, ok = extractStatusFromParams(json.RawMessage(`[]`))
	assert.False(t, ok)
}

func TestExtractStatusFromResult(t *testing.T) {
	raw := json.RawMessage(`{"status":{"print_stats":{"state":"complete"}}}`)
	status, ok := extractStatusFromResult(raw)
	require.True(t, ok)
	assert.Equal(t, "complete", status["print_stats"].(map[string]any)["state"])
}

func TestExtractStatusFromResult_NoStatusField(t *testing.T) {
	_, ok := extractStatusFromResult(json.RawMessage(`{"other":1}`))
	assert.False(t, ok)
}

func TestSubscriptionObjects_IncludesConfiguredSensors(t *testing.T) {
	l := New("ws://example.invalid/websocket", []string{"sensor0", "sensor1"}, 0, nil)
	objs := l.subscriptionObjects()

	assert.Contains(t, objs, "filament_switch_sensor sensor0")
	assert.Contains(t, objs, "filament_switch_sensor sensor1")
	assert.Contains(t, objs, "print_stats")
	assert.Contains(t, objs, "extruder1")
}

func TestSnapshot_ReturnsIndependentCopy(t *testing.T) {
	l := New("ws://example.invalid/websocket", nil, 0, nil)
	l.mergeStatus(map[string]any{"extruder": map[string]any{"temperature": 100.0}})

	snap := l.Snapshot()
	snap.Extruders[0] = ExtruderState{Temperature: 999}

	fresh := l.Snapshot()
	assert.Equal(t, 100.0, fresh.Extruders[0].Temperature, "mutating a returned snapshot must not affect cached state")
}

func TestDisconnect_ResetsSnapshotAndConnectedState(t *testing.T) {
	l := New("ws://example.invalid/websocket", nil, 0, nil)
	l.mergeStatus(map[string]any{"print_stats": map[string]any{"state": "printing"}})

	l.Disconnect()

	assert.False(t, l.Connected())
	assert.Equal(t, "unknown", l.Snapshot().PrintState)
}

func TestCall_NotConnectedReturnsError(t *testing.T) {
	l := New("ws://example.invalid/websocket", nil, 0, nil)
	err := l.SendGCode("PAUSE")
	assert.Error(t, err)
}
