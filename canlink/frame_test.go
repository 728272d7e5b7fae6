package canlink

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHandshakeRequest(t *testing.T) {
	f := HandshakeRequest()
	assert.Equal(t, IDHandshakeTX, f.ID)
	assert.Equal(t, [8]byte{0x01, 0xF0, 0x10, 0x00, 0x00, 0x06, 0x01, 0x05}, f.Data)
}

func TestIsHandshakeAck(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want bool
	}{
		{"valid ack", []byte{0x05, 0, 0}, true},
		{"valid ack exact", []byte{0x05}, true},
		{"wrong byte", []byte{0x04}, false},
		{"empty", []byte{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsHandshakeAck(tt.data))
		})
	}
}

func TestRequestFeed(t *testing.T) {
	f := RequestFeed(1)
	assert.Equal(t, IDPrinterToCabinet, f.ID)
	assert.Equal(t, byte(CmdRequestFeed), f.Data[0])
	assert.Equal(t, byte(1), f.Data[2])
}

func TestFilamentStatusResponse(t *testing.T) {
	f := FilamentStatusResponse(true, 0b11)
	assert.Equal(t, byte(CmdFilamentStatusResponse), f.Data[0])
	assert.Equal(t, byte(0), f.Data[1])
	assert.Equal(t, byte(0b11), f.Data[2])

	f = FilamentStatusResponse(false, 0)
	assert.Equal(t, byte(1), f.Data[1])
}

func TestFeederMappingResponse(t *testing.T) {
	f := FeederMappingResponse(1, 0, 1)
	assert.Equal(t, byte(CmdFeederMappingResponse), f.Data[0])
	assert.Equal(t, byte(1), f.Data[1])
	assert.Equal(t, byte(0), f.Data[2])
	assert.Equal(t, byte(1), f.Data[3])
}

func TestClassifyFeederMapping(t *testing.T) {
	tests := []struct {
		name string
		data [8]byte
		want MappingSetEvent
		ok   bool
	}{
		{"accepted", [8]byte{0, 0, 1}, MappingSetEvent{Left: 0, Right: 1}, true},
		{"reversed accepted", [8]byte{0, 1, 0}, MappingSetEvent{Left: 1, Right: 0}, true},
		{"same value rejected", [8]byte{0, 1, 1}, MappingSetEvent{}, false},
		{"out of range rejected", [8]byte{0, 2, 1}, MappingSetEvent{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := classifyFeederMapping(tt.data)
			assert.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestIsRFIDCommand(t *testing.T) {
	assert.True(t, IsRFIDCommand(CmdRFIDNotifyStart))
	assert.True(t, IsRFIDCommand(CmdRFIDError))
	assert.False(t, IsRFIDCommand(CmdRequestFeed))
	assert.False(t, IsRFIDCommand(CmdHeartbeat))
}

func TestCommandString(t *testing.T) {
	assert.Equal(t, "REQUEST_FEED", CmdRequestFeed.String())
	assert.Equal(t, "RFID_ERROR", CmdRFIDError.String())
	assert.Contains(t, Command(0xFF).String(), "UNKNOWN")
}
