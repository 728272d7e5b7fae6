package rfid

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/filbridge/filbridge/canlink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildOpenTagBytes() []byte {
	buf := make([]byte, requiredLen)
	binary.LittleEndian.PutUint16(buf[0:], 1)
	copy(buf[2:18], "Acme")
	copy(buf[18:34], "PLA")
	copy(buf[34:66], "Red")
	binary.LittleEndian.PutUint16(buf[66:], 1750)
	binary.LittleEndian.PutUint16(buf[68:], 1000)
	binary.LittleEndian.PutUint16(buf[70:], 210)
	binary.LittleEndian.PutUint16(buf[72:], 60)
	binary.LittleEndian.PutUint16(buf[74:], 1240)
	return buf
}

func checksumOf(raw []byte) uint16 {
	sum := uint32(0)
	for _, b := range raw {
		sum += uint32(b)
	}
	return uint16(sum & 0xFFFF)
}

// feedSession drives a full notify-start/packet/end sequence for raw through
// the reassembler; the caller observes the outcome through its callbacks.
func feedSession(t *testing.T, r *Reassembler, sequence byte, extruderID byte, raw []byte) {
	t.Helper()
	total := byte((len(raw) + 3) / 4)

	start := [8]byte{byte(canlink.CmdRFIDNotifyStart), sequence, 0, total, byte(len(raw) >> 8), byte(len(raw)), extruderID, byte(SourceRFID)}
	r.HandleFrame(start)

	for i := byte(1); i <= total; i++ {
		offset := int(i-1) * 4
		end := offset + 4
		if end > len(raw) {
			end = len(raw)
		}
		chunk := raw[offset:end]
		var pkt [8]byte
		pkt[0] = byte(canlink.CmdRFIDPacket)
		pkt[1] = sequence
		pkt[2] = i
		pkt[3] = byte(len(chunk))
		copy(pkt[4:], chunk)
		r.HandleFrame(pkt)
	}

	checksum := checksumOf(raw)
	endFrame := [8]byte{byte(canlink.CmdRFIDEnd), sequence, 0, byte(checksum >> 8), byte(checksum), 0, 0, 0}
	r.HandleFrame(endFrame)
}

func TestReassembler_FullTransfer_EmitsRecord(t *testing.T) {
	raw := buildOpenTagBytes()

	var gotRecord *Record
	var gotError *ErrorEvent
	r := New(Callbacks{
		OnRecord: func(rec Record) { gotRecord = &rec },
		OnError:  func(ev ErrorEvent) { gotError = &ev },
	})

	feedSession(t, r, 7, 1, raw)

	require.Nil(t, gotError)
	require.NotNil(t, gotRecord)
	assert.Equal(t, byte(1), gotRecord.ExtruderID)
	assert.Equal(t, "Acme", gotRecord.Tag.Manufacturer)
	assert.Empty(t, r.sessions, "session must be discarded after end")
}

func TestReassembler_ChecksumMismatch_EmitsError(t *testing.T) {
	raw := buildOpenTagBytes()

	var gotError *ErrorEvent
	r := New(Callbacks{
		OnError: func(ev ErrorEvent) { gotError = &ev },
	})

	total := byte((len(raw) + 3) / 4)
	start := [8]byte{byte(canlink.CmdRFIDNotifyStart), 3, 0, total, byte(len(raw) >> 8), byte(len(raw)), 1, byte(SourceRFID)}
	r.HandleFrame(start)
	for i := byte(1); i <= total; i++ {
		offset := int(i-1) * 4
		end := offset + 4
		if end > len(raw) {
			end = len(raw)
		}
		chunk := raw[offset:end]
		var pkt [8]byte
		pkt[0] = byte(canlink.CmdRFIDPacket)
		pkt[1] = 3
		pkt[2] = i
		pkt[3] = byte(len(chunk))
		copy(pkt[4:], chunk)
		r.HandleFrame(pkt)
	}
	// deliberately wrong checksum
	endFrame := [8]byte{byte(canlink.CmdRFIDEnd), 3, 0, 0xDE, 0xAD, 0, 0, 0}
	r.HandleFrame(endFrame)

	require.NotNil(t, gotError)
	assert.Equal(t, "checksum_failed", gotError.Reason)
}

func TestReassembler_MissingPacket_EmitsReassembleFailed(t *testing.T) {
	raw := buildOpenTagBytes()
	total := byte((len(raw) + 3) / 4)

	var gotError *ErrorEvent
	r := New(Callbacks{OnError: func(ev ErrorEvent) { gotError = &ev }})

	start := [8]byte{byte(canlink.CmdRFIDNotifyStart), 9, 0, total, byte(len(raw) >> 8), byte(len(raw)), 1, byte(SourceRFID)}
	r.HandleFrame(start)
	// skip packet 1 entirely
	for i := byte(2); i <= total; i++ {
		offset := int(i-1) * 4
		end := offset + 4
		if end > len(raw) {
			end = len(raw)
		}
		chunk := raw[offset:end]
		var pkt [8]byte
		pkt[0] = byte(canlink.CmdRFIDPacket)
		pkt[1] = 9
		pkt[2] = i
		pkt[3] = byte(len(chunk))
		copy(pkt[4:], chunk)
		r.HandleFrame(pkt)
	}
	checksum := checksumOf(raw)
	endFrame := [8]byte{byte(canlink.CmdRFIDEnd), 9, 0, byte(checksum >> 8), byte(checksum), 0, 0, 0}
	r.HandleFrame(endFrame)

	require.NotNil(t, gotError)
	assert.Equal(t, "reassemble_failed", gotError.Reason)
}

func TestReassembler_ErrorFrame_ClearsSessionAndEmits(t *testing.T) {
	var gotError *ErrorEvent
	r := New(Callbacks{OnError: func(ev ErrorEvent) { gotError = &ev }})

	start := [8]byte{byte(canlink.CmdRFIDNotifyStart), 5, 0, 1, 0, 4, 2, byte(SourceRFID)}
	r.HandleFrame(start)

	errFrame := [8]byte{byte(canlink.CmdRFIDError), 5, 2, byte(ErrNoFilament), 0, 0, 0, 0}
	r.HandleFrame(errFrame)

	require.NotNil(t, gotError)
	assert.Equal(t, "no_filament", gotError.Reason)
	assert.Equal(t, byte(2), gotError.ExtruderID)
	assert.Empty(t, r.sessions)
}

func TestReassembler_Sweep_EvictsStaleSessions(t *testing.T) {
	r := New(Callbacks{})
	start := [8]byte{byte(canlink.CmdRFIDNotifyStart), 1, 0, 1, 0, 4, 0, byte(SourceRFID)}
	r.HandleFrame(start)
	require.Len(t, r.sessions, 1)

	original := now
	defer func() { now = original }()
	now = func() time.Time { return original().Add(sessionTTL + time.Second) }

	r.Sweep()
	assert.Empty(t, r.sessions)
}

func TestReassembler_PacketOutOfRange_Ignored(t *testing.T) {
	r := New(Callbacks{})
	start := [8]byte{byte(canlink.CmdRFIDNotifyStart), 1, 0, 2, 0, 8, 0, byte(SourceRFID)}
	r.HandleFrame(start)

	zeroIndex := [8]byte{byte(canlink.CmdRFIDPacket), 1, 0, 4, 1, 2, 3, 4}
	r.HandleFrame(zeroIndex)
	tooHigh := [8]byte{byte(canlink.CmdRFIDPacket), 1, 5, 4, 1, 2, 3, 4}
	r.HandleFrame(tooHigh)

	s := r.sessions[1]
	require.NotNil(t, s)
	assert.Empty(t, s.received)
}
