// Package rfid reassembles multi-packet CAN frames carrying RFID data into
// decoded OpenTag filament records, isolated per transfer session.
package rfid

import (
	"fmt"
	"sync"
	"time"

	"github.com/filbridge/filbridge/canlink"
)

// sessionTTL is how long an open session survives without an end frame.
const sessionTTL = 10 * time.Second

// DataSource identifies where the decoded record originated.
type DataSource int

const (
	SourceRFID DataSource = iota
	SourceManual
)

// Error codes carried by RFID_ERROR frames.
type ErrCode byte

const (
	ErrReadFail   ErrCode = 0x01
	ErrNoFilament ErrCode = 0x02
	ErrInvalid    ErrCode = 0x03
	ErrTimeout    ErrCode = 0x04
	ErrNoMapping  ErrCode = 0x05
	ErrBusy       ErrCode = 0x06
)

func (c ErrCode) String() string {
	switch c {
	case ErrReadFail:
		return "read_fail"
	case ErrNoFilament:
		return "no_filament"
	case ErrInvalid:
		return "invalid_data"
	case ErrTimeout:
		return "timeout"
	case ErrNoMapping:
		return "no_mapping"
	case ErrBusy:
		return "busy"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(c))
	}
}

// session tracks one in-flight RFID transfer, keyed by its 8-bit sequence.
type session struct {
	extruderID      byte
	filamentChannel byte
	totalPackets    byte
	declaredLength  uint16
	dataSource      DataSource
	received        map[byte][]byte
	startTime       time.Time
}

// Record is a completed, decoded transfer: the OpenTag payload plus the
// session metadata that produced it.
type Record struct {
	ExtruderID      byte
	FilamentChannel byte
	DataSource      DataSource
	Tag             OpenTagRecord
}

// ErrorEvent reports a failed reassembly, decode, or an RFID_ERROR frame
// relayed verbatim from the cabinet.
type ErrorEvent struct {
	Sequence   byte
	ExtruderID byte
	Reason     string // "reassemble_failed", "checksum_failed", "parse_failed", or an ErrCode string
}

// Callbacks delivers reassembler outcomes to the coordinator.
type Callbacks struct {
	OnRecord func(Record)
	OnError  func(ErrorEvent)
}

// Reassembler consumes raw RFID command frames forked from the CAN receive
// path and produces decoded OpenTag records. HandleFrame runs on the CAN
// link's receive goroutine while Sweep runs on its own ticker goroutine, so
// sessions is guarded by mu (mirroring mapping.Store's pattern).
type Reassembler struct {
	mu       sync.Mutex
	sessions map[byte]*session
	cb       Callbacks
}

// New creates an empty Reassembler.
func New(cb Callbacks) *Reassembler {
	return &Reassembler{
		sessions: make(map[byte]*session),
		cb:       cb,
	}
}

// HandleFrame processes one raw 8-byte RFID command frame. It is intended to
// be wired directly as a CAN link's RFID callback, so it must not block.
func (r *Reassembler) HandleFrame(data [8]byte) {
	switch canlink.Command(data[0]) {
	case canlink.CmdRFIDNotifyStart:
		r.start(data, false)
	case canlink.CmdRFIDResponseStart:
		r.start(data, true)
	case canlink.CmdRFIDPacket:
		r.packet(data)
	case canlink.CmdRFIDEnd:
		r.end(data)
	case canlink.CmdRFIDError:
		r.errorFrame(data)
	}
}

// start handles RFID_NOTIFY_START / RFID_RESPONSE_START. The byte-2/byte-6
// ordering differs between the two variants: notify carries the filament
// channel in byte 2 and the extruder in byte 6, response the reverse;
// both are accepted without cross-validating the two readings (open
// question, spec.md §9).
func (r *Reassembler) start(data [8]byte, responseVariant bool) {
	sequence := data[1]
	total := data[3]
	length := uint16(data[4])<<8 | uint16(data[5])

	var filamentChannel, extruderID byte
	if responseVariant {
		extruderID = data[2]
		filamentChannel = data[6]
	} else {
		filamentChannel = data[2]
		extruderID = data[6]
	}

	s := &session{
		extruderID:      extruderID,
		filamentChannel: filamentChannel,
		totalPackets:    total,
		declaredLength:  length,
		dataSource:      DataSource(data[7]),
		received:        make(map[byte][]byte, total),
		startTime:       now(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// A new start frame for the same sequence replaces any open session.
	r.sessions[sequence] = s
}

// packet handles RFID_PACKET. Packet index 0 or > total_packets is ignored;
// duplicate indices overwrite the previous payload.
func (r *Reassembler) packet(data [8]byte) {
	sequence := data[1]

	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sequence]
	if !ok {
		return
	}

	index := data[2]
	if index == 0 || index > s.totalPackets {
		return
	}
	validBytes := int(data[3])
	if validBytes > 4 {
		validBytes = 4
	}
	payload := make([]byte, validBytes)
	copy(payload, data[4:4+validBytes])
	s.received[index] = payload
}

// end handles RFID_END: reassembles, checksums, decodes, and emits the
// resulting record or error. The session is discarded either way.
func (r *Reassembler) end(data [8]byte) {
	sequence := data[1]
	checksum := uint16(data[3])<<8 | uint16(data[4])

	r.mu.Lock()
	s, ok := r.sessions[sequence]
	if ok {
		delete(r.sessions, sequence)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	raw, ok := reassemble(s)
	if !ok {
		r.emitError(sequence, s.extruderID, "reassemble_failed")
		return
	}

	sum := uint32(0)
	for _, b := range raw {
		sum += uint32(b)
	}
	if uint16(sum&0xFFFF) != checksum {
		r.emitError(sequence, s.extruderID, "checksum_failed")
		return
	}

	tag, err := DecodeOpenTag(raw)
	if err != nil {
		r.emitError(sequence, s.extruderID, "parse_failed")
		return
	}

	if r.cb.OnRecord != nil {
		r.cb.OnRecord(Record{
			ExtruderID:      s.extruderID,
			FilamentChannel: s.filamentChannel,
			DataSource:      s.dataSource,
			Tag:             tag,
		})
	}
}

// errorFrame handles RFID_ERROR, relaying the cabinet-reported failure.
func (r *Reassembler) errorFrame(data [8]byte) {
	sequence := data[1]
	extruderID := data[2]
	code := ErrCode(data[3])

	r.mu.Lock()
	delete(r.sessions, sequence)
	r.mu.Unlock()

	r.emitError(sequence, extruderID, code.String())
}

func (r *Reassembler) emitError(sequence, extruderID byte, reason string) {
	if r.cb.OnError != nil {
		r.cb.OnError(ErrorEvent{Sequence: sequence, ExtruderID: extruderID, Reason: reason})
	}
}

// reassemble concatenates received packets 1..total_packets in order and
// truncates to the declared length. It fails if any index is missing.
func reassemble(s *session) ([]byte, bool) {
	if len(s.received) < int(s.totalPackets) {
		return nil, false
	}
	buf := make([]byte, 0, int(s.totalPackets)*4)
	for i := byte(1); i <= s.totalPackets; i++ {
		chunk, ok := s.received[i]
		if !ok {
			return nil, false
		}
		buf = append(buf, chunk...)
	}
	if int(s.declaredLength) > len(buf) {
		return nil, false
	}
	return buf[:s.declaredLength], true
}

// Sweep evicts any session older than the 10s TTL. Call periodically from a
// background ticker; an evicted session never produces a record.
func (r *Reassembler) Sweep() {
	cutoff := now().Add(-sessionTTL)

	r.mu.Lock()
	defer r.mu.Unlock()
	for seq, s := range r.sessions {
		if s.startTime.Before(cutoff) {
			delete(r.sessions, seq)
		}
	}
}

// now is indirected so tests can control session aging deterministically.
var now = time.Now
