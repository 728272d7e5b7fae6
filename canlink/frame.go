// Package canlink implements the CAN bus link to the filament-feeder
// cabinet: handshake, framing, heartbeat supervision and reconnect.
package canlink

import "fmt"

// Identifier classes recognized on the bus. All other 11-bit IDs are ignored.
const (
	IDHandshakeTX      uint32 = 0x3F0
	IDHandshakeRX      uint32 = 0x3F1
	IDPrinterToCabinet uint32 = 0x10A
	IDCabinetToPrinter uint32 = 0x10B
)

// Command is the tagged command code carried in byte 0 of every frame.
type Command byte

const (
	CmdRequestFeed            Command = 0x01
	CmdStopFeed               Command = 0x02
	CmdQueryStatus            Command = 0x03
	CmdPrinting               Command = 0x04
	CmdPrintComplete          Command = 0x05
	CmdPrintPause             Command = 0x06
	CmdPrintCancel            Command = 0x07
	CmdPrinterIdle            Command = 0x08
	CmdPrinterError           Command = 0x09
	CmdHeartbeat              Command = 0x0A
	CmdQueryFilamentStatus    Command = 0x0D
	CmdFilamentStatusResponse Command = 0x0E
	CmdSetFeederMapping       Command = 0x0F
	CmdQueryFeederMapping     Command = 0x10
	CmdFeederMappingResponse  Command = 0x11
	CmdRFIDNotifyStart        Command = 0x14
	CmdRFIDRequest            Command = 0x15
	CmdRFIDResponseStart      Command = 0x16
	CmdRFIDPacket             Command = 0x17
	CmdRFIDEnd                Command = 0x18
	CmdRFIDError              Command = 0x19
)

func (c Command) String() string {
	switch c {
	case CmdRequestFeed:
		return "REQUEST_FEED"
	case CmdStopFeed:
		return "STOP_FEED"
	case CmdQueryStatus:
		return "QUERY_STATUS"
	case CmdPrinting:
		return "PRINTING"
	case CmdPrintComplete:
		return "PRINT_COMPLETE"
	case CmdPrintPause:
		return "PRINT_PAUSE"
	case CmdPrintCancel:
		return "PRINT_CANCEL"
	case CmdPrinterIdle:
		return "PRINTER_IDLE"
	case CmdPrinterError:
		return "PRINTER_ERROR"
	case CmdHeartbeat:
		return "HEARTBEAT"
	case CmdQueryFilamentStatus:
		return "QUERY_FILAMENT_STATUS"
	case CmdFilamentStatusResponse:
		return "FILAMENT_STATUS_RESPONSE"
	case CmdSetFeederMapping:
		return "SET_FEEDER_MAPPING"
	case CmdQueryFeederMapping:
		return "QUERY_FEEDER_MAPPING"
	case CmdFeederMappingResponse:
		return "FEEDER_MAPPING_RESPONSE"
	case CmdRFIDNotifyStart:
		return "RFID_NOTIFY_START"
	case CmdRFIDRequest:
		return "RFID_REQUEST"
	case CmdRFIDResponseStart:
		return "RFID_RESPONSE_START"
	case CmdRFIDPacket:
		return "RFID_PACKET"
	case CmdRFIDEnd:
		return "RFID_END"
	case CmdRFIDError:
		return "RFID_ERROR"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", byte(c))
	}
}

// rfidCommands lists the six command codes forwarded raw to the RFID callback.
var rfidCommands = map[Command]bool{
	CmdRFIDNotifyStart:   true,
	CmdRFIDRequest:       true,
	CmdRFIDResponseStart: true,
	CmdRFIDPacket:        true,
	CmdRFIDEnd:           true,
	CmdRFIDError:         true,
}

// Frame is the link-layer unit: an 11-bit identifier plus exactly 8 data bytes.
type Frame struct {
	ID   uint32
	Data [8]byte
}

func frame(id uint32, cmd Command, rest ...byte) Frame {
	var f Frame
	f.ID = id
	f.Data[0] = byte(cmd)
	copy(f.Data[1:], rest)
	return f
}

// HandshakeRequest builds the fixed handshake literal sent on IDHandshakeTX.
func HandshakeRequest() Frame {
	return Frame{ID: IDHandshakeTX, Data: [8]byte{0x01, 0xF0, 0x10, 0x00, 0x00, 0x06, 0x01, 0x05}}
}

// IsHandshakeAck reports whether data is a valid handshake response:
// length >= 1 with first byte 0x05 (excess bytes are ignored).
func IsHandshakeAck(data []byte) bool {
	return len(data) >= 1 && data[0] == 0x05
}

// RequestFeed builds a REQUEST_FEED frame for the given tube.
func RequestFeed(tube byte) Frame {
	return frame(IDPrinterToCabinet, CmdRequestFeed, 0, tube)
}

// StopFeed builds a STOP_FEED frame for the given tube.
func StopFeed(tube byte) Frame {
	return frame(IDPrinterToCabinet, CmdStopFeed, 0, tube)
}

// QueryStatus builds a QUERY_STATUS frame.
func QueryStatus() Frame {
	return frame(IDPrinterToCabinet, CmdQueryStatus)
}

// PrinterState builds one of the 0x04-0x09 printer-state frames for the
// given active extruder. cmd must be one of CmdPrinting..CmdPrinterError.
func PrinterState(cmd Command, extruder byte) Frame {
	return frame(IDPrinterToCabinet, cmd, extruder)
}

// Heartbeat builds a HEARTBEAT frame.
func Heartbeat() Frame {
	return frame(IDPrinterToCabinet, CmdHeartbeat)
}

// FilamentStatusResponse builds a FILAMENT_STATUS_RESPONSE frame.
// validity is encoded 0=valid, 1=invalid per the wire format.
func FilamentStatusResponse(valid bool, bitmap byte) Frame {
	validity := byte(1)
	if valid {
		validity = 0
	}
	return frame(IDPrinterToCabinet, CmdFilamentStatusResponse, validity, bitmap)
}

// QueryFeederMapping builds a QUERY_FEEDER_MAPPING frame.
func QueryFeederMapping() Frame {
	return frame(IDPrinterToCabinet, CmdQueryFeederMapping)
}

// FeederMappingResponse builds a FEEDER_MAPPING_RESPONSE frame.
// status is 0 on success, 1 on persistence failure.
func FeederMappingResponse(left, right, status byte) Frame {
	return frame(IDPrinterToCabinet, CmdFeederMappingResponse, left, right, status)
}

// RFIDRequest builds an RFID_REQUEST frame for the given extruder.
func RFIDRequest(extruderID byte) Frame {
	return frame(IDPrinterToCabinet, CmdRFIDRequest, 0, extruderID)
}

// StatusEvent is the decoded payload of any command not otherwise classified.
type StatusEvent struct {
	Command  Command
	Status   byte
	Progress byte
	ErrCode  byte
	Raw      [8]byte
}

// MappingSetEvent is the decoded payload of an accepted SET_FEEDER_MAPPING frame.
type MappingSetEvent struct {
	Left  byte
	Right byte
}

// classifyFeederMapping validates a SET_FEEDER_MAPPING frame's payload.
// Accepted only when bytes 1 and 2 are each <2 and distinct.
func classifyFeederMapping(data [8]byte) (MappingSetEvent, bool) {
	left, right := data[1], data[2]
	if left >= 2 || right >= 2 || left == right {
		return MappingSetEvent{}, false
	}
	return MappingSetEvent{Left: left, Right: right}, true
}

// IsRFIDCommand reports whether cmd is one of the six RFID command codes.
func IsRFIDCommand(cmd Command) bool {
	return rfidCommands[cmd]
}
