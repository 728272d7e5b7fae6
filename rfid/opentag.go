package rfid

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

// requiredLen is the minimum byte length covering every required OpenTag field.
const requiredLen = 89

// OpenTagRecord is the decoded OpenTag filament tag payload. Optional fields
// are nil when the buffer was too short to carry them, or when the field was
// present but set to its sentinel "absent" value (0xFF / 0xFFFF / 0xFFFFFFFF).
type OpenTagRecord struct {
	TagVersion     uint16
	Manufacturer   string
	MaterialName   string
	ColorName      string
	DiameterTarget uint16 // micrometers
	WeightNominal  uint16 // grams
	PrintTemp      uint16 // degrees C
	BedTemp        uint16 // degrees C
	Density        uint16 // micrograms/cm3

	SerialNumber          string
	ManufactureDate       *time.Time
	SpoolCoreDiameter     *uint8
	MFI                   *uint8
	ToleranceMeasured     *uint8
	AdditionalDataURL     string
	EmptySpoolWeight      *uint16 // grams
	FilamentWeightMeasured *uint16 // grams
	FilamentLengthMeasured *uint16 // meters
	TransmissionDistance  *uint16
	ColorHex              *uint32
	MaxDryTemp            *uint8 // degrees C
}

// DecodeOpenTag parses a reassembled OpenTag payload. The 89-byte required
// prefix must be present; its fields (tag version through density) fill the
// first 76 bytes. Optional fields start at byte 89, and each is decoded only
// if the buffer holds all of its bytes.
func DecodeOpenTag(data []byte) (OpenTagRecord, error) {
	if len(data) < requiredLen {
		return OpenTagRecord{}, fmt.Errorf("rfid: opentag payload too short: %d bytes", len(data))
	}

	var rec OpenTagRecord
	offset := 0

	rec.TagVersion = binary.LittleEndian.Uint16(data[offset:])
	offset += 2

	rec.Manufacturer = extractString(data, offset, 16)
	offset += 16

	rec.MaterialName = extractString(data, offset, 16)
	offset += 16

	rec.ColorName = extractString(data, offset, 32)
	offset += 32

	rec.DiameterTarget = binary.LittleEndian.Uint16(data[offset:])
	offset += 2

	rec.WeightNominal = binary.LittleEndian.Uint16(data[offset:])
	offset += 2

	rec.PrintTemp = binary.LittleEndian.Uint16(data[offset:])
	offset += 2

	rec.BedTemp = binary.LittleEndian.Uint16(data[offset:])
	offset += 2

	rec.Density = binary.LittleEndian.Uint16(data[offset:])
	offset = requiredLen

	// Everything below is optional: only decoded while the buffer still
	// has room for the field being read.
	if len(data) >= offset+16 {
		rec.SerialNumber = extractString(data, offset, 16)
		offset += 16
	}

	if len(data) >= offset+8 {
		secs := binary.LittleEndian.Uint32(data[offset:])
		if secs != 0xFFFFFFFF {
			t := time.Unix(int64(secs), 0).UTC()
			rec.ManufactureDate = &t
		}
		offset += 8
	}

	if len(data) > offset {
		rec.SpoolCoreDiameter = optionalU8(data[offset])
		offset++
	}

	if len(data) > offset {
		rec.MFI = optionalU8(data[offset])
		offset++
	}

	if len(data) > offset {
		rec.ToleranceMeasured = optionalU8(data[offset])
		offset++
	}

	if len(data) >= offset+32 {
		rec.AdditionalDataURL = extractString(data, offset, 32)
		offset += 32
	}

	if len(data) >= offset+2 {
		rec.EmptySpoolWeight = optionalU16(binary.LittleEndian.Uint16(data[offset:]))
		offset += 2
	}

	if len(data) >= offset+2 {
		rec.FilamentWeightMeasured = optionalU16(binary.LittleEndian.Uint16(data[offset:]))
		offset += 2
	}

	if len(data) >= offset+2 {
		rec.FilamentLengthMeasured = optionalU16(binary.LittleEndian.Uint16(data[offset:]))
		offset += 2
	}

	if len(data) >= offset+2 {
		rec.TransmissionDistance = optionalU16(binary.LittleEndian.Uint16(data[offset:]))
		offset += 2
	}

	if len(data) >= offset+4 {
		rec.ColorHex = optionalU32(binary.LittleEndian.Uint32(data[offset:]))
		offset += 4
	}

	if len(data) > offset {
		rec.MaxDryTemp = optionalU8(data[offset])
	}

	return rec, nil
}

func optionalU8(v byte) *uint8 {
	if v == 0xFF {
		return nil
	}
	return &v
}

func optionalU16(v uint16) *uint16 {
	if v == 0xFFFF {
		return nil
	}
	return &v
}

func optionalU32(v uint32) *uint32 {
	if v == 0xFFFFFFFF {
		return nil
	}
	return &v
}

// extractString reads up to length bytes starting at offset, stopping at the
// first NUL and trimming surrounding whitespace. Invalid UTF-8 is dropped
// rather than rejected.
func extractString(data []byte, offset, length int) string {
	end := offset + length
	if end > len(data) {
		end = len(data)
	}
	if offset >= end {
		return ""
	}
	chunk := data[offset:end]
	if i := indexNUL(chunk); i >= 0 {
		chunk = chunk[:i]
	}
	return strings.TrimSpace(strings.ToValidUTF8(string(chunk), ""))
}

func indexNUL(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}
