// Package n2k decodes and encodes NMEA 2000 / SAE J1939 CAN-bus messages:
// header parsing, fast-packet reassembly, bit-level field primitives and
// the core data model shared by the catalog, dialect, transport and
// networkmap packages.
package n2k

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"time"
)

// RawMessage is a fully reassembled, not-yet-decoded application message:
// one CAN header plus its complete payload (single-frame or reassembled
// fast-packet).
type RawMessage struct {
	Time   time.Time
	Header CanBusHeader
	Data   []byte
}

// FastRawPacketMaxSize is the largest payload a fast-packet message can
// carry: a 6-byte first frame plus up to 31 continuation frames of 7 bytes
// each.
const FastRawPacketMaxSize = 6 + 31*7

// ISOTPDataMaxSize is the largest payload an ISO 11783-3 Transport Protocol
// (multi-packet) message can carry: 255 frames of 7 bytes each.
const ISOTPDataMaxSize = 1785

// MarshalRawMessage serializes raw into a compact binary form, 4 bytes of
// big-endian CAN identifier followed by the payload bytes. This is the
// format the reader binaries emit in their hex/base64 raw output modes.
func MarshalRawMessage(raw RawMessage) []byte {
	b := make([]byte, 4+len(raw.Data))
	binary.BigEndian.PutUint32(b, raw.Header.Uint32())
	copy(b[4:], raw.Data)
	return b
}

// RawFrame is a single 8-byte CAN frame, before or after fast-packet
// reassembly.
type RawFrame struct {
	Time   time.Time
	Header CanBusHeader
	Length uint8
	Data   [8]byte
}

// PhysicalQuantity tags what real-world quantity a Field represents, used
// to decide which unit-preference conversion applies.
type PhysicalQuantity string

const (
	PhysicalQuantityNone        PhysicalQuantity = ""
	PhysicalQuantityTemperature PhysicalQuantity = "TEMPERATURE"
	PhysicalQuantityPressure    PhysicalQuantity = "PRESSURE"
	PhysicalQuantityAngle       PhysicalQuantity = "ANGLE"
	PhysicalQuantitySpeed       PhysicalQuantity = "SPEED"
	PhysicalQuantityDistance    PhysicalQuantity = "DISTANCE"
	PhysicalQuantityFrequency   PhysicalQuantity = "FREQUENCY"
	PhysicalQuantityDate        PhysicalQuantity = "DATE"
	PhysicalQuantityTime        PhysicalQuantity = "TIME"
	PhysicalQuantityDuration    PhysicalQuantity = "DURATION"
	PhysicalQuantityLatitude    PhysicalQuantity = "GEOGRAPHICAL_LATITUDE"
	PhysicalQuantityLongitude   PhysicalQuantity = "GEOGRAPHICAL_LONGITUDE"
	PhysicalQuantityVolume      PhysicalQuantity = "VOLUME"
	PhysicalQuantityVoltage     PhysicalQuantity = "POTENTIAL_DIFFERENCE"
	PhysicalQuantityCurrent     PhysicalQuantity = "ELECTRICAL_CURRENT"
	PhysicalQuantityPower       PhysicalQuantity = "ELECTRICAL_POWER"
)

// FieldType names the decode/encode dispatch strategy for a Field.
type FieldType string

const (
	FieldTypeNumber         FieldType = "NUMBER"
	FieldTypeFloat          FieldType = "FLOAT"
	FieldTypeDecimal        FieldType = "DECIMAL"
	FieldTypeLookup         FieldType = "LOOKUP"
	FieldTypeIndirectLookup FieldType = "INDIRECT_LOOKUP"
	FieldTypeBitLookup      FieldType = "BITLOOKUP"
	FieldTypeTime           FieldType = "TIME"
	FieldTypeDuration       FieldType = "DURATION"
	FieldTypeDate           FieldType = "DATE"
	FieldTypePGN            FieldType = "PGN"
	FieldTypeIsoName        FieldType = "ISO_NAME"
	FieldTypeStringFix      FieldType = "STRING_FIX"
	FieldTypeStringLZ       FieldType = "STRING_LZ"
	FieldTypeStringLAU      FieldType = "STRING_LAU"
	FieldTypeBinary         FieldType = "BINARY"
	FieldTypeReserved       FieldType = "RESERVED"
	FieldTypeSpare          FieldType = "SPARE"
	FieldTypeMMSI           FieldType = "MMSI"
	FieldTypeVariable       FieldType = "VARIABLE"
	FieldTypeFieldIndex     FieldType = "FIELD_INDEX"
)

// Field is one decoded (or to-be-encoded) slot of a Message.
type Field struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	Description      string           `json:"description,omitempty"`
	Unit             string           `json:"unit_of_measurement,omitempty"`
	PhysicalQuantity PhysicalQuantity `json:"physical_quantities,omitempty"`
	Type             FieldType        `json:"type"`
	PartOfPrimaryKey bool             `json:"part_of_primary_key,omitempty"`

	// RawValue is the decoded value after catalog resolution scaling and
	// before unit conversion. It is not the undecoded integer: NUMBER-family
	// fields with a resolution other than 1 carry a float64, the others
	// int64/uint64; BINARY/RESERVED/SPARE carry []byte.
	RawValue any `json:"raw_value"`
	// Value is the post-scaling, unit-converted value: string, int64,
	// uint64, float64, []byte, time.Time or time.Duration. The catalog
	// decoder leaves a field whose raw bits are a reserved sentinel out of
	// Message.Fields instead of carrying it with a nil Value.
	Value any `json:"value"`
}

// MarshalJSON hex-encodes []byte raw/decoded values instead of the default
// base64 so dumped binary fields stay human-readable.
func (f Field) MarshalJSON() ([]byte, error) {
	type alias Field
	a := alias(f)
	if b, ok := a.RawValue.([]byte); ok {
		a.RawValue = hex.EncodeToString(b)
	}
	if b, ok := a.Value.([]byte); ok {
		a.Value = hex.EncodeToString(b)
	}
	return json.Marshal(a)
}

// AsFloat64Raw converts a Field's RawValue to float64, when meaningful;
// used by fingerprinting and CSV projection, which operate on the scaled,
// not unit-converted, RawValue.
func (f Field) AsFloat64Raw() (float64, bool) {
	switch v := f.RawValue.(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	}
	return 0, false
}

// Message is a decoded, or to-be-encoded, NMEA 2000 application message.
type Message struct {
	Header      CanBusHeader
	ID          string
	Description string
	Fields      FieldValues
	Timestamp   time.Time
	TTL         time.Duration

	// SourceIsoName is the 64-bit identity of Header.Source, when known
	// from a prior ISO Address Claim.
	SourceIsoName *NodeName
	// NodeNAME is the raw uint64 form of SourceIsoName, set by callers that
	// track the network map themselves rather than via SourceIsoName.
	NodeNAME uint64
	// Hash is the 128-bit stream fingerprint. Valid only when HasHash is
	// true.
	Hash    [16]byte
	HasHash bool
}

// MarshalJSON renders the message in its dump shape: header fields
// flattened to the top level, ISO-8601 timestamp, hex-encoded hash.
func (m Message) MarshalJSON() ([]byte, error) {
	out := struct {
		PGN           uint32      `json:"pgn"`
		ID            string      `json:"id"`
		Description   string      `json:"description,omitempty"`
		Fields        FieldValues `json:"fields"`
		Source        uint8       `json:"source"`
		Destination   uint8       `json:"destination"`
		Priority      uint8       `json:"priority"`
		Timestamp     string      `json:"timestamp"`
		SourceIsoName *NodeName   `json:"source_iso_name,omitempty"`
		NodeNAME      uint64      `json:"node_name,omitempty"`
		Hash          string      `json:"hash,omitempty"`
	}{
		PGN:           m.Header.PGN,
		ID:            m.ID,
		Description:   m.Description,
		Fields:        m.Fields,
		Source:        m.Header.Source,
		Destination:   m.Header.Destination,
		Priority:      m.Header.Priority,
		Timestamp:     m.Timestamp.UTC().Format(time.RFC3339Nano),
		SourceIsoName: m.SourceIsoName,
		NodeNAME:      m.NodeNAME,
	}
	if m.HasHash {
		out.Hash = hex.EncodeToString(m.Hash[:])
	}
	return json.Marshal(out)
}
