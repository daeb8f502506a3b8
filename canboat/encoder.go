package canboat

import (
	"errors"
	"fmt"
	"github.com/seatrac-nav/n2k"
)

var (
	// ErrEncodeUnknownPGN mirrors ErrDecodeUnknownPGN for the encode direction: no catalog
	// entry matches the message's PGN (and id, for proprietary PGNs sharing a PGN number).
	ErrEncodeUnknownPGN = errors.New("encode failed, unknown PGN seen")
	// ErrEncodeMissingField is returned when a catalog field has no corresponding entry in
	// the message being encoded.
	ErrEncodeMissingField = errors.New("encode failed, message is missing a required field")
)

// Encoder is the dual of Decoder: it turns a typed n2k.Message back into the
// raw payload bytes the catalog's PGN definition describes.
// It is not safe for concurrent use, matching Decoder.
type Encoder struct {
	byID        map[string]PGN
	uniquePGNs  map[uint32]PGN
	nonUniqPGNs map[uint32]PGNs
}

// NewEncoder creates an Encoder from the same catalog schema a Decoder is built from.
func NewEncoder(schema CanboatSchema) *Encoder {
	byID := map[string]PGN{}
	uniq := map[uint32]PGN{}
	nonUniq := map[uint32]PGNs{}
	for _, pgn := range schema.PGNs {
		byID[pgn.ID] = pgn

		existing, ok := uniq[pgn.PGN]
		if !ok {
			uniq[pgn.PGN] = pgn
			continue
		}
		delete(uniq, pgn.PGN)
		group, ok := nonUniq[pgn.PGN]
		if !ok {
			group = PGNs{existing}
		}
		group = append(group, pgn)
		nonUniq[pgn.PGN] = group
	}
	return &Encoder{byID: byID, uniquePGNs: uniq, nonUniqPGNs: nonUniq}
}

// findPGN resolves the catalog entry for msg: by PGN number when it is unique in the
// catalog, otherwise by (PGN, id) to disambiguate proprietary PGNs sharing a PGN number.
func (e *Encoder) findPGN(msg n2k.Message) (PGN, error) {
	if pgn, ok := e.uniquePGNs[msg.Header.PGN]; ok {
		return pgn, nil
	}
	if pgns, ok := e.nonUniqPGNs[msg.Header.PGN]; ok {
		for _, pgn := range pgns {
			if pgn.ID == msg.ID {
				return pgn, nil
			}
		}
	}
	if pgn, ok := e.byID[msg.ID]; ok && pgn.PGN == msg.Header.PGN {
		return pgn, nil
	}
	return PGN{}, ErrEncodeUnknownPGN
}

func reservedFill(bitLength uint16) []byte {
	raw := make([]byte, (bitLength+7)/8)
	for i := range raw {
		raw[i] = 0xFF
	}
	return raw
}

// Encode produces the raw payload for msg. Fields are written in catalog field order
// using each n2k.Field's RawValue (the pre-unit-conversion decode result), so a message
// decoded with UnitPreferences set must not be re-encoded directly; re-encode the message
// Decode originally returned, or restore RawValue-equivalent values before calling Encode.
// Repeating field sets (the encode mirror of decodeWithRepeatedFields) are not supported.
func (e *Encoder) Encode(msg n2k.Message) (n2k.RawMessage, error) {
	pgn, err := e.findPGN(msg)
	if err != nil {
		return n2k.RawMessage{}, err
	}
	if pgn.RepeatingFieldSet1Size > 0 || pgn.RepeatingFieldSet2Size > 0 {
		return n2k.RawMessage{}, fmt.Errorf("canboat: Encoder does not support repeating field sets (PGN %d)", pgn.PGN)
	}

	if err := msg.Header.Validate(); err != nil {
		return n2k.RawMessage{}, err
	}

	var data n2k.RawData
	bitOffset := uint16(0)
	if len(pgn.Fields) > 0 {
		bitOffset = pgn.Fields[0].BitOffset
	}
	for i := range pgn.Fields {
		f := pgn.Fields[i]
		mf, ok := msg.Fields.FindByID(f.ID)
		var rawValue interface{}
		switch {
		case ok:
			rawValue = mf.RawValue
		case f.FieldType == FieldTypeReserved:
			// Decoder omits RESERVED fields unless DecodeReservedFields is set, so a
			// message decoded with the default config has none to round-trip. Reserved
			// bits carry the all-ones pattern on the wire.
			rawValue = reservedFill(f.BitLength)
		case f.FieldType == FieldTypeSpare:
			rawValue = make([]byte, (f.BitLength+7)/8)
		default:
			return n2k.RawMessage{}, fmt.Errorf("canboat: PGN %d field %q: %w", pgn.PGN, f.ID, ErrEncodeMissingField)
		}
		bits, err := f.Encode(&data, bitOffset, rawValue)
		if err != nil {
			return n2k.RawMessage{}, fmt.Errorf("canboat: PGN %d field %q: %w", pgn.PGN, f.ID, err)
		}
		bitOffset += bits
	}

	return n2k.RawMessage{
		Time:   msg.Timestamp,
		Header: msg.Header,
		Data:   []byte(data),
	}, nil
}
