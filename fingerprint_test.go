package n2k

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFingerprint_Stability(t *testing.T) {
	build := func(rawValue int64) Message {
		return Message{
			ID:       "engineParametersDynamic",
			NodeNAME: 1234,
			Fields: FieldValues{
				{ID: "instance", PartOfPrimaryKey: true, RawValue: rawValue},
				{ID: "oilPressure", PartOfPrimaryKey: false, RawValue: int64(99)},
			},
		}
	}

	a := Fingerprint(build(0))
	b := Fingerprint(build(0))
	assert.Equal(t, a, b, "same id/NAME/primary-key raw values must fingerprint equal")

	c := Fingerprint(build(1))
	assert.NotEqual(t, a, c, "different primary-key raw value must fingerprint unequal")
}

func TestFingerprint_IgnoresNonPrimaryKeyFields(t *testing.T) {
	base := Message{
		ID:       "engineParametersDynamic",
		NodeNAME: 42,
		Fields: FieldValues{
			{ID: "instance", PartOfPrimaryKey: true, RawValue: int64(0)},
			{ID: "oilPressure", PartOfPrimaryKey: false, RawValue: int64(100)},
		},
	}
	changed := base
	changed.Fields = FieldValues{
		{ID: "instance", PartOfPrimaryKey: true, RawValue: int64(0)},
		{ID: "oilPressure", PartOfPrimaryKey: false, RawValue: int64(200)},
	}

	assert.Equal(t, Fingerprint(base), Fingerprint(changed))
}

func TestFingerprint_UsesSourceIsoNameOverNodeNAME(t *testing.T) {
	withName := Message{ID: "isoAddressClaim", SourceIsoName: &NodeName{UniqueNumber: 7}}
	withoutName := Message{ID: "isoAddressClaim", NodeNAME: withName.SourceIsoName.Uint64()}

	assert.Equal(t, Fingerprint(withName), Fingerprint(withoutName))
}

func TestMessage_WithFingerprint(t *testing.T) {
	m := Message{ID: "x"}
	assert.False(t, m.HasHash)

	m = m.WithFingerprint()
	assert.True(t, m.HasHash)
	assert.NotZero(t, m.Hash)
}
