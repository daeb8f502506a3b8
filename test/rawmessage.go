package test_test

import (
	"testing"

	"github.com/seatrac-nav/n2k"
	"github.com/stretchr/testify/assert"
)

func AssertRawMessage(t *testing.T, expect n2k.Message, actual n2k.Message, delta float64) {
	assert.Equal(t, expect.Header, actual.Header)
	AssertFieldValues(t, expect.Fields, actual.Fields, delta)
}

func AssertFieldValues(t *testing.T, expect n2k.FieldValues, actual n2k.FieldValues, delta float64) {
	assert.Len(t, actual, len(expect))

	for _, actualFieldValue := range actual {
		expectedFieldValue, ok := expect.FindByID(actualFieldValue.ID)
		if !ok {
			t.Errorf("actual fields contains field with ID `%v` that is not in expected fields", actualFieldValue.ID)
			continue
		}
		AssertFieldValue(t, expectedFieldValue, actualFieldValue, delta)
	}
}

// AssertFieldValue compares field identity, kind and value. Catalog metadata
// (name, unit, physical quantity, raw value) is intentionally left out so
// expected values can be written as compact `{ID, Type, Value}` literals;
// metadata correctness is covered by the schema tests.
func AssertFieldValue(t *testing.T, expect n2k.Field, actual n2k.Field, delta float64) {
	stripMeta := func(f n2k.Field) n2k.Field {
		f.Name = ""
		f.Description = ""
		f.Unit = ""
		f.PhysicalQuantity = ""
		f.PartOfPrimaryKey = false
		f.RawValue = nil
		return f
	}
	expect = stripMeta(expect)
	actual = stripMeta(actual)

	switch actual.Value.(type) {
	case float64:
		assert.InDelta(
			t,
			expect.Value,
			actual.Value,
			delta,
			"Field ID: `%v` value %v is different from expected %v",
			expect.ID,
			actual.Value,
			expect.Value,
		)
		expect.Value = nil
		actual.Value = nil
	}
	assert.Equal(t, expect, actual)
}
