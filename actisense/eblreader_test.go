package actisense

import (
	"testing"
	"time"

	"github.com/seatrac-nav/n2k"
	test_test "github.com/seatrac-nav/n2k/test"
	"github.com/stretchr/testify/assert"
)

func TestFromActisenseBST95Message(t *testing.T) {
	now := test_test.UTCTime(1665488842) // Tue Oct 11 2022 11:47:22 GMT+0000

	var testCases = []struct {
		name        string
		whenRaw     []byte
		expect      n2k.RawMessage
		expectError string
	}{
		{
			name:    "ok",
			whenRaw: []byte{0x0e, 0x28, 0x9a, 0x00, 0x01, 0xf8, 0x09, 0x3d, 0x0d, 0xb3, 0x22, 0x48, 0x32, 0x59, 0x0d},
			expect: n2k.RawMessage{
				Time: now,
				Header: n2k.CanBusHeader{
					PGN:         129025,
					Priority:    2,
					Source:      0,
					Destination: 255,
				},
				Data: n2k.RawData{0x3d, 0x0d, 0xb3, 0x22, 0x48, 0x32, 0x59, 0x0d},
			},
		},
		{
			name:    "nok, too short, missing data",
			whenRaw: []byte{0x0e, 0x28, 0x9a, 0x00, 0x01, 0xf8, 0x09},
			expect: n2k.RawMessage{
				Time:   time.Time{},
				Header: n2k.CanBusHeader{},
				Data:   nil,
			},
			expectError: "raw message actual length too short to be valid BST-95 message",
		},
		{
			name:    "nok, incorrect length value",
			whenRaw: []byte{0x0e, 0x28, 0x9a, 0x00, 0x01, 0xf8, 0x09, 0x3d, 0x0d, 0xb3, 0x22, 0x48, 0x32, 0x59},
			expect: n2k.RawMessage{
				Time:   time.Time{},
				Header: n2k.CanBusHeader{},
				Data:   nil,
			},
			expectError: "raw message length field does not match actual length",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := fromActisenseBST95Message(tc.whenRaw, now)

			assert.Equal(t, tc.expect, result)
			if tc.expectError != "" {
				assert.EqualError(t, err, tc.expectError)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
