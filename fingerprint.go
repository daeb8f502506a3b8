package n2k

import (
	"crypto/md5"
	"fmt"
)

// Fingerprint computes a 128-bit identity for a logical data stream:
// MD5(id + "_" + source-iso-name + "_" + each primary-key field's raw
// value). It is a stream identity, not a security hash.
func Fingerprint(m Message) [16]byte {
	var name uint64
	if m.SourceIsoName != nil {
		name = m.SourceIsoName.Uint64()
	} else {
		name = m.NodeNAME
	}

	buf := fmt.Sprintf("%s_%d", m.ID, name)
	for _, f := range m.Fields {
		if !f.PartOfPrimaryKey {
			continue
		}
		buf += fmt.Sprintf("_%v", f.RawValue)
	}
	return md5.Sum([]byte(buf))
}

// WithFingerprint returns m with Hash/HasHash set from Fingerprint(m).
func (m Message) WithFingerprint() Message {
	m.Hash = Fingerprint(m)
	m.HasHash = true
	return m
}
