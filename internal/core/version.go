package core

import (
	"encoding/binary"
	"fmt"
)

// Software version tag carried in the wire `v` field: four ASCII name
// bytes followed by a 32-bit version number.
const (
	NodeShortName = "kdnt"
	NodeVersion   = 1
)

func BuildVersion(name string, version uint32) uint64 {
	var b [8]byte
	copy(b[:4], name)
	binary.BigEndian.PutUint32(b[4:], version)
	return binary.BigEndian.Uint64(b[:])
}

// FormatVersion renders a version tag as "name/version"; unknown or absent
// tags render as "N/A".
func FormatVersion(v uint64) string {
	if v == 0 {
		return "N/A"
	}
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	name := make([]byte, 0, 4)
	for _, c := range b[:4] {
		if c >= 0x20 && c < 0x7f {
			name = append(name, c)
		}
	}
	if len(name) == 0 {
		return "N/A"
	}
	return fmt.Sprintf("%s/%d", name, binary.BigEndian.Uint32(b[4:]))
}
