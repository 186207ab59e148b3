package quota

import (
	"hash/crc32"
	"strconv"
	"strings"
)

// CalculateChecksum returns the CRC32-IEEE of an event's payload. The
// timestamp and the checksum field itself are not covered.
func CalculateChecksum(ev Event) uint32 {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(ev.Seq, 10))
	for _, s := range []string{
		string(ev.Type),
		ev.Set.Layer,
		ev.Set.GridSet,
		ev.Set.Format,
		ev.Set.ParametersID,
		ev.NewLayer,
		strconv.FormatInt(ev.Bytes, 10),
		strconv.FormatInt(ev.Tiles, 10),
	} {
		b.WriteByte('|')
		b.WriteString(s)
	}
	return crc32.ChecksumIEEE([]byte(b.String()))
}

// VerifyChecksum reports whether ev carries the checksum of its payload.
func VerifyChecksum(ev Event) bool {
	return ev.Checksum == CalculateChecksum(ev)
}
