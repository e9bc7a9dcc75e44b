// Package mpegts repairs MPEG transport stream segments served with leading junk.
package mpegts

const (
	// SyncByte starts every transport stream packet.
	SyncByte = 0x47
	// PacketSize is the length of one transport stream packet.
	PacketSize = 188
	// scanWindow bounds how far into a segment a sync point is searched for.
	scanWindow = 1000
)

// Realign returns data starting at the first confirmed sync point: an offset
// within the first 1000 bytes holding SyncByte with another SyncByte exactly
// one packet later. If there is none, data is returned unmodified.
func Realign(data []byte) []byte {
	offset := SyncOffset(data)
	if offset <= 0 {
		return data
	}
	return data[offset:]
}

// SyncOffset returns the offset Realign would cut at, or -1.
func SyncOffset(data []byte) int {
	limit := min(len(data), scanWindow)
	for i := 0; i < limit; i++ {
		if data[i] != SyncByte {
			continue
		}
		if i+PacketSize < len(data) && data[i+PacketSize] == SyncByte {
			return i
		}
	}
	return -1
}

// IsAligned reports whether data already begins at a confirmed sync point.
func IsAligned(data []byte) bool {
	return SyncOffset(data) == 0
}
