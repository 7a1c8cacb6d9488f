package wire

import "hash/crc32"

// castagnoliTable implements CRC-32C: polynomial 0x82F63B78, the same
// variant used by iSCSI, SCTP, and (not coincidentally) most financial
// binary protocols that want a stronger check than the classic CRC-32.
var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

func crc(b []byte) uint32 {
	return crc32.Checksum(b, castagnoliTable)
}

func verifyCRC(b []byte, expected uint32) bool {
	return crc(b) == expected
}

// CRC32C exposes the checksum function for callers (tests, diagnostics)
// that want to verify a frame without round-tripping it through a decoder.
func CRC32C(b []byte) uint32 {
	return crc(b)
}
