// Package integrity provides the non-cryptographic hashes used by the
// drsync protocol: a 32-bit chunk checksum and a 64-bit whole-file
// digest for end-to-end verification.
//
// No cryptographic guarantees are claimed. The chunk checksum is a
// simplified xxHash32 variant whose exact output is part of the wire
// contract, so it is implemented here rather than taken from an xxHash
// library.
package integrity

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

const (
	prime1 uint32 = 2654435761
	prime2 uint32 = 2246822519
	prime3 uint32 = 3266489917
	prime4 uint32 = 668265263
	prime5 uint32 = 374761393
)

// XXHash32 computes the protocol's 32-bit chunk checksum. The same
// bytes and seed always produce the same value on every platform.
func XXHash32(data []byte, seed uint32) uint32 {
	h32 := seed + prime5 + uint32(len(data))

	for _, b := range data {
		h32 += uint32(b) * prime5
		h32 = ((h32 << 11) | (h32 >> 21)) * prime1
	}

	h32 ^= h32 >> 15
	h32 *= prime2
	h32 ^= h32 >> 13
	h32 *= prime3
	h32 ^= h32 >> 16

	return h32
}

// VerifyChunk reports whether data hashes to the expected checksum.
func VerifyChunk(data []byte, expected uint32) bool {
	return XXHash32(data, 0) == expected
}

// FileHash computes the 64-bit rolling digest of a file (multiplier 31,
// initial value 0) and renders it as 16 lowercase hex digits. It returns
// the empty string if the file cannot be opened.
func FileHash(path string) string {
	f, err := os.Open(path)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "FileHash",
			"path":     path,
			"error":    err.Error(),
		}).Warn("Cannot open file for hashing")
		return ""
	}
	defer f.Close()

	var hash uint64
	buf := make([]byte, 8192)

	for {
		n, err := f.Read(buf)
		for _, b := range buf[:n] {
			hash = hash*31 + uint64(b)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "FileHash",
				"path":     path,
				"error":    err.Error(),
			}).Warn("Read failed while hashing file")
			return ""
		}
	}

	return fmt.Sprintf("%016x", hash)
}
