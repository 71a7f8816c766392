package transparency

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// BuildMerkleTree computes the binary, duplicate-last Merkle root over
// hashes in the given order.
//
// Parent hashes are computed over the ASCII-hex concatenation of their
// children's hex strings, not raw-byte concatenation. This matches the
// upstream verifier's construction exactly and must not be "simplified" to
// raw-byte concatenation, or every previously anchored root becomes
// unverifiable.
func BuildMerkleTree(hashes [][32]byte) [32]byte {
	switch len(hashes) {
	case 0:
		return [32]byte{}
	case 1:
		return hashes[0]
	}

	level := make([][32]byte, len(hashes))
	copy(level, hashes)

	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([][32]byte, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next = append(next, hashPair(level[i], level[i+1]))
		}
		level = next
	}

	return level[0]
}

func hashPair(left, right [32]byte) [32]byte {
	concat := hex.EncodeToString(left[:]) + hex.EncodeToString(right[:])
	return sha256.Sum256([]byte(concat))
}

// CommitmentHash computes the per-request SHA-256 commitment:
// SHA-256(service_id "|" api_key_id "|" timestamp_iso "|" request_path "|" response_status).
func CommitmentHash(serviceID, apiKeyID int64, timestampISO, requestPath string, responseStatus int) [32]byte {
	fields := []string{
		strconv.FormatInt(serviceID, 10),
		strconv.FormatInt(apiKeyID, 10),
		timestampISO,
		requestPath,
		strconv.Itoa(responseStatus),
	}
	return sha256.Sum256([]byte(strings.Join(fields, "|")))
}
