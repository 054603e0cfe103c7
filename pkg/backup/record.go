package backup

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/stakewatch/warden/pkg/security"
	"github.com/stakewatch/warden/pkg/types"
)

// Sealed record layout (before encryption): an authenticated header of
// version and creation time, then the archive bytes. The header rides
// inside the AEAD so a replica's version claim cannot be forged or
// spliced from another record.
const sealedHeaderSize = 16

func sealRecord(c *security.Cipher, version uint64, createdAt time.Time, archive []byte) ([]byte, error) {
	plaintext := make([]byte, sealedHeaderSize+len(archive))
	binary.BigEndian.PutUint64(plaintext[0:8], version)
	binary.BigEndian.PutUint64(plaintext[8:16], uint64(createdAt.Unix()))
	copy(plaintext[sealedHeaderSize:], archive)
	return c.Seal(plaintext)
}

func openRecord(c *security.Cipher, sealed []byte) (version uint64, createdAt time.Time, archive []byte, err error) {
	plaintext, err := c.Open(sealed)
	if err != nil {
		return 0, time.Time{}, nil, types.Classify(types.KindSafetyCritical,
			fmt.Errorf("%w: %v", types.ErrRecordCorrupt, err))
	}
	if len(plaintext) < sealedHeaderSize {
		return 0, time.Time{}, nil, types.Classify(types.KindSafetyCritical,
			fmt.Errorf("%w: truncated header", types.ErrRecordCorrupt))
	}
	version = binary.BigEndian.Uint64(plaintext[0:8])
	createdAt = time.Unix(int64(binary.BigEndian.Uint64(plaintext[8:16])), 0).UTC()
	archive = plaintext[sealedHeaderSize:]
	return version, createdAt, archive, nil
}

// archiveHash is the content hash recorded alongside a sealed record.
func archiveHash(archive []byte) string {
	sum := sha256.Sum256(archive)
	return hex.EncodeToString(sum[:])
}
