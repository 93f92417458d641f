package export

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"

	"github.com/sourcegraph/conc/pool"
	"golang.org/x/crypto/argon2"
)

// HashType selects the algorithm used for shareable ban lists.
type HashType string

const (
	HashTypeArgon2id HashType = "argon2id"
	HashTypeSHA256   HashType = "sha256"
)

// HashConfig controls how user IDs are hashed.
type HashConfig struct {
	Type       HashType `json:"hashType"`
	Salt       string   `json:"salt"`
	Iterations uint32   `json:"iterations"`
	// Memory in MiB, argon2id only.
	Memory      uint32 `json:"memory,omitempty"`
	Concurrency int    `json:"-"`
}

// HashID hashes one user ID. The ID is encoded as 8 little-endian bytes.
func HashID(id uint64, cfg HashConfig) string {
	idBytes := binary.LittleEndian.AppendUint64(nil, id)

	var sum []byte

	switch cfg.Type {
	case HashTypeArgon2id:
		sum = argon2.IDKey(idBytes, []byte(cfg.Salt), cfg.Iterations, cfg.Memory*1024, 1, 32)
	default:
		// Iterated, each round hashing the ID with the previous digest.
		sum = []byte(cfg.Salt)

		h := sha256.New()
		for range max(cfg.Iterations, 1) {
			h.Reset()
			h.Write(idBytes)
			h.Write(sum)
			sum = h.Sum(nil)
		}
	}

	return hex.EncodeToString(sum)
}

// HashIDs hashes ids concurrently, keeping their order.
func HashIDs(ids []uint64, cfg HashConfig) []string {
	hashes := make([]string, len(ids))

	p := pool.New().WithMaxGoroutines(max(cfg.Concurrency, 1))
	for i, id := range ids {
		p.Go(func() {
			hashes[i] = HashID(id, cfg)
		})
	}

	p.Wait()

	return hashes
}
