package fairness

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
)

// SeedBytes is the server seed size (256 bits).
const SeedBytes = 32

// probabilityTolerance is how far a table may drift from 100% before
// CheckTable reports it.
const probabilityTolerance = 1e-6

var (
	ErrNoItems     = errors.New("fairness: item table is empty")
	ErrEmptySeed   = errors.New("fairness: server seed is empty")
	ErrNoCandidate = errors.New("fairness: no tie-break candidates")
)

// Item is one entry of a case's probability table.
// Probability is a percentage (0-100).
type Item struct {
	ID          string
	Probability float64
}

// RollResult is the outcome of a single provably-fair roll.
type RollResult struct {
	ItemID string  `json:"item_id"`
	Hash   string  `json:"hash"`
	Roll   float64 `json:"roll"`
	Nonce  uint64  `json:"nonce"`
}

// Engine manages server seed commitments. Rolls themselves are pure and do
// not depend on engine state; only Commit reads from the entropy source.
type Engine struct {
	entropy io.Reader
}

// NewEngine creates an engine backed by crypto/rand.
func NewEngine() *Engine {
	return &Engine{entropy: rand.Reader}
}

// NewEngineWithEntropy creates an engine reading seeds from r.
// Tests use this to make commits reproducible.
func NewEngineWithEntropy(r io.Reader) *Engine {
	return &Engine{entropy: r}
}

// Commit returns a server seed and its SHA-256 commitment.
// When seed is empty a fresh 256-bit seed is generated.
// The commit hash must be persisted before any roll it governs.
func (e *Engine) Commit(seed string) (serverSeed, commitHash string, err error) {
	if seed == "" {
		var buf [SeedBytes]byte
		if _, err := io.ReadFull(e.entropy, buf[:]); err != nil {
			return "", "", fmt.Errorf("read server seed: %w", err)
		}
		seed = hex.EncodeToString(buf[:])
	}
	return seed, HashSeed(seed), nil
}

// NewClientSeed generates a random client seed for participants that did
// not supply one.
func (e *Engine) NewClientSeed() (string, error) {
	var buf [16]byte
	if _, err := io.ReadFull(e.entropy, buf[:]); err != nil {
		return "", fmt.Errorf("read client seed: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}

// HashSeed computes hex(SHA-256(serverSeed)).
func HashSeed(serverSeed string) string {
	sum := sha256.Sum256([]byte(serverSeed))
	return hex.EncodeToString(sum[:])
}

// Digest computes HMAC-SHA256(serverSeed, clientSeed:context:nonce).
func Digest(serverSeed, clientSeed string, nonce uint64, context string) []byte {
	mac := hmac.New(sha256.New, []byte(serverSeed))
	mac.Write([]byte(clientSeed))
	mac.Write([]byte{':'})
	mac.Write([]byte(context))
	mac.Write([]byte{':'})
	mac.Write([]byte(strconv.FormatUint(nonce, 10)))
	return mac.Sum(nil)
}

// Normalize maps the first 8 bytes of a digest (big-endian) into [0, 1).
func Normalize(digest []byte) float64 {
	v := binary.BigEndian.Uint64(digest[:8])
	r := float64(v) / math.Exp2(64)
	// float64 cannot represent every uint64; values within 2^11 of the top
	// round up to exactly 1.0.
	if r >= 1 {
		r = math.Nextafter(1, 0)
	}
	return r
}

// Roll derives the item for one pull. Identical inputs always yield the
// identical result.
func Roll(serverSeed, clientSeed string, nonce uint64, context string, items []Item) (RollResult, error) {
	if serverSeed == "" {
		return RollResult{}, ErrEmptySeed
	}
	if len(items) == 0 {
		return RollResult{}, ErrNoItems
	}

	digest := Digest(serverSeed, clientSeed, nonce, context)
	roll := Normalize(digest)
	item := Pick(items, roll)

	return RollResult{
		ItemID: item.ID,
		Hash:   hex.EncodeToString(digest),
		Roll:   roll,
		Nonce:  nonce,
	}, nil
}

// Pick maps roll onto the table using the cumulative-percentage walk over
// items in canonical (ascending id) order. The last item is returned when
// the cumulative sum never exceeds roll, which happens on floating point
// edge cases and on tables summing to less than 100.
func Pick(items []Item, roll float64) Item {
	ordered := Canonical(items)
	cumulative := 0.0
	for _, it := range ordered {
		cumulative += it.Probability / 100
		if cumulative > roll {
			return it
		}
	}
	return ordered[len(ordered)-1]
}

// Canonical returns a copy of items sorted by id.
func Canonical(items []Item) []Item {
	ordered := make([]Item, len(items))
	copy(ordered, items)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].ID < ordered[j].ID
	})
	return ordered
}

// CheckTable reports the probability sum and whether it is 100%.
// Tables that are off are never renormalised.
func CheckTable(items []Item) (sum float64, ok bool) {
	for _, it := range items {
		sum += it.Probability
	}
	return sum, math.Abs(sum-100) <= probabilityTolerance
}
