package fairness

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
)

// ErrFairnessViolation is matched by every ViolationError. It signals that a
// stored outcome cannot be reproduced from its seeds and needs operator
// attention; it is never a transient I/O or validation failure.
var ErrFairnessViolation = errors.New("fairness violation")

// ViolationError describes which part of a recomputation disagreed.
type ViolationError struct {
	Field    string // "commit", "hash" or "item"
	Expected string
	Actual   string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("fairness violation: %s mismatch (expected %s, got %s)", e.Field, e.Expected, e.Actual)
}

func (e *ViolationError) Is(target error) bool {
	return target == ErrFairnessViolation
}

// Verify recomputes a roll and compares it to the stored hash and item.
// A mismatch returns false with a *ViolationError; malformed input returns
// false with an ordinary error.
func Verify(serverSeed, clientSeed string, nonce uint64, context, expectedHash, expectedItemID string, items []Item) (bool, error) {
	res, err := Roll(serverSeed, clientSeed, nonce, context, items)
	if err != nil {
		return false, err
	}
	if res.Hash != expectedHash {
		return false, &ViolationError{Field: "hash", Expected: expectedHash, Actual: res.Hash}
	}
	if res.ItemID != expectedItemID {
		return false, &ViolationError{Field: "item", Expected: expectedItemID, Actual: res.ItemID}
	}
	return true, nil
}

// VerifyCommit checks that SHA-256(serverSeed) equals the published commit.
func VerifyCommit(serverSeed, commitHash string) error {
	if serverSeed == "" {
		return ErrEmptySeed
	}
	if got := HashSeed(serverSeed); got != commitHash {
		return &ViolationError{Field: "commit", Expected: commitHash, Actual: got}
	}
	return nil
}

// TieBreakContext separates tie-break digests from round digests.
const TieBreakContext = "tiebreak"

// TieBreakDraw is a verifiable selection among tied candidates.
type TieBreakDraw struct {
	Candidates []string `json:"candidates"` // sorted
	Index      int      `json:"index"`
	Winner     string   `json:"winner"`
	Hash       string   `json:"hash"`
	Nonce      uint64   `json:"nonce"`
}

// TieBreak selects one of candidates: the digest's first 8 bytes modulo the
// candidate count index into the sorted candidate list.
func TieBreak(serverSeed, clientSeed string, nonce uint64, candidates []string) (TieBreakDraw, error) {
	if serverSeed == "" {
		return TieBreakDraw{}, ErrEmptySeed
	}
	if len(candidates) == 0 {
		return TieBreakDraw{}, ErrNoCandidate
	}

	sorted := make([]string, len(candidates))
	copy(sorted, candidates)
	sort.Strings(sorted)

	digest := Digest(serverSeed, clientSeed, nonce, TieBreakContext)
	idx := int(binary.BigEndian.Uint64(digest[:8]) % uint64(len(sorted)))

	return TieBreakDraw{
		Candidates: sorted,
		Index:      idx,
		Winner:     sorted[idx],
		Hash:       hex.EncodeToString(digest),
		Nonce:      nonce,
	}, nil
}

// VerifyTieBreak recomputes a draw and compares it to the recorded one.
func VerifyTieBreak(serverSeed, clientSeed string, draw TieBreakDraw) error {
	again, err := TieBreak(serverSeed, clientSeed, draw.Nonce, draw.Candidates)
	if err != nil {
		return err
	}
	if again.Hash != draw.Hash {
		return &ViolationError{Field: "hash", Expected: draw.Hash, Actual: again.Hash}
	}
	if again.Winner != draw.Winner {
		return &ViolationError{Field: "item", Expected: draw.Winner, Actual: again.Winner}
	}
	return nil
}
