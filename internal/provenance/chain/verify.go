package chain

import "github.com/medflow/provenance-backend/internal/provenance/domain"

// Reasons reported for a broken chain
const (
	ReasonLinkMismatch    = "previous hash does not match predecessor"
	ReasonBadRoot         = "genesis entry does not start at the root sentinel"
	ReasonContentMismatch = "hash does not match entry content"
)

// Result is the outcome of a verification walk. BrokenAt is -1 for a valid chain.
type Result struct {
	Valid    bool   `json:"is_valid"`
	Length   int    `json:"length"`
	BrokenAt int    `json:"broken_at"`
	Reason   string `json:"reason,omitempty"`
}

func valid(length int) Result {
	return Result{Valid: true, Length: length, BrokenAt: -1}
}

func broken(length, at int, reason string) Result {
	return Result{Valid: false, Length: length, BrokenAt: at, Reason: reason}
}

// VerifyLinks only checks that every entry points at its predecessor's hash.
// It stops at the first break; ledgers of length 0 or 1 are trivially valid.
func VerifyLinks(entries []domain.LedgerEntry) Result {
	for i := 1; i < len(entries); i++ {
		if entries[i].PreviousHash != entries[i-1].Hash {
			return broken(len(entries), i, ReasonLinkMismatch)
		}
	}
	return valid(len(entries))
}

// Verify walks the batch's ledger once, checking linkage and then recomputing
// each entry's hash from the batch record. The first failing index is reported,
// so tampering with entry k is caught at k even when k is the tail.
func Verify(b *domain.Batch) Result {
	n := len(b.Ledger)
	for i, entry := range b.Ledger {
		var (
			expected string
			err      error
		)
		if i == 0 {
			if entry.PreviousHash != RootHash {
				return broken(n, i, ReasonBadRoot)
			}
			expected, err = genesisHash(b, entry)
		} else {
			if entry.PreviousHash != b.Ledger[i-1].Hash {
				return broken(n, i, ReasonLinkMismatch)
			}
			expected, err = appendHash(b.BatchID, entry)
		}
		if err != nil || expected != entry.Hash {
			return broken(n, i, ReasonContentMismatch)
		}
	}
	return valid(n)
}
