package matcher

import (
	"sort"

	"golang-bankmatch-service/internal/models"
)

// CandidateIndex provides efficient lookups over the unsettled candidates of
// one scope. A pass builds it once, so N open lines cost one provider query
// per pool instead of N.
type CandidateIndex struct {
	// ExactAmountIndex maps (direction, amount) to candidates
	ExactAmountIndex map[amountKey][]models.Candidate

	// AmountRangeIndex holds each direction's candidates sorted by amount
	AmountRangeIndex map[models.Direction][]models.Candidate

	// CheckNumberIndex maps (direction, check number) to ledger entries
	CheckNumberIndex map[checkKey][]models.Candidate

	// direction of every indexed candidate
	directions map[models.CandidateRef]models.Direction
}

type amountKey struct {
	dir    models.Direction
	amount models.Amount
}

type checkKey struct {
	dir    models.Direction
	number string
}

// NewCandidateIndex creates an empty index
func NewCandidateIndex() *CandidateIndex {
	return &CandidateIndex{
		ExactAmountIndex: make(map[amountKey][]models.Candidate),
		AmountRangeIndex: make(map[models.Direction][]models.Candidate),
		CheckNumberIndex: make(map[checkKey][]models.Candidate),
		directions:       make(map[models.CandidateRef]models.Direction),
	}
}

// Add indexes c as a candidate for statement lines of direction dir. Settled
// candidates and candidates already indexed are ignored.
func (ci *CandidateIndex) Add(dir models.Direction, c models.Candidate) {
	ref := models.RefOf(c)
	if c.IsSettled() || c.CandidateAmount() <= 0 {
		return
	}
	if _, exists := ci.directions[ref]; exists {
		return
	}
	ci.directions[ref] = dir

	key := amountKey{dir: dir, amount: c.CandidateAmount()}
	ci.ExactAmountIndex[key] = append(ci.ExactAmountIndex[key], c)

	sorted := ci.AmountRangeIndex[dir]
	pos := sort.Search(len(sorted), func(i int) bool {
		return sorted[i].CandidateAmount() > c.CandidateAmount()
	})
	sorted = append(sorted, nil)
	copy(sorted[pos+1:], sorted[pos:])
	sorted[pos] = c
	ci.AmountRangeIndex[dir] = sorted

	if entry, ok := c.(*models.LedgerEntry); ok && entry.CheckNumber != "" {
		ck := checkKey{dir: dir, number: entry.CheckNumber}
		ci.CheckNumberIndex[ck] = append(ci.CheckNumberIndex[ck], c)
	}
}

// GetByExactAmount returns candidates of direction dir with exactly amount
func (ci *CandidateIndex) GetByExactAmount(dir models.Direction, amount models.Amount) []models.Candidate {
	return ci.ExactAmountIndex[amountKey{dir: dir, amount: amount.Abs()}]
}

// GetByAmountRange returns candidates of direction dir within the given
// amount range (inclusive)
func (ci *CandidateIndex) GetByAmountRange(dir models.Direction, minAmount, maxAmount models.Amount) []models.Candidate {
	sorted := ci.AmountRangeIndex[dir]

	// Find starting index using binary search
	start := sort.Search(len(sorted), func(i int) bool {
		return sorted[i].CandidateAmount() >= minAmount
	})

	var result []models.Candidate
	for i := start; i < len(sorted); i++ {
		if sorted[i].CandidateAmount() > maxAmount {
			break
		}
		result = append(result, sorted[i])
	}
	return result
}

// GetByCheckNumber returns ledger entries of direction dir carrying number
func (ci *CandidateIndex) GetByCheckNumber(dir models.Direction, number string) []models.Candidate {
	if number == "" {
		return nil
	}
	return ci.CheckNumberIndex[checkKey{dir: dir, number: number}]
}

// Contains reports whether ref is indexed.
func (ci *CandidateIndex) Contains(ref models.CandidateRef) bool {
	_, ok := ci.directions[ref]
	return ok
}

// Size returns the number of indexed candidates.
func (ci *CandidateIndex) Size() int {
	return len(ci.directions)
}

// IndexStats provides statistics about the index
type IndexStats struct {
	TotalCandidates int
	LedgerEntries   int
	Deposits        int
	UniqueAmounts   int
	CheckNumbers    int
}

// GetIndexStats returns statistics about the index
func (ci *CandidateIndex) GetIndexStats() IndexStats {
	stats := IndexStats{
		TotalCandidates: len(ci.directions),
		UniqueAmounts:   len(ci.ExactAmountIndex),
		CheckNumbers:    len(ci.CheckNumberIndex),
	}
	for ref := range ci.directions {
		if ref.Kind == models.KindLedgerEntry {
			stats.LedgerEntries++
		} else {
			stats.Deposits++
		}
	}
	return stats
}
