package matcher

import (
	"testing"

	"golang-bankmatch-service/internal/models"
)

func createTestCandidates() []models.Candidate {
	return []models.Candidate{
		&models.LedgerEntry{Base: models.Base{ID: "E1"}, Credit: models.MustParseAmount("100.00"), Date: models.MustParseDay("2024-01-15")},
		&models.LedgerEntry{Base: models.Base{ID: "E2"}, Credit: models.MustParseAmount("250.00"), Date: models.MustParseDay("2024-01-15"), CheckNumber: "1042"},
		&models.LedgerEntry{Base: models.Base{ID: "E3"}, Credit: models.MustParseAmount("100.00"), Date: models.MustParseDay("2024-01-10")},
		&models.BatchDeposit{Base: models.Base{ID: "D1"}, Direction: models.DirectionOutbound, Amount: models.MustParseAmount("75.25"), Date: models.MustParseDay("2024-01-16")},
	}
}

func buildTestIndex() *CandidateIndex {
	idx := NewCandidateIndex()
	for _, c := range createTestCandidates() {
		idx.Add(models.DirectionOutbound, c)
	}
	idx.Add(models.DirectionInbound, &models.LedgerEntry{Base: models.Base{ID: "E4"}, Debit: models.MustParseAmount("100.00"), Date: models.MustParseDay("2024-01-15")})
	return idx
}

func TestCandidateIndex_GetByExactAmount(t *testing.T) {
	idx := buildTestIndex()

	got := idx.GetByExactAmount(models.DirectionOutbound, models.MustParseAmount("-100.00"))
	if len(got) != 2 {
		t.Fatalf("Expected 2 outbound candidates of 100.00, got %d", len(got))
	}

	got = idx.GetByExactAmount(models.DirectionInbound, models.MustParseAmount("100.00"))
	if len(got) != 1 || got[0].CandidateID() != "E4" {
		t.Errorf("Expected only E4 for inbound 100.00, got %v", got)
	}

	if got := idx.GetByExactAmount(models.DirectionOutbound, models.MustParseAmount("999.99")); len(got) != 0 {
		t.Errorf("Expected no candidates, got %d", len(got))
	}
}

func TestCandidateIndex_GetByAmountRange(t *testing.T) {
	idx := buildTestIndex()

	got := idx.GetByAmountRange(models.DirectionOutbound, 1, models.MustParseAmount("100.00"))
	if len(got) != 3 {
		t.Fatalf("Expected 3 candidates up to 100.00, got %d", len(got))
	}
	if got[0].CandidateID() != "D1" {
		t.Errorf("Expected smallest amount first, got %s", got[0].CandidateID())
	}

	got = idx.GetByAmountRange(models.DirectionOutbound, models.MustParseAmount("200.00"), models.MustParseAmount("300.00"))
	if len(got) != 1 || got[0].CandidateID() != "E2" {
		t.Errorf("Expected E2 in 200-300 range, got %v", got)
	}
}

func TestCandidateIndex_GetByCheckNumber(t *testing.T) {
	idx := buildTestIndex()

	got := idx.GetByCheckNumber(models.DirectionOutbound, "1042")
	if len(got) != 1 || got[0].CandidateID() != "E2" {
		t.Errorf("Expected E2 for check 1042, got %v", got)
	}
	if got := idx.GetByCheckNumber(models.DirectionInbound, "1042"); len(got) != 0 {
		t.Errorf("Check numbers are per direction, got %v", got)
	}
	if got := idx.GetByCheckNumber(models.DirectionOutbound, ""); got != nil {
		t.Errorf("Expected nil for empty check number")
	}
}

func TestCandidateIndex_Add(t *testing.T) {
	idx := NewCandidateIndex()
	entry := &models.LedgerEntry{Base: models.Base{ID: "E1"}, Credit: models.MustParseAmount("10.00")}

	idx.Add(models.DirectionOutbound, entry)
	idx.Add(models.DirectionOutbound, entry)
	idx.Add(models.DirectionOutbound, &models.LedgerEntry{Base: models.Base{ID: "E2"}, Credit: models.MustParseAmount("10.00"), Settled: true})
	idx.Add(models.DirectionOutbound, &models.BatchDeposit{Base: models.Base{ID: "D1"}, Amount: 0})

	if idx.Size() != 1 {
		t.Errorf("Expected duplicates, settled and zero candidates to be skipped, size %d", idx.Size())
	}
	if !idx.Contains(models.CandidateRef{Kind: models.KindLedgerEntry, ID: "E1"}) {
		t.Errorf("Expected E1 to be indexed")
	}
}

func TestCandidateIndex_GetIndexStats(t *testing.T) {
	stats := buildTestIndex().GetIndexStats()

	if stats.TotalCandidates != 5 {
		t.Errorf("Expected 5 candidates, got %d", stats.TotalCandidates)
	}
	if stats.LedgerEntries != 4 || stats.Deposits != 1 {
		t.Errorf("Expected 4 entries and 1 deposit, got %d and %d", stats.LedgerEntries, stats.Deposits)
	}
	if stats.CheckNumbers != 1 {
		t.Errorf("Expected 1 check number, got %d", stats.CheckNumbers)
	}
}

func TestExtractCheckNumber(t *testing.T) {
	tests := []struct {
		description string
		want        string
	}{
		{"CHECK #1042", "1042"},
		{"chk 1042 rent", "1042"},
		{"CK#77", "77"},
		{"Check no. 501", "501"},
		{"CHECKOUT 1042", ""},
		{"Card payment 1042", ""},
	}

	for _, tt := range tests {
		t.Run(tt.description, func(t *testing.T) {
			if got := ExtractCheckNumber(tt.description); got != tt.want {
				t.Errorf("ExtractCheckNumber(%q) = %q, want %q", tt.description, got, tt.want)
			}
		})
	}
}

func TestSortCandidates(t *testing.T) {
	day := models.MustParseDay("2024-01-15")
	cands := []models.Candidate{
		&models.BatchDeposit{Base: models.Base{ID: "A"}, Amount: 1, Date: day},
		&models.LedgerEntry{Base: models.Base{ID: "Z"}, Debit: 1, Date: day},
		&models.LedgerEntry{Base: models.Base{ID: "B"}, Debit: 1, Date: day},
		&models.LedgerEntry{Base: models.Base{ID: "Y"}, Debit: 1, Date: day.AddDate(0, 0, -1)},
	}

	SortCandidates(cands)

	want := []string{"Y", "B", "Z", "A"}
	for i, id := range want {
		if cands[i].CandidateID() != id {
			t.Fatalf("Position %d: expected %s, got %s", i, id, cands[i].CandidateID())
		}
	}

	prioritiseCheck(cands, "7")
	if cands[0].CandidateID() != "Y" {
		t.Errorf("Order should not change without a matching check number")
	}
}

func TestMatchingConfig_Validate(t *testing.T) {
	config := DefaultMatchingConfig()
	if err := config.Validate(); err != nil {
		t.Errorf("Default config should be valid: %v", err)
	}

	clone := config.Clone()
	clone.MaxCandidates = 0
	if err := clone.Validate(); err == nil {
		t.Error("Expected error for zero MaxCandidates")
	}
	if config.MaxCandidates != 10 {
		t.Error("Clone should not share state with the original")
	}
}
