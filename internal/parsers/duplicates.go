package parsers

import (
	"strings"
	"time"

	"golang-bankmatch-service/internal/models"

	"github.com/agnivade/levenshtein"
)

// Duplicate pairs an incoming statement line with an already imported line
// that looks like the same bank movement under a different reference.
type Duplicate struct {
	Incoming   *models.Transaction
	Existing   *models.Transaction
	Similarity float64
}

const (
	duplicateMaxDays     = 7
	duplicateMaxDistance = 0.4
)

// FindPossibleDuplicates flags incoming lines that share an amount with an
// existing line of the same scope, fall within a week of it and carry a
// similar description. Lines whose reference already exists are skipped;
// the store drops those on import anyway.
func FindPossibleDuplicates(incoming []*models.Transaction, existing []models.Transaction) []Duplicate {
	byRef := make(map[string]bool, len(existing))
	for i := range existing {
		if existing[i].ExternalRef != "" {
			byRef[existing[i].Scope+"|"+existing[i].ExternalRef] = true
		}
	}

	var out []Duplicate
	for _, in := range incoming {
		if byRef[in.Scope+"|"+in.ExternalRef] {
			continue
		}
		for i := range existing {
			ex := &existing[i]
			if ex.Scope != in.Scope || ex.Amount != in.Amount {
				continue
			}
			if daysApart(in.Date, ex.Date) > duplicateMaxDays {
				continue
			}
			ratio := distanceRatio(in.Description, ex.Description)
			if ratio < duplicateMaxDistance {
				out = append(out, Duplicate{Incoming: in, Existing: ex, Similarity: 1 - ratio})
				break
			}
		}
	}
	return out
}

func distanceRatio(a, b string) float64 {
	a, b = strings.ToUpper(strings.TrimSpace(a)), strings.ToUpper(strings.TrimSpace(b))
	maxlen := len(a)
	if len(b) > maxlen {
		maxlen = len(b)
	}
	if maxlen == 0 {
		return 0
	}
	return float64(levenshtein.ComputeDistance(a, b)) / float64(maxlen)
}

func daysApart(a, b time.Time) int {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return int(d.Hours() / 24)
}
