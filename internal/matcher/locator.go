package matcher

import (
	"context"
	"regexp"
	"sort"
	"time"

	"golang-bankmatch-service/internal/models"
	"golang-bankmatch-service/internal/store"
)

// Ignore is the set of candidates a statement line must not be matched
// against: candidates linked to a confirmed line or selected by another open
// line.
type Ignore map[models.CandidateRef]bool

// IgnoreFrom builds the ignore-list of txnID from the scope's claims. Claims
// held by txnID itself are not ignored.
func IgnoreFrom(claims store.Claims, txnID string) Ignore {
	ignore := make(Ignore, len(claims))
	for ref, owner := range claims {
		if owner != txnID {
			ignore[ref] = true
		}
	}
	return ignore
}

// LocatorRepository is what candidate search reads.
type LocatorRepository interface {
	QueryUnsettledEntries(ctx context.Context, q store.LedgerQuery) ([]models.LedgerEntry, error)
	QueryUnreconciledDeposits(ctx context.Context, q store.DepositQuery) ([]models.BatchDeposit, error)
	GetJournal(ctx context.Context, name string) (*models.Journal, error)
}

// Locator finds ledger entries and batch deposits that can settle a
// statement line.
type Locator struct {
	repo   LocatorRepository
	config *MatchingConfig
}

func NewLocator(repo LocatorRepository, config *MatchingConfig) *Locator {
	if config == nil {
		config = DefaultMatchingConfig()
	}
	return &Locator{repo: repo, config: config}
}

var checkNumberPattern = regexp.MustCompile(`(?i)\b(?:check|chk|ck)\s*(?:no\.?|#)?\s*(\d+)`)

// ExtractCheckNumber returns the check number mentioned in a statement
// description such as "CHECK #1042" or "CHK 1042", or "".
func ExtractCheckNumber(description string) string {
	m := checkNumberPattern.FindStringSubmatch(description)
	if m == nil {
		return ""
	}
	return m[1]
}

func sideFor(dir models.Direction) store.Side {
	if dir == models.DirectionOutbound {
		return store.SideCredit
	}
	return store.SideDebit
}

func (l *Locator) ledgerQuery(j *models.Journal, txn *models.Transaction) store.LedgerQuery {
	q := store.LedgerQuery{
		Account: j.MatchAccount(txn.Direction()),
		Side:    sideFor(txn.Direction()),
		MaxDate: txn.Date,
	}
	if l.config.PartnerFilter {
		q.PartnerID = txn.PartnerID
	}
	return q
}

// FindLedgerCandidates returns ledger entries on the journal's paired account
// whose amount equals the line's absolute amount.
func (l *Locator) FindLedgerCandidates(ctx context.Context, txn *models.Transaction, ignore Ignore) ([]models.Candidate, error) {
	j, err := l.repo.GetJournal(ctx, txn.Scope)
	if err != nil {
		return nil, err
	}
	q := l.ledgerQuery(j, txn)
	q.Amount = txn.AbsAmount()
	return l.queryLedger(ctx, q, txn, ignore)
}

// FindDepositCandidates returns unreconciled batch deposits of the line's
// scope and direction whose amount equals the line's absolute amount.
func (l *Locator) FindDepositCandidates(ctx context.Context, txn *models.Transaction, ignore Ignore) ([]models.Candidate, error) {
	return l.queryDeposits(ctx, store.DepositQuery{
		Scope:     txn.Scope,
		Direction: txn.Direction(),
		MaxDate:   txn.Date,
		Amount:    txn.AbsAmount(),
	}, txn, ignore)
}

// FindCheckCandidates returns ledger entries carrying the check number found
// in the line's description, with the line's exact amount.
func (l *Locator) FindCheckCandidates(ctx context.Context, txn *models.Transaction, ignore Ignore) ([]models.Candidate, error) {
	number := ExtractCheckNumber(txn.Description)
	if !l.config.CheckNumberMatching || number == "" {
		return nil, nil
	}
	j, err := l.repo.GetJournal(ctx, txn.Scope)
	if err != nil {
		return nil, err
	}
	q := l.ledgerQuery(j, txn)
	q.Amount = txn.AbsAmount()
	q.CheckNumber = number
	return l.queryLedger(ctx, q, txn, ignore)
}

// FindOtherMatching returns candidates from both pools whose amount is
// positive and at most the line's absolute amount, in tie-break order. A user
// composes a split from these.
func (l *Locator) FindOtherMatching(ctx context.Context, txn *models.Transaction, ignore Ignore) ([]models.Candidate, error) {
	j, err := l.repo.GetJournal(ctx, txn.Scope)
	if err != nil {
		return nil, err
	}
	q := l.ledgerQuery(j, txn)
	q.MaxAmount = txn.AbsAmount()
	ledger, err := l.queryLedger(ctx, q, txn, ignore)
	if err != nil {
		return nil, err
	}
	deposits, err := l.queryDeposits(ctx, store.DepositQuery{
		Scope:     txn.Scope,
		Direction: txn.Direction(),
		MaxDate:   txn.Date,
		MaxAmount: txn.AbsAmount(),
	}, txn, ignore)
	if err != nil {
		return nil, err
	}
	out := append(ledger, deposits...)
	SortCandidates(out)
	return l.limit(out), nil
}

// Locate returns the exact candidates of txn in proposal order: entries
// matching the check number first, then ledger entries and deposits in
// tie-break order.
func (l *Locator) Locate(ctx context.Context, txn *models.Transaction, ignore Ignore) ([]models.Candidate, error) {
	ledger, err := l.FindLedgerCandidates(ctx, txn, ignore)
	if err != nil {
		return nil, err
	}
	deposits, err := l.FindDepositCandidates(ctx, txn, ignore)
	if err != nil {
		return nil, err
	}
	out := append(ledger, deposits...)
	SortCandidates(out)
	if l.config.CheckNumberMatching {
		prioritiseCheck(out, ExtractCheckNumber(txn.Description))
	}
	return l.limit(out), nil
}

// BuildIndex loads the unsettled pool of journal j, dated on or before asOf,
// into a CandidateIndex.
func (l *Locator) BuildIndex(ctx context.Context, j *models.Journal, asOf time.Time) (*CandidateIndex, error) {
	idx := NewCandidateIndex()
	for _, dir := range []models.Direction{models.DirectionOutbound, models.DirectionInbound} {
		entries, err := l.repo.QueryUnsettledEntries(ctx, store.LedgerQuery{
			Account: j.MatchAccount(dir),
			Side:    sideFor(dir),
			MaxDate: asOf,
		})
		if err != nil {
			return nil, err
		}
		for i := range entries {
			idx.Add(dir, &entries[i])
		}

		deposits, err := l.repo.QueryUnreconciledDeposits(ctx, store.DepositQuery{
			Scope:     j.Name,
			Direction: dir,
			MaxDate:   asOf,
		})
		if err != nil {
			return nil, err
		}
		for i := range deposits {
			idx.Add(dir, &deposits[i])
		}
	}
	return idx, nil
}

// LocateIndexed is Locate against a prebuilt index.
func (l *Locator) LocateIndexed(idx *CandidateIndex, txn *models.Transaction, ignore Ignore) []models.Candidate {
	out := l.filter(idx.GetByExactAmount(txn.Direction(), txn.Amount), txn, ignore)
	SortCandidates(out)
	if l.config.CheckNumberMatching {
		prioritiseCheck(out, ExtractCheckNumber(txn.Description))
	}
	return l.limit(out)
}

// OtherMatchingIndexed is FindOtherMatching against a prebuilt index.
func (l *Locator) OtherMatchingIndexed(idx *CandidateIndex, txn *models.Transaction, ignore Ignore) []models.Candidate {
	out := l.filter(idx.GetByAmountRange(txn.Direction(), 1, txn.AbsAmount()), txn, ignore)
	SortCandidates(out)
	return l.limit(out)
}

func (l *Locator) queryLedger(ctx context.Context, q store.LedgerQuery, txn *models.Transaction, ignore Ignore) ([]models.Candidate, error) {
	entries, err := l.repo.QueryUnsettledEntries(ctx, q)
	if err != nil {
		return nil, err
	}
	cands := make([]models.Candidate, len(entries))
	for i := range entries {
		cands[i] = &entries[i]
	}
	return l.filter(cands, txn, ignore), nil
}

func (l *Locator) queryDeposits(ctx context.Context, q store.DepositQuery, txn *models.Transaction, ignore Ignore) ([]models.Candidate, error) {
	deposits, err := l.repo.QueryUnreconciledDeposits(ctx, q)
	if err != nil {
		return nil, err
	}
	cands := make([]models.Candidate, len(deposits))
	for i := range deposits {
		cands[i] = &deposits[i]
	}
	return l.filter(cands, txn, ignore), nil
}

// filter drops ignored, settled and future candidates, and ledger entries of
// another partner.
func (l *Locator) filter(cands []models.Candidate, txn *models.Transaction, ignore Ignore) []models.Candidate {
	out := make([]models.Candidate, 0, len(cands))
	for _, c := range cands {
		if c.IsSettled() || ignore[models.RefOf(c)] {
			continue
		}
		if c.CandidateDate().After(txn.Date) {
			continue
		}
		if entry, ok := c.(*models.LedgerEntry); ok && l.config.PartnerFilter && txn.PartnerID != "" {
			if entry.PartnerID != "" && entry.PartnerID != txn.PartnerID {
				continue
			}
		}
		out = append(out, c)
	}
	return out
}

func (l *Locator) limit(cands []models.Candidate) []models.Candidate {
	if l.config.MaxCandidates > 0 && len(cands) > l.config.MaxCandidates {
		return cands[:l.config.MaxCandidates]
	}
	return cands
}

// SortCandidates orders candidates by date, then ledger entries before
// deposits, then identifier.
func SortCandidates(cands []models.Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if !a.CandidateDate().Equal(b.CandidateDate()) {
			return a.CandidateDate().Before(b.CandidateDate())
		}
		if a.CandidateKind() != b.CandidateKind() {
			return a.CandidateKind() == models.KindLedgerEntry
		}
		return a.CandidateID() < b.CandidateID()
	})
}

// prioritiseCheck moves ledger entries carrying number to the front, keeping
// the relative order of both groups.
func prioritiseCheck(cands []models.Candidate, number string) {
	if number == "" {
		return
	}
	sort.SliceStable(cands, func(i, j int) bool {
		return hasCheck(cands[i], number) && !hasCheck(cands[j], number)
	})
}

func hasCheck(c models.Candidate, number string) bool {
	entry, ok := c.(*models.LedgerEntry)
	return ok && entry.CheckNumber == number
}
