// Command generators writes a bank statement and the ledger export that
// settles part of it, for trying imports and matching passes on realistic
// volumes.
//
//	go run ./testdata/generators -count 500 -account checking:bank -profile split
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"golang-bankmatch-service/internal/parsers"

	"github.com/shopspring/decimal"
)

// Generator produces statement lines and ledger entries. A MatchRatio share
// of the lines gets a ledger entry with the same amount on Account.
type Generator struct {
	Count      int
	StartDate  time.Time
	EndDate    time.Time
	MinAmount  decimal.Decimal
	MaxAmount  decimal.Decimal
	MatchRatio float64
	Account    string
	Profile    *parsers.StatementProfile

	rng *rand.Rand
}

type statementLine struct {
	Reference   string
	Date        time.Time
	Amount      decimal.Decimal
	Description string
	Partner     string
}

type ledgerLine struct {
	Account string
	Date    time.Time
	Debit   decimal.Decimal
	Credit  decimal.Decimal
	Label   string
	Partner string
}

var (
	inboundDescriptions  = []string{"Deposit", "Transfer In", "Customer Payment", "Refund", "Interest"}
	outboundDescriptions = []string{"Supplier Payment", "Transfer Out", "Card Purchase", "Service Charge", "Rent"}
	partners             = []string{"acme", "globex", "initech", "umbrella", "hooli", ""}
)

func main() {
	var (
		outDir     = flag.String("output-dir", "generated", "directory the CSV files are written to")
		count      = flag.Int("count", 200, "number of statement lines")
		startDate  = flag.String("start-date", "2024-01-01", "first statement date (YYYY-MM-DD)")
		endDate    = flag.String("end-date", "2024-03-31", "last statement date (YYYY-MM-DD)")
		minAmount  = flag.Float64("min-amount", 1, "smallest absolute amount")
		maxAmount  = flag.Float64("max-amount", 5000, "largest absolute amount")
		matchRatio = flag.Float64("match-ratio", 0.8, "share of lines with a settling ledger entry (0.0-1.0)")
		account    = flag.String("account", "checking:bank", "journal account of the ledger entries")
		profile    = flag.String("profile", "standard", "statement layout: standard, split, european")
		seed       = flag.Int64("seed", time.Now().UnixNano(), "random seed for reproducible output")
	)
	flag.Parse()

	start, err := time.Parse("2006-01-02", *startDate)
	if err != nil {
		log.Fatalf("Invalid start date: %v", err)
	}
	end, err := time.Parse("2006-01-02", *endDate)
	if err != nil {
		log.Fatalf("Invalid end date: %v", err)
	}
	p := parsers.GetStatementProfile(*profile)
	if p == nil {
		log.Fatalf("Unknown profile %q", *profile)
	}
	if *matchRatio < 0 || *matchRatio > 1 {
		log.Fatalf("match-ratio must be between 0 and 1")
	}

	g := &Generator{
		Count:      *count,
		StartDate:  start,
		EndDate:    end,
		MinAmount:  decimal.NewFromFloat(*minAmount),
		MaxAmount:  decimal.NewFromFloat(*maxAmount),
		MatchRatio: *matchRatio,
		Account:    *account,
		Profile:    p,
		rng:        rand.New(rand.NewSource(*seed)),
	}
	statement, ledger := g.Generate()

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		log.Fatalf("Failed to create output directory: %v", err)
	}
	stmtPath := filepath.Join(*outDir, "statement_"+p.Name+".csv")
	if err := g.WriteStatement(stmtPath, statement); err != nil {
		log.Fatalf("Failed to write statement: %v", err)
	}
	ledgerPath := filepath.Join(*outDir, "ledger.csv")
	if err := g.WriteLedger(ledgerPath, ledger); err != nil {
		log.Fatalf("Failed to write ledger: %v", err)
	}

	fmt.Printf("Generated %d statement lines in %s (%s layout)\n", len(statement), stmtPath, p.Name)
	fmt.Printf("Generated %d ledger entries in %s\n", len(ledger), ledgerPath)
	fmt.Printf("Seed used: %d\n", *seed)
}

// Generate returns the statement lines and the ledger entries matching them.
// Some matched entries are dated a few days before their line, as payments
// usually clear after they are booked.
func (g *Generator) Generate() ([]statementLine, []ledgerLine) {
	span := g.EndDate.Sub(g.StartDate)
	matchCount := int(float64(g.Count) * g.MatchRatio)

	statement := make([]statementLine, 0, g.Count)
	ledger := make([]ledgerLine, 0, matchCount)
	for i := 0; i < g.Count; i++ {
		date := g.StartDate
		if span > 0 {
			date = g.StartDate.Add(time.Duration(g.rng.Int63n(int64(span)))).Truncate(24 * time.Hour)
		}
		amount := g.randomAmount()
		inbound := g.rng.Float64() < 0.4
		if !inbound {
			amount = amount.Neg()
		}
		line := statementLine{
			Reference:   fmt.Sprintf("BS%06d", i+1),
			Date:        date,
			Amount:      amount,
			Description: g.describe(inbound),
			Partner:     partners[g.rng.Intn(len(partners))],
		}
		statement = append(statement, line)

		if i >= matchCount {
			continue
		}
		entry := ledgerLine{
			Account: g.Account,
			Date:    date.AddDate(0, 0, -g.rng.Intn(4)),
			Label:   line.Description,
			Partner: line.Partner,
		}
		// Money received settles a debit on the bank account, money sent a credit.
		if inbound {
			entry.Debit = amount
		} else {
			entry.Credit = amount.Abs()
		}
		ledger = append(ledger, entry)
	}
	return statement, ledger
}

func (g *Generator) randomAmount() decimal.Decimal {
	spread := g.MaxAmount.Sub(g.MinAmount)
	return decimal.NewFromFloat(g.rng.Float64()).Mul(spread).Add(g.MinAmount).Round(2)
}

func (g *Generator) describe(inbound bool) string {
	if inbound {
		return inboundDescriptions[g.rng.Intn(len(inboundDescriptions))]
	}
	return outboundDescriptions[g.rng.Intn(len(outboundDescriptions))]
}

// WriteStatement writes lines in the column layout of the generator's profile.
func (g *Generator) WriteStatement(path string, lines []statementLine) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	p := g.Profile
	w := csv.NewWriter(file)
	w.Comma = p.Delimiter

	split := p.AmountColumn == ""
	header := []string{p.ReferenceColumn, p.DateColumn}
	if split {
		header = append(header, p.DebitColumn, p.CreditColumn)
	} else {
		header = append(header, p.AmountColumn)
	}
	header = append(header, p.DescriptionColumn)
	if p.PartnerColumn != "" {
		header = append(header, p.PartnerColumn)
	}
	if err := w.Write(header); err != nil {
		return err
	}

	for _, l := range lines {
		record := []string{l.Reference, l.Date.Format(p.DateFormat)}
		if split {
			debit, credit := "", ""
			if l.Amount.IsNegative() {
				debit = l.Amount.Abs().StringFixed(2)
			} else {
				credit = l.Amount.StringFixed(2)
			}
			record = append(record, debit, credit)
		} else {
			record = append(record, formatAmount(l.Amount, p.DecimalComma))
		}
		record = append(record, l.Description)
		if p.PartnerColumn != "" {
			record = append(record, l.Partner)
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// WriteLedger writes entries in the standard ledger export layout.
func (g *Generator) WriteLedger(path string, entries []ledgerLine) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	p := parsers.StandardLedgerProfile
	w := csv.NewWriter(file)
	w.Comma = p.Delimiter
	header := []string{p.AccountColumn, p.DateColumn, p.DebitColumn, p.CreditColumn, p.LabelColumn, p.PartnerColumn, p.CheckColumn}
	if err := w.Write(header); err != nil {
		return err
	}
	for _, e := range entries {
		record := []string{
			e.Account,
			e.Date.Format(p.DateFormat),
			optionalAmount(e.Debit),
			optionalAmount(e.Credit),
			e.Label,
			e.Partner,
			"",
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func formatAmount(d decimal.Decimal, decimalComma bool) string {
	s := d.StringFixed(2)
	if !decimalComma {
		return s
	}
	b := []byte(s)
	b[len(b)-3] = ','
	return string(b)
}

func optionalAmount(d decimal.Decimal) string {
	if d.IsZero() {
		return ""
	}
	return d.StringFixed(2)
}
