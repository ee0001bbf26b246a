package parsers

import (
	"context"
	"encoding/csv"
	"io"

	"golang-bankmatch-service/internal/models"
	"golang-bankmatch-service/pkg/logger"
)

// LedgerParser turns ledger export rows into posted journal items.
type LedgerParser struct {
	*BaseParser
	profile *LedgerProfile
}

func NewLedgerParser(profile *LedgerProfile) (*LedgerParser, error) {
	if profile == nil {
		profile = StandardLedgerProfile
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	return &LedgerParser{
		BaseParser: NewBaseParser(profile.parseConfig(), "ledger_parser"),
		profile:    profile,
	}, nil
}

func (lp *LedgerParser) ParseFile(ctx context.Context, filePath string) ([]*models.LedgerEntry, *ParseStats, error) {
	reader, err := lp.OpenFile(filePath)
	if err != nil {
		return nil, nil, err
	}
	return lp.parse(ctx, reader, filePath)
}

func (lp *LedgerParser) Parse(ctx context.Context, r io.Reader, source string) ([]*models.LedgerEntry, *ParseStats, error) {
	reader, err := lp.NewReader(r, source)
	if err != nil {
		return nil, nil, err
	}
	return lp.parse(ctx, reader, source)
}

func (lp *LedgerParser) parse(ctx context.Context, reader *csv.Reader, source string) ([]*models.LedgerEntry, *ParseStats, error) {
	p := lp.profile
	parseCtx := NewParseContext(ctx, source)
	stats := NewParseStats()

	required := []string{p.AccountColumn, p.DateColumn, p.DebitColumn, p.CreditColumn}
	if err := lp.ReadHeaders(reader, parseCtx, required); err != nil {
		return nil, stats, err
	}

	var entries []*models.LedgerEntry
	for {
		record, err := lp.ReadRecord(reader, parseCtx)
		if err != nil {
			if err == io.EOF {
				break
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return entries, stats, ctxErr
			}
			stats.AddError(&ParseError{Line: parseCtx.LineNumber, Message: "failed to read record", Err: err})
			continue
		}
		stats.RecordsParsed++

		entry, parseErr := lp.parseRecord(record, parseCtx)
		if parseErr != nil {
			stats.AddError(parseErr)
			continue
		}
		entries = append(entries, entry)
		stats.RecordsValid++
	}
	stats.TotalLines = parseCtx.LineNumber

	lp.logger.WithFields(logger.Fields{
		"source": source,
		"valid":  stats.RecordsValid,
		"errors": stats.ErrorCount,
	}).Info("Parsed ledger export")

	return entries, stats, nil
}

func (lp *LedgerParser) parseRecord(record []string, parseCtx *ParseContext) (*models.LedgerEntry, *ParseError) {
	p := lp.profile

	account := lp.GetFieldValue(record, parseCtx, p.AccountColumn)
	if account == "" {
		return nil, parseCtx.NewError(p.AccountColumn, "", "missing account", nil)
	}

	dateStr := lp.GetFieldValue(record, parseCtx, p.DateColumn)
	date, err := ParseDateField(dateStr, p.DateFormat)
	if err != nil {
		return nil, parseCtx.NewError(p.DateColumn, dateStr, "invalid date", err)
	}

	debit, perr := lp.side(record, parseCtx, p.DebitColumn)
	if perr != nil {
		return nil, perr
	}
	credit, perr := lp.side(record, parseCtx, p.CreditColumn)
	if perr != nil {
		return nil, perr
	}
	if (debit > 0) == (credit > 0) {
		return nil, parseCtx.NewError(p.DebitColumn, debit.String()+"/"+credit.String(),
			"exactly one of debit and credit must be set", nil)
	}

	return &models.LedgerEntry{
		Account:     account,
		Date:        date,
		Debit:       debit,
		Credit:      credit,
		Label:       lp.GetFieldValue(record, parseCtx, p.LabelColumn),
		PartnerID:   lp.GetFieldValue(record, parseCtx, p.PartnerColumn),
		CheckNumber: lp.GetFieldValue(record, parseCtx, p.CheckColumn),
		Posted:      true,
	}, nil
}

func (lp *LedgerParser) side(record []string, parseCtx *ParseContext, column string) (models.Amount, *ParseError) {
	raw := lp.GetFieldValue(record, parseCtx, column)
	if raw == "" {
		return 0, nil
	}
	amount, err := ParseAmountField(raw, lp.profile.DecimalComma)
	if err != nil {
		return 0, parseCtx.NewError(column, raw, "invalid amount", err)
	}
	if amount < 0 {
		return 0, parseCtx.NewError(column, raw, "negative amount", nil)
	}
	return amount, nil
}
