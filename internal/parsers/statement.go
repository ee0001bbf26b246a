package parsers

import (
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang-bankmatch-service/internal/models"
	"golang-bankmatch-service/pkg/errors"
	"golang-bankmatch-service/pkg/logger"
)

// StatementParser turns bank statement rows into open transactions.
type StatementParser struct {
	*BaseParser
	profile *StatementProfile
}

// NewStatementParser creates a parser for the given profile. A nil profile
// selects the standard one.
func NewStatementParser(profile *StatementProfile) (*StatementParser, error) {
	if profile == nil {
		profile = StandardStatementProfile
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	return &StatementParser{
		BaseParser: NewBaseParser(profile.parseConfig(), "statement_parser"),
		profile:    profile,
	}, nil
}

// Profile returns the layout the parser reads.
func (sp *StatementParser) Profile() *StatementProfile {
	return sp.profile
}

// ParseFile parses a statement file into transactions of scope.
func (sp *StatementParser) ParseFile(ctx context.Context, filePath, scope string) ([]*models.Transaction, *ParseStats, error) {
	reader, err := sp.OpenFile(filePath)
	if err != nil {
		return nil, nil, err
	}
	return sp.parse(ctx, reader, filePath, scope)
}

// Parse reads a statement from r. source names the input in errors.
func (sp *StatementParser) Parse(ctx context.Context, r io.Reader, source, scope string) ([]*models.Transaction, *ParseStats, error) {
	reader, err := sp.NewReader(r, source)
	if err != nil {
		return nil, nil, err
	}
	return sp.parse(ctx, reader, source, scope)
}

func (sp *StatementParser) parse(ctx context.Context, reader *csv.Reader, source, scope string) ([]*models.Transaction, *ParseStats, error) {
	if strings.TrimSpace(scope) == "" {
		return nil, nil, errors.ValidationError(errors.CodeMissingField, "scope", scope, nil)
	}

	parseCtx := NewParseContext(ctx, source)
	stats := NewParseStats()

	if err := sp.ReadHeaders(reader, parseCtx, sp.profile.requiredColumns()); err != nil {
		return nil, stats, err
	}

	// Rows without a bank reference are keyed by content; identical rows
	// on one statement are told apart by their occurrence count.
	seen := make(map[string]int)
	var txns []*models.Transaction

	for {
		record, err := sp.ReadRecord(reader, parseCtx)
		if err != nil {
			if err == io.EOF {
				break
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return txns, stats, ctxErr
			}
			stats.AddError(&ParseError{
				Line:    parseCtx.LineNumber,
				Message: "failed to read record",
				Err:     err,
			})
			continue
		}
		stats.RecordsParsed++

		txn, parseErr := sp.parseRecord(record, parseCtx, scope)
		if parseErr != nil {
			stats.AddError(parseErr)
			continue
		}
		if txn.ExternalRef == "" {
			key := contentKey(txn)
			seen[key]++
			txn.ExternalRef = syntheticRef(key, seen[key])
		}

		txns = append(txns, txn)
		stats.RecordsValid++
	}
	stats.TotalLines = parseCtx.LineNumber

	sp.logger.WithFields(logger.Fields{
		"source": source,
		"scope":  scope,
		"valid":  stats.RecordsValid,
		"errors": stats.ErrorCount,
	}).Info("Parsed bank statement")

	return txns, stats, nil
}

func (sp *StatementParser) parseRecord(record []string, parseCtx *ParseContext, scope string) (*models.Transaction, *ParseError) {
	p := sp.profile

	dateCol := p.GetColumnName("date")
	dateStr := sp.GetFieldValue(record, parseCtx, dateCol)
	date, err := ParseDateField(dateStr, p.DateFormat)
	if err != nil {
		return nil, parseCtx.NewError(dateCol, dateStr, "invalid date", err)
	}

	amount, perr := sp.amount(record, parseCtx)
	if perr != nil {
		return nil, perr
	}
	if amount.IsZero() {
		return nil, parseCtx.NewError(p.GetColumnName("amount"), "0", "zero amount", nil)
	}

	descCol := p.GetColumnName("description")
	description := sp.GetFieldValue(record, parseCtx, descCol)
	if description == "" {
		return nil, parseCtx.NewError(descCol, "", "missing description", nil)
	}

	txn := models.NewTransaction(scope, amount, date, description)
	txn.ExternalRef = sp.GetFieldValue(record, parseCtx, p.GetColumnName("reference"))
	txn.PartnerID = sp.GetFieldValue(record, parseCtx, p.GetColumnName("partner"))
	if memo := sp.GetFieldValue(record, parseCtx, p.GetColumnName("memo")); memo != "" {
		txn.Memo = memo
	}

	if err := txn.Validate(); err != nil {
		return nil, parseCtx.NewError("", "", "transaction validation failed", err)
	}
	return txn, nil
}

// amount reads the signed amount. With split columns the debit column holds
// money leaving the account and the credit column money arriving.
func (sp *StatementParser) amount(record []string, parseCtx *ParseContext) (models.Amount, *ParseError) {
	p := sp.profile
	if p.AmountColumn != "" {
		col := p.GetColumnName("amount")
		raw := sp.GetFieldValue(record, parseCtx, col)
		amount, err := ParseAmountField(raw, p.DecimalComma)
		if err != nil {
			return 0, parseCtx.NewError(col, raw, "invalid amount", err)
		}
		return amount, nil
	}

	var total models.Amount
	for _, side := range []struct {
		name string
		sign models.Amount
	}{{"debit", -1}, {"credit", 1}} {
		col := p.GetColumnName(side.name)
		raw := sp.GetFieldValue(record, parseCtx, col)
		if raw == "" {
			continue
		}
		amount, err := ParseAmountField(raw, p.DecimalComma)
		if err != nil {
			return 0, parseCtx.NewError(col, raw, "invalid amount", err)
		}
		total += side.sign * amount.Abs()
	}
	return total, nil
}

func contentKey(txn *models.Transaction) string {
	return fmt.Sprintf("%s|%s|%s", txn.Date.Format("2006-01-02"), txn.Amount, strings.ToUpper(txn.Description))
}

func syntheticRef(key string, occurrence int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d", key, occurrence)))
	return "sha:" + hex.EncodeToString(sum[:12])
}

// DetectStatementProfile reads the header row of r and returns the matching
// predefined profile.
func DetectStatementProfile(r io.Reader) (*StatementProfile, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	headers, err := reader.Read()
	if err != nil {
		return nil, errors.ParseError(errors.CodeInvalidFormat, "", 1, "headers", "", err)
	}
	if len(headers) == 1 && strings.Contains(headers[0], ";") {
		headers = strings.Split(headers[0], ";")
	}
	for i := range headers {
		headers[i] = strings.TrimPrefix(headers[i], "\ufeff")
	}
	return AutoDetectStatementProfile(headers), nil
}
