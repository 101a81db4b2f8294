// Package extract pulls structured transaction fields out of free-form
// notification text. Everything here is pure: compiled patterns are
// package-level and never mutated, so callers may share them freely.
package extract

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"fintraq/internal/core"
)

// Direction of money movement as inferred from keywords.
type Direction string

const (
	DirectionUnknown Direction = ""
	DirectionDebit   Direction = "debit"
	DirectionCredit  Direction = "credit"
)

// Result is the best-effort structured view of one message.
type Result struct {
	Amount    decimal.NullDecimal
	Direction Direction
	Account   string // masked account or card hint, e.g. "XX1234"
	UPIRef    string
	Pattern   string // name of the amount pattern that fired
}

type pattern struct {
	name string
	re   *regexp.Regexp
}

const number = `([0-9][0-9,]*(?:\.[0-9]+)?)`

// Priority order matters: the first pattern that matches anywhere wins.
var amountPatterns = []pattern{
	{"currency", regexp.MustCompile(`(?i)(?:\b(?:rs|inr)\.?|₹)\s*` + number)},
	{"keyword", regexp.MustCompile(`(?i)\b(?:debited|credited|spent|received|paid|withdrawn|debit|credit)\s*(?:(?:by|with|for|of)\s*)?(?:(?:rs|inr)\.?|₹)?\s*` + number)},
	{"upi", regexp.MustCompile(`(?i)\bupi\b(?:\s*(?:txn|transaction|payment|transfer))?\s*(?:(?:of|for)\s*)?:?\s*` + number)},
	{"masked_account", regexp.MustCompile(`(?i)\ba/?c\.?\s*(?:no\.?\s*)?[x*]+\d{2,6}\D{0,20}?([0-9][0-9,]*\.[0-9]{1,2})\b`)},
}

var (
	debitWords  = regexp.MustCompile(`(?i)\b(?:debited|debit|spent|paid|withdrawn|sent|purchase)\b`)
	creditWords = regexp.MustCompile(`(?i)\b(?:credited|credit|received|deposited|refund(?:ed)?)\b`)
	accountRe   = regexp.MustCompile(`(?i)\b(?:a/?c|acct|account|card)\.?\s*(?:no\.?\s*)?(?:ending\s*(?:with\s*)?)?([x*]*\d{3,6})\b`)
	upiRefRe    = regexp.MustCompile(`(?i)\b(?:upi\s*ref(?:erence)?|ref(?:erence)?|rrn)\.?\s*(?:no\.?\s*)?:?\s*(\d{6,})`)
)

// Amount returns the first amount found by the ordered patterns.
// ok is false when nothing matched or the matched digits did not parse.
func Amount(text string) (decimal.Decimal, bool) {
	amt, _, ok := amount(text)
	return amt, ok
}

// Fields runs every extractor over text.
func Fields(text string) Result {
	var r Result
	if amt, name, ok := amount(text); ok {
		r.Amount = decimal.NullDecimal{Decimal: amt, Valid: true}
		r.Pattern = name
	}
	r.Direction = direction(text)
	if m := accountRe.FindStringSubmatch(text); m != nil {
		r.Account = strings.ToUpper(m[1])
	}
	if m := upiRefRe.FindStringSubmatch(text); m != nil {
		r.UPIRef = m[1]
	}
	return r
}

func amount(text string) (decimal.Decimal, string, bool) {
	if strings.TrimSpace(text) == "" {
		return decimal.Decimal{}, "", false
	}
	for _, p := range amountPatterns {
		m := p.re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		// A textual match with unparseable digits is a miss, not a fall-through.
		v, err := core.ParseAmount(m[1])
		if err != nil {
			return decimal.Decimal{}, "", false
		}
		return v, p.name, true
	}
	return decimal.Decimal{}, "", false
}

func direction(text string) Direction {
	d := debitWords.FindStringIndex(text)
	c := creditWords.FindStringIndex(text)
	switch {
	case d == nil && c == nil:
		return DirectionUnknown
	case c == nil:
		return DirectionDebit
	case d == nil:
		return DirectionCredit
	case d[0] < c[0]:
		return DirectionDebit
	default:
		return DirectionCredit
	}
}
