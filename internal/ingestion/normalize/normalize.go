// Package normalize holds the pure cell transforms used by ingestion.
// Every function is total: it never panics and reports its outcome as a
// tri-state Status instead of an error.
package normalize

import (
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"

	ingestiondomain "github.com/beneplus/beneflow/internal/ingestion/domain"
	rosterdomain "github.com/beneplus/beneflow/internal/roster/domain"
	"github.com/shopspring/decimal"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Status is the tri-state outcome of a normalization.
type Status int

const (
	StatusOK Status = iota
	StatusInvalid
	StatusAbsent
)

// NationalIDLength is the fixed CPF length.
const NationalIDLength = 11

var diacriticStripper = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Header canonicalizes a header cell: lower-case, diacritics stripped,
// non-alphanumerics removed.
func Header(raw string) string {
	lowered := strings.ToLower(strings.TrimSpace(raw))
	stripped, _, err := transform.String(diacriticStripper, lowered)
	if err != nil {
		stripped = lowered
	}
	var b strings.Builder
	for _, r := range stripped {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

var columnSynonyms = map[ingestiondomain.Column][]string{
	ingestiondomain.ColumnName:       {"nome", "funcionario", "colaborador", "beneficiario"},
	ingestiondomain.ColumnNationalID: {"cpf", "documento", "ndocumento"},
	ingestiondomain.ColumnBirthDate:  {"nascimento", "datanasc", "dtnasc", "aniversario"},
	ingestiondomain.ColumnSex:        {"sexo", "genero"},
	ingestiondomain.ColumnSalary:     {"salario", "remuneracao", "vencimento"},
}

// MatchColumn resolves a header cell to a logical column by substring
// match against the synonym set.
func MatchColumn(raw string) (ingestiondomain.Column, bool) {
	canonical := Header(raw)
	if canonical == "" {
		return "", false
	}
	for column, synonyms := range columnSynonyms {
		for _, synonym := range synonyms {
			if strings.Contains(canonical, synonym) {
				return column, true
			}
		}
	}
	return "", false
}

// NationalID strips non-digits, left-pads to the CPF length and runs
// both check-digit passes. A length-correct but checksum-failing value
// is reported as StatusInvalid with the checksum reason left to the
// caller (len(id) == NationalIDLength distinguishes the two cases).
func NationalID(cell ingestiondomain.CellValue) (string, Status) {
	raw := cellText(cell)
	if raw == "" {
		return "", StatusAbsent
	}

	var digits strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	id := digits.String()
	if id == "" {
		return "", StatusInvalid
	}
	if len(id) < NationalIDLength {
		// Spreadsheets drop leading zeros from numeric cells.
		id = strings.Repeat("0", NationalIDLength-len(id)) + id
	}
	if len(id) != NationalIDLength {
		return "", StatusInvalid
	}
	if !checkDigitsValid(id) {
		return id, StatusInvalid
	}
	return id, StatusOK
}

// checkDigitsValid verifies the two CPF check-digit passes.
func checkDigitsValid(id string) bool {
	digit := func(upto int) int {
		sum := 0
		for i := 0; i < upto; i++ {
			sum += int(id[i]-'0') * (upto + 1 - i)
		}
		d := sum * 10 % 11
		if d == 10 {
			d = 0
		}
		return d
	}
	return digit(9) == int(id[9]-'0') && digit(10) == int(id[10]-'0')
}

// excelEpoch is the zero of the spreadsheet date-serial scale.
var excelEpoch = time.Date(1899, time.December, 30, 0, 0, 0, 0, time.UTC)

// Date accepts DD/MM/YYYY (two- or four-digit year), ISO YYYY-MM-DD, or
// a spreadsheet date-serial number. The parsed date must round-trip
// (Feb 30 is rejected) and fall in [1900, 2100]. On failure the raw
// text is returned for diagnostics.
func Date(cell ingestiondomain.CellValue) (time.Time, string, Status) {
	if cell.Kind == ingestiondomain.CellNumber {
		return dateFromSerial(cell.Number)
	}

	raw := strings.TrimSpace(cell.Text)
	if raw == "" {
		return time.Time{}, "", StatusAbsent
	}

	if serial, err := strconv.ParseFloat(raw, 64); err == nil {
		return dateFromSerial(serial)
	}

	if t, ok := parseSlashDate(raw); ok {
		return clampYear(t, raw)
	}
	if t, err := time.ParseInLocation("2006-01-02", raw, time.UTC); err == nil {
		return clampYear(t, raw)
	}
	return time.Time{}, raw, StatusInvalid
}

func dateFromSerial(serial float64) (time.Time, string, Status) {
	raw := strconv.FormatFloat(serial, 'f', -1, 64)
	if serial <= 0 || math.IsNaN(serial) || math.IsInf(serial, 0) {
		return time.Time{}, raw, StatusInvalid
	}
	t := excelEpoch.AddDate(0, 0, int(serial))
	return clampYear(t, raw)
}

func parseSlashDate(raw string) (time.Time, bool) {
	parts := strings.Split(raw, "/")
	if len(parts) != 3 {
		return time.Time{}, false
	}
	day, errD := strconv.Atoi(strings.TrimSpace(parts[0]))
	month, errM := strconv.Atoi(strings.TrimSpace(parts[1]))
	yearText := strings.TrimSpace(parts[2])
	year, errY := strconv.Atoi(yearText)
	if errD != nil || errM != nil || errY != nil {
		return time.Time{}, false
	}
	if len(yearText) == 2 {
		if year > 50 {
			year += 1900
		} else {
			year += 2000
		}
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	// Round-trip check rejects overflowed dates like 30/02.
	if t.Day() != day || int(t.Month()) != month || t.Year() != year {
		return time.Time{}, false
	}
	return t, true
}

func clampYear(t time.Time, raw string) (time.Time, string, Status) {
	if t.Year() < 1900 || t.Year() > 2100 {
		return time.Time{}, raw, StatusInvalid
	}
	return t, raw, StatusOK
}

// Currency converts a cell to a decimal amount. Numeric cells pass
// through. For text, currency symbols and whitespace are stripped and
// the separator is disambiguated: any comma is the decimal mark (dots
// before it are thousands separators); with no comma, a single dot
// followed by exactly three digits is a thousands separator.
func Currency(cell ingestiondomain.CellValue) (decimal.Decimal, Status) {
	if cell.Kind == ingestiondomain.CellNumber {
		return decimal.NewFromFloat(cell.Number), StatusOK
	}

	raw := strings.TrimSpace(cell.Text)
	if raw == "" {
		return decimal.Zero, StatusAbsent
	}

	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9', r == ',', r == '.', r == '-':
			return r
		default:
			return -1
		}
	}, raw)
	if cleaned == "" || cleaned == "-" {
		return decimal.Zero, StatusInvalid
	}

	if strings.Contains(cleaned, ",") {
		cleaned = strings.ReplaceAll(cleaned, ".", "")
		cleaned = strings.Replace(cleaned, ",", ".", 1)
	} else if dots := strings.Count(cleaned, "."); dots > 0 {
		lastDot := strings.LastIndex(cleaned, ".")
		if dots > 1 || len(cleaned)-lastDot-1 == 3 {
			cleaned = strings.ReplaceAll(cleaned, ".", "")
		}
	}

	value, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, StatusInvalid
	}
	return value, StatusOK
}

// SexPolicy selects the fallback behavior for unrecognized sex values.
type SexPolicy int

const (
	// SexDefaultMasculine matches the import flow of legacy files that
	// omit the column.
	SexDefaultMasculine SexPolicy = iota
	// SexStrict reports unrecognized values as invalid.
	SexStrict
)

// Sex matches the cell against the known value sets case-insensitively.
func Sex(cell ingestiondomain.CellValue, policy SexPolicy) (rosterdomain.Sex, Status) {
	raw := strings.ToLower(strings.TrimSpace(cellText(cell)))
	switch raw {
	case "masculino", "masc", "m":
		return rosterdomain.SexMasculine, StatusOK
	case "feminino", "fem", "f":
		return rosterdomain.SexFeminine, StatusOK
	case "outro", "o":
		return rosterdomain.SexOther, StatusOK
	}
	if policy == SexDefaultMasculine {
		return rosterdomain.SexMasculine, StatusOK
	}
	if raw == "" {
		return "", StatusAbsent
	}
	return "", StatusInvalid
}

// BracketFor returns the label of the highest threshold not exceeding
// the salary. Salaries below the lowest threshold map to the lowest
// label. Brackets must be ordered by MinimumSalary ascending.
func BracketFor(salary decimal.Decimal, brackets []rosterdomain.SalaryBracket) string {
	if len(brackets) == 0 {
		return ""
	}
	label := brackets[0].Label
	for _, bracket := range brackets {
		if bracket.MinimumSalary.GreaterThan(salary) {
			break
		}
		label = bracket.Label
	}
	return label
}

func cellText(cell ingestiondomain.CellValue) string {
	switch cell.Kind {
	case ingestiondomain.CellNumber:
		return strconv.FormatFloat(cell.Number, 'f', -1, 64)
	case ingestiondomain.CellText:
		return strings.TrimSpace(cell.Text)
	default:
		return ""
	}
}
