/*
Package transfer moves ledger data in and out as CSV.

IMPORT:
  Header row names the columns, in any order:
    userid, amount, validuntil (YYYY-MM-DD), publicnote, privatenote
  The last two are optional. Each valid row issues one bucket with the
  "imported" reason, valid until 23:59:59 of the given day in the
  configured location. Invalid rows are skipped and reported with their
  line number (the header is line 1); they never stop the import.

EXPORT:
  One row per transaction, ascending by id, joined with the owner, the
  acting user and the bucket. See export.go.
*/
package transfer

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/warp/credit-ledger/credits"
	"github.com/warp/credit-ledger/logging"
	"github.com/warp/credit-ledger/validation"
)

const dateLayout = "2006-01-02"

// Import columns.
const (
	ColUserID      = "userid"
	ColAmount      = "amount"
	ColValidUntil  = "validuntil"
	ColPublicNote  = "publicnote"
	ColPrivateNote = "privatenote"
)

var requiredColumns = []string{ColUserID, ColAmount, ColValidUntil}

var (
	// ErrEmptyFile is returned for a file without a header row.
	ErrEmptyFile = errors.New("empty file")

	// ErrBadHeader is returned when the header row cannot be parsed.
	ErrBadHeader = errors.New("unreadable header")

	// ErrMissingColumn is returned when the header lacks a required column.
	ErrMissingColumn = errors.New("missing required column")

	// ErrUnreadable is returned when reading stops part way through the
	// file, for example on an oversized upload.
	ErrUnreadable = errors.New("unreadable file")
)

// IsFileError reports whether err rejects the file as a whole, as opposed
// to a storage failure part way through.
func IsFileError(err error) bool {
	return errors.Is(err, ErrEmptyFile) || errors.Is(err, ErrBadHeader) ||
		errors.Is(err, ErrMissingColumn) || errors.Is(err, ErrUnreadable)
}

// Issuer is the part of credits.Engine the importer needs.
type Issuer interface {
	IssueCredits(ctx context.Context, userID, amount int64, validUntil time.Time, reason credits.Reason, note credits.Note) (int64, error)
}

// row is one CSV line before conversion.
type row struct {
	UserID      string `csv:"userid" validate:"required,number"`
	Amount      string `csv:"amount" validate:"required,number"`
	ValidUntil  string `csv:"validuntil" validate:"required,datetime=2006-01-02"`
	PublicNote  string `csv:"publicnote" validate:"max=1333"`
	PrivateNote string `csv:"privatenote" validate:"max=1333"`
}

// LineError explains why a line was skipped.
type LineError struct {
	Line   int
	Reason string
}

func (e LineError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Reason)
}

// ImportResult summarizes an import.
type ImportResult struct {
	Imported int
	Credits  int64
	Skipped  []LineError
}

// Importer reads credit grants from CSV.
type Importer struct {
	issuer   Issuer
	users    credits.UserDirectory
	loc      *time.Location
	comma    rune
	log      *logging.Logger
	validate *validation.Validator
}

// ImporterOptions configures an Importer. Issuer and Users are required.
type ImporterOptions struct {
	Issuer   Issuer
	Users    credits.UserDirectory
	Location *time.Location
	// Delimiter is a single character or one of comma, semicolon, colon, tab.
	Delimiter string
	Logger    *logging.Logger
}

// NewImporter creates an Importer.
func NewImporter(opts ImporterOptions) (*Importer, error) {
	if opts.Issuer == nil || opts.Users == nil {
		return nil, errors.New("transfer: issuer and user directory are required")
	}
	comma, err := ParseDelimiter(opts.Delimiter)
	if err != nil {
		return nil, err
	}
	im := &Importer{
		issuer:   opts.Issuer,
		users:    opts.Users,
		loc:      opts.Location,
		comma:    comma,
		log:      opts.Logger,
		validate: validation.New("csv"),
	}
	if im.loc == nil {
		im.loc = time.UTC
	}
	if im.log == nil {
		im.log = logging.Nop()
	}
	return im, nil
}

// ParseDelimiter resolves a delimiter name or character. Empty means comma.
func ParseDelimiter(name string) (rune, error) {
	switch strings.ToLower(name) {
	case "", "comma":
		return ',', nil
	case "semicolon":
		return ';', nil
	case "colon":
		return ':', nil
	case "tab", `\t`:
		return '\t', nil
	}
	if utf8.RuneCountInString(name) == 1 {
		r, _ := utf8.DecodeRuneInString(name)
		if r != '"' && r != '\r' && r != '\n' {
			return r, nil
		}
	}
	return 0, fmt.Errorf("transfer: unsupported delimiter %q", name)
}

// Import issues one bucket per valid line of r. The returned error is set
// only when the file itself cannot be read; row problems are in Skipped.
func (im *Importer) Import(ctx context.Context, r io.Reader) (ImportResult, error) {
	var result ImportResult

	reader := csv.NewReader(r)
	reader.Comma = im.comma
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return result, ErrEmptyFile
	}
	if err != nil {
		return result, fmt.Errorf("%w: %v", ErrBadHeader, err)
	}
	columns := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		columns[name] = i
	}
	for _, name := range requiredColumns {
		if _, ok := columns[name]; !ok {
			return result, fmt.Errorf("%w: %s", ErrMissingColumn, name)
		}
	}

	reason := credits.NewReason(credits.ReasonImported, nil)
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if !errors.As(err, &perr) {
				return result, fmt.Errorf("%w: %v", ErrUnreadable, err)
			}
			result.Skipped = append(result.Skipped, LineError{Line: perr.StartLine, Reason: perr.Err.Error()})
			continue
		}
		// encoding/csv drops empty lines, so count from the reader.
		line, _ := reader.FieldPos(0)
		if isBlank(record) {
			continue
		}

		field := func(name string) string {
			i, ok := columns[name]
			if !ok || i >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[i])
		}
		raw := row{
			UserID:      field(ColUserID),
			Amount:      field(ColAmount),
			ValidUntil:  field(ColValidUntil),
			PublicNote:  field(ColPublicNote),
			PrivateNote: field(ColPrivateNote),
		}

		userID, amount, validUntil, problem := im.parse(ctx, raw)
		if problem != "" {
			result.Skipped = append(result.Skipped, LineError{Line: line, Reason: problem})
			continue
		}

		note := credits.Note{Public: raw.PublicNote, Private: raw.PrivateNote}
		if _, err := im.issuer.IssueCredits(ctx, userID, amount, validUntil, reason, note); err != nil {
			if credits.IsClientError(err) {
				result.Skipped = append(result.Skipped, LineError{Line: line, Reason: err.Error()})
				continue
			}
			// Storage failures stop the import; earlier lines stay imported.
			return result, fmt.Errorf("transfer: line %d: %w", line, err)
		}
		result.Imported++
		result.Credits += amount
	}

	im.log.Info(im.log.WithFields(ctx, map[string]any{
		"imported": result.Imported,
		"skipped":  len(result.Skipped),
		"credits":  result.Credits,
	}), "credits import finished")
	return result, nil
}

// parse converts a row. A non-empty problem means the row is skipped.
func (im *Importer) parse(ctx context.Context, raw row) (userID, amount int64, validUntil time.Time, problem string) {
	if err := im.validate.Struct(raw); err != nil {
		return 0, 0, time.Time{}, err.Error()
	}

	userID, err := strconv.ParseInt(raw.UserID, 10, 64)
	if err != nil || userID <= 0 {
		return 0, 0, time.Time{}, "userid must be a positive whole number"
	}
	amount, err = strconv.ParseInt(raw.Amount, 10, 64)
	if err != nil || amount <= 0 {
		return 0, 0, time.Time{}, "amount must be a positive whole number"
	}

	user, err := im.users.GetUser(ctx, userID)
	if err != nil {
		return 0, 0, time.Time{}, fmt.Sprintf("look up user %d: %v", userID, err)
	}
	if user == nil {
		return 0, 0, time.Time{}, fmt.Sprintf("unknown user %d", userID)
	}

	day, err := time.ParseInLocation(dateLayout, raw.ValidUntil, im.loc)
	if err != nil {
		return 0, 0, time.Time{}, "validuntil must be a date formatted as 2006-01-02"
	}
	validUntil = time.Date(day.Year(), day.Month(), day.Day(), 23, 59, 59, 0, im.loc)
	return userID, amount, validUntil, ""
}

func isBlank(record []string) bool {
	for _, f := range record {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
