package transfer_test

import (
	"bytes"
	"context"
	"encoding/csv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/credit-ledger/credits"
	"github.com/warp/credit-ledger/credits/store"
	"github.com/warp/credit-ledger/transfer"
)

var now = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store  *store.Memory
	engine *credits.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, mem.SaveUser(ctx, credits.User{ID: 1, FirstName: "Ada", LastName: "Lovelace", Email: "ada@example.com"}))
	require.NoError(t, mem.SaveUser(ctx, credits.User{ID: 2, FirstName: "Alan", LastName: "Turing", Email: "alan@example.com"}))
	require.NoError(t, mem.SaveUser(ctx, credits.User{ID: 9, FirstName: "Grace", LastName: "Hopper", Email: "grace@example.com"}))

	engine, err := credits.New(credits.Options{Store: mem, Clock: func() time.Time { return now }})
	require.NoError(t, err)
	return &fixture{store: mem, engine: engine}
}

func (f *fixture) importer(t *testing.T, delimiter string, loc *time.Location) *transfer.Importer {
	t.Helper()
	im, err := transfer.NewImporter(transfer.ImporterOptions{
		Issuer:    f.engine,
		Users:     f.store,
		Location:  loc,
		Delimiter: delimiter,
	})
	require.NoError(t, err)
	return im
}

// =============================================================================
// IMPORT
// =============================================================================

func TestImport_IssuesValidRowsAndReportsOthers(t *testing.T) {
	f := newFixture(t)
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)

	// GIVEN: a file with good rows and every kind of bad row
	input := strings.Join([]string{
		"userid,amount,validuntil,publicnote,privatenote",
		"1,10,2026-12-31,Welcome pack,batch 7",
		"2,5,2026-06-30,,",
		"404,5,2026-06-30,,",    // unknown user
		"1,0,2026-06-30,,",      // zero amount
		"1,-3,2026-06-30,,",     // negative amount
		"1,abc,2026-06-30,,",    // not a number
		"1,2.5,2026-06-30,,",    // fractional
		"1,4,31/12/2026,,",      // bad date
		",4,2026-06-30,,",       // missing user
	}, "\n")

	// WHEN: importing
	res, err := f.importer(t, "", tokyo).Import(context.Background(), strings.NewReader(input))
	require.NoError(t, err)

	// THEN: two buckets were issued
	assert.Equal(t, 2, res.Imported)
	assert.Equal(t, int64(15), res.Credits)

	// AND: every bad line is reported with its number (header = 1)
	var lines []int
	for _, s := range res.Skipped {
		lines = append(lines, s.Line)
	}
	assert.Equal(t, []int{4, 5, 6, 7, 8, 9, 10}, lines)
	assert.Contains(t, res.Skipped[0].Reason, "unknown user 404")
	assert.Contains(t, res.Skipped[1].Reason, "amount")

	// AND: validity is the end of the day in the configured location
	buckets, err := f.store.ListBuckets(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	want := time.Date(2026, 12, 31, 23, 59, 59, 0, tokyo)
	assert.True(t, buckets[0].ValidUntil.Equal(want), "got %s", buckets[0].ValidUntil)

	txs, err := f.store.Transactions(context.Background(), credits.TransactionFilter{BucketID: buckets[0].ID})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, credits.ReasonImported, txs[0].ReasonCode)
	assert.Equal(t, "Welcome pack", txs[0].PublicNote)
	assert.Equal(t, "batch 7", txs[0].PrivateNote)
}

func TestImport_HeaderOrderAndDelimiter(t *testing.T) {
	f := newFixture(t)

	input := "ValidUntil;Amount;UserID\n2026-04-01;3;2\n"
	res, err := f.importer(t, "semicolon", nil).Import(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Imported)
	assert.Empty(t, res.Skipped)

	avail, err := f.engine.AvailableCredits(context.Background(), 2, now)
	require.NoError(t, err)
	assert.Equal(t, int64(3), avail)
}

func TestImport_LineNumbersSurviveBlankAndMalformedLines(t *testing.T) {
	f := newFixture(t)

	input := "userid,amount,validuntil\n\n404,1,2026-06-30\n1,a\"b,2026-06-30\n2,1,2026-06-30\n"
	res, err := f.importer(t, "", nil).Import(context.Background(), strings.NewReader(input))
	require.NoError(t, err)

	assert.Equal(t, 1, res.Imported)
	require.Len(t, res.Skipped, 2)
	assert.Equal(t, 3, res.Skipped[0].Line)
	assert.Equal(t, 4, res.Skipped[1].Line)
}

func TestImport_MissingColumn(t *testing.T) {
	f := newFixture(t)

	_, err := f.importer(t, "", nil).Import(context.Background(), strings.NewReader("userid,amount\n1,2\n"))
	assert.ErrorIs(t, err, transfer.ErrMissingColumn)

	_, err = f.importer(t, "", nil).Import(context.Background(), strings.NewReader(""))
	assert.ErrorIs(t, err, transfer.ErrEmptyFile)
	assert.True(t, transfer.IsFileError(err))
}

func TestParseDelimiter(t *testing.T) {
	cases := map[string]rune{"": ',', "comma": ',', "semicolon": ';', "colon": ':', "tab": '\t', "|": '|'}
	for name, want := range cases {
		got, err := transfer.ParseDelimiter(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}

	_, err := transfer.ParseDelimiter("pipes")
	assert.Error(t, err)
	_, err = transfer.ParseDelimiter(`"`)
	assert.Error(t, err)
}

// =============================================================================
// EXPORT
// =============================================================================

func TestExport_OneRowPerTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := credits.WithActor(context.Background(), 9)

	// GIVEN: credits issued by Grace to Ada, then spent, plus credits for an unknown user
	bucketID, err := f.engine.IssueCredits(ctx, 1, 10, now.Add(30*24*time.Hour), nil, credits.Note{Public: "hi", Private: "psst"})
	require.NoError(t, err)
	opID, err := f.engine.SpendCredits(ctx, 1, 4, nil, nil)
	require.NoError(t, err)
	_, err = f.engine.IssueCredits(credits.WithActor(context.Background(), 77), 555, 1, now.Add(24*time.Hour), nil, credits.Note{})
	require.NoError(t, err)

	// WHEN: exporting
	var buf bytes.Buffer
	n, err := transfer.NewExporter(f.store, nil).Export(context.Background(), &buf)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// THEN: header plus one row per transaction, ascending
	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, transfer.ExportHeader, records[0])

	col := func(record []string, name string) string {
		for i, h := range transfer.ExportHeader {
			if h == name {
				return record[i]
			}
		}
		t.Fatalf("no column %s", name)
		return ""
	}

	issue := records[1]
	assert.Equal(t, "2026-03-10", col(issue, "date"))
	assert.Equal(t, "Ada", col(issue, "firstname"))
	assert.Equal(t, "10", col(issue, "amount"))
	assert.Equal(t, "psst", col(issue, "private_note"))
	assert.Equal(t, "9", col(issue, "acting_user_id"))
	assert.Equal(t, "Grace", col(issue, "acting_user_firstname"))
	assert.Equal(t, "hopper", strings.ToLower(col(issue, "acting_user_lastname")))
	assert.Equal(t, credits.Component, col(issue, "acting_plugin"))
	assert.Equal(t, credits.ReasonOther, col(issue, "reason_code"))
	assert.Equal(t, "", col(issue, "tx_operation_id"))
	assert.Equal(t, "10", col(issue, "bucket_total"))
	assert.Equal(t, "2026-04-09", col(issue, "bucket_valid_until"))

	spend := records[2]
	assert.Equal(t, "-4", col(spend, "amount"))
	assert.Equal(t, opID, col(spend, "tx_operation_id"))
	assert.Equal(t, credits.ReasonSpent, col(spend, "reason_code"))
	assert.Equal(t, col(issue, "bucket_id"), col(spend, "bucket_id"))
	assert.NotEmpty(t, bucketID)

	unknown := records[3]
	assert.Equal(t, "555", col(unknown, "user_id"))
	assert.Equal(t, "-", col(unknown, "firstname"))
	assert.Equal(t, "-", col(unknown, "email"))
	assert.Equal(t, "-", col(unknown, "acting_user_email"))
}

func TestExport_Filename(t *testing.T) {
	ex := transfer.NewExporter(store.NewMemory(), nil)
	assert.Equal(t, "credits-txs-2026-03-10.csv", ex.Filename(now))
}
