package transfer

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/warp/credit-ledger/credits"
)

// ExportHeader is the column order of Export.
var ExportHeader = []string{
	"date",
	"user_id",
	"firstname",
	"lastname",
	"email",
	"amount",
	"reason",
	"public_note",
	"private_note",
	"acting_user_id",
	"acting_user_firstname",
	"acting_user_lastname",
	"acting_user_email",
	"acting_plugin",
	"reason_code",
	"reason_args",
	"tx_id",
	"tx_operation_id",
	"bucket_id",
	"bucket_total",
	"bucket_credited_on",
	"bucket_valid_until",
}

// missing renders an identity field of an unknown user.
const missing = "-"

// Exporter writes every ledger transaction as CSV.
type Exporter struct {
	store credits.Store
	loc   *time.Location
}

// NewExporter creates an Exporter rendering dates in loc (UTC when nil).
func NewExporter(store credits.Store, loc *time.Location) *Exporter {
	if loc == nil {
		loc = time.UTC
	}
	return &Exporter{store: store, loc: loc}
}

// Export writes the header and one row per transaction, ascending by id.
// It returns the number of transactions written.
func (ex *Exporter) Export(ctx context.Context, w io.Writer) (int, error) {
	txs, err := ex.store.AllTransactions(ctx)
	if err != nil {
		return 0, fmt.Errorf("transfer: load transactions: %w", err)
	}

	users := map[int64]*credits.User{}
	user := func(id int64) (*credits.User, error) {
		if u, ok := users[id]; ok {
			return u, nil
		}
		u, err := ex.store.GetUser(ctx, id)
		if err != nil {
			return nil, err
		}
		users[id] = u
		return u, nil
	}
	buckets := map[int64]credits.Bucket{}

	out := csv.NewWriter(w)
	if err := out.Write(ExportHeader); err != nil {
		return 0, err
	}

	for _, tx := range txs {
		owner, err := user(tx.UserID)
		if err != nil {
			return 0, fmt.Errorf("transfer: load user %d: %w", tx.UserID, err)
		}
		actor, err := user(tx.ActingUserID)
		if err != nil {
			return 0, fmt.Errorf("transfer: load user %d: %w", tx.ActingUserID, err)
		}
		b, ok := buckets[tx.BucketID]
		if !ok {
			b, err = ex.store.GetBucket(ctx, tx.BucketID)
			if err != nil {
				return 0, fmt.Errorf("transfer: load bucket %d: %w", tx.BucketID, err)
			}
			buckets[tx.BucketID] = b
		}

		args := ""
		if len(tx.ReasonArgs) > 0 {
			encoded, err := json.Marshal(tx.ReasonArgs)
			if err != nil {
				return 0, fmt.Errorf("transfer: encode args of tx %d: %w", tx.ID, err)
			}
			args = string(encoded)
		}

		ownerFirst, ownerLast, ownerEmail := identity(owner)
		actorFirst, actorLast, actorEmail := identity(actor)
		record := []string{
			ex.date(tx.RecordedAt),
			strconv.FormatInt(tx.UserID, 10),
			ownerFirst,
			ownerLast,
			ownerEmail,
			strconv.FormatInt(tx.Amount, 10),
			tx.ReasonDescription,
			tx.PublicNote,
			tx.PrivateNote,
			strconv.FormatInt(tx.ActingUserID, 10),
			actorFirst,
			actorLast,
			actorEmail,
			tx.Component,
			tx.ReasonCode,
			args,
			strconv.FormatInt(tx.ID, 10),
			tx.OperationID,
			strconv.FormatInt(tx.BucketID, 10),
			strconv.FormatInt(b.Total, 10),
			ex.date(b.CreatedAt),
			ex.date(b.ValidUntil),
		}
		if err := out.Write(record); err != nil {
			return 0, err
		}
	}

	out.Flush()
	if err := out.Error(); err != nil {
		return 0, err
	}
	return len(txs), nil
}

// Filename returns the download name for an export made at t.
func (ex *Exporter) Filename(t time.Time) string {
	return "credits-txs-" + ex.date(t) + ".csv"
}

func (ex *Exporter) date(t time.Time) string {
	return t.In(ex.loc).Format(dateLayout)
}

func identity(u *credits.User) (first, last, email string) {
	if u == nil {
		return missing, missing, missing
	}
	return u.FirstName, u.LastName, u.Email
}
