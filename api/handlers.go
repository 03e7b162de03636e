/*
handlers.go - HTTP API handlers for the credit ledger

PURPOSE:
  Exposes the ledger engine via REST API. Handles HTTP request/response,
  JSON serialization, permission checks and delegates to the engine.

ENDPOINTS:
  Users:
    GET    /api/users                          List users
    PUT    /api/users/{userID}                 Create or update a user
    GET    /api/users/{userID}/credits         Available credits and buckets
    GET    /api/users/{userID}/transactions    Ledger entries

  Ledger:
    POST   /api/users/{userID}/credits         Issue credits
    POST   /api/users/{userID}/spend           Spend credits
    POST   /api/users/{userID}/refunds         Refund an operation or a quantity
    GET    /api/buckets/{bucketID}             One bucket
    PUT    /api/buckets/{bucketID}/total       Adjust total
    PUT    /api/buckets/{bucketID}/validity    Change validity
    POST   /api/buckets/{bucketID}/expire      Expire now
    POST   /api/purchases                      Credit an external purchase

  Bulk:
    POST   /api/import                         CSV import (body is the file)
    GET    /api/export                         CSV export of every transaction

  Sweeps:
    GET    /api/sweeps                         Recorded scheduler runs
    POST   /api/sweeps/{job}                   Run a job now

PERMISSIONS:
  Every endpoint checks the gate before reading or writing. The scope is
  the "scope" query parameter, defaulting to the system scope. Users may
  always read their own credits and transactions; private notes are only
  shown to auditors.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 401: Missing or invalid token
  - 403: Denied by the permission gate
  - 404: Unknown bucket, operation or job
  - 409: Conflict (insufficient credits, expired bucket, job locked)
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/warp/credit-ledger/credits"
	"github.com/warp/credit-ledger/logging"
	"github.com/warp/credit-ledger/scheduler"
	"github.com/warp/credit-ledger/store/sqlite"
	"github.com/warp/credit-ledger/transfer"
	"github.com/warp/credit-ledger/validation"
)

const dateLayout = "2006-01-02"

// maxImportBytes bounds the size of an uploaded CSV.
const maxImportBytes = 32 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine    *credits.Engine
	Store     *sqlite.Store
	Scheduler *scheduler.Scheduler
	Log       *logging.Logger

	validate *validation.Validator
}

// NewHandler creates a new handler. Scheduler may be nil, in which case
// the sweep endpoints only list past runs.
func NewHandler(engine *credits.Engine, store *sqlite.Store, sched *scheduler.Scheduler, log *logging.Logger) *Handler {
	if log == nil {
		log = logging.Nop()
	}
	return &Handler{
		Engine:    engine,
		Store:     store,
		Scheduler: sched,
		Log:       log,
		validate:  validation.New("json"),
	}
}

// =============================================================================
// USER HANDLERS
// =============================================================================

// ListUsers returns every known user.
// GET /api/users
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.Engine.RequireAudit(ctx, subjectFrom(ctx), scope(r)); err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	users, err := h.Store.ListUsers(ctx)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	dtos := make([]UserDTO, len(users))
	for i, u := range users {
		dtos[i] = toUserDTO(u)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// SaveUser creates or updates a user of the directory.
// PUT /api/users/{userID}
func (h *Handler) SaveUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := idParam(w, r, "userID")
	if !ok {
		return
	}
	if err := h.Engine.RequireManageUser(ctx, subjectFrom(ctx), scope(r), userID); err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	var req UserDTO
	if !h.decode(w, r, &req) {
		return
	}
	req.ID = userID
	if !h.valid(w, req) {
		return
	}

	u := credits.User{ID: req.ID, FirstName: req.FirstName, LastName: req.LastName, Email: req.Email}
	if err := h.Store.SaveUser(ctx, u); err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(u))
}

// GetCredits returns the available total and the buckets of a user.
// GET /api/users/{userID}/credits
func (h *Handler) GetCredits(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := idParam(w, r, "userID")
	if !ok {
		return
	}
	if err := h.Engine.RequireAuditUser(ctx, subjectFrom(ctx), scope(r), userID); err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	now := h.Engine.Now()
	available, err := h.Engine.AvailableCredits(ctx, userID, now)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	live, err := h.Engine.AvailableBuckets(ctx, userID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	dead, err := h.Engine.UnavailableBuckets(ctx, userID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, CreditSummaryDTO{
		UserID:      userID,
		Available:   available,
		Buckets:     toBucketDTOs(live, now),
		Unavailable: toBucketDTOs(dead, now),
	})
}

// ListTransactions returns the ledger entries of a user, oldest first.
// GET /api/users/{userID}/transactions?operation_id=...&bucket_id=...
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := idParam(w, r, "userID")
	if !ok {
		return
	}
	subject := subjectFrom(ctx)
	if err := h.Engine.RequireAuditUser(ctx, subject, scope(r), userID); err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	filter := credits.TransactionFilter{
		UserID:      userID,
		OperationID: r.URL.Query().Get("operation_id"),
	}
	if raw := r.URL.Query().Get("bucket_id"); raw != "" {
		bucketID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid bucket_id", err)
			return
		}
		filter.BucketID = bucketID
	}

	txs, err := h.Engine.Transactions(ctx, filter)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	withPrivate := h.Engine.RequireAudit(ctx, subject, scope(r)) == nil
	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = toTransactionDTO(tx, withPrivate)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// LEDGER HANDLERS
// =============================================================================

// IssueCredits grants credits valid until the end of the given day.
// POST /api/users/{userID}/credits
func (h *Handler) IssueCredits(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := idParam(w, r, "userID")
	if !ok {
		return
	}
	if err := h.Engine.RequireManageUser(ctx, subjectFrom(ctx), scope(r), userID); err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	var req IssueCreditsRequest
	if !h.decode(w, r, &req) || !h.valid(w, req) {
		return
	}
	validUntil, err := h.endOfDay(req.ValidUntil)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid valid_until format (use YYYY-MM-DD)", err)
		return
	}
	if !validUntil.After(h.Engine.Now()) {
		writeError(w, http.StatusBadRequest, "valid_until must be in the future", nil)
		return
	}

	note := credits.Note{Public: req.PublicNote, Private: req.PrivateNote}
	bucketID, err := h.Engine.IssueCredits(ctx, userID, req.Amount, validUntil, nil, note)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, IssueCreditsResponse{BucketID: bucketID})
}

// SpendCredits consumes credits, soonest expiring first.
// POST /api/users/{userID}/spend
func (h *Handler) SpendCredits(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := idParam(w, r, "userID")
	if !ok {
		return
	}
	if err := h.Engine.RequireManageUser(ctx, subjectFrom(ctx), scope(r), userID); err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	var req SpendCreditsRequest
	if !h.decode(w, r, &req) || !h.valid(w, req) {
		return
	}
	validAsOf, err := h.optionalDay(req.ValidAsOf)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid valid_as_of format (use YYYY-MM-DD)", err)
		return
	}

	opID, err := h.Engine.SpendCredits(ctx, userID, req.Quantity, nil, validAsOf)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SpendCreditsResponse{OperationID: opID})
}

// Refund reverses a spend operation, or returns a bare quantity.
// POST /api/users/{userID}/refunds
func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := idParam(w, r, "userID")
	if !ok {
		return
	}
	if err := h.Engine.RequireManageUser(ctx, subjectFrom(ctx), scope(r), userID); err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	var req RefundRequest
	if !h.decode(w, r, &req) || !h.valid(w, req) {
		return
	}
	if (req.OperationID == "") == (req.Quantity == 0) {
		writeError(w, http.StatusBadRequest, "Set exactly one of operation_id and quantity", nil)
		return
	}

	if req.OperationID != "" {
		res, err := h.Engine.RefundOperation(ctx, userID, req.OperationID, nil)
		if err != nil {
			h.writeEngineError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, RefundDTO{
			OperationID:          res.OperationID,
			Refunded:             res.Refunded,
			RefundedExpired:      res.RefundedExpired,
			RefundedExpiringSoon: res.RefundedExpiringSoon,
		})
		return
	}

	validAsOf, err := h.optionalDay(req.ValidAsOf)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid valid_as_of format (use YYYY-MM-DD)", err)
		return
	}
	if err := h.Engine.RefundQuantity(ctx, userID, req.Quantity, nil, validAsOf); err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RefundDTO{Refunded: req.Quantity})
}

// GetBucket returns one bucket.
// GET /api/buckets/{bucketID}
func (h *Handler) GetBucket(w http.ResponseWriter, r *http.Request) {
	b, ok := h.bucketFor(w, r, false)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toBucketDTO(b, h.Engine.Now()))
}

// AdjustTotal changes the total of a live bucket.
// PUT /api/buckets/{bucketID}/total
func (h *Handler) AdjustTotal(w http.ResponseWriter, r *http.Request) {
	b, ok := h.bucketFor(w, r, true)
	if !ok {
		return
	}

	var req AdjustTotalRequest
	if !h.decode(w, r, &req) || !h.valid(w, req) {
		return
	}

	note := credits.Note{Public: req.PublicNote, Private: req.PrivateNote}
	if err := h.Engine.AdjustBucketTotal(r.Context(), b.ID, req.Total, note); err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	h.writeBucket(w, r, b.ID)
}

// ChangeValidity moves the expiry date of a bucket.
// PUT /api/buckets/{bucketID}/validity
func (h *Handler) ChangeValidity(w http.ResponseWriter, r *http.Request) {
	b, ok := h.bucketFor(w, r, true)
	if !ok {
		return
	}

	var req ChangeValidityRequest
	if !h.decode(w, r, &req) || !h.valid(w, req) {
		return
	}
	validUntil, err := h.endOfDay(req.ValidUntil)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid valid_until format (use YYYY-MM-DD)", err)
		return
	}

	note := credits.Note{Public: req.PublicNote, Private: req.PrivateNote}
	if err := h.Engine.ChangeBucketValidity(r.Context(), b.ID, validUntil, note); err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	h.writeBucket(w, r, b.ID)
}

// ExpireNow expires the remaining credits of a bucket.
// POST /api/buckets/{bucketID}/expire
func (h *Handler) ExpireNow(w http.ResponseWriter, r *http.Request) {
	b, ok := h.bucketFor(w, r, true)
	if !ok {
		return
	}

	var req ExpireNowRequest
	if !h.decode(w, r, &req) || !h.valid(w, req) {
		return
	}

	var reason credits.Reason
	if req.ReasonCode != "" {
		reason = credits.NewReason(req.ReasonCode, nil)
	}
	note := credits.Note{Public: req.PublicNote, Private: req.PrivateNote}
	if err := h.Engine.ExpireNow(r.Context(), b.ID, reason, note); err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	h.writeBucket(w, r, b.ID)
}

// Purchase credits a purchase completed in an external system.
// POST /api/purchases
func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req PurchaseRequest
	if !h.decode(w, r, &req) || !h.valid(w, req) {
		return
	}

	ok, err := h.Engine.CreditForPurchase(ctx, subjectFrom(ctx), req.UserID, req.Quantity, req.ValidUntil, req.Reference)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PurchaseResponse{Success: ok})
}

// =============================================================================
// BULK HANDLERS
// =============================================================================

// Import issues credits from a CSV body.
// POST /api/import?delimiter=semicolon
func (h *Handler) Import(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.Engine.RequireManage(ctx, subjectFrom(ctx), scope(r)); err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	importer, err := transfer.NewImporter(transfer.ImporterOptions{
		Issuer:    h.Engine,
		Users:     h.Store,
		Location:  h.Engine.Location(),
		Delimiter: r.URL.Query().Get("delimiter"),
		Logger:    h.Log,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid delimiter", err)
		return
	}

	res, err := importer.Import(ctx, http.MaxBytesReader(w, r.Body, maxImportBytes))
	if err != nil {
		if transfer.IsFileError(err) {
			writeError(w, http.StatusBadRequest, "Invalid import file", err)
			return
		}
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toImportResultDTO(res))
}

// Export streams every transaction as CSV.
// GET /api/export
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.Engine.RequireAudit(ctx, subjectFrom(ctx), scope(r)); err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	exporter := transfer.NewExporter(h.Store, h.Engine.Location())
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+exporter.Filename(h.Engine.Now())+`"`)
	if _, err := exporter.Export(ctx, w); err != nil {
		// Headers are gone; the client sees a truncated file.
		h.Log.Error(ctx, "export failed", err)
	}
}

// =============================================================================
// SWEEP HANDLERS
// =============================================================================

// ListSweepRuns returns the latest scheduler runs.
// GET /api/sweeps?job=expire_credits&limit=20
func (h *Handler) ListSweepRuns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.Engine.RequireAudit(ctx, subjectFrom(ctx), scope(r)); err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}

	runs, err := h.Store.SweepRuns(ctx, r.URL.Query().Get("job"), limit)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	dtos := make([]SweepRunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toSweepRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// RunSweep runs a scheduler job now.
// POST /api/sweeps/{job}
func (h *Handler) RunSweep(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.Engine.RequireManage(ctx, subjectFrom(ctx), credits.SystemScope); err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	if h.Scheduler == nil {
		writeError(w, http.StatusNotFound, "Scheduler not configured", nil)
		return
	}

	run, err := h.Scheduler.RunNow(ctx, chi.URLParam(r, "job"))
	switch {
	case errors.Is(err, scheduler.ErrUnknownJob):
		writeError(w, http.StatusNotFound, "Unknown job", err)
		return
	case errors.Is(err, scheduler.ErrLocked):
		writeError(w, http.StatusConflict, "Job is running on another instance", err)
		return
	case err != nil:
		h.writeEngineError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, SweepRunDTO{
		Job:        run.Job,
		Status:     run.Status,
		Processed:  run.Result.Processed,
		Skipped:    run.Result.Skipped,
		Failed:     run.Result.Failed,
		Credits:    run.Result.Credits,
		Error:      run.Error,
		StartedAt:  run.StartedAt.Format(time.RFC3339),
		FinishedAt: run.FinishedAt.Format(time.RFC3339),
	})
}

// =============================================================================
// HELPERS
// =============================================================================

// bucketFor loads the bucket of the path and checks the subject may manage
// (or, when manage is false, read) its owner. The role is checked before the
// lookup so that only managers and auditors can tell a missing bucket from a
// forbidden one.
func (h *Handler) bucketFor(w http.ResponseWriter, r *http.Request, manage bool) (credits.Bucket, bool) {
	ctx := r.Context()
	bucketID, ok := idParam(w, r, "bucketID")
	if !ok {
		return credits.Bucket{}, false
	}

	subject := subjectFrom(ctx)
	var roleErr error
	if manage {
		roleErr = h.Engine.RequireManage(ctx, subject, scope(r))
	} else {
		roleErr = h.Engine.RequireAudit(ctx, subject, scope(r))
	}
	if manage && roleErr != nil {
		h.writeEngineError(w, r, roleErr)
		return credits.Bucket{}, false
	}

	b, err := h.Engine.Bucket(ctx, bucketID)
	if err != nil {
		// Owners may still read their own buckets, but learn nothing else.
		if roleErr != nil {
			err = roleErr
		}
		h.writeEngineError(w, r, err)
		return credits.Bucket{}, false
	}

	if manage {
		err = h.Engine.RequireManageUser(ctx, subject, scope(r), b.UserID)
	} else {
		err = h.Engine.RequireAuditUser(ctx, subject, scope(r), b.UserID)
	}
	if err != nil {
		h.writeEngineError(w, r, err)
		return credits.Bucket{}, false
	}
	return b, true
}

func (h *Handler) writeBucket(w http.ResponseWriter, r *http.Request, bucketID int64) {
	b, err := h.Engine.Bucket(r.Context(), bucketID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBucketDTO(b, h.Engine.Now()))
}

// decode reads a JSON body, rejecting unknown fields.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func (h *Handler) valid(w http.ResponseWriter, req any) bool {
	err := h.validate.Struct(req)
	if err == nil {
		return true
	}
	var verr *validation.Error
	if errors.As(err, &verr) {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "Validation failed",
			Details: verr.Error(),
			Fields:  verr.Fields,
		})
		return false
	}
	writeError(w, http.StatusBadRequest, "Invalid request", err)
	return false
}

// endOfDay parses YYYY-MM-DD as 23:59:59 of that day in the ledger location.
func (h *Handler) endOfDay(day string) (time.Time, error) {
	loc := h.Engine.Location()
	d, err := time.ParseInLocation(dateLayout, day, loc)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(d.Year(), d.Month(), d.Day(), 23, 59, 59, 0, loc), nil
}

func (h *Handler) optionalDay(day string) (*time.Time, error) {
	if day == "" {
		return nil, nil
	}
	t, err := h.endOfDay(day)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// writeEngineError maps ledger errors to HTTP statuses. Internal details
// are logged, not returned.
func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var insufficient *credits.InsufficientCreditsError
	switch {
	case errors.Is(err, credits.ErrForbidden):
		writeError(w, http.StatusForbidden, "Forbidden", err)
	case credits.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Not found", err)
	case errors.As(err, &insufficient):
		writeError(w, http.StatusConflict, "Insufficient credits", err)
	case credits.IsConflict(err):
		writeError(w, http.StatusConflict, "Conflict", err)
	case credits.IsClientError(err):
		writeError(w, http.StatusBadRequest, "Invalid request", err)
	default:
		h.Log.Error(r.Context(), "request failed", err)
		writeError(w, http.StatusInternalServerError, "Internal error", nil)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func idParam(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid "+name, err)
		return 0, false
	}
	return id, true
}

func scope(r *http.Request) string {
	if s := r.URL.Query().Get("scope"); s != "" {
		return s
	}
	return credits.SystemScope
}
