/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Small response wrappers

VALIDATION:
  Request types carry validate tags (go-playground/validator). Handlers
  run them through decode() before touching the engine, so a bad request
  never reaches the ledger.

DATES:
  Dates in requests are YYYY-MM-DD and mean 23:59:59 of that day in the
  ledger's location. Timestamps in responses are RFC 3339.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/credit-ledger/credits"
	"github.com/warp/credit-ledger/store/sqlite"
	"github.com/warp/credit-ledger/transfer"
)

// =============================================================================
// USERS
// =============================================================================

// UserDTO is a ledger user.
type UserDTO struct {
	ID        int64  `json:"id" validate:"gt=0"`
	FirstName string `json:"first_name" validate:"max=100"`
	LastName  string `json:"last_name" validate:"max=100"`
	Email     string `json:"email" validate:"omitempty,email"`
}

func toUserDTO(u credits.User) UserDTO {
	return UserDTO{ID: u.ID, FirstName: u.FirstName, LastName: u.LastName, Email: u.Email}
}

// =============================================================================
// BUCKETS
// =============================================================================

// BucketDTO is one grant of credits.
type BucketDTO struct {
	ID                int64  `json:"id"`
	UserID            int64  `json:"user_id"`
	Total             int64  `json:"total"`
	Used              int64  `json:"used"`
	Expired           int64  `json:"expired"`
	Remaining         int64  `json:"remaining"`
	State             string `json:"state"`
	CreatedAt         string `json:"created_at"`
	ValidUntil        string `json:"valid_until"`
	ExpiryNoticeStage *int   `json:"expiry_notice_stage,omitempty"`
}

func toBucketDTO(b credits.Bucket, now time.Time) BucketDTO {
	return BucketDTO{
		ID:                b.ID,
		UserID:            b.UserID,
		Total:             b.Total,
		Used:              b.Used,
		Expired:           b.Expired,
		Remaining:         b.Remaining,
		State:             string(b.StateAt(now)),
		CreatedAt:         b.CreatedAt.Format(time.RFC3339),
		ValidUntil:        b.ValidUntil.Format(time.RFC3339),
		ExpiryNoticeStage: b.ExpiryNoticeStage,
	}
}

func toBucketDTOs(buckets []credits.Bucket, now time.Time) []BucketDTO {
	dtos := make([]BucketDTO, len(buckets))
	for i, b := range buckets {
		dtos[i] = toBucketDTO(b, now)
	}
	return dtos
}

// CreditSummaryDTO is what a user has.
type CreditSummaryDTO struct {
	UserID      int64       `json:"user_id"`
	Available   int64       `json:"available"`
	Buckets     []BucketDTO `json:"buckets"`
	Unavailable []BucketDTO `json:"unavailable"`
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// TransactionDTO is one ledger entry.
type TransactionDTO struct {
	ID           int64          `json:"id"`
	BucketID     int64          `json:"bucket_id"`
	UserID       int64          `json:"user_id"`
	ActingUserID int64          `json:"acting_user_id"`
	Amount       int64          `json:"amount"`
	Component    string         `json:"component"`
	ReasonCode   string         `json:"reason_code"`
	ReasonArgs   map[string]any `json:"reason_args,omitempty"`
	Reason       string         `json:"reason"`
	PublicNote   string         `json:"public_note,omitempty"`
	PrivateNote  string         `json:"private_note,omitempty"`
	RecordedAt   string         `json:"recorded_at"`
	OperationID  string         `json:"operation_id,omitempty"`
}

func toTransactionDTO(tx credits.Transaction, withPrivate bool) TransactionDTO {
	dto := TransactionDTO{
		ID:           tx.ID,
		BucketID:     tx.BucketID,
		UserID:       tx.UserID,
		ActingUserID: tx.ActingUserID,
		Amount:       tx.Amount,
		Component:    tx.Component,
		ReasonCode:   tx.ReasonCode,
		ReasonArgs:   tx.ReasonArgs,
		Reason:       tx.ReasonDescription,
		PublicNote:   tx.PublicNote,
		RecordedAt:   tx.RecordedAt.Format(time.RFC3339),
		OperationID:  tx.OperationID,
	}
	if withPrivate {
		dto.PrivateNote = tx.PrivateNote
	}
	return dto
}

// =============================================================================
// LEDGER OPERATIONS
// =============================================================================

// IssueCreditsRequest grants credits to a user.
type IssueCreditsRequest struct {
	Amount      int64  `json:"amount" validate:"gt=0"`
	ValidUntil  string `json:"valid_until" validate:"required,datetime=2006-01-02"`
	PublicNote  string `json:"public_note" validate:"max=1333"`
	PrivateNote string `json:"private_note" validate:"max=1333"`
}

// IssueCreditsResponse returns the new bucket.
type IssueCreditsResponse struct {
	BucketID int64 `json:"bucket_id"`
}

// SpendCreditsRequest consumes credits.
type SpendCreditsRequest struct {
	Quantity int64 `json:"quantity" validate:"gt=0"`
	// ValidAsOf restricts the draw to buckets still valid on that day.
	ValidAsOf string `json:"valid_as_of,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

// SpendCreditsResponse returns the operation id to refund later.
type SpendCreditsResponse struct {
	OperationID string `json:"operation_id"`
}

// RefundRequest returns credits. Exactly one of OperationID and Quantity
// is set; ValidAsOf only applies to a quantity refund.
type RefundRequest struct {
	OperationID string `json:"operation_id,omitempty" validate:"max=64"`
	Quantity    int64  `json:"quantity,omitempty" validate:"gte=0"`
	ValidAsOf   string `json:"valid_as_of,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

// RefundDTO summarizes a refund.
type RefundDTO struct {
	OperationID          string `json:"operation_id,omitempty"`
	Refunded             int64  `json:"refunded"`
	RefundedExpired      int64  `json:"refunded_expired"`
	RefundedExpiringSoon int64  `json:"refunded_expiring_soon"`
}

// AdjustTotalRequest changes a bucket total.
type AdjustTotalRequest struct {
	Total       int64  `json:"total" validate:"gte=0"`
	PublicNote  string `json:"public_note" validate:"max=1333"`
	PrivateNote string `json:"private_note" validate:"max=1333"`
}

// ChangeValidityRequest moves a bucket's expiry date.
type ChangeValidityRequest struct {
	ValidUntil  string `json:"valid_until" validate:"required,datetime=2006-01-02"`
	PublicNote  string `json:"public_note" validate:"max=1333"`
	PrivateNote string `json:"private_note" validate:"max=1333"`
}

// ExpireNowRequest expires a bucket on a manager's decision. Without a
// reason code the ledger records a plain expiry.
type ExpireNowRequest struct {
	ReasonCode  string `json:"reason_code,omitempty" validate:"omitempty,oneof=refunded other"`
	PublicNote  string `json:"public_note" validate:"max=1333"`
	PrivateNote string `json:"private_note" validate:"required,max=1333"`
}

// PurchaseRequest credits a purchase made in an external system.
type PurchaseRequest struct {
	UserID     int64  `json:"user_id" validate:"gt=0"`
	Quantity   int64  `json:"quantity" validate:"gt=0"`
	ValidUntil int64  `json:"valid_until" validate:"gt=0"`
	Reference  string `json:"reference" validate:"max=1333"`
}

// PurchaseResponse mirrors the external API contract.
type PurchaseResponse struct {
	Success bool `json:"success"`
}

// =============================================================================
// IMPORT / SWEEPS
// =============================================================================

// ImportResultDTO summarizes a CSV import.
type ImportResultDTO struct {
	Imported int            `json:"imported"`
	Credits  int64          `json:"credits"`
	Skipped  []LineErrorDTO `json:"skipped"`
}

// LineErrorDTO is one skipped import line.
type LineErrorDTO struct {
	Line   int    `json:"line"`
	Reason string `json:"reason"`
}

func toImportResultDTO(res transfer.ImportResult) ImportResultDTO {
	dto := ImportResultDTO{Imported: res.Imported, Credits: res.Credits, Skipped: []LineErrorDTO{}}
	for _, s := range res.Skipped {
		dto.Skipped = append(dto.Skipped, LineErrorDTO{Line: s.Line, Reason: s.Reason})
	}
	return dto
}

// SweepRunDTO is one recorded scheduler run.
type SweepRunDTO struct {
	ID         int64  `json:"id,omitempty"`
	Job        string `json:"job"`
	Status     string `json:"status"`
	Processed  int    `json:"processed"`
	Skipped    int    `json:"skipped"`
	Failed     int    `json:"failed"`
	Credits    int64  `json:"credits"`
	Error      string `json:"error,omitempty"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at"`
}

func toSweepRunDTO(r sqlite.SweepRun) SweepRunDTO {
	return SweepRunDTO{
		ID:         r.ID,
		Job:        r.Job,
		Status:     r.Status,
		Processed:  r.Processed,
		Skipped:    r.Skipped,
		Failed:     r.Failed,
		Credits:    r.Credits,
		Error:      r.Error,
		StartedAt:  r.StartedAt.Format(time.RFC3339),
		FinishedAt: r.FinishedAt.Format(time.RFC3339),
	}
}

// ErrorResponse is the body of every error.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Details string            `json:"details,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}
