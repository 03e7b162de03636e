/*
reason.go - Why a ledger mutation happened

PURPOSE:
  Every transaction carries a structured reason (owning component, code,
  arguments) and a human description. The description is rendered once,
  when the transaction is written, and stored verbatim. Historical rows
  never change when templates do.

VARIANTS:
  ledgerReason:  Codes owned by this package, described from templates
  OrphanReason:  A foreign component's reason with a frozen description
  LocatedReason: Any reason plus a navigable reference (name + URL)

SEE ALSO:
  - note.go: Public/private annotations written alongside the reason
*/
package credits

import (
	"fmt"
	"sort"
	"strings"
)

// Component is the component tag of reasons owned by the ledger.
const Component = "credits"

// Reason codes owned by the ledger.
const (
	ReasonPurchase           = "purchase"
	ReasonImported           = "imported"
	ReasonOther              = "other"
	ReasonSpent              = "spent"
	ReasonExpired            = "expired"
	ReasonExtended           = "extended"
	ReasonRefunded           = "refunded"
	ReasonRevived            = "revived"
	ReasonRefundAfterExpiry  = "refundafterexpiry"
	ReasonExpiredAfterRefund = "expiredafterrefund"
	ReasonTotalChanged       = "totalchanged"
	ReasonExpiryNotice       = "expirynotice"
)

var descriptions = map[string]string{
	ReasonPurchase:           "Credits purchased, valid until {validuntil}.",
	ReasonImported:           "Credits imported by administrator.",
	ReasonOther:              "Credit update.",
	ReasonSpent:              "Credits spent.",
	ReasonExpired:            "Credits expired.",
	ReasonExtended:           "Credit validity changed from {from} to {to}.",
	ReasonRefunded:           "Purchase refunded.",
	ReasonRevived:            "Restore previously expired credits.",
	ReasonRefundAfterExpiry:  "Credits returned after their expiry.",
	ReasonExpiredAfterRefund: "Refunded credits expired immediately.",
	ReasonTotalChanged:       "Total credits changed from {from} to {to}.",
	ReasonExpiryNotice:       "Expiry notice sent, {days} day(s) before expiry.",
}

// Reason explains a ledger mutation.
type Reason interface {
	Component() string
	Code() string
	Args() map[string]any
	Description() string
}

// Locator is implemented by reasons that point at something navigable,
// such as the order or course that caused the mutation.
type Locator interface {
	LocationName() string
	LocationURL() string
}

// =============================================================================
// LEDGER REASON
// =============================================================================

type ledgerReason struct {
	code string
	args map[string]any
}

// NewReason returns a reason owned by the ledger component.
func NewReason(code string, args map[string]any) Reason {
	return ledgerReason{code: code, args: copyArgs(args)}
}

func (r ledgerReason) Component() string    { return Component }
func (r ledgerReason) Code() string         { return r.code }
func (r ledgerReason) Args() map[string]any { return copyArgs(r.args) }

func (r ledgerReason) Description() string {
	tmpl, ok := descriptions[r.code]
	if !ok {
		tmpl = descriptions[ReasonOther]
	}
	return render(tmpl, r.args)
}

// =============================================================================
// ORPHAN REASON
// =============================================================================

// OrphanReason is a reason from a component the ledger knows nothing about.
// Its description is supplied by the caller and used as is.
type OrphanReason struct {
	ComponentTag string
	ReasonCode   string
	ReasonArgs   map[string]any
	Text         string
}

func (r OrphanReason) Component() string    { return r.ComponentTag }
func (r OrphanReason) Code() string         { return r.ReasonCode }
func (r OrphanReason) Args() map[string]any { return copyArgs(r.ReasonArgs) }
func (r OrphanReason) Description() string  { return r.Text }

// =============================================================================
// LOCATED REASON
// =============================================================================

// LocatedReason decorates a reason with a navigable location.
type LocatedReason struct {
	Reason
	Name string
	URL  string
}

// WithLocation attaches a location to r.
func WithLocation(r Reason, name, url string) LocatedReason {
	return LocatedReason{Reason: r, Name: name, URL: url}
}

func (r LocatedReason) LocationName() string { return r.Name }
func (r LocatedReason) LocationURL() string  { return r.URL }

// =============================================================================
// HELPERS
// =============================================================================

// render substitutes {key} placeholders with the matching argument.
func render(tmpl string, args map[string]any) string {
	if len(args) == 0 {
		return tmpl
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		pairs = append(pairs, "{"+k+"}", fmt.Sprint(args[k]))
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

func copyArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}
