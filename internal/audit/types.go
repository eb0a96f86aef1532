package audit

import (
	"time"
)

// Category classifies what area of the system an event belongs to.
type Category string

const (
	CategorySecurity       Category = "security"
	CategoryFinancial      Category = "financial"
	CategoryAdministrative Category = "administrative"
	CategoryData           Category = "data"
	CategorySystem         Category = "system"
)

// Severity is the importance of an event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Outcome records whether the audited action succeeded.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// ActorType is the kind of principal that performed an action.
type ActorType string

const (
	ActorUser    ActorType = "user"
	ActorSystem  ActorType = "system"
	ActorService ActorType = "service"
)

// Map is an open-ended key/value map attached to events and actors.
//
// Values are restricted to a serializable union: nil, bool, string, numbers
// (any Go int/uint/float kind or json.Number), []any of union values, and
// nested Map or map[string]any. Validation rejects anything else, which keeps
// canonical hashing well defined regardless of key order.
type Map map[string]any

// Actor describes who performed an audited action. It is an opaque
// attribution record; nothing checks it against an identity store.
type Actor struct {
	Type     ActorType `json:"type"`
	ID       string    `json:"id"`
	TenantID string    `json:"tenantId,omitempty"`
	Metadata Map       `json:"metadata,omitempty"`
}

// Event is a single audit record. Every field is fixed at creation time and
// covered by the event hash; there is no update or delete operation.
type Event struct {
	ID        string    `json:"eventId"`
	TenantID  string    `json:"tenantId"`
	Timestamp time.Time `json:"timestamp"`
	Actor     Actor     `json:"actor"`
	Category  Category  `json:"category"`
	Severity  Severity  `json:"severity"`
	Action    string    `json:"action"`
	Resource  string    `json:"resource,omitempty"`
	Outcome   Outcome   `json:"outcome"`
	Details   Map       `json:"details,omitempty"`
	Metadata  Map       `json:"metadata,omitempty"`
	IPAddress string    `json:"ipAddress,omitempty"`
	UserAgent string    `json:"userAgent,omitempty"`
}

// EventInput is what a caller supplies to Service.Record. The service assigns
// the event ID and timestamp.
type EventInput struct {
	TenantID  string   `json:"tenantId"`
	Actor     Actor    `json:"actor"`
	Category  Category `json:"category"`
	Severity  Severity `json:"severity"`
	Action    string   `json:"action"`
	Resource  string   `json:"resource,omitempty"`
	Outcome   Outcome  `json:"outcome"`
	Details   Map      `json:"details,omitempty"`
	Metadata  Map      `json:"metadata,omitempty"`
	IPAddress string   `json:"ipAddress,omitempty"`
	UserAgent string   `json:"userAgent,omitempty"`
}

// Record is the persisted pair of an event and its chain hash.
type Record struct {
	Event Event  `json:"event"`
	Hash  string `json:"hash"`
}

// Filter selects events of one tenant. Zero values mean "no filter".
// Time bounds are inclusive.
type Filter struct {
	TenantID string
	ActorID  string
	Category Category
	Severity Severity
	Action   string
	// ActionPattern is a glob over the dotted action label, e.g. "user.*"
	// or "sale.{created,refunded}".
	ActionPattern string
	Resource      string
	Outcome       Outcome
	StartTime     time.Time
	EndTime       time.Time
	Limit         int
	Offset        int
}

// Page is one page of a query result, newest first.
type Page struct {
	Events  []Event `json:"events"`
	Total   int     `json:"total"`
	HasMore bool    `json:"hasMore"`
}

// TamperResult is the outcome of verifying a tenant's chain. A broken chain
// is a normal result, not an error.
type TamperResult struct {
	Intact           bool     `json:"intact"`
	Reason           string   `json:"reason,omitempty"`
	AffectedEvents   []string `json:"affectedEvents,omitempty"`
	FirstBrokenIndex *int     `json:"firstBrokenIndex,omitempty"`
	EventsChecked    int      `json:"eventsChecked"`
	ExpectedHash     string   `json:"expectedHash,omitempty"`
	ActualHash       string   `json:"actualHash,omitempty"`
}

// Proof carries everything needed to recompute an event's hash
// independently: the event, its stored hash and the stored hash of its
// predecessor (nil for the first record of a tenant).
type Proof struct {
	Event        Event   `json:"event"`
	Hash         string  `json:"hash"`
	PreviousHash *string `json:"previousHash"`
}
