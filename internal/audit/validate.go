package audit

import (
	"encoding/json"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/gobwas/glob"
)

// Field limits applied to recorded events.
const (
	MaxIDLength        = 255
	MaxActionLength    = 255
	MaxResourceLength  = 500
	MaxIPAddressLength = 45 // IPv6 textual maximum
	MaxUserAgentLength = 1000
	MaxValueDepth      = 32
)

// Page size limits for Search.
const (
	DefaultPageSize = 100
	MaxPageSize     = 1000
)

// ValidCategory reports whether c is one of the fixed categories.
func ValidCategory(c Category) bool {
	switch c {
	case CategorySecurity, CategoryFinancial, CategoryAdministrative, CategoryData, CategorySystem:
		return true
	}
	return false
}

// ValidSeverity reports whether s is one of the fixed severities.
func ValidSeverity(s Severity) bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// ValidOutcome reports whether o is success or failure.
func ValidOutcome(o Outcome) bool {
	return o == OutcomeSuccess || o == OutcomeFailure
}

// ValidActorType reports whether t is user, system or service.
func ValidActorType(t ActorType) bool {
	switch t {
	case ActorUser, ActorSystem, ActorService:
		return true
	}
	return false
}

// ValidateTenantID checks a tenant identifier.
func ValidateTenantID(tenantID string) error {
	return checkLength("tenantId", tenantID, 1, MaxIDLength)
}

// ValidateInput checks an EventInput before it is recorded.
func ValidateInput(in EventInput) error {
	if err := ValidateTenantID(in.TenantID); err != nil {
		return err
	}
	if err := validateActor(in.Actor); err != nil {
		return err
	}
	if !ValidCategory(in.Category) {
		return &ValidationError{Field: "category", Reason: fmt.Sprintf("unknown category %q", in.Category)}
	}
	if !ValidSeverity(in.Severity) {
		return &ValidationError{Field: "severity", Reason: fmt.Sprintf("unknown severity %q", in.Severity)}
	}
	if err := checkLength("action", in.Action, 1, MaxActionLength); err != nil {
		return err
	}
	if err := checkLength("resource", in.Resource, 0, MaxResourceLength); err != nil {
		return err
	}
	if !ValidOutcome(in.Outcome) {
		return &ValidationError{Field: "outcome", Reason: fmt.Sprintf("must be success or failure, got %q", in.Outcome)}
	}
	if err := ValidateMap("details", in.Details); err != nil {
		return err
	}
	if err := ValidateMap("metadata", in.Metadata); err != nil {
		return err
	}
	if err := checkLength("ipAddress", in.IPAddress, 0, MaxIPAddressLength); err != nil {
		return err
	}
	return checkLength("userAgent", in.UserAgent, 0, MaxUserAgentLength)
}

func validateActor(a Actor) error {
	if !ValidActorType(a.Type) {
		return &ValidationError{Field: "actor.type", Reason: fmt.Sprintf("unknown actor type %q", a.Type)}
	}
	if err := checkLength("actor.id", a.ID, 1, MaxIDLength); err != nil {
		return err
	}
	if err := checkLength("actor.tenantId", a.TenantID, 0, MaxIDLength); err != nil {
		return err
	}
	return ValidateMap("actor.metadata", a.Metadata)
}

// ValidateFilter checks a search filter. A zero Limit is allowed and means
// the default page size.
func ValidateFilter(f Filter) error {
	if err := ValidateTenantID(f.TenantID); err != nil {
		return err
	}
	if f.Category != "" && !ValidCategory(f.Category) {
		return &ValidationError{Field: "category", Reason: fmt.Sprintf("unknown category %q", f.Category)}
	}
	if f.Severity != "" && !ValidSeverity(f.Severity) {
		return &ValidationError{Field: "severity", Reason: fmt.Sprintf("unknown severity %q", f.Severity)}
	}
	if f.Outcome != "" && !ValidOutcome(f.Outcome) {
		return &ValidationError{Field: "outcome", Reason: fmt.Sprintf("must be success or failure, got %q", f.Outcome)}
	}
	if f.ActionPattern != "" {
		if _, err := glob.Compile(f.ActionPattern, '.'); err != nil {
			return &ValidationError{Field: "actionPattern", Reason: err.Error()}
		}
	}
	if f.Limit < 0 || f.Limit > MaxPageSize {
		return &ValidationError{Field: "limit", Reason: fmt.Sprintf("must be between 0 and %d (0 means the default of %d)", MaxPageSize, DefaultPageSize)}
	}
	if f.Offset < 0 {
		return &ValidationError{Field: "offset", Reason: "must not be negative"}
	}
	if !f.StartTime.IsZero() && !f.EndTime.IsZero() && f.EndTime.Before(f.StartTime) {
		return &ValidationError{Field: "endTime", Reason: "must not be before startTime"}
	}
	return nil
}

// ValidateMap checks that every value in m belongs to the Map value union.
func ValidateMap(field string, m Map) error {
	for k, v := range m {
		if !utf8.ValidString(k) {
			return &ValidationError{Field: field, Reason: "key is not valid UTF-8"}
		}
		if err := validateValue(field+"."+k, v, 1); err != nil {
			return err
		}
	}
	return nil
}

func validateValue(path string, v any, depth int) error {
	if depth > MaxValueDepth {
		return &ValidationError{Field: path, Reason: "nesting too deep"}
	}
	switch val := v.(type) {
	case nil, bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return nil
	case string:
		if !utf8.ValidString(val) {
			return &ValidationError{Field: path, Reason: "invalid UTF-8"}
		}
		return nil
	case float32:
		return checkFloat(path, float64(val))
	case float64:
		return checkFloat(path, val)
	case json.Number:
		if _, err := val.Float64(); err != nil {
			return &ValidationError{Field: path, Reason: fmt.Sprintf("invalid number %q", val)}
		}
		return nil
	case Map:
		return validateObject(path, val, depth)
	case map[string]any:
		return validateObject(path, val, depth)
	case []any:
		for i, item := range val {
			if err := validateValue(fmt.Sprintf("%s[%d]", path, i), item, depth+1); err != nil {
				return err
			}
		}
		return nil
	default:
		return &ValidationError{Field: path, Reason: fmt.Sprintf("unsupported value type %T", v)}
	}
}

func validateObject(path string, m map[string]any, depth int) error {
	for k, item := range m {
		if !utf8.ValidString(k) {
			return &ValidationError{Field: path, Reason: "key is not valid UTF-8"}
		}
		if err := validateValue(path+"."+k, item, depth+1); err != nil {
			return err
		}
	}
	return nil
}

func checkFloat(path string, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return &ValidationError{Field: path, Reason: "number must be finite"}
	}
	return nil
}

func checkLength(field, value string, minLen, maxLen int) error {
	n := utf8.RuneCountInString(value)
	if n < minLen {
		if minLen == 1 {
			return &ValidationError{Field: field, Reason: "is required"}
		}
		return &ValidationError{Field: field, Reason: fmt.Sprintf("must be at least %d characters", minLen)}
	}
	if n > maxLen {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("must be at most %d characters", maxLen)}
	}
	if !utf8.ValidString(value) {
		return &ValidationError{Field: field, Reason: "invalid UTF-8"}
	}
	return nil
}
