package audit

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"
)

func validInput() EventInput {
	return EventInput{
		TenantID: "tenant-1",
		Actor:    Actor{Type: ActorUser, ID: "user-1", TenantID: "tenant-1"},
		Category: CategorySecurity,
		Severity: SeverityInfo,
		Action:   "user.login",
		Outcome:  OutcomeSuccess,
	}
}

func TestValidateInput_Valid(t *testing.T) {
	in := validInput()
	in.Details = Map{"amount": 1000, "currency": "NGN", "tags": []any{"a", 1.5, nil}, "nested": Map{"ok": true}}
	if err := ValidateInput(in); err != nil {
		t.Errorf("valid input rejected: %v", err)
	}
}

func TestValidateInput_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		modify func(in *EventInput)
		field  string
	}{
		{"missing tenant", func(in *EventInput) { in.TenantID = "" }, "tenantId"},
		{"tenant too long", func(in *EventInput) { in.TenantID = strings.Repeat("t", 256) }, "tenantId"},
		{"bad actor type", func(in *EventInput) { in.Actor.Type = "robot" }, "actor.type"},
		{"missing actor id", func(in *EventInput) { in.Actor.ID = "" }, "actor.id"},
		{"bad category", func(in *EventInput) { in.Category = "gossip" }, "category"},
		{"bad severity", func(in *EventInput) { in.Severity = "meh" }, "severity"},
		{"missing action", func(in *EventInput) { in.Action = "" }, "action"},
		{"resource too long", func(in *EventInput) { in.Resource = strings.Repeat("r", 501) }, "resource"},
		{"bad outcome", func(in *EventInput) { in.Outcome = "maybe" }, "outcome"},
		{"ip too long", func(in *EventInput) { in.IPAddress = strings.Repeat("1", 46) }, "ipAddress"},
		{"user agent too long", func(in *EventInput) { in.UserAgent = strings.Repeat("u", 1001) }, "userAgent"},
		{"unsupported detail", func(in *EventInput) { in.Details = Map{"when": time.Now()} }, "details.when"},
		{"NaN metadata", func(in *EventInput) { in.Metadata = Map{"x": math.NaN()} }, "metadata.x"},
		{"nested unsupported", func(in *EventInput) { in.Details = Map{"a": []any{Map{"b": struct{}{}}}} }, "details.a[0].b"},
		{"actor metadata", func(in *EventInput) { in.Actor.Metadata = Map{"f": func() {}} }, "actor.metadata.f"},
		{"invalid UTF-8 key", func(in *EventInput) { in.Details = Map{"\xff": 1} }, "details"},
		{"nested invalid UTF-8 key", func(in *EventInput) { in.Metadata = Map{"a": Map{"\xfe\xfd": 1}} }, "metadata.a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validInput()
			tt.modify(&in)
			err := ValidateInput(in)
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected *ValidationError, got %v", err)
			}
			if ve.Field != tt.field {
				t.Errorf("field = %q, want %q", ve.Field, tt.field)
			}
		})
	}
}

func TestValidateMap_DepthLimit(t *testing.T) {
	var v any = "leaf"
	for i := 0; i < MaxValueDepth+1; i++ {
		v = Map{"n": v}
	}
	if err := ValidateMap("details", Map{"root": v}); !IsValidation(err) {
		t.Errorf("expected depth validation error, got %v", err)
	}
}

func TestValidateFilter_LimitMessage(t *testing.T) {
	var ve *ValidationError
	if err := ValidateFilter(Filter{TenantID: "t", Limit: 1001}); !errors.As(err, &ve) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	if !strings.Contains(ve.Reason, "between 0 and 1000") {
		t.Errorf("limit reason should allow 0: %q", ve.Reason)
	}
	if err := ValidateFilter(Filter{TenantID: "t", Limit: 0}); err != nil {
		t.Errorf("limit 0 means the default page size: %v", err)
	}
}

func TestValidateFilter(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name    string
		f       Filter
		wantErr bool
	}{
		{"minimal", Filter{TenantID: "t"}, false},
		{"full", Filter{TenantID: "t", Category: CategoryData, Severity: SeverityError, Outcome: OutcomeFailure, ActionPattern: "user.*", Limit: 1000, Offset: 5}, false},
		{"no tenant", Filter{}, true},
		{"bad category", Filter{TenantID: "t", Category: "x"}, true},
		{"bad severity", Filter{TenantID: "t", Severity: "x"}, true},
		{"bad outcome", Filter{TenantID: "t", Outcome: "x"}, true},
		{"limit too big", Filter{TenantID: "t", Limit: 1001}, true},
		{"negative limit", Filter{TenantID: "t", Limit: -1}, true},
		{"negative offset", Filter{TenantID: "t", Offset: -1}, true},
		{"bad pattern", Filter{TenantID: "t", ActionPattern: "user.[a"}, true},
		{"inverted range", Filter{TenantID: "t", StartTime: now, EndTime: now.Add(-time.Hour)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFilter(tt.f)
			if tt.wantErr && !IsValidation(err) {
				t.Errorf("expected validation error, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
