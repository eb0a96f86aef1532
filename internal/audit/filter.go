package audit

import (
	"fmt"

	"github.com/gobwas/glob"
)

// Matcher is a compiled Filter. Compiling the action glob once keeps
// per-event matching cheap when scanning a tenant's log.
type Matcher struct {
	f       Filter
	pattern glob.Glob
}

// CompileFilter pre-compiles the filter's action pattern.
func CompileFilter(f Filter) (*Matcher, error) {
	m := &Matcher{f: f}
	if f.ActionPattern != "" {
		g, err := glob.Compile(f.ActionPattern, '.')
		if err != nil {
			return nil, fmt.Errorf("invalid action pattern %q: %w", f.ActionPattern, err)
		}
		m.pattern = g
	}
	return m, nil
}

// Match reports whether e satisfies every non-empty filter field (AND
// logic). Tenant scoping is the caller's job.
func (m *Matcher) Match(e Event) bool {
	f := m.f
	if f.ActorID != "" && e.Actor.ID != f.ActorID {
		return false
	}
	if f.Category != "" && e.Category != f.Category {
		return false
	}
	if f.Severity != "" && e.Severity != f.Severity {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if m.pattern != nil && !m.pattern.Match(e.Action) {
		return false
	}
	if f.Resource != "" && e.Resource != f.Resource {
		return false
	}
	if f.Outcome != "" && e.Outcome != f.Outcome {
		return false
	}
	if !f.StartTime.IsZero() && e.Timestamp.Before(f.StartTime) {
		return false
	}
	if !f.EndTime.IsZero() && e.Timestamp.After(f.EndTime) {
		return false
	}
	return true
}

// PageBounds resolves the effective limit and offset of a filter.
func PageBounds(f Filter) (limit, offset int) {
	limit = f.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	offset = f.Offset
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// Paginate cuts one page out of events that are already filtered and
// ordered newest first.
func Paginate(events []Event, f Filter) Page {
	limit, offset := PageBounds(f)
	total := len(events)

	page := Page{Events: []Event{}, Total: total, HasMore: offset+limit < total}
	if offset >= total {
		return page
	}
	end := offset + limit
	if end > total {
		end = total
	}
	page.Events = append(page.Events, events[offset:end]...)
	return page
}
