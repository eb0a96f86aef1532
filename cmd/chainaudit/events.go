package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ctrlai/chainaudit/internal/audit"
)

// ============================================================================
// chainaudit record: Record one event
// ============================================================================

var (
	recordTenant        string
	recordActorType     string
	recordActorID       string
	recordActorTenant   string
	recordActorMetadata string
	recordCategory      string
	recordSeverity      string
	recordAction        string
	recordResource      string
	recordOutcome       string
	recordDetails       string
	recordMetadata      string
	recordIP            string
	recordUserAgent     string
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record one audit event",
	Long: `Record one event into a tenant's chain and print it with its hash.
Details and metadata are JSON objects.

Example:
  chainaudit record --tenant acme --actor-type user --actor-id u-42 \
    --category financial --severity info --action sale.created \
    --outcome success --details '{"amount": 120.5}'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		details, err := parseJSONMap("details", recordDetails)
		if err != nil {
			return err
		}
		metadata, err := parseJSONMap("metadata", recordMetadata)
		if err != nil {
			return err
		}
		actorMeta, err := parseJSONMap("actor-metadata", recordActorMetadata)
		if err != nil {
			return err
		}

		st, svc, err := openLocal()
		if err != nil {
			return err
		}
		defer st.Close()

		actor := audit.Actor{
			Type:     audit.ActorType(recordActorType),
			ID:       recordActorID,
			TenantID: recordActorTenant,
			Metadata: actorMeta,
		}

		ctx := cmd.Context()
		e, err := svc.Record(ctx, audit.EventInput{
			TenantID:  recordTenant,
			Actor:     actor,
			Category:  audit.Category(recordCategory),
			Severity:  audit.Severity(recordSeverity),
			Action:    recordAction,
			Resource:  recordResource,
			Outcome:   audit.Outcome(recordOutcome),
			Details:   details,
			Metadata:  metadata,
			IPAddress: recordIP,
			UserAgent: recordUserAgent,
		})
		if err != nil {
			return fmt.Errorf("record failed: %w", err)
		}

		proof, _, err := svc.Prove(ctx, e.TenantID, e.ID)
		if err != nil {
			return fmt.Errorf("reading back event: %w", err)
		}
		fmt.Printf("[chainaudit] Recorded %s\n", e.ID)
		fmt.Printf("  hash: %s\n", proof.Hash)
		return nil
	},
}

func init() {
	f := recordCmd.Flags()
	f.StringVar(&recordTenant, "tenant", "", "Tenant ID (required)")
	f.StringVar(&recordActorType, "actor-type", "user", "Actor type: user, system, service")
	f.StringVar(&recordActorID, "actor-id", "", "Actor ID (required)")
	f.StringVar(&recordActorTenant, "actor-tenant", "", "Tenant the actor belongs to, when it differs from --tenant")
	f.StringVar(&recordActorMetadata, "actor-metadata", "", "Actor metadata as a JSON object")
	f.StringVar(&recordCategory, "category", "", "Category: security, financial, administrative, data, system")
	f.StringVar(&recordSeverity, "severity", "info", "Severity: info, warning, error, critical")
	f.StringVar(&recordAction, "action", "", "Dotted action label, e.g. user.login (required)")
	f.StringVar(&recordResource, "resource", "", "Resource acted upon")
	f.StringVar(&recordOutcome, "outcome", "success", "Outcome: success, failure")
	f.StringVar(&recordDetails, "details", "", "Details as a JSON object")
	f.StringVar(&recordMetadata, "metadata", "", "Metadata as a JSON object")
	f.StringVar(&recordIP, "ip", "", "Client IP address")
	f.StringVar(&recordUserAgent, "user-agent", "", "Client user agent")
	recordCmd.MarkFlagRequired("tenant")
	recordCmd.MarkFlagRequired("actor-id")
	recordCmd.MarkFlagRequired("category")
	recordCmd.MarkFlagRequired("action")
}

// parseJSONMap decodes a JSON object flag. Numbers stay json.Number so
// integers beyond 2^53 hash exactly as given.
func parseJSONMap(field, raw string) (audit.Map, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var m audit.Map
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("--%s must be a JSON object: %w", field, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("--%s must be a single JSON object", field)
	}
	return m, nil
}

// ============================================================================
// chainaudit get / prove: Single events
// ============================================================================

var getCmd = &cobra.Command{
	Use:   "get <tenant> <event-id>",
	Short: "Print one event as JSON",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, svc, err := openLocal()
		if err != nil {
			return err
		}
		defer st.Close()

		e, ok, err := svc.Fetch(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("event %s not found for tenant %s", args[1], args[0])
		}
		return printJSON(e)
	},
}

var proveCmd = &cobra.Command{
	Use:   "prove <tenant> <event-id>",
	Short: "Print an event with its hash and its predecessor's hash",
	Long: `Print the event together with its stored hash and the stored hash of the
previous event in the tenant's chain (null for the first event). Together
they are enough to recompute the event's hash independently.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, svc, err := openLocal()
		if err != nil {
			return err
		}
		defer st.Close()

		proof, ok, err := svc.Prove(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("event %s not found for tenant %s", args[1], args[0])
		}
		return printJSON(proof)
	},
}

// ============================================================================
// chainaudit query: Search events
// ============================================================================

var (
	queryActor    string
	queryCategory string
	querySeverity string
	queryAction   string
	queryPattern  string
	queryResource string
	queryOutcome  string
	querySince    string
	queryUntil    string
	queryLimit    int
	queryOffset   int
	queryJSON     bool
)

var queryCmd = &cobra.Command{
	Use:   "query <tenant>",
	Short: "Search a tenant's events, newest first",
	Long: `Search a tenant's events. Filters combine with AND.

Examples:
  chainaudit query acme --category financial --since 24h
  chainaudit query acme --pattern 'user.*' --outcome failure --limit 100`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		now := time.Now()
		since, err := parseSince(querySince, now)
		if err != nil {
			return err
		}
		until, err := parseSince(queryUntil, now)
		if err != nil {
			return err
		}

		st, svc, err := openLocal()
		if err != nil {
			return err
		}
		defer st.Close()

		page, err := svc.Search(cmd.Context(), audit.Filter{
			TenantID:      args[0],
			ActorID:       queryActor,
			Category:      audit.Category(queryCategory),
			Severity:      audit.Severity(querySeverity),
			Action:        queryAction,
			ActionPattern: queryPattern,
			Resource:      queryResource,
			Outcome:       audit.Outcome(queryOutcome),
			StartTime:     since,
			EndTime:       until,
			Limit:         queryLimit,
			Offset:        queryOffset,
		})
		if err != nil {
			return fmt.Errorf("query failed: %w", err)
		}

		if queryJSON {
			return printJSON(page)
		}
		if len(page.Events) == 0 {
			fmt.Println("No matching events found.")
			return nil
		}
		for _, e := range page.Events {
			printEvent(e)
		}
		fmt.Printf("\n%d of %d events shown.", len(page.Events), page.Total)
		if page.HasMore {
			fmt.Printf(" Use --offset %d for more.", queryOffset+len(page.Events))
		}
		fmt.Println()
		return nil
	},
}

func init() {
	f := queryCmd.Flags()
	f.StringVar(&queryActor, "actor", "", "Filter by actor ID")
	f.StringVar(&queryCategory, "category", "", "Filter by category")
	f.StringVar(&querySeverity, "severity", "", "Filter by severity")
	f.StringVar(&queryAction, "action", "", "Filter by exact action")
	f.StringVar(&queryPattern, "pattern", "", "Filter by action glob, e.g. 'user.*'")
	f.StringVar(&queryResource, "resource", "", "Filter by resource")
	f.StringVar(&queryOutcome, "outcome", "", "Filter by outcome")
	f.StringVar(&querySince, "since", "", "Events at or after a duration ago (1h, 30m) or an RFC 3339 time")
	f.StringVar(&queryUntil, "until", "", "Events at or before a duration ago or an RFC 3339 time")
	f.IntVar(&queryLimit, "limit", audit.DefaultPageSize, "Maximum number of events to return")
	f.IntVar(&queryOffset, "offset", 0, "Number of matching events to skip")
	f.BoolVar(&queryJSON, "json", false, "Print the result page as JSON")
}

// parseSince accepts a duration relative to now ("90m") or an RFC 3339
// timestamp. Empty means no bound.
func parseSince(v string, now time.Time) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		if d < 0 {
			return time.Time{}, fmt.Errorf("duration %q must be positive", v)
		}
		return now.Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: use a duration like 1h or an RFC 3339 timestamp", v)
	}
	return t, nil
}

// ============================================================================
// chainaudit verify: Chain integrity
// ============================================================================

// verifyFile verifies an export file instead of the database.
var verifyFile string

var verifyCmd = &cobra.Command{
	Use:   "verify [tenant]",
	Short: "Verify hash chain integrity",
	Long: `Verify a tenant's hash chain. Each event's hash covers its content and the
previous event's hash, so any modification breaks the chain from that event
on. Exits non-zero when the chain is broken.

With --file, a JSONL or JSON export is verified offline instead:
  chainaudit export acme > acme.jsonl
  chainaudit verify --file acme.jsonl`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			res   audit.TamperResult
			label string
		)
		switch {
		case verifyFile != "":
			f, err := os.Open(verifyFile)
			if err != nil {
				return fmt.Errorf("failed to open export: %w", err)
			}
			records, err := audit.ReadRecords(f)
			f.Close()
			if err != nil {
				return err
			}
			res = audit.VerifyRecords(records)
			label = verifyFile

		case len(args) == 1:
			st, svc, err := openLocal()
			if err != nil {
				return err
			}
			defer st.Close()
			if res, err = svc.Verify(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("verification failed: %w", err)
			}
			label = "tenant " + args[0]

		default:
			return errors.New("give a tenant or --file")
		}

		return reportVerify(label, res)
	},
}

func init() {
	verifyCmd.Flags().StringVar(&verifyFile, "file", "", "Verify a JSONL or JSON export file instead of the database")
}

// errChainBroken makes verify exit non-zero after the report is printed.
var errChainBroken = errors.New("audit chain integrity violation detected")

func reportVerify(label string, res audit.TamperResult) error {
	if res.Intact {
		fmt.Printf("[chainaudit] Hash chain VALID for %s (%d events verified)\n", label, res.EventsChecked)
		return nil
	}
	fmt.Printf("[chainaudit] Hash chain BROKEN for %s", label)
	if res.FirstBrokenIndex != nil {
		fmt.Printf(" at event #%d", *res.FirstBrokenIndex)
	}
	fmt.Println()
	fmt.Printf("  Reason:        %s\n", res.Reason)
	if res.ExpectedHash != "" {
		fmt.Printf("  Expected hash: %s\n", res.ExpectedHash)
		fmt.Printf("  Actual hash:   %s\n", res.ActualHash)
	}
	if len(res.AffectedEvents) > 0 {
		fmt.Printf("  Affected:      %s\n", strings.Join(res.AffectedEvents, ", "))
	}
	return errChainBroken
}

// ============================================================================
// chainaudit tail: Recent events
// ============================================================================

var (
	tailFollow bool
	tailLimit  int
)

var tailCmd = &cobra.Command{
	Use:   "tail <tenant>",
	Short: "Show recent events",
	Long: `Show a tenant's most recent events, oldest first. Use -f to keep
printing events as they are recorded, including by other processes
such as a running 'chainaudit serve'.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant := args[0]
		st, svc, err := openLocal()
		if err != nil {
			return err
		}
		defer st.Close()

		ctx := cmd.Context()

		// Take the position before reading the tail so nothing recorded in
		// between is lost; anything seen twice is skipped by ID.
		seq, err := st.LastSeq(ctx)
		if err != nil {
			return err
		}
		page, err := svc.Search(ctx, audit.Filter{TenantID: tenant, Limit: tailLimit})
		if err != nil {
			return err
		}
		shown := make(map[string]bool, len(page.Events))
		for i := len(page.Events) - 1; i >= 0; i-- {
			printEvent(page.Events[i])
			shown[page.Events[i].ID] = true
		}

		if !tailFollow {
			return nil
		}

		ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return st.Follow(ctx, tenant, seq, func(rec audit.Record) error {
			if !shown[rec.Event.ID] {
				printEvent(rec.Event)
			}
			return nil
		})
	},
}

func init() {
	tailCmd.Flags().BoolVarP(&tailFollow, "follow", "f", false, "Follow new events in real time")
	tailCmd.Flags().IntVarP(&tailLimit, "limit", "n", 20, "Number of recent events to show")
}

// ============================================================================
// chainaudit export: Export a chain
// ============================================================================

var exportFormat string

var exportCmd = &cobra.Command{
	Use:   "export <tenant>",
	Short: "Export a tenant's chain",
	Long: `Export a tenant's full chain to stdout in chain order.
Supported formats: jsonl, json, csv. The JSON formats include hashes
and can be checked later with 'chainaudit verify --file'.

Example:
  chainaudit export acme --format csv > acme.csv`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, svc, err := openLocal()
		if err != nil {
			return err
		}
		defer st.Close()

		// Buffer so a failed export never leaves half a file on stdout.
		var buf bytes.Buffer
		if err := svc.Export(cmd.Context(), &buf, args[0], exportFormat); err != nil {
			return err
		}
		_, err = os.Stdout.Write(buf.Bytes())
		return err
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFormat, "format", audit.FormatJSONL, "Export format: jsonl, json, csv")
}

// ============================================================================
// Output helpers
// ============================================================================

// printEvent prints one event as a single terminal line.
func printEvent(e audit.Event) {
	outcome := string(e.Outcome)
	if e.Outcome == audit.OutcomeFailure {
		outcome = "FAILURE"
	}
	fmt.Printf("[%s] %-8s actor=%s:%-10s action=%-20s outcome=%-7s category=%s",
		audit.FormatTimestamp(e.Timestamp), e.Severity, e.Actor.Type, e.Actor.ID, e.Action, outcome, e.Category)
	if e.Resource != "" {
		fmt.Printf(" resource=%s", e.Resource)
	}
	fmt.Printf(" id=%s\n", e.ID)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
