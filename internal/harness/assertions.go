package harness

import (
	"fmt"
	"slices"
	"sort"

	"github.com/roach88/habitsync/internal/document"
	"github.com/roach88/habitsync/internal/onboarding"
)

// EvaluateExpectations checks result against expect and returns one
// message per mismatch.
func EvaluateExpectations(result *Result, expect *Expect) []string {
	var errs []string
	d := result.Decision

	if want, err := onboarding.ParseLanding(expect.Landing); err != nil {
		errs = append(errs, fmt.Sprintf("expect.landing: %v", err))
	} else if d.Landing != want {
		errs = append(errs, fmt.Sprintf("landing: got %s, want %s", d.Landing, want))
	}

	if expect.State != "" && string(d.State) != expect.State {
		errs = append(errs, fmt.Sprintf("state: got %q, want %q", d.State, expect.State))
	}
	if expect.Attempts != nil && d.Attempts != *expect.Attempts {
		errs = append(errs, fmt.Sprintf("attempts: got %d, want %d", d.Attempts, *expect.Attempts))
	}
	if expect.Corrected != nil && d.Corrected != *expect.Corrected {
		errs = append(errs, fmt.Sprintf("corrected: got %t, want %t", d.Corrected, *expect.Corrected))
	}
	if expect.CeilingHit != nil && d.CeilingHit != *expect.CeilingHit {
		errs = append(errs, fmt.Sprintf("ceiling_hit: got %t, want %t", d.CeilingHit, *expect.CeilingHit))
	}
	if expect.FinalIdentity != "" && result.FinalIdentity != expect.FinalIdentity {
		errs = append(errs, fmt.Sprintf("final_identity: got %q, want %q", result.FinalIdentity, expect.FinalIdentity))
	}
	if expect.Reads != nil && result.Cost.Reads != *expect.Reads {
		errs = append(errs, fmt.Sprintf("reads: got %d, want %d", result.Cost.Reads, *expect.Reads))
	}
	if expect.Writes != nil && result.Cost.Writes != *expect.Writes {
		errs = append(errs, fmt.Sprintf("writes: got %d, want %d", result.Cost.Writes, *expect.Writes))
	}

	for _, step := range expect.TraceContains {
		if !slices.Contains(d.Trace, step) {
			errs = append(errs, fmt.Sprintf("trace: missing step %q in %q", step, d.Trace))
		}
	}

	errs = append(errs, checkDocument(result.Document, expect.Document)...)

	if expect.Flush != nil {
		switch {
		case result.Flush == nil:
			errs = append(errs, "flush: no writes were flushed")
		case result.Flush.Batched != expect.Flush.Batched ||
			result.Flush.Individual != expect.Flush.Individual ||
			result.Flush.Dropped != expect.Flush.Dropped:
			errs = append(errs, fmt.Sprintf("flush: got batched=%d individual=%d dropped=%d, want batched=%d individual=%d dropped=%d",
				result.Flush.Batched, result.Flush.Individual, result.Flush.Dropped,
				expect.Flush.Batched, expect.Flush.Individual, expect.Flush.Dropped))
		}
	}
	return errs
}

// checkDocument does a subset match of want against got. Values are
// compared by their canonical JSON so 3, int64(3) and json.Number("3")
// are equal.
func checkDocument(got, want map[string]any) []string {
	if len(want) == 0 {
		return nil
	}
	if got == nil {
		return []string{"document: does not exist"}
	}

	keys := make([]string, 0, len(want))
	for k := range want {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var errs []string
	for _, k := range keys {
		gv, ok := got[k]
		if !ok {
			errs = append(errs, fmt.Sprintf("document.%s: missing", k))
			continue
		}
		if !canonicalEqual(gv, want[k]) {
			errs = append(errs, fmt.Sprintf("document.%s: got %v, want %v", k, gv, want[k]))
		}
	}
	return errs
}

func canonicalEqual(a, b any) bool {
	ab, errA := document.MarshalCanonical(a)
	bb, errB := document.MarshalCanonical(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ab) == string(bb)
}
