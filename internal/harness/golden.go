package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/habitsync/internal/document"
)

// TraceSnapshot is the golden-file view of a scenario run.
type TraceSnapshot struct {
	ScenarioName string
	Result       *Result
}

// toCanonicalMap converts the snapshot to a map[string]any for canonical
// JSON serialization.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	r := s.Result
	d := r.Decision

	trace := make([]any, len(d.Trace))
	for i, step := range d.Trace {
		trace[i] = step
	}

	out := map[string]any{
		"scenario":       s.ScenarioName,
		"session":        r.Session,
		"landing":        d.Landing.String(),
		"state":          string(d.State),
		"attempts":       d.Attempts,
		"corrected":      d.Corrected,
		"ceiling_hit":    d.CeilingHit,
		"final_identity": r.FinalIdentity,
		"cost": map[string]any{
			"reads":  r.Cost.Reads,
			"writes": r.Cost.Writes,
		},
		"trace": trace,
	}
	if r.Flush != nil {
		out["flush"] = map[string]any{
			"batched":    r.Flush.Batched,
			"individual": r.Flush.Individual,
			"dropped":    r.Flush.Dropped,
		}
	}
	return out
}

// MarshalSnapshot renders the snapshot as canonical JSON plus a trailing
// newline.
func MarshalSnapshot(name string, result *Result) ([]byte, error) {
	snap := TraceSnapshot{ScenarioName: name, Result: result}
	data, err := document.MarshalCanonical(snap.toCanonicalMap())
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// RunWithGolden executes a scenario and compares its snapshot against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario)
	if err != nil {
		return nil, err
	}
	return result, AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares an existing result against its golden file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := MarshalSnapshot(scenarioName, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}
