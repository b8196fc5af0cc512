package harness

import (
	"github.com/roach88/habitsync/internal/costmeter"
	"github.com/roach88/habitsync/internal/engine"
	"github.com/roach88/habitsync/internal/onboarding"
)

// Result is the outcome of one scenario run.
type Result struct {
	// Pass is true when every expectation matched.
	Pass bool `json:"pass"`

	Decision onboarding.Decision `json:"decision"`
	Session  string              `json:"session"`

	// FinalIdentity is the resolver's identity after every scripted auth
	// event has been delivered.
	FinalIdentity string `json:"finalIdentity"`

	Cost costmeter.Snapshot `json:"cost"`

	// Flush is set when the scenario queued writes.
	Flush *engine.FlushResult `json:"flush,omitempty"`

	// Document is the final profile of the final identity, nil when it
	// does not exist.
	Document map[string]any `json:"document,omitempty"`

	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{Pass: true, Errors: []string{}}
}

// AddError records a failed expectation and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
