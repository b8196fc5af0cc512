package harness

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/habitsync/internal/document"
	"github.com/roach88/habitsync/internal/onboarding"
)

// Scenario describes one launch of the app.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Config overrides the harness budgets. Zero fields keep the harness
	// defaults, which are much shorter than production ones.
	Config GateConfig `yaml:"config,omitempty"`

	// Local is the credential stored on the device. Nil means none.
	Local *LocalSetup `yaml:"local,omitempty"`

	// Auth lists provider events in delivery order. Events with After of
	// zero are already known when the engine subscribes.
	Auth []AuthEvent `yaml:"auth,omitempty"`

	// Document seeds users/{uid} for every uid the scenario mentions.
	// Nil means the profile does not exist.
	Document map[string]any `yaml:"document,omitempty"`

	// Gets and Updates script the store's next calls, one step per call.
	Gets    []StoreStep `yaml:"gets,omitempty"`
	Updates []StoreStep `yaml:"updates,omitempty"`

	// Writes are queued after bootstrap and flushed once.
	Writes []WriteStep `yaml:"writes,omitempty"`

	// FailCommits makes every batch commit fail with the named error.
	FailCommits string `yaml:"fail_commits,omitempty"`

	// SessionToken fixes the session token. Defaults to
	// "test-session-default".
	SessionToken string `yaml:"session_token,omitempty"`

	Expect Expect `yaml:"expect"`
}

// GateConfig holds the time budgets for a scenario.
type GateConfig struct {
	AttemptTimeout Duration `yaml:"attempt_timeout,omitempty"`
	RetryDelay     Duration `yaml:"retry_delay,omitempty"`
	MaxAttempts    int      `yaml:"max_attempts,omitempty"`
	Ceiling        Duration `yaml:"ceiling,omitempty"`
}

// LocalSetup is the device's stored credential.
type LocalSetup struct {
	UID   string `yaml:"uid,omitempty"`
	Email string `yaml:"email,omitempty"`
	// Fail makes every local read return an error.
	Fail bool `yaml:"fail,omitempty"`
}

// AuthEvent is one auth provider push.
type AuthEvent struct {
	After     Duration `yaml:"after,omitempty"`
	UID       string   `yaml:"uid,omitempty"`
	Email     string   `yaml:"email,omitempty"`
	SignedOut bool     `yaml:"signed_out,omitempty"`
}

// StoreStep scripts one store call. Error is one of the ErrorKind values.
type StoreStep struct {
	Delay Duration `yaml:"delay,omitempty"`
	Error string   `yaml:"error,omitempty"`
}

// WriteStep is one profile update queued after bootstrap.
type WriteStep struct {
	UID    string         `yaml:"uid"`
	Fields map[string]any `yaml:"fields"`
}

// Expect holds the checks applied to a Result. Unset fields are not
// checked.
type Expect struct {
	Landing       string         `yaml:"landing"`
	State         string         `yaml:"state,omitempty"`
	Attempts      *int           `yaml:"attempts,omitempty"`
	Corrected     *bool          `yaml:"corrected,omitempty"`
	CeilingHit    *bool          `yaml:"ceiling_hit,omitempty"`
	FinalIdentity string         `yaml:"final_identity,omitempty"`
	Reads         *int64         `yaml:"reads,omitempty"`
	Writes        *int64         `yaml:"writes,omitempty"`
	TraceContains []string       `yaml:"trace_contains,omitempty"`
	Document      map[string]any `yaml:"document,omitempty"`
	Flush         *ExpectFlush   `yaml:"flush,omitempty"`
}

// ExpectFlush checks the post-bootstrap flush.
type ExpectFlush struct {
	Batched    int `yaml:"batched"`
	Individual int `yaml:"individual"`
	Dropped    int `yaml:"dropped"`
}

// Error kinds accepted in StoreStep.Error and Scenario.FailCommits.
const (
	ErrorUnavailable      = "unavailable"
	ErrorPermissionDenied = "permission-denied"
	ErrorGeneric          = "error"
)

// Duration is a time.Duration written as a Go duration string in YAML.
type Duration time.Duration

// UnmarshalYAML parses "150ms", "2s" and the like.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML renders the duration string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the time.Duration value.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if s.Config.MaxAttempts < 0 {
		return fmt.Errorf("config.max_attempts must be non-negative")
	}
	if s.Config.AttemptTimeout < 0 || s.Config.RetryDelay < 0 || s.Config.Ceiling < 0 {
		return fmt.Errorf("config durations must be non-negative")
	}

	if s.Local != nil && !s.Local.Fail && s.Local.UID == "" {
		return fmt.Errorf("local: uid is required unless fail is set")
	}

	var last Duration
	for i, ev := range s.Auth {
		if ev.SignedOut && ev.UID != "" {
			return fmt.Errorf("auth[%d]: uid and signed_out are mutually exclusive", i)
		}
		if !ev.SignedOut && ev.UID == "" {
			return fmt.Errorf("auth[%d]: uid or signed_out is required", i)
		}
		if ev.After < last {
			return fmt.Errorf("auth[%d]: events must be in delivery order", i)
		}
		last = ev.After
	}

	for i, step := range s.Gets {
		if err := validateErrorKind(step.Error); err != nil {
			return fmt.Errorf("gets[%d]: %w", i, err)
		}
	}
	for i, step := range s.Updates {
		if err := validateErrorKind(step.Error); err != nil {
			return fmt.Errorf("updates[%d]: %w", i, err)
		}
	}
	if err := validateErrorKind(s.FailCommits); err != nil {
		return fmt.Errorf("fail_commits: %w", err)
	}

	for i, w := range s.Writes {
		if err := document.UserRef(w.UID).Validate(); err != nil {
			return fmt.Errorf("writes[%d]: %w", i, err)
		}
		if len(w.Fields) == 0 {
			return fmt.Errorf("writes[%d]: fields are required", i)
		}
	}

	if s.Expect.Landing == "" {
		return fmt.Errorf("expect.landing is required")
	}
	if _, err := onboarding.ParseLanding(s.Expect.Landing); err != nil {
		return fmt.Errorf("expect.landing: %w", err)
	}
	if s.Expect.Flush != nil && len(s.Writes) == 0 {
		return fmt.Errorf("expect.flush requires writes")
	}
	return nil
}

func validateErrorKind(kind string) error {
	switch kind {
	case "", ErrorUnavailable, ErrorPermissionDenied, ErrorGeneric:
		return nil
	default:
		return fmt.Errorf("unknown error kind %q", kind)
	}
}
