// Package onboarding decides which screen a user lands on after cold start.
//
// The decision is a flat table over the user's profile document, guarded by
// two independent timeouts: each fetch attempt is raced against
// AttemptTimeout, and the whole procedure is raced against Ceiling. Any
// failure to learn the profile resolves to Dashboard for a known identity
// so the user is never stranded on a loading screen.
package onboarding

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Landing is the terminal output of bootstrap.
type Landing int

const (
	// LandingLogin is shown when nobody is signed in.
	LandingLogin Landing = iota + 1
	// LandingOnboarding is shown to a new user.
	LandingOnboarding
	// LandingDashboard is the authenticated home screen.
	LandingDashboard
)

func (l Landing) String() string {
	switch l {
	case LandingLogin:
		return "Login"
	case LandingOnboarding:
		return "Onboarding"
	case LandingDashboard:
		return "Dashboard"
	default:
		return fmt.Sprintf("Landing(%d)", int(l))
	}
}

// ParseLanding parses a landing name, case-insensitively.
func ParseLanding(s string) (Landing, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "login":
		return LandingLogin, nil
	case "onboarding":
		return LandingOnboarding, nil
	case "dashboard":
		return LandingDashboard, nil
	default:
		return 0, fmt.Errorf("unknown landing %q", s)
	}
}

// MarshalJSON renders the landing by name.
func (l Landing) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// UnmarshalYAML lets scenario files name landings.
func (l *Landing) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := ParseLanding(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}
