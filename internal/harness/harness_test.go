package harness

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/habitsync/internal/document"
	"github.com/roach88/habitsync/internal/onboarding"
)

func TestMain(m *testing.M) {
	// Scenarios provoke failures on purpose; their logs are noise here.
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
	os.Exit(m.Run())
}

func TestRun_AllScenariosPass(t *testing.T) {
	files, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, file := range files {
		t.Run(filepath.Base(file), func(t *testing.T) {
			s, err := LoadScenario(file)
			require.NoError(t, err)

			result, err := Run(context.Background(), s)
			require.NoError(t, err)
			assert.True(t, result.Pass, "expectation failures: %v", result.Errors)
		})
	}
}

func TestRun_RejectsInvalidScenario(t *testing.T) {
	_, err := Run(context.Background(), &Scenario{Name: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid scenario")
}

func TestRun_ReportsMismatches(t *testing.T) {
	s := &Scenario{
		Name:        "mismatch",
		Description: "expects the wrong landing",
		Auth:        []AuthEvent{{UID: "u1"}},
		Document:    map[string]any{"onboardingCompleted": true},
		Expect:      Expect{Landing: "Onboarding"},
	}

	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "landing: got Dashboard, want Onboarding")
}

func TestRun_SessionTokenOverride(t *testing.T) {
	s := &Scenario{
		Name:         "token",
		Description:  "fixed session token",
		SessionToken: "session-42",
		Expect:       Expect{Landing: "Login"},
	}

	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, "session-42", result.Session)
}

func TestRun_CorrectionPersistsFlag(t *testing.T) {
	s := &Scenario{
		Name:        "persist",
		Description: "corrective write reaches the store",
		Auth:        []AuthEvent{{UID: "u9"}},
		Document:    map[string]any{"onboardingCompleted": false, "xp": 40},
		Expect:      Expect{Landing: "Dashboard"},
	}

	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	require.True(t, result.Pass, "%v", result.Errors)

	assert.Equal(t, onboarding.LandingDashboard, result.Decision.Landing)
	assert.Equal(t, document.OnboardingIncompleteProgress, result.Decision.State)
	assert.True(t, result.Decision.Corrected)
	assert.Equal(t, true, result.Document["onboardingCompleted"])
}

func TestRun_LateAuthReplacesLocalIdentity(t *testing.T) {
	s := &Scenario{
		Name:        "late",
		Description: "provider switches the user after launch",
		Local:       &LocalSetup{UID: "u1"},
		Auth:        []AuthEvent{{UID: "u2", After: Duration(50 * time.Millisecond)}},
		Document:    map[string]any{"onboardingCompleted": true},
		Expect:      Expect{Landing: "Dashboard", FinalIdentity: "remote:u2"},
	}

	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "%v", result.Errors)
	assert.Contains(t, result.Decision.Trace, "identity: local:u1")
}

func TestEngineConfig_Defaults(t *testing.T) {
	h := newHarness(&Scenario{Name: "d", Description: "d", Expect: Expect{Landing: "Login"}})
	cfg := h.engineConfig()

	assert.Equal(t, DefaultAttemptTimeout, cfg.Gate.AttemptTimeout)
	assert.Equal(t, DefaultRetryDelay, cfg.Gate.RetryDelay)
	assert.Equal(t, DefaultMaxAttempts, cfg.Gate.MaxAttempts)
	assert.Equal(t, DefaultCeiling, cfg.Gate.Ceiling)
	assert.Equal(t, harnessDebounce, cfg.WriteDebounce)
}
