// Package harness replays bootstrap scenarios against in-memory fakes.
//
// A scenario describes what the device and the backend look like at
// launch: the stored credential, the auth provider's events and when they
// arrive, the profile document, and scripted store faults. Running it
// bootstraps a real engine.Engine over those fakes and reports the landing
// decision with its ordered trace.
//
// # Scenario Format
//
//	name: returning_user_with_progress
//	description: "Existing progress is corrected and lands on the dashboard"
//	config:
//	  attempt_timeout: 100ms
//	  retry_delay: 10ms
//	  max_attempts: 2
//	  ceiling: 1s
//	local:
//	  uid: u1
//	auth:
//	  - uid: u1
//	    after: 0s
//	document:
//	  onboardingCompleted: false
//	  xp: 120
//	gets:
//	  - error: unavailable
//	updates:
//	  - delay: 500ms
//	writes:
//	  - uid: u1
//	    fields: { streak: 3 }
//	expect:
//	  landing: Dashboard
//	  state: incomplete-existing-progress
//	  corrected: true
//	  document: { onboardingCompleted: true }
//
// # Determinism
//
// Timing faults are expressed as delays that are far apart relative to the
// configured budgets, session tokens come from testutil.FixedTokenGenerator,
// and the cache runs on testutil.FakeClock. The resulting decision traces
// are stable enough to compare against golden files:
//
//	go test ./internal/harness -update
package harness
