package testutil

// FixedTokenGenerator returns the same session token every time.
//
// Used by the scenario harness so traces that include the session token
// are byte-identical across runs.
//
// If token is empty, Generate() returns "test-session-default".
type FixedTokenGenerator struct {
	token string
}

// NewFixedTokenGenerator creates a generator that always yields token.
func NewFixedTokenGenerator(token string) *FixedTokenGenerator {
	if token == "" {
		token = "test-session-default"
	}
	return &FixedTokenGenerator{token: token}
}

// Generate returns the fixed token. Implements engine.TokenGenerator.
func (g *FixedTokenGenerator) Generate() string {
	return g.token
}
