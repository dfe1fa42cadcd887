package memory

import (
	"fmt"
	"strings"
)

// CorruptPolicy decides what loading a malformed snapshot does.
type CorruptPolicy int

const (
	// CorruptFail rejects the load with core.ErrCorruptState.
	CorruptFail CorruptPolicy = iota
	// CorruptReset logs a warning and starts the conversation empty.
	CorruptReset
)

// String returns the config spelling of the policy.
func (p CorruptPolicy) String() string {
	switch p {
	case CorruptReset:
		return "reset"
	default:
		return "fail"
	}
}

// ParseCorruptPolicy parses "fail" or "reset".
func ParseCorruptPolicy(s string) (CorruptPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fail":
		return CorruptFail, nil
	case "reset":
		return CorruptReset, nil
	default:
		return CorruptFail, fmt.Errorf("unknown corrupt policy %q (want fail or reset)", s)
	}
}

// Config holds memory configuration.
type Config struct {
	// TokenLimit is the short-term buffer budget.
	// Default: 2000
	TokenLimit int

	// K is the number of long-term memories surfaced per query. It is also
	// the number of most recent documents always considered and the number
	// of nearest neighbours requested from the index.
	// Default: 3
	K int

	// DecayRate is the per-hour forgetting factor in (0, 1).
	// Smaller values forget more slowly.
	// Default: 0.01
	DecayRate float64

	// DefaultSalience is the baseline relevance given to the most recent
	// documents that were not returned by the index.
	// Default: 0
	DefaultSalience float64

	// MinSimilarity drops index hits below this similarity. Zero disables
	// the threshold.
	// Default: 0
	MinSimilarity float64

	// MaxFormattedLength caps the characters spent on memories in the prompt.
	// Default: 2000
	MaxFormattedLength int

	// CorruptPolicy controls loading of malformed snapshots.
	// Default: CorruptFail
	CorruptPolicy CorruptPolicy
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		TokenLimit:         DefaultTokenLimit,
		K:                  3,
		DecayRate:          0.01,
		DefaultSalience:    0,
		MinSimilarity:      0,
		MaxFormattedLength: 2000,
		CorruptPolicy:      CorruptFail,
	}
}

// Validate reports configuration values outside their domain.
func (c *Config) Validate() error {
	if c.TokenLimit <= 0 {
		return fmt.Errorf("memory: token limit must be positive, got %d", c.TokenLimit)
	}
	if c.K <= 0 {
		return fmt.Errorf("memory: k must be positive, got %d", c.K)
	}
	if c.DecayRate <= 0 || c.DecayRate >= 1 {
		return fmt.Errorf("memory: decay rate must be in (0, 1), got %g", c.DecayRate)
	}
	return nil
}
