// Package safety decides whether a categorized side-effectful action may
// proceed. The gate is a pure function of (config, category); confirmation
// itself is the caller's problem.
package safety

// Decision is the gate verdict for one action category.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionAsk   Decision = "ask"
	DecisionDeny  Decision = "deny"
)

// Well-known action categories.
const (
	CategoryFileWrite     = "file_write"
	CategorySystemCommand = "system_command"
	CategoryGitOperations = "git_operations"
	CategoryNotification  = "notification"
)

// Config controls the gate. ConfirmationRequired maps category names to
// whether they need operator confirmation before running.
type Config struct {
	Enabled              bool            `yaml:"enabled"`
	ConfirmationRequired map[string]bool `yaml:"confirmation_required"`
}

// Verdict carries the decision plus a human-readable reason.
type Verdict struct {
	Decision Decision
	Reason   string
}

// Gate evaluates action categories against a fixed config. No I/O.
type Gate struct {
	cfg Config
}

// NewGate creates a gate with the given config.
func NewGate(cfg Config) *Gate {
	return &Gate{cfg: cfg}
}

// Check returns the verdict for one action category.
func (g *Gate) Check(category string) Verdict {
	if !g.cfg.Enabled {
		return Verdict{Decision: DecisionAllow, Reason: "safety gate disabled"}
	}
	if g.cfg.ConfirmationRequired[category] {
		return Verdict{Decision: DecisionAsk, Reason: "confirmation required for " + category}
	}
	return Verdict{Decision: DecisionAllow, Reason: "no confirmation configured for " + category}
}

// Enabled reports whether the gate is active.
func (g *Gate) Enabled() bool {
	return g.cfg.Enabled
}
