// Package security implements the command-validation pipeline that
// guards the sandbox: sanitization, danger-pattern scanning, whitelist
// enforcement, and structural risk heuristics. A command must clear
// every layer before it is handed to a backend.
package security

// RiskLevel classifies how dangerous a command is.
type RiskLevel int

const (
	RiskLow      RiskLevel = iota // Read-only, no side effects.
	RiskMedium                    // Writes to scoped resources.
	RiskHigh                      // System changes, blocked by the validator.
	RiskCritical                  // Destructive operations, always blocked.
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseRiskLevel converts a string to a RiskLevel.
// Unrecognized values default to RiskCritical (default-deny principle).
func ParseRiskLevel(s string) RiskLevel {
	switch s {
	case "low":
		return RiskLow
	case "medium":
		return RiskMedium
	case "high":
		return RiskHigh
	case "critical":
		return RiskCritical
	default:
		return RiskCritical
	}
}

// Level is the process-wide security posture, fixed at validator
// construction. It governs whitelist size and whether an off-whitelist
// command is blocked or merely flagged.
type Level string

const (
	// LevelStrict blocks any command whose executable is not whitelisted.
	LevelStrict Level = "strict"
	// LevelPermissive records off-whitelist executables as warnings
	// instead of blocking them. Danger patterns still block.
	LevelPermissive Level = "permissive"
	// LevelDevelopment enforces the whitelist like strict mode but with
	// a larger whitelist covering common build and test tooling.
	LevelDevelopment Level = "development"
)

// ParseLevel converts a string to a Level.
// Unrecognized values fail closed to LevelStrict.
func ParseLevel(s string) Level {
	switch Level(s) {
	case LevelStrict, LevelPermissive, LevelDevelopment:
		return Level(s)
	default:
		return LevelStrict
	}
}
