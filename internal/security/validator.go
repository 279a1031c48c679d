package security

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/shlex"
)

// ValidationOutcome is the result of validating one command string.
// Produced fresh per call; outcomes are never cached because the same
// command may be safe in one workspace and not in another.
type ValidationOutcome struct {
	IsSafe           bool
	Risk             RiskLevel
	BlockedReason    string
	SanitizedCommand string
	Warnings         []string
}

// Stats is a snapshot of validator counters for the external
// observability collaborator. The validator never exports these itself.
type Stats struct {
	TotalValidations int64   `json:"total_validations"`
	BlockedCount     int64   `json:"blocked_count"`
	BlockRatePercent float64 `json:"block_rate_percent"`
	SecurityLevel    string  `json:"security_level"`
	WhitelistSize    int     `json:"whitelist_size"`
}

// Validator sanitizes, classifies, and either blocks or approves a
// candidate command string. It holds no per-call state and is safe for
// concurrent use; the whitelist is the only mutable field and is
// guarded by its own mutex.
type Validator struct {
	level    Level
	patterns []RiskPattern
	logger   *slog.Logger

	mu        sync.RWMutex
	whitelist map[string]struct{}

	totalValidations atomic.Int64
	blockedCount     atomic.Int64
}

// NewValidator creates a Validator with the built-in risk-pattern
// catalog and the whitelist for the given security level.
func NewValidator(level Level, logger *slog.Logger) *Validator {
	return NewValidatorWithPatterns(level, defaultRiskPatterns, logger)
}

// NewValidatorWithPatterns creates a Validator with a caller-supplied
// pattern catalog. The slice is not copied; callers must not mutate it
// after construction.
func NewValidatorWithPatterns(level Level, patterns []RiskPattern, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		level:     level,
		patterns:  patterns,
		logger:    logger,
		whitelist: whitelistFor(level),
	}
}

// executableNameRE is the character set allowed in a bare executable name.
var executableNameRE = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// Structural risk heuristics (step 4 of the pipeline). Each signal is
// independent and appends one warning.
var (
	pipeDestructiveRE = regexp.MustCompile(`(?i)\|[^|]*\b(rm|dd|mkfs)\b`)
	appendSystemRE    = regexp.MustCompile(`>>\s*/(etc|usr|boot|var|root)/`)
	listenerToolRE    = regexp.MustCompile(`(?i)\b(nc|ncat|netcat|socat)\b`)
	rootWildcardRE    = regexp.MustCompile(`(^|\s)/[^\s]*\*`)
)

// Validate runs the full pipeline on a raw command string. It never
// returns an error: malformed input is itself a validation failure.
//
// Pipeline order matters. The danger-pattern scan runs before the
// whitelist check so a destructive invocation of a whitelisted binary
// (rm -rf /) is still blocked.
func (v *Validator) Validate(command string) ValidationOutcome {
	v.totalValidations.Add(1)

	// 1. Sanitize.
	sanitized := Sanitize(command)
	if sanitized == "" {
		return v.blocked(RiskHigh, "empty after sanitization", sanitized)
	}

	var warnings []string
	risk := RiskLow

	// 2. Danger-pattern scan. Catalog order, first match wins.
	for _, p := range v.patterns {
		if !p.Pattern.MatchString(sanitized) {
			continue
		}
		if p.Risk >= RiskHigh {
			return v.blocked(p.Risk, p.Reason, sanitized)
		}
		warnings = append(warnings, "risky pattern: "+p.Reason)
		if p.Risk > risk {
			risk = p.Risk
		}
		break
	}

	// 3. Whitelist check on the bare executable name. Only the first
	// command segment is tokenized: an unquoted chaining or pipe
	// operator glued to the executable (ls;cat) must not corrupt the
	// name check; chaining itself is reported by the heuristics below.
	fields, err := shlex.Split(firstCommandSegment(sanitized))
	if err != nil || len(fields) == 0 {
		return v.blocked(RiskHigh, "unparseable command quoting", sanitized)
	}
	exe := filepath.Clean(fields[0])
	if strings.Contains(exe, "..") {
		return v.blocked(RiskHigh, "path traversal in executable path", sanitized)
	}
	base := filepath.Base(exe)
	if !executableNameRE.MatchString(base) {
		return v.blocked(RiskHigh, "executable name contains invalid characters", sanitized)
	}
	if !v.isWhitelisted(base) {
		if v.level == LevelPermissive {
			warnings = append(warnings, fmt.Sprintf("executable %q not in whitelist", base))
		} else {
			return v.blocked(RiskHigh, fmt.Sprintf("executable not in whitelist: %s", base), sanitized)
		}
	}

	// 4. Structural heuristics. Independent of the whitelist result;
	// each signal present appends one warning.
	if pipeDestructiveRE.MatchString(sanitized) {
		warnings = append(warnings, "pipe combined with a destructive command")
	}
	if appendSystemRE.MatchString(sanitized) {
		warnings = append(warnings, "append redirection into a system configuration path")
	}
	if hasBackgroundOperator(sanitized) && listenerToolRE.MatchString(sanitized) {
		warnings = append(warnings, "background execution of a network listener tool")
	}
	if strings.Contains(sanitized, ";") || strings.Contains(sanitized, "&&") || strings.Contains(sanitized, "||") {
		warnings = append(warnings, "command chaining")
	}
	if rootWildcardRE.MatchString(sanitized) {
		warnings = append(warnings, "wildcard expansion on an absolute path")
	}

	// 5. Final risk scoring.
	if len(warnings) > 2 && risk < RiskMedium {
		risk = RiskMedium
	}

	return ValidationOutcome{
		IsSafe:           true,
		Risk:             risk,
		SanitizedCommand: sanitized,
		Warnings:         warnings,
	}
}

// blocked builds a failed outcome and bumps the blocked counter.
func (v *Validator) blocked(risk RiskLevel, reason, sanitized string) ValidationOutcome {
	v.blockedCount.Add(1)
	v.logger.Warn("command blocked",
		slog.String("reason", reason),
		slog.String("risk", risk.String()),
		slog.String("level", string(v.level)),
	)
	return ValidationOutcome{
		IsSafe:           false,
		Risk:             risk,
		BlockedReason:    reason,
		SanitizedCommand: sanitized,
	}
}

func (v *Validator) isWhitelisted(name string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.whitelist[name]
	return ok
}

// AddWhitelistCommand adds an executable name to the whitelist at
// runtime. Names with characters outside the executable character set
// are rejected.
func (v *Validator) AddWhitelistCommand(name string) error {
	if !executableNameRE.MatchString(name) {
		return fmt.Errorf("invalid executable name: %q", name)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.whitelist[name] = struct{}{}
	return nil
}

// Level returns the security level fixed at construction.
func (v *Validator) Level() Level { return v.level }

// Stats returns a snapshot of validation counters.
func (v *Validator) Stats() Stats {
	total := v.totalValidations.Load()
	blocked := v.blockedCount.Load()
	rate := 0.0
	if total > 0 {
		rate = float64(blocked) / float64(total) * 100
	}
	v.mu.RLock()
	size := len(v.whitelist)
	v.mu.RUnlock()
	return Stats{
		TotalValidations: total,
		BlockedCount:     blocked,
		BlockRatePercent: rate,
		SecurityLevel:    string(v.level),
		WhitelistSize:    size,
	}
}

// Sanitize normalizes a raw command string: control bytes below 0x20
// (except tab and newline) are stripped, an unquoted trailing "#"
// comment is removed, and runs of whitespace collapse to a single
// space. Sanitizing an already-sanitized string returns it unchanged.
func Sanitize(command string) string {
	// Strip control characters.
	var b strings.Builder
	b.Grow(len(command))
	for _, r := range command {
		if r < 0x20 && r != '\t' && r != '\n' {
			continue
		}
		b.WriteRune(r)
	}
	s := stripComment(b.String())

	// Collapse runs of whitespace.
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n'
	})
	return strings.Join(fields, " ")
}

// stripComment truncates the string at the first '#' that is outside
// single or double quotes and not glued to a preceding word (so
// "CFLAGS=-D#..." style tokens survive but trailing comments do not).
func stripComment(s string) string {
	inSingle, inDouble := false, false
	for i, r := range s {
		switch {
		case r == '\'' && !inDouble:
			inSingle = !inSingle
		case r == '"' && !inSingle:
			inDouble = !inDouble
		case r == '#' && !inSingle && !inDouble:
			if i == 0 || s[i-1] == ' ' || s[i-1] == '\t' {
				return s[:i]
			}
		}
	}
	return s
}

// firstCommandSegment returns the prefix of the command up to the
// first ';', '&', or '|' that is outside single or double quotes. A
// quoted operator stays part of the token it appears in.
func firstCommandSegment(s string) string {
	inSingle, inDouble := false, false
	for i, r := range s {
		switch {
		case r == '\'' && !inDouble:
			inSingle = !inSingle
		case r == '"' && !inSingle:
			inDouble = !inDouble
		case (r == ';' || r == '&' || r == '|') && !inSingle && !inDouble:
			return s[:i]
		}
	}
	return s
}

// hasBackgroundOperator reports whether the command contains a bare
// "&" (background execution), ignoring "&&" chains.
func hasBackgroundOperator(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] != '&' {
			continue
		}
		prevAmp := i > 0 && s[i-1] == '&'
		nextAmp := i+1 < len(s) && s[i+1] == '&'
		if !prevAmp && !nextAmp {
			return true
		}
	}
	return false
}
