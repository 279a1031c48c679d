package security

import "regexp"

// RiskPattern is a signature matching a known destructive or malicious
// command shape. Patterns are compiled once at startup and never
// mutated afterwards.
type RiskPattern struct {
	Pattern *regexp.Regexp
	Risk    RiskLevel
	Reason  string
}

// defaultRiskPatterns is the built-in danger-pattern catalog. Patterns
// are tested in order against the sanitized command; the first match
// wins. All patterns are case-insensitive. A match with risk high or
// critical blocks the command outright, before any whitelist check, so
// a destructive invocation of a whitelisted binary is still caught.
var defaultRiskPatterns = []RiskPattern{
	// Recursive deletion of the filesystem root or the home directory.
	{
		Pattern: regexp.MustCompile(`(?i)\brm\s+(-[a-z]*\s+)*-[a-z]*r[a-z]*f?[a-z]*\s+(-[a-z]*\s+)*(/|/\*|~|\$HOME)\s*(\s|$|;)`),
		Risk:    RiskCritical,
		Reason:  "recursive deletion of filesystem root or home directory",
	},
	{
		Pattern: regexp.MustCompile(`(?i)\brm\s+(-[a-z]*\s+)*--no-preserve-root`),
		Risk:    RiskCritical,
		Reason:  "recursive deletion with root preservation disabled",
	},
	// Privilege escalation.
	{
		Pattern: regexp.MustCompile(`(?i)(^|[;&|]\s*)sudo\s`),
		Risk:    RiskCritical,
		Reason:  "privilege escalation via sudo",
	},
	{
		Pattern: regexp.MustCompile(`(?i)(^|[;&|]\s*)(su|doas)\s+(-|\w)`),
		Risk:    RiskCritical,
		Reason:  "privilege escalation via user switch",
	},
	// Raw block-device writes and filesystem creation.
	{
		Pattern: regexp.MustCompile(`(?i)\bdd\s+[^|;&]*of=/dev/(sd|hd|nvme|vd|xvd|mmcblk|loop)`),
		Risk:    RiskCritical,
		Reason:  "raw write to a block device",
	},
	{
		Pattern: regexp.MustCompile(`(?i)>\s*/dev/(sd|hd|nvme|vd|xvd|mmcblk)`),
		Risk:    RiskCritical,
		Reason:  "redirect onto a block device",
	},
	{
		Pattern: regexp.MustCompile(`(?i)\b(mkfs|fdisk|parted|gdisk|diskpart)\b`),
		Risk:    RiskCritical,
		Reason:  "disk partitioning or filesystem creation",
	},
	// Fork bombs.
	{
		Pattern: regexp.MustCompile(`:\(\)\s*\{\s*:\|:&\s*\}\s*;?\s*:`),
		Risk:    RiskCritical,
		Reason:  "fork bomb",
	},
	{
		Pattern: regexp.MustCompile(`(?i)\bwhile\s+(true|:)\s*;.*&.*\bdone\b`),
		Risk:    RiskHigh,
		Reason:  "unbounded background process loop",
	},
	// Remote-script execution piped into a shell.
	{
		Pattern: regexp.MustCompile(`(?i)\b(curl|wget|fetch)\b[^|;&]*\|\s*(ba|z|da|k)?sh\b`),
		Risk:    RiskCritical,
		Reason:  "remote-script execution piped into a shell",
	},
	{
		Pattern: regexp.MustCompile(`(?i)\b(curl|wget)\b[^|;&]*\|\s*(sudo|python3?|perl|ruby|node)\b`),
		Risk:    RiskCritical,
		Reason:  "remote payload piped into an interpreter",
	},
	// Credential and key-material access.
	{
		Pattern: regexp.MustCompile(`(?i)(/etc/(shadow|sudoers)|~?/?\.ssh/id_[a-z0-9]+|\.aws/credentials|\.netrc|\.npmrc\b[^|;&]*token)`),
		Risk:    RiskHigh,
		Reason:  "access to credential or key material",
	},
	{
		Pattern: regexp.MustCompile(`(?i)\b(cat|cp|scp|base64|xxd)\s+[^|;&]*/etc/passwd`),
		Risk:    RiskHigh,
		Reason:  "reading the system account database",
	},
	// System state changes.
	{
		Pattern: regexp.MustCompile(`(?i)\b(shutdown|reboot|halt|poweroff|init\s+[06])\b`),
		Risk:    RiskHigh,
		Reason:  "host shutdown or reboot",
	},
	{
		Pattern: regexp.MustCompile(`(?i)\b(systemctl|service)\s+(stop|disable|mask)\b`),
		Risk:    RiskHigh,
		Reason:  "disabling system services",
	},
	{
		Pattern: regexp.MustCompile(`(?i)\bchmod\s+(-[a-z]+\s+)*(777|a\+rwx)\s+/(\s|$|[a-z])`),
		Risk:    RiskHigh,
		Reason:  "world-writable permissions on a system path",
	},
	{
		Pattern: regexp.MustCompile(`(?i)\bchown\s+[^;&|]*\s+/(etc|usr|bin|sbin|var|boot)\b`),
		Risk:    RiskHigh,
		Reason:  "ownership change on a system path",
	},
	// Kernel and firewall tampering.
	{
		Pattern: regexp.MustCompile(`(?i)\b(insmod|rmmod|modprobe)\b`),
		Risk:    RiskHigh,
		Reason:  "kernel module manipulation",
	},
	{
		Pattern: regexp.MustCompile(`(?i)\b(iptables|nft|ufw)\s+(-F|flush|disable)\b`),
		Risk:    RiskHigh,
		Reason:  "firewall rule flushing",
	},
	// Reverse shells and raw listeners.
	{
		Pattern: regexp.MustCompile(`(?i)\b(nc|ncat|netcat)\s+(-[a-z]*\s+)*-[a-z]*e[a-z]*\s`),
		Risk:    RiskHigh,
		Reason:  "netcat with command execution (reverse shell)",
	},
	{
		Pattern: regexp.MustCompile(`(?i)\bbash\s+-i\s+>&\s*/dev/tcp/`),
		Risk:    RiskCritical,
		Reason:  "bash reverse shell via /dev/tcp",
	},
	// History and audit-trail tampering. Medium severity: surfaces as a
	// warning, not a block.
	{
		Pattern: regexp.MustCompile(`(?i)\bhistory\s+-c\b`),
		Risk:    RiskMedium,
		Reason:  "shell history clearing",
	},
}

// Executable whitelists by security level. Strict covers inspection and
// common developer tooling; development adds package managers and build
// toolchains. Permissive shares the strict set but off-whitelist
// executables only warn.
var (
	strictWhitelist = []string{
		"ls", "cat", "head", "tail", "grep", "egrep", "fgrep", "find",
		"wc", "sort", "uniq", "cut", "tr", "diff", "file", "stat",
		"echo", "printf", "pwd", "which", "env", "date", "basename",
		"dirname", "readlink", "touch", "mkdir", "cp", "mv", "rm",
		"ln", "tar", "gzip", "gunzip", "zip", "unzip", "sed", "awk",
		"tee", "xargs", "sleep", "true", "false", "test", "sh", "bash",
		"git", "make", "python", "python3", "node", "npm", "npx",
		"go", "gofmt", "curl", "wget", "jq",
	}
	developmentExtra = []string{
		"pip", "pip3", "poetry", "pytest", "yarn", "pnpm", "tsc",
		"cargo", "rustc", "javac", "java", "mvn", "gradle", "dotnet",
		"ruby", "gem", "bundle", "composer", "php", "docker",
		"docker-compose", "kubectl", "helm", "terraform", "rsync",
		"patch", "strip", "ld", "gcc", "g++", "clang", "cmake", "ninja",
	}
)

// whitelistFor returns the executable whitelist for a security level.
func whitelistFor(level Level) map[string]struct{} {
	names := strictWhitelist
	if level == LevelDevelopment {
		names = append(append([]string{}, strictWhitelist...), developmentExtra...)
	}
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}
