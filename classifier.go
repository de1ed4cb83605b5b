package mirage

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Classification is the result of classifying one tool call.
type Classification struct {
	Risk             RiskLevel `json:"risk"`
	Category         string    `json:"category"`
	RequiresApproval bool      `json:"requires_approval"`
	Warnings         []string  `json:"warnings,omitempty"`
	Reasoning        string    `json:"reasoning"`
	MatchedPatterns  []string  `json:"matched_patterns,omitempty"`
}

// dangerPattern is one entry of the dangerous-pattern table. A match
// escalates risk to at least Risk and refines the category.
type dangerPattern struct {
	name     string
	re       *regexp.Regexp
	category string
	risk     RiskLevel
	warning  string
}

// dangerPatterns is the safety-critical constant of the classifier. Input
// is NFKC-normalized and zero-width-stripped before matching, so fullwidth
// and ligature obfuscation collapses to the plain forms below.
var dangerPatterns = []dangerPattern{
	// Recursive destructive deletion
	{
		name:     "recursive_delete",
		re:       regexp.MustCompile(`(?i)\brm\s+(-[a-z]*r[a-z]*f|-[a-z]*f[a-z]*r|-r|-rf|--recursive)\b|\brmdir\s+/s\b|\bdel\s+/[sf]\b`),
		category: "delete",
		risk:     RiskCritical,
		warning:  "recursive or forced deletion",
	},
	{
		name:     "disk_destruction",
		re:       regexp.MustCompile(`(?i)\bmkfs(\.\w+)?\b|\bdd\s+[^,}]*of=/dev/|\bformat\s+[a-z]:`),
		category: "delete",
		risk:     RiskCritical,
		warning:  "filesystem or raw device destruction",
	},
	// Writes to system paths
	{
		name:     "system_path_write",
		re:       regexp.MustCompile(`(?i)(/etc/|/usr/(bin|sbin|lib)/|/boot/|/sbin/|/system/|c:\\\\?windows\\\\?)`),
		category: "system",
		risk:     RiskHigh,
		warning:  "touches a system path",
	},
	// Arbitrary code execution
	{
		name:     "code_execution",
		re:       regexp.MustCompile(`(?i)\b(sh|bash|zsh)\s+-c\b|\bpython3?\s+-c\b|\bnode\s+-e\b|\beval\s*\(|\bexec\s*\(|powershell\s+(-enc|-e)\b`),
		category: "system",
		risk:     RiskHigh,
		warning:  "arbitrary code execution",
	},
	{
		name:     "pipe_to_shell",
		re:       regexp.MustCompile(`(?i)\b(curl|wget)\b[^|;&]*\|\s*(sudo\s+)?(sh|bash|zsh)\b`),
		category: "system",
		risk:     RiskCritical,
		warning:  "downloads and executes remote code",
	},
	// Credential access
	{
		name:     "credential_access",
		re:       regexp.MustCompile(`(?i)(\.ssh/|id_rsa|id_ed25519|\.aws/credentials|\.netrc|/etc/shadow|\.env\b|api[_-]?key|secret[_-]?key|keychain)`),
		category: "credentials",
		risk:     RiskHigh,
		warning:  "accesses credential material",
	},
	// Shell metacharacter injection
	{
		name:     "shell_metacharacters",
		re:       regexp.MustCompile("[;&|`]|\\$\\(|\\bsudo\\b"),
		category: "system",
		risk:     RiskMedium,
		warning:  "contains shell metacharacters",
	},
}

// urlHostRe extracts hostnames for the network allowlist check.
var urlHostRe = regexp.MustCompile(`(?i)https?://([a-z0-9.-]+)`)

// classifierZeroWidth strips the invisible characters attackers use to
// split pattern substrings.
var classifierZeroWidth = strings.NewReplacer(
	"\u200b", "", "\u200c", "", "\u200d", "", "\ufeff", "", "\u2060", "", "\u00ad", "",
)

// Classifier derives a risk classification for a tool call from the tool's
// declared baseline and the dangerous-pattern table. Classify is a pure
// function of its inputs; the classifier itself only holds configuration.
// Safe for concurrent use.
type Classifier struct {
	allowedHosts map[string]bool
	extra        []dangerPattern
}

// ClassifierOption configures a Classifier.
type ClassifierOption func(*Classifier)

// AllowHosts marks hostnames as approved network destinations. Outbound
// URLs to other hosts escalate to medium risk.
func AllowHosts(hosts ...string) ClassifierOption {
	return func(c *Classifier) {
		for _, h := range hosts {
			c.allowedHosts[strings.ToLower(h)] = true
		}
	}
}

// ExtraPattern adds a custom dangerous pattern to the table.
func ExtraPattern(name string, re *regexp.Regexp, category string, risk RiskLevel, warning string) ClassifierOption {
	return func(c *Classifier) {
		c.extra = append(c.extra, dangerPattern{name: name, re: re, category: category, risk: risk, warning: warning})
	}
}

// NewClassifier creates a classifier with the built-in pattern table.
func NewClassifier(opts ...ClassifierOption) *Classifier {
	c := &Classifier{allowedHosts: make(map[string]bool)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// categoryBaseline maps a tool's declared category to a floor risk.
func categoryBaseline(category string) RiskLevel {
	switch category {
	case "delete", "system":
		return RiskHigh
	case "write":
		return RiskMedium
	case "network":
		return RiskLow
	case "read", "query", "":
		return RiskSafe
	default:
		return RiskLow
	}
}

// Classify derives the risk of calling def with input. The baseline is the
// higher of the tool's declared risk and its category floor; pattern
// matches escalate from there. RequiresApproval is true for risk above
// low.
func (c *Classifier) Classify(def ToolDefinition, input json.RawMessage) Classification {
	risk := def.Risk
	if floor := categoryBaseline(def.Category); floor > risk {
		risk = floor
	}
	out := Classification{
		Risk:      risk,
		Category:  def.Category,
		Reasoning: fmt.Sprintf("baseline %s from tool %q", risk, def.Name),
	}

	text := stringifyInput(input)
	for _, p := range dangerPatterns {
		c.applyPattern(&out, p, text)
	}
	for _, p := range c.extra {
		c.applyPattern(&out, p, text)
	}

	// Outbound network to non-allowlisted hosts.
	for _, m := range urlHostRe.FindAllStringSubmatch(text, 10) {
		host := strings.ToLower(m[1])
		if c.allowedHosts[host] {
			continue
		}
		if out.Risk < RiskMedium {
			out.Risk = RiskMedium
		}
		if out.Category == "" || out.Category == "read" {
			out.Category = "network"
		}
		out.Warnings = append(out.Warnings, "outbound network to non-allowlisted host "+host)
		out.MatchedPatterns = append(out.MatchedPatterns, "non_allowlisted_host")
	}

	out.RequiresApproval = out.Risk > RiskLow
	if len(out.MatchedPatterns) > 0 {
		out.Reasoning += fmt.Sprintf("; escalated to %s by %s", out.Risk, strings.Join(out.MatchedPatterns, ", "))
	}
	return out
}

func (c *Classifier) applyPattern(out *Classification, p dangerPattern, text string) {
	if !p.re.MatchString(text) {
		return
	}
	if p.risk > out.Risk {
		out.Risk = p.risk
		out.Category = p.category
	}
	out.Warnings = append(out.Warnings, p.warning)
	out.MatchedPatterns = append(out.MatchedPatterns, p.name)
}

// stringifyInput flattens raw JSON arguments to matchable text. The
// pre-pass strips zero-width characters and applies NFKC so fullwidth and
// ligature forms collapse before pattern matching.
func stringifyInput(input json.RawMessage) string {
	s := string(input)
	var decoded any
	if err := json.Unmarshal(input, &decoded); err == nil {
		s = flattenValue(decoded)
	}
	s = classifierZeroWidth.Replace(s)
	return norm.NFKC.String(s)
}

// flattenValue joins all string leaves of a decoded JSON value so escape
// sequences in the raw encoding can't hide a pattern.
func flattenValue(v any) string {
	var sb strings.Builder
	var walk func(any)
	walk = func(v any) {
		switch x := v.(type) {
		case string:
			sb.WriteString(x)
			sb.WriteByte(' ')
		case map[string]any:
			for _, val := range x {
				walk(val)
			}
		case []any:
			for _, val := range x {
				walk(val)
			}
		case json.Number, float64, bool:
			fmt.Fprintf(&sb, "%v ", x)
		}
	}
	walk(v)
	return sb.String()
}
