package tftp

import (
	"fmt"
	"regexp"
	"strings"
)

// WriteConfig governs whether WRQ is accepted and for which paths.
type WriteConfig struct {
	Enabled         bool
	AllowOverwrite  bool
	AllowedPatterns []string
}

// WritePolicy is WriteConfig compiled into matchable patterns. Construction
// fails (configuration error) for overly permissive patterns.
type WritePolicy struct {
	cfg      WriteConfig
	compiled []*regexp.Regexp
}

// forbiddenPatterns are rejected outright as configuration errors: each
// would admit every path under the sandbox root, defeating the allowlist.
var forbiddenPatterns = map[string]bool{
	"*":    true,
	"**":   true,
	"**/*": true,
}

// NewWritePolicy compiles cfg's allowed patterns. Returns an error if
// writes are enabled with no patterns, or any pattern is in the forbidden
// set.
func NewWritePolicy(cfg WriteConfig) (*WritePolicy, error) {
	if !cfg.Enabled {
		return &WritePolicy{cfg: cfg}, nil
	}
	if len(cfg.AllowedPatterns) == 0 {
		return nil, fmt.Errorf("tftp: write_config.enabled requires at least one allowed_patterns entry")
	}

	compiled := make([]*regexp.Regexp, 0, len(cfg.AllowedPatterns))
	for _, p := range cfg.AllowedPatterns {
		if forbiddenPatterns[p] {
			return nil, fmt.Errorf("tftp: allowed_patterns entry %q is too permissive", p)
		}
		re, err := globToRegexp(p)
		if err != nil {
			return nil, fmt.Errorf("tftp: invalid allowed_patterns entry %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}

	return &WritePolicy{cfg: cfg, compiled: compiled}, nil
}

// Enabled reports whether WRQ handling is enabled at all.
func (p *WritePolicy) Enabled() bool { return p.cfg.Enabled }

// AllowOverwrite reports whether an existing file may be overwritten.
func (p *WritePolicy) AllowOverwrite() bool { return p.cfg.AllowOverwrite }

// Allows reports whether the normalized, slash-separated path matches at
// least one configured pattern.
func (p *WritePolicy) Allows(path string) bool {
	for _, re := range p.compiled {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

// globToRegexp translates a glob pattern using '*' (within one path
// segment), '**' (across segments), and '?' into an anchored regexp.
//
// No third-party glob-matching library is available to ground this on --
// rclone's filter-glob compiler, the only glob-rule compiler in the
// retrieval pack, had its source filtered out of the pack (only its tests
// survived), so this hand-translates glob syntax into stdlib regexp rather
// than adopting a library we can't point at any retrieved source for.
func globToRegexp(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")

	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch c {
		case '*':
			if i+1 < len(runes) && runes[i+1] == '*' {
				b.WriteString(".*")
				i++
				// Swallow an immediately following slash so "**/*" style
				// prefixes don't require a literal empty segment.
				if i+1 < len(runes) && runes[i+1] == '/' {
					i++
				}
			} else {
				b.WriteString("[^/]*")
			}
		case '?':
			b.WriteString("[^/]")
		case '.', '+', '(', ')', '|', '^', '$', '{', '}', '[', ']', '\\':
			b.WriteString(regexp.QuoteMeta(string(c)))
		default:
			b.WriteRune(c)
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}
