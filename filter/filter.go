package filter

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// ErrModeConflict is returned when include and exclude patterns are mixed.
var ErrModeConflict = errors.New("include and exclude filters are mutually exclusive")

// Options captures the filtering configuration.
type Options struct {
	IncludeHeader []string
	IncludeBody   []string
	ExcludeHeader []string
	ExcludeBody   []string
}

// Active reports whether any pattern is configured.
func (o Options) Active() bool {
	return len(o.IncludeHeader)+len(o.IncludeBody)+len(o.ExcludeHeader)+len(o.ExcludeBody) > 0
}

type rule struct {
	pattern string
	re      *regexp.Regexp
}

// Filter decides which messages are converted. Matching is done on the raw
// header block and the raw (still transfer-encoded) body.
type Filter struct {
	includeMode   bool
	includeHeader []rule
	includeBody   []rule
	excludeHeader []rule
	excludeBody   []rule

	mu   sync.Mutex
	hits map[string]int
}

// Stats reports how often each configured pattern matched.
type Stats struct {
	IncludeHeaderPatterns []string
	IncludeBodyPatterns   []string
	ExcludeHeaderPatterns []string
	ExcludeBodyPatterns   []string
	Hits                  map[string]int
}

// New compiles the patterns of opts.
func New(opts Options) (*Filter, error) {
	includeHeader, err := compileRules("include-header", opts.IncludeHeader)
	if err != nil {
		return nil, err
	}
	includeBody, err := compileRules("include-body", opts.IncludeBody)
	if err != nil {
		return nil, err
	}
	excludeHeader, err := compileRules("exclude-header", opts.ExcludeHeader)
	if err != nil {
		return nil, err
	}
	excludeBody, err := compileRules("exclude-body", opts.ExcludeBody)
	if err != nil {
		return nil, err
	}

	includeActive := len(includeHeader) > 0 || len(includeBody) > 0
	excludeActive := len(excludeHeader) > 0 || len(excludeBody) > 0
	if includeActive && excludeActive {
		return nil, ErrModeConflict
	}

	return &Filter{
		includeMode:   includeActive,
		includeHeader: includeHeader,
		includeBody:   includeBody,
		excludeHeader: excludeHeader,
		excludeBody:   excludeBody,
		hits:          make(map[string]int),
	}, nil
}

// Allows returns true if the message passes the filter criteria. In include
// mode a message needs at least one match; in exclude mode any match rejects it.
func (f *Filter) Allows(header, body []byte) bool {
	if f == nil {
		return true
	}

	matched := f.match(f.includeHeader, header) + f.match(f.includeBody, body)
	if f.includeMode {
		return matched > 0
	}

	matched += f.match(f.excludeHeader, header) + f.match(f.excludeBody, body)
	return matched == 0
}

// AllowsMessage splits raw into header and body and applies Allows.
func (f *Filter) AllowsMessage(raw []byte) bool {
	header, body := SplitRawMessage(raw)
	return f.Allows(header, body)
}

// GetStats returns a copy of the per-pattern hit counters.
func (f *Filter) GetStats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()

	hits := make(map[string]int, len(f.hits))
	for k, v := range f.hits {
		hits[k] = v
	}
	return Stats{
		IncludeHeaderPatterns: patterns(f.includeHeader),
		IncludeBodyPatterns:   patterns(f.includeBody),
		ExcludeHeaderPatterns: patterns(f.excludeHeader),
		ExcludeBodyPatterns:   patterns(f.excludeBody),
		Hits:                  hits,
	}
}

func (f *Filter) match(rules []rule, text []byte) int {
	if len(rules) == 0 || len(text) == 0 {
		return 0
	}

	n := 0
	for _, r := range rules {
		if r.re.Match(text) {
			n++
			f.mu.Lock()
			f.hits[r.pattern]++
			f.mu.Unlock()
		}
	}
	return n
}

// SplitRawMessage splits a raw email message into header and body parts.
func SplitRawMessage(raw []byte) (header, body []byte) {
	if len(raw) == 0 {
		return nil, nil
	}

	if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx >= 0 {
		return raw[:idx], raw[idx+4:]
	}
	if idx := bytes.Index(raw, []byte("\n\n")); idx >= 0 {
		return raw[:idx], raw[idx+2:]
	}

	return raw, nil
}

func compileRules(kind string, list []string) ([]rule, error) {
	rules := make([]rule, 0, len(list))
	for _, pattern := range list {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile %s pattern %q: %w", kind, pattern, err)
		}
		rules = append(rules, rule{pattern: pattern, re: re})
	}
	return rules, nil
}

func patterns(rules []rule) []string {
	out := make([]string, len(rules))
	for i, r := range rules {
		out[i] = r.pattern
	}
	return out
}
