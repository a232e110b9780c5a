// Package config parses the flat boot-token string that decides whether
// the guard allocator is active at all, and if so which zones it
// watches and how it behaves on free. It plays the role the kernel's
// boot-argument parser collaborator plays for the original allocator
// (§6, §4.1): a single pass over a comma-separated token list produces
// an immutable Config consumed by every other package.
package config

import (
	"os"
	"strconv"
	"strings"
)

// BootargsEnv is read by ParseEnv when no token string is supplied
// programmatically, standing in for the kernel's compiled-in boot
// argument blob.
const BootargsEnv = "GZALLOC_BOOTARGS"

// Layout selects which side of the element the guard page sits on.
type Layout int

const (
	// Overflow places the guard page after the element, trapping
	// writes past the end of the buffer. This is the default.
	Overflow Layout = iota
	// Underflow places the guard page before the element, trapping
	// writes before the start of the buffer.
	Underflow
)

// Protection selects how a freed range is kept reachable-but-trapped
// while it sits in the free cache.
type Protection int

const (
	// ProtNone sets the range to PROT_NONE; it stays mapped (and keeps
	// its arena entry) but any access faults.
	ProtNone Protection = iota
	// ProtReadOnly (the `wp` token) keeps the range mapped read-only;
	// reads succeed but writes fault, which preserves the header for
	// diagnostics at the cost of making use-after-read invisible.
	ProtReadOnly
)

// Phase distinguishes the pre-VM bootstrap path from the steady-state
// path in which the real VA arena exists (§4.8, §9 Design Notes: "the
// early-boot allocation path... modeled as a first-class lifecycle
// state"). A host with no concept of VM bring-up can simply leave the
// engine in PhasePostVM forever.
type Phase int32

const (
	PhasePreVM Phase = iota
	PhasePostVM
)

// defaultMin/defaultMax are installed by the bare `enable` token, per
// §4.1.
const (
	defaultMin = 1024
	defaultMax = 1<<63 - 1
)

// defaultFCSize is gzfc_size's default capacity (§3, Free cache ring).
const defaultFCSize = 1536

// defaultZScale is the default multiplier of the VA arena over its
// parent zone map (§4.3).
const defaultZScale = 4

// Config is the frozen result of parsing a boot-token string. Every
// other package receives a Config by value; none of them mutate it.
type Config struct {
	Enabled bool

	Min, Max int
	sizeSet  bool
	size     int
	Named    string

	FCSize int

	ProtOnFree Protection
	Layout     Layout

	Consistency     bool
	DoubleFreeCheck bool

	ZScale int
}

// disabled is the zero-cost, all-off configuration returned whenever
// parsing yields no `enable`-family token, or an explicit `disable`
// token is present.
var disabled = Config{
	Consistency:     true,
	DoubleFreeCheck: true,
	FCSize:          defaultFCSize,
	ZScale:          defaultZScale,
	Min:             defaultMin,
	Max:             defaultMax,
}

// Default returns the disabled configuration, matching a process that
// was started with no guard-allocator boot tokens at all.
func Default() Config {
	return disabled
}

// ParseEnv parses the token string found in GZALLOC_BOOTARGS, or
// returns the disabled Config if the variable is unset — the
// programmatic equivalent of a kernel that booted without the
// corresponding command line argument.
func ParseEnv() Config {
	s, ok := os.LookupEnv(BootargsEnv)
	if !ok {
		return Default()
	}
	return Parse(s)
}

// Parse tokenizes a comma-separated boot-argument string and applies
// each recognized token in order (§4.1). Unknown tokens are ignored.
// An explicit `disable` token wins over every enabling token regardless
// of position.
func Parse(s string) Config {
	c := disabled
	sawEnable := false
	sawDisable := false
	minSet := false

	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		key, val, hasVal := strings.Cut(tok, "=")
		switch key {
		case "enable":
			sawEnable = true
		case "disable":
			sawDisable = true
		case "min":
			if n, err := strconv.Atoi(val); hasVal && err == nil {
				c.Min = n
				minSet = true
				sawEnable = true
			}
		case "max":
			if n, err := strconv.Atoi(val); hasVal && err == nil {
				c.Max = n
				if !minSet {
					c.Min = 0
				}
				sawEnable = true
			}
		case "size":
			if n, err := strconv.Atoi(val); hasVal && err == nil {
				c.sizeSet = true
				c.size = n
				sawEnable = true
			}
		case "fc_size":
			if n, err := strconv.Atoi(val); hasVal && err == nil && n >= 0 {
				c.FCSize = n
			}
		case "wp":
			c.ProtOnFree = ProtReadOnly
		case "uf_mode":
			c.Layout = Underflow
		case "no_dfree_check":
			c.DoubleFreeCheck = false
		case "noconsistency":
			c.Consistency = false
		case "zscale":
			if n, err := strconv.Atoi(val); hasVal && err == nil && n > 0 {
				c.ZScale = n
			}
		case "name":
			// a '.' in the token stands for a literal space in the
			// zone name, since boot tokens cannot themselves contain
			// whitespace.
			c.Named = strings.ReplaceAll(val, ".", " ")
			sawEnable = true
		}
	}

	if sawDisable {
		return disabled
	}
	c.Enabled = sawEnable
	if !sawEnable {
		return disabled
	}
	return c
}

// Tracked reports whether a zone of the given name and element size
// should be routed through the guard engine, per §4.1's predicate:
// name == named_zone OR min <= E <= max.
func (c Config) Tracked(name string, elemSize int) bool {
	if !c.Enabled {
		return false
	}
	if c.Named != "" && name == c.Named {
		return true
	}
	if c.sizeSet {
		return elemSize == c.size
	}
	return elemSize >= c.Min && elemSize <= c.Max
}
