// Package hwid derives a stable hardware fingerprint from platform identifiers.
//
// Sources are probed in reliability order. The hostname is only used when no
// reliable source answers, and a random value is used (and flagged) when
// nothing answers at all.
package hwid

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/dlnk/licensecore/internal/crypto"
)

// ShortLen is the length of the legacy short fingerprint.
const ShortLen = 16

// Component is one identifier contributing to the fingerprint.
type Component struct {
	Name     string
	Value    string
	Reliable bool
}

// Identity is the collected fingerprint of this machine.
type Identity struct {
	Fingerprint string // 64 lowercase hex
	Short       string // 16 uppercase hex, legacy matching only
	Components  []Component
	Reliable    bool // false when only fallbacks produced values
}

// Source probes one identifier.
type Source struct {
	Name     string
	Reliable bool
	Probe    func() (string, error)
}

var errEmpty = errors.New("empty value")

// Collector gathers and caches the machine identity.
type Collector struct {
	sources  []Source
	fallback []Source
	log      *zap.Logger

	group  singleflight.Group
	mu     sync.RWMutex
	cached *Identity
}

// Option configures a Collector.
type Option func(*Collector)

// WithSources replaces the platform probes.
func WithSources(reliable ...Source) Option {
	return func(c *Collector) { c.sources = reliable }
}

// WithFallback replaces the unreliable probes used when no reliable source answers.
func WithFallback(fallback ...Source) Option {
	return func(c *Collector) { c.fallback = fallback }
}

// WithLogger sets the logger used for probe diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(c *Collector) { c.log = l }
}

// New returns a collector probing the current platform.
func New(opts ...Option) *Collector {
	c := &Collector{
		sources:  append(platformSources(), macSource()),
		fallback: []Source{hostnameSource()},
		log:      zap.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Identity returns the cached identity, collecting it once if needed.
// Concurrent first callers share a single collection.
func (c *Collector) Identity() (Identity, error) {
	c.mu.RLock()
	if c.cached != nil {
		id := *c.cached
		c.mu.RUnlock()
		return id, nil
	}
	c.mu.RUnlock()

	v, err, _ := c.group.Do("identity", func() (any, error) {
		id, err := c.collect()
		if err != nil {
			return Identity{}, err
		}
		c.mu.Lock()
		c.cached = &id
		c.mu.Unlock()
		return id, nil
	})
	if err != nil {
		return Identity{}, err
	}
	return v.(Identity), nil
}

// Collect returns the ordered components of the current identity.
func (c *Collector) Collect() ([]Component, error) {
	id, err := c.Identity()
	if err != nil {
		return nil, err
	}
	return id.Components, nil
}

// Fingerprint returns the 64-char lowercase hex fingerprint.
func (c *Collector) Fingerprint() (string, error) {
	id, err := c.Identity()
	return id.Fingerprint, err
}

// ShortFingerprint returns the 16-char uppercase legacy fingerprint.
func (c *Collector) ShortFingerprint() (string, error) {
	id, err := c.Identity()
	return id.Short, err
}

// ClearCache forces the next call to collect again.
func (c *Collector) ClearCache() {
	c.mu.Lock()
	c.cached = nil
	c.mu.Unlock()
}

func (c *Collector) collect() (Identity, error) {
	comps := c.probe(c.sources)
	if len(comps) == 0 {
		c.log.Warn("hwid: no reliable source answered, using fallback")
		comps = c.probe(c.fallback)
	}
	if len(comps) == 0 {
		c.log.Warn("hwid: every source failed, using random identity")
		r, err := crypto.RandomToken(32)
		if err != nil {
			return Identity{}, err
		}
		comps = []Component{{Name: "random", Value: r}}
	}

	reliable := false
	for _, cp := range comps {
		reliable = reliable || cp.Reliable
	}
	fp := Compute(comps)
	return Identity{Fingerprint: fp, Short: Short(fp), Components: comps, Reliable: reliable}, nil
}

func (c *Collector) probe(sources []Source) []Component {
	var out []Component
	for _, s := range sources {
		v, err := s.Probe()
		if err == nil {
			v = normalize(v)
			if v == "" {
				err = errEmpty
			}
		}
		if err != nil {
			c.log.Debug("hwid: source failed", zap.String("source", s.Name), zap.Error(err))
			continue
		}
		out = append(out, Component{Name: s.Name, Value: v, Reliable: s.Reliable})
	}
	return out
}

// junk lists placeholder values firmware vendors ship instead of real identifiers.
var junk = map[string]bool{
	"":                                     true,
	"0":                                    true,
	"none":                                 true,
	"default string":                       true,
	"to be filled by o.e.m.":               true,
	"not applicable":                       true,
	"system serial number":                 true,
	"00000000-0000-0000-0000-000000000000": true,
	"ffffffff-ffff-ffff-ffff-ffffffffffff": true,
}

func normalize(v string) string {
	v = strings.TrimSpace(strings.Trim(v, "\x00"))
	if junk[strings.ToLower(v)] {
		return ""
	}
	return v
}

// Compute hashes components into a fingerprint. Order of the input does not matter.
func Compute(comps []Component) string {
	lines := make([]string, 0, len(comps))
	for _, cp := range comps {
		lines = append(lines, cp.Name+"="+cp.Value)
	}
	sort.Strings(lines)
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:])
}

// Short returns the legacy form of a full fingerprint.
func Short(fp string) string {
	if len(fp) < ShortLen {
		return strings.ToUpper(fp)
	}
	return strings.ToUpper(fp[:ShortLen])
}

// Matches reports whether a stored binding accepts the current fingerprint.
// A 16-char stored value is a legacy binding and matches by prefix.
func Matches(stored, current string) bool {
	if stored == "" || current == "" {
		return false
	}
	if stored == current {
		return true
	}
	return len(stored) == ShortLen && len(current) > ShortLen && stored == Short(current)
}
