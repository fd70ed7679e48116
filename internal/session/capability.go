package session

import (
	"fmt"

	"github.com/nugget/clasp/internal/addr"
)

// Capability is a decoded token grant: the address patterns a session
// may read (subscribe/get) and write (set/publish). spec.md §4.5
// allows per-address numeric range and max-rate constraints too;
// CLASP's MVP token format carries only pattern lists — constraints
// are left to the subscription engine's own max_rate filter, which
// already serves the rate-limiting half of that requirement.
type Capability struct {
	Read  []addr.Pattern
	Write []addr.Pattern
}

// CanRead reports whether address is covered by any read pattern.
func (c Capability) CanRead(address string) bool {
	return matchesAny(c.Read, address)
}

// CanWrite reports whether address is covered by any write pattern.
func (c Capability) CanWrite(address string) bool {
	return matchesAny(c.Write, address)
}

// Intersects reports whether pattern overlaps the read set at all,
// used to reject a SUBSCRIBE whose pattern has no intersection with
// what the session may read. See addr.Overlaps for how two wildcard
// patterns are compared without enumerating concrete addresses.
func (c Capability) Intersects(pattern addr.Pattern) bool {
	for _, r := range c.Read {
		if addr.Overlaps(r, pattern) {
			return true
		}
	}
	return false
}

func matchesAny(patterns []addr.Pattern, address string) bool {
	for _, p := range patterns {
		ok, err := p.Matches(address)
		if err == nil && ok {
			return true
		}
	}
	return false
}

// TokenResolver maps an opaque capability token to its decoded grant.
// An empty token resolves to whatever the resolver's implementation
// considers the default (e.g. a local control connection with "**"
// read/write, or no access for an internet-facing listener).
type TokenResolver interface {
	Resolve(token string) (Capability, error)
}

// StaticTokens is the simplest TokenResolver: a fixed table of
// token -> (read patterns, write patterns), loaded from configuration.
type StaticTokens struct {
	tokens  map[string]Capability
	empty   Capability
	hasEmpty bool
}

// NewStaticTokens builds a StaticTokens resolver from raw pattern
// lists, compiling every pattern up front so Resolve never fails at
// request time on a malformed config entry — malformed entries are
// rejected here, at load time, instead.
func NewStaticTokens(grants map[string]struct{ Read, Write []string }) (*StaticTokens, error) {
	st := &StaticTokens{tokens: make(map[string]Capability, len(grants))}
	for token, raw := range grants {
		grant, err := compileCapability(raw.Read, raw.Write)
		if err != nil {
			return nil, fmt.Errorf("session: token %q: %w", token, err)
		}
		st.tokens[token] = grant
	}
	return st, nil
}

// SetDefault configures the capability granted to a HELLO with no
// token at all.
func (st *StaticTokens) SetDefault(read, write []string) error {
	grant, err := compileCapability(read, write)
	if err != nil {
		return err
	}
	st.empty = grant
	st.hasEmpty = true
	return nil
}

// Resolve implements TokenResolver.
func (st *StaticTokens) Resolve(token string) (Capability, error) {
	if token == "" {
		if st.hasEmpty {
			return st.empty, nil
		}
		return Capability{}, fmt.Errorf("session: no token supplied and no default capability configured")
	}
	c, ok := st.tokens[token]
	if !ok {
		return Capability{}, fmt.Errorf("session: unknown token")
	}
	return c, nil
}

func compileCapability(read, write []string) (Capability, error) {
	var c Capability
	for _, p := range read {
		cp, err := addr.Compile(p)
		if err != nil {
			return Capability{}, fmt.Errorf("read pattern %q: %w", p, err)
		}
		c.Read = append(c.Read, cp)
	}
	for _, p := range write {
		cp, err := addr.Compile(p)
		if err != nil {
			return Capability{}, fmt.Errorf("write pattern %q: %w", p, err)
		}
		c.Write = append(c.Write, cp)
	}
	return c, nil
}
