package torlens

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"
)

// opCircuitTracker labels errors originating from Tracker operations.
const opCircuitTracker = "circuitTracker"

// NodeInfo describes one relay in a built circuit.
type NodeInfo struct {
	// Fingerprint is the relay's 40-character identity fingerprint.
	Fingerprint string
	// Nickname is the relay's self-reported nickname, if Tor supplied one
	// in the CIRC event path (a "$FP~nickname" hop).
	Nickname string
	// Address is the relay's address, resolved via GETINFO ns/id/<fp> when
	// a resolver was configured; empty if resolution was skipped or failed.
	Address string
	// CountryCode is the relay's two-letter country code, resolved via
	// GETINFO ip-to-country/<Address> once Address is known; empty if
	// resolution was skipped, failed, or Address itself is unknown.
	CountryCode string
}

// CircuitRecord tracks one circuit's lifecycle as reported by CIRC events.
type CircuitRecord struct {
	// ID is the circuit identifier Tor assigned.
	ID string
	// Status is the most recently observed CIRC status
	// (LAUNCHED, EXTENDED, BUILT, FAILED, CLOSED, ...).
	Status string
	// Path holds the raw hop tokens ("$FP~nickname" or "$FP") from the most
	// recent CIRC event that included a path field.
	Path []string
	// updatedAt records when Status was last set, used by Prune.
	updatedAt time.Time
}

// nodeResolver looks up a relay's NodeInfo from its identity fingerprint,
// typically via GETINFO ns/id/<fp>.
type nodeResolver func(ctx context.Context, fingerprint string) (NodeInfo, error)

// Tracker maintains the mapping from a browser tab's domain to the three
// relays currently carrying its traffic, built entirely from Tor's CIRC and
// STREAM control-port events:
//
//  1. A STREAM event reaching status SENTCONNECT binds that stream's
//     circuit id to the domain of its target address — the first domain
//     observed for a given circuit id wins; later streams reusing the same
//     circuit for a different domain do not overwrite it.
//  2. A CIRC event reaching status BUILT, for a circuit id already bound to
//     a domain, resolves the three relays in its path (skipping circuits
//     with fewer than three hops) and records them as that domain's nodes —
//     again, first-build-wins per domain.
//
// Tracker holds no reference to a live connection; Observe is fed events by
// whatever is consuming them (normally a Connection's dispatcher).
type Tracker struct {
	mu            sync.Mutex
	circuits      map[string]*CircuitRecord
	circuitDomain map[string]string
	domainNodes   map[string][]NodeInfo
	resolving     map[string]bool

	resolve nodeResolver
	logger  Logger

	lastObserved time.Time
}

// NewTracker returns an empty Tracker. resolve, if non-nil, is called
// (asynchronously, off the event-delivery path) to fill in NodeInfo.Address
// for each hop of a newly built, domain-bound circuit; a nil resolve still
// populates Fingerprint/Nickname from the CIRC event itself.
func NewTracker(resolve nodeResolver, logger Logger) *Tracker {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Tracker{
		circuits:      make(map[string]*CircuitRecord),
		circuitDomain: make(map[string]string),
		domainNodes:   make(map[string][]NodeInfo),
		resolving:     make(map[string]bool),
		resolve:       resolve,
		logger:        logger,
	}
}

// Observe feeds one parsed event into the tracker. Event types other than
// CIRC and STREAM are ignored, though they still count as liveness for
// LastObservedAt.
func (t *Tracker) Observe(ev Event) {
	t.mu.Lock()
	t.lastObserved = time.Now()
	t.mu.Unlock()

	switch ev.Type {
	case "CIRC":
		t.observeCirc(ev)
	case "STREAM":
		t.observeStream(ev)
	}
}

// LastObservedAt returns the time of the most recent event Observe received,
// and false if no event has been observed yet. A health check can compare
// this against time.Now() to detect a ControlPort whose SETEVENTS
// subscription has silently stopped delivering.
func (t *Tracker) LastObservedAt() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastObserved, !t.lastObserved.IsZero()
}

// observeCirc updates circuit state and, on BUILT, triggers node resolution
// for any domain already bound to this circuit.
func (t *Tracker) observeCirc(ev Event) {
	if len(ev.Fields) < 2 {
		return
	}
	circID, status := ev.Fields[0], ev.Fields[1]

	t.mu.Lock()
	rec, ok := t.circuits[circID]
	if !ok {
		rec = &CircuitRecord{ID: circID}
		t.circuits[circID] = rec
	}
	rec.Status = status
	rec.updatedAt = time.Now()
	if len(ev.Fields) > 2 && strings.HasPrefix(ev.Fields[2], "$") {
		rec.Path = strings.Split(ev.Fields[2], ",")
	}
	domain, bound := t.circuitDomain[circID]
	path := append([]string(nil), rec.Path...)
	t.mu.Unlock()

	if status == "BUILT" && bound {
		t.resolveDomainNodes(circID, domain, path)
	}
}

// observeStream binds a circuit id to a domain the first time one of its
// streams reaches SENTCONNECT, and triggers node resolution immediately if
// the circuit was already BUILT by the time the binding happens.
func (t *Tracker) observeStream(ev Event) {
	if len(ev.Fields) < 4 {
		return
	}
	status, circID, target := ev.Fields[1], ev.Fields[2], ev.Fields[3]
	if status != "SENTCONNECT" {
		return
	}
	domain := domainOf(target)
	if domain == "" {
		return
	}

	t.mu.Lock()
	_, alreadyBound := t.circuitDomain[circID]
	if !alreadyBound {
		t.circuitDomain[circID] = domain
	} else {
		domain = t.circuitDomain[circID]
	}
	rec, known := t.circuits[circID]
	var path []string
	var builtAlready bool
	if known {
		path = append([]string(nil), rec.Path...)
		builtAlready = rec.Status == "BUILT"
	}
	t.mu.Unlock()

	if builtAlready {
		t.resolveDomainNodes(circID, domain, path)
	}
}

// resolveDomainNodes reserves domain for node resolution, unless domain
// already has nodes recorded (first circuit wins) or a resolution for it is
// already in flight, and hands the actual work to its own goroutine.
//
// This must never run inline on the caller's goroutine: observeCirc and
// observeStream are called from Observe, which is fed directly by a
// Connection's read loop (see Dispatch). t.resolve ultimately issues a
// GETINFO over that same Connection and blocks for the reply, but the reply
// can only ever be delivered by that same read loop. Calling it synchronously
// here would park the read loop waiting on a reply only the read loop itself
// can read, deadlocking until the GETINFO's context expires.
func (t *Tracker) resolveDomainNodes(circID, domain string, path []string) {
	if len(path) < 3 {
		t.logger.Log("debug", "skipping node resolution: fewer than three hops", "circuit_id", circID, "domain", domain)
		return
	}

	t.mu.Lock()
	_, exists := t.domainNodes[domain]
	if exists || t.resolving[domain] {
		t.mu.Unlock()
		return
	}
	t.resolving[domain] = true
	t.mu.Unlock()

	go t.runResolveDomainNodes(circID, domain, path)
}

// runResolveDomainNodes performs the per-hop resolution off the
// event-delivery goroutine and records the result, unless another call beat
// it to domain in the meantime.
func (t *Tracker) runResolveDomainNodes(circID, domain string, path []string) {
	defer func() {
		t.mu.Lock()
		delete(t.resolving, domain)
		t.mu.Unlock()
	}()

	nodes := make([]NodeInfo, 3)
	for i, hop := range path[:3] {
		fp, nick := parseHop(hop)
		node := NodeInfo{Fingerprint: fp, Nickname: nick}
		if t.resolve != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			resolved, err := t.resolve(ctx, fp)
			cancel()
			if err != nil {
				t.logger.Log("warn", "failed to resolve relay node info", "fingerprint", fp, "error", err)
			} else {
				node = resolved
				if node.Nickname == "" {
					node.Nickname = nick
				}
			}
		}
		nodes[i] = node
	}

	t.mu.Lock()
	if _, exists := t.domainNodes[domain]; !exists {
		t.domainNodes[domain] = nodes
		t.logger.Log("info", "recorded relay nodes for domain", "domain", domain, "circuit_id", circID)
	}
	t.mu.Unlock()
}

// NodesForDomain returns the three relays recorded for domain, if any.
func (t *Tracker) NodesForDomain(domain string) ([]NodeInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	nodes, ok := t.domainNodes[domain]
	return append([]NodeInfo(nil), nodes...), ok
}

// CircuitStatus returns the last known status of circID.
func (t *Tracker) CircuitStatus(circID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.circuits[circID]
	if !ok {
		return "", false
	}
	return rec.Status, true
}

// DomainForCircuit returns the domain bound to circID, if any.
func (t *Tracker) DomainForCircuit(circID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.circuitDomain[circID]
	return d, ok
}

// Prune drops CircuitRecords whose status is CLOSED or FAILED and whose
// last update is older than maxAge. Pruning is opt-in: Tracker itself never
// evicts state in the background, matching the absence of any specified
// expiry policy.
func (t *Tracker) Prune(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, rec := range t.circuits {
		if (rec.Status == "CLOSED" || rec.Status == "FAILED") && rec.updatedAt.Before(cutoff) {
			delete(t.circuits, id)
			delete(t.circuitDomain, id)
		}
	}
}

// parseHop splits a CIRC path hop token ("$FINGERPRINT~nickname" or
// "$FINGERPRINT") into its fingerprint and optional nickname.
func parseHop(hop string) (fingerprint, nickname string) {
	hop = strings.TrimPrefix(hop, "$")
	if idx := strings.Index(hop, "~"); idx >= 0 {
		return hop[:idx], hop[idx+1:]
	}
	return hop, ""
}

// domainOf extracts the host portion of a "host:port" STREAM target,
// returning target unmodified if it has no port.
func domainOf(target string) string {
	host, _, err := net.SplitHostPort(target)
	if err != nil {
		return target
	}
	return host
}
