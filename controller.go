package torlens

import (
	"context"
	"strings"
)

// opController labels errors originating from Controller operations.
const opController = "controller"

// Controller is the façade over the async protocol engine (the line
// framer, message assembler, dispatcher, and command pipeline inside
// Connection) plus the circuit/stream tracker: GetInfo, GetInfoMultiple,
// WatchEvent, and Close are the only operations a typical integrator needs.
//
// Example usage:
//
//	mgr := torlens.NewConnectionManager(nil)
//	ctrl, _ := torlens.NewController(ctx, mgr, "127.0.0.1:9051", auth, nil)
//	defer ctrl.Close()
//
//	nodes, ok := ctrl.NodesForDomain("example.com")
type Controller struct {
	conn    *Connection
	tracker *Tracker
	logger  Logger
}

// NewController opens (or reuses, via mgr) a Connection to addr, attaches a
// fresh Tracker backed by GETINFO ns/id/<fp> resolution over that same
// connection, and returns the resulting Controller.
func NewController(ctx context.Context, mgr *ConnectionManager, addr string, auth ControlAuth, logger Logger) (*Controller, error) {
	if logger == nil {
		logger = noopLogger{}
	}
	conn, err := mgr.Open(ctx, addr, auth)
	if err != nil {
		return nil, err
	}

	ctrl := &Controller{conn: conn, logger: logger}
	ctrl.tracker = NewTracker(ctrl.resolveNode, logger)
	conn.AttachTracker(ctrl.tracker)
	return ctrl, nil
}

// GetInfo fetches a single GETINFO key, validating it against the
// capability table before any bytes are sent.
func (c *Controller) GetInfo(ctx context.Context, key string) (string, error) {
	values, err := c.GetInfoMultiple(ctx, []string{key})
	if err != nil {
		return "", err
	}
	v, ok := values[key]
	if !ok {
		return "", newError(ErrControlRequestFail, opController, "key not present in GETINFO reply: "+key, nil)
	}
	return v, nil
}

// GetInfoMultiple fetches several GETINFO keys in a single round trip,
// rejecting the whole batch locally if any key is unknown, not supported,
// or deprecated.
func (c *Controller) GetInfoMultiple(ctx context.Context, keys []string) (map[string]string, error) {
	if len(keys) == 0 {
		return nil, newError(ErrInvalidConfig, opController, "GetInfoMultiple requires at least one key", nil)
	}
	for _, key := range keys {
		if err := validateGetInfoKey(key); err != nil {
			return nil, err
		}
	}
	msg, err := c.conn.Submit(ctx, formatGetInfoCommand(keys))
	if err != nil {
		return nil, err
	}
	return parseGetInfoReply(keys, msg), nil
}

// resolveNode resolves a relay fingerprint to NodeInfo per §4.8 of the
// tracking algorithm: GETINFO ns/id/<fp> for nickname and address, composed
// with GETINFO ip-to-country/<address> for the country code. A failure of
// the second lookup still returns the first's nickname/address rather than
// failing the whole resolution, since CountryCode is display-only.
func (c *Controller) resolveNode(ctx context.Context, fingerprint string) (NodeInfo, error) {
	raw, err := c.GetInfo(ctx, "ns/id/"+fingerprint)
	if err != nil {
		return NodeInfo{}, err
	}
	node := parseNodeStatusLine(fingerprint, raw)
	if node.Address != "" {
		if cc, err := c.GetInfo(ctx, "ip-to-country/"+node.Address); err == nil {
			node.CountryCode = strings.ToUpper(strings.TrimSpace(cc))
		} else {
			c.logger.Log("warn", "failed to resolve ip-to-country", "address", node.Address, "error", err)
		}
	}
	return node, nil
}

// WatchEvent returns a channel that receives every eventType event (e.g.
// "CIRC", "STREAM") until ctx is canceled. The channel is buffered; a slow
// consumer misses events rather than stalling the connection's read loop.
func (c *Controller) WatchEvent(ctx context.Context, eventType string) <-chan Event {
	ch := make(chan Event, 32)
	c.conn.Watch(ctx, eventType, ch)
	return ch
}

// NodesForDomain returns the three relays currently recorded for domain.
func (c *Controller) NodesForDomain(domain string) ([]NodeInfo, bool) {
	return c.tracker.NodesForDomain(domain)
}

// Tracker exposes the underlying circuit/stream tracker directly, for
// callers that need CircuitStatus, DomainForCircuit, or Prune.
func (c *Controller) Tracker() *Tracker {
	return c.tracker
}

// Close closes the underlying connection, failing any command still
// in flight with ErrConnectionLost.
func (c *Controller) Close() error {
	return c.conn.Close()
}

// parseNodeStatusLine extracts a nickname and address from a
// "ns/id/<fp>"-style GETINFO value, whose first line follows Tor's
// router-status-entry grammar: "r nickname ... address ORPort DirPort".
// Falls back to the bare fingerprint if the line does not parse, e.g. the
// relay is absent from the currently cached consensus.
func parseNodeStatusLine(fingerprint, raw string) NodeInfo {
	node := NodeInfo{Fingerprint: fingerprint}
	lines := strings.Split(raw, "\n")
	if len(lines) == 0 {
		return node
	}
	fields := strings.Fields(lines[0])
	if len(fields) < 2 || fields[0] != "r" {
		return node
	}
	node.Nickname = fields[1]
	if len(fields) >= 7 {
		node.Address = fields[6]
	}
	return node
}
