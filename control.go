package torlens

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// opControlClient labels errors originating from ControlClient operations.
	opControlClient = "ControlClient"
)

// ControlClient talks to Tor's ControlPort (a text-based management interface
// where Tor accepts commands like AUTHENTICATE/GETINFO/SIGNAL NEWNYM). It is
// provided as a standalone client so tools that only need ControlPort access
// (e.g. circuit rotation or Hidden Service management) can use it without
// constructing the higher-level HTTP/TCP Client.
//
// The ControlPort allows you to:
//   - Rotate circuits to get new exit IPs (NewIdentity)
//   - Create and manage hidden services (CreateHiddenService)
//   - Query Tor's internal state (GetInfo)
//   - Monitor Tor events and status
//
// Authentication is required before most commands. Use either cookie-based
// authentication (automatic with StartTorDaemon) or password authentication
// (for existing Tor instances).
//
// Example usage:
//
//	auth := torlens.ControlAuthFromCookie("/var/lib/tor/control_auth_cookie")
//	ctrl, _ := torlens.NewControlClient("127.0.0.1:9051", auth, 5*time.Second)
//	defer ctrl.Close()
//
//	ctrl.Authenticate()
//	ctrl.NewIdentity(context.Background())  // Request new circuits
// ControlClient is now a thin facade over a Connection (the line framer,
// message assembler, dispatcher, and command pipeline described in
// connection.go/pipeline.go): every method below that used to block on a
// single shared mutex and a direct bufio read now submits through the
// pipeline instead, which is what lets GetInfoMultiple and WatchEvent
// coexist safely with the older polling-style methods on the same wire.
type ControlClient struct {
	// conn drives the wire protocol: framing, assembly, dispatch, pipelining.
	conn *Connection
	// timeout bounds network operations for each command when ctx carries none.
	timeout time.Duration
	// auth contains authentication material for ControlPort access.
	auth ControlAuth
	// authenticated reports whether AUTHENTICATE succeeded.
	authenticated bool
	// tracker is attached lazily by AttachTracker/Tracker.
	tracker *Tracker
	// logger receives operational log events.
	logger Logger
}

// NewControlClient dials the ControlPort at addr with the given timeout.
func NewControlClient(addr string, auth ControlAuth, timeout time.Duration) (*ControlClient, error) {
	if addr == "" {
		return nil, newError(ErrInvalidConfig, opControlClient, "ControlAddr is empty", nil)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	netConn, err := dialOnly(ctx, addr)
	if err != nil {
		return nil, newError(ErrControlRequestFail, opControlClient, "failed to dial ControlPort", err)
	}

	logger := Logger(noopLogger{})
	conn := newUnauthenticatedConnection(netConn, logger)
	client := &ControlClient{
		conn:    conn,
		timeout: timeout,
		auth:    auth,
		logger:  logger,
	}
	return client, nil
}

// WithLogger attaches a logger used for connection-level log events (dial,
// authenticate, dispatch). Call before Authenticate.
func (c *ControlClient) WithLogger(logger Logger) *ControlClient {
	if logger == nil {
		logger = noopLogger{}
	}
	c.logger = logger
	c.conn.logger = logger
	c.conn.events.logger = logger
	c.conn.pipeline.logger = logger
	return c
}

// AttachTracker wires a Tracker to receive every CIRC/STREAM event seen on
// this client's connection, so GetCircuitStatus-style polling can be
// complemented by live domain/node tracking without a second connection.
func (c *ControlClient) AttachTracker(t *Tracker) {
	c.tracker = t
	c.conn.AttachTracker(t)
}

// Tracker returns the Tracker attached via AttachTracker, or nil.
func (c *ControlClient) Tracker() *Tracker {
	return c.tracker
}

// GetInfoMultiple fetches several GETINFO keys in one round trip, validating
// every key against the capability table before any bytes are sent.
func (c *ControlClient) GetInfoMultiple(ctx context.Context, keys []string) (map[string]string, error) {
	if err := c.ensureAuthenticated(); err != nil {
		return nil, err
	}
	for _, key := range keys {
		if err := validateGetInfoKey(key); err != nil {
			return nil, err
		}
	}
	msg, err := c.execRaw(ctx, formatGetInfoCommand(keys))
	if err != nil {
		return nil, err
	}
	return parseGetInfoReply(keys, msg), nil
}

// WatchEvent returns a channel receiving every eventType event (e.g. "CIRC",
// "STREAM") observed on this client's connection until ctx is canceled.
func (c *ControlClient) WatchEvent(ctx context.Context, eventType string) <-chan Event {
	ch := make(chan Event, 32)
	c.conn.Watch(ctx, eventType, ch)
	return ch
}

// Authenticate performs AUTHENTICATE using ControlAuth credentials.
func (c *ControlClient) Authenticate() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	token, err := c.authToken()
	if err != nil {
		return err
	}
	cmd := "AUTHENTICATE"
	if token != "" {
		cmd = "AUTHENTICATE " + token
	}
	if _, err := c.execCommand(ctx, cmd); err != nil {
		return err
	}
	c.authenticated = true

	if c.tracker != nil {
		if _, err := c.execCommand(ctx, "SETEVENTS CIRC STREAM"); err != nil {
			return newError(ErrControlAuthFailed, opControlClient, "SETEVENTS failed after AttachTracker", err)
		}
	}
	return nil
}

// NewIdentity issues SIGNAL NEWNYM to rotate Tor circuits, causing Tor to
// close existing circuits and build new ones. This effectively gives you a
// new exit IP address for subsequent requests.
//
// This is useful for:
//   - Avoiding rate limiting or IP-based blocks
//   - Getting a fresh identity for privacy reasons
//   - Testing behavior with different exit nodes
//
// Note: Tor rate-limits NEWNYM requests to once per 10 seconds by default.
// Calling this more frequently will not create new circuits.
func (c *ControlClient) NewIdentity(ctx context.Context) error {
	if err := c.ensureAuthenticated(); err != nil {
		return err
	}
	_, err := c.execCommand(ctx, "SIGNAL NEWNYM")
	return err
}

// GetInfo runs GETINFO and returns the associated value.
func (c *ControlClient) GetInfo(ctx context.Context, key string) (string, error) {
	return c.getInfo(ctx, key, true)
}

// GetInfoNoAuth runs GETINFO without authenticating first.
func (c *ControlClient) GetInfoNoAuth(ctx context.Context, key string) (string, error) {
	return c.getInfo(ctx, key, false)
}

// getInfo is the internal implementation for GetInfo and GetInfoNoAuth.
// It executes the GETINFO command and parses the response to extract the value
// associated with the given key. If requireAuth is true, it ensures the client
// is authenticated before sending the command.
func (c *ControlClient) getInfo(ctx context.Context, key string, requireAuth bool) (string, error) {
	if key == "" {
		return "", newError(ErrInvalidConfig, opControlClient, "GetInfo key is empty", nil)
	}
	if requireAuth {
		if err := c.ensureAuthenticated(); err != nil {
			return "", err
		}
	}
	lines, err := c.execCommand(ctx, "GETINFO "+key)
	if err != nil {
		return "", err
	}
	prefix := key + "="
	var result string
	for _, line := range lines {
		if strings.HasPrefix(line, prefix) {
			result = strings.TrimPrefix(line, prefix)
		}
	}
	if result == "" {
		return "", newError(ErrControlRequestFail, opControlClient, "key not found in GETINFO response", nil)
	}
	return result, nil
}

// GetConf retrieves the current value of a Tor configuration option.
// The key should be a valid Tor configuration option name (e.g., "SocksPort", "ORPort").
//
// Example:
//
//	socksPort, err := ctrl.GetConf(ctx, "SocksPort")
func (c *ControlClient) GetConf(ctx context.Context, key string) (string, error) {
	if key == "" {
		return "", newError(ErrInvalidConfig, opControlClient, "GetConf key is empty", nil)
	}
	if err := c.ensureAuthenticated(); err != nil {
		return "", err
	}
	lines, err := c.execCommand(ctx, "GETCONF "+key)
	if err != nil {
		return "", err
	}
	prefix := key + "="
	for _, line := range lines {
		if strings.HasPrefix(line, prefix) {
			return strings.TrimPrefix(line, prefix), nil
		}
	}
	return "", newError(ErrControlRequestFail, opControlClient, "key not found in GETCONF response", nil)
}

// SetConf sets a Tor configuration option to the specified value.
// The change takes effect immediately but is not persisted to the torrc file.
// To persist changes, call SaveConf after SetConf.
//
// Example:
//
//	err := ctrl.SetConf(ctx, "MaxCircuitDirtiness", "600")
func (c *ControlClient) SetConf(ctx context.Context, key, value string) error {
	if key == "" {
		return newError(ErrInvalidConfig, opControlClient, "SetConf key is empty", nil)
	}
	if err := c.ensureAuthenticated(); err != nil {
		return err
	}
	cmd := fmt.Sprintf("SETCONF %s=%s", key, quotedString(value))
	_, err := c.execCommand(ctx, cmd)
	return err
}

// ResetConf resets a Tor configuration option to its default value.
//
// Example:
//
//	err := ctrl.ResetConf(ctx, "MaxCircuitDirtiness")
func (c *ControlClient) ResetConf(ctx context.Context, key string) error {
	if key == "" {
		return newError(ErrInvalidConfig, opControlClient, "ResetConf key is empty", nil)
	}
	if err := c.ensureAuthenticated(); err != nil {
		return err
	}
	_, err := c.execCommand(ctx, "RESETCONF "+key)
	return err
}

// SaveConf saves the current configuration to the torrc file.
// This persists any changes made with SetConf.
func (c *ControlClient) SaveConf(ctx context.Context) error {
	if err := c.ensureAuthenticated(); err != nil {
		return err
	}
	_, err := c.execCommand(ctx, "SAVECONF")
	return err
}

// CircuitInfo represents information about a Tor circuit.
type CircuitInfo struct {
	// ID is the circuit identifier.
	ID string
	// Status is the circuit status (e.g., "BUILT", "EXTENDED", "LAUNCHED").
	Status string
	// Path is the list of relay fingerprints in the circuit.
	Path []string
	// BuildFlags contains circuit build flags.
	BuildFlags []string
	// Purpose is the circuit purpose (e.g., "GENERAL", "HS_CLIENT_INTRO").
	Purpose string
	// TimeCreated is when the circuit was created.
	TimeCreated string
}

// GetCircuitStatus retrieves information about all current Tor circuits.
// This is useful for monitoring circuit health and debugging connectivity issues.
func (c *ControlClient) GetCircuitStatus(ctx context.Context) ([]CircuitInfo, error) {
	if err := c.ensureAuthenticated(); err != nil {
		return nil, err
	}
	lines, err := c.execCommand(ctx, "GETINFO circuit-status")
	if err != nil {
		return nil, err
	}

	var circuits []CircuitInfo
	for _, line := range lines {
		if line == "circuit-status=" || line == "" {
			continue
		}
		circuit := parseCircuitLine(line)
		if circuit.ID != "" {
			circuits = append(circuits, circuit)
		}
	}
	return circuits, nil
}

// parseCircuitLine parses a single line from the circuit-status response
// and returns a CircuitInfo struct. The line format is:
// "CircuitID Status Path BuildFlags Purpose TimeCreated"
// Returns an empty CircuitInfo if the line cannot be parsed.
func parseCircuitLine(line string) CircuitInfo {
	parts := strings.Fields(line)
	if len(parts) < 2 {
		return CircuitInfo{}
	}

	circuit := CircuitInfo{
		ID:     parts[0],
		Status: parts[1],
	}

	if len(parts) > 2 && !strings.Contains(parts[2], "=") {
		circuit.Path = strings.Split(parts[2], ",")
	}

	for _, part := range parts[2:] {
		if strings.HasPrefix(part, "BUILD_FLAGS=") {
			flags := strings.TrimPrefix(part, "BUILD_FLAGS=")
			circuit.BuildFlags = strings.Split(flags, ",")
		} else if strings.HasPrefix(part, "PURPOSE=") {
			circuit.Purpose = strings.TrimPrefix(part, "PURPOSE=")
		} else if strings.HasPrefix(part, "TIME_CREATED=") {
			circuit.TimeCreated = strings.TrimPrefix(part, "TIME_CREATED=")
		}
	}
	return circuit
}

// StreamInfo represents information about a Tor stream.
type StreamInfo struct {
	// ID is the stream identifier.
	ID string
	// Status is the stream status (e.g., "SUCCEEDED", "NEW", "SENTCONNECT").
	Status string
	// CircuitID is the circuit this stream is attached to.
	CircuitID string
	// Target is the destination address:port.
	Target string
	// Purpose is the stream purpose.
	Purpose string
}

// GetStreamStatus retrieves information about all current Tor streams.
// This is useful for monitoring active connections through Tor.
func (c *ControlClient) GetStreamStatus(ctx context.Context) ([]StreamInfo, error) {
	if err := c.ensureAuthenticated(); err != nil {
		return nil, err
	}
	lines, err := c.execCommand(ctx, "GETINFO stream-status")
	if err != nil {
		return nil, err
	}

	var streams []StreamInfo
	for _, line := range lines {
		if line == "stream-status=" || line == "" {
			continue
		}
		stream := parseStreamLine(line)
		if stream.ID != "" {
			streams = append(streams, stream)
		}
	}
	return streams, nil
}

// parseStreamLine parses a single line from the stream-status response
// and returns a StreamInfo struct. The line format is:
// "StreamID Status CircuitID Target Purpose"
// Returns an empty StreamInfo if the line cannot be parsed.
func parseStreamLine(line string) StreamInfo {
	parts := strings.Fields(line)
	if len(parts) < 4 {
		return StreamInfo{}
	}

	stream := StreamInfo{
		ID:        parts[0],
		Status:    parts[1],
		CircuitID: parts[2],
		Target:    parts[3],
	}

	for _, part := range parts[4:] {
		if strings.HasPrefix(part, "PURPOSE=") {
			stream.Purpose = strings.TrimPrefix(part, "PURPOSE=")
		}
	}
	return stream
}

// MapAddress creates a mapping from a virtual address to a target address.
// This allows you to access services using custom addresses through Tor.
//
// Example:
//
//	// Map "mysite" to an onion address
//	mapped, err := ctrl.MapAddress(ctx, "mysite.virtual", "abcdef...onion")
func (c *ControlClient) MapAddress(ctx context.Context, fromAddr, toAddr string) (string, error) {
	if fromAddr == "" || toAddr == "" {
		return "", newError(ErrInvalidConfig, opControlClient, "MapAddress requires both fromAddr and toAddr", nil)
	}
	if err := c.ensureAuthenticated(); err != nil {
		return "", err
	}
	cmd := fmt.Sprintf("MAPADDRESS %s=%s", fromAddr, toAddr)
	lines, err := c.execCommand(ctx, cmd)
	if err != nil {
		return "", err
	}
	for _, line := range lines {
		if strings.Contains(line, "=") {
			parts := strings.SplitN(line, "=", 2)
			if len(parts) == 2 {
				return parts[1], nil
			}
		}
	}
	return toAddr, nil
}

// Close closes the underlying ControlPort connection.
func (c *ControlClient) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// dialOnly opens a plain TCP connection to addr; ControlClient manages its
// own AUTHENTICATE/SETEVENTS sequencing rather than ConnectionManager's
// combined dial+auth+subscribe bring-up.
func dialOnly(ctx context.Context, addr string) (net.Conn, error) {
	dialer := &net.Dialer{}
	return dialer.DialContext(ctx, "tcp", addr)
}

// newUnauthenticatedConnection wraps netConn in a Connection with its read
// loop already running but no AUTHENTICATE/SETEVENTS issued yet.
func newUnauthenticatedConnection(netConn net.Conn, logger Logger) *Connection {
	c := &Connection{
		conn:   netConn,
		events: newEventSubscriber(logger),
		logger: logger,
	}
	writer := bufio.NewWriter(netConn)
	c.pipeline = newCommandPipeline(func(line string) error {
		if _, err := writer.WriteString(line); err != nil {
			return err
		}
		return writer.Flush()
	}, logger)
	c.disp = newDispatcher(c.pipeline, c.events, nil, logger)
	go c.readLoop()
	return c
}

// ensureAuthenticated runs Authenticate if it has not been performed yet.
func (c *ControlClient) ensureAuthenticated() error {
	if c.authenticated {
		return nil
	}
	return c.Authenticate()
}

// authToken derives the authentication token based on ControlAuth settings.
func (c *ControlClient) authToken() (string, error) {
	return resolveAuthToken(c.auth)
}

// resolveAuthToken derives the AUTHENTICATE argument for auth: a quoted
// password, or hex-encoded cookie bytes read from CookiePath or supplied
// directly via CookieBytes. Returns "" for unauthenticated ControlPorts.
func resolveAuthToken(auth ControlAuth) (string, error) {
	switch {
	case auth.Password() != "":
		return quotedString(auth.Password()), nil
	case auth.CookiePath() != "":
		path := filepath.Clean(auth.CookiePath())
		data, err := os.ReadFile(path)
		if err != nil {
			return "", newError(ErrIO, opControlClient, "failed to read control cookie", err)
		}
		return strings.ToUpper(hex.EncodeToString(data)), nil
	case len(auth.CookieBytes()) != 0:
		return strings.ToUpper(hex.EncodeToString(auth.CookieBytes())), nil
	default:
		return "", nil
	}
}

// execRaw submits cmd through the connection's command pipeline and returns
// the raw ControlMessage, translating a 5xx status into ErrControlRequestFail.
func (c *ControlClient) execRaw(ctx context.Context, cmd string) (*ControlMessage, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	msg, err := c.conn.Submit(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if msg.Code >= 500 {
		body := strings.Join(msg.Lines, "; ")
		return nil, newError(ErrControlRequestFail, opControlClient, body, fmt.Errorf("control error %d", msg.Code))
	}
	return msg, nil
}

// execCommand sends a control command and returns the response lines, the
// same shape the original blocking read loop returned. It is now backed by
// the shared command pipeline (connection.go/pipeline.go), which is what
// lets GetInfoMultiple and WatchEvent safely coexist with these
// one-command-at-a-time methods on the same wire.
func (c *ControlClient) execCommand(ctx context.Context, cmd string) ([]string, error) {
	msg, err := c.execRaw(ctx, cmd)
	if err != nil {
		return nil, err
	}
	var lines []string
	for _, line := range msg.Lines {
		if line == "OK" {
			continue
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// ControlAuthFromTor queries Tor for the control cookie path and returns the
// ControlAuth that uses the corresponding cookie bytes. Dial, PROTOCOLINFO,
// and AUTHENTICATE are retried together as one unit with exponential
// backoff, since a freshly launched tor process may accept TCP connections
// before the cookie file exists.
func ControlAuthFromTor(controlAddr string, timeout time.Duration) (ControlAuth, string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var auth ControlAuth
	var cookiePath string

	op := func() error {
		client, err := NewControlClient(controlAddr, ControlAuth{}, 5*time.Second)
		if err != nil {
			return err
		}
		defer client.Close()

		lines, err := client.execCommand(ctx, "PROTOCOLINFO 1")
		if err != nil {
			return err
		}

		path, ok := extractCookieFile(lines)
		if !ok {
			return errors.New("COOKIEFILE missing from PROTOCOLINFO")
		}

		// #nosec G304 -- path comes from Tor control protocol and is sanitized by Tor itself.
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		if _, err := client.execCommand(ctx, "AUTHENTICATE "+strings.ToUpper(hex.EncodeToString(data))); err != nil {
			return err
		}

		auth = ControlAuthFromCookieBytes(data)
		cookiePath = path
		return nil
	}

	bo := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return ControlAuth{}, "", newError(ErrControlAuthFailed, opControlClient, "failed to authenticate control port", err)
	}
	return auth, cookiePath, nil
}

// extractCookieFile pulls the COOKIEFILE="..." path out of a PROTOCOLINFO
// reply's lines.
func extractCookieFile(lines []string) (string, bool) {
	for _, line := range lines {
		idx := strings.Index(line, `COOKIEFILE="`)
		if idx < 0 {
			continue
		}
		start := idx + len(`COOKIEFILE="`)
		end := strings.Index(line[start:], `"`)
		if end < 0 {
			continue
		}
		return filepath.Clean(line[start : start+end]), true
	}
	return "", false
}

// quotedString escapes special characters per control protocol expectations.
func quotedString(s string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return fmt.Sprintf(`"%s"`, replacer.Replace(s))
}

// WaitForControlPort waits until Tor's control port is usable.
// Tor may accept TCP connections before it can respond to PROTOCOLINFO,
// because the cookie might not be created yet. This function verifies that
// PROTOCOLINFO succeeds AND the cookie file exists before returning, retrying
// with exponential backoff rather than a fixed poll interval.
func WaitForControlPort(controlAddr string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	op := func() error {
		cookiePath, err := tryGetCookiePath(ctx, controlAddr)
		if err != nil {
			return err
		}
		stat, err := os.Stat(cookiePath)
		if err != nil || stat.Size() == 0 {
			return fmt.Errorf("cookie file %s not yet ready", cookiePath)
		}
		// Tor may still be initializing even after the cookie appears;
		// confirm PROTOCOLINFO still succeeds before declaring readiness.
		if _, err := tryGetCookiePath(ctx, controlAddr); err != nil {
			return err
		}
		return nil
	}

	bo := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return fmt.Errorf("timed out waiting for control port %s to become usable: %w", controlAddr, err)
	}
	return nil
}

// tryGetCookiePath attempts to retrieve the cookie file path from Tor's
// PROTOCOLINFO response. It establishes a temporary connection to the control
// port, sends PROTOCOLINFO, and parses the COOKIEFILE from the response.
// Returns an error if the connection fails or COOKIEFILE is not found.
func tryGetCookiePath(ctx context.Context, controlAddr string) (string, error) {
	client, err := NewControlClient(controlAddr, ControlAuth{}, 2*time.Second)
	if err != nil {
		return "", err
	}
	defer client.Close()

	lines, err := client.execCommand(ctx, "PROTOCOLINFO 1")
	if err != nil {
		return "", err
	}

	path, ok := extractCookieFile(lines)
	if !ok {
		return "", errors.New("COOKIEFILE missing from PROTOCOLINFO response")
	}
	return path, nil
}
