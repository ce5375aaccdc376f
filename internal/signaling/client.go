// Package signaling implements the direct calling strategy: a SIP user
// agent that keeps a persistent connection to the employee's telephony
// server, registers their identity and negotiates outbound media sessions.
package signaling

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"

	"github.com/dialdesk/dialdesk/internal/call"
)

const (
	// defaultExpiry is the registration lifetime requested from the server.
	defaultExpiry = 300
	// dialTimeout bounds one outbound call attempt from INVITE to final
	// response.
	dialTimeout = 60 * time.Second
)

// Client is a single-identity SIP user agent. It satisfies call.Dialer.
type Client struct {
	logger     *slog.Logger
	userAgent  string
	listenAddr string

	mu         sync.Mutex
	ua         *sipgo.UserAgent
	client     *sipgo.Client
	server     *sipgo.Server
	cfg        call.DirectConfig
	transport  string // TLS when secure transport requested, TCP otherwise
	domain     string // registered identity's domain
	registered bool
	cancel     context.CancelFunc

	sessMu   sync.Mutex
	sessions map[string]*Session // keyed by Call-ID

	// OnIncomingInvite, when set, is told about inbound session offers.
	// Answering them is out of scope; the offer is logged and left alone.
	OnIncomingInvite func(from string)
}

// NewClient creates an unconnected signaling client. listenAddr is where
// the local transport accepts in-dialog requests; empty selects the
// default "0.0.0.0:5070".
func NewClient(listenAddr string, logger *slog.Logger) *Client {
	if listenAddr == "" {
		listenAddr = "0.0.0.0:5070"
	}
	return &Client{
		logger:     logger.With("subsystem", "signaling"),
		userAgent:  "DialDesk/1.0",
		listenAddr: listenAddr,
		sessions:   make(map[string]*Session),
	}
}

// Connect builds the signaling transport from cfg, starts it and registers
// the employee's identity. On failure every partially started resource is
// released before returning; Close afterwards is still safe.
func (c *Client) Connect(ctx context.Context, cfg call.DirectConfig) error {
	if strings.TrimSpace(cfg.ServerHost) == "" {
		return fmt.Errorf("signaling config has no server host")
	}
	port := cfg.ServerPort
	if port == 0 {
		port = 5060
	}
	cfg.ServerPort = port

	c.Close()

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent(c.userAgent),
		sipgo.WithUserAgentHostname(cfg.ServerHost),
	)
	if err != nil {
		return fmt.Errorf("creating sip user agent: %w", err)
	}

	client, err := sipgo.NewClient(ua,
		sipgo.WithClientLogger(c.logger.With("server", cfg.ServerHost)),
	)
	if err != nil {
		ua.Close()
		return fmt.Errorf("creating sip client: %w", err)
	}

	server, err := sipgo.NewServer(ua,
		sipgo.WithServerLogger(c.logger),
	)
	if err != nil {
		client.Close()
		ua.Close()
		return fmt.Errorf("creating sip server: %w", err)
	}

	transport := "TCP"
	if cfg.UseSecureTransport {
		transport = "TLS"
	}

	c.mu.Lock()
	c.ua = ua
	c.client = client
	c.server = server
	c.cfg = cfg
	c.transport = transport
	c.domain = cfg.ServerHost
	c.mu.Unlock()

	c.registerHandlers(server)

	// Local listener for in-dialog requests arriving on fresh connections.
	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	go func() {
		if err := server.ListenAndServe(runCtx, "tcp", c.listenAddr); err != nil && runCtx.Err() == nil {
			c.logger.Error("signaling listener stopped", "addr", c.listenAddr, "error", err)
		}
	}()

	granted, err := c.sendRegister(ctx, defaultExpiry)
	if err != nil {
		c.Close()
		return fmt.Errorf("registering %s@%s: %w", cfg.Username, cfg.ServerHost, err)
	}

	c.mu.Lock()
	c.registered = true
	c.mu.Unlock()

	go c.refreshLoop(runCtx, granted)

	c.logger.Info("registered",
		"identity", fmt.Sprintf("%s@%s", cfg.Username, cfg.ServerHost),
		"transport", transport,
		"expires_in", granted,
	)
	return nil
}

func (c *Client) registerHandlers(server *sipgo.Server) {
	server.OnInvite(func(req *sip.Request, tx sip.ServerTransaction) {
		from := ""
		if h := req.From(); h != nil {
			from = h.Address.String()
		}
		// Inbound calls are only surfaced, never answered here.
		c.logger.Info("incoming session offer ignored", "from", from)
		if c.OnIncomingInvite != nil {
			c.OnIncomingInvite(from)
		}
	})

	server.OnBye(func(req *sip.Request, tx sip.ServerTransaction) {
		callID := ""
		if h := req.CallID(); h != nil {
			callID = h.Value()
		}
		if err := tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil)); err != nil {
			c.logger.Warn("responding to bye failed", "call_id", callID, "error", err)
		}

		c.sessMu.Lock()
		sess := c.sessions[callID]
		c.sessMu.Unlock()
		if sess == nil {
			c.logger.Debug("bye for unknown dialog", "call_id", callID)
			return
		}
		sess.remoteBye()
	})

	server.OnAck(func(req *sip.Request, tx sip.ServerTransaction) {})
}

// Close unregisters, stops the transport and drops all session tracking.
// Safe to call repeatedly, concurrently with in-flight operations and on a
// client that never connected or only partially connected.
func (c *Client) Close() {
	c.mu.Lock()
	ua, client, server := c.ua, c.client, c.server
	cancel := c.cancel
	registered := c.registered
	c.ua, c.client, c.server, c.cancel = nil, nil, nil, nil
	c.registered = false
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if registered && client != nil {
		// Best-effort un-register with a short timeout.
		unregCtx, unregCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if _, err := c.sendRegisterVia(unregCtx, client, 0); err != nil {
			c.logger.Warn("un-register failed", "error", err)
		}
		unregCancel()
	}

	c.sessMu.Lock()
	sessions := c.sessions
	c.sessions = make(map[string]*Session)
	c.sessMu.Unlock()
	for _, s := range sessions {
		s.abandon()
	}

	if server != nil {
		server.Close()
	}
	if client != nil {
		client.Close()
	}
	if ua != nil {
		ua.Close()
	}
}

// Registered reports whether the identity currently holds a registration.
func (c *Client) Registered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registered
}

// refreshLoop re-registers before the granted expiry runs out, backing off
// with jitter on failure.
func (c *Client) refreshLoop(ctx context.Context, expiry int) {
	backoff := newBackoff()

	for {
		refresh := time.Duration(float64(expiry)*0.8) * time.Second
		select {
		case <-ctx.Done():
			return
		case <-time.After(refresh):
		}

		granted, err := c.sendRegister(ctx, defaultExpiry)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			retry := backoff.next()
			c.logger.Error("re-register failed",
				"error", err,
				"attempt", backoff.attempt,
				"retry_in", retry.String(),
			)
			c.mu.Lock()
			c.registered = false
			c.mu.Unlock()

			select {
			case <-ctx.Done():
				return
			case <-time.After(retry):
			}
			expiry = defaultExpiry
			continue
		}

		backoff.reset()
		c.mu.Lock()
		c.registered = true
		c.mu.Unlock()
		expiry = granted
		c.logger.Debug("re-registered", "expires_in", granted)
	}
}

// sendRegister sends a REGISTER with digest auth handling, returning the
// server-granted expiry.
func (c *Client) sendRegister(ctx context.Context, expiry int) (int, error) {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return 0, fmt.Errorf("transport not started")
	}
	return c.sendRegisterVia(ctx, client, expiry)
}

func (c *Client) sendRegisterVia(ctx context.Context, client *sipgo.Client, expiry int) (int, error) {
	c.mu.Lock()
	cfg := c.cfg
	transport := c.transport
	c.mu.Unlock()

	recipientStr := fmt.Sprintf("sip:%s:%d", cfg.ServerHost, cfg.ServerPort)
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return 0, fmt.Errorf("parsing recipient uri: %w", err)
	}

	req := sip.NewRequest(sip.REGISTER, recipient)
	req.SetTransport(transport)

	aor := fmt.Sprintf("<sip:%s@%s>", cfg.Username, cfg.ServerHost)
	req.AppendHeader(sip.NewHeader("From", aor))
	req.AppendHeader(sip.NewHeader("To", aor))
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expiry)))

	tx, err := client.TransactionRequest(ctx, req, sipgo.ClientRequestRegisterBuild)
	if err != nil {
		return 0, fmt.Errorf("sending register: %w", err)
	}

	res, err := getResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		return 0, fmt.Errorf("waiting for register response: %w", err)
	}

	if res.StatusCode == 401 || res.StatusCode == 407 {
		authReq, err := withDigestAuth(req, res, recipientStr, cfg.Username, cfg.Password)
		if err != nil {
			return 0, err
		}

		tx2, err := client.TransactionRequest(ctx, authReq,
			sipgo.ClientRequestIncreaseCSEQ,
			sipgo.ClientRequestAddVia,
		)
		if err != nil {
			return 0, fmt.Errorf("sending authenticated register: %w", err)
		}

		res, err = getResponse(ctx, tx2)
		tx2.Terminate()
		if err != nil {
			return 0, fmt.Errorf("waiting for authenticated register response: %w", err)
		}
	}

	if res.StatusCode != 200 {
		return 0, fmt.Errorf("register failed with status %d %s", res.StatusCode, res.Reason)
	}

	granted := expiry
	if h := res.GetHeader("Expires"); h != nil {
		if v, err := strconv.Atoi(strings.TrimSpace(h.Value())); err == nil && v > 0 {
			granted = v
		}
	}
	if granted <= 0 {
		granted = defaultExpiry
	}
	return granted, nil
}

// withDigestAuth answers a 401/407 challenge by cloning req with the
// computed Authorization header attached.
func withDigestAuth(req *sip.Request, challenge *sip.Response, uri, username, password string) (*sip.Request, error) {
	authHeader := "WWW-Authenticate"
	authzHeader := "Authorization"
	if challenge.StatusCode == 407 {
		authHeader = "Proxy-Authenticate"
		authzHeader = "Proxy-Authorization"
	}

	wwwAuth := challenge.GetHeader(authHeader)
	if wwwAuth == nil {
		return nil, fmt.Errorf("received %d but no %s header", challenge.StatusCode, authHeader)
	}

	chal, err := digest.ParseChallenge(wwwAuth.Value())
	if err != nil {
		return nil, fmt.Errorf("parsing auth challenge: %w", err)
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      uri,
		Username: username,
		Password: password,
	})
	if err != nil {
		return nil, fmt.Errorf("computing digest: %w", err)
	}

	authReq := req.Clone()
	authReq.RemoveHeader("Via")
	authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))
	return authReq, nil
}

// getResponse waits for the first response from a SIP client transaction.
func getResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-tx.Done():
		return nil, fmt.Errorf("transaction terminated: %w", tx.Err())
	case res := <-tx.Responses():
		return res, nil
	}
}

// backoff implements exponential backoff with jitter for registration
// retries.
type backoff struct {
	attempt   int
	baseDelay time.Duration
	maxDelay  time.Duration
}

func newBackoff() *backoff {
	return &backoff{
		baseDelay: 5 * time.Second,
		maxDelay:  5 * time.Minute,
	}
}

func (b *backoff) next() time.Duration {
	d := b.baseDelay
	for i := 0; i < b.attempt; i++ {
		d *= 2
		if d > b.maxDelay {
			d = b.maxDelay
			break
		}
	}
	b.attempt++
	jitter := float64(d) * 0.2 * (2*rand.Float64() - 1)
	d += time.Duration(jitter)
	if d < 0 {
		d = b.baseDelay
	}
	return d
}

func (b *backoff) reset() {
	b.attempt = 0
}
