// Endpoint wraps a bound UDP address hosting QUIC connections: it enforces
// TLS 1.3, plumbs quic.Config knobs through functional options, and hands
// each accepted connection to a caller-supplied handler on the owning Loop.
package network

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/quic-go/quic-go"

	"github.com/mpretty-cyro/oxen-libquic/internal/logging"
	"github.com/mpretty-cyro/oxen-libquic/internal/loop"
)

// ErrNoTLSConfig is returned when an Endpoint is created without a TLS
// configuration. TLS credential machinery is an external collaborator;
// this library requires the caller to supply one rather than fabricating
// certificates.
var ErrNoTLSConfig = errors.New("network: endpoint requires a TLS config")

// ConnectionHandler is invoked, on the owning Loop thread, for every
// incoming QUIC connection that passes this Endpoint's peer-version gate
// (if one is configured).
type ConnectionHandler func(conn *quic.Conn)

type endpointConfig struct {
	tlsConfig             *tls.Config
	quicConfig            *quic.Config
	peerVersionConstraint *semver.Constraints
	handler               ConnectionHandler
}

// EndpointOption configures an Endpoint at construction time.
type EndpointOption func(*endpointConfig)

// WithTLSConfig supplies the TLS configuration QUIC requires.
func WithTLSConfig(c *tls.Config) EndpointOption {
	return func(cfg *endpointConfig) { cfg.tlsConfig = c }
}

// WithMaxIdleTimeout sets quic.Config.MaxIdleTimeout.
func WithMaxIdleTimeout(d time.Duration) EndpointOption {
	return func(cfg *endpointConfig) { cfg.quicConfig.MaxIdleTimeout = d }
}

// WithKeepAlivePeriod sets quic.Config.KeepAlivePeriod.
func WithKeepAlivePeriod(d time.Duration) EndpointOption {
	return func(cfg *endpointConfig) { cfg.quicConfig.KeepAlivePeriod = d }
}

// WithAllow0RTT enables 0-RTT resumption.
func WithAllow0RTT() EndpointOption {
	return func(cfg *endpointConfig) { cfg.quicConfig.Allow0RTT = true }
}

// WithConnectionHandler registers the callback invoked for each accepted
// connection.
func WithConnectionHandler(h ConnectionHandler) EndpointOption {
	return func(cfg *endpointConfig) { cfg.handler = h }
}

// RequirePeerVersion rejects incoming connections whose negotiated ALPN
// protocol (expected form "bt/<semver>") doesn't satisfy constraint.
func RequirePeerVersion(constraint string) EndpointOption {
	return func(cfg *endpointConfig) {
		c, err := semver.NewConstraint(constraint)
		if err == nil {
			cfg.peerVersionConstraint = c
		}
	}
}

// Endpoint hosts inbound QUIC connections on a bound UDP address.
type Endpoint struct {
	lp       *loop.Loop
	callerID loop.CallerID
	logger   logging.Logger

	addr     string
	listener *quic.Listener

	peerVersionConstraint *semver.Constraints
	handler               ConnectionHandler

	acceptCancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

func newEndpoint(l *loop.Loop, localAddr string, callerID loop.CallerID, logger logging.Logger, opts ...EndpointOption) (*Endpoint, error) {
	cfg := &endpointConfig{quicConfig: &quic.Config{}}
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.tlsConfig == nil {
		return nil, ErrNoTLSConfig
	}

	tlsConf := cfg.tlsConfig
	if tlsConf.MinVersion == 0 || tlsConf.MinVersion < tls.VersionTLS13 {
		c := tlsConf.Clone()
		c.MinVersion = tls.VersionTLS13
		tlsConf = c
	}

	ln, err := quic.ListenAddr(localAddr, tlsConf, cfg.quicConfig)
	if err != nil {
		return nil, err
	}

	ep := &Endpoint{
		lp:                    l,
		callerID:              callerID,
		logger:                logger,
		addr:                  localAddr,
		listener:              ln,
		peerVersionConstraint: cfg.peerVersionConstraint,
		handler:               cfg.handler,
	}

	ep.startAcceptLoop()

	return ep, nil
}

// Addr returns the bound local address.
func (ep *Endpoint) Addr() string { return ep.listener.Addr().String() }

func (ep *Endpoint) startAcceptLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	ep.acceptCancel = cancel

	go func() {
		for {
			conn, err := ep.listener.Accept(ctx)
			if err != nil {
				return
			}

			c := conn

			// The QUIC wire stack is entirely quic-go's own engine, but
			// every user-observable callback must still run on the Loop
			// thread.
			_ = ep.lp.CallSoon(func() { ep.handleConn(c) })
		}
	}()
}

func (ep *Endpoint) handleConn(conn *quic.Conn) {
	if ep.peerVersionConstraint != nil {
		proto := conn.ConnectionState().TLS.NegotiatedProtocol

		v, err := parsePeerVersion(proto)
		if err != nil || !ep.peerVersionConstraint.Check(v) {
			ep.logger.Error("network: rejecting peer with incompatible protocol version:", proto)
			_ = conn.CloseWithError(0, "unsupported protocol version")

			return
		}
	}

	if ep.handler != nil {
		ep.handler(conn)
	}
}

func parsePeerVersion(alpnProtocol string) (*semver.Version, error) {
	const prefix = "bt/"
	if !strings.HasPrefix(alpnProtocol, prefix) {
		return nil, fmt.Errorf("network: ALPN protocol %q carries no version prefix", alpnProtocol)
	}

	return semver.NewVersion(strings.TrimPrefix(alpnProtocol, prefix))
}

// Close closes the Endpoint: stops the accept loop and closes the listener.
// ctx is not used; Close does not wait on connections already accepted.
func (ep *Endpoint) Close(ctx context.Context) error {
	ep.mu.Lock()
	if ep.closed {
		ep.mu.Unlock()
		return nil
	}

	ep.closed = true
	ep.mu.Unlock()

	if ep.acceptCancel != nil {
		ep.acceptCancel()
	}

	return ep.listener.Close()
}

// CloseImmediate closes the Endpoint exactly as Close does; there is no
// separate graceful phase for it to skip.
func (ep *Endpoint) CloseImmediate() error {
	return ep.Close(context.Background())
}

// Dial opens an outbound QUIC connection to remoteAddr. It is a free
// function rather than a Network/Endpoint method because dialing creates
// no Ticker and therefore needs no caller-id.
func Dial(ctx context.Context, remoteAddr string, tlsConf *tls.Config, quicConf *quic.Config) (*quic.Conn, error) {
	if tlsConf == nil {
		return nil, ErrNoTLSConfig
	}

	if tlsConf.MinVersion == 0 || tlsConf.MinVersion < tls.VersionTLS13 {
		c := tlsConf.Clone()
		c.MinVersion = tls.VersionTLS13
		tlsConf = c
	}

	return quic.DialAddr(ctx, remoteAddr, tlsConf, quicConf)
}
