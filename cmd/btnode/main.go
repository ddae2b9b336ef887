// Command btnode is an example wiring binary: it combines Loop, Network,
// and BTRequestStream over a real QUIC connection, with TLS credentials
// hot-reloaded off disk. It is a usage example, not a deployable service.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/quic-go/quic-go"

	"github.com/mpretty-cyro/oxen-libquic/internal/btstream"
	"github.com/mpretty-cyro/oxen-libquic/internal/config"
	"github.com/mpretty-cyro/oxen-libquic/internal/logging"
	"github.com/mpretty-cyro/oxen-libquic/internal/network"
)

func main() {
	var (
		addr           string
		certFile       string
		keyFile        string
		dialAddr       string
		peerConstraint string
		insecure       bool
	)

	flag.StringVar(&addr, "addr", ":4433", "local UDP address to listen on")
	flag.StringVar(&certFile, "cert", "", "TLS certificate file (PEM), required in server mode")
	flag.StringVar(&keyFile, "key", "", "TLS private key file (PEM), required in server mode")
	flag.StringVar(&dialAddr, "dial", "", "if set, dial this remote address instead of listening")
	flag.StringVar(&peerConstraint, "peer-version", "", `semver constraint peers must satisfy, e.g. ">=1.0.0" (enforced in server mode; client mode only prints the peer's protocol)`)
	flag.BoolVar(&insecure, "insecure", false, "skip TLS certificate verification (client mode only)")
	flag.Parse()

	logger := logging.NewStd()

	var err error
	if dialAddr != "" {
		err = runClient(dialAddr, peerConstraint, insecure, logger)
	} else {
		if certFile == "" || keyFile == "" {
			fmt.Fprintln(os.Stderr, "btnode: --cert and --key are required in server mode")
			os.Exit(2)
		}

		err = runServer(addr, certFile, keyFile, peerConstraint, logger)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "btnode:", err)
		os.Exit(1)
	}
}

func alpnProtocol() string {
	return "bt/" + config.ProtocolVersion.String()
}

// loadServerTLSConfig watches certFile/keyFile with fsnotify and reloads
// the served certificate on change, so a long-running node never needs a
// restart to pick up a renewed certificate.
func loadServerTLSConfig(certFile, keyFile string) (*tls.Config, func(), error) {
	var certPtr atomic.Pointer[tls.Certificate]

	load := func() error {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return err
		}

		certPtr.Store(&cert)

		return nil
	}

	if err := load(); err != nil {
		return nil, nil, fmt.Errorf("load initial certificate: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	for _, f := range []string{certFile, keyFile} {
		if err := watcher.Add(f); err != nil {
			_ = watcher.Close()
			return nil, nil, fmt.Errorf("watch %s: %w", f, err)
		}
	}

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}

				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}

				if err := load(); err != nil {
					fmt.Fprintln(os.Stderr, "btnode: certificate reload failed:", err)
				}
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}

				fmt.Fprintln(os.Stderr, "btnode: fsnotify error:", werr)
			}
		}
	}()

	cfg := &tls.Config{
		MinVersion: tls.VersionTLS13,
		NextProtos: []string{alpnProtocol()},
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			return certPtr.Load(), nil
		},
	}

	return cfg, func() { _ = watcher.Close() }, nil
}

func runServer(addr, certFile, keyFile, peerConstraint string, logger logging.Logger) error {
	tlsCfg, stopWatch, err := loadServerTLSConfig(certFile, keyFile)
	if err != nil {
		return err
	}
	defer stopWatch()

	n := network.New(network.WithLogger(logger))
	defer n.Close(context.Background(), false)

	opts := []network.EndpointOption{
		network.WithTLSConfig(tlsCfg),
		network.WithConnectionHandler(func(conn *quic.Conn) {
			go handleInboundConnection(n, conn, logger)
		}),
	}

	if peerConstraint != "" {
		opts = append(opts, network.RequirePeerVersion(peerConstraint))
	}

	ep, err := n.Endpoint(addr, opts...)
	if err != nil {
		return fmt.Errorf("create endpoint: %w", err)
	}

	fmt.Println("btnode: listening on", ep.Addr())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	fmt.Println("btnode: shutting down")

	return nil
}

func handleInboundConnection(n *network.Network, conn *quic.Conn, logger logging.Logger) {
	stream, err := conn.AcceptStream(context.Background())
	if err != nil {
		logger.Error("btnode: accept stream failed:", err)
		return
	}

	bs := btstream.Open(n.Loop(), stream, btstream.WithLogger(logger), btstream.WithCallerID(n.CallerID()))
	bs.Handle("echo", func(msg *btstream.Message) {
		_ = msg.Respond(msg.Body, false)
	})
}

func runClient(remoteAddr, peerConstraint string, insecure bool, logger logging.Logger) error {
	tlsCfg := &tls.Config{
		MinVersion:         tls.VersionTLS13,
		NextProtos:         []string{alpnProtocol()},
		InsecureSkipVerify: insecure,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := network.Dial(ctx, remoteAddr, tlsCfg, &quic.Config{})
	if err != nil {
		return fmt.Errorf("dial %s: %w", remoteAddr, err)
	}
	defer conn.CloseWithError(0, "")

	if peerConstraint != "" {
		proto := conn.ConnectionState().TLS.NegotiatedProtocol
		fmt.Println("btnode: peer advertised protocol:", proto)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}

	n := network.New(network.WithLogger(logger))
	defer n.Close(context.Background(), false)

	bs := btstream.Open(n.Loop(), stream, btstream.WithLogger(logger), btstream.WithCallerID(n.CallerID()))
	defer bs.Close()

	done := make(chan struct{})

	if _, err := bs.SendCommand("echo", []byte("hello"), 5*time.Second, func(msg *btstream.Message, err error) {
		defer close(done)

		if err != nil {
			fmt.Fprintln(os.Stderr, "btnode: command failed:", err)
			return
		}

		fmt.Println("btnode: echo reply:", string(msg.Body))
	}); err != nil {
		return fmt.Errorf("send command: %w", err)
	}

	select {
	case <-done:
	case <-ctx.Done():
	}

	return nil
}
