// Command humr is a two-process demo entrypoint for the peer-to-peer
// voice engine: one side listens for an inbound WebSocket connection,
// the other dials out, and both sides run a full device-to-device
// engine once the secure handshake completes. Grounded on the
// teacher's server/main.go flag/signal-handling shape, adapted from a
// multi-room chat server's listener to a single point-to-point dial/
// listen pair.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/gorilla/websocket"

	"humr/internal/deviceio"
	"humr/internal/engine"
	"humr/internal/engineconfig"
	"humr/internal/session"
	"humr/internal/transport"
)

func main() {
	listenAddr := flag.String("listen", "", "listen for an inbound connection at this address (e.g. :9443); mutually exclusive with -peer")
	peerURL := flag.String("peer", "", "dial a peer's websocket URL (e.g. ws://host:9443/humr); mutually exclusive with -listen")
	identitySeed := flag.String("identity-seed", "", "hex-encoded 32-byte seed for a stable identity (random if empty)")
	peerIdentity := flag.String("peer-identity", "", "hex-encoded Ed25519 public key of the peer to pin before dialing (dial mode only)")
	handshakeTimeout := flag.Duration("handshake-timeout", 10*time.Second, "time allowed for the secure handshake to complete")
	inputDevice := flag.Int("input-device", -1, "portaudio input device index (-1 for system default)")
	outputDevice := flag.Int("output-device", -1, "portaudio output device index (-1 for system default)")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if (*listenAddr == "") == (*peerURL == "") {
		log.Error("exactly one of -listen or -peer must be given")
		os.Exit(1)
	}

	identity, err := loadOrGenerateIdentity(*identitySeed)
	if err != nil {
		log.Error("identity setup failed", "error", err)
		os.Exit(1)
	}

	if err := portaudio.Initialize(); err != nil {
		log.Error("portaudio init failed", "error", err)
		os.Exit(1)
	}
	defer portaudio.Terminate()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Info("shutting down...")
		cancel()
	}()

	tr, err := establishTransport(ctx, log, *listenAddr, *peerURL)
	if err != nil {
		log.Error("transport setup failed", "error", err)
		os.Exit(1)
	}
	defer tr.Close()

	cfg := engineconfig.Default()
	eng, err := engine.New(log, cfg, tr, identity, session.NewTrustStore())
	if err != nil {
		log.Error("engine construction failed", "error", err)
		os.Exit(1)
	}

	hsCtx, hsCancel := context.WithTimeout(ctx, *handshakeTimeout)
	defer hsCancel()
	if *peerURL != "" {
		if *peerIdentity == "" {
			log.Error("-peer-identity is required in dial mode")
			os.Exit(1)
		}
		peerPub, err := decodeEd25519Public(*peerIdentity)
		if err != nil {
			log.Error("invalid -peer-identity", "error", err)
			os.Exit(1)
		}
		eng.ExpectedPeer(peerPub)
		if err := eng.InitiateHandshake(hsCtx, tr, time.Now().UnixMilli()); err != nil {
			log.Error("handshake failed", "error", err)
			os.Exit(1)
		}
	} else {
		if err := eng.AwaitHandshake(hsCtx, tr); err != nil {
			log.Error("handshake failed", "error", err)
			os.Exit(1)
		}
	}
	log.Info("secure session established", "identity", hex.EncodeToString(identity.Public))

	devices, err := deviceio.New(log, deviceio.Config{
		InputDeviceID:  *inputDevice,
		OutputDeviceID: *outputDevice,
	}, eng.CaptureRing(), eng.RenderRing())
	if err != nil {
		log.Error("device setup failed", "error", err)
		os.Exit(1)
	}
	if err := devices.Start(); err != nil {
		log.Error("device start failed", "error", err)
		os.Exit(1)
	}
	defer devices.Stop()

	if err := eng.Start(ctx); err != nil {
		log.Error("engine start failed", "error", err)
		os.Exit(1)
	}
	defer eng.Stop()

	log.Info("engine running; Ctrl-C to stop")
	<-ctx.Done()
}

func loadOrGenerateIdentity(seedHex string) (session.Identity, error) {
	if seedHex == "" {
		return session.NewIdentity()
	}
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return session.Identity{}, fmt.Errorf("decode -identity-seed: %w", err)
	}
	return session.IdentityFromSeed(seed)
}

func decodeEd25519Public(s string) (ed25519.PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode hex: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("expected %d bytes, got %d", ed25519.PublicKeySize, len(b))
	}
	return ed25519.PublicKey(b), nil
}

// establishTransport either dials peerURL or listens at listenAddr for
// one inbound websocket upgrade, matching the demo's single-peer scope
// (no accept loop for multiple simultaneous connections).
func establishTransport(ctx context.Context, log *slog.Logger, listenAddr, peerURL string) (transport.Transport, error) {
	if peerURL != "" {
		return transport.DialWebSocket(ctx, peerURL)
	}
	return acceptOneWebSocket(ctx, log, listenAddr)
}

func acceptOneWebSocket(ctx context.Context, log *slog.Logger, addr string) (transport.Transport, error) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}

	connCh := make(chan *websocket.Conn, 1)
	errCh := make(chan error, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/humr", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			errCh <- fmt.Errorf("upgrade: %w", err)
			return
		}
		connCh <- conn
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	log.Info("listening for one peer connection", "addr", addr, "path", "/humr")

	select {
	case conn := <-connCh:
		go srv.Shutdown(context.Background())
		return transport.NewWebSocketTransport(conn), nil
	case err := <-errCh:
		return nil, err
	case <-ctx.Done():
		srv.Shutdown(context.Background())
		return nil, ctx.Err()
	}
}
