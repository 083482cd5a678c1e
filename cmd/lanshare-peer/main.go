// Command lanshare-peer runs one LAN transport endpoint: it accepts inbound
// peer connections, drives the secure handshake and file-transfer engine,
// and can push a message or a file to another running peer.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/floegence/lanshare/client"
	"github.com/floegence/lanshare/crypto/e2ee"
	"github.com/floegence/lanshare/identity"
	"github.com/floegence/lanshare/internal/cmdutil"
	fsversion "github.com/floegence/lanshare/internal/version"
	"github.com/floegence/lanshare/observability"
	"github.com/floegence/lanshare/observability/prom"
	"github.com/floegence/lanshare/server"
	"github.com/floegence/lanshare/transfer"
	"github.com/floegence/lanshare/wire"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

type switchHandler struct {
	mu      sync.RWMutex
	handler http.Handler
}

func newSwitchHandler() *switchHandler {
	return &switchHandler{handler: http.NotFoundHandler()}
}

func (h *switchHandler) Set(next http.Handler) {
	if next == nil {
		next = http.NotFoundHandler()
	}
	h.mu.Lock()
	h.handler = next
	h.mu.Unlock()
}

func (h *switchHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	handler := h.handler
	h.mu.RUnlock()
	handler.ServeHTTP(w, r)
}

type ready struct {
	Version    string `json:"version"`
	Commit     string `json:"commit"`
	Date       string `json:"date"`
	DeviceID   string `json:"device_id"`
	Listen     string `json:"listen"`
	MetricsURL string `json:"metrics_url,omitempty"`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	logger := log.New(stderr, "", log.LstdFlags)

	listen := cmdutil.EnvString("LANSHARE_LISTEN", "0.0.0.0:0")
	displayName := cmdutil.EnvString("LANSHARE_DISPLAY_NAME", "")
	destDir := cmdutil.EnvString("LANSHARE_DEST_DIR", "transfers")
	metricsListen := cmdutil.EnvString("LANSHARE_METRICS_LISTEN", "")
	allowPlaintextLegacy, err := cmdutil.EnvBool("LANSHARE_ALLOW_PLAINTEXT_LEGACY", false)
	if err != nil {
		fmt.Fprintf(stderr, "invalid LANSHARE_ALLOW_PLAINTEXT_LEGACY: %v\n", err)
		return 2
	}
	idleTimeout, err := cmdutil.EnvDuration("LANSHARE_IDLE_TIMEOUT", 120*time.Second)
	if err != nil {
		fmt.Fprintf(stderr, "invalid LANSHARE_IDLE_TIMEOUT: %v\n", err)
		return 2
	}

	var sendToAddr, sendToPeer, sendFile, sendText string
	showVersion := false

	fs := flag.NewFlagSet("lanshare-peer", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	fs.StringVar(&listen, "listen", listen, "listen address (env: LANSHARE_LISTEN)")
	fs.StringVar(&displayName, "display-name", displayName, "this device's display name (env: LANSHARE_DISPLAY_NAME)")
	fs.StringVar(&destDir, "dest-dir", destDir, "directory received files are written to (env: LANSHARE_DEST_DIR)")
	fs.StringVar(&metricsListen, "metrics-listen", metricsListen, "listen address for the Prometheus metrics server (empty disables) (env: LANSHARE_METRICS_LISTEN)")
	fs.BoolVar(&allowPlaintextLegacy, "allow-plaintext-legacy", allowPlaintextLegacy, "accept connections that skip the secure handshake (env: LANSHARE_ALLOW_PLAINTEXT_LEGACY)")
	fs.DurationVar(&idleTimeout, "idle-timeout", idleTimeout, "idle timeout between frames on a connection (env: LANSHARE_IDLE_TIMEOUT)")
	fs.StringVar(&sendToAddr, "send-to", "", "peer address (host:port) to send --file or --text to, then exit")
	fs.StringVar(&sendToPeer, "send-to-id", "", "peer device id to send --file or --text to (required with --send-to)")
	fs.StringVar(&sendFile, "file", "", "file path to send (used with --send-to)")
	fs.StringVar(&sendText, "text", "", "text message to send (used with --send-to)")
	fs.Usage = func() {
		out := fs.Output()
		fmt.Fprintln(out, "Usage:")
		fmt.Fprintln(out, "  lanshare-peer [flags]                       run as a listening peer")
		fmt.Fprintln(out, "  lanshare-peer --send-to host:port --send-to-id <id> --file path   send a file and exit")
		fmt.Fprintln(out, "")
		fmt.Fprintln(out, "Flags:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if showVersion {
		fmt.Fprintln(stdout, fsversion.String(version, commit, date))
		return 0
	}

	self := identity.New(displayName, runtime.GOOS)

	obs := observability.NewAtomicObserver()

	srv := server.New(self.DeviceID, 256)
	srv.IdleTimeout = idleTimeout
	srv.AllowPlaintextLegacy = allowPlaintextLegacy
	srv.Observer = obs
	srv.Logger = logger

	engine := transfer.NewEngine(destDir)
	engine.Observer = obs
	engine.Logger = logger

	pool := client.NewPool(self.DeviceID, client.WithPlaintextFallback(allowPlaintextLegacy), client.WithObserver(obs), client.WithLogger(logger))
	defer pool.Close()

	if sendToAddr != "" {
		if sendToPeer == "" {
			return reportErr(stderr, &cmdutil.UsageError{Msg: "--send-to requires --send-to-id"})
		}
		return runOneShotSend(stderr, pool, self.DeviceID, sendToPeer, sendToAddr, sendFile, sendText)
	}

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	var metricsLn net.Listener
	var metricsSrv *http.Server
	if metricsListen != "" {
		reg := prom.NewRegistry()
		promObs := prom.NewObserver(reg)
		obs.Set(promObs)

		handler := newSwitchHandler()
		handler.Set(prom.Handler(reg))
		mux := http.NewServeMux()
		mux.Handle("/metrics", handler)

		metricsLn, err = net.Listen("tcp", metricsListen)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		metricsSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.Serve(metricsLn); err != nil && err != http.ErrServerClosed {
				logger.Printf("metrics server: %v", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveDone := make(chan error, 1)
	go func() { serveDone <- srv.Serve(ctx, ln) }()

	go dispatchEvents(logger, srv, engine)
	go dispatchTransferEvents(logger, engine)

	out := ready{
		Version:  version,
		Commit:   commit,
		Date:     date,
		DeviceID: self.DeviceID,
		Listen:   ln.Addr().String(),
	}
	if metricsLn != nil {
		out.MetricsURL = "http://" + metricsLn.Addr().String() + "/metrics"
	}
	_ = cmdutil.WriteJSON(stdout, out, false)

	sig := make(chan os.Signal, 2)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	cancel()
	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsSrv.Shutdown(shutdownCtx)
		shutdownCancel()
	}
	<-serveDone
	return 0
}

// dispatchEvents drains srv.Events, routing file-transfer frames into engine
// and logging everything else. It tracks one stream decryptor per transfer
// id, built the moment a FILE_STREAM_INIT frame names that transfer.
func dispatchEvents(logger *log.Logger, srv *server.Server, engine *transfer.Engine) {
	var mu sync.Mutex
	streamCiphers := make(map[string]*e2ee.StreamCipher)

	for ev := range srv.Events {
		switch ev.Kind {
		case server.EventConnected:
			logger.Printf("peer connected: %s", ev.PeerID)
		case server.EventDisconnected:
			logger.Printf("peer disconnected: %s (err=%v)", ev.PeerID, ev.Err)
		case server.EventHandshakeFailed:
			logger.Printf("handshake failed: peer=%s err=%v", ev.PeerID, ev.Err)
		case server.EventPlaintextFallback:
			logger.Printf("security-warning: plaintext connection from %s", ev.PeerID)
		case server.EventSecurityWarning:
			logger.Printf("security-warning: peer=%s err=%v", ev.PeerID, ev.Err)
		case server.EventSecurityError:
			logger.Printf("security-error: peer=%s frame-type=%d err=%v", ev.PeerID, ev.Type, ev.Err)
		case server.EventMessage:
			handleMessage(logger, srv, engine, &mu, streamCiphers, ev)
		}
	}
}

// dispatchTransferEvents drains engine.Events and logs transfer lifecycle
// notifications alongside dispatchEvents' connection-level logging.
func dispatchTransferEvents(logger *log.Logger, engine *transfer.Engine) {
	for ev := range engine.Events {
		if ev.Err != nil {
			logger.Printf("transfer %s: %s peer=%s err=%v", ev.TransferID, ev.Kind, ev.PeerID, ev.Err)
			continue
		}
		logger.Printf("transfer %s: %s peer=%s", ev.TransferID, ev.Kind, ev.PeerID)
	}
}

func handleMessage(logger *log.Logger, srv *server.Server, engine *transfer.Engine, mu *sync.Mutex, streamCiphers map[string]*e2ee.StreamCipher, ev server.Event) {
	switch ev.Type {
	case wire.MsgTextMessage:
		var msg struct {
			Content string `json:"content"`
		}
		if err := json.Unmarshal(ev.Payload, &msg); err != nil {
			logger.Printf("bad text message from %s: %v", ev.PeerID, err)
			return
		}
		logger.Printf("message from %s: %s", ev.PeerID, msg.Content)

	case wire.MsgFileStreamInit:
		var init transfer.FileStreamInitMsg
		if err := json.Unmarshal(ev.Payload, &init); err != nil {
			logger.Printf("bad stream init from %s: %v", ev.PeerID, err)
			return
		}
		session, ok := srv.Handshakes.Session(ev.PeerID)
		if !ok {
			logger.Printf("stream init from %s with no session", ev.PeerID)
			return
		}
		sc, err := session.CreateFileDecryptor(init.IV)
		if err != nil {
			logger.Printf("create file decryptor for %s: %v", ev.PeerID, err)
			return
		}
		mu.Lock()
		streamCiphers[init.TransferID] = sc
		mu.Unlock()

	case wire.MsgFileData:
		header, _, err := wire.DecodeFileData(ev.Payload)
		if err != nil {
			logger.Printf("bad file data from %s: %v", ev.PeerID, err)
			return
		}
		mu.Lock()
		sc := streamCiphers[header.TransferID]
		mu.Unlock()
		if err := engine.Dispatch(ev.Type, ev.Payload, sc); err != nil {
			logger.Printf("file data dispatch: %v", err)
		}

	case wire.MsgFileRequest:
		if err := engine.Dispatch(ev.Type, ev.Payload, nil); err != nil {
			logger.Printf("transfer dispatch (%d) from %s: %v", ev.Type, ev.PeerID, err)
			return
		}
		// No interactive UI to ask a human: auto-accept every inbound
		// request and let the sender know over the same connection.
		var req transfer.FileRequestMsg
		if err := json.Unmarshal(ev.Payload, &req); err != nil {
			logger.Printf("bad file request from %s: %v", ev.PeerID, err)
			return
		}
		if _, err := engine.AcceptTransfer(req.TransferID); err != nil {
			logger.Printf("accept transfer %s: %v", req.TransferID, err)
			return
		}
		if ev.Chan != nil {
			if err := ev.Chan.SendMessage(wire.MsgFileAck, transfer.FileAckMsg{TransferID: req.TransferID, Accept: true}); err != nil {
				logger.Printf("send file ack for %s: %v", req.TransferID, err)
			}
		}

	case wire.MsgFileComplete, wire.MsgFileCancel:
		if err := engine.Dispatch(ev.Type, ev.Payload, nil); err != nil {
			logger.Printf("transfer dispatch (%d) from %s: %v", ev.Type, ev.PeerID, err)
		}
		if ev.Type == wire.MsgFileComplete {
			mu.Lock()
			var msg transfer.FileCompleteMsg
			if err := json.Unmarshal(ev.Payload, &msg); err == nil {
				delete(streamCiphers, msg.TransferID)
			}
			mu.Unlock()
		}

	case wire.MsgFileAck, wire.MsgFileReject:
		if err := engine.Dispatch(ev.Type, ev.Payload, nil); err != nil {
			logger.Printf("transfer dispatch (%d) from %s: %v", ev.Type, ev.PeerID, err)
		}

	default:
		logger.Printf("unhandled frame type %d from %s", ev.Type, ev.PeerID)
	}
}

func runOneShotSend(stderr io.Writer, pool *client.Pool, selfID, peerID, addr, file, text string) int {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if file != "" {
		if _, err := os.Stat(file); err != nil {
			return reportErr(stderr, err)
		}
		ch, err := pool.GetOrDial(ctx, peerID, addr)
		if err != nil {
			return reportErr(stderr, err)
		}
		engine := transfer.NewEngine("")
		if _, err := engine.Send(ch, file, selfID, peerID); err != nil {
			return reportErr(stderr, err)
		}
		return 0
	}
	if text != "" {
		if err := pool.Send(ctx, peerID, addr, wire.MsgTextMessage, struct {
			Content string `json:"content"`
		}{Content: text}); err != nil {
			return reportErr(stderr, err)
		}
		return 0
	}
	return reportErr(stderr, &cmdutil.UsageError{Msg: "--send-to requires --file or --text"})
}

// reportErr prints err to stderr and returns the exit code convention the
// teacher's cmd/ binaries share: 2 for a usage/config error, 1 otherwise.
func reportErr(stderr io.Writer, err error) int {
	fmt.Fprintln(stderr, err)
	if cmdutil.IsUsage(err) {
		return 2
	}
	return 1
}
