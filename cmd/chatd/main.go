// Command chatd runs the chat daemon: it loads configuration, wires the
// user store, session registry, room registry, and AI completer into a
// Listener, and serves until a termination signal arrives. Grounded on the
// teacher's server/shutdown.go signalHandler/listenAndServe shape.
package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lanternchat/lantern/internal/ai"
	"github.com/lanternchat/lantern/internal/config"
	"github.com/lanternchat/lantern/internal/connhandler"
	"github.com/lanternchat/lantern/internal/metrics"
	"github.com/lanternchat/lantern/internal/room"
	"github.com/lanternchat/lantern/internal/session"
	"github.com/lanternchat/lantern/internal/userstore"
)

const tokenSerial = 1

// sessionSweepInterval is how often the session registry's background
// sweeper wakes to remove expired sessions, per spec section 4.2's "every
// ~60s" (distinct from SessionTTL, which governs how long a session lives).
const sessionSweepInterval = 60 * time.Second

func main() {
	configPath := flag.String("config", "", "path to a JSON config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("chatd: loading config: %v", err)
	}

	users, err := userstore.Open(cfg.UserFile)
	if err != nil {
		log.Fatalf("chatd: opening user store: %v", err)
	}

	sessions := session.NewRegistry(cfg.TokenSigningKey, tokenSerial, sessionSweepInterval)
	defer sessions.Shutdown()

	rooms := room.NewRegistry(cfg.RoomHistoryCap)
	if err := rooms.Bootstrap(cfg.DefaultAIRoomName, cfg.DefaultAISystemPrompt); err != nil {
		log.Fatalf("chatd: bootstrapping rooms: %v", err)
	}

	completer := ai.New(cfg.AIEndpointURL, cfg.AIConnectTimeout, cfg.AIReadTimeout, cfg.AICacheTTL)

	deps := connhandler.Deps{
		Users:             users,
		Sessions:          sessions,
		Rooms:             rooms,
		AI:                completer,
		SessionTTL:        cfg.SessionTTL,
		HeartbeatInterval: cfg.HeartbeatSrv,
		ReadTimeout:       3 * cfg.HeartbeatCli,
	}

	stop := signalHandler()

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr)
	}

	if cfg.WebsocketAddr != "" {
		go func() {
			if err := connhandler.ServeWebsocket(cfg.WebsocketAddr, cfg.WebsocketPath, deps); err != nil {
				log.Printf("chatd: websocket server stopped: %v", err)
			}
		}()
	}

	ln, err := newListener(cfg, deps)
	if err != nil {
		log.Fatalf("chatd: starting listener: %v", err)
	}

	servedone := make(chan struct{})
	go func() {
		if err := ln.Serve(); err != nil {
			log.Printf("chatd: listener stopped: %v", err)
		}
		close(servedone)
	}()

	log.Printf("chatd: listening on %s", cfg.ListenAddr)

	select {
	case <-stop:
		log.Printf("chatd: shutting down")
		ln.Close()
		<-servedone
	case <-servedone:
	}
}

// newListener builds the TLS listener. When TLS is not configured or its
// setup fails, it falls back to plaintext only if the operator has
// explicitly opted in via AllowPlaintext (spec section 4.8). TLS is never
// skipped silently.
func newListener(cfg config.Config, deps connhandler.Deps) (*connhandler.Listener, error) {
	if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		ln, err := connhandler.NewTLS(cfg.ListenAddr, cfg.TLSCertFile, cfg.TLSKeyFile, cfg.MaxConnections, deps)
		if err == nil || !cfg.AllowPlaintext {
			return ln, err
		}
		log.Printf("chatd: ERROR TLS setup failed: %v", err)
	} else if !cfg.AllowPlaintext {
		log.Fatalf("chatd: no TLS certificate configured and allow_plaintext is false")
	}
	log.Printf("chatd: WARNING serving plaintext without TLS")
	return connhandler.NewPlaintext(cfg.ListenAddr, cfg.MaxConnections, deps)
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(os.Stdout))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Printf("chatd: metrics server stopped: %v", err)
	}
}

// signalHandler returns a channel that receives once when SIGINT, SIGTERM,
// or SIGHUP arrives, matching the teacher's server/shutdown.go.
func signalHandler() <-chan struct{} {
	stop := make(chan struct{})
	sigchan := make(chan os.Signal, 1)
	signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	go func() {
		sig := <-sigchan
		log.Printf("chatd: signal received: %s", sig)
		close(stop)
	}()

	return stop
}
