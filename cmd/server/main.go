package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hexlunapng/fixing-Razers-skidded-code/pkg/store"
	"github.com/hexlunapng/fixing-Razers-skidded-code/pkg/token"
	"github.com/hexlunapng/fixing-Razers-skidded-code/pkg/xmpp"
)

func main() {
	configPath := flag.String("config", "~/.fortbak/config.toml", "Path to config file")
	debug := flag.Bool("debug", false, "Enable per-stanza debug logging")
	flag.Parse()

	if *debug {
		xmpp.EnableDebugLogging()
	}

	config, err := xmpp.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if config.Auth.JWTSecret == "" {
		log.Fatal("JWT secret is not set (config [auth] jwt_secret or JWT_SECRET)")
	}

	dbPath, err := xmpp.ExpandTilde(config.Database.Path)
	if err != nil {
		log.Fatalf("Failed to resolve database path: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}

	db, err := store.Open(dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	tokens := token.NewService(config.Auth.JWTSecret)

	server := xmpp.NewServer(xmpp.ServerConfig{
		Domain:           config.Server.Domain,
		MaxMessageLength: config.Limits.MaxMessageLength,
	}, tokens, db, db)

	// The friends service feeds relationship events straight into the
	// presence server.
	friends := store.NewFriendService(db, server)

	// Internal metrics listener - never expose publicly.
	go func() {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", server.Metrics().Handler())
		metricsMux.HandleFunc("/health", server.HealthHandler)
		addr := fmt.Sprintf(":%d", config.Server.MetricsPort)
		log.Printf("Metrics server listening on %s (/metrics, /health) - INTERNAL ONLY", addr)
		if err := http.ListenAndServe(addr, metricsMux); err != nil {
			log.Printf("Metrics server error: %v", err)
		}
	}()

	// Public listener: XMPP-over-WebSocket upgrades on any path, plain HTTP
	// status routes otherwise.
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			server.HandleWebSocket(w, r)
			return
		}
		server.StatusHandler(w, r)
	})
	mux.HandleFunc("/clients", server.ClientsHandler)
	mux.HandleFunc("/friends/", friendsHandler(friends))
	mux.HandleFunc("/blocklist/", blocklistHandler(friends))

	addr := fmt.Sprintf(":%d", config.Server.XMPPPort)
	httpServer := &http.Server{Addr: addr, Handler: mux}

	go func() {
		log.Printf("XMPP started on port %d", config.Server.XMPPPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("XMPP server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Graceful shutdown initiated...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	log.Println("Graceful shutdown complete")
}

// pathPair extracts the two account ids from /prefix/{accountId}/{friendId}.
func pathPair(path string) (string, string, bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

func friendsHandler(friends *store.FriendService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, friendID, ok := pathPair(r.URL.Path)
		if !ok {
			http.NotFound(w, r)
			return
		}

		var err error
		switch r.Method {
		case http.MethodPost:
			err = friends.AddOrAccept(accountID, friendID)
		case http.MethodDelete:
			err = friends.Remove(accountID, friendID)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeFriendResult(w, err)
	}
}

func blocklistHandler(friends *store.FriendService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, friendID, ok := pathPair(r.URL.Path)
		if !ok {
			http.NotFound(w, r)
			return
		}

		var err error
		switch r.Method {
		case http.MethodPost:
			err = friends.Block(accountID, friendID)
		case http.MethodDelete:
			err = friends.Remove(accountID, friendID)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeFriendResult(w, err)
	}
}

func writeFriendResult(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, store.ErrUserNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, store.ErrSelfFriendship),
		errors.Is(err, store.ErrAlreadyFriends),
		errors.Is(err, store.ErrFriendshipBlocked):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		log.Printf("Friend operation failed: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
