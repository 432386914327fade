package server

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flysight/flysightd/bluetooth"
	"github.com/flysight/flysightd/storage"
	"github.com/flysight/flysightd/utils"
)

// Server holds the dependencies for the HTTP server.
type Server struct {
	session *bluetooth.Session
	history *storage.HistoryStore
	wsHub   *utils.WebSocketHub
	router  *http.ServeMux
	addr    string
}

// NewServer creates a new Server instance.
func NewServer(addr string, session *bluetooth.Session, history *storage.HistoryStore, wsHub *utils.WebSocketHub) *Server {
	s := &Server{
		session: session,
		history: history,
		wsHub:   wsHub,
		router:  http.NewServeMux(),
		addr:    addr,
	}
	s.registerRoutes()
	return s
}

// Start starts the HTTP server and blocks until SIGINT/SIGTERM.
func (s *Server) Start() {
	server := &http.Server{
		Addr:    s.addr,
		Handler: s.router,
	}

	go func() {
		log.Printf("Starting server on %s", s.addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Could not start server: %v", err)
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server shutdown failed: %v", err)
	}

	log.Println("Server gracefully stopped")
}
