package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flysight/flysightd/bluetooth"
	"github.com/flysight/flysightd/utils"
)

const version = "1.0.0"

type InfoResponse struct {
	Version string `json:"version"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type NavigateRequest struct {
	Action string `json:"action"` // "descend", "ascend" or "refresh"
	Name   string `json:"name,omitempty"`
}

type MaskRequest struct {
	Mask byte `json:"mask"`
}

type MaskResponse struct {
	Mask byte `json:"mask"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

func (s *Server) registerRoutes() {
	s.router.HandleFunc("/info", corsMiddleware(s.handleInfo))
	s.router.HandleFunc("/ws", s.handleWebSocket)

	s.router.HandleFunc("/device/state", corsMiddleware(s.handleState))
	s.router.HandleFunc("/device/connect", corsMiddleware(s.handleConnect))
	s.router.HandleFunc("/device/disconnect", corsMiddleware(s.handleDisconnect))
	s.router.HandleFunc("/device/navigate", corsMiddleware(s.handleNavigate))
	s.router.HandleFunc("/device/download", corsMiddleware(s.handleDownload))
	s.router.HandleFunc("/device/download/cancel", corsMiddleware(s.handleDownloadCancel))
	s.router.HandleFunc("/device/upload", corsMiddleware(s.handleUpload))
	s.router.HandleFunc("/device/upload/cancel", corsMiddleware(s.handleUploadCancel))
	s.router.HandleFunc("/device/gnss/mask", corsMiddleware(s.handleMask))
	s.router.HandleFunc("/device/start", corsMiddleware(s.handleStart))
	s.router.HandleFunc("/device/start/cancel", corsMiddleware(s.handleStartCancel))

	s.router.HandleFunc("/history", corsMiddleware(s.handleHistory))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade websocket connection: %v", err)
		return
	}

	s.wsHub.AddClient(conn)

	// Push the current state to the new client through the hub so the write
	// serializes with any concurrent broadcast.
	s.wsHub.Send(conn, utils.WebSocketEvent{
		Type:    "flysight/state",
		Payload: s.session.Snapshot(),
	})

	go func() {
		defer s.wsHub.RemoveClient(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, InfoResponse{Version: version})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.session.Snapshot())
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), time.Duration(bluetooth.ConnectTimeoutSec+bluetooth.ScanTimeoutSec)*time.Second)
	defer cancel()

	if err := s.session.Connect(ctx); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.session.Snapshot())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	if err := s.session.Disconnect(); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.session.Snapshot())
}

func (s *Server) handleNavigate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req NavigateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	switch req.Action {
	case "descend":
		if req.Name == "" {
			writeError(w, http.StatusBadRequest, "name required for descend")
			return
		}
		s.session.Descend(req.Name)
	case "ascend":
		s.session.Ascend()
	case "refresh":
		s.session.RefreshListing()
	default:
		writeError(w, http.StatusBadRequest, "unknown action")
		return
	}
	writeJSON(w, http.StatusAccepted, s.session.Snapshot())
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "path required")
		return
	}
	var size uint64
	if v := r.URL.Query().Get("size"); v != "" {
		var err error
		if size, err = strconv.ParseUint(v, 10, 32); err != nil {
			writeError(w, http.StatusBadRequest, "invalid size")
			return
		}
	}

	data, err := s.session.DownloadFile(r.Context(), path, uint32(size))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleDownloadCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	s.session.CancelDownload()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "path required")
		return
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if err := s.session.UploadFile(r.Context(), path, data); err != nil {
		writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleUploadCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	s.session.CancelUpload()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleMask(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		mask, err := s.session.FetchMask(r.Context())
		if err != nil {
			writeSessionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, MaskResponse{Mask: byte(mask)})

	case http.MethodPost:
		var req MaskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if err := s.session.SetMask(r.Context(), bluetooth.GNSSMask(req.Mask)); err != nil {
			writeSessionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, MaskResponse{Mask: req.Mask})

	default:
		writeError(w, http.StatusMethodNotAllowed, "GET or POST required")
	}
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	if err := s.session.Start(); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.session.Snapshot())
}

func (s *Server) handleStartCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	if err := s.session.CancelCountdown(); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.session.Snapshot())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		records, err := s.history.List()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, records)

	case http.MethodDelete:
		if err := s.history.Clear(); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		writeError(w, http.StatusMethodNotAllowed, "GET or DELETE required")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// writeSessionError maps session errors onto HTTP statuses.
func writeSessionError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, bluetooth.ErrNotConnected),
		errors.Is(err, bluetooth.ErrNotReady),
		errors.Is(err, bluetooth.ErrDisconnected):
		status = http.StatusServiceUnavailable
	case errors.Is(err, bluetooth.ErrRequestInFlight),
		errors.Is(err, bluetooth.ErrAlreadyConnected),
		errors.Is(err, bluetooth.ErrCountdownActive),
		errors.Is(err, bluetooth.ErrNoCountdown):
		status = http.StatusConflict
	case errors.Is(err, bluetooth.ErrUnsupportedMask):
		status = http.StatusBadRequest
	case errors.Is(err, bluetooth.ErrCancelled), errors.Is(err, context.Canceled):
		status = http.StatusRequestTimeout
	case errors.Is(err, bluetooth.ErrRequestTimeout), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	var devErr *bluetooth.DeviceError
	if errors.As(err, &devErr) {
		status = http.StatusBadGateway
	}
	writeError(w, status, err.Error())
}
