// Package control exposes a running deployctl instance over a unix
// socket. The run command serves it; a deploy invoked from another
// shell goes through the instance that owns the managed processes
// instead of spawning a second supervisor.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/findertool/deployctl"
)

// Deployer runs releases. Satisfied by *deploy.Orchestrator.
type Deployer interface {
	Deploy(ctx context.Context) (deployctl.ReleaseAttempt, error)
}

// StatusReporter reports managed process states. Satisfied by
// *supervise.Supervisor.
type StatusReporter interface {
	Status() []deployctl.ServiceState
}

// ServerConfig holds configuration for the control Server.
type ServerConfig struct {
	// Socket is the unix socket path to serve on (required).
	Socket string

	// Deployer runs releases on behalf of clients (required).
	Deployer Deployer

	// Processes answers status requests (required).
	Processes StatusReporter

	// Logger is for observability (optional).
	Logger deployctl.Logger
}

// Server answers control requests on the unix socket.
type Server struct {
	config ServerConfig
	logger deployctl.Logger
	server *http.Server
}

// NewServer creates a control server. Call Start to bind the socket.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = deployctl.NopLogger{}
	}

	s := &Server{config: cfg, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/deploy", s.handleDeploy)
	mux.HandleFunc("/status", s.handleStatus)
	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start binds the socket and serves in the background. A stale socket
// file left by a crashed instance is replaced.
func (s *Server) Start() error {
	if dir := filepath.Dir(s.config.Socket); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create control socket directory: %w", err)
		}
	}
	if err := os.Remove(s.config.Socket); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove stale control socket: %w", err)
	}

	listener, err := net.Listen("unix", s.config.Socket)
	if err != nil {
		return fmt.Errorf("failed to bind control socket: %w", err)
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(context.Background(), "control server stopped", "error", err)
		}
	}()
	return nil
}

// Shutdown stops the server and removes the socket file.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.server.Shutdown(ctx)
	if removeErr := os.Remove(s.config.Socket); removeErr != nil && !errors.Is(removeErr, fs.ErrNotExist) && err == nil {
		err = removeErr
	}
	return err
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	s.logger.Info(r.Context(), "deploy requested over control socket")
	attempt, err := s.config.Deployer.Deploy(r.Context())

	code := http.StatusOK
	switch {
	case errors.Is(err, deployctl.ErrReleaseInProgress):
		code = http.StatusConflict
	case err != nil:
		code = http.StatusInternalServerError
	}
	writeJSON(w, code, encodeAttempt(attempt, err))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	states := s.config.Processes.Status()
	payload := make([]ProcessState, 0, len(states))
	for _, state := range states {
		payload = append(payload, ProcessState{
			Name:         state.Name,
			PID:          state.PID,
			Status:       string(state.Status),
			RestartCount: state.RestartCount,
			LastHealthAt: state.LastHealthAt,
		})
	}
	writeJSON(w, http.StatusOK, payload)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
