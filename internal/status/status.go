// Package status serves liveness, readiness and metrics over HTTP.
package status

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// State is the lifecycle state of the daemon.
type State string

const (
	Starting  State = "starting"
	Ready     State = "ready"
	Reloading State = "reloading"
	Stopping  State = "stopping"
	Failed    State = "failed"
)

// Tracker holds the state reported by the status endpoints. The zero value
// is in the Starting state.
type Tracker struct {
	mu      sync.RWMutex
	state   State
	since   time.Time
	message string
	workers map[string]string
}

// Set records a state transition with an optional message.
func (t *Tracker) Set(s State, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
	t.message = message
	t.since = time.Now()
}

// State returns the current state.
func (t *Tracker) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.state == "" {
		return Starting
	}
	return t.state
}

// SetWorker records the running generation of a worker.
func (t *Tracker) SetWorker(name, generation string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.workers == nil {
		t.workers = make(map[string]string)
	}
	t.workers[name] = generation
}

// RemoveWorker forgets a worker that is no longer running.
func (t *Tracker) RemoveWorker(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.workers, name)
}

type workerJSON struct {
	Name       string `json:"name"`
	Generation string `json:"generation"`
}

type snapshotJSON struct {
	State   State        `json:"state"`
	Since   *time.Time   `json:"since,omitempty"`
	Message string       `json:"message,omitempty"`
	Workers []workerJSON `json:"workers"`
}

func (t *Tracker) snapshot() snapshotJSON {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := snapshotJSON{State: t.state, Message: t.message, Workers: []workerJSON{}}
	if s.State == "" {
		s.State = Starting
	}
	if !t.since.IsZero() {
		since := t.since
		s.Since = &since
	}
	for name, gen := range t.workers {
		s.Workers = append(s.Workers, workerJSON{Name: name, Generation: gen})
	}
	sort.Slice(s.Workers, func(i, j int) bool { return s.Workers[i].Name < s.Workers[j].Name })
	return s
}

// NewRouter builds the gin engine serving the status endpoints.
func NewRouter(t *Tracker) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, t.snapshot())
	})
	router.GET("/readyz", func(c *gin.Context) {
		snap := t.snapshot()
		code := http.StatusOK
		if snap.State != Ready {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, snap)
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return router
}

// ServerOpts holds configuration for the status server.
type ServerOpts struct {
	Listen  string
	Tracker *Tracker
	Logger  zerolog.Logger
}

// Server is a bound status server.
type Server struct {
	srv *http.Server
	ln  net.Listener
	log zerolog.Logger
}

// Listen binds the status address so that errors surface at startup.
func Listen(opts ServerOpts) (*Server, error) {
	if opts.Tracker == nil {
		return nil, fmt.Errorf("status: tracker is required")
	}
	ln, err := net.Listen("tcp", opts.Listen)
	if err != nil {
		return nil, fmt.Errorf("status: listen %s: %w", opts.Listen, err)
	}
	gin.SetMode(gin.ReleaseMode)
	return &Server{
		srv: &http.Server{
			Handler:           NewRouter(opts.Tracker),
			ReadHeaderTimeout: 5 * time.Second,
		},
		ln:  ln,
		log: opts.Logger,
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Serve blocks until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.Addr()).Msg("status server listening")
	if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("status: %w", err)
	}
	return nil
}
