// Package scheduler owns the GPU slot pool and the managed local vLLM server
// processes. Local runs are admitted immediately when their slot requirement
// fits, otherwise they wait in a strict FIFO queue until a release frees
// enough capacity.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

var (
	// ErrPoolExhausted is returned when a request needs more GPU slots than
	// the pool holds in total. Requests that merely exceed the currently free
	// count are queued, not rejected.
	ErrPoolExhausted = errors.New("request exceeds total GPU slots")
	// ErrServerStartup is returned when a launched server process does not
	// become healthy within the startup timeout. Fatal to the requesting run
	// only; its slots are released.
	ErrServerStartup = errors.New("local server failed to start")
)

// LaunchSpec carries the parameters that define one local server process.
// Two requests with equal specs can share a single server.
type LaunchSpec struct {
	Model                string
	TensorParallelSize   int
	DataParallelSize     int
	GPUMemoryUtilization float64
	MaxModelLen          int
	ExtraArgs            []string
}

// Slots returns the GPU slot count the spec occupies.
func (s LaunchSpec) Slots() int {
	tp := s.TensorParallelSize
	if tp < 1 {
		tp = 1
	}
	dp := s.DataParallelSize
	if dp < 1 {
		dp = 1
	}
	return tp * dp
}

// key identifies servers that are interchangeable for admission purposes.
func (s LaunchSpec) key() string {
	return fmt.Sprintf("%s::%d::%d::%g::%d::%s",
		s.Model, s.TensorParallelSize, s.DataParallelSize,
		s.GPUMemoryUtilization, s.MaxModelLen, strings.Join(s.ExtraArgs, " "))
}

// Process is a handle on a launched server process.
type Process interface {
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// Stop terminates the process, escalating if it does not exit promptly.
	Stop()
}

// Launcher starts server processes. The scheduler decides ports and GPU
// assignment; the launcher only executes.
type Launcher interface {
	Launch(spec LaunchSpec, port int, gpuIDs []int) (Process, error)
}

// HealthProbe reports whether the server at baseURL is ready.
type HealthProbe func(ctx context.Context, baseURL string) error

// Options configures a Scheduler.
type Options struct {
	TotalSlots     int
	BasePort       int
	StartupTimeout time.Duration

	// PollInterval is the delay between health probes. Defaults to 2s.
	PollInterval time.Duration
	// Probe overrides the default HTTP /models readiness check.
	Probe HealthProbe
}

type server struct {
	key     string
	baseURL string
	port    int
	gpuIDs  []int
	proc    Process
	refs    int

	// ready is closed once the launch outcome is known; startErr carries a
	// failed launch to every holder waiting on it.
	ready    chan struct{}
	startErr error
}

func (s *server) alive() bool {
	select {
	case <-s.proc.Done():
		return false
	default:
		return true
	}
}

// joinable reports whether a new acquirer can share this server: either the
// launch is still in progress or it succeeded and the process is running.
func (s *server) joinable() bool {
	select {
	case <-s.ready:
		return s.startErr == nil && s.alive()
	default:
		return true
	}
}

// reservation points at the server instance a run holds. Holding the instance
// rather than its spec key means a replacement server registered under the
// same key can never be released on behalf of the old one.
type reservation struct {
	srv *server
}

type waiter struct {
	runID string
	slots int
	// ready is closed once slots have been reserved; gpuIDs is set first.
	ready  chan struct{}
	gpuIDs []int
}

// Scheduler admits local runs against a fixed GPU slot pool, reusing healthy
// servers with identical launch specs and queuing the rest strictly FIFO.
type Scheduler struct {
	launcher       Launcher
	probe          HealthProbe
	logger         *slog.Logger
	startupTimeout time.Duration
	pollInterval   time.Duration

	mu           sync.Mutex
	totalSlots   int
	allocated    map[int]bool
	servers      map[string]*server
	reservations map[string]*reservation
	queue        []*waiter
	nextPort     int
}

// New creates a Scheduler over opts.TotalSlots GPU slots.
func New(opts Options, launcher Launcher, logger *slog.Logger) *Scheduler {
	probe := opts.Probe
	if probe == nil {
		probe = httpProbe
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	return &Scheduler{
		launcher:       launcher,
		probe:          probe,
		logger:         logger,
		startupTimeout: opts.StartupTimeout,
		pollInterval:   poll,
		totalSlots:     opts.TotalSlots,
		allocated:      make(map[int]bool),
		servers:        make(map[string]*server),
		reservations:   make(map[string]*reservation),
		nextPort:       opts.BasePort,
	}
}

// TotalSlots returns the pool size.
func (s *Scheduler) TotalSlots() int { return s.totalSlots }

// FreeSlots returns the currently unreserved slot count.
func (s *Scheduler) FreeSlots() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalSlots - len(s.allocated)
}

// Acquire blocks until the run is admitted and a healthy server endpoint is
// available, then returns its base URL. The caller must pair every successful
// Acquire with exactly one Release. Waiting is aborted by ctx cancellation.
func (s *Scheduler) Acquire(ctx context.Context, runID string, spec LaunchSpec) (string, error) {
	slots := spec.Slots()
	if slots > s.totalSlots {
		return "", fmt.Errorf("%d slots requested, pool holds %d: %w", slots, s.totalSlots, ErrPoolExhausted)
	}

	key := spec.key()

	s.mu.Lock()
	if srv, ok := s.servers[key]; ok && srv.joinable() {
		srv.refs++
		s.reservations[runID] = &reservation{srv: srv}
		s.mu.Unlock()
		return s.awaitServer(ctx, runID, spec, srv)
	}

	// Registering before the slot wait and the launch means a concurrent
	// same-spec Acquire joins this launch instead of starting a second server.
	srv := &server{key: key, refs: 1, ready: make(chan struct{})}
	s.servers[key] = srv
	s.reservations[runID] = &reservation{srv: srv}
	w := &waiter{runID: runID, slots: slots, ready: make(chan struct{})}
	s.queue = append(s.queue, w)
	s.admitLocked()
	s.mu.Unlock()

	select {
	case <-w.ready:
	case <-ctx.Done():
		s.mu.Lock()
		select {
		case <-w.ready:
			// Admitted while we were giving up; hand the slots straight back.
			s.freeLocked(w.gpuIDs)
		default:
			s.removeWaiterLocked(w)
		}
		delete(s.reservations, runID)
		s.failLaunchLocked(srv, fmt.Errorf("%w: launch aborted", ErrServerStartup))
		s.mu.Unlock()
		return "", ctx.Err()
	}

	baseURL, err := s.startServer(ctx, runID, srv, spec, w.gpuIDs)
	if err != nil {
		joinErr := err
		if !errors.Is(joinErr, ErrServerStartup) {
			joinErr = fmt.Errorf("%w: %v", ErrServerStartup, err)
		}
		s.mu.Lock()
		delete(s.reservations, runID)
		s.freeLocked(w.gpuIDs)
		s.failLaunchLocked(srv, joinErr)
		s.mu.Unlock()
		return "", err
	}
	return baseURL, nil
}

// awaitServer blocks a joining run until the shared server's launch outcome
// is known.
func (s *Scheduler) awaitServer(ctx context.Context, runID string, spec LaunchSpec, srv *server) (string, error) {
	select {
	case <-srv.ready:
	case <-ctx.Done():
		s.Release(runID)
		return "", ctx.Err()
	}
	if srv.startErr != nil {
		s.mu.Lock()
		delete(s.reservations, runID)
		srv.refs--
		s.mu.Unlock()
		return "", srv.startErr
	}
	s.logger.Info("reusing local server", "run_id", runID, "model", spec.Model, "base_url", srv.baseURL)
	return srv.baseURL, nil
}

// Release frees the run's reservation. A release for an unknown or
// already-released run is a no-op. When a server's last holder releases, the
// process is stopped and the freed capacity re-admits the queue head.
func (s *Scheduler) Release(runID string) {
	s.mu.Lock()
	res, ok := s.reservations[runID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.reservations, runID)

	srv := res.srv
	srv.refs--
	var stop Process
	if srv.refs <= 0 {
		if s.servers[srv.key] == srv {
			delete(s.servers, srv.key)
		}
		s.freeLocked(srv.gpuIDs)
		stop = srv.proc
		s.admitLocked()
	}
	s.mu.Unlock()

	if stop != nil {
		s.logger.Info("stopping local server", "run_id", runID, "base_url", srv.baseURL)
		stop.Stop()
	}
}

// QueuePosition returns the run's 1-based position in the admission queue,
// or 0 when the run is not waiting.
func (s *Scheduler) QueuePosition(runID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, w := range s.queue {
		if w.runID == runID {
			return i + 1
		}
	}
	return 0
}

// Shutdown stops every managed server process. Outstanding reservations are
// abandoned; callers are expected to have stopped their runs first.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	procs := make([]Process, 0, len(s.servers))
	for _, srv := range s.servers {
		if srv.proc != nil {
			procs = append(procs, srv.proc)
		}
		s.freeLocked(srv.gpuIDs)
	}
	s.servers = make(map[string]*server)
	s.reservations = make(map[string]*reservation)
	s.mu.Unlock()

	for _, proc := range procs {
		proc.Stop()
	}
}

// admitLocked reserves slots for queued waiters front to back, stopping at
// the first waiter that does not fit. Strict FIFO: a younger request never
// jumps an older one, even if the younger would fit now.
func (s *Scheduler) admitLocked() {
	for len(s.queue) > 0 {
		head := s.queue[0]
		gpuIDs := s.allocateLocked(head.slots)
		if gpuIDs == nil {
			return
		}
		head.gpuIDs = gpuIDs
		s.queue = s.queue[1:]
		close(head.ready)
	}
}

func (s *Scheduler) allocateLocked(count int) []int {
	free := make([]int, 0, s.totalSlots)
	for id := 0; id < s.totalSlots; id++ {
		if !s.allocated[id] {
			free = append(free, id)
		}
	}
	if len(free) < count {
		return nil
	}
	ids := free[:count]
	for _, id := range ids {
		s.allocated[id] = true
	}
	return ids
}

func (s *Scheduler) freeLocked(gpuIDs []int) {
	for _, id := range gpuIDs {
		delete(s.allocated, id)
	}
}

func (s *Scheduler) removeWaiterLocked(target *waiter) {
	for i, w := range s.queue {
		if w == target {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

// startServer launches the process on a fresh port and waits for it to become
// healthy, then publishes the outcome on the pre-registered server entry. On
// failure the process is stopped and the error is fatal to the requesting run.
func (s *Scheduler) startServer(ctx context.Context, runID string, srv *server, spec LaunchSpec, gpuIDs []int) (string, error) {
	s.mu.Lock()
	port := s.findOpenPortLocked()
	s.mu.Unlock()

	s.logger.Info("starting local server",
		"run_id", runID, "model", spec.Model, "port", port, "gpu_ids", gpuIDs)

	proc, err := s.launcher.Launch(spec, port, gpuIDs)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrServerStartup, err)
	}

	baseURL := fmt.Sprintf("http://127.0.0.1:%d/v1", port)
	if err := s.waitHealthy(ctx, baseURL, proc); err != nil {
		proc.Stop()
		// Cancellation of the requesting run is not a startup failure.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", ErrServerStartup, err)
	}

	s.mu.Lock()
	srv.baseURL = baseURL
	srv.port = port
	srv.gpuIDs = gpuIDs
	srv.proc = proc
	close(srv.ready)
	s.mu.Unlock()

	s.logger.Info("local server healthy", "run_id", runID, "model", spec.Model, "base_url", baseURL)
	return baseURL, nil
}

// failLaunchLocked publishes a failed launch to any joiners and retires the
// pending entry. Slot bookkeeping stays with the caller.
func (s *Scheduler) failLaunchLocked(srv *server, err error) {
	srv.startErr = err
	close(srv.ready)
	if s.servers[srv.key] == srv {
		delete(s.servers, srv.key)
	}
	s.admitLocked()
}

func (s *Scheduler) waitHealthy(ctx context.Context, baseURL string, proc Process) error {
	deadline := time.Now().Add(s.startupTimeout)
	for {
		select {
		case <-proc.Done():
			return errors.New("server process exited before becoming ready")
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := s.probe(probeCtx, baseURL)
		cancel()
		if err == nil {
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("not ready after %s at %s", s.startupTimeout, baseURL)
		}

		select {
		case <-time.After(s.pollInterval):
		case <-proc.Done():
			return errors.New("server process exited before becoming ready")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// findOpenPortLocked probes upward from the configured base port for a port
// the OS will actually hand out.
func (s *Scheduler) findOpenPortLocked() int {
	port := s.nextPort
	for {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err == nil {
			ln.Close()
			s.nextPort = port + 1
			return port
		}
		port++
	}
}

func httpProbe(ctx context.Context, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/models", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("probe returned %d", resp.StatusCode)
	}
	return nil
}
