package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProcess struct {
	once sync.Once
	done chan struct{}
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{done: make(chan struct{})}
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }
func (p *fakeProcess) Stop()                 { p.once.Do(func() { close(p.done) }) }

type fakeLauncher struct {
	mu       sync.Mutex
	launches int
	failWith error
	procs    []*fakeProcess
}

func (l *fakeLauncher) Launch(spec LaunchSpec, port int, gpuIDs []int) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launches++
	if l.failWith != nil {
		return nil, l.failWith
	}
	proc := newFakeProcess()
	l.procs = append(l.procs, proc)
	return proc, nil
}

func (l *fakeLauncher) launchCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

func healthyProbe(ctx context.Context, baseURL string) error { return nil }

func newTestScheduler(t *testing.T, slots int, launcher Launcher, probe HealthProbe) *Scheduler {
	t.Helper()
	if probe == nil {
		probe = healthyProbe
	}
	s := New(Options{
		TotalSlots:     slots,
		BasePort:       42000,
		StartupTimeout: 2 * time.Second,
		PollInterval:   5 * time.Millisecond,
		Probe:          probe,
	}, launcher, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(s.Shutdown)
	return s
}

func spec(model string, slots int) LaunchSpec {
	return LaunchSpec{Model: model, TensorParallelSize: slots, DataParallelSize: 1}
}

func TestAcquire_RejectsOversizedRequest(t *testing.T) {
	s := newTestScheduler(t, 2, &fakeLauncher{}, nil)

	_, err := s.Acquire(context.Background(), "run-big", spec("org/model", 3))
	assert.ErrorIs(t, err, ErrPoolExhausted)
	assert.Equal(t, 2, s.FreeSlots())
}

func TestAcquire_ImmediateWhenSlotsFree(t *testing.T) {
	launcher := &fakeLauncher{}
	s := newTestScheduler(t, 2, launcher, nil)

	baseURL, err := s.Acquire(context.Background(), "run-1", spec("org/model", 1))
	require.NoError(t, err)
	assert.Contains(t, baseURL, "http://127.0.0.1:")
	assert.Equal(t, 1, s.FreeSlots())
	assert.Equal(t, 1, launcher.launchCount())

	s.Release("run-1")
	assert.Equal(t, 2, s.FreeSlots())
}

func TestRelease_Idempotent(t *testing.T) {
	s := newTestScheduler(t, 2, &fakeLauncher{}, nil)

	_, err := s.Acquire(context.Background(), "run-1", spec("org/model", 2))
	require.NoError(t, err)
	require.Equal(t, 0, s.FreeSlots())

	s.Release("run-1")
	assert.Equal(t, 2, s.FreeSlots())

	// A second release must not free capacity twice.
	s.Release("run-1")
	assert.Equal(t, 2, s.FreeSlots())
}

func TestAcquire_StrictFIFO(t *testing.T) {
	s := newTestScheduler(t, 2, &fakeLauncher{}, nil)

	_, err := s.Acquire(context.Background(), "holder", spec("org/model-a", 2))
	require.NoError(t, err)

	type result struct {
		runID string
		err   error
	}
	results := make(chan result, 2)

	go func() {
		_, err := s.Acquire(context.Background(), "older", spec("org/model-b", 2))
		results <- result{"older", err}
	}()
	require.Eventually(t, func() bool { return s.QueuePosition("older") == 1 }, time.Second, 5*time.Millisecond)

	go func() {
		_, err := s.Acquire(context.Background(), "younger", spec("org/model-c", 1))
		results <- result{"younger", err}
	}()
	require.Eventually(t, func() bool { return s.QueuePosition("younger") == 2 }, time.Second, 5*time.Millisecond)

	// The older 2-slot request is admitted first even though the younger
	// 1-slot request would also fit the freed capacity.
	s.Release("holder")

	first := <-results
	require.NoError(t, first.err)
	assert.Equal(t, "older", first.runID)
	assert.Equal(t, 0, s.FreeSlots())
	assert.Equal(t, 1, s.QueuePosition("younger"))

	s.Release("older")
	second := <-results
	require.NoError(t, second.err)
	assert.Equal(t, "younger", second.runID)
}

func TestAcquire_CanceledWhileQueued(t *testing.T) {
	s := newTestScheduler(t, 1, &fakeLauncher{}, nil)

	_, err := s.Acquire(context.Background(), "holder", spec("org/model-a", 1))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := s.Acquire(ctx, "waiter", spec("org/model-b", 1))
		errCh <- err
	}()
	require.Eventually(t, func() bool { return s.QueuePosition("waiter") == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.Equal(t, 0, s.QueuePosition("waiter"))

	// The abandoned request must not leak a slot.
	s.Release("holder")
	assert.Equal(t, 1, s.FreeSlots())
}

func TestAcquire_LaunchFailureReleasesSlots(t *testing.T) {
	launcher := &fakeLauncher{failWith: errors.New("vllm not found")}
	s := newTestScheduler(t, 2, launcher, nil)

	_, err := s.Acquire(context.Background(), "run-1", spec("org/model", 2))
	assert.ErrorIs(t, err, ErrServerStartup)
	assert.Equal(t, 2, s.FreeSlots())
}

func TestAcquire_StartupTimeoutAdmitsNextWaiter(t *testing.T) {
	// The first server launched never becomes healthy; later ones do.
	var mu sync.Mutex
	var doomedURL string
	probe := func(ctx context.Context, baseURL string) error {
		mu.Lock()
		if doomedURL == "" {
			doomedURL = baseURL
		}
		doomed := baseURL == doomedURL
		mu.Unlock()
		if doomed {
			return errors.New("not ready")
		}
		return nil
	}

	launcher := &fakeLauncher{}
	s := New(Options{
		TotalSlots:     2,
		BasePort:       42100,
		StartupTimeout: 20 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
		Probe:          probe,
	}, launcher, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(s.Shutdown)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Acquire(context.Background(), "doomed", spec("org/model-a", 2))
		errCh <- err
	}()

	// Queue a second request behind the doomed launch.
	require.Eventually(t, func() bool { return s.FreeSlots() == 0 }, time.Second, time.Millisecond)
	okCh := make(chan error, 1)
	go func() {
		_, err := s.Acquire(context.Background(), "queued", spec("org/model-b", 2))
		okCh <- err
	}()

	assert.ErrorIs(t, <-errCh, ErrServerStartup)
	assert.NoError(t, <-okCh)
	assert.Equal(t, 0, s.FreeSlots())
}

func TestAcquire_ConcurrentSameSpecSharesOneLaunch(t *testing.T) {
	// The probe holds the first launch in its health wait so the second
	// Acquire arrives while the server is still starting.
	healthy := make(chan struct{})
	probe := func(ctx context.Context, baseURL string) error {
		select {
		case <-healthy:
			return nil
		default:
			return errors.New("not ready")
		}
	}
	launcher := &fakeLauncher{}
	s := newTestScheduler(t, 2, launcher, probe)

	type result struct {
		baseURL string
		err     error
	}
	results := make(chan result, 2)
	go func() {
		url, err := s.Acquire(context.Background(), "run-1", spec("org/model", 1))
		results <- result{url, err}
	}()
	require.Eventually(t, func() bool { return launcher.launchCount() == 1 }, time.Second, time.Millisecond)

	go func() {
		url, err := s.Acquire(context.Background(), "run-2", spec("org/model", 1))
		results <- result{url, err}
	}()

	close(healthy)
	first, second := <-results, <-results
	require.NoError(t, first.err)
	require.NoError(t, second.err)
	assert.Equal(t, first.baseURL, second.baseURL)
	assert.Equal(t, 1, launcher.launchCount())
	assert.Equal(t, 1, s.FreeSlots())

	// The first release must not stop the server the other run still holds.
	s.Release("run-1")
	select {
	case <-launcher.procs[0].Done():
		t.Fatal("server stopped while still referenced")
	default:
	}
	assert.Equal(t, 1, s.FreeSlots())

	s.Release("run-2")
	assert.Equal(t, 2, s.FreeSlots())
	select {
	case <-launcher.procs[0].Done():
	case <-time.After(time.Second):
		t.Fatal("server not stopped after last release")
	}
}

func TestAcquire_CanceledDuringStartupReturnsContextCanceled(t *testing.T) {
	neverReady := func(ctx context.Context, baseURL string) error { return errors.New("not ready") }
	launcher := &fakeLauncher{}
	s := newTestScheduler(t, 2, launcher, neverReady)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := s.Acquire(ctx, "run-1", spec("org/model", 2))
		errCh <- err
	}()
	require.Eventually(t, func() bool { return launcher.launchCount() == 1 }, time.Second, time.Millisecond)

	cancel()
	err := <-errCh
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrServerStartup)
	assert.Equal(t, 2, s.FreeSlots())
}

func TestAcquire_ReusesEquivalentServer(t *testing.T) {
	launcher := &fakeLauncher{}
	s := newTestScheduler(t, 1, launcher, nil)

	first, err := s.Acquire(context.Background(), "run-1", spec("org/model", 1))
	require.NoError(t, err)

	// Same launch spec joins the running server instead of queuing for slots.
	second, err := s.Acquire(context.Background(), "run-2", spec("org/model", 1))
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, launcher.launchCount())

	// The server survives until its last holder releases.
	s.Release("run-1")
	assert.Equal(t, 0, s.FreeSlots())
	select {
	case <-launcher.procs[0].Done():
		t.Fatal("server stopped while still referenced")
	default:
	}

	s.Release("run-2")
	assert.Equal(t, 1, s.FreeSlots())
	select {
	case <-launcher.procs[0].Done():
	case <-time.After(time.Second):
		t.Fatal("server not stopped after last release")
	}
}
