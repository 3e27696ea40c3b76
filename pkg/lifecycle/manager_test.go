package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcmartin/flowlauncher/pkg/logging"
	"github.com/tcmartin/flowlauncher/pkg/runtime"
	"github.com/tcmartin/flowlauncher/pkg/runtime/runtimetest"
	"github.com/tcmartin/flowlauncher/pkg/settings"
	"github.com/tcmartin/flowlauncher/pkg/workspace"
)

func setup(t *testing.T) (*runtimetest.Fake, *workspace.Workspace) {
	t.Helper()

	ws := workspace.New(filepath.Join(t.TempDir(), "tmp"), "flows.json")
	_, err := ws.Ensure()
	require.NoError(t, err)

	s, err := settings.Build(settings.Options{UserDir: ws.Dir()})
	require.NoError(t, err)

	rt := runtimetest.New()
	require.NoError(t, rt.Init(nil, s))
	return rt, ws
}

func runAsync(m *Manager, ctx context.Context, signals <-chan os.Signal) <-chan int {
	out := make(chan int, 1)
	go func() { out <- m.Run(ctx, signals) }()
	return out
}

func waitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State() == want }, 5*time.Second, 5*time.Millisecond)
}

func waitCode(t *testing.T, codes <-chan int) int {
	t.Helper()
	select {
	case code := <-codes:
		return code
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
		return -1
	}
}

func TestSignalShutdownCleansUp(t *testing.T) {
	for _, sig := range []os.Signal{syscall.SIGINT, syscall.SIGTERM} {
		t.Run(sig.String(), func(t *testing.T) {
			rt, ws := setup(t)
			m := NewManager(rt, ws)

			signals := make(chan os.Signal, 1)
			codes := runAsync(m, context.Background(), signals)
			waitState(t, m, Running)

			signals <- sig
			assert.Equal(t, ExitOK, waitCode(t, codes))
			assert.Equal(t, Stopped, m.State())
			assert.Equal(t, 1, rt.Count("stop"))

			_, err := os.Stat(ws.Dir())
			assert.True(t, os.IsNotExist(err), "workspace should be removed")
		})
	}
}

func TestStopFailureExitsOne(t *testing.T) {
	rt, ws := setup(t)
	rt.StopErr = errors.New("engine refused to stop")
	m := NewManager(rt, ws)

	signals := make(chan os.Signal, 1)
	codes := runAsync(m, context.Background(), signals)
	waitState(t, m, Running)

	signals <- syscall.SIGTERM
	assert.Equal(t, ExitFailure, waitCode(t, codes))

	// Cleanup is still attempted
	_, err := os.Stat(ws.Dir())
	assert.True(t, os.IsNotExist(err))
}

func TestStartFailureKeepsWorkspace(t *testing.T) {
	rt, ws := setup(t)
	rt.StartErr = errors.New("no engine")

	var hooked bool
	m := NewManager(rt, ws, WithPreStop(func(ctx context.Context) error {
		hooked = true
		return nil
	}))

	code := m.Run(context.Background(), make(chan os.Signal))
	assert.Equal(t, ExitFailure, code)
	assert.Equal(t, Stopped, m.State())
	assert.True(t, hooked)
	assert.Equal(t, 0, rt.Count("stop"))

	info, err := os.Stat(ws.Dir())
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	// Later shutdown requests see the same outcome
	assert.Equal(t, ExitFailure, m.Shutdown(context.Background(), Reason{Signal: syscall.SIGINT}))
}

func TestRuntimeCrashIsFault(t *testing.T) {
	rt, ws := setup(t)
	m := NewManager(rt, ws)

	codes := runAsync(m, context.Background(), make(chan os.Signal))
	waitState(t, m, Running)

	rt.Crash(errors.New("engine died"))
	assert.Equal(t, ExitFailure, waitCode(t, codes))
	assert.Equal(t, 1, rt.Count("stop"))
}

func TestGoPanicIsFault(t *testing.T) {
	rt, ws := setup(t)
	m := NewManager(rt, ws)

	codes := runAsync(m, context.Background(), make(chan os.Signal))
	waitState(t, m, Running)

	m.Go(func() error {
		panic("boom")
	})
	assert.Equal(t, ExitFailure, waitCode(t, codes))
}

func TestGoErrorIsFault(t *testing.T) {
	rt, ws := setup(t)
	m := NewManager(rt, ws)

	codes := runAsync(m, context.Background(), make(chan os.Signal))
	waitState(t, m, Running)

	m.Go(func() error { return errors.New("serve failed") })
	assert.Equal(t, ExitFailure, waitCode(t, codes))
}

func TestGoNilErrorIsIgnored(t *testing.T) {
	rt, ws := setup(t)
	m := NewManager(rt, ws)

	signals := make(chan os.Signal, 1)
	codes := runAsync(m, context.Background(), signals)
	waitState(t, m, Running)

	m.Go(func() error { return nil })
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, Running, m.State())

	signals <- syscall.SIGINT
	assert.Equal(t, ExitOK, waitCode(t, codes))
}

func TestContextCancelShutsDown(t *testing.T) {
	rt, ws := setup(t)
	m := NewManager(rt, ws)

	ctx, cancel := context.WithCancel(context.Background())
	codes := runAsync(m, ctx, make(chan os.Signal))
	waitState(t, m, Running)

	cancel()
	assert.Equal(t, ExitOK, waitCode(t, codes))
	assert.Equal(t, 1, rt.Count("stop"))
}

func TestSignalDuringStartCancelsStart(t *testing.T) {
	rt, ws := setup(t)
	rt.StartGate = make(chan struct{})
	m := NewManager(rt, ws)

	signals := make(chan os.Signal, 1)
	codes := runAsync(m, context.Background(), signals)

	require.Eventually(t, func() bool { return rt.Count("start") == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, Starting, m.State())

	signals <- syscall.SIGINT
	assert.Equal(t, ExitOK, waitCode(t, codes))
	assert.Equal(t, []string{"init", "start", "stop"}, rt.Calls())

	_, err := os.Stat(ws.Dir())
	assert.True(t, os.IsNotExist(err))
}

func TestConcurrentShutdownRunsOnce(t *testing.T) {
	rt, ws := setup(t)
	m := NewManager(rt, ws)
	require.NoError(t, m.Start(context.Background()))

	var wg sync.WaitGroup
	codes := make([]int, 8)
	for i := range codes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			codes[i] = m.Shutdown(context.Background(), Reason{Signal: syscall.SIGTERM})
		}(i)
	}
	wg.Wait()

	for _, code := range codes {
		assert.Equal(t, ExitOK, code)
	}
	assert.Equal(t, 1, rt.Count("stop"))
	assert.Equal(t, Stopped, m.State())

	select {
	case <-m.Done():
	default:
		t.Fatal("Done should be closed")
	}
}

func TestShutdownAfterFaultKeepsFirstCode(t *testing.T) {
	rt, ws := setup(t)
	m := NewManager(rt, ws)
	require.NoError(t, m.Start(context.Background()))

	assert.Equal(t, ExitFailure, m.Shutdown(context.Background(), Reason{Err: errors.New("serve failed")}))
	assert.Equal(t, ExitFailure, m.Shutdown(context.Background(), Reason{Signal: syscall.SIGINT}))
	assert.Equal(t, 1, rt.Count("stop"))
}

func TestShutdownOrder(t *testing.T) {
	rt, ws := setup(t)

	var mu sync.Mutex
	var order []string
	record := func(step string) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, step)
	}
	rt.OnStop = func() { record("runtime") }

	m := NewManager(rt, ws,
		WithPreStop(func(ctx context.Context) error {
			record("http")
			return nil
		}),
		WithPreStop(func(ctx context.Context) error {
			record("second")
			return errors.New("ignored")
		}),
	)
	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, ExitOK, m.Shutdown(context.Background(), Reason{}))
	assert.Equal(t, []string{"http", "second", "runtime"}, order)
}

type stuckWorkspace struct{}

func (stuckWorkspace) Remove() error { return errors.New("device busy") }

func TestCleanupFailureIsOnlyAWarning(t *testing.T) {
	rt, _ := setup(t)
	m := NewManager(rt, stuckWorkspace{})
	require.NoError(t, m.Start(context.Background()))

	assert.Equal(t, ExitOK, m.Shutdown(context.Background(), Reason{Signal: syscall.SIGINT}))
}

func TestStopIsBoundedByTimeout(t *testing.T) {
	rt, ws := setup(t)

	var deadline time.Time
	var hasDeadline bool
	m := NewManager(&deadlineRuntime{Fake: rt, deadline: &deadline, ok: &hasDeadline}, ws,
		WithStopTimeout(250*time.Millisecond))
	require.NoError(t, m.Start(context.Background()))

	before := time.Now()
	m.Shutdown(context.Background(), Reason{})
	require.True(t, hasDeadline)
	assert.WithinDuration(t, before.Add(250*time.Millisecond), deadline, 200*time.Millisecond)
}

type deadlineRuntime struct {
	*runtimetest.Fake
	deadline *time.Time
	ok       *bool
}

func (d *deadlineRuntime) Stop(ctx context.Context) error {
	*d.deadline, *d.ok = ctx.Deadline()
	return d.Fake.Stop(ctx)
}

func TestStartTwice(t *testing.T) {
	rt, ws := setup(t)
	m := NewManager(rt, ws)

	require.NoError(t, m.Start(context.Background()))
	assert.ErrorIs(t, m.Start(context.Background()), runtime.ErrAlreadyStarted)

	m.Shutdown(context.Background(), Reason{})
	assert.ErrorIs(t, m.Start(context.Background()), ErrShuttingDown)
}

func TestStartFailureWrapsError(t *testing.T) {
	rt, ws := setup(t)
	rt.StartErr = runtime.ErrExitedEarly
	m := NewManager(rt, ws)

	err := m.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, runtime.ErrExitedEarly)
	assert.Equal(t, Starting, m.State())
}

func TestStateAndReasonStrings(t *testing.T) {
	assert.Equal(t, "starting", Starting.String())
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "stopping", Stopping.String())
	assert.Equal(t, "stopped", Stopped.String())
	assert.Equal(t, "State(9)", State(9).String())

	assert.Equal(t, "requested", Reason{}.String())
	assert.Equal(t, "signal: interrupt", Reason{Signal: syscall.SIGINT}.String())
	assert.Equal(t, "fault: boom", Reason{Err: errors.New("boom")}.String())
	assert.True(t, Reason{Err: errors.New("boom")}.Fault())
	assert.False(t, Reason{Signal: syscall.SIGINT}.Fault())
}

func TestReadinessBanner(t *testing.T) {
	rt, ws := setup(t)

	var buf bytes.Buffer
	logger, err := logging.NewWithWriter(&buf, logging.LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	m := NewManager(rt, ws,
		WithLogger(logger),
		WithBanner(func() string { return "http://localhost:1880/" }),
	)

	require.NoError(t, m.Start(context.Background()))
	assert.Contains(t, buf.String(), `"msg":"Flow editor ready"`)
	assert.Contains(t, buf.String(), `"url":"http://localhost:1880/"`)
	assert.Contains(t, buf.String(), `"event":"runtime_started"`)
}
