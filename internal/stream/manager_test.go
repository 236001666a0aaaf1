package stream

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sua-org/camfeed/internal/capture"
	"github.com/sua-org/camfeed/internal/logging"
	"github.com/sua-org/camfeed/internal/state"
)

type fakeProc struct {
	args []string
	r    *io.PipeReader
	w    *io.PipeWriter

	once    sync.Once
	done    chan struct{}
	killed  atomic.Bool
	exitErr error
}

func newFakeProc(args []string) *fakeProc {
	r, w := io.Pipe()
	return &fakeProc{args: args, r: r, w: w, done: make(chan struct{})}
}

func (p *fakeProc) Stdout() io.Reader { return p.r }

func (p *fakeProc) Kill() error {
	p.killed.Store(true)
	p.exit(nil)
	return nil
}

func (p *fakeProc) exit(err error) {
	p.once.Do(func() {
		p.exitErr = err
		_ = p.w.Close()
		close(p.done)
	})
}

func (p *fakeProc) Wait() error {
	<-p.done
	return p.exitErr
}

// frame escreve um frame; o anterior fica completo.
func (p *fakeProc) frame(id byte) {
	_, _ = p.w.Write(fakeFrame(id))
}

type fakeLauncher struct {
	mu    sync.Mutex
	procs []*fakeProc
}

func (l *fakeLauncher) Launch(_ context.Context, args []string) (Process, error) {
	p := newFakeProc(args)
	l.mu.Lock()
	l.procs = append(l.procs, p)
	l.mu.Unlock()
	return p, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

func (l *fakeLauncher) last() *fakeProc {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[len(l.procs)-1]
}

type recViewer struct {
	id     string
	mu     sync.Mutex
	frames [][]byte
	err    error
	ended  chan error
}

func newRecViewer(id string) *recViewer {
	return &recViewer{id: id, ended: make(chan error, 1)}
}

func (v *recViewer) ID() string { return v.id }

func (v *recViewer) Send(frame []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.frames = append(v.frames, frame)
	return v.err
}

func (v *recViewer) SessionEnded(err error) { v.ended <- err }

func (v *recViewer) count() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.frames)
}

type fixture struct {
	m        *Manager
	launcher *fakeLauncher
	pub      *state.Memory
	probes   atomic.Int32
	sleeps   []time.Duration
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{launcher: &fakeLauncher{}, pub: state.NewMemory()}
	if cfg.FrameInterval == 0 {
		cfg.FrameInterval = time.Nanosecond
	}
	f.m = NewManager(Options{
		Config:   cfg,
		Launcher: f.launcher,
		Resolve: func(ctx context.Context, camera string) (capture.Source, error) {
			if camera == "missing" {
				return capture.Source{}, ErrUnknownCamera
			}
			return capture.Source{Camera: camera, Host: "10.0.0.5", Password: "s3cret"}, nil
		},
		Probe: func(ctx context.Context, src capture.Source, timeout time.Duration) (float64, error) {
			f.probes.Add(1)
			return 16.0 / 9.0, nil
		},
		Publisher: f.pub,
		Logger:    logging.Discard(),
	})
	f.m.sleep = func(d time.Duration) { f.sleeps = append(f.sleeps, d) }
	t.Cleanup(f.m.Shutdown)
	return f
}

func TestConcurrentSubscribeStartsOneProcess(t *testing.T) {
	f := newFixture(t, Config{})
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v := newRecViewer(string(rune('a' + i)))
			assert.NoError(t, f.m.Subscribe(context.Background(), "front", v, 0))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, f.launcher.count())
	active := f.m.Active()
	require.Len(t, active, 1)
	assert.Equal(t, 5, active[0].Viewers)
	assert.Equal(t, "starting", active[0].State)
	assert.True(t, f.pub.Streaming("front"))

	args := strings.Join(f.launcher.last().args, " ")
	assert.Contains(t, args, "-rtsp_transport tcp")
	assert.Contains(t, args, "-f mjpeg")
	assert.Contains(t, args, "-r 2")
	assert.NotContains(t, args, "scale=")
}

func TestFanOutAndLateSubscriber(t *testing.T) {
	f := newFixture(t, Config{})
	a := newRecViewer("a")
	require.NoError(t, f.m.Subscribe(context.Background(), "front", a, 0))
	proc := f.launcher.last()

	proc.frame(1)
	proc.frame(2)
	require.Eventually(t, func() bool { return a.count() == 1 }, time.Second, 5*time.Millisecond)

	b := newRecViewer("b")
	require.NoError(t, f.m.Subscribe(context.Background(), "front", b, 0))
	assert.Equal(t, 1, b.count(), "late subscriber gets the last frame at once")
	assert.Equal(t, fakeFrame(1), b.frames[0])

	proc.frame(3)
	require.Eventually(t, func() bool { return a.count() == 2 && b.count() == 2 }, time.Second, 5*time.Millisecond)

	last, ok := f.m.LastFrame("front")
	require.True(t, ok)
	assert.Equal(t, fakeFrame(2), last)
	_, published := f.pub.Frame("front")
	assert.Equal(t, 0, published, "frames with viewers are pushed, not published")
	assert.Equal(t, "active", f.m.Active()[0].State)
}

func TestHeldSessionPublishesToSlot(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.m.Start(context.Background(), "front", 0))
	proc := f.launcher.last()

	proc.frame(1)
	proc.frame(2)
	require.Eventually(t, func() bool {
		_, n := f.pub.Frame("front")
		return n == 1
	}, time.Second, 5*time.Millisecond)
	frame, _ := f.pub.Frame("front")
	assert.Equal(t, fakeFrame(1), frame)

	assert.True(t, f.m.Stop("front"))
	assert.True(t, proc.killed.Load())
	assert.False(t, f.pub.Streaming("front"))
	assert.Empty(t, f.m.Active())
}

func TestGoneViewerIsPruned(t *testing.T) {
	f := newFixture(t, Config{})
	gone := newRecViewer("gone")
	gone.err = ErrViewerGone
	flaky := newRecViewer("flaky")
	flaky.err = errors.New("temporary")

	require.NoError(t, f.m.Subscribe(context.Background(), "front", gone, 0))
	require.NoError(t, f.m.Subscribe(context.Background(), "front", flaky, 0))
	proc := f.launcher.last()

	proc.frame(1)
	proc.frame(2)
	require.Eventually(t, func() bool {
		a := f.m.Active()
		return len(a) == 1 && a[0].Viewers == 1
	}, time.Second, 5*time.Millisecond)

	proc.frame(3)
	require.Eventually(t, func() bool { return flaky.count() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, gone.count())
	assert.False(t, proc.killed.Load())
}

func TestLastViewerLeavingStopsSession(t *testing.T) {
	f := newFixture(t, Config{})
	a := newRecViewer("a")
	b := newRecViewer("b")
	require.NoError(t, f.m.Subscribe(context.Background(), "front", a, 0))
	require.NoError(t, f.m.Subscribe(context.Background(), "front", b, 0))
	proc := f.launcher.last()

	f.m.Unsubscribe("front", "a")
	assert.False(t, proc.killed.Load())
	f.m.Unsubscribe("front", "b")
	assert.True(t, proc.killed.Load())
	assert.Empty(t, f.m.Active())
	assert.Equal(t, []bool{true, false}, f.pub.StreamingHistory("front"))

	// nova inscrição abre outra sessão
	require.NoError(t, f.m.Subscribe(context.Background(), "front", a, 0))
	assert.Equal(t, 2, f.launcher.count())
}

func TestIdleWatchdogStopsSession(t *testing.T) {
	f := newFixture(t, Config{IdleTimeout: 100 * time.Millisecond})
	v := newRecViewer("a")
	require.NoError(t, f.m.Subscribe(context.Background(), "front", v, 0))
	proc := f.launcher.last()

	select {
	case err := <-v.ended:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog did not fire")
	}
	assert.True(t, proc.killed.Load())
	assert.Empty(t, f.m.Active())
	assert.False(t, f.pub.Streaming("front"))
}

func TestIdleWatchdogStopsHeldSession(t *testing.T) {
	f := newFixture(t, Config{IdleTimeout: 50 * time.Millisecond})
	require.NoError(t, f.m.Start(context.Background(), "front", 0))
	proc := f.launcher.last()
	require.Eventually(t, proc.killed.Load, time.Second, 5*time.Millisecond)
}

func TestFramesResetWatchdog(t *testing.T) {
	f := newFixture(t, Config{IdleTimeout: 150 * time.Millisecond})
	v := newRecViewer("a")
	require.NoError(t, f.m.Subscribe(context.Background(), "front", v, 0))
	proc := f.launcher.last()

	for i := 0; i < 6; i++ {
		proc.frame(byte(i))
		time.Sleep(50 * time.Millisecond)
	}
	assert.False(t, proc.killed.Load())
}

func TestProcessExitTearsDown(t *testing.T) {
	f := newFixture(t, Config{})
	v := newRecViewer("a")
	require.NoError(t, f.m.Subscribe(context.Background(), "front", v, 0))
	proc := f.launcher.last()

	proc.exit(errors.New("exit status 1: Connection refused"))
	select {
	case err := <-v.ended:
		assert.Contains(t, err.Error(), "Connection refused")
	case <-time.After(time.Second):
		t.Fatal("viewer was not told the session ended")
	}
	assert.Empty(t, f.m.Active())
	assert.False(t, f.pub.Streaming("front"))
}

func TestWidthChangeWithinTolerance(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.m.Subscribe(context.Background(), "front", newRecViewer("a"), 640))
	require.NoError(t, f.m.Subscribe(context.Background(), "front", newRecViewer("b"), 700))

	assert.Equal(t, 1, f.launcher.count())
	assert.Equal(t, 700, f.m.Active()[0].Width)
	assert.Empty(t, f.sleeps)
}

func TestWidthChangeRestarts(t *testing.T) {
	f := newFixture(t, Config{SettleDelay: 2 * time.Second})
	a := newRecViewer("a")
	require.NoError(t, f.m.Subscribe(context.Background(), "front", a, 640))
	first := f.launcher.last()
	assert.Contains(t, strings.Join(first.args, " "), "scale=640:360")

	require.NoError(t, f.m.Subscribe(context.Background(), "front", newRecViewer("b"), 320))
	require.Equal(t, 2, f.launcher.count())
	assert.True(t, first.killed.Load())
	assert.Equal(t, []time.Duration{2 * time.Second}, f.sleeps)

	second := f.launcher.last()
	assert.Contains(t, strings.Join(second.args, " "), "scale=320:180")
	active := f.m.Active()
	require.Len(t, active, 1)
	assert.Equal(t, 2, active[0].Viewers, "viewers carry over to the new session")
	assert.EqualValues(t, 1, f.probes.Load(), "aspect ratio probed once per camera")
	assert.Equal(t, []bool{true, false, true}, f.pub.StreamingHistory("front"))

	// o processo antigo terminando não derruba a sessão nova
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, f.m.Active(), 1)
	select {
	case <-a.ended:
		t.Fatal("carried viewer must not be ended by the restart")
	default:
	}
}

func TestSubscribeUnknownCamera(t *testing.T) {
	f := newFixture(t, Config{})
	err := f.m.Subscribe(context.Background(), "missing", newRecViewer("a"), 0)
	assert.True(t, errors.Is(err, ErrUnknownCamera))
	assert.Equal(t, 0, f.launcher.count())
	assert.Empty(t, f.m.Active())
}

func TestSessionsAreIndependentPerCamera(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.m.Subscribe(context.Background(), "front", newRecViewer("a"), 0))
	require.NoError(t, f.m.Subscribe(context.Background(), "back", newRecViewer("a"), 0))
	assert.Equal(t, 2, f.launcher.count())

	f.m.Unsubscribe("front", "a")
	active := f.m.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "back", active[0].Camera)
}

func TestShutdown(t *testing.T) {
	f := newFixture(t, Config{})
	v := newRecViewer("a")
	require.NoError(t, f.m.Subscribe(context.Background(), "front", v, 0))
	proc := f.launcher.last()

	f.m.Shutdown()
	assert.True(t, proc.killed.Load())
	assert.True(t, errors.Is(<-v.ended, ErrClosed))
	assert.True(t, errors.Is(f.m.Subscribe(context.Background(), "front", v, 0), ErrClosed))
}

func TestUnsubscribeDuringRestartIsHonored(t *testing.T) {
	f := newFixture(t, Config{SettleDelay: time.Second})
	a := newRecViewer("a")
	require.NoError(t, f.m.Subscribe(context.Background(), "front", a, 640))

	// "a" sai enquanto a sessão reinicia para a largura nova
	left := make(chan struct{})
	f.m.sleep = func(time.Duration) {
		go func() {
			f.m.Unsubscribe("front", "a")
			close(left)
		}()
		time.Sleep(20 * time.Millisecond)
	}
	require.NoError(t, f.m.Subscribe(context.Background(), "front", newRecViewer("b"), 200))

	select {
	case <-left:
	case <-time.After(2 * time.Second):
		t.Fatal("unsubscribe did not return")
	}
	active := f.m.Active()
	require.Len(t, active, 1)
	assert.Equal(t, 1, active[0].Viewers)

	f.m.Unsubscribe("front", "b")
	assert.Empty(t, f.m.Active())
	assert.True(t, f.launcher.last().killed.Load())
	assert.False(t, f.pub.Streaming("front"))
}

func TestStopWhileStarting(t *testing.T) {
	f := newFixture(t, Config{})
	probing := make(chan struct{})
	release := make(chan struct{})
	f.m.probe = func(ctx context.Context, src capture.Source, timeout time.Duration) (float64, error) {
		close(probing)
		<-release
		return 16.0 / 9.0, nil
	}

	subscribed := make(chan error, 1)
	v := newRecViewer("a")
	go func() { subscribed <- f.m.Subscribe(context.Background(), "front", v, 640) }()
	<-probing

	stopped := make(chan bool, 1)
	go func() { stopped <- f.m.Stop("front") }()
	select {
	case <-stopped:
		t.Fatal("stop returned before the starting session was registered")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-subscribed)
	select {
	case ok := <-stopped:
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return")
	}

	assert.Empty(t, f.m.Active())
	require.Equal(t, 1, f.launcher.count())
	assert.True(t, f.launcher.last().killed.Load())
	assert.False(t, f.pub.Streaming("front"))
	assert.Error(t, <-v.ended)
}
