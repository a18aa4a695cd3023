package rangefs_test

import (
	"context"
	"errors"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/csweichel/rangefs/pkg/rangefs"
)

// fakeTransport fails the first len(errs) unmount calls with the given
// errors and stops serving on the first successful one.
type fakeTransport struct {
	mu       sync.Mutex
	errs     []error
	calls    int
	stopOnce sync.Once
	stopped  chan struct{}
}

func newFakeTransport(errs ...error) *fakeTransport {
	return &fakeTransport{errs: errs, stopped: make(chan struct{})}
}

func (f *fakeTransport) Unmount() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= len(f.errs) {
		return f.errs[f.calls-1]
	}
	f.stop()
	return nil
}

func (f *fakeTransport) Wait() { <-f.stopped }

func (f *fakeTransport) stop() { f.stopOnce.Do(func() { close(f.stopped) }) }

func (f *fakeTransport) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestSession(t *testing.T, auto bool, tr rangefs.Transport) (*rangefs.Session, *rangefs.Table) {
	t.Helper()
	table := buildTable(t, []rangefs.RangeSpec{
		{Name: "a", Source: writeSource(t, "src", 10)},
	}, rangefs.Options{})

	s := rangefs.NewSession(auto)
	s.UnmountBackOff = func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 5)
	}
	if s.State() != rangefs.Initializing {
		t.Fatalf("new session in state %s", s.State())
	}
	if err := s.Mounted(tr, table); err != nil {
		t.Fatal(err)
	}
	if s.State() != rangefs.Mounted {
		t.Fatalf("expected mounted, got %s", s.State())
	}
	return s, table
}

func waitDone(t *testing.T, s *rangefs.Session) error {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("session did not finish, state %s", s.State())
	}
	return s.Wait()
}

func TestSessionUnmount(t *testing.T) {
	tr := newFakeTransport()
	s, table := newTestSession(t, true, tr)

	if err := s.Mounted(tr, table); err == nil {
		t.Errorf("mounting twice must fail")
	}
	if err := s.Shutdown(); err != nil {
		t.Fatal(err)
	}
	if err := waitDone(t, s); err != nil {
		t.Fatal(err)
	}
	if s.State() != rangefs.Unmounted {
		t.Errorf("expected unmounted, got %s", s.State())
	}
	if _, err := table.Read(2, make([]byte, 1), 0); !errors.Is(err, rangefs.ErrClosed) {
		t.Errorf("table must be closed after unmount, got %v", err)
	}

	if err := s.Unmount(); err != nil {
		t.Errorf("second unmount: %v", err)
	}
	if err := s.Shutdown(); err != nil {
		t.Errorf("shutdown after unmount: %v", err)
	}
	if n := tr.Calls(); n != 1 {
		t.Errorf("expected one unmount call, got %d", n)
	}
}

func TestSessionUnmountBusy(t *testing.T) {
	tr := newFakeTransport(syscall.EBUSY, syscall.EBUSY)
	s, _ := newTestSession(t, true, tr)

	if err := s.Unmount(); err != nil {
		t.Fatalf("busy unmount was not retried: %v", err)
	}
	if err := waitDone(t, s); err != nil {
		t.Fatal(err)
	}
	if n := tr.Calls(); n != 3 {
		t.Errorf("expected 3 unmount calls, got %d", n)
	}
}

func TestSessionUnmountFailure(t *testing.T) {
	tr := newFakeTransport(syscall.EPERM)
	s, table := newTestSession(t, true, tr)

	err := s.Unmount()
	if !errors.Is(err, syscall.EPERM) {
		t.Fatalf("expected EPERM, got %v", err)
	}
	if n := tr.Calls(); n != 1 {
		t.Errorf("permanent errors must not be retried, got %d calls", n)
	}
	waitDone(t, s)
	if s.State() != rangefs.Unmounted {
		t.Errorf("expected unmounted, got %s", s.State())
	}
	if _, err := table.Open(2, syscall.O_RDONLY); !errors.Is(err, rangefs.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestSessionExternalUnmount(t *testing.T) {
	tr := newFakeTransport()
	s, _ := newTestSession(t, false, tr)

	if err := s.Shutdown(); err != nil {
		t.Fatal(err)
	}
	if n := tr.Calls(); n != 0 {
		t.Errorf("shutdown without auto-unmount must not unmount, got %d calls", n)
	}

	tr.stop()
	if err := waitDone(t, s); err != nil {
		t.Fatal(err)
	}
	if s.State() != rangefs.Unmounted {
		t.Errorf("expected unmounted, got %s", s.State())
	}
}

func TestSessionSignal(t *testing.T) {
	tr := newFakeTransport()
	s, _ := newTestSession(t, true, tr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.HandleSignals(ctx, syscall.SIGUSR1)

	if err := syscall.Kill(syscall.Getpid(), syscall.SIGUSR1); err != nil {
		t.Fatal(err)
	}
	if err := waitDone(t, s); err != nil {
		t.Fatal(err)
	}
	if n := tr.Calls(); n != 1 {
		t.Errorf("expected one unmount call, got %d", n)
	}
}

func TestSessionAbort(t *testing.T) {
	s := rangefs.NewSession(true)
	s.Abort()
	waitDone(t, s)
	if s.State() != rangefs.Unmounted {
		t.Errorf("expected unmounted, got %s", s.State())
	}
	if err := s.Mounted(newFakeTransport(), nil); err == nil {
		t.Errorf("mounting an aborted session must fail")
	}
	// aborting twice must not close done again
	s.Abort()
}

func TestStateString(t *testing.T) {
	for st, want := range map[rangefs.State]string{
		rangefs.Initializing: "initializing",
		rangefs.Mounted:      "mounted",
		rangefs.Unmounting:   "unmounting",
		rangefs.Unmounted:    "unmounted",
		rangefs.State(42):    "State(42)",
	} {
		if got := st.String(); got != want {
			t.Errorf("%d: expected %q, got %q", st, want, got)
		}
	}
}
