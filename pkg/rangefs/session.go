package rangefs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
)

// State is the lifecycle state of a mount session.
type State int32

const (
	Initializing State = iota
	Mounted
	Unmounting
	Unmounted
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Mounted:
		return "mounted"
	case Unmounting:
		return "unmounting"
	case Unmounted:
		return "unmounted"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Transport is the part of the FUSE server a session drives.
// *fuse.Server implements it.
type Transport interface {
	Unmount() error
	Wait()
}

// Session tracks one mount from start-up to teardown.
type Session struct {
	// AutoUnmount unmounts on termination signals and on Shutdown.
	AutoUnmount bool

	// UnmountBackOff controls retries of busy unmounts. Defaults to an
	// exponential back-off giving up after ten seconds.
	UnmountBackOff func() backoff.BackOff

	state     atomic.Int32
	transport Transport
	table     *Table

	finishOnce sync.Once
	done       chan struct{}
	closeErr   error
}

// NewSession returns a session in the Initializing state.
func NewSession(autoUnmount bool) *Session {
	return &Session{
		AutoUnmount: autoUnmount,
		done:        make(chan struct{}),
	}
}

// State returns the current state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Mounted records a successful mount. The session finishes once the
// transport stops serving, closing table after in-flight requests drain.
func (s *Session) Mounted(t Transport, table *Table) error {
	if st := s.State(); st != Initializing {
		return fmt.Errorf("cannot mount session in state %s", st)
	}
	s.transport = t
	s.table = table
	if !s.state.CompareAndSwap(int32(Initializing), int32(Mounted)) {
		return fmt.Errorf("cannot mount session in state %s", s.State())
	}

	go func() {
		t.Wait()
		s.finish()
	}()
	return nil
}

// Unmount asks the transport to unmount, retrying while the mount is
// busy. If unmounting keeps failing the error is logged and the session
// finishes anyway so that the process can exit.
func (s *Session) Unmount() error {
	if !s.state.CompareAndSwap(int32(Mounted), int32(Unmounting)) {
		return nil
	}

	bo := s.unmountBackOff()
	err := backoff.Retry(func() error {
		err := s.transport.Unmount()
		if err != nil && !errors.Is(err, syscall.EBUSY) {
			return backoff.Permanent(err)
		}
		if err != nil {
			log.WithError(err).Debug("mount busy, retrying unmount")
		}
		return err
	}, bo)
	if err != nil {
		log.WithError(err).Error("cannot unmount")
		s.finish()
		return fmt.Errorf("unmount: %w", err)
	}
	return nil
}

func (s *Session) unmountBackOff() backoff.BackOff {
	if s.UnmountBackOff != nil {
		return s.UnmountBackOff()
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = 10 * time.Second
	return bo
}

// Shutdown unmounts when auto-unmount is enabled. Defer it on the exit
// path of the process; it is a no-op once the session left Mounted.
func (s *Session) Shutdown() error {
	if !s.AutoUnmount {
		return nil
	}
	return s.Unmount()
}

// HandleSignals unmounts on the first of sigs when auto-unmount is
// enabled. Without auto-unmount the signals keep their default action.
func (s *Session) HandleSignals(ctx context.Context, sigs ...os.Signal) {
	if !s.AutoUnmount {
		return
	}
	if len(sigs) == 0 {
		sigs = []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP}
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	go func() {
		defer signal.Stop(ch)
		select {
		case sig := <-ch:
			log.WithField("signal", sig).Info("received signal, unmounting")
			_ = s.Unmount()
		case <-ctx.Done():
		case <-s.done:
		}
	}()
}

// Done is closed once the session reached Unmounted.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session is unmounted and returns the error of
// releasing the sources, if any.
func (s *Session) Wait() error {
	<-s.done
	return s.closeErr
}

func (s *Session) finish() {
	s.finishOnce.Do(func() {
		if s.state.CompareAndSwap(int32(Mounted), int32(Unmounting)) {
			log.Debug("unmounted externally")
		}
		if s.table != nil {
			s.closeErr = s.table.Close()
		}
		s.state.Store(int32(Unmounted))
		close(s.done)
	})
}

// Abort ends a session that never got mounted.
func (s *Session) Abort() {
	if s.state.CompareAndSwap(int32(Initializing), int32(Unmounted)) {
		close(s.done)
	}
}
