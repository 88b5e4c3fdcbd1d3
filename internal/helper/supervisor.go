package helper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/broadify/bridge/internal/logger"
)

// RestartPolicy bounds how hard a Supervisor fights for a crashing helper.
type RestartPolicy struct {
	// MaxRestarts is the number of consecutive failed generations before
	// the supervisor gives up. Zero means 3.
	MaxRestarts int
	// Backoff is the delay before the first restart; it doubles per
	// consecutive failure. Zero means 500ms.
	Backoff time.Duration
	// HealthyUptime is how long a generation must survive for the failure
	// budget to reset. Without it a helper that reports ready and dies a
	// moment later would restart forever. Zero means 30s.
	HealthyUptime time.Duration
}

func (p RestartPolicy) withDefaults() RestartPolicy {
	if p.MaxRestarts <= 0 {
		p.MaxRestarts = 3
	}
	if p.Backoff <= 0 {
		p.Backoff = 500 * time.Millisecond
	}
	if p.HealthyUptime <= 0 {
		p.HealthyUptime = 30 * time.Second
	}
	return p
}

// Supervisor keeps one helper role alive across crashes, within a restart
// budget. The factory builds a fresh Process per generation with identical
// configuration; a new generation reattaches to the same frame bus, so
// restarts are invisible to the writer side.
type Supervisor struct {
	factory func() *Process
	policy  RestartPolicy
	log     zerolog.Logger

	mu      sync.Mutex
	current *Process
	stopped bool

	failed chan error
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewSupervisor builds a supervisor; nothing runs until Start.
func NewSupervisor(name string, factory func() *Process, policy RestartPolicy) *Supervisor {
	return &Supervisor{
		factory: factory,
		policy:  policy.withDefaults(),
		log:     logger.WithComponent("supervisor").With().Str("helper", name).Logger(),
		failed:  make(chan error, 1),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the first generation synchronously so the caller sees
// spawn and handshake failures directly, then monitors in the background.
func (s *Supervisor) Start(ctx context.Context) error {
	first := s.factory()
	if err := first.Start(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		first.Stop(context.Background())
		return fmt.Errorf("helper: supervisor already stopped")
	}
	s.current = first
	s.mu.Unlock()

	s.wg.Add(1)
	go s.monitor(first)
	return nil
}

func (s *Supervisor) monitor(p *Process) {
	defer s.wg.Done()

	attempts := 0
	started := time.Now()
	for {
		select {
		case <-p.Done():
		case <-s.stopCh:
			return
		}
		if p.State() != StateCrashed {
			// Requested stop, nothing to do.
			return
		}
		if time.Since(started) >= s.policy.HealthyUptime {
			attempts = 0
		}
		crashErr := p.Err()

		restarted := false
		for !restarted {
			attempts++
			if attempts > s.policy.MaxRestarts {
				s.fail(fmt.Errorf("%w: gave up after %d restarts: %w",
					ErrHelperFailed, s.policy.MaxRestarts, crashErr))
				return
			}
			delay := s.policy.Backoff << (attempts - 1)
			s.log.Warn().
				Err(crashErr).
				Int("attempt", attempts).
				Int("max", s.policy.MaxRestarts).
				Dur("backoff", delay).
				Msg("Helper crashed, restarting")

			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-s.stopCh:
				timer.Stop()
				return
			}

			np := s.factory()
			if err := np.Start(context.Background()); err != nil {
				crashErr = err
				continue
			}
			if !s.setCurrent(np) {
				// Stopped while we were restarting.
				np.Stop(context.Background())
				return
			}
			p = np
			started = time.Now()
			restarted = true
		}
	}
}

func (s *Supervisor) setCurrent(p *Process) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.current = p
	return true
}

func (s *Supervisor) fail(err error) {
	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
	s.log.Error().Err(err).Msg("Helper failed permanently")
	select {
	case s.failed <- err:
	default:
	}
}

// Stop halts monitoring and stops the live generation. Idempotent.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		close(s.stopCh)
	}
	p := s.current
	s.mu.Unlock()

	var err error
	if p != nil {
		err = p.Stop(ctx)
	}
	s.wg.Wait()
	return err
}

// Current returns the live generation, nil before Start or after a
// permanent failure took the helper down.
func (s *Supervisor) Current() *Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Failed delivers the persistent error once the restart budget is spent.
func (s *Supervisor) Failed() <-chan error { return s.failed }
