// Package session drives the lifecycle of one traced agent invocation: it
// spawns the child command with the proxy wired into its environment, waits
// for it to exit, and finalizes the on-disk session record.
package session

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/tracewarden/tracewarden/internal/errs"
	"github.com/tracewarden/tracewarden/internal/eventlog"
)

const internalIDPrefix = "ses_"
const internalIDLength = 20

// Status is one state in the session lifecycle state machine.
type Status string

const (
	StatusCreated    Status = "created"
	StatusStarting   Status = "starting"
	StatusRunning    Status = "running"
	StatusFinalizing Status = "finalizing"
	StatusTerminated Status = "terminated"
	StatusAborting   Status = "aborting"
)

// ProxyHandle is the subset of proxy.Engine the supervisor depends on. Kept
// as an interface so tests can substitute a fake without standing up real
// TLS termination.
type ProxyHandle interface {
	Start(bindAddress string) (*StartResult, error)
	Stop(ctx context.Context, graceMs int) error
}

// StartResult mirrors proxy.StartResult; declared locally to avoid an
// import cycle (proxy does not depend on session).
type StartResult struct {
	Addr      string
	CACertPEM []byte
}

// Store is the subset of store.Store the supervisor depends on. Finalize
// computes its own summary in a second pass over the session's log, so the
// supervisor never needs to hand it one.
type Store interface {
	CreateSession(sessionID string, startedAt time.Time) (string, error)
	SetMetadata(sessionID, name string, tags []string) error
	Finalize(sessionID string, endedAt time.Time, status string) error
}

// EventSink is the subset of pipeline.Pipeline the supervisor depends on to
// submit the session_start/session_end lifecycle events through the normal
// validate/redact/dedupe/correlate/order/append chain, and to make sure they
// are durably flushed before the store's log file is closed.
type EventSink interface {
	Submit(ev eventlog.Event) bool
	Stop(ctx context.Context)
}

// Supervisor owns the full lifecycle of one traced session: generating its
// ID, starting the proxy, spawning the traced command with the proxy wired
// into its environment, waiting for it to exit, and finalizing the session
// record. One Supervisor instance traces exactly one invocation.
type Supervisor struct {
	ID         string
	InternalID string

	proxy ProxyHandle
	store Store
	sink  EventSink
	logger *slog.Logger

	mu       sync.Mutex
	status   Status
	cmd      *exec.Cmd
	caFile   string
	failed   bool
	failErr  error

	startedAt time.Time
}

// GenerateIDs mints a fresh ULID session ID alongside a ses_-prefixed
// internal continuity ID. Callers that need the session ID before a
// Supervisor can be constructed (e.g. to build the proxy.Engine that the
// Supervisor will drive) call this first and pass the result to New.
func GenerateIDs() (id, internalID string) {
	return ulid.Make().String(), generateInternalID()
}

// New builds a Supervisor for a session identified by id/internalID, which
// the caller obtains from GenerateIDs.
func New(id, internalID string, proxy ProxyHandle, store Store, sink EventSink, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		ID:         id,
		InternalID: internalID,
		proxy:      proxy,
		store:      store,
		sink:       sink,
		logger:     logger.With("component", "session.Supervisor", "session_id", id),
		status:     StatusCreated,
	}
}

// MarkFailed records that the session's log is no longer reliably durable
// (the pipeline exhausted its append retries). Wait reports status "failed"
// instead of a clean "terminated" once this has been called.
func (s *Supervisor) MarkFailed(err error) {
	s.mu.Lock()
	s.failed = true
	s.failErr = err
	s.mu.Unlock()
}

// Status returns the current lifecycle state.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Supervisor) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// RunOptions configures the child process a Supervisor spawns.
type RunOptions struct {
	Command     []string
	Dir         string
	ExtraEnv    []string
	BindAddress string
	CADir       string // directory the session CA cert is written to

	// Prompt/AgentVersion/Tags/ConfigSnapshot are recorded verbatim on the
	// session_start event. Name additionally lands in the session index
	// entry as a human label (the --session-name flag).
	Name           string
	Prompt         string
	AgentVersion   string
	Tags           []string
	ConfigSnapshot map[string]any
}

// Start creates the session record, starts the proxy, and spawns the traced
// command with HTTP_PROXY/HTTPS_PROXY/NODE_EXTRA_CA_CERTS/
// TRACEWARDEN_SESSION_ID set to point at it. It returns once the child has
// been launched; call Wait to block until it exits.
func (s *Supervisor) Start(ctx context.Context, opts RunOptions) error {
	if len(opts.Command) == 0 {
		return errs.New(errs.CodeInvalidEvent, "no command given to trace")
	}

	s.setStatus(StatusStarting)
	s.startedAt = time.Now().UTC()

	if _, err := s.store.CreateSession(s.ID, s.startedAt); err != nil {
		s.setStatus(StatusTerminated)
		return errs.Wrap(errs.CodeAppendFailed, "creating session record", err)
	}
	if opts.Name != "" || len(opts.Tags) > 0 {
		if err := s.store.SetMetadata(s.ID, opts.Name, opts.Tags); err != nil {
			s.logger.Warn("failed to record session name/tags", "error", err)
		}
	}

	result, err := s.proxy.Start(opts.BindAddress)
	if err != nil {
		s.setStatus(StatusTerminated)
		return err
	}

	caFile := filepath.Join(opts.CADir, fmt.Sprintf("%s-ca.pem", s.ID))
	if err := os.WriteFile(caFile, result.CACertPEM, 0o600); err != nil {
		s.setStatus(StatusTerminated)
		return errs.Wrap(errs.CodeCertGeneration, "writing session CA to disk", err)
	}
	s.caFile = caFile

	s.sink.Submit(eventlog.Event{
		Kind:             eventlog.KindSessionStart,
		Timestamp:        s.startedAt,
		SessionID:        s.ID,
		Prompt:           opts.Prompt,
		AgentVersion:     opts.AgentVersion,
		WorkingDirectory: opts.Dir,
		Tags:             opts.Tags,
		ConfigSnapshot:   opts.ConfigSnapshot,
	})

	//nolint:gosec // command name and args are user-supplied by design: this IS the program being traced.
	cmd := exec.CommandContext(ctx, opts.Command[0], opts.Command[1:]...)
	cmd.Dir = opts.Dir
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(),
		"HTTP_PROXY=http://"+result.Addr,
		"HTTPS_PROXY=http://"+result.Addr,
		"http_proxy=http://"+result.Addr,
		"https_proxy=http://"+result.Addr,
		"NODE_EXTRA_CA_CERTS="+caFile,
		"SSL_CERT_FILE="+caFile,
		"TRACEWARDEN_SESSION_ID="+s.ID,
	)
	cmd.Env = append(cmd.Env, opts.ExtraEnv...)

	if err := cmd.Start(); err != nil {
		s.setStatus(StatusTerminated)
		return errs.Wrap(errs.CodeChildExited, "starting traced command", err)
	}
	s.mu.Lock()
	s.cmd = cmd
	s.mu.Unlock()
	s.setStatus(StatusRunning)
	s.logger.Info("session started", "command", opts.Command[0], "proxy_addr", result.Addr)
	return nil
}

// Wait blocks until the traced command exits, submits the closing
// session_end event, drains the pipeline so it's durably appended, and only
// then finalizes the session record. It returns the child's exit code.
func (s *Supervisor) Wait(ctx context.Context, graceMs int) (int, error) {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil {
		return -1, errs.New(errs.CodeChildExited, "Wait called before Start")
	}

	waitErr := cmd.Wait()
	s.setStatus(StatusFinalizing)

	exitCode := 0
	status := "terminated"
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			// A non-zero exit from the traced command is a normal outcome for
			// the supervisor, not a supervisor error: it still reaped the
			// child and finalized the session.
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
			status = "errored"
		}
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Duration(graceMs)*time.Millisecond)
	defer cancel()
	if err := s.proxy.Stop(stopCtx, graceMs); err != nil {
		s.logger.Warn("proxy shutdown error", "error", err)
	}
	if s.caFile != "" {
		os.Remove(s.caFile)
	}

	s.mu.Lock()
	failed, failErr := s.failed, s.failErr
	s.mu.Unlock()
	if failed {
		status = "failed"
		s.logger.Error("session log append failed, marking session failed", "error", failErr)
	}

	s.sink.Submit(eventlog.Event{
		Kind:      eventlog.KindSessionEnd,
		Timestamp: time.Now().UTC(),
		SessionID: s.ID,
		Status:    status,
	})
	// Drain the pipeline so session_end (and everything queued ahead of it)
	// is durably appended before Finalize closes the log file out from
	// under it.
	s.sink.Stop(stopCtx)

	if err := s.store.Finalize(s.ID, time.Now().UTC(), status); err != nil {
		s.logger.Error("failed to finalize session record", "error", err)
	}
	s.setStatus(StatusTerminated)
	s.logger.Info("session ended", "status", status, "exit_code", exitCode)
	return exitCode, waitErr
}

// Abort forcibly terminates the traced child, used when the operator
// interrupts tracewarden itself rather than the child exiting on its own.
func (s *Supervisor) Abort() error {
	s.setStatus(StatusAborting)
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Signal(syscall.SIGTERM)
}

// WatchSignals installs SIGINT/SIGTERM handling: the first signal requests
// a graceful abort (SIGTERM to the child, allowing it to clean up), and a
// second SIGINT within 2 seconds forces an immediate process exit so an
// operator is never stuck waiting on a child that won't die.
func WatchSignals(ctx context.Context, abort func(), logger *slog.Logger) context.CancelFunc {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		var lastSigint time.Time
		for {
			select {
			case sig := <-sigCh:
				if sig == syscall.SIGINT {
					if !lastSigint.IsZero() && time.Since(lastSigint) < 2*time.Second {
						logger.Warn("second interrupt received, exiting immediately")
						os.Exit(130)
					}
					lastSigint = time.Now()
				}
				logger.Info("received signal, aborting session", "signal", sig.String())
				abort()
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return func() {
		close(done)
		signal.Stop(sigCh)
	}
}

// generateInternalID creates a human-legible continuity ID alongside the
// ULID, following the corpus's ses_<random> scheme so existing tooling that
// greps session logs for "ses_" keeps working.
func generateInternalID() string {
	const charset = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, internalIDLength)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%s%d", internalIDPrefix, time.Now().UnixNano())
	}
	for i := range b {
		b[i] = charset[b[i]%byte(len(charset))]
	}
	return internalIDPrefix + string(b)
}
