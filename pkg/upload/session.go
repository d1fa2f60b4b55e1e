package upload

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/pkg/sftp"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	// DefaultPort is the standard SSH port.
	DefaultPort = 22
	// DefaultDialTimeout bounds the TCP connect and SSH handshake.
	DefaultDialTimeout = 30 * time.Second

	// abortGrace is how long a cancelled upload gets to remove its
	// temporary file before the connection is dropped.
	abortGrace = 10 * time.Second
)

// SessionConfig describes the SFTP destination.
type SessionConfig struct {
	Server               string
	Port                 int
	User                 string
	Password             string
	PrivateKey           []byte
	PrivateKeyPassphrase string
	// KnownHostsFile enables host key verification when set.
	KnownHostsFile string
	DialTimeout    time.Duration
	Stream         StreamOptions
}

func (c *SessionConfig) address() string {
	if _, _, err := net.SplitHostPort(c.Server); err == nil {
		return c.Server
	}

	port := c.Port
	if port == 0 {
		port = DefaultPort
	}

	return net.JoinHostPort(c.Server, strconv.Itoa(port))
}

// Session owns one SSH connection and its SFTP channel for a single upload.
// It is not reusable once closed.
type Session struct {
	log logrus.FieldLogger
	cfg SessionConfig

	mu    sync.Mutex
	state State

	conn      net.Conn
	client    *ssh.Client
	fs        RemoteFS
	stopWatch func() bool
	newSFTP   func(*ssh.Client) (RemoteFS, error)
}

// Compile-time interface check.
var _ Uploader = (*Session)(nil)

// NewSession creates a disconnected session.
func NewSession(log logrus.FieldLogger, cfg SessionConfig) *Session {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}

	return &Session{
		log: log.WithFields(logrus.Fields{
			"component": "sftp-session",
			"server":    cfg.address(),
			"user":      cfg.User,
		}),
		cfg:   cfg,
		state: StateDisconnected,
		newSFTP: func(c *ssh.Client) (RemoteFS, error) {
			client, err := sftp.NewClient(c)
			if err != nil {
				return nil, err
			}

			return NewSFTPFS(client), nil
		},
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

func (s *Session) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !canTransition(s.state, to) {
		return transitionError(s.state, to)
	}

	s.log.WithFields(logrus.Fields{
		"from": s.state,
		"to":   to,
	}).Trace("Session transition")

	s.state = to

	return nil
}

// fail tears the connection down, moves to Errored and returns err.
func (s *Session) fail(err error) error {
	s.teardown()

	s.mu.Lock()
	if canTransition(s.state, StateErrored) {
		s.state = StateErrored
	}
	s.mu.Unlock()

	s.log.WithError(err).Debug("Session errored")

	return err
}

// Preflight connects, authenticates and opens the SFTP subsystem.
func (s *Session) Preflight(ctx context.Context) error {
	if err := s.Connect(ctx); err != nil {
		return err
	}

	return s.OpenSubsystem()
}

// Connect dials the server and completes the SSH handshake. Cancelling ctx
// at any later point closes the connection, except while an upload is in
// flight: Upload then removes its temporary file first.
func (s *Session) Connect(ctx context.Context) error {
	if err := s.transition(StateConnecting); err != nil {
		return err
	}

	clientCfg, err := s.clientConfig()
	if err != nil {
		return s.fail(err)
	}

	addr := s.cfg.address()

	dialer := net.Dialer{Timeout: s.cfg.DialTimeout}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return s.fail(fmt.Errorf("%w: connecting to %s: %w", ErrTransport, addr, err))
	}

	s.mu.Lock()
	s.conn = conn
	s.stopWatch = context.AfterFunc(ctx, func() {
		if s.uploading() {
			return
		}

		_ = conn.Close()
	})
	s.mu.Unlock()

	if err := conn.SetDeadline(time.Now().Add(s.cfg.DialTimeout)); err != nil {
		return s.fail(fmt.Errorf("%w: setting handshake deadline: %w", ErrTransport, err))
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		if ctx.Err() != nil {
			return s.fail(fmt.Errorf("%w: handshake with %s: %w", ErrTransport, addr, ctx.Err()))
		}

		if isAuthError(err) {
			return s.fail(fmt.Errorf("%w: %s@%s: %w", ErrAuthentication, s.cfg.User, addr, err))
		}

		return s.fail(fmt.Errorf("%w: handshake with %s: %w", ErrTransport, addr, err))
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		_ = c.Close()

		return s.fail(fmt.Errorf("%w: clearing handshake deadline: %w", ErrTransport, err))
	}

	s.mu.Lock()
	s.client = ssh.NewClient(c, chans, reqs)
	s.mu.Unlock()

	if err := s.transition(StateAuthenticated); err != nil {
		return s.fail(err)
	}

	s.log.Info("Connected to SFTP server")

	return nil
}

// OpenSubsystem starts the SFTP subsystem on the authenticated connection.
func (s *Session) OpenSubsystem() error {
	if err := s.transition(StateSubsystemOpen); err != nil {
		return err
	}

	rfs, err := s.newSFTP(s.client)
	if err != nil {
		return s.fail(fmt.Errorf("%w: %w", ErrSubsystem, err))
	}

	s.mu.Lock()
	s.fs = rfs
	s.mu.Unlock()

	return nil
}

// Upload provisions dir, then streams produce into dir/name. The file only
// appears under its final name once every byte has been acknowledged.
func (s *Session) Upload(ctx context.Context, dir, name string, produce ProduceFunc) (int64, error) {
	if state := s.State(); state != StateSubsystemOpen {
		return 0, transitionError(state, StateStreaming)
	}

	if err := EnsureDirectory(s.log, s.fs, dir); err != nil {
		return 0, s.fail(err)
	}

	if err := s.transition(StateStreaming); err != nil {
		return 0, s.fail(err)
	}

	release := s.guardUpload(ctx)
	defer release()

	sink, err := newRemoteSink(s.fs, dir, name)
	if err != nil {
		return 0, s.fail(err)
	}

	start := time.Now()

	n, err := Pipe(ctx, produce, sink, s.cfg.Stream)
	if err != nil {
		if abortErr := sink.Abort(); abortErr != nil {
			s.log.WithError(abortErr).Warn("Failed to remove temporary file")
		}

		release()

		return n, s.fail(err)
	}

	if err := s.transition(StateFinalizing); err != nil {
		_ = sink.Abort()

		return n, s.fail(err)
	}

	if err := sink.Commit(); err != nil {
		return n, s.fail(err)
	}

	s.log.WithFields(logrus.Fields{
		"path":     sink.target,
		"size":     units.HumanSize(float64(n)),
		"duration": time.Since(start).Round(time.Millisecond).String(),
	}).Info("Upload acknowledged by server")

	return n, nil
}

func (s *Session) uploading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state == StateStreaming || s.state == StateFinalizing
}

// guardUpload drops the connection if ctx is cancelled and the upload has
// not settled within abortGrace. The returned func must be called once the
// temporary file is committed or removed.
func (s *Session) guardUpload(ctx context.Context) func() {
	settled := make(chan struct{})

	stop := context.AfterFunc(ctx, func() {
		timer := time.NewTimer(abortGrace)
		defer timer.Stop()

		select {
		case <-settled:
		case <-timer.C:
			s.log.Warn("Upload did not settle after cancellation, dropping connection")
			s.closeConn()
		}
	})

	var once sync.Once

	return func() {
		once.Do(func() {
			stop()
			close(settled)
		})
	}
}

func (s *Session) closeConn() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

// Close closes the SFTP channel and the SSH connection. It always runs its
// cleanup, whatever the current state.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()

		return nil
	}
	s.mu.Unlock()

	err := s.teardown()

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()

	return err
}

func (s *Session) teardown() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopWatch != nil {
		s.stopWatch()
		s.stopWatch = nil
	}

	var firstErr error

	if s.fs != nil {
		_ = s.fs.Close()
		s.fs = nil
	}

	if s.client != nil {
		if err := s.client.Close(); err != nil && !isClosedErr(err) {
			firstErr = err
		}

		s.client = nil
		s.conn = nil
	}

	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}

	return firstErr
}

func (s *Session) clientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod

	if len(s.cfg.PrivateKey) > 0 {
		var (
			signer ssh.Signer
			err    error
		)

		if s.cfg.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(s.cfg.PrivateKey, []byte(s.cfg.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(s.cfg.PrivateKey)
		}

		if err != nil {
			return nil, fmt.Errorf("%w: parsing private key: %w", ErrAuthentication, err)
		}

		auth = append(auth, ssh.PublicKeys(signer))
	}

	if s.cfg.Password != "" {
		password := s.cfg.Password

		auth = append(auth,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}

				return answers, nil
			}),
		)
	}

	if len(auth) == 0 {
		return nil, fmt.Errorf("%w: no password or private key configured", ErrAuthentication)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey() //nolint:gosec // opt-in verification below

	if s.cfg.KnownHostsFile != "" {
		cb, err := knownhosts.New(s.cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("%w: loading known hosts %s: %w", ErrTransport, s.cfg.KnownHostsFile, err)
		}

		hostKeyCallback = cb
	} else {
		s.log.Warn("Host key verification is disabled, set a known hosts file to enable it")
	}

	return &ssh.ClientConfig{
		User:            s.cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         s.cfg.DialTimeout,
	}, nil
}

// isAuthError detects credential rejection. x/crypto/ssh does not export a
// typed error for it.
func isAuthError(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate")
}

func isClosedErr(err error) bool {
	return strings.Contains(err.Error(), "use of closed network connection")
}
