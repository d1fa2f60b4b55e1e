package upload

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	testUser     = "ci"
	testPassword = "hunter2"
)

// testServer is an in-process SSH server that serves SFTP from memory.
type testServer struct {
	t        *testing.T
	listener net.Listener
	handlers sftp.Handlers
	hostKey  ssh.Signer

	authorizedKey   ssh.PublicKey
	rejectSubsystem bool
	stallHandshake  bool

	mu    sync.Mutex
	conns []net.Conn
}

type serverOption func(*testServer)

func withAuthorizedKey(key ssh.PublicKey) serverOption {
	return func(s *testServer) { s.authorizedKey = key }
}

func withRejectedSubsystem() serverOption {
	return func(s *testServer) { s.rejectSubsystem = true }
}

func withStalledHandshake() serverOption {
	return func(s *testServer) { s.stallHandshake = true }
}

func newTestServer(t *testing.T, opts ...serverOption) *testServer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &testServer{
		t:        t,
		listener: ln,
		handlers: sftp.InMemHandler(),
		hostKey:  signer,
	}

	for _, opt := range opts {
		opt(s)
	}

	go s.serve()

	t.Cleanup(func() {
		_ = ln.Close()

		s.mu.Lock()
		defer s.mu.Unlock()

		for _, c := range s.conns {
			_ = c.Close()
		}
	})

	return s
}

func (s *testServer) host() string {
	host, _, _ := net.SplitHostPort(s.listener.Addr().String())

	return host
}

func (s *testServer) port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

func (s *testServer) config() SessionConfig {
	return SessionConfig{
		Server:   s.host(),
		Port:     s.port(),
		User:     testUser,
		Password: testPassword,
	}
}

func (s *testServer) serverConfig() *ssh.ServerConfig {
	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == testUser && string(pass) == testPassword {
				return nil, nil
			}

			return nil, errors.New("bad password")
		},
	}

	if s.authorizedKey != nil {
		cfg.PublicKeyCallback = func(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if c.User() == testUser && bytes.Equal(key.Marshal(), s.authorizedKey.Marshal()) {
				return nil, nil
			}

			return nil, errors.New("unknown key")
		}
	}

	cfg.AddHostKey(s.hostKey)

	return cfg
}

func (s *testServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}

		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		if s.stallHandshake {
			continue
		}

		go s.handle(conn)
	}
}

func (s *testServer) handle(conn net.Conn) {
	_, chans, reqs, err := ssh.NewServerConn(conn, s.serverConfig())
	if err != nil {
		return
	}

	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			_ = newCh.Reject(ssh.UnknownChannelType, "unsupported")

			continue
		}

		ch, chReqs, err := newCh.Accept()
		if err != nil {
			continue
		}

		go s.handleSession(ch, chReqs)
	}
}

func (s *testServer) handleSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	for req := range reqs {
		var payload struct{ Name string }

		ok := req.Type == "subsystem" &&
			ssh.Unmarshal(req.Payload, &payload) == nil &&
			payload.Name == "sftp" &&
			!s.rejectSubsystem

		_ = req.Reply(ok, nil)

		if !ok {
			continue
		}

		go func() {
			server := sftp.NewRequestServer(ch, s.handlers)
			_ = server.Serve()
			_ = server.Close()
		}()
	}
}

// client returns an SFTP client wired straight to the in-memory backend,
// bypassing SSH, for inspecting what an upload left behind.
func (s *testServer) client() *sftp.Client {
	s.t.Helper()

	return newMemClient(s.t, s.handlers)
}

func (s *testServer) readFile(p string) []byte {
	s.t.Helper()

	f, err := s.client().Open(p)
	require.NoError(s.t, err)

	defer f.Close()

	data, err := io.ReadAll(f)
	require.NoError(s.t, err)

	return data
}

func (s *testServer) listDir(p string) []string {
	s.t.Helper()

	infos, err := s.client().ReadDir(p)
	require.NoError(s.t, err)

	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name())
	}

	return names
}

// writeKnownHosts writes a known_hosts file trusting key for this server.
func (s *testServer) writeKnownHosts(key ssh.PublicKey) string {
	s.t.Helper()

	addr := knownhosts.Normalize(net.JoinHostPort(s.host(), fmt.Sprint(s.port())))
	line := knownhosts.Line([]string{addr}, key)

	file := filepath.Join(s.t.TempDir(), "known_hosts")
	require.NoError(s.t, os.WriteFile(file, []byte(line+"\n"), 0o600))

	return file
}

func newMemClient(t *testing.T, handlers sftp.Handlers) *sftp.Client {
	t.Helper()

	clientConn, serverConn := net.Pipe()

	server := sftp.NewRequestServer(serverConn, handlers)

	go func() {
		_ = server.Serve()
	}()

	client, err := sftp.NewClientPipe(clientConn, clientConn)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})

	return client
}

// generateKey returns a PEM encoded ed25519 private key and its public half.
func generateKey(t *testing.T, passphrase string) ([]byte, ssh.PublicKey) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	var block *pem.Block
	if passphrase != "" {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(priv, "test", []byte(passphrase))
	} else {
		block, err = ssh.MarshalPrivateKey(priv, "test")
	}

	require.NoError(t, err)

	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)

	return pem.EncodeToMemory(block), sshPub
}
