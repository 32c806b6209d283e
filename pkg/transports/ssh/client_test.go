package ssh

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// testSSHServer is a minimal SSH server that understands a few commands.
type testSSHServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	hostKey  ssh.PublicKey
}

func newTestSSHServer(t *testing.T) *testSSHServer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "testuser" && string(pass) == "testpass" {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
	}
	config.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	s := &testSSHServer{listener: listener, config: config, hostKey: signer.PublicKey()}
	go s.serve()
	t.Cleanup(func() { _ = listener.Close() })
	return s
}

func (s *testSSHServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConnection(conn)
	}
}

func (s *testSSHServer) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go handleSession(channel, requests)
	}
}

func handleSession(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		if req.Type != "exec" {
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
			continue
		}
		command := string(req.Payload[4:])
		if req.WantReply {
			_ = req.Reply(true, nil)
		}

		status := uint32(0)
		switch command {
		case "echo test":
			_, _ = channel.Write([]byte("test\n"))
		case "warn":
			_, _ = channel.Stderr().Write([]byte("careful\n"))
		case "exit 3":
			status = 3
		case "cat":
			_, _ = io.Copy(channel, channel)
		case "sleep":
			time.Sleep(2 * time.Second)
		}

		payload := make([]byte, 4)
		binary.BigEndian.PutUint32(payload, status)
		_, _ = channel.SendRequest("exit-status", false, payload)
		return
	}
}

func (s *testSSHServer) clientConfig(t *testing.T) *Config {
	t.Helper()
	host, portStr, _ := net.SplitHostPort(s.listener.Addr().String())
	port, _ := strconv.Atoi(portStr)

	config := DefaultConfig(host, "testuser")
	config.Port = port
	config.AuthMethod = AuthMethodPassword
	config.Password = "testpass"
	config.StrictHostKeyChecking = false
	config.ConnectionTimeout = 5 * time.Second
	return config
}

func dialTest(t *testing.T, config *Config) *Client {
	t.Helper()
	client, err := Dial(context.Background(), config, zerolog.Nop())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestClientRun(t *testing.T) {
	server := newTestSSHServer(t)
	client := dialTest(t, server.clientConfig(t))

	result, err := client.Run(context.Background(), "echo test")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Stdout != "test\n" {
		t.Errorf("stdout = %q, want %q", result.Stdout, "test\n")
	}
	if result.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", result.ExitCode)
	}

	result, err = client.Run(context.Background(), "warn")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Stderr != "careful\n" {
		t.Errorf("stderr = %q", result.Stderr)
	}
}

func TestClientRunExitCode(t *testing.T) {
	server := newTestSSHServer(t)
	client := dialTest(t, server.clientConfig(t))

	result, err := client.Run(context.Background(), "exit 3")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", result.ExitCode)
	}
}

func TestClientRunTimeout(t *testing.T) {
	server := newTestSSHServer(t)
	client := dialTest(t, server.clientConfig(t))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := client.Run(ctx, "sleep")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !IsTemporary(err) {
		t.Errorf("timeout should be temporary, got %v", err)
	}
}

func TestClientStart(t *testing.T) {
	server := newTestSSHServer(t)
	client := dialTest(t, server.clientConfig(t))

	proc, err := client.Start(context.Background(), "cat")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer proc.Close()

	if _, err := proc.Stdin.Write([]byte("hello agent\n")); err != nil {
		t.Fatalf("write error = %v", err)
	}
	line, err := bufio.NewReader(proc.Stdout).ReadString('\n')
	if err != nil {
		t.Fatalf("read error = %v", err)
	}
	if line != "hello agent\n" {
		t.Errorf("got %q", line)
	}

	if err := proc.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := proc.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestClientWrongPassword(t *testing.T) {
	server := newTestSSHServer(t)
	config := server.clientConfig(t)
	config.Password = "wrong"

	_, err := Dial(context.Background(), config, zerolog.Nop())
	if err == nil {
		t.Fatal("expected authentication failure")
	}
}

func TestClientKnownHosts(t *testing.T) {
	server := newTestSSHServer(t)
	config := server.clientConfig(t)
	config.StrictHostKeyChecking = true
	config.KnownHostsPath = filepath.Join(t.TempDir(), "known_hosts")

	line := knownhosts.Line([]string{knownhosts.Normalize(config.Address())}, server.hostKey)
	if err := os.WriteFile(config.KnownHostsPath, []byte(line+"\n"), 0o600); err != nil {
		t.Fatalf("failed to write known_hosts: %v", err)
	}
	dialTest(t, config)

	other := newTestSSHServer(t)
	line = knownhosts.Line([]string{knownhosts.Normalize(config.Address())}, other.hostKey)
	if err := os.WriteFile(config.KnownHostsPath, []byte(line+"\n"), 0o600); err != nil {
		t.Fatalf("failed to write known_hosts: %v", err)
	}
	if _, err := Dial(context.Background(), config, zerolog.Nop()); err == nil {
		t.Error("expected host key mismatch")
	}
}

func TestClientClosed(t *testing.T) {
	server := newTestSSHServer(t)
	client := dialTest(t, server.clientConfig(t))

	if err := client.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := client.Run(context.Background(), "echo test"); err == nil {
		t.Error("expected error running on closed client")
	}
	if _, err := client.Start(context.Background(), "cat"); err == nil {
		t.Error("expected error starting on closed client")
	}
	if err := client.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestDialInvalidConfig(t *testing.T) {
	_, err := Dial(context.Background(), &Config{}, zerolog.Nop())
	if err == nil {
		t.Fatal("expected error")
	}
	if IsTemporary(err) {
		t.Error("config errors are not temporary")
	}
}
