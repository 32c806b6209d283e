package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig("example.com", "testuser")

	if config.Host != "example.com" {
		t.Errorf("expected host 'example.com', got '%s'", config.Host)
	}
	if config.Port != 22 {
		t.Errorf("expected port 22, got %d", config.Port)
	}
	if config.AuthMethod != AuthMethodKey {
		t.Errorf("expected auth method 'key', got '%s'", config.AuthMethod)
	}
	if config.ConnectionTimeout != 30*time.Second {
		t.Errorf("expected connection timeout 30s, got %v", config.ConnectionTimeout)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name       string
		modifyFunc func(*Config)
		errorMsg   string
	}{
		{
			name: "valid config",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = "secret"
			},
		},
		{
			name:       "missing host",
			modifyFunc: func(c *Config) { c.Host = "" },
			errorMsg:   "host is required",
		},
		{
			name:       "invalid port",
			modifyFunc: func(c *Config) { c.Port = 0 },
			errorMsg:   "invalid port",
		},
		{
			name:       "missing user",
			modifyFunc: func(c *Config) { c.User = "" },
			errorMsg:   "user is required",
		},
		{
			name: "password auth without password",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
			},
			errorMsg: "password is required",
		},
		{
			name: "missing key file",
			modifyFunc: func(c *Config) {
				c.PrivateKeyPath = "/nonexistent/key"
			},
			errorMsg: "private key file not found",
		},
		{
			name: "agent auth without socket",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodAgent
			},
			errorMsg: "SSH_AUTH_SOCK",
		},
		{
			name: "agent auth with explicit socket",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodAgent
				c.AgentSocket = "/tmp/agent.sock"
			},
		},
		{
			name: "unknown auth method",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethod("kerberos")
			},
			errorMsg: "unsupported auth method",
		},
		{
			name: "proxy without user",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = "secret"
				c.ProxyHost = "bastion"
			},
			errorMsg: "proxy user is required",
		},
		{
			name: "zero command timeout",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = "secret"
				c.CommandTimeout = 0
			},
			errorMsg: "command timeout must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("SSH_AUTH_SOCK", "")
			config := DefaultConfig("example.com", "testuser")
			tt.modifyFunc(config)

			err := config.Validate()
			if tt.errorMsg == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.errorMsg)
			}
			if !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("expected error containing %q, got %q", tt.errorMsg, err.Error())
			}
		})
	}
}

func TestConfigForAddress(t *testing.T) {
	base := DefaultConfig("", "vcap")

	tests := []struct {
		address  string
		wantHost string
		wantPort int
		wantErr  bool
	}{
		{address: "10.0.0.5", wantHost: "10.0.0.5", wantPort: 22},
		{address: "10.0.0.5:2222", wantHost: "10.0.0.5", wantPort: 2222},
		{address: "[fd00::1]:22", wantHost: "fd00::1", wantPort: 22},
		{address: "host:ssh", wantErr: true},
		{address: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			cfg, err := base.ForAddress(tt.address)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ForAddress() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if cfg.Host != tt.wantHost || cfg.Port != tt.wantPort {
				t.Errorf("got %s:%d, want %s:%d", cfg.Host, cfg.Port, tt.wantHost, tt.wantPort)
			}
			if cfg.User != "vcap" {
				t.Errorf("expected user to be copied, got %q", cfg.User)
			}
		})
	}

	if base.Host != "" {
		t.Errorf("base config was modified: host=%q", base.Host)
	}
}

func TestConfigAddresses(t *testing.T) {
	config := DefaultConfig("example.com", "testuser")
	config.Port = 2222
	if got := config.Address(); got != "example.com:2222" {
		t.Errorf("Address() = %q", got)
	}
	if config.IsProxyEnabled() || config.ProxyAddress() != "" {
		t.Error("proxy should be disabled by default")
	}

	config.ProxyHost = "bastion.example.com"
	if !config.IsProxyEnabled() {
		t.Error("expected proxy to be enabled")
	}
	if got := config.ProxyAddress(); got != "bastion.example.com:22" {
		t.Errorf("ProxyAddress() = %q", got)
	}
}

func TestBuildSSHClientConfig(t *testing.T) {
	t.Run("password authentication", func(t *testing.T) {
		config := DefaultConfig("example.com", "testuser")
		config.AuthMethod = AuthMethodPassword
		config.Password = "secret"
		config.StrictHostKeyChecking = false

		clientConfig, err := config.BuildSSHClientConfig()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if clientConfig.User != "testuser" {
			t.Errorf("expected user 'testuser', got '%s'", clientConfig.User)
		}
		// password plus keyboard-interactive
		if len(clientConfig.Auth) != 2 {
			t.Errorf("expected 2 auth methods, got %d", len(clientConfig.Auth))
		}
	})

	t.Run("key authentication", func(t *testing.T) {
		config := DefaultConfig("example.com", "testuser")
		config.PrivateKeyPath = writeTestKey(t)
		config.StrictHostKeyChecking = false

		clientConfig, err := config.BuildSSHClientConfig()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(clientConfig.Auth) != 1 {
			t.Errorf("expected 1 auth method, got %d", len(clientConfig.Auth))
		}
	})

	t.Run("agent authentication without agent", func(t *testing.T) {
		config := DefaultConfig("example.com", "testuser")
		config.AuthMethod = AuthMethodAgent
		config.AgentSocket = filepath.Join(t.TempDir(), "missing.sock")

		if _, err := config.BuildSSHClientConfig(); err == nil {
			t.Error("expected error dialing a missing agent socket")
		}
	})

	t.Run("missing known_hosts", func(t *testing.T) {
		config := DefaultConfig("example.com", "testuser")
		config.AuthMethod = AuthMethodPassword
		config.Password = "secret"
		config.KnownHostsPath = filepath.Join(t.TempDir(), "known_hosts")

		if _, err := config.BuildSSHClientConfig(); err == nil {
			t.Error("expected error loading missing known_hosts")
		}
	})
}

// writeTestKey writes an unencrypted ED25519 private key and returns its path.
func writeTestKey(t *testing.T) string {
	t.Helper()
	_, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(privKey, "")
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}
	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("failed to write key: %v", err)
	}
	return keyPath
}
