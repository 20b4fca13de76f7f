package sshclient

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/crypto/ssh"
)

const (
	testUser     = "ops"
	testPassword = "s3cret"
)

type execHandler func(cmd string, ch ssh.Channel) uint32

// startServer runs an in-process SSH server accepting testUser with
// testPassword, or with authorized when it is non-nil.
func startServer(t *testing.T, authorized ssh.PublicKey, handler execHandler) (string, int) {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatal(err)
	}

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == testUser && string(pass) == testPassword {
				return nil, nil
			}
			return nil, errors.New("password rejected")
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if authorized != nil && c.User() == testUser && bytes.Equal(key.Marshal(), authorized.Marshal()) {
				return nil, nil
			}
			return nil, errors.New("key rejected")
		},
	}
	cfg.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go serveConn(nc, cfg, handler)
		}
	}()

	return "127.0.0.1", ln.Addr().(*net.TCPAddr).Port
}

func serveConn(nc net.Conn, cfg *ssh.ServerConfig, handler execHandler) {
	defer nc.Close()
	_, chans, reqs, err := ssh.NewServerConn(nc, cfg)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)

	for nch := range chans {
		if nch.ChannelType() != "session" {
			_ = nch.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		ch, chReqs, err := nch.Accept()
		if err != nil {
			continue
		}
		go func() {
			defer ch.Close()
			for req := range chReqs {
				if req.Type != "exec" {
					_ = req.Reply(false, nil)
					continue
				}
				var payload struct{ Command string }
				_ = ssh.Unmarshal(req.Payload, &payload)
				_ = req.Reply(true, nil)
				status := handler(payload.Command, ch)
				_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
				return
			}
		}()
	}
}

func echoHandler(cmd string, ch ssh.Channel) uint32 {
	_, _ = io.WriteString(ch, "ran: "+cmd+"\n")
	_, _ = io.WriteString(ch.Stderr(), "warning\n")
	return 0
}

func testConfig() Config {
	return Config{ConnectTimeout: 2 * time.Second}
}

func TestRunPasswordCapturesBothStreams(t *testing.T) {
	host, port := startServer(t, nil, echoHandler)
	cli := New(testConfig(), afero.NewMemMapFs())

	res := cli.Run(context.Background(), Target{Address: host, Port: port, User: testUser, Password: testPassword}, "uptime")
	if res.Failed() {
		t.Fatalf("unexpected error: %s", res.Err)
	}
	if res.Stdout != "ran: uptime\n" {
		t.Fatalf("stdout = %q", res.Stdout)
	}
	if res.Stderr != "warning\n" {
		t.Fatalf("stderr = %q", res.Stderr)
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit code = %d", res.ExitCode)
	}
}

func TestRunNonZeroExitIsNotAFailure(t *testing.T) {
	host, port := startServer(t, nil, func(cmd string, ch ssh.Channel) uint32 {
		_, _ = io.WriteString(ch.Stderr(), "no such file\n")
		return 2
	})
	cli := New(testConfig(), nil)

	res := cli.Run(context.Background(), Target{Address: host, Port: port, User: testUser, Password: testPassword}, "ls /nope")
	if res.Failed() {
		t.Fatalf("exit status should not be reported as error: %s", res.Err)
	}
	if res.ExitCode != 2 || res.Stderr != "no such file\n" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestRunWrongPassword(t *testing.T) {
	host, port := startServer(t, nil, echoHandler)
	cli := New(testConfig(), nil)

	res := cli.Run(context.Background(), Target{Address: host, Port: port, User: testUser, Password: "nope"}, "id")
	if !res.Failed() {
		t.Fatal("expected authentication failure")
	}
	if !strings.Contains(res.Err, "handshake") {
		t.Fatalf("error should mention the handshake: %q", res.Err)
	}
	if res.Stdout != "" || res.Stderr != "" {
		t.Fatalf("no output expected on auth failure: %+v", res)
	}
}

func TestRunPrivateKeyFromFs(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatal(err)
	}

	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/keys/id_ed25519", pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatal(err)
	}

	host, port := startServer(t, sshPub, echoHandler)
	cli := New(testConfig(), fs)

	// The key wins over a (wrong) password when both are set.
	res := cli.Run(context.Background(), Target{Address: host, Port: port, User: testUser, KeyPath: "/keys/id_ed25519", Password: "ignored"}, "hostname")
	if res.Failed() {
		t.Fatalf("key auth failed: %s", res.Err)
	}
	if res.Stdout != "ran: hostname\n" {
		t.Fatalf("stdout = %q", res.Stdout)
	}
}

func TestRunMissingKeyFile(t *testing.T) {
	cli := New(testConfig(), afero.NewMemMapFs())
	res := cli.Run(context.Background(), Target{Address: "127.0.0.1", Port: 22, User: testUser, KeyPath: "/missing"}, "id")
	if !res.Failed() || !strings.Contains(res.Err, "read private key") {
		t.Fatalf("expected key read failure, got %+v", res)
	}
}

func TestRunValidatesInputs(t *testing.T) {
	t.Parallel()
	cli := New(testConfig(), afero.NewMemMapFs())
	tests := []struct {
		name   string
		target Target
		script string
		want   string
	}{
		{name: "no address", target: Target{User: "u", Password: "p"}, script: "id", want: "address"},
		{name: "no user", target: Target{Address: "h", Password: "p"}, script: "id", want: "user"},
		{name: "no script", target: Target{Address: "h", User: "u", Password: "p"}, script: "  ", want: "script"},
		{name: "no credential", target: Target{Address: "h", User: "u"}, script: "id", want: "no credential"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			res := cli.Run(context.Background(), tt.target, tt.script)
			if !strings.Contains(res.Err, tt.want) {
				t.Fatalf("Err = %q, want it to mention %q", res.Err, tt.want)
			}
			if res.Stdout != "" || res.Stderr != "" {
				t.Fatalf("unexpected output %+v", res)
			}
		})
	}
}

func TestRunUnreachableHost(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	cli := New(testConfig(), nil)
	res := cli.Run(context.Background(), Target{Address: "127.0.0.1", Port: port, User: testUser, Password: testPassword}, "id")
	if !res.Failed() || !strings.Contains(res.Err, "dial") {
		t.Fatalf("expected dial failure, got %+v", res)
	}
	if res.Stdout != "" || res.Stderr != "" {
		t.Fatalf("unexpected output %+v", res)
	}
}

func TestRunCommandTimeoutReportedAsError(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	host, port := startServer(t, nil, func(cmd string, ch ssh.Channel) uint32 {
		_, _ = io.WriteString(ch, "started\n")
		<-release
		return 0
	})

	cfg := testConfig()
	cfg.CommandTimeout = 200 * time.Millisecond
	cli := New(cfg, nil)

	start := time.Now()
	res := cli.Run(context.Background(), Target{Address: host, Port: port, User: testUser, Password: testPassword}, "sleep 600")
	if time.Since(start) > 5*time.Second {
		t.Fatal("command timeout was not enforced")
	}
	if !res.Failed() || !strings.Contains(res.Err, "aborted") {
		t.Fatalf("expected aborted error, got %+v", res)
	}
}
