package sshclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/crypto/ssh"

	"github.com/ivannde/lecollecteur/internal/model"
)

// Target is everything needed to open a session on one host.
type Target struct {
	Address  string
	Port     int
	User     string
	KeyPath  string
	Password string
}

// TargetFor builds a Target from a registered server.
func TargetFor(s model.Server) Target {
	return Target{
		Address:  s.Address,
		Port:     s.Port,
		User:     s.User,
		KeyPath:  s.KeyPath,
		Password: s.Password,
	}
}

// Result is the outcome of one remote command. Err is empty on success and
// carries the connection, authentication or dispatch failure otherwise. A
// non-zero ExitCode alone is not a failure.
type Result struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	Err      string `json:"error,omitempty"`
}

func (r Result) Failed() bool { return r.Err != "" }

func failure(format string, args ...any) Result {
	return Result{ExitCode: -1, Err: fmt.Sprintf(format, args...)}
}

// Runner runs a script on a target. Implementations never return Go errors;
// every failure is reported through Result.Err.
type Runner interface {
	Run(ctx context.Context, t Target, script string) Result
}

type Client struct {
	cfg Config
	fs  afero.Fs
}

// New returns a client reading private keys from fs (the OS filesystem when nil).
func New(cfg Config, fs afero.Fs) *Client {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Client{cfg: cfg, fs: fs}
}

var _ Runner = (*Client)(nil)

// Run opens a fresh connection, executes script as a single remote command,
// collects stdout and stderr until it exits, then closes the connection.
func (c *Client) Run(ctx context.Context, t Target, script string) Result {
	if strings.TrimSpace(t.Address) == "" {
		return failure("ssh address is empty")
	}
	if strings.TrimSpace(t.User) == "" {
		return failure("ssh user is empty")
	}
	if strings.TrimSpace(script) == "" {
		return failure("script is empty")
	}

	auth, err := c.authMethods(t)
	if err != nil {
		return failure("%v", err)
	}

	port := t.Port
	if port <= 0 {
		port = model.DefaultSSHPort
	}
	addr := net.JoinHostPort(strings.TrimSpace(t.Address), strconv.Itoa(port))

	// Host keys are accepted blindly; there is no known_hosts store yet.
	sshCfg := &ssh.ClientConfig{
		User:            t.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         c.cfg.ConnectTimeout,
	}

	if c.cfg.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.CommandTimeout)
		defer cancel()
	}

	dialCtx := ctx
	if c.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		defer cancel()
	}
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return failure("dial %s: %v", addr, err)
	}
	defer conn.Close()

	// The handshake must not hang; the deadline is lifted once it is done so
	// long-running scripts are only bounded by ctx.
	if c.cfg.ConnectTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(c.cfg.ConnectTimeout))
	}
	cconn, chans, reqs, err := ssh.NewClientConn(conn, addr, sshCfg)
	if err != nil {
		return failure("ssh handshake with %s: %v", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	client := ssh.NewClient(cconn, chans, reqs)
	defer client.Close()

	sess, err := client.NewSession()
	if err != nil {
		return failure("open session: %v", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(script) }()

	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		_ = client.Close()
		<-done
		return Result{
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			ExitCode: -1,
			Err:      fmt.Sprintf("command aborted: %v", ctx.Err()),
		}
	case err = <-done:
	}

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res
		}
		res.ExitCode = -1
		res.Err = fmt.Sprintf("run command: %v", err)
	}
	return res
}

// authMethods prefers the key file when both credentials are present. The
// password doubles as the key passphrase for encrypted keys.
func (c *Client) authMethods(t Target) ([]ssh.AuthMethod, error) {
	if path := strings.TrimSpace(t.KeyPath); path != "" {
		pem, err := afero.ReadFile(c.fs, path)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) && t.Password != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(t.Password))
		}
		if err != nil {
			return nil, fmt.Errorf("parse private key %s: %w", path, err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}

	if t.Password != "" {
		password := t.Password
		return []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_user, _instruction string, questions []string, _echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range questions {
					answers[i] = password
				}
				return answers, nil
			}),
		}, nil
	}

	return nil, errors.New("no credential available (set a key path or a password)")
}
