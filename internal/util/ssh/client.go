package ssh

import (
	"bytes"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/stratus-cloud/stratus-ci/pkg/execcontext"
)

// Client implements Runner and FileFetcher over real SSH connections.
type Client struct {
	Host       string
	User       string
	PrivateKey []byte
	Port       string

	// DialTimeout bounds each connection attempt. Zero means 10 seconds.
	DialTimeout time.Duration
}

// NewClient creates a new SSH client from a private key file.
func NewClient(host, user, privateKeyPath, port string) (*Client, error) {
	key, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read private key: %w", err)
	}

	return &Client{
		Host:       host,
		User:       user,
		PrivateKey: key,
		Port:       port,
	}, nil
}

// Run executes a command on the remote host. The execution context's
// environment assignments and command prefix are rendered into the remote
// shell line.
func (c *Client) Run(
	ctx execcontext.Context,
	cmd ...string,
) (stdout, stderr string, err error) {
	conn, err := c.dial()
	if err != nil {
		return "", "", err
	}
	defer closeAndLogErr(conn.Close)

	session, err := conn.NewSession()
	if err != nil {
		return "", "", fmt.Errorf("unable to create SSH session: %w", err)
	}
	defer closeAndLogErr(session.Close)

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	if err := session.Run(execcontext.FormatCmd(ctx, cmd...)); err != nil {
		return stdoutBuf.String(), stderrBuf.String(),
			fmt.Errorf("remote command failed: %w", err)
	}

	return stdoutBuf.String(), stderrBuf.String(), nil
}

// Fetch reads a remote file and returns its contents. The transfer runs
// through a plain session rather than SFTP so the remote side only needs a
// shell.
func (c *Client) Fetch(remotePath string) ([]byte, error) {
	conn, err := c.dial()
	if err != nil {
		return nil, err
	}
	defer closeAndLogErr(conn.Close)

	session, err := conn.NewSession()
	if err != nil {
		return nil, fmt.Errorf("unable to create SSH session: %w", err)
	}
	defer closeAndLogErr(session.Close)

	out, err := session.Output(fmt.Sprintf("cat -- %q", remotePath))
	if err != nil {
		return nil, fmt.Errorf("unable to fetch %s: %w", remotePath, err)
	}

	return out, nil
}

// AwaitServer polls the SSH endpoint until it accepts a connection or the
// timeout elapses. Used right after provisioning, when the host may still
// be booting.
func (c *Client) AwaitServer(timeout time.Duration) error {
	addr := net.JoinHostPort(c.Host, c.Port)
	deadline := time.After(timeout)
	tick := time.NewTicker(5 * time.Second)
	defer tick.Stop()

	for {
		select {
		case <-deadline:
			return fmt.Errorf("timed out waiting for SSH server at %s", addr)
		case <-tick.C:
			conn, err := c.dial()
			if err != nil {
				slog.Debug("SSH server not yet reachable",
					"addr", addr, "err", err.Error())
				continue
			}

			_ = conn.Close()
			return nil
		}
	}
}

func (c *Client) dial() (*ssh.Client, error) {
	signer, err := ssh.ParsePrivateKey(c.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("unable to parse private key: %w", err)
	}

	timeout := c.DialTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	config := &ssh.ClientConfig{
		User: c.User,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signer),
		},
		// Test clusters are provisioned fresh per run; there is no
		// stable host key to pin.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	addr := net.JoinHostPort(c.Host, c.Port)
	conn, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to %s: %w", addr, err)
	}

	return conn, nil
}

func closeAndLogErr(f func() error) {
	if err := f(); err != nil {
		slog.Debug("error closing ssh session or connection", "err", err.Error())
	}
}
