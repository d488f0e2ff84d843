// Package remote provides the "run a command against a guest" side
// channel used by test workflows once a VM reports running: SSH
// reachability probing, command execution, and file upload.
package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/kilnvm/kiln/internal/logging"
)

// dialProbeTimeout bounds each individual reachability probe.
const dialProbeTimeout = 3 * time.Second

// WaitForPort blocks until host:port accepts TCP connections, probing
// with exponential backoff, or until the timeout elapses or ctx is
// cancelled.
func WaitForPort(ctx context.Context, host string, port int, timeout time.Duration) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = timeout

	op := func() error {
		d := net.Dialer{Timeout: dialProbeTimeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		if err := conn.Close(); err != nil {
			logging.Logger().Debug("failed to close probe connection",
				zap.String("addr", addr),
				zap.Error(err))
		}
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return fmt.Errorf("%s not reachable after %v: %w", addr, timeout, err)
	}
	return nil
}

// Config holds the parameters for an SSH connection to a guest.
type Config struct {
	Host        string
	Port        int
	User        string
	PrivateKey  []byte // PEM-encoded private key
	DialTimeout time.Duration
}

// Client is an established SSH+SFTP connection to a guest.
type Client struct {
	client     *ssh.Client
	sftpClient *sftp.Client
	host       string
}

// Dial opens an SSH connection to the guest described by cfg.
func Dial(cfg Config) (*Client, error) {
	if len(cfg.PrivateKey) == 0 {
		return nil, fmt.Errorf("private key is required")
	}
	signer, err := ssh.ParsePrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	port := cfg.Port
	if port == 0 {
		port = 22
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 10 * time.Second
	}

	clientConfig := &ssh.ClientConfig{
		User: cfg.User,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signer),
		},
		// Ephemeral test guests have freshly generated host keys.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         dialTimeout,
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(port))
	client, err := ssh.Dial("tcp", addr, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to dial ssh: %w", err)
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		if closeErr := client.Close(); closeErr != nil {
			logging.Logger().Warn("failed to close ssh client", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("failed to create sftp client: %w", err)
	}

	logging.Logger().Info("ssh connection established",
		zap.String("host", cfg.Host),
		zap.String("user", cfg.User))

	return &Client{
		client:     client,
		sftpClient: sftpClient,
		host:       cfg.Host,
	}, nil
}

// Close closes the SFTP and SSH connections.
func (c *Client) Close() error {
	if c.sftpClient != nil {
		if err := c.sftpClient.Close(); err != nil {
			logging.Logger().Warn("failed to close sftp client", zap.Error(err))
		}
	}
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// Run executes a command on the guest, returning captured stdout and
// stderr.
func (c *Client) Run(command string) (stdout, stderr string, err error) {
	session, err := c.client.NewSession()
	if err != nil {
		return "", "", fmt.Errorf("failed to create session: %w", err)
	}
	defer func() {
		if closeErr := session.Close(); closeErr != nil && closeErr != io.EOF {
			logging.Logger().Debug("failed to close ssh session", zap.Error(closeErr))
		}
	}()

	var outBuf, errBuf bytes.Buffer
	session.Stdout = &outBuf
	session.Stderr = &errBuf

	runErr := session.Run(command)

	stdout = outBuf.String()
	stderr = errBuf.String()

	logging.Logger().Info("remote command finished",
		zap.String("host", c.host),
		zap.String("command", logging.Truncate(command)),
		zap.String("stdout", escapeNewlines(logging.Truncate(stdout))),
		zap.String("stderr", escapeNewlines(logging.Truncate(stderr))),
		zap.Bool("success", runErr == nil))

	return stdout, stderr, runErr
}

// Upload writes the contents of r to remotePath on the guest.
func (c *Client) Upload(r io.Reader, remotePath string) error {
	f, err := c.sftpClient.Create(remotePath)
	if err != nil {
		return fmt.Errorf("failed to create remote file %s: %w", remotePath, err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			logging.Logger().Warn("failed to close remote file",
				zap.String("path", remotePath),
				zap.Error(closeErr))
		}
	}()

	n, err := io.Copy(f, r)
	if err != nil {
		return fmt.Errorf("failed to write remote file %s: %w", remotePath, err)
	}

	logging.Logger().Debug("uploaded file",
		zap.String("host", c.host),
		zap.String("path", remotePath),
		zap.Int64("bytes", n))
	return nil
}

func escapeNewlines(s string) string {
	return strings.ReplaceAll(s, "\n", "\\n")
}
