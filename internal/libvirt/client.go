package libvirt

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/digitalocean/go-libvirt"
	"github.com/digitalocean/go-libvirt/socket/dialers"
)

const (
	// systemSocket is the libvirt daemon socket for qemu:///system.
	systemSocket = "/var/run/libvirt/libvirt-sock"

	// defaultTimeout bounds the initial socket dial.
	defaultTimeout = 5 * time.Second
)

// Client wraps a go-libvirt connection.
type Client struct {
	libvirt *libvirt.Libvirt
}

// SocketPath resolves a connection URI to the libvirt daemon's UNIX
// socket. Supported forms: "qemu:///session" (default when empty),
// "qemu:///system", and "unix://<path>" for an explicit socket.
func SocketPath(uri string) (string, error) {
	switch {
	case uri == "" || uri == "qemu:///session":
		runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
		if runtimeDir == "" {
			runtimeDir = fmt.Sprintf("/run/user/%d", os.Getuid())
		}
		return filepath.Join(runtimeDir, "libvirt", "libvirt-sock"), nil
	case uri == "qemu:///system":
		return systemSocket, nil
	case strings.HasPrefix(uri, "unix://"):
		return strings.TrimPrefix(uri, "unix://"), nil
	default:
		return "", fmt.Errorf("unsupported connection URI %q", uri)
	}
}

// Connect establishes a connection to the libvirt daemon identified by
// uri. The returned Client must be closed via Close when done.
// A zero timeout uses the default of 5 seconds.
func Connect(uri string, timeout time.Duration) (*Client, error) {
	socketPath, err := SocketPath(uri)
	if err != nil {
		return nil, err
	}
	if timeout == 0 {
		timeout = defaultTimeout
	}

	dialer := dialers.NewLocal(
		dialers.WithSocket(socketPath),
		dialers.WithLocalTimeout(timeout),
	)

	l := libvirt.NewWithDialer(dialer)
	if err := l.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to libvirt at %s: %w", socketPath, err)
	}

	return &Client{libvirt: l}, nil
}

// ConnectWithContext establishes a connection with context support for
// cancellation.
func ConnectWithContext(ctx context.Context, uri string, timeout time.Duration) (*Client, error) {
	type result struct {
		client *Client
		err    error
	}
	resultCh := make(chan result, 1)

	go func() {
		c, err := Connect(uri, timeout)
		resultCh <- result{client: c, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("connection cancelled: %w", ctx.Err())
	case res := <-resultCh:
		return res.client, res.err
	}
}

// Close closes the libvirt connection and releases resources.
// It is safe to call Close multiple times.
func (c *Client) Close() error {
	if c.libvirt == nil {
		return nil
	}

	l := c.libvirt
	c.libvirt = nil
	if err := l.Disconnect(); err != nil {
		return fmt.Errorf("failed to disconnect from libvirt: %w", err)
	}

	return nil
}

// Libvirt returns the underlying go-libvirt client for direct API
// access.
func (c *Client) Libvirt() *libvirt.Libvirt {
	return c.libvirt
}

// Ping verifies the connection is still alive.
func (c *Client) Ping() error {
	if c.libvirt == nil {
		return fmt.Errorf("client not connected")
	}

	if _, err := c.libvirt.ConnectGetLibVersion(); err != nil {
		return fmt.Errorf("libvirt connection is dead: %w", err)
	}

	return nil
}
