package sshclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// DefaultPort is appended to hosts given without a port.
const DefaultPort = "22"

// SSHClient manages a persistent SSH connection for running multiple commands.
// Sessions are independent, so commands may run concurrently.
type SSHClient struct {
	client *ssh.Client
}

type options struct {
	knownHosts string
	timeout    time.Duration
}

// Option configures New.
type Option func(*options)

// WithKnownHosts verifies the server key against a known_hosts file.
// Without it host keys are not checked.
func WithKnownHosts(path string) Option {
	return func(o *options) {
		o.knownHosts = path
	}
}

// WithTimeout bounds the TCP connect and handshake.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// New creates a new SSHClient connected to the given host with the provided user and private key (PEM format).
func New(host, user, privateKeyPEM string, opts ...Option) (*SSHClient, error) {
	o := options{timeout: 30 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}

	signer, err := ssh.ParsePrivateKey([]byte(privateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if o.knownHosts != "" {
		hostKeyCallback, err = knownhosts.New(o.knownHosts)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
	}

	config := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         o.timeout,
	}

	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, DefaultPort)
	}
	client, err := ssh.Dial("tcp", host, config)
	if err != nil {
		return nil, fmt.Errorf("failed to dial SSH: %w", err)
	}

	return &SSHClient{client: client}, nil
}

// NewFromKeyFile is New with the private key read from keyPath.
func NewFromKeyFile(host, user, keyPath string, opts ...Option) (*SSHClient, error) {
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	return New(host, user, string(key), opts...)
}

// Run executes a command on the remote host using a new session on the existing connection.
func (c *SSHClient) Run(command string) (string, string, error) {
	var stdoutBuf, stderrBuf bytes.Buffer
	err := c.RunWithInput(context.Background(), command, nil, &stdoutBuf, &stderrBuf)
	return stdoutBuf.String(), stderrBuf.String(), err
}

// RunWithWriter executes a command on the remote host and streams stdout/stderr to the provided writers.
// If stdoutWriter or stderrWriter is nil, that stream will be discarded.
func (c *SSHClient) RunWithWriter(command string, stdoutWriter, stderrWriter io.Writer) error {
	return c.RunWithInput(context.Background(), command, nil, stdoutWriter, stderrWriter)
}

// RunWithInput executes a command with stdin fed from stdin (may be nil) and streams its output.
// Cancelling ctx closes the session, which terminates the remote command.
func (c *SSHClient) RunWithInput(ctx context.Context, command string, stdin io.Reader, stdout, stderr io.Writer) error {
	session, err := c.client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to create SSH session: %w", err)
	}
	defer session.Close()

	if stdin != nil {
		session.Stdin = stdin
	}
	if stdout != nil {
		session.Stdout = stdout
	}
	if stderr != nil {
		session.Stderr = stderr
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to run command: %w", err)
		}
		return nil
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		session.Close()
		return ctx.Err()
	}
}

// Close closes the underlying SSH connection.
func (c *SSHClient) Close() error {
	return c.client.Close()
}
