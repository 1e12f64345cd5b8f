package deploy

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/crypto/ssh"
)

const sshDialTimeout = 15 * time.Second

// SSHClient runs commands on the deployment target over ssh. Dokku
// exposes its command API as the forced command of the dokku user, so
// "apps:list" and friends run as plain ssh exec requests.
type SSHClient struct {
	addr   string
	config *ssh.ClientConfig
}

// NewSSHClient creates a command client for user@host using the
// private key at keyPath.
func NewSSHClient(host, username, keyPath string) (*SSHClient, error) {
	keyData, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read deploy key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("failed to parse deploy key: %w", err)
	}

	return &SSHClient{
		addr: host + ":22",
		config: &ssh.ClientConfig{
			User:            username,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         sshDialTimeout,
		},
	}, nil
}

// Run executes one command on the target and returns its output.
func (c *SSHClient) Run(ctx context.Context, command string) (string, error) {
	conn, err := ssh.Dial("tcp", c.addr, c.config)
	if err != nil {
		return "", fmt.Errorf("failed to connect to deployment target: %w", err)
	}
	defer conn.Close()

	session, err := conn.NewSession()
	if err != nil {
		return "", fmt.Errorf("failed to open session: %w", err)
	}
	defer session.Close()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := session.CombinedOutput(command)
		done <- result{out, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return "", fmt.Errorf("command %q failed: %w: %s", command, r.err, string(r.out))
		}
		return string(r.out), nil
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return "", ctx.Err()
	}
}
