package remoteshell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"agent-provisioner/pkg/config"
	"agent-provisioner/pkg/errutil"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

const chunkSize = 1 << 20

type SSHTransport struct {
	connectTimeout time.Duration
	commandTimeout time.Duration
}

func NewSSHTransport(cfg *config.Config) *SSHTransport {
	return &SSHTransport{
		connectTimeout: cfg.SSH.ConnectTimeout,
		commandTimeout: cfg.SSH.CommandTimeout,
	}
}

func (t *SSHTransport) Connect(ctx context.Context, address string, creds Credentials) (Session, error) {
	if creds.empty() {
		return nil, errutil.BadRequest("ssh credentials not configured", nil)
	}

	auth, err := authMethods(creds)
	if err != nil {
		return nil, err
	}

	port := creds.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(address, strconv.Itoa(port))

	clientCfg := &ssh.ClientConfig{
		User:            creds.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         t.connectTimeout,
	}

	dialer := net.Dialer{Timeout: t.connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, classifyConnectError(addr, err)
	}
	if t.connectTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(t.connectTimeout))
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		_ = conn.Close()
		return nil, classifyConnectError(addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	zap.L().Debug("[SSH] connected", zap.String("address", addr), zap.String("user", creds.User))
	return &sshSession{
		client:         ssh.NewClient(c, chans, reqs),
		address:        addr,
		commandTimeout: t.commandTimeout,
	}, nil
}

func authMethods(creds Credentials) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if creds.KeyPath != "" {
		pem, err := os.ReadFile(creds.KeyPath)
		if err != nil {
			return nil, errutil.BadRequest("ssh key not readable", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, errutil.BadRequest("ssh key not parseable", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if creds.Password != "" {
		methods = append(methods,
			ssh.Password(creds.Password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = creds.Password
				}
				return answers, nil
			}),
		)
	}
	return methods, nil
}

// classifyConnectError separates rejected credentials from unreachable hosts.
func classifyConnectError(addr string, err error) error {
	msg := err.Error()
	if strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "no supported methods remain") {
		return errutil.Unauthorized(fmt.Sprintf("ssh authentication failed for %s", addr), err)
	}
	return errutil.Unavailable(fmt.Sprintf("ssh connection to %s failed", addr), err)
}

type sshSession struct {
	client         *ssh.Client
	address        string
	commandTimeout time.Duration
}

func (s *sshSession) Run(ctx context.Context, script string) (Result, error) {
	var stdout, stderr bytes.Buffer
	err := s.exec(ctx, "bash -s", strings.NewReader(script), &stdout, &stderr)

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	var exitErr *ssh.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitStatus()
		err = nil
	default:
		res.ExitCode = -1
	}
	return res, err
}

// exec starts cmd in a new channel and waits for it, killing it when ctx or
// the command timeout ends first.
func (s *sshSession) exec(ctx context.Context, cmd string, stdin io.Reader, stdout, stderr io.Writer) error {
	session, err := s.client.NewSession()
	if err != nil {
		return errutil.Unavailable("ssh session open failed", err)
	}
	defer session.Close()

	session.Stdin = stdin
	session.Stdout = stdout
	session.Stderr = stderr

	if s.commandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.commandTimeout)
		defer cancel()
	}

	if err := session.Start(cmd); err != nil {
		return errutil.Unavailable("ssh command start failed", err)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		return errutil.Timeout(fmt.Sprintf("ssh command on %s aborted", s.address), ctx.Err())
	}
}

// PutFile copies localPath over SFTP, streaming through cat when the SFTP
// subsystem is unavailable. The remote size is checked in both cases.
func (s *sshSession) PutFile(ctx context.Context, localPath, remotePath string) error {
	info, err := os.Stat(localPath)
	if err != nil {
		return errutil.BadRequest(fmt.Sprintf("local package not found: %s", localPath), err)
	}

	if err := s.putSFTP(localPath, remotePath, info.Size()); err != nil {
		zap.L().Warn("[SSH] sftp upload failed, falling back to stream copy",
			zap.String("address", s.address),
			zap.String("remote", remotePath),
			zap.Error(err),
		)
		return s.putStream(ctx, localPath, remotePath, info.Size())
	}
	return nil
}

func (s *sshSession) putSFTP(localPath, remotePath string, size int64) error {
	client, err := sftp.NewClient(s.client)
	if err != nil {
		return err
	}
	defer client.Close()

	src, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := client.Create(remotePath)
	if err != nil {
		return err
	}
	if _, err := dst.ReadFrom(src); err != nil {
		_ = dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}

	remote, err := client.Stat(remotePath)
	if err != nil {
		return err
	}
	return checkSize(remotePath, size, remote.Size())
}

func (s *sshSession) putStream(ctx context.Context, localPath, remotePath string, size int64) error {
	src, err := os.Open(localPath)
	if err != nil {
		return errutil.BadRequest("local package not readable", err)
	}
	defer src.Close()

	pr, pw := io.Pipe()
	go func() {
		_, err := io.CopyBuffer(pw, src, make([]byte, chunkSize))
		pw.CloseWithError(err)
	}()

	var stderr bytes.Buffer
	if err := s.exec(ctx, "cat > "+Quote(remotePath), pr, io.Discard, &stderr); err != nil {
		_ = pr.Close()
		return errutil.Internal(fmt.Sprintf("stream upload to %s failed: %s", remotePath, strings.TrimSpace(stderr.String())), err)
	}

	res, err := s.Run(ctx, "wc -c < "+Quote(remotePath))
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return errutil.Internal(fmt.Sprintf("stat of %s failed: %s", remotePath, res.Output()), nil)
	}
	got, err := strconv.ParseInt(strings.TrimSpace(res.Stdout), 10, 64)
	if err != nil {
		return errutil.Internal(fmt.Sprintf("unexpected size output for %s", remotePath), err)
	}
	return checkSize(remotePath, size, got)
}

func checkSize(path string, want, got int64) error {
	if want != got {
		return errutil.Internal(fmt.Sprintf("upload of %s incomplete: %d of %d bytes", path, got, want), nil)
	}
	return nil
}

func (s *sshSession) Close() error {
	return s.client.Close()
}
