package remoteshell

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"agent-provisioner/pkg/errutil"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// shellServer is an ssh server that runs exec requests through bash on the
// local machine and refuses every subsystem, sftp included.
type shellServer struct {
	host string
	port int
	// rewrite, when set, replaces each command before it runs.
	rewrite func(cmd string) string
}

func newShellServer(t *testing.T, rewrite func(string) string) *shellServer {
	t.Helper()
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(_ ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if string(pass) != "secret" {
				return nil, errors.New("denied")
			}
			return nil, nil
		},
	}
	cfg.AddHostKey(testHostKey(t))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	addr := ln.Addr().(*net.TCPAddr)
	srv := &shellServer{host: addr.IP.String(), port: addr.Port, rewrite: rewrite}

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.serve(conn, cfg)
		}
	}()
	return srv
}

func (s *shellServer) serve(conn net.Conn, cfg *ssh.ServerConfig) {
	defer conn.Close()
	sc, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		return
	}
	defer sc.Close()
	go ssh.DiscardRequests(reqs)

	for nc := range chans {
		if nc.ChannelType() != "session" {
			_ = nc.Reject(ssh.UnknownChannelType, "session only")
			continue
		}
		ch, requests, err := nc.Accept()
		if err != nil {
			continue
		}
		go s.session(ch, requests)
	}
}

func (s *shellServer) session(ch ssh.Channel, requests <-chan *ssh.Request) {
	for req := range requests {
		if req.Type != "exec" {
			_ = req.Reply(false, nil)
			continue
		}
		var payload struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			_ = req.Reply(false, nil)
			continue
		}
		_ = req.Reply(true, nil)

		cmd := payload.Command
		if s.rewrite != nil {
			cmd = s.rewrite(cmd)
		}
		go run(ch, cmd)
	}
}

func run(ch ssh.Channel, command string) {
	cmd := exec.Command("bash", "-c", command)
	cmd.Stdin = ch
	cmd.Stdout = ch
	cmd.Stderr = ch.Stderr()

	code := 0
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		code = 255
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
	}
	_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(code)}))
	_ = ch.Close()
}

func (s *shellServer) connect(t *testing.T) Session {
	t.Helper()
	sess, err := newTestTransport().Connect(context.Background(), s.host, Credentials{User: "ops", Password: "secret", Port: s.port})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

func writePackage(t *testing.T, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "agent.tgz")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path, data
}

func TestRunSplitsOutputAndExitCode(t *testing.T) {
	sess := newShellServer(t, nil).connect(t)

	res, err := sess.Run(context.Background(), "echo out\necho err >&2\nexit 3\n")
	require.NoError(t, err)
	require.Equal(t, Result{Stdout: "out\n", Stderr: "err\n", ExitCode: 3}, res)

	res, err = sess.Run(context.Background(), "printf ok")
	require.NoError(t, err)
	require.Equal(t, 0, res.ExitCode)
	require.Equal(t, "ok", res.Output())
}

func TestPutFileStreamsWhenSFTPUnavailable(t *testing.T) {
	sess := newShellServer(t, nil).connect(t)
	local, want := writePackage(t, 3*chunkSize+17)
	remote := filepath.Join(t.TempDir(), "agent remote.tgz")

	require.NoError(t, sess.PutFile(context.Background(), local, remote))

	got, err := os.ReadFile(remote)
	require.NoError(t, err)
	require.Len(t, got, len(want))
	require.True(t, bytes.Equal(want, got))
}

func TestPutFileTruncatedCopyFailsSizeCheck(t *testing.T) {
	truncate := func(cmd string) string {
		if rest, ok := strings.CutPrefix(cmd, "cat > "); ok {
			return "head -c 100 > " + rest + "; cat > /dev/null"
		}
		return cmd
	}
	sess := newShellServer(t, truncate).connect(t)
	local, _ := writePackage(t, 4096)
	remote := filepath.Join(t.TempDir(), "agent.tgz")

	err := sess.PutFile(context.Background(), local, remote)
	require.Error(t, err)
	require.True(t, errutil.Is(err, errutil.StatusInternal))
	require.Contains(t, err.Error(), "100 of 4096 bytes")
}

func TestPutFileMissingLocalPackage(t *testing.T) {
	sess := newShellServer(t, nil).connect(t)

	err := sess.PutFile(context.Background(), filepath.Join(t.TempDir(), "absent.tgz"), "/tmp/agent.tgz")
	require.True(t, errutil.Is(err, errutil.StatusBadRequest))
}
