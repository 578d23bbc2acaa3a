// Package ssh 基于 golang.org/x/crypto/ssh 的远程会话实现
package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"uci-fleet/internal/shared/model"
	"uci-fleet/internal/shared/remote"
)

// Options 连接参数，设备记录中的 User/Port/KeyRef 优先
type Options struct {
	User                  string
	Port                  int
	KeyPath               string
	Password              string
	KnownHosts            string
	InsecureIgnoreHostKey bool
	ConnectTimeout        time.Duration
	CommandTimeout        time.Duration
}

// Dialer 为每台设备创建 SSH 会话
type Dialer struct {
	opts Options
}

// NewDialer 创建 Dialer
func NewDialer(opts Options) *Dialer {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 30 * time.Second
	}
	if opts.Port == 0 {
		opts.Port = 22
	}
	return &Dialer{opts: opts}
}

var _ remote.Dialer = (*Dialer)(nil)

// Open 创建设备会话（未连接）
func (d *Dialer) Open(device *model.Device) (remote.Session, error) {
	opts := d.opts
	if device.User != "" {
		opts.User = device.User
	}
	if device.Port != 0 {
		opts.Port = device.Port
	}
	if device.KeyRef != "" {
		opts.KeyPath = device.KeyRef
	}
	if opts.User == "" {
		return nil, fmt.Errorf("device %s: ssh user is required", device.ID)
	}
	return &Session{
		deviceID: device.ID,
		addr:     net.JoinHostPort(device.Address, strconv.Itoa(opts.Port)),
		opts:     opts,
	}, nil
}

// Session 单台设备的 SSH 会话
type Session struct {
	deviceID string
	addr     string
	opts     Options

	mu     sync.Mutex
	client *ssh.Client
}

var _ remote.Session = (*Session)(nil)

// clientConfig 构建认证与主机密钥校验配置
func (s *Session) clientConfig() (*ssh.ClientConfig, error) {
	var authMethods []ssh.AuthMethod
	if s.opts.KeyPath != "" {
		key, err := os.ReadFile(s.opts.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("invalid private key: %w", err)
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}
	if s.opts.Password != "" {
		authMethods = append(authMethods, ssh.Password(s.opts.Password))
	}
	if len(authMethods) == 0 {
		return nil, errors.New("no ssh auth method configured (key_path or SSH_PASSWORD)")
	}

	var hostKey ssh.HostKeyCallback
	switch {
	case s.opts.KnownHosts != "":
		cb, err := knownhosts.New(s.opts.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts: %w", err)
		}
		hostKey = cb
	case s.opts.InsecureIgnoreHostKey:
		hostKey = ssh.InsecureIgnoreHostKey()
	default:
		return nil, errors.New("known_hosts is required unless insecure_ignore_host_key is set")
	}

	return &ssh.ClientConfig{
		User:            s.opts.User,
		Auth:            authMethods,
		HostKeyCallback: hostKey,
		Timeout:         s.opts.ConnectTimeout,
	}, nil
}

// Connect 建立 SSH 连接
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return nil
	}

	config, err := s.clientConfig()
	if err != nil {
		return model.NewOpError(model.KindConfiguration, "connect", s.deviceID, err)
	}

	dialer := net.Dialer{Timeout: s.opts.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return model.NewOpError(model.KindConnectivity, "connect", s.deviceID, fmt.Errorf("dial %s: %w", s.addr, err))
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, s.addr, config)
	if err != nil {
		conn.Close()
		return model.NewOpError(model.KindConnectivity, "connect", s.deviceID, fmt.Errorf("handshake %s: %w", s.addr, err))
	}
	s.client = ssh.NewClient(c, chans, reqs)
	return nil
}

func (s *Session) sshClient() (*ssh.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil, model.NewOpError(model.KindConnectivity, "execute", s.deviceID, errors.New("session not connected"))
	}
	return s.client, nil
}

// run 在新的 ssh.Session 上执行命令，超时或 ctx 取消时关闭会话
func (s *Session) run(ctx context.Context, cmd string, timeout time.Duration, stdin io.Reader, stdout io.Writer) (runStatus, error) {
	client, err := s.sshClient()
	if err != nil {
		return runStatus{}, err
	}
	if timeout <= 0 {
		timeout = s.opts.CommandTimeout
	}

	session, err := client.NewSession()
	if err != nil {
		return runStatus{}, model.NewOpError(model.KindConnectivity, "execute", s.deviceID, fmt.Errorf("new session: %w", err))
	}
	defer session.Close()

	var stderr bytes.Buffer
	session.Stdin = stdin
	session.Stdout = stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	if err := session.Start(cmd); err != nil {
		return runStatus{}, model.NewOpError(model.KindConnectivity, "execute", s.deviceID, fmt.Errorf("start %q: %w", cmd, err))
	}
	go func() { done <- session.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err = <-done:
	case <-timer.C:
		session.Signal(ssh.SIGKILL)
		session.Close()
		return runStatus{Stderr: stderr.String()}, model.NewOpError(model.KindTimeout, "execute", s.deviceID,
			fmt.Errorf("command %q timed out after %s", cmd, timeout))
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		session.Close()
		return runStatus{Stderr: stderr.String()}, ctx.Err()
	}

	status := runStatus{Stderr: stderr.String()}
	var exitErr *ssh.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		status.ExitStatus = exitErr.ExitStatus()
	default:
		return status, model.NewOpError(model.KindConnectivity, "execute", s.deviceID, fmt.Errorf("exec %q: %w", cmd, err))
	}
	return status, nil
}

type runStatus struct {
	ExitStatus int
	Stderr     string
}

// Execute 执行远程命令
func (s *Session) Execute(ctx context.Context, cmd string, timeout time.Duration) (remote.ExecResult, error) {
	var stdout bytes.Buffer
	st, err := s.run(ctx, cmd, timeout, nil, &stdout)
	return remote.ExecResult{ExitStatus: st.ExitStatus, Stdout: stdout.String(), Stderr: st.Stderr}, err
}

// Upload 通过 `cat >` 上传本地文件
func (s *Session) Upload(ctx context.Context, localPath, remotePath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	st, err := s.run(ctx, "cat > "+remote.Quote(remotePath), 0, f, io.Discard)
	if err != nil {
		return err
	}
	if st.ExitStatus != 0 {
		return model.NewOpError(model.KindResource, "upload", s.deviceID,
			fmt.Errorf("write %s: exit %d: %s", remotePath, st.ExitStatus, st.Stderr))
	}
	return nil
}

// Download 通过 `cat` 读取远程文件
func (s *Session) Download(ctx context.Context, remotePath string, w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	st, err := s.run(ctx, "cat "+remote.Quote(remotePath), 0, nil, cw)
	if err != nil {
		return cw.n, err
	}
	if st.ExitStatus != 0 {
		return cw.n, model.NewOpError(model.KindResource, "download", s.deviceID,
			fmt.Errorf("read %s: exit %d: %s", remotePath, st.ExitStatus, st.Stderr))
	}
	return cw.n, nil
}

// Disconnect 关闭连接
func (s *Session) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
