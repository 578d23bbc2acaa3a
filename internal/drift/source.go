package drift

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"uci-fleet/internal/shared/remote"
)

// FileSource 受跟踪配置目录的读写入口
//
// 文件名都是相对配置目录的平面名称（UCI 包名），不包含子目录。
type FileSource interface {
	List(ctx context.Context) ([]string, error)
	Read(ctx context.Context, name string) ([]byte, error)
	Write(ctx context.Context, name string, data []byte) error
	Remove(ctx context.Context, name string) error
	// Reload 让服务重新读取配置
	Reload(ctx context.Context) error
	// Location 用于日志和报告的位置描述
	Location() string
}

// SessionAcquirer 按设备 ID 获取已连接会话
type SessionAcquirer interface {
	Acquire(ctx context.Context, deviceID string) (s remote.Session, release func(), err error)
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid config file name %q", name)
	}
	return nil
}

// ============================================================================
// DirSource - 本机目录
// ============================================================================

// DirSource 本机配置目录
type DirSource struct {
	Dir string
	// ReloadCmd 为空时 Reload 不做任何事
	ReloadCmd string
	Timeout   time.Duration
}

// NewDirSource 创建本机目录数据源
func NewDirSource(dir, reloadCmd string) *DirSource {
	return &DirSource{Dir: dir, ReloadCmd: reloadCmd, Timeout: 30 * time.Second}
}

func (d *DirSource) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(d.Dir)
	if err != nil {
		return nil, fmt.Errorf("read config dir %s: %w", d.Dir, err)
	}
	var out []string
	for _, e := range entries {
		if e.Type().IsRegular() && !strings.HasPrefix(e.Name(), ".") {
			out = append(out, e.Name())
		}
	}
	slices.Sort(out)
	return out, nil
}

func (d *DirSource) Read(_ context.Context, name string) ([]byte, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	return os.ReadFile(filepath.Join(d.Dir, name))
}

// Write 先写临时文件再 rename，避免服务读到半个文件
func (d *DirSource) Write(_ context.Context, name string, data []byte) error {
	if err := validName(name); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(d.Dir, "."+name+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(d.Dir, name))
}

func (d *DirSource) Remove(_ context.Context, name string) error {
	if err := validName(name); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(d.Dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (d *DirSource) Reload(ctx context.Context) error {
	if d.ReloadCmd == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "sh", "-c", d.ReloadCmd).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", d.ReloadCmd, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (d *DirSource) Location() string {
	return d.Dir
}

// ============================================================================
// RemoteSource - 设备上的配置目录
// ============================================================================

// RemoteSource 通过远程会话访问设备配置目录
type RemoteSource struct {
	Session   remote.Session
	Dir       string
	ReloadCmd string
	Timeout   time.Duration
}

// NewRemoteSource 创建设备数据源，reloadCmd 通常为 uci.ReloadCommand
func NewRemoteSource(s remote.Session, dir, reloadCmd string, timeout time.Duration) *RemoteSource {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RemoteSource{Session: s, Dir: dir, ReloadCmd: reloadCmd, Timeout: timeout}
}

func (r *RemoteSource) path(name string) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}
	return strings.TrimSuffix(r.Dir, "/") + "/" + name, nil
}

func (r *RemoteSource) List(ctx context.Context) ([]string, error) {
	cmd := fmt.Sprintf("find %s -maxdepth 1 -type f", remote.Quote(r.Dir))
	res, err := remote.Run(ctx, r.Session, cmd, r.Timeout)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", r.Dir, err)
	}
	var out []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		name := filepath.Base(strings.TrimSpace(line))
		if name == "" || name == "." || strings.HasPrefix(name, ".") {
			continue
		}
		out = append(out, name)
	}
	slices.Sort(out)
	return out, nil
}

func (r *RemoteSource) Read(ctx context.Context, name string) ([]byte, error) {
	path, err := r.path(name)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err := r.Session.Download(ctx, path, &buf); err != nil {
		return nil, fmt.Errorf("download %s: %w", path, err)
	}
	return buf.Bytes(), nil
}

// Write 经本地临时文件上传
func (r *RemoteSource) Write(ctx context.Context, name string, data []byte) error {
	path, err := r.path(name)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp("", "uci-fleet-"+name+"-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := r.Session.Upload(ctx, tmp.Name(), path); err != nil {
		return fmt.Errorf("upload %s: %w", path, err)
	}
	return nil
}

func (r *RemoteSource) Remove(ctx context.Context, name string) error {
	path, err := r.path(name)
	if err != nil {
		return err
	}
	_, err = remote.Run(ctx, r.Session, "rm -f "+remote.Quote(path), r.Timeout)
	return err
}

func (r *RemoteSource) Reload(ctx context.Context) error {
	if r.ReloadCmd == "" {
		return nil
	}
	_, err := remote.Run(ctx, r.Session, r.ReloadCmd, r.Timeout)
	return err
}

func (r *RemoteSource) Location() string {
	return r.Dir
}

var (
	_ FileSource = (*DirSource)(nil)
	_ FileSource = (*RemoteSource)(nil)
)
