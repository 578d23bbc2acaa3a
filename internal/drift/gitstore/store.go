// Package gitstore 基于 go-git 的配置版本库
//
// 工作区镜像受跟踪的配置文件：Snapshot 把当前内容写入工作区，
// Commit 提交为新版本（基线），DiffSince 比较某个版本与工作区的结构化差异。
package gitstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"

	"uci-fleet/internal/shared/model"
	"uci-fleet/internal/uci"
)

// ErrFileNotFound 文件在指定版本中不存在
var ErrFileNotFound = errors.New("file not found in revision")

// Revision 一次提交
type Revision struct {
	Hash    string    `json:"hash"`
	Message string    `json:"message"`
	When    time.Time `json:"when"`
}

// Store 单个配置集合的 git 版本库
type Store struct {
	dir    string
	repo   *git.Repository
	differ uci.StructuralDiffer
	author string
	email  string

	mu sync.Mutex
}

// Open 打开目录下的版本库，不存在时初始化
func Open(dir string, differ uci.StructuralDiffer) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create version dir: %w", err)
	}
	repo, err := git.PlainOpen(dir)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		repo, err = git.PlainInit(dir, false)
	}
	if err != nil {
		return nil, fmt.Errorf("open version repo %s: %w", dir, err)
	}
	return &Store{
		dir:    dir,
		repo:   repo,
		differ: differ,
		author: "uci-fleet",
		email:  "uci-fleet@localhost",
	}, nil
}

// Dir 工作区目录
func (s *Store) Dir() string {
	return s.dir
}

// Snapshot 让工作区与 files 完全一致（多余文件删除）
func (s *Store) Snapshot(_ context.Context, files map[string][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.worktreeFiles()
	if err != nil {
		return err
	}
	for _, name := range existing {
		if _, keep := files[name]; !keep {
			if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
				return fmt.Errorf("remove %s: %w", name, err)
			}
		}
	}
	for name, data := range files {
		path, err := s.path(name)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create directory for %s: %w", name, err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return nil
}

// Commit 提交工作区全部变更（包括删除），内容未变时也生成新提交
func (s *Store) Commit(_ context.Context, message string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, err := s.repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("failed to get worktree: %w", err)
	}
	if err := w.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return "", fmt.Errorf("failed to stage changes: %w", err)
	}
	hash, err := w.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  s.author,
			Email: s.email,
			When:  time.Now(),
		},
		AllowEmptyCommits: true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to commit: %w", err)
	}
	return hash.String(), nil
}

// CurrentRevision 当前 HEAD，没有任何提交时返回空串
func (s *Store) CurrentRevision(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, err := s.repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return ref.Hash().String(), nil
}

// Restore 读取文件在 revision 时的内容（revision 为空表示 HEAD）
func (s *Store) Restore(_ context.Context, revision, name string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fileAt(revision, name)
}

// DiffSince 比较文件在 revision 时与工作区中的内容
func (s *Store) DiffSince(_ context.Context, revision, name string) (model.FileDiff, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	before, err := s.fileAt(revision, name)
	if err != nil && !errors.Is(err, ErrFileNotFound) {
		return model.FileDiff{}, err
	}
	path, err := s.path(name)
	if err != nil {
		return model.FileDiff{}, err
	}
	after, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return model.FileDiff{}, err
	}
	return s.differ.Diff(before, after)
}

// ChangedSince revision 之后的提交中改动过的文件
func (s *Store) ChangedSince(_ context.Context, revision string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	from, err := s.commit(revision)
	if err != nil {
		return nil, err
	}
	head, err := s.commit("")
	if err != nil {
		return nil, err
	}
	fromTree, err := from.Tree()
	if err != nil {
		return nil, err
	}
	headTree, err := head.Tree()
	if err != nil {
		return nil, err
	}
	changes, err := fromTree.Diff(headTree)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, c := range changes {
		name := c.To.Name
		if name == "" {
			name = c.From.Name
		}
		names = append(names, name)
	}
	return names, nil
}

// History 最近的提交，最新的在前
func (s *Store) History(_ context.Context, limit int) ([]Revision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	iter, err := s.repo.Log(&git.LogOptions{})
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []Revision
	err = iter.ForEach(func(c *object.Commit) error {
		if limit > 0 && len(out) >= limit {
			return storer.ErrStop
		}
		out = append(out, Revision{
			Hash:    c.Hash.String(),
			Message: strings.TrimSpace(c.Message),
			When:    c.Author.When,
		})
		return nil
	})
	return out, err
}

func (s *Store) commit(revision string) (*object.Commit, error) {
	var hash plumbing.Hash
	if revision == "" {
		ref, err := s.repo.Head()
		if err != nil {
			return nil, fmt.Errorf("resolve HEAD: %w", err)
		}
		hash = ref.Hash()
	} else {
		hash = plumbing.NewHash(revision)
	}
	c, err := s.repo.CommitObject(hash)
	if err != nil {
		return nil, fmt.Errorf("load revision %s: %w", revision, err)
	}
	return c, nil
}

func (s *Store) fileAt(revision, name string) ([]byte, error) {
	c, err := s.commit(revision)
	if err != nil {
		return nil, err
	}
	f, err := c.File(name)
	if errors.Is(err, object.ErrFileNotFound) {
		return nil, fmt.Errorf("%s@%s: %w", name, revision, ErrFileNotFound)
	}
	if err != nil {
		return nil, err
	}
	content, err := f.Contents()
	if err != nil {
		return nil, err
	}
	return []byte(content), nil
}

// path 校验相对路径并拼接到工作区
func (s *Store) path(name string) (string, error) {
	clean := filepath.Clean(name)
	if filepath.IsAbs(clean) || clean == ".git" || strings.HasPrefix(clean, "..") || strings.HasPrefix(clean, ".git"+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid tracked file name %q", name)
	}
	return filepath.Join(s.dir, clean), nil
}

// worktreeFiles 工作区中的文件（相对路径，不含 .git）
func (s *Store) worktreeFiles() ([]string, error) {
	var names []string
	err := filepath.WalkDir(s.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(s.dir, path)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	return names, err
}
