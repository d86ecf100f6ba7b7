// Package upload 管理分片上传在本地磁盘上的会话状态：部分文件、锁文件与完成标记。
package upload

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

const (
	partialSuffix   = ".part"
	lockSuffix      = ".lock"
	completedSuffix = ".done"
)

var (
	// ErrSessionLocked 表示同一 fileId 已有写者持有锁。
	ErrSessionLocked = errors.New("upload session is locked by another writer")
	// ErrInvalidFileID 表示 fileId 含有不安全字符。
	ErrInvalidFileID = errors.New("invalid file id")
	// ErrNoPartial 表示会话没有部分文件。
	ErrNoPartial = errors.New("upload session has no partial data")
	// ErrForwarding 表示会话已拼装完成，正在转发给上游。
	ErrForwarding = errors.New("upload session is being forwarded")
)

var fileIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// ValidateFileID 确保 fileId 只能落在临时目录内。
func ValidateFileID(fileID string) error {
	if !fileIDPattern.MatchString(fileID) || strings.Trim(fileID, ".") == "" {
		return fmt.Errorf("%w: %q", ErrInvalidFileID, fileID)
	}
	return nil
}

// SessionStore 以 fileId 命名磁盘上的三个文件。不同 fileId 之间没有共享的可变状态。
type SessionStore struct {
	dir string
}

// NewSessionStore 创建会话目录。
func NewSessionStore(dir string) (*SessionStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}
	return &SessionStore{dir: dir}, nil
}

// Dir 返回会话目录。
func (s *SessionStore) Dir() string { return s.dir }

func (s *SessionStore) path(fileID, suffix string) string {
	return filepath.Join(s.dir, fileID+suffix)
}

// PartialPath 返回部分文件路径。
func (s *SessionStore) PartialPath(fileID string) string { return s.path(fileID, partialSuffix) }

// CompletedPath 返回完成标记路径。
func (s *SessionStore) CompletedPath(fileID string) string { return s.path(fileID, completedSuffix) }

// SessionLock 是某个 fileId 的独占写锁。
type SessionLock struct {
	fl *flock.Flock
}

// Unlock 释放锁。重复调用是安全的。
func (l *SessionLock) Unlock() error {
	if l == nil || l.fl == nil {
		return nil
	}
	err := l.fl.Unlock()
	l.fl = nil
	return err
}

// TryLock 以非阻塞方式获取 fileId 的锁，锁已被持有时返回 ErrSessionLocked。
// flock 是按打开的文件描述来判定的，同一进程内的两个请求同样互斥；进程崩溃时锁由内核释放。
func (s *SessionStore) TryLock(fileID string) (*SessionLock, error) {
	if err := ValidateFileID(fileID); err != nil {
		return nil, err
	}
	fl := flock.New(s.path(fileID, lockSuffix))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire session lock: %w", err)
	}
	if !locked {
		return nil, ErrSessionLocked
	}
	return &SessionLock{fl: fl}, nil
}

// Append 把一个分片写入部分文件。只有 truncate 为 true（chunkIndex == 0）时才会创建或清空文件，
// 因此重发第 0 片不会产生重复的开头数据；后续分片找不到部分文件时返回 ErrNoPartial，
// 会话正在转发时返回 ErrForwarding。返回写入后的文件大小。
func (s *SessionStore) Append(fileID string, truncate bool, data []byte) (int64, error) {
	if s.Forwarding(fileID) {
		return 0, ErrForwarding
	}
	flags := os.O_WRONLY | os.O_APPEND
	if truncate {
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}
	f, err := os.OpenFile(s.PartialPath(fileID), flags, 0o600)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, ErrNoPartial
		}
		return 0, fmt.Errorf("failed to open partial file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return 0, fmt.Errorf("failed to append chunk: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("failed to close partial file: %w", err)
	}
	info, err := os.Stat(s.PartialPath(fileID))
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Checksum 从磁盘流式读取部分文件并计算 SHA-256。
func (s *SessionStore) Checksum(fileID string) (string, int64, error) {
	f, err := os.Open(s.PartialPath(fileID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", 0, ErrNoPartial
		}
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("failed to hash partial file: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// Complete 把部分文件重命名为完成标记，返回完成文件路径。
func (s *SessionStore) Complete(fileID string) (string, error) {
	dst := s.CompletedPath(fileID)
	if err := os.Rename(s.PartialPath(fileID), dst); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrNoPartial
		}
		return "", fmt.Errorf("failed to mark upload complete: %w", err)
	}
	return dst, nil
}

// Forwarding 判断完成标记是否存在，即上一次拼装的文件还在转发中。
func (s *SessionStore) Forwarding(fileID string) bool {
	_, err := os.Stat(s.CompletedPath(fileID))
	return err == nil
}

// Status 返回部分文件是否存在及其大小。
func (s *SessionStore) Status(fileID string) (bool, int64, error) {
	info, err := os.Stat(s.PartialPath(fileID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, 0, nil
		}
		return false, 0, err
	}
	return true, info.Size(), nil
}

// DiscardPartial 删除部分文件。
func (s *SessionStore) DiscardPartial(fileID string) error {
	return removeIfExists(s.PartialPath(fileID))
}

// Cleanup 删除会话的完成标记与部分文件。锁文件保留：删掉它会让持有旧 inode 的请求
// 与新建锁文件的请求同时拿到锁，残留的锁文件由 PurgeStale 在启动时清理。
func (s *SessionStore) Cleanup(fileID string) error {
	return errors.Join(
		removeIfExists(s.CompletedPath(fileID)),
		removeIfExists(s.PartialPath(fileID)),
	)
}

// PurgeStale 删除修改时间早于 olderThan 的会话文件，返回删除的文件数。
// 只在启动时调用一次，会话状态机本身不依赖定时器。
func (s *SessionStore) PurgeStale(olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		name := de.Name()
		if !strings.HasSuffix(name, partialSuffix) && !strings.HasSuffix(name, completedSuffix) && !strings.HasSuffix(name, lockSuffix) {
			continue
		}
		info, err := de.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if strings.HasSuffix(name, lockSuffix) {
			// 正被持有的锁文件不能删
			fl := flock.New(filepath.Join(s.dir, name))
			if ok, err := fl.TryLock(); err != nil || !ok {
				continue
			}
			_ = os.Remove(filepath.Join(s.dir, name))
			_ = fl.Unlock()
			removed++
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err == nil {
			removed++
		}
	}
	return removed, nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
