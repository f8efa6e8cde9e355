package cache

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/John-Robertt/novelagg/internal/infra/fsx"
)

// Store 提供缓存目录下的文件缓存读写。
//
// 布局：
//   - <root>/snapshots/<source>.json          整目录快照（JSON 数组）
//   - <root>/chapters/<source>/<sha1>.html    章节正文（离线阅读）
//
// ReadOnly=true 时只允许读。
type Store struct {
	Root     string
	ReadOnly bool
}

var ErrReadOnly = errors.New("cache: read-only")

func New(root string, readOnly bool) Store {
	return Store{
		Root:     filepath.Clean(strings.TrimSpace(root)),
		ReadOnly: readOnly,
	}
}

// SnapshotPath 返回来源快照文件的绝对路径。
func (s Store) SnapshotPath(source string) (string, error) {
	src, err := cleanSource(source)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.Root, "snapshots", src+".json"), nil
}

// ReadSnapshot 返回快照内容与其修改时间；不存在时 ok=false。
func (s Store) ReadSnapshot(source string) (b []byte, modTime time.Time, ok bool, err error) {
	path, err := s.SnapshotPath(source)
	if err != nil {
		return nil, time.Time{}, false, err
	}
	modTime, ok, err = fsx.ModTime(path)
	if err != nil || !ok {
		return nil, time.Time{}, false, err
	}
	b, ok, err = fsx.ReadFileIfExists(path)
	if err != nil || !ok {
		return nil, time.Time{}, false, err
	}
	return b, modTime, true, nil
}

// WriteSnapshot 整文件覆盖写入快照；修改时间即新鲜度。
func (s Store) WriteSnapshot(source string, b []byte) error {
	if s.ReadOnly {
		return ErrReadOnly
	}
	src, err := cleanSource(source)
	if err != nil {
		return err
	}
	return fsx.WriteFileAtomic(filepath.Join(s.Root, "snapshots"), src+".json", b)
}

// ChapterPath 返回章节正文缓存的绝对路径（文件名是 URL 的 sha1，避免路径穿越与超长文件名）。
func (s Store) ChapterPath(source, chapterURL string) (string, error) {
	src, err := cleanSource(source)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(chapterURL) == "" {
		return "", fmt.Errorf("chapterURL 不能为空")
	}
	return filepath.Join(s.Root, "chapters", src, chapterKey(chapterURL)+".html"), nil
}

func (s Store) ReadChapter(source, chapterURL string) (string, bool, error) {
	path, err := s.ChapterPath(source, chapterURL)
	if err != nil {
		return "", false, err
	}
	b, ok, err := fsx.ReadFileIfExists(path)
	if err != nil || !ok {
		return "", false, err
	}
	return string(b), true, nil
}

func (s Store) WriteChapter(source, chapterURL, content string) error {
	if s.ReadOnly {
		return ErrReadOnly
	}
	path, err := s.ChapterPath(source, chapterURL)
	if err != nil {
		return err
	}
	return fsx.WriteFileAtomic(filepath.Dir(path), filepath.Base(path), []byte(content))
}

func chapterKey(u string) string {
	sum := sha1.Sum([]byte(strings.TrimSpace(u)))
	return hex.EncodeToString(sum[:])
}

var sourceNameRE = regexp.MustCompile(`^[a-z0-9_]+$`)

func cleanSource(p string) (string, error) {
	p = strings.ToLower(strings.TrimSpace(p))
	if p == "" {
		return "", fmt.Errorf("source 不能为空")
	}
	// 最小约束：避免路径穿越；来源 ID 本身是枚举。
	if !sourceNameRE.MatchString(p) {
		return "", fmt.Errorf("非法 source：%q", p)
	}
	return p, nil
}
