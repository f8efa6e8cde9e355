package session

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/John-Robertt/novelagg/internal/infra/fsx"
)

// FileStore 把每个来源的会话写成 <Dir>/<source>.json。
type FileStore struct {
	Dir string
}

type fileRecord struct {
	Cookie    string `json:"cookie"`
	CSRFToken string `json:"csrf_token,omitempty"`
	Expiry    int64  `json:"expiry"` // epoch millis
}

func (s FileStore) Load(ctx context.Context, source string) (Credential, bool, error) {
	path, err := s.path(source)
	if err != nil {
		return Credential{}, false, err
	}
	b, ok, err := fsx.ReadFileIfExists(path)
	if err != nil || !ok {
		return Credential{}, false, err
	}
	var r fileRecord
	if err := json.Unmarshal(b, &r); err != nil {
		return Credential{}, false, fmt.Errorf("会话文件损坏 %q：%w", path, err)
	}
	if strings.TrimSpace(r.Cookie) == "" {
		return Credential{}, false, nil
	}
	return Credential{Cookie: r.Cookie, CSRFToken: r.CSRFToken, Expiry: time.UnixMilli(r.Expiry)}, true, nil
}

func (s FileStore) Save(ctx context.Context, source string, c Credential) error {
	path, err := s.path(source)
	if err != nil {
		return err
	}
	b, err := json.MarshalIndent(fileRecord{Cookie: c.Cookie, CSRFToken: c.CSRFToken, Expiry: c.Expiry.UnixMilli()}, "", "  ")
	if err != nil {
		return err
	}
	return fsx.WriteFileAtomic(filepath.Dir(path), filepath.Base(path), append(b, '\n'))
}

func (s FileStore) Clear(ctx context.Context, source string) error {
	path, err := s.path(source)
	if err != nil {
		return err
	}
	return fsx.RemoveIfExists(path)
}

var sourceRE = regexp.MustCompile(`^[a-z0-9_]+$`)

func (s FileStore) path(source string) (string, error) {
	source = strings.ToLower(strings.TrimSpace(source))
	if !sourceRE.MatchString(source) {
		return "", fmt.Errorf("非法 source：%q", source)
	}
	return filepath.Join(filepath.Clean(s.Dir), source+".json"), nil
}
