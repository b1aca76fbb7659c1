package infra

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// LocalContentStore は暗号化済みペイロードをローカルファイルシステムに保存する。
// 参照はペイロードのSHA-256で、同じ内容は同じ参照になる。
type LocalContentStore struct {
	dir string
}

// NewLocalContentStore は dir を保存先とするストアを生成する。
func NewLocalContentStore(dir string) (*LocalContentStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating content dir: %w", err)
	}
	return &LocalContentStore{dir: dir}, nil
}

// Put はペイロードを保存し、その参照を返す。
func (s *LocalContentStore) Put(ctx context.Context, payload []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	sum := sha256.Sum256(payload)
	ref := hex.EncodeToString(sum[:])
	path := filepath.Join(s.dir, ref)

	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}

	// 一時ファイルに書いてからリネームし、途中状態のファイルを残さない
	tmp, err := os.CreateTemp(s.dir, ref+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return "", fmt.Errorf("writing content: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("closing content: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("storing content: %w", err)
	}
	return ref, nil
}
