package cryptox

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// LocalWrapper はサーバーのマスター鍵でコンテンツ鍵をラップする。
// リモートKMSが使えない場合の鍵バージョン0の方式。
type LocalWrapper struct {
	master []byte
}

// NewLocalWrapper は16進文字列のマスター鍵から LocalWrapper を生成する。
func NewLocalWrapper(masterKeyHex string) (*LocalWrapper, error) {
	master, err := hex.DecodeString(strings.TrimSpace(masterKeyHex))
	if err != nil {
		return nil, fmt.Errorf("decoding master key: %w", err)
	}
	if len(master) != KeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", KeySize, len(master))
	}
	return &LocalWrapper{master: master}, nil
}

// Wrap は生の鍵を AES-256-GCM でラップする。
func (w *LocalWrapper) Wrap(rawKey []byte) (enc, iv, tag []byte, err error) {
	iv, enc, tag, err = sealGCM(w.master, rawKey)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("wrapping key: %w", err)
	}
	return enc, iv, tag, nil
}

// Unwrap は Wrap の出力を復号する。タグ不一致は ErrAuthentication。
func (w *LocalWrapper) Unwrap(enc, iv, tag []byte) ([]byte, error) {
	return openGCM(w.master, iv, tag, enc)
}
