// Package cryptox はアセット暗号化・鍵ラップ・購入者向け封緘の暗号プリミティブを提供する。
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

const (
	// KeySize はコンテンツ鍵およびマスター鍵の長さ（AES-256）。
	KeySize = 32
	// IVSize はGCMのノンス長（96ビット）。
	IVSize = 12
	// TagSize はGCMの認証タグ長。
	TagSize = 16
)

// ErrAuthentication は認証付き復号に失敗した場合のエラー。
var ErrAuthentication = errors.New("cryptox: message authentication failed")

// ContentBlob はコンテンツ暗号化の結果を表す。
type ContentBlob struct {
	Key        []byte
	IV         []byte
	Tag        []byte
	Ciphertext []byte
}

// Payload はストレージに保存する形式 iv || tag || ciphertext を返す。鍵は含まない。
func (b *ContentBlob) Payload() []byte {
	out := make([]byte, 0, len(b.IV)+len(b.Tag)+len(b.Ciphertext))
	out = append(out, b.IV...)
	out = append(out, b.Tag...)
	return append(out, b.Ciphertext...)
}

// ParsePayload は Payload の形式を iv, tag, ciphertext に分解する。
func ParsePayload(payload []byte) (iv, tag, ciphertext []byte, err error) {
	if len(payload) < IVSize+TagSize {
		return nil, nil, nil, fmt.Errorf("payload too short: %d bytes", len(payload))
	}
	return payload[:IVSize], payload[IVSize : IVSize+TagSize], payload[IVSize+TagSize:], nil
}

// NewKey は暗号学的乱数で256ビット鍵を生成する。
func NewKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generating random key: %w", err)
	}
	return key, nil
}

// EncryptContent は新しい鍵とIVでアセットを AES-256-GCM 暗号化する。
// 返された鍵は呼び出し側がラップするか破棄する。
func EncryptContent(plaintext []byte) (*ContentBlob, error) {
	key, err := NewKey()
	if err != nil {
		return nil, err
	}
	iv, ciphertext, tag, err := sealGCM(key, plaintext)
	if err != nil {
		return nil, err
	}
	return &ContentBlob{Key: key, IV: iv, Tag: tag, Ciphertext: ciphertext}, nil
}

// DecryptContent は EncryptContent の出力を復号する。
// 改ざんがあれば ErrAuthentication を返し、平文は一切返さない。
func DecryptContent(key, iv, tag, ciphertext []byte) ([]byte, error) {
	return openGCM(key, iv, tag, ciphertext)
}

// Zero は鍵バッファを上書きする。
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key length: %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}

// sealGCM はランダムIVで暗号化し、暗号文とタグを分離して返す。
func sealGCM(key, plaintext []byte) (iv, ciphertext, tag []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, nil, err
	}
	iv = make([]byte, IVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, nil, fmt.Errorf("generating iv: %w", err)
	}
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	split := len(sealed) - TagSize
	return iv, sealed[:split], sealed[split:], nil
}

func openGCM(key, iv, tag, ciphertext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != IVSize || len(tag) != TagSize {
		return nil, ErrAuthentication
	}
	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}
