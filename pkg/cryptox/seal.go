package cryptox

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/box"
)

// NonceSize は crypto_box のノンス長。
const NonceSize = 24

// ErrOpenFailed は封緘された鍵を開けなかった場合のエラー。
var ErrOpenFailed = errors.New("cryptox: sealed key could not be opened")

// SealedKey は購入者の公開鍵宛てに封緘された鍵を表す。
// Sealed は nonce || box の形式。EphemeralPublic は秘密ではない。
type SealedKey struct {
	Sealed          []byte
	EphemeralPublic [32]byte
}

// SealedB64 は Sealed のBase64表現を返す。
func (s *SealedKey) SealedB64() string {
	return base64.StdEncoding.EncodeToString(s.Sealed)
}

// EphemeralPublicB64 は EphemeralPublic のBase64表現を返す。
func (s *SealedKey) EphemeralPublicB64() string {
	return base64.StdEncoding.EncodeToString(s.EphemeralPublic[:])
}

// ParsePublicKeyB64 はBase64のX25519公開鍵を検証して返す。
func ParsePublicKeyB64(b64 string) (*[32]byte, error) {
	return parseKey32B64("public key", b64)
}

// ParseSecretKeyB64 はBase64のX25519秘密鍵を検証して返す。使い終わったら Zero で消去すること。
func ParseSecretKeyB64(b64 string) (*[32]byte, error) {
	return parseKey32B64("secret key", b64)
}

func parseKey32B64(kind, b64 string) (*[32]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", kind, err)
	}
	defer Zero(raw)
	if len(raw) != 32 {
		return nil, fmt.Errorf("%s must be 32 bytes, got %d", kind, len(raw))
	}
	var key [32]byte
	copy(key[:], raw)
	return &key, nil
}

// GenerateBuyerKeyPair は購入者の長期X25519鍵ペアを生成する。
func GenerateBuyerKeyPair() (publicKey, secretKey *[32]byte, err error) {
	return box.GenerateKey(rand.Reader)
}

// SealKey は呼び出しごとに使い捨ての鍵ペアを生成し、contentKey を購入者宛てに封緘する。
// 使い捨て秘密鍵はこの関数の外に出ない。
func SealKey(contentKey []byte, buyerPublic *[32]byte) (*SealedKey, error) {
	ephPublic, ephSecret, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating ephemeral key pair: %w", err)
	}
	defer Zero(ephSecret[:])

	var nonce [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	sealed := box.Seal(nonce[:], contentKey, &nonce, buyerPublic, ephSecret)
	return &SealedKey{Sealed: sealed, EphemeralPublic: *ephPublic}, nil
}

// OpenSealedKey は購入者側で封緘を開く。
func OpenSealedKey(sealed []byte, ephemeralPublic, buyerSecret *[32]byte) ([]byte, error) {
	if len(sealed) < NonceSize+box.Overhead {
		return nil, ErrOpenFailed
	}
	var nonce [NonceSize]byte
	copy(nonce[:], sealed[:NonceSize])

	key, ok := box.Open(nil, sealed[NonceSize:], &nonce, ephemeralPublic, buyerSecret)
	if !ok {
		return nil, ErrOpenFailed
	}
	return key, nil
}
