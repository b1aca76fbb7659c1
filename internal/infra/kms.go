package infra

import (
	"context"
	"fmt"

	kms "cloud.google.com/go/kms/apiv1"
	kmspb "cloud.google.com/go/kms/apiv1/kmspb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"key-delivery-service/internal/domain"
)

// GCPKMSClient はCloud KMSクライアントをラップする。
// 鍵名は呼び出しごとに鍵バージョンのレジストリから渡される。
type GCPKMSClient struct {
	client *kms.KeyManagementClient
}

// NewGCPKMSClient はCloud KMSクライアントを生成する。
func NewGCPKMSClient(ctx context.Context) (*GCPKMSClient, error) {
	client, err := kms.NewKeyManagementClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating KMS client: %w", err)
	}
	return &GCPKMSClient{client: client}, nil
}

// Encrypt は平文をCloud KMSで暗号化する。
func (c *GCPKMSClient) Encrypt(ctx context.Context, keyName string, plaintext []byte) ([]byte, error) {
	req := &kmspb.EncryptRequest{
		Name:      keyName,
		Plaintext: plaintext,
	}
	resp, err := c.client.Encrypt(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("encrypting: %w", classifyGRPC(err))
	}
	return resp.Ciphertext, nil
}

// Decrypt は暗号文をCloud KMSで復号する。
func (c *GCPKMSClient) Decrypt(ctx context.Context, keyName string, ciphertext []byte) ([]byte, error) {
	req := &kmspb.DecryptRequest{
		Name:       keyName,
		Ciphertext: ciphertext,
	}
	resp, err := c.client.Decrypt(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", classifyGRPC(err))
	}
	return resp.Plaintext, nil
}

// Close はKMSクライアントを閉じる。
func (c *GCPKMSClient) Close() error {
	return c.client.Close()
}

// classifyGRPC は到達不能系のエラーを ErrKMSUnavailable にまとめる。
func classifyGRPC(err error) error {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
		return fmt.Errorf("%w: %v", domain.ErrKMSUnavailable, err)
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %v", domain.ErrIntegrity, err)
	default:
		return err
	}
}
