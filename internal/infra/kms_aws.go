package infra

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/kms"

	"key-delivery-service/internal/domain"
)

// AWSKMSClient はAWS KMSクライアントをラップする。
type AWSKMSClient struct {
	client *kms.KMS
}

// NewAWSKMSClient は指定リージョンのAWS KMSクライアントを生成する。
// 認証情報は標準のプロバイダーチェーン（環境変数・IAMロール）から解決する。
func NewAWSKMSClient(region string) (*AWSKMSClient, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, fmt.Errorf("creating AWS session: %w", err)
	}
	return &AWSKMSClient{client: kms.New(sess)}, nil
}

// Encrypt は平文をAWS KMSで暗号化する。
func (c *AWSKMSClient) Encrypt(ctx context.Context, keyName string, plaintext []byte) ([]byte, error) {
	out, err := c.client.EncryptWithContext(ctx, &kms.EncryptInput{
		KeyId:     aws.String(keyName),
		Plaintext: plaintext,
	})
	if err != nil {
		return nil, fmt.Errorf("encrypting: %w", classifyAWS(err))
	}
	if len(out.CiphertextBlob) == 0 {
		return nil, errors.New("encrypting: no ciphertext returned")
	}
	return out.CiphertextBlob, nil
}

// Decrypt は暗号文をAWS KMSで復号する。
func (c *AWSKMSClient) Decrypt(ctx context.Context, keyName string, ciphertext []byte) ([]byte, error) {
	out, err := c.client.DecryptWithContext(ctx, &kms.DecryptInput{
		KeyId:          aws.String(keyName),
		CiphertextBlob: ciphertext,
	})
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", classifyAWS(err))
	}
	if len(out.Plaintext) == 0 {
		return nil, errors.New("decrypting: no plaintext returned")
	}
	return out.Plaintext, nil
}

// Close はインターフェースを揃えるためのもので何もしない。
func (c *AWSKMSClient) Close() error {
	return nil
}

// classifyAWS は通信失敗・タイムアウト・スロットリングを ErrKMSUnavailable にまとめる。
func classifyAWS(err error) error {
	var aerr awserr.Error
	if !errors.As(err, &aerr) {
		return err
	}
	switch aerr.Code() {
	case kms.ErrCodeInvalidCiphertextException:
		return fmt.Errorf("%w: %v", domain.ErrIntegrity, err)
	case request.ErrCodeRequestError,
		request.ErrCodeResponseTimeout,
		request.ErrCodeRead,
		kms.ErrCodeDependencyTimeoutException,
		kms.ErrCodeInternalException,
		kms.ErrCodeKeyUnavailableException,
		kms.ErrCodeLimitExceededException:
		return fmt.Errorf("%w: %v", domain.ErrKMSUnavailable, err)
	}
	if request.IsErrorThrottle(aerr) {
		return fmt.Errorf("%w: %v", domain.ErrKMSUnavailable, err)
	}
	return err
}
