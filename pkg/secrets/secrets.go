// Package secrets resolves the API shared secret, optionally unwrapping it
// from an AWS KMS ciphertext.
package secrets

import (
	"context"
	"encoding/base64"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// IKMSDecrypter is the slice of the KMS API used to unwrap secrets.
type IKMSDecrypter interface {
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

type KMSSecretSource struct {
	client IKMSDecrypter
	keyID  string
	logger *zap.Logger
}

// NewKMSSecretSource decrypts with the given key. keyID may be empty for
// symmetric keys, where KMS reads it from the ciphertext blob.
func NewKMSSecretSource(awsCfg aws.Config, keyID string, logger *zap.Logger) *KMSSecretSource {
	return NewKMSSecretSourceWithClient(kms.NewFromConfig(awsCfg), keyID, logger)
}

func NewKMSSecretSourceWithClient(client IKMSDecrypter, keyID string, logger *zap.Logger) *KMSSecretSource {
	return &KMSSecretSource{client: client, keyID: keyID, logger: logger}
}

// DecryptBase64 unwraps a base64 encoded KMS ciphertext.
func (s *KMSSecretSource) DecryptBase64(ctx context.Context, ciphertext string) ([]byte, error) {
	blob, err := base64.StdEncoding.DecodeString(strings.TrimSpace(ciphertext))
	if err != nil {
		return nil, errors.Wrap(err, "ciphertext is not valid base64")
	}

	input := &kms.DecryptInput{CiphertextBlob: blob}
	if s.keyID != "" {
		input.KeyId = aws.String(s.keyID)
	}
	out, err := s.client.Decrypt(ctx, input)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decrypt secret with key %q", s.keyID)
	}
	if len(out.Plaintext) == 0 {
		return nil, errors.New("KMS returned an empty plaintext")
	}

	s.logger.Sugar().Infow("Decrypted shared secret from KMS", "keyId", aws.ToString(out.KeyId))
	return out.Plaintext, nil
}

// ResolveSharedSecret prefers a plaintext secret and otherwise decrypts the
// ciphertext. Both empty yields nil, which leaves API auth disabled.
func ResolveSharedSecret(ctx context.Context, plaintext string, ciphertext string, source *KMSSecretSource) ([]byte, error) {
	if plaintext != "" {
		return []byte(plaintext), nil
	}
	if ciphertext == "" {
		return nil, nil
	}
	if source == nil {
		return nil, errors.New("an encrypted secret was supplied but no KMS key is configured")
	}
	return source.DecryptBase64(ctx, ciphertext)
}
