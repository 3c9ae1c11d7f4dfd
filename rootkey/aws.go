package rootkey

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"
)

// SSMAPI is the part of the SSM client the source uses.
type SSMAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// S3API is the part of the S3 client the source uses.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// KMSAPI is the part of the KMS client the source uses.
type KMSAPI interface {
	Decrypt(ctx context.Context, in *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// SSMSource reads encoded material from a SecureString parameter.
type SSMSource struct {
	Client    SSMAPI
	Parameter string
}

// NewSSMSource creates an SSM source from the default AWS configuration.
func NewSSMSource(ctx context.Context, cfg Config) (*SSMSource, error) {
	if cfg.Parameter == "" {
		return nil, fmt.Errorf("root key SSM parameter is required")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &SSMSource{Client: ssm.NewFromConfig(awsCfg), Parameter: cfg.Parameter}, nil
}

// Name implements Source.
func (s *SSMSource) Name() string { return KindSSM }

// Load implements Source.
func (s *SSMSource) Load(ctx context.Context) ([]byte, error) {
	withDecryption := true
	out, err := s.Client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &s.Parameter,
		WithDecryption: &withDecryption,
	})
	if err != nil {
		return nil, fmt.Errorf("SSM GetParameter failed: %w", err)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return nil, fmt.Errorf("SSM parameter %s has no value", s.Parameter)
	}

	log.Debug().Str("parameter", s.Parameter).Msg("SSM root key parameter fetched")
	return decodeMaterial(*out.Parameter.Value)
}

// S3KMSSource reads a KMS-encrypted blob from S3 and decrypts it.
type S3KMSSource struct {
	S3        S3API
	KMS       KMSAPI
	Bucket    string
	Key       string
	KMSKeyARN string
}

// NewS3KMSSource creates an S3 and KMS source from the default AWS
// configuration.
func NewS3KMSSource(ctx context.Context, cfg Config) (*S3KMSSource, error) {
	if cfg.Bucket == "" || cfg.Key == "" {
		return nil, fmt.Errorf("root key S3 bucket and key are required")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	if cfg.KMSKeyARN == "" {
		log.Warn().Msg("KMS key ARN not configured - the blob's embedded key id will be used")
	}
	return &S3KMSSource{
		S3:        s3.NewFromConfig(awsCfg),
		KMS:       kms.NewFromConfig(awsCfg),
		Bucket:    cfg.Bucket,
		Key:       cfg.Key,
		KMSKeyARN: cfg.KMSKeyARN,
	}, nil
}

// Name implements Source.
func (s *S3KMSSource) Name() string { return KindS3KMS }

// Load implements Source.
func (s *S3KMSSource) Load(ctx context.Context) ([]byte, error) {
	log.Debug().
		Str("bucket", s.Bucket).
		Str("key", s.Key).
		Msg("S3 GET")

	obj, err := s.S3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.Bucket,
		Key:    &s.Key,
	})
	if err != nil {
		return nil, fmt.Errorf("S3 GetObject failed: %w", err)
	}
	defer obj.Body.Close()

	blob, err := io.ReadAll(obj.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read S3 object: %w", err)
	}

	in := &kms.DecryptInput{CiphertextBlob: blob}
	if s.KMSKeyARN != "" {
		in.KeyId = &s.KMSKeyARN
	}
	out, err := s.KMS.Decrypt(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("KMS decrypt failed: %w", err)
	}
	if out.Plaintext == nil {
		return nil, fmt.Errorf("KMS decrypt returned no data")
	}

	log.Debug().
		Int("ciphertext_len", len(blob)).
		Msg("KMS decrypt successful")
	return out.Plaintext, nil
}
