// Package rootkey supplies the TEE's session root key: a 32-byte key and
// 16-byte IV that the TEE hands to the driver once and uses to seal every
// session's secure params exchange.
package rootkey

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/gitee2github/itrustee-tzdriver/aescbc"
	"github.com/gitee2github/itrustee-tzdriver/auth"
)

// MaterialSize is the size of the key and IV pair.
const MaterialSize = auth.CryptoInfoSize

// Source kinds
const (
	KindRandom = "random"
	KindFile   = "file"
	KindSSM    = "ssm"
	KindS3KMS  = "s3kms"
)

// ErrBadMaterial is returned when a source yields material of the wrong size.
var ErrBadMaterial = errors.New("root key material must be 48 bytes")

// Source loads root key material.
type Source interface {
	Load(ctx context.Context) ([]byte, error)
	Name() string
}

// Config selects and configures a source.
type Config struct {
	Source    string `yaml:"source"`
	Region    string `yaml:"region"`
	Path      string `yaml:"path"`
	Parameter string `yaml:"parameter"`
	Bucket    string `yaml:"bucket"`
	Key       string `yaml:"key"`
	KMSKeyARN string `yaml:"kms_key_arn"`
}

// New builds the source named by cfg.Source.
func New(ctx context.Context, cfg Config) (Source, error) {
	switch cfg.Source {
	case "", KindRandom:
		return &RandomSource{Random: aescbc.DefaultRandom()}, nil
	case KindFile:
		if cfg.Path == "" {
			return nil, fmt.Errorf("root key file path is required")
		}
		return &FileSource{Path: cfg.Path}, nil
	case KindSSM:
		return NewSSMSource(ctx, cfg)
	case KindS3KMS:
		return NewS3KMSSource(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown root key source %q", cfg.Source)
	}
}

// Load reads material from src and checks its size.
func Load(ctx context.Context, src Source) ([]byte, error) {
	material, err := src.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load root key from %s: %w", src.Name(), err)
	}
	if len(material) != MaterialSize {
		aescbc.Wipe(material)
		return nil, fmt.Errorf("%w: %s returned %d bytes", ErrBadMaterial, src.Name(), len(material))
	}
	log.Info().Str("source", src.Name()).Msg("Root key material loaded")
	return material, nil
}

// Buffer lays material out the way the TEE returns it to the driver.
func Buffer(material []byte) ([]byte, error) {
	if len(material) != MaterialSize {
		return nil, ErrBadMaterial
	}
	buf := make([]byte, auth.RootKeyBufLen)
	copy(buf[auth.RootKeyOffset:], material)
	return buf, nil
}

// RandomSource generates fresh material. Sessions do not survive a restart
// of the TEE with this source.
type RandomSource struct {
	Random *aescbc.Random
}

// Name implements Source.
func (s *RandomSource) Name() string { return KindRandom }

// Load implements Source.
func (s *RandomSource) Load(ctx context.Context) ([]byte, error) {
	material := make([]byte, MaterialSize)
	if err := s.Random.Fill(material); err != nil {
		return nil, err
	}
	return material, nil
}

// FileSource reads hex or base64 encoded material from a file.
type FileSource struct {
	Path string
}

// Name implements Source.
func (s *FileSource) Name() string { return KindFile }

// Load implements Source.
func (s *FileSource) Load(ctx context.Context) ([]byte, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, err
	}
	defer aescbc.Wipe(data)
	return decodeMaterial(strings.TrimSpace(string(data)))
}

// decodeMaterial accepts hex or standard base64.
func decodeMaterial(s string) ([]byte, error) {
	if len(s) == 2*MaterialSize {
		if b, err := hex.DecodeString(s); err == nil {
			return b, nil
		}
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("material is neither hex nor base64")
	}
	return b, nil
}
