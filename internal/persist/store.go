// Package persist defines the backup store used for encrypted key backups,
// with filesystem and S3 implementations. Everything handed to a Store is
// already encrypted by the caller; implementations never see plaintext key
// material.
package persist

import (
	"context"
	"fmt"
)

// Store persists opaque, pre-encrypted backup blobs by name.
type Store interface {
	Save(ctx context.Context, name string, data []byte) error
	Load(ctx context.Context, name string) ([]byte, error)
	Exists(ctx context.Context, name string) (bool, error)
	Delete(ctx context.Context, name string) error
}

// Config selects and parameterizes a backup store.
type Config struct {
	// Type is "file", "s3" or "" (disabled).
	Type string `json:"type"`
	// Path is the directory for the file store.
	Path string `json:"path"`
	// Bucket and Prefix locate backups in the s3 store.
	Bucket string `json:"bucket"`
	Prefix string `json:"prefix"`
	// Region overrides the default AWS region for the s3 store.
	Region string `json:"region"`
	// AccessKeyID and SecretAccessKey, when both set, override the default
	// AWS credential chain for the s3 store.
	AccessKeyID     string `json:"accessKeyId"`
	SecretAccessKey string `json:"secretAccessKey"`
}

// NewStore builds a Store from configuration. A nil result with nil error
// means backups are disabled.
func NewStore(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Type {
	case "":
		return nil, nil
	case "file":
		return NewFileStore(cfg.Path)
	case "s3":
		return NewS3Store(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown backup store type: %s", cfg.Type)
	}
}
