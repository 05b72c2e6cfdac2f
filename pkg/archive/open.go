package archive

import (
	"context"
	"fmt"
)

// Backend names a Store implementation.
type Backend string

const (
	BackendNone   Backend = ""
	BackendMemory Backend = "memory"
	BackendFS     Backend = "fs"
	BackendS3     Backend = "s3"
	BackendGCS    Backend = "gcs"
)

// Config selects and configures a backend.
type Config struct {
	Backend Backend `yaml:"backend"`
	// Dir is the segment directory for fs.
	Dir string `yaml:"dir"`
	// Bucket, Prefix apply to s3 and gcs.
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

// Open builds the configured store. BackendNone returns (nil, nil):
// archiving is disabled.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case BackendNone:
		return nil, nil
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendFS:
		dir := cfg.Dir
		if dir == "" {
			dir = "data/archive"
		}
		return NewFileStore(dir)
	case BackendS3:
		region := cfg.Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3Config{Bucket: cfg.Bucket, Region: region, Endpoint: cfg.Endpoint, Prefix: cfg.Prefix})
	case BackendGCS:
		return openGCS(ctx, cfg)
	default:
		return nil, fmt.Errorf("archive: unsupported backend %q", cfg.Backend)
	}
}
