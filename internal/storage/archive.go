package storage

import (
	"fmt"
)

// Archive receives a copy of every durably written snapshot file for
// off-box retention. The local snapshot store remains authoritative;
// archival failures are logged, not fatal.
type Archive interface {
	// Put stores an object under the given name.
	Put(name string, data []byte) error
	// Get retrieves an object by name.
	Get(name string) ([]byte, error)
	// Delete removes an object by name.
	Delete(name string) error
	// List returns the names of stored objects.
	List() ([]string, error)
}

// ArchiveConfig selects and configures the archive backend.
type ArchiveConfig struct {
	// Backend is one of "none", "local" or "s3".
	Backend string `yaml:"backend" json:"backend"`
	// Dir is the target directory for the local backend.
	Dir string `yaml:"dir" json:"dir"`
	// Bucket/Region/Prefix/Endpoint configure the s3 backend.
	Bucket   string `yaml:"bucket" json:"bucket"`
	Region   string `yaml:"region" json:"region"`
	Prefix   string `yaml:"prefix" json:"prefix"`
	Endpoint string `yaml:"endpoint" json:"endpoint"`
}

// NewArchive builds an archive from configuration. Returns nil for the
// "none" backend.
func NewArchive(cfg ArchiveConfig) (Archive, error) {
	switch cfg.Backend {
	case "", "none":
		return nil, nil
	case "local", "filesystem", "fs":
		return NewLocalArchive(cfg.Dir)
	case "s3":
		return NewS3Archive(cfg)
	default:
		return nil, fmt.Errorf("unsupported archive backend: %s", cfg.Backend)
	}
}
