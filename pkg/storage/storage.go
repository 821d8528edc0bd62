// Package storage uploads task artifacts to an object store.
//
// Backends, chosen by name:
//   - "none" (default): accepts and discards uploads, returning no location
//   - "local": writes objects below a directory
//   - "redis": stores objects as Redis strings with a TTL
package storage

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"
)

// Uploader is the storage capability.
type Uploader interface {
	// Upload stores the content of r under key and returns where it can be
	// fetched from. An empty location means nothing was stored.
	Upload(ctx context.Context, key string, r io.Reader) (string, error)
}

// Kind names an Uploader backend.
type Kind string

const (
	KindNone  Kind = "none"
	KindLocal Kind = "local"
	KindRedis Kind = "redis"
)

// Options configure New.
type Options struct {
	// Dir is the root directory for KindLocal.
	Dir string
	// RedisAddr is used by KindRedis.
	RedisAddr string
	// TTL is how long KindRedis keeps objects. Zero keeps them forever.
	TTL time.Duration
}

// New builds the backend named kind. An empty kind selects KindNone.
func New(kind string, opts Options) (Uploader, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(kind))) {
	case "", KindNone:
		return Noop{}, nil
	case KindLocal:
		return NewLocal(opts.Dir)
	case KindRedis:
		if opts.RedisAddr == "" {
			return nil, fmt.Errorf("redis storage requires an address")
		}
		return NewRedis(opts.RedisAddr, opts.TTL), nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", kind)
	}
}

// Noop is the disabled Uploader.
type Noop struct{}

func (Noop) Upload(context.Context, string, io.Reader) (string, error) { return "", nil }
