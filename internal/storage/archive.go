// Package storage archives raw source payloads (feed documents, manual CSV
// files and stream messages) into a blob store.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/notam-pipeline/internal/hash/sha256"
)

// BlobStore persists opaque objects and returns their URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Archiver writes payloads under content-addressed object names:
// <prefix>/<kind>/<yyyy>/<mm>/<dd>/<name>-<sha256>.<ext>.
// A nil Archiver or one without a store discards payloads.
type Archiver struct {
	store  BlobStore
	prefix string
	hasher *sha256.Hasher
	logger *zap.Logger
	now    func() time.Time
}

// NewArchiver builds an Archiver on store. A nil store yields a no-op archiver.
func NewArchiver(store BlobStore, prefix string, logger *zap.Logger) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{
		store:  store,
		prefix: strings.Trim(prefix, "/"),
		hasher: sha256.New(),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Enabled reports whether payloads are actually stored.
func (a *Archiver) Enabled() bool {
	return a != nil && a.store != nil
}

// Archive stores data and returns its URI. Disabled archivers return "".
func (a *Archiver) Archive(ctx context.Context, kind, name, contentType string, data []byte) (string, error) {
	if !a.Enabled() {
		return "", nil
	}
	objectPath, err := a.ObjectPath(kind, name, contentType, data)
	if err != nil {
		return "", err
	}
	uri, err := a.store.PutObject(ctx, objectPath, contentType, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("archive %s: %w", objectPath, err)
	}
	a.logger.Debug("archived payload", zap.String("uri", uri), zap.Int("bytes", len(data)))
	return uri, nil
}

// ObjectPath computes the object name for a payload.
func (a *Archiver) ObjectPath(kind, name, contentType string, data []byte) (string, error) {
	digest, err := a.hasher.Hash(data)
	if err != nil {
		return "", fmt.Errorf("hash payload: %w", err)
	}
	name = sanitize(name)
	if name == "" {
		name = "payload"
	}
	file := fmt.Sprintf("%s-%s%s", name, digest[:16], extension(contentType))
	return path.Join(a.prefix, sanitize(kind), a.now().Format("2006/01/02"), file), nil
}

func extension(contentType string) string {
	switch {
	case strings.Contains(contentType, "json"):
		return ".json"
	case strings.Contains(contentType, "csv"):
		return ".csv"
	case strings.Contains(contentType, "xml"):
		return ".xml"
	case strings.Contains(contentType, "html"):
		return ".html"
	default:
		return ".txt"
	}
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
