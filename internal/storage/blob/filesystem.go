package blob

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/papyrus/internal/common"
	"github.com/ternarybob/papyrus/internal/interfaces"
	"github.com/ternarybob/papyrus/internal/models"
)

// FileSystemStore implements the BlobStore interface on a local directory
// tree. Blob paths map directly to file paths under the configured root;
// metadata lives in a sidecar .meta file next to each blob.
type FileSystemStore struct {
	root   string
	signer *URLSigner
	logger arbor.ILogger
}

// Compile-time interface assertion
var _ interfaces.BlobStore = (*FileSystemStore)(nil)

// NewFileSystemStore creates a blob store rooted at config.Root.
func NewFileSystemStore(config *common.BlobConfig, logger arbor.ILogger) (*FileSystemStore, error) {
	if config.Root == "" {
		return nil, fmt.Errorf("blob root is required")
	}
	if err := os.MkdirAll(config.Root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob root: %w", err)
	}

	signer, err := NewURLSigner(config.SigningKey)
	if err != nil {
		return nil, err
	}

	logger.Debug().Str("root", config.Root).Msg("Filesystem blob store initialized")

	return &FileSystemStore{
		root:   config.Root,
		signer: signer,
		logger: logger,
	}, nil
}

// Signer exposes the URL signer for the download route.
func (s *FileSystemStore) Signer() *URLSigner {
	return s.signer
}

func (s *FileSystemStore) Put(ctx context.Context, path string, data []byte, meta *interfaces.BlobMeta) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return models.WrapError(models.ErrStorageUnavailable, "failed to create blob directory", err)
	}
	if err := os.WriteFile(full, data, 0644); err != nil {
		return models.WrapError(models.ErrStorageUnavailable, "failed to write blob", err)
	}

	if meta != nil {
		encoded, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("failed to encode blob metadata: %w", err)
		}
		if err := os.WriteFile(full+".meta", encoded, 0644); err != nil {
			return models.WrapError(models.ErrStorageUnavailable, "failed to write blob metadata", err)
		}
	}
	return nil
}

func (s *FileSystemStore) Get(ctx context.Context, path string) ([]byte, error) {
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, models.NewError(models.ErrNotFound, fmt.Sprintf("blob not found: %s", path))
		}
		return nil, models.WrapError(models.ErrStorageUnavailable, "failed to read blob", err)
	}
	return data, nil
}

func (s *FileSystemStore) Exists(ctx context.Context, path string) (bool, error) {
	full, err := s.resolve(path)
	if err != nil {
		return false, err
	}

	if _, err := os.Stat(full); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, models.WrapError(models.ErrStorageUnavailable, "failed to stat blob", err)
	}
	return true, nil
}

func (s *FileSystemStore) ListByPrefix(ctx context.Context, prefix string) ([]interfaces.BlobInfo, error) {
	full, err := s.resolve(prefix)
	if err != nil {
		return nil, err
	}

	var infos []interfaces.BlobInfo
	err = filepath.WalkDir(full, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if os.IsNotExist(walkErr) {
				return filepath.SkipAll
			}
			return walkErr
		}
		if d.IsDir() || strings.HasSuffix(p, ".meta") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		infos = append(infos, interfaces.BlobInfo{
			Path:         filepath.ToSlash(rel),
			Size:         info.Size(),
			LastModified: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, models.WrapError(models.ErrStorageUnavailable, "failed to list blobs", err)
	}
	return infos, nil
}

// DeleteByPrefix removes every blob under the prefix. Sidecar metadata files
// are removed alongside but not counted.
func (s *FileSystemStore) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	infos, err := s.ListByPrefix(ctx, prefix)
	if err != nil {
		return 0, err
	}
	if len(infos) == 0 {
		return 0, nil
	}

	full, err := s.resolve(prefix)
	if err != nil {
		return 0, err
	}
	if err := os.RemoveAll(full); err != nil {
		return 0, models.WrapError(models.ErrStorageUnavailable, "failed to delete blob prefix", err)
	}

	s.logger.Debug().Str("prefix", prefix).Int("count", len(infos)).Msg("Deleted blobs under prefix")
	return len(infos), nil
}

// SignedURL returns a /files/ URL embedding an HMAC token for the path.
func (s *FileSystemStore) SignedURL(path string, ttl time.Duration) (string, error) {
	token, err := s.signer.Sign(path, ttl)
	if err != nil {
		return "", err
	}
	return "/files/" + token, nil
}

// resolve maps a blob path to a file path, refusing escapes from the root.
func (s *FileSystemStore) resolve(blobPath string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(blobPath))
	if cleaned == "." {
		return s.root, nil
	}
	if strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return "", models.NewError(models.ErrInvalidInput, fmt.Sprintf("invalid blob path: %s", blobPath))
	}
	return filepath.Join(s.root, cleaned), nil
}
