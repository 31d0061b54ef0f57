package locations

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

// ReadFile reads a single file from a local path or an s3:// URI.
func ReadFile(ctx context.Context, path string) ([]byte, error) {
	if strings.HasPrefix(path, "s3://") {
		client, err := newS3Client(ctx)
		if err != nil {
			return nil, err
		}
		return ReadS3File(ctx, client, path)
	}
	return ReadLocalFile(path)
}

func ReadLocalFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading %s: %w", path, ErrNotFound)
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return data, nil
}
