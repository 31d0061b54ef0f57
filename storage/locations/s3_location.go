package locations

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"reduction.dev/chunkcdc/storage/objstore"
)

// maxDeleteBatch is the most keys a DeleteObjects request accepts.
const maxDeleteBatch = 1000

// S3Location keeps checkpoint blobs under a bucket prefix.
type S3Location struct {
	client objstore.S3Service
	bucket string
	prefix string
}

// NewS3Location parses an s3://bucket[/prefix] URI.
func NewS3Location(client objstore.S3Service, uri string) (*S3Location, error) {
	bucket, prefix, err := parseS3URI(uri)
	if err != nil {
		return nil, err
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &S3Location{client: client, bucket: bucket, prefix: prefix}, nil
}

// parseS3URI splits s3://bucket/key. The scheme is optional and the key may
// be empty.
func parseS3URI(uri string) (bucket, key string, err error) {
	bucket, key, _ = strings.Cut(strings.TrimPrefix(uri, "s3://"), "/")
	if bucket == "" {
		return "", "", fmt.Errorf("S3 URI %q has no bucket", uri)
	}
	return bucket, key, nil
}

// key resolves a relative path against the prefix. A URI of this bucket is
// used as is.
func (l *S3Location) key(path string) string {
	if strings.HasPrefix(path, "s3://") {
		_, key, _ := parseS3URI(path)
		return key
	}
	return l.prefix + strings.TrimPrefix(path, "/")
}

func (l *S3Location) uri(key string) string {
	return "s3://" + l.bucket + "/" + key
}

// Write stores data with a single PutObject, which S3 applies atomically. S3
// verifies the CRC32 checksum before accepting the object.
func (l *S3Location) Write(ctx context.Context, path string, data []byte) (string, error) {
	key := l.key(path)
	_, err := l.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:            aws.String(l.bucket),
		Key:               aws.String(key),
		Body:              bytes.NewReader(data),
		ContentType:       aws.String("application/octet-stream"),
		ChecksumAlgorithm: types.ChecksumAlgorithmCrc32,
	})
	if err != nil {
		return "", fmt.Errorf("writing %s: %w", l.uri(key), err)
	}
	return l.uri(key), nil
}

func (l *S3Location) Read(ctx context.Context, path string) ([]byte, error) {
	return getObject(ctx, l.client, l.bucket, l.key(path))
}

func (l *S3Location) List(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		pages := s3.NewListObjectsV2Paginator(l.client, &s3.ListObjectsV2Input{
			Bucket: aws.String(l.bucket),
			Prefix: aws.String(l.prefix),
		})
		for pages.HasMorePages() {
			page, err := pages.NextPage(ctx)
			if err != nil {
				yield("", fmt.Errorf("listing %s: %w", l.uri(l.prefix), err))
				return
			}
			for _, obj := range page.Contents {
				if !yield(l.uri(aws.ToString(obj.Key)), nil) {
					return
				}
			}
		}
	}
}

// Remove deletes objects in batches. Keys that fail individually are
// reported together.
func (l *S3Location) Remove(ctx context.Context, paths ...string) error {
	var errs []error
	for batch := range chunkPaths(paths, maxDeleteBatch) {
		ids := make([]types.ObjectIdentifier, len(batch))
		for i, path := range batch {
			ids[i] = types.ObjectIdentifier{Key: aws.String(l.key(path))}
		}
		out, err := l.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(l.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("deleting %d objects: %w", len(ids), err))
			continue
		}
		for _, e := range out.Errors {
			errs = append(errs, fmt.Errorf("deleting %s: %s", l.uri(aws.ToString(e.Key)), aws.ToString(e.Message)))
		}
	}
	return errors.Join(errs...)
}

func chunkPaths(paths []string, size int) iter.Seq[[]string] {
	return func(yield func([]string) bool) {
		for len(paths) > 0 {
			n := min(size, len(paths))
			if !yield(paths[:n]) {
				return
			}
			paths = paths[n:]
		}
	}
}

func (l *S3Location) URI(ctx context.Context, path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("path cannot be empty")
	}

	key := l.key(path)
	_, err := l.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(l.bucket),
		Key:    aws.String(key),
	})
	if isNotFound(err) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return l.uri(key), nil
}

var _ StorageLocation = (*S3Location)(nil)

func isNotFound(err error) bool {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	return errors.As(err, &notFound) || errors.As(err, &noSuchKey)
}

// ReadS3File reads an object addressed by an s3://bucket/key URI.
func ReadS3File(ctx context.Context, client objstore.S3Service, uri string) ([]byte, error) {
	bucket, key, err := parseS3URI(uri)
	if err != nil {
		return nil, err
	}
	if key == "" {
		return nil, fmt.Errorf("S3 URI %q has no key", uri)
	}
	return getObject(ctx, client, bucket, key)
}

func getObject(ctx context.Context, client objstore.S3Service, bucket, key string) ([]byte, error) {
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if isNotFound(err) {
		return nil, fmt.Errorf("reading s3://%s/%s: %w", bucket, key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading s3://%s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}
