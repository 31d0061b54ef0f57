package objstore

import (
	"bytes"
	"context"
	"io"
	"path"
	"slices"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// MemoryS3Service is an in-memory implementation of the S3Service for testing.
type MemoryS3Service struct {
	// PageSize limits ListObjectsV2 results per page. Zero means 1000.
	PageSize int

	data           map[string][]byte
	deleteRequests int
	mu             sync.Mutex
}

func NewMemoryS3Service() *MemoryS3Service {
	return &MemoryS3Service{
		data: make(map[string][]byte),
	}
}

func (m *MemoryS3Service) GetObject(ctx context.Context, input *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.data[path.Join(*input.Bucket, *input.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}

	return &s3.GetObjectOutput{
		Body: io.NopCloser(bytes.NewReader(data)),
	}, nil
}

func (m *MemoryS3Service) HeadObject(ctx context.Context, input *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.data[path.Join(*input.Bucket, *input.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data)))}, nil
}

// ListObjectsV2 pages by key using the last returned key as the continuation
// token.
func (m *MemoryS3Service) ListObjectsV2(ctx context.Context, input *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bucketAndPrefix := *input.Bucket + "/" + aws.ToString(input.Prefix)
	after := aws.ToString(input.ContinuationToken)

	var keys []string
	for key := range m.data {
		if !strings.HasPrefix(key, bucketAndPrefix) {
			continue
		}
		key = strings.TrimPrefix(key, *input.Bucket+"/")
		if after == "" || key > after {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)

	pageSize := m.PageSize
	if pageSize <= 0 {
		pageSize = 1000
	}
	out := &s3.ListObjectsV2Output{}
	if len(keys) > pageSize {
		keys = keys[:pageSize]
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(keys[len(keys)-1])
	}
	for _, key := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(key)})
	}
	return out, nil
}

func (m *MemoryS3Service) PutObject(ctx context.Context, input *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	buf, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[path.Join(*input.Bucket, *input.Key)] = buf
	return &s3.PutObjectOutput{}, nil
}

// DeleteObjects removes every listed key. Missing keys are not errors, like
// in S3.
func (m *MemoryS3Service) DeleteObjects(ctx context.Context, input *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.deleteRequests++
	out := &s3.DeleteObjectsOutput{}
	for _, obj := range input.Delete.Objects {
		delete(m.data, path.Join(*input.Bucket, *obj.Key))
		if !aws.ToBool(input.Delete.Quiet) {
			out.Deleted = append(out.Deleted, types.DeletedObject{Key: obj.Key})
		}
	}
	return out, nil
}

// DeleteRequests counts DeleteObjects calls.
func (m *MemoryS3Service) DeleteRequests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteRequests
}

var _ S3Service = (*MemoryS3Service)(nil)
