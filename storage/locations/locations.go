package locations

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	clientv3 "go.etcd.io/etcd/client/v3"

	"reduction.dev/chunkcdc/telemetry"
)

// New creates a StorageLocation from a URI. s3://bucket/prefix selects S3,
// etcd://host:port[,host:port]/prefix selects etcd and anything else is a
// local directory. Callers should close locations that implement io.Closer.
func New(ctx context.Context, uri string) (StorageLocation, error) {
	switch {
	case strings.HasPrefix(uri, "s3://"):
		client, err := newS3Client(ctx)
		if err != nil {
			return nil, err
		}
		return NewS3Location(client, uri)

	case strings.HasPrefix(uri, "etcd://"):
		endpoints, prefix, err := parseEtcdURI(uri)
		if err != nil {
			return nil, err
		}
		client, err := clientv3.New(clientv3.Config{
			Endpoints:   endpoints,
			DialTimeout: 5 * time.Second,
			Context:     ctx,
		})
		if err != nil {
			return nil, fmt.Errorf("connecting to etcd %v: %w", endpoints, err)
		}
		return NewEtcdLocation(client, prefix, client.Close), nil

	default:
		return NewLocalDirectory(uri), nil
	}
}

func newS3Client(ctx context.Context) (*s3.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithHTTPClient(&http.Client{Transport: telemetry.NewMetricsTransport("s3", nil)}))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	return s3.NewFromConfig(cfg), nil
}
