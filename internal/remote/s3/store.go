// Package s3 maps the boxfs remote tree onto an S3 or MinIO bucket.
//
// Folder identifiers are key prefixes ending in "/" (the root is the
// configured prefix, possibly empty). File identifiers are object keys.
// Empty folders are kept alive by a zero-length marker object at the prefix.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/fruitsalade/boxfs/internal/logging"
	"github.com/fruitsalade/boxfs/internal/metrics"
	"github.com/fruitsalade/boxfs/internal/models"
	"github.com/fruitsalade/boxfs/internal/remote"
)

// Config describes the bucket to mount.
type Config struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
	Prefix    string `yaml:"prefix"`
}

// API is the subset of *s3.Client the store uses.
type API interface {
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, in *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Store implements remote.Store on top of a bucket.
type Store struct {
	client API
	bucket string
	root   string
}

var _ remote.Store = (*Store)(nil)

// New connects to the bucket described by cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	if cfg.Endpoint != "" {
		endpoint := endpointURL(cfg.Endpoint, cfg.UseSSL)
		resolver := aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{
					URL:               endpoint,
					HostnameImmutable: true,
				}, nil
			},
		)
		opts = append(opts, config.WithEndpointResolverWithOptions(resolver))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.Endpoint != ""
	})

	store := NewWithAPI(client, cfg.Bucket, cfg.Prefix)
	if err := store.ensureBucket(ctx); err != nil {
		logging.Error("bucket check failed", logging.Err(err))
	}
	return store, nil
}

// NewWithAPI builds a store around an existing client.
func NewWithAPI(client API, bucket, prefix string) *Store {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &Store{client: client, bucket: bucket, root: prefix}
}

func endpointURL(endpoint string, useSSL bool) string {
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	if useSSL {
		return "https://" + endpoint
	}
	return "http://" + endpoint
}

func (s *Store) ensureBucket(ctx context.Context) (err error) {
	defer remote.Observe("head_bucket", time.Now(), &err)

	_, err = s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err == nil {
		return nil
	}
	if _, err = s.client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(s.bucket),
	}); err != nil {
		return fmt.Errorf("bucket %s does not exist and cannot create: %w", s.bucket, err)
	}
	logging.Info("created S3 bucket", logging.String("bucket", s.bucket))
	return nil
}

// prefixFor turns a folder identifier into its key prefix.
func (s *Store) prefixFor(id string) (string, error) {
	if id == models.RootID {
		return s.root, nil
	}
	if !strings.HasSuffix(id, "/") || !strings.HasPrefix(id, s.root) {
		return "", fmt.Errorf("folder %s: %w", id, remote.ErrNotFound)
	}
	return id, nil
}

func validName(name string) error {
	if name == "" || strings.Contains(name, "/") {
		return fmt.Errorf("invalid object name %q", name)
	}
	return nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

// Folder lists the direct children of a folder prefix.
func (s *Store) Folder(ctx context.Context, id string) (_ *models.Node, err error) {
	defer remote.Observe("folder", time.Now(), &err)

	prefix, err := s.prefixFor(id)
	if err != nil {
		return nil, err
	}

	var folders, files []*models.Node
	seen := id == models.RootID
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, cp := range page.CommonPrefixes {
			key := aws.ToString(cp.Prefix)
			name := strings.TrimSuffix(strings.TrimPrefix(key, prefix), "/")
			folders = append(folders, models.NewFolder(key, name, nil, nil))
			seen = true
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			seen = true
			if key == prefix {
				continue
			}
			files = append(files, models.NewFile(key, strings.TrimPrefix(key, prefix), aws.ToInt64(obj.Size)))
		}
	}
	if !seen {
		return nil, fmt.Errorf("folder %s: %w", id, remote.ErrNotFound)
	}

	name := strings.TrimSuffix(strings.TrimPrefix(prefix, s.root), "/")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	return models.NewFolder(id, name, folders, files), nil
}

// Download streams an object.
func (s *Store) Download(ctx context.Context, id string) (_ io.ReadCloser, err error) {
	defer remote.Observe("download", time.Now(), &err)

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(id),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("get object %s: %w", id, remote.ErrNotFound)
		}
		return nil, fmt.Errorf("get object %s: %w", id, err)
	}
	return remote.Metered(out.Body), nil
}

func (s *Store) put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	metrics.RecordUpload(int64(len(data)))
	logging.Debug("S3 put object", logging.String("key", key), logging.Int("size", len(data)))
	return nil
}

// Upload writes a new object under the parent prefix. The key is the new id.
func (s *Store) Upload(ctx context.Context, parentID, name string, data []byte) (_ string, err error) {
	defer remote.Observe("upload", time.Now(), &err)

	prefix, err := s.prefixFor(parentID)
	if err != nil {
		return "", err
	}
	if err := validName(name); err != nil {
		return "", err
	}
	key := prefix + name
	if err := s.put(ctx, key, data); err != nil {
		return "", err
	}
	return key, nil
}

// Overwrite replaces the object at id.
func (s *Store) Overwrite(ctx context.Context, id, name string, data []byte) (err error) {
	defer remote.Observe("overwrite", time.Now(), &err)
	return s.put(ctx, id, data)
}

// Delete removes one object, or every object under a folder prefix.
func (s *Store) Delete(ctx context.Context, kind models.Kind, id string) (err error) {
	defer remote.Observe("delete", time.Now(), &err)

	if kind == models.KindFile {
		return s.deleteKey(ctx, id)
	}
	if id == models.RootID {
		return errors.New("refusing to delete the root folder")
	}
	prefix, err := s.prefixFor(id)
	if err != nil {
		return err
	}

	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	var keys []string
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	if len(keys) == 0 {
		return fmt.Errorf("folder %s: %w", id, remote.ErrNotFound)
	}
	for _, key := range keys {
		if err := s.deleteKey(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) deleteKey(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	logging.Debug("S3 delete object", logging.String("key", key))
	return nil
}

// CreateFolder writes the marker object for a new sub-folder.
func (s *Store) CreateFolder(ctx context.Context, parentID, name string) (_ string, err error) {
	defer remote.Observe("create_folder", time.Now(), &err)

	prefix, err := s.prefixFor(parentID)
	if err != nil {
		return "", err
	}
	if err := validName(name); err != nil {
		return "", err
	}
	key := prefix + name + "/"
	if err := s.put(ctx, key, nil); err != nil {
		return "", err
	}
	return key, nil
}
