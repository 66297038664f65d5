package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	log "github.com/sirupsen/logrus"
)

// S3Store implements Store on an S3-compatible object store. Objects are
// streamed to the store as they are written, "renames" are performed as a
// server-side copy followed by a delete of the source, and appending to an
// existing object is not supported, so writers targeting S3 must flush their
// open files at every checkpoint.
type S3Store struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

var _ Store = (*S3Store)(nil)

type S3Config struct {
	Bucket             string `json:"bucket" jsonschema:"title=Bucket,description=Bucket to write part files to." jsonschema_extras:"order=0"`
	AWSAccessKeyID     string `json:"awsAccessKeyId" jsonschema:"title=AWS Access Key ID,description=Access Key ID for writing data to the bucket." jsonschema_extras:"order=1"`
	AWSSecretAccessKey string `json:"awsSecretAccessKey" jsonschema:"title=AWS Secret Access Key,description=Secret Access Key for writing data to the bucket." jsonschema_extras:"secret=true,order=2"`
	Region             string `json:"region" jsonschema:"title=Region,description=Region of the bucket to write to." jsonschema_extras:"order=3"`
	Prefix             string `json:"prefix,omitempty" jsonschema:"title=Prefix,description=Optional prefix that will be applied to all object keys." jsonschema_extras:"order=4"`

	Endpoint string `json:"endpoint,omitempty" jsonschema:"title=Custom S3 Endpoint,description=The S3 endpoint URI to connect to. Use if you're writing to a compatible API that isn't provided by AWS. Should normally be left blank." jsonschema_extras:"order=5"`
}

func (c S3Config) Validate() error {
	var requiredProperties = [][]string{
		{"bucket", c.Bucket},
		{"awsAccessKeyId", c.AWSAccessKeyID},
		{"awsSecretAccessKey", c.AWSSecretAccessKey},
		{"region", c.Region},
	}
	for _, req := range requiredProperties {
		if req[1] == "" {
			return fmt.Errorf("missing '%s'", req[0])
		}
	}

	return nil
}

func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	opts := []func(*awsConfig.LoadOptions) error{
		awsConfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey, ""),
		),
		awsConfig.WithRegion(cfg.Region),
	}

	if cfg.Endpoint != "" {
		customResolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{URL: cfg.Endpoint}, nil
		})

		opts = append(opts, awsConfig.WithEndpointResolverWithOptions(customResolver))
	}

	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg)
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.Concurrency = 1
		u.PartSize = manager.MinUploadPartSize
	})

	return &S3Store{
		client:   client,
		uploader: uploader,
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
	}, nil
}

func (s *S3Store) key(p string) string {
	return path.Join(s.prefix, p)
}

// s3File streams written bytes through a pipe to an in-flight upload. Close
// completes the upload and reports its result; nothing is durable before
// Close returns.
type s3File struct {
	w     *io.PipeWriter
	errCh chan error
}

func (f *s3File) Write(p []byte) (int, error) { return f.w.Write(p) }

func (f *s3File) Close() error {
	if err := f.w.Close(); err != nil {
		return err
	}
	return <-f.errCh
}

func (s *S3Store) Create(ctx context.Context, path string) (File, error) {
	pr, pw := io.Pipe()
	errCh := make(chan error, 1)

	go func() {
		_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.key(path)),
			Body:   pr,
		})
		if err != nil {
			pr.CloseWithError(err)
		}
		errCh <- err
	}()

	return &s3File{w: pw, errCh: errCh}, nil
}

func (s *S3Store) OpenAppend(context.Context, string, int64) (File, error) {
	return nil, fmt.Errorf("appending to an s3 object: %w", ErrNotSupported)
}

func (s *S3Store) Rename(ctx context.Context, tmpPath, finalPath string) error {
	if exists, err := s.Exists(ctx, finalPath); err != nil {
		return err
	} else if exists {
		// A previous attempt already published this object. The copy source
		// may or may not still be present; clean it up without failing the
		// retry.
		if err := s.Remove(ctx, tmpPath); err != nil {
			log.WithFields(log.Fields{"path": tmpPath, "error": err}).Warn("failed to remove leftover temporary object")
		}
		return nil
	}

	if _, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		CopySource: aws.String(path.Join(s.bucket, s.key(tmpPath))),
		Key:        aws.String(s.key(finalPath)),
	}); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("copying %q: %w", tmpPath, ErrNotExist)
		}
		return fmt.Errorf("copying %q to %q: %w", tmpPath, finalPath, err)
	}

	return s.Remove(ctx, tmpPath)
}

func (s *S3Store) Exists(ctx context.Context, path string) (bool, error) {
	if _, err := s.Stat(ctx, path); err != nil {
		if errors.Is(err, ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *S3Store) Stat(ctx context.Context, path string) (ObjectInfo, error) {
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
	})
	if err != nil {
		if isNotFound(err) {
			return ObjectInfo{}, fmt.Errorf("statting %q: %w", path, ErrNotExist)
		}
		return ObjectInfo{}, fmt.Errorf("statting %q: %w", path, err)
	}

	info := ObjectInfo{Path: path}
	if head.ContentLength != nil {
		info.Size = *head.ContentLength
	}
	if head.LastModified != nil {
		info.ModTime = head.LastModified.UTC()
	}

	return info, nil
}

func (s *S3Store) Remove(ctx context.Context, path string) error {
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
	}); err != nil {
		return fmt.Errorf("deleting %q: %w", path, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var respErr *smithyhttp.ResponseError
	return errors.As(err, &respErr) && respErr.Response.Response.StatusCode == http.StatusNotFound
}
