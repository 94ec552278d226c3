package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

var (
	// ErrObjectNotFound is returned by HeadObject for a missing key.
	ErrObjectNotFound = errors.New("object not found")

	// ErrPreconditionFailed is returned by PutIfAbsent when the key
	// already exists.
	ErrPreconditionFailed = errors.New("precondition failed")
)

// RemoteObject is a read-only copy of stored object state, keyed by the
// path relative to the sync prefix.
type RemoteObject struct {
	RelPath      string
	Size         int64
	LastModified time.Time
	ETag         string
}

// ObjectClient is the object store capability the sync engine needs.
// Transport retries, credential resolution and endpoint selection all
// live behind this interface.
type ObjectClient interface {
	ListObjects(ctx context.Context, bucket, prefix string) (map[string]RemoteObject, error)
	Upload(ctx context.Context, bucket, key string, body io.Reader, metadata map[string]string) (RemoteObject, error)
	PutIfAbsent(ctx context.Context, bucket, key string, body []byte) error
	HeadObject(ctx context.Context, bucket, key string) (RemoteObject, error)
	DeleteObject(ctx context.Context, bucket, key string) error
}

type S3Client struct {
	client   *s3.Client
	uploader *manager.Uploader
}

func NewS3Client(ctx context.Context, appConfig AppConfig) (*S3Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if appConfig.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(appConfig.Region))
	}
	if appConfig.AccessKey != "" && appConfig.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(appConfig.AccessKey, appConfig.SecretKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	awsS3Client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if appConfig.EndpointURL != "" {
			// custom endpoints (MinIO, OSS, ...) want path-style addressing
			o.BaseEndpoint = aws.String(appConfig.EndpointURL)
			o.UsePathStyle = true
		}
	})

	return &S3Client{
		client:   awsS3Client,
		uploader: manager.NewUploader(awsS3Client),
	}, nil
}

// ListObjects merges every page of the bucket listing under prefix into
// a single map keyed by prefix-relative path.
func (s *S3Client) ListObjects(ctx context.Context, bucket, prefix string) (map[string]RemoteObject, error) {
	bucketFiles := make(map[string]RemoteObject)
	listParams := &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
	}
	if prefix != "" {
		listParams.Prefix = aws.String(prefix + "/")
	}

	paginator := s3.NewListObjectsV2Paginator(s.client, listParams)
	for paginator.HasMorePages() {
		currentPage, pageErr := paginator.NextPage(ctx)
		if pageErr != nil {
			return nil, fmt.Errorf("listing s3://%s/%s: %w", bucket, prefix, pageErr)
		}
		for _, object := range currentPage.Contents {
			rel := relativeKey(aws.ToString(object.Key), prefix)
			if rel == "" {
				continue
			}
			bucketFiles[rel] = RemoteObject{
				RelPath:      rel,
				Size:         aws.ToInt64(object.Size),
				LastModified: aws.ToTime(object.LastModified),
				ETag:         strings.Trim(aws.ToString(object.ETag), `"`),
			}
		}
	}

	return bucketFiles, nil
}

// Upload writes the object body and its metadata in a single request,
// so a partially written object never carries a misleading timestamp.
// The returned record reflects the store's view of the new object.
func (s *S3Client) Upload(ctx context.Context, bucket, key string, body io.Reader, metadata map[string]string) (RemoteObject, error) {
	out, putErr := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(key),
		Body:     body,
		Metadata: metadata,
	})
	if putErr != nil {
		return RemoteObject{}, putErr
	}
	return RemoteObject{
		RelPath:      key,
		LastModified: time.Now(),
		ETag:         strings.Trim(aws.ToString(out.ETag), `"`),
	}, nil
}

// PutIfAbsent writes key only when it does not already exist, via a
// conditional PUT. Both sides of the race observe a consistent outcome:
// the loser gets ErrPreconditionFailed.
func (s *S3Client) PutIfAbsent(ctx context.Context, bucket, key string, body []byte) error {
	_, putErr := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		IfNoneMatch: aws.String("*"),
	})
	if putErr != nil {
		var apiErr smithy.APIError
		if errors.As(putErr, &apiErr) && apiErr.ErrorCode() == "PreconditionFailed" {
			return fmt.Errorf("%s already exists: %w", key, ErrPreconditionFailed)
		}
		return putErr
	}
	return nil
}

func (s *S3Client) HeadObject(ctx context.Context, bucket, key string) (RemoteObject, error) {
	head, headErr := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if headErr != nil {
		var apiErr smithy.APIError
		if errors.As(headErr, &apiErr) {
			switch apiErr.ErrorCode() {
			case "NotFound", "NoSuchKey":
				return RemoteObject{}, fmt.Errorf("%s: %w", key, ErrObjectNotFound)
			}
		}
		return RemoteObject{}, headErr
	}

	return RemoteObject{
		RelPath:      key,
		Size:         aws.ToInt64(head.ContentLength),
		LastModified: aws.ToTime(head.LastModified),
		ETag:         strings.Trim(aws.ToString(head.ETag), `"`),
	}, nil
}

func (s *S3Client) DeleteObject(ctx context.Context, bucket, key string) error {
	_, delErr := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	return delErr
}

// relativeKey strips the sync prefix from a full object key. Keys
// outside the prefix, and the prefix placeholder itself, map to "".
func relativeKey(key, prefix string) string {
	if prefix == "" {
		return key
	}
	if !strings.HasPrefix(key, prefix+"/") {
		return ""
	}
	return strings.TrimPrefix(key, prefix+"/")
}
