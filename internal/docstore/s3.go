package docstore

import (
	"context"
	"errors"
	"io"
	"path"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rotisserie/eris"
)

// S3API is the subset of *s3.Client the store uses.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	s3.ListObjectsV2APIClient
}

// S3 stores documents as <prefix><project>/<doc>.pdf in a bucket.
type S3 struct {
	client S3API
	bucket string
	prefix string
}

// S3Config holds the connection settings for NewS3Client.
type S3Config struct {
	Region   string
	Endpoint string
}

// NewS3Client builds an S3 client from the default AWS credential chain.
// A custom endpoint switches to path-style addressing for S3-compatible
// services such as MinIO.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, eris.Wrap(err, "docstore: load aws config")
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// NewS3 returns an S3-backed Store.
func NewS3(client S3API, bucket, prefix string) *S3 {
	return &S3{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3) key(projectID, docID string) string {
	return s.prefix + path.Join(projectID, objectName(docID))
}

func (s *S3) Put(ctx context.Context, projectID, docID string, body io.Reader) error {
	if err := validateKey(projectID, docID); err != nil {
		return err
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(projectID, docID)),
		Body:        body,
		ContentType: aws.String("application/pdf"),
	})
	return eris.Wrapf(err, "docstore: put object %s/%s", projectID, docID)
}

func (s *S3) Get(ctx context.Context, projectID, docID string) (io.ReadCloser, error) {
	if err := validateKey(projectID, docID); err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(projectID, docID)),
	})
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "docstore: get object %s/%s", projectID, docID)
	}
	return out.Body, nil
}

func (s *S3) List(ctx context.Context, projectID string) ([]string, error) {
	if err := validateKey(projectID, "x"); err != nil {
		return nil, err
	}
	prefix := s.prefix + projectID + "/"
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	var ids []string
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, eris.Wrapf(err, "docstore: list objects %s", projectID)
		}
		for _, obj := range page.Contents {
			name := aws.ToString(obj.Key)[len(prefix):]
			if id, ok := docIDFromName(name); ok && path.Base(name) == name {
				ids = append(ids, id)
			}
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *S3) Count(ctx context.Context, projectID string) (int, error) {
	ids, err := s.List(ctx, projectID)
	return len(ids), err
}
