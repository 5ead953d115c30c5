package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3API defines the S3 operations used by S3Store. *s3.Client satisfies it.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Store implements Store on a single S3 (or S3-compatible) bucket.
// Conditional writes map to the If-Match / If-None-Match headers of
// PutObject.
type S3Store struct {
	client S3API
	bucket string
}

// NewS3Store creates an S3Store for bucket.
func NewS3Store(client S3API, bucket string) *S3Store {
	return &S3Store{client: client, bucket: bucket}
}

// Bucket returns the bucket name the store operates on.
func (s *S3Store) Bucket() string { return s.bucket }

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, ObjectInfo, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, ObjectInfo{}, classifyS3("get", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, ObjectInfo{}, newError("get", key, KindTransient, fmt.Errorf("read body: %w", err))
	}
	return data, ObjectInfo{
		Key:          key,
		Size:         int64(len(data)),
		ContentType:  aws.ToString(out.ContentType),
		LastModified: aws.ToTime(out.LastModified).UTC(),
		ETag:         aws.ToString(out.ETag),
	}, nil
}

func (s *S3Store) Head(ctx context.Context, key string) (ObjectInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return ObjectInfo{}, classifyS3("head", key, err)
	}
	return ObjectInfo{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		ContentType:  aws.ToString(out.ContentType),
		LastModified: aws.ToTime(out.LastModified).UTC(),
		ETag:         aws.ToString(out.ETag),
	}, nil
}

func (s *S3Store) Put(ctx context.Context, key string, data []byte, opts PutOptions) (string, error) {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	if opts.IfMatch != "" {
		input.IfMatch = aws.String(opts.IfMatch)
	}
	if opts.IfNoneMatch {
		input.IfNoneMatch = aws.String("*")
	}

	out, err := s.client.PutObject(ctx, input)
	if err != nil {
		return "", classifyS3("put", key, err)
	}
	return aws.ToString(out.ETag), nil
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	infos := make([]ObjectInfo, 0)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classifyS3("list", prefix, err)
		}
		for _, obj := range page.Contents {
			infos = append(infos, ObjectInfo{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified).UTC(),
				ETag:         aws.ToString(obj.ETag),
			})
		}
	}
	return infos, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		err = classifyS3("delete", key, err)
		if IsNotFound(err) {
			return nil
		}
		return err
	}
	return nil
}

// classifyS3 maps SDK errors onto Kind. HeadObject reports a missing key as
// types.NotFound, GetObject as types.NoSuchKey; S3-compatible services
// sometimes only surface the HTTP status, which is checked last.
func classifyS3(op, key string, err error) error {
	var (
		noSuchKey *s3types.NoSuchKey
		notFound  *s3types.NotFound
		apiErr    smithy.APIError
		respErr   *awshttp.ResponseError
	)
	switch {
	case errors.As(err, &noSuchKey), errors.As(err, &notFound):
		return newError(op, key, KindNotFound, err)
	case errors.Is(err, context.DeadlineExceeded):
		return newError(op, key, KindTransient, err)
	}

	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return newError(op, key, KindNotFound, err)
		case "PreconditionFailed", "ConditionalRequestConflict":
			return newError(op, key, KindPreconditionFailed, err)
		case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable", "Throttling":
			return newError(op, key, KindTransient, err)
		}
	}

	if errors.As(err, &respErr) {
		return newError(op, key, kindForStatus(respErr.HTTPStatusCode()), err)
	}
	return newError(op, key, KindPermanent, err)
}

func kindForStatus(status int) Kind {
	switch {
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusPreconditionFailed, status == http.StatusConflict:
		return KindPreconditionFailed
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		return KindTransient
	}
	return KindPermanent
}

var _ Store = (*S3Store)(nil)
