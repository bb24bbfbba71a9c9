// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
	"time"

	"github.com/LeeDigitalWorks/zapoffload/pkg/types"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

const (
	// s3PartSize is the multipart part size; objects up to this size go in one PutObject
	s3PartSize = 8 << 20

	defaultS3Region = "us-east-1"
)

func init() {
	Register(types.KindAWSS3, NewS3)
	Register(types.KindS3Compatible, NewS3)
}

// S3 implements Connection for Amazon S3 and S3-compatible stores
type S3 struct {
	kind    types.BackendKind
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
}

// NewS3 creates an S3 connection. S3-compatible stores need an endpoint and
// are addressed path-style; Secure selects the scheme when the endpoint has none.
func NewS3(cfg types.ConnectionConfig) (types.Connection, error) {
	var missing []string
	if cfg.Kind == types.KindS3Compatible && cfg.Endpoint == "" {
		missing = append(missing, "Endpoint")
	}
	if cfg.Bucket == "" {
		missing = append(missing, "Bucket Name")
	}
	if cfg.AccessKey == "" {
		missing = append(missing, "Access Key")
	}
	if cfg.SecretKey == "" {
		missing = append(missing, "Secret Key")
	}
	if err := types.MissingFields("s3.New", missing); err != nil {
		return nil, err
	}

	region := cfg.Region
	if region == "" || region == "auto" && cfg.Kind == types.KindAWSS3 {
		region = defaultS3Region
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, types.NewError(types.KindConfigInvalid, "s3.New", "load AWS config", err)
	}

	// Build S3 client options
	s3Opts := []func(*s3.Options){}
	if endpoint := s3Endpoint(cfg); endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(awsCfg, s3Opts...)
	return &S3{
		kind:    cfg.Kind,
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
	}, nil
}

func s3Endpoint(cfg types.ConnectionConfig) string {
	if cfg.Endpoint == "" {
		return ""
	}
	if strings.Contains(cfg.Endpoint, "://") {
		return cfg.Endpoint
	}
	if cfg.Secure {
		return "https://" + cfg.Endpoint
	}
	return "http://" + cfg.Endpoint
}

func (s *S3) Kind() types.BackendKind {
	return s.kind
}

func (s *S3) Stat(ctx context.Context, key string) (types.ObjectInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return types.ObjectInfo{}, classifyS3("s3.Stat", key, err)
	}
	return types.ObjectInfo{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		ETag:         strings.Trim(aws.ToString(out.ETag), `"`),
		Modified:     aws.ToTime(out.LastModified),
		StorageClass: string(out.StorageClass),
	}, nil
}

func (s *S3) GetRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	var rangeHeader *string
	if offset > 0 || length > 0 {
		if length > 0 {
			rangeHeader = aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
		} else {
			rangeHeader = aws.String(fmt.Sprintf("bytes=%d-", offset))
		}
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Range:  rangeHeader,
	})
	if err != nil {
		// a range starting at or past the end of the object reads as empty
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidRange" {
			return io.NopCloser(bytes.NewReader(nil)), nil
		}
		return nil, classifyS3("s3.GetRange", key, err)
	}
	return out.Body, nil
}

func (s *S3) Put(ctx context.Context, key string, data io.Reader, size int64, contentType string) (string, error) {
	if size >= 0 && size <= s3PartSize {
		buf, err := io.ReadAll(io.LimitReader(data, size+1))
		if err != nil {
			return "", types.NewError(types.KindTransient, "s3.Put", "read data", err)
		}
		if int64(len(buf)) != size {
			return "", &types.Error{Kind: types.KindUploadFailed, Op: "s3.Put", Key: key,
				Msg: fmt.Sprintf("body length %d does not match size %d", len(buf), size)}
		}
		return key, s.putSingle(ctx, key, buf, contentType)
	}

	// Unknown or large size: read the first part to decide
	first := make([]byte, s3PartSize)
	n, err := io.ReadFull(data, first)
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return key, s.putSingle(ctx, key, first[:n], contentType)
	}
	if err != nil {
		return "", types.NewError(types.KindTransient, "s3.Put", "read data", err)
	}
	return key, s.putMultipart(ctx, key, first, data, contentType)
}

func (s *S3) putSingle(ctx context.Context, key string, buf []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(buf),
		ContentLength: aws.Int64(int64(len(buf))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return classifyS3("s3.Put", key, err)
	}
	return nil
}

func (s *S3) putMultipart(ctx context.Context, key string, first []byte, rest io.Reader, contentType string) (err error) {
	created, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return classifyS3("s3.Put", key, err)
	}
	uploadID := created.UploadId

	defer func() {
		if err != nil {
			s.client.AbortMultipartUpload(context.WithoutCancel(ctx), &s3.AbortMultipartUploadInput{
				Bucket:   aws.String(s.bucket),
				Key:      aws.String(key),
				UploadId: uploadID,
			})
		}
	}()

	var parts []s3types.CompletedPart
	buf := first
	n := len(first)
	for partNumber := int32(1); n > 0; partNumber++ {
		out, upErr := s.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(key),
			UploadId:      uploadID,
			PartNumber:    aws.Int32(partNumber),
			Body:          bytes.NewReader(buf[:n]),
			ContentLength: aws.Int64(int64(n)),
		})
		if upErr != nil {
			return classifyS3("s3.Put", key, upErr)
		}
		parts = append(parts, s3types.CompletedPart{
			ETag:       out.ETag,
			PartNumber: aws.Int32(partNumber),
		})

		var readErr error
		n, readErr = io.ReadFull(rest, buf)
		if readErr != nil && !errors.Is(readErr, io.EOF) && !errors.Is(readErr, io.ErrUnexpectedEOF) {
			return types.NewError(types.KindTransient, "s3.Put", "read data", readErr)
		}
	}

	_, err = s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		UploadId:        uploadID,
		MultipartUpload: &s3types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		return classifyS3("s3.Put", key, err)
	}
	return nil
}

func (s *S3) Remove(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return classifyS3("s3.Remove", key, err)
	}
	return nil
}

// List walks the bucket page by page. S3 has a flat keyspace, so recursive
// and non-recursive listings are the same.
func (s *S3) List(ctx context.Context, container string, recursive bool) iter.Seq2[types.ObjectInfo, error] {
	if container == "" {
		container = s.bucket
	}
	return func(yield func(types.ObjectInfo, error) bool) {
		pager := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
			Bucket: aws.String(container),
		})
		for pager.HasMorePages() {
			page, err := pager.NextPage(ctx)
			if err != nil {
				yield(types.ObjectInfo{}, classifyS3("s3.List", container, err))
				return
			}
			for _, obj := range page.Contents {
				info := types.ObjectInfo{
					Key:          aws.ToString(obj.Key),
					Size:         aws.ToInt64(obj.Size),
					ETag:         strings.Trim(aws.ToString(obj.ETag), `"`),
					Modified:     aws.ToTime(obj.LastModified),
					StorageClass: string(obj.StorageClass),
				}
				if !yield(info, nil) {
					return
				}
			}
		}
	}
}

func (s *S3) Presign(ctx context.Context, key string, ttl time.Duration) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", classifyS3("s3.Presign", key, err)
	}
	return req.URL, nil
}

func (s *S3) ValidateContainer(ctx context.Context, container string) (bool, error) {
	if container == "" {
		container = s.bucket
	}
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(container),
	})
	if err != nil {
		return false, classifyS3("s3.ValidateContainer", container, err)
	}
	return true, nil
}

func (s *S3) Close() error {
	return nil
}

// classifyS3 maps an SDK error onto the shared error taxonomy
func classifyS3(op, key string, err error) error {
	kind := types.KindBackendUnavailable

	var (
		noSuchKey    *s3types.NoSuchKey
		notFound     *s3types.NotFound
		noSuchBucket *s3types.NoSuchBucket
		apiErr       smithy.APIError
		respErr      *awshttp.ResponseError
	)
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		kind = types.KindTransient
	case errors.As(err, &noSuchKey), errors.As(err, &notFound), errors.As(err, &noSuchBucket):
		kind = types.KindNotFound
	case errors.As(err, &apiErr) && s3CodeKind(apiErr.ErrorCode()) != "":
		kind = s3CodeKind(apiErr.ErrorCode())
	case errors.As(err, &respErr):
		kind = KindForStatus(respErr.HTTPStatusCode())
	}

	return &types.Error{Kind: kind, Op: op, Key: key, Err: err}
}

func s3CodeKind(code string) types.ErrorKind {
	switch code {
	case "NoSuchKey", "NotFound", "NoSuchBucket":
		return types.KindNotFound
	case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch", "AllAccessDisabled":
		return types.KindPermissionDenied
	case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable", "Throttling", "RequestTimeTooSkewed":
		return types.KindTransient
	}
	return ""
}
