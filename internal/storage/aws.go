package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3API is the slice of the AWS S3 client this gateway calls. Tests
// substitute a fake.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	UploadPartCopy(ctx context.Context, params *s3.UploadPartCopyInput, optFns ...func(*s3.Options)) (*s3.UploadPartCopyOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Gateway proxies payloads to one upstream S3 bucket. Local buckets
// become key prefixes:
//
//	objects: {prefix}{bucket}/{key}
//	parts:   {prefix}.parts/{uploadID}/{partNumber}
//
// ETags are computed locally so upstream server-side encryption cannot
// change what clients see.
type S3Gateway struct {
	upstream string
	prefix   string
	client   S3API
}

// S3GatewayOptions configures NewS3Gateway. Bucket and Region are
// required; static credentials are optional and fall back to the SDK's
// default chain.
type S3GatewayOptions struct {
	Bucket      string
	Region      string
	Prefix      string
	EndpointURL string
	PathStyle   bool
	AccessKey   string
	SecretKey   string
}

// NewS3Gateway builds the client and verifies the upstream bucket
// responds before returning.
func NewS3Gateway(ctx context.Context, opts S3GatewayOptions) (*S3Gateway, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(opts.Region)}
	if opts.AccessKey != "" && opts.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.EndpointURL != "" {
			o.BaseEndpoint = aws.String(opts.EndpointURL)
		}
		o.UsePathStyle = opts.PathStyle
	})

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(opts.Bucket)}); err != nil {
		return nil, fmt.Errorf("upstream S3 bucket %q unreachable: %w", opts.Bucket, err)
	}

	slog.Info("s3 gateway ready", "bucket", opts.Bucket, "region", opts.Region, "prefix", opts.Prefix)
	return &S3Gateway{upstream: opts.Bucket, prefix: opts.Prefix, client: client}, nil
}

// NewS3GatewayWithClient wires a pre-built client, for tests.
func NewS3GatewayWithClient(bucket, prefix string, client S3API) *S3Gateway {
	return &S3Gateway{upstream: bucket, prefix: prefix, client: client}
}

func (g *S3Gateway) objectKey(bucket, key string) string {
	return g.prefix + bucket + "/" + key
}

func (g *S3Gateway) stagedPartKey(uploadID string, partNumber int) string {
	return fmt.Sprintf("%s.parts/%s/%d", g.prefix, uploadID, partNumber)
}

// upload buffers the reader, hashes it, and PUTs it upstream under the
// given upstream key. Returns byte count and quoted local MD5 ETag.
func (g *S3Gateway) upload(ctx context.Context, upstreamKey string, reader io.Reader) (int64, string, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return 0, "", fmt.Errorf("reading payload: %w", err)
	}
	sum := md5.Sum(data)

	_, err = g.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(g.upstream),
		Key:           aws.String(upstreamKey),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return 0, "", fmt.Errorf("uploading %q: %w", upstreamKey, err)
	}
	return int64(len(data)), fmt.Sprintf(`"%x"`, sum[:]), nil
}

func (g *S3Gateway) PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64) (int64, string, error) {
	return g.upload(ctx, g.objectKey(bucket, key), reader)
}

func (g *S3Gateway) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, int64, string, error) {
	resp, err := g.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(g.upstream),
		Key:    aws.String(g.objectKey(bucket, key)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, 0, "", fmt.Errorf("%s/%s: %w", bucket, key, ErrNotFound)
		}
		return nil, 0, "", fmt.Errorf("fetching %s/%s: %w", bucket, key, err)
	}
	return resp.Body, aws.ToInt64(resp.ContentLength), "", nil
}

func (g *S3Gateway) DeleteObject(ctx context.Context, bucket, key string) error {
	_, err := g.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(g.upstream),
		Key:    aws.String(g.objectKey(bucket, key)),
	})
	if err != nil {
		return fmt.Errorf("deleting %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (g *S3Gateway) CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (string, error) {
	resp, err := g.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(g.upstream),
		Key:        aws.String(g.objectKey(dstBucket, dstKey)),
		CopySource: aws.String(g.upstream + "/" + g.objectKey(srcBucket, srcKey)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return "", fmt.Errorf("%s/%s: %w", srcBucket, srcKey, ErrNotFound)
		}
		return "", fmt.Errorf("copying %s/%s: %w", srcBucket, srcKey, err)
	}
	var etag string
	if resp.CopyObjectResult != nil {
		etag = strings.Trim(aws.ToString(resp.CopyObjectResult.ETag), `"`)
	}
	return `"` + etag + `"`, nil
}

func (g *S3Gateway) PutPart(ctx context.Context, bucket, key, uploadID string, partNumber int, reader io.Reader, size int64) (string, error) {
	_, etag, err := g.upload(ctx, g.stagedPartKey(uploadID, partNumber), reader)
	return etag, err
}

// AssembleParts stitches staged parts into the final object using a
// native upstream multipart upload with UploadPartCopy, so part bytes
// never round-trip through this process. A part below the upstream
// minimum copy size trips EntityTooSmall; that part is downloaded and
// re-uploaded instead. A single part skips multipart entirely. The
// upstream's ETags are its own business; the caller computes the one
// clients see from the staged part ETags.
func (g *S3Gateway) AssembleParts(ctx context.Context, bucket, key, uploadID string, partNumbers []int) error {
	finalKey := g.objectKey(bucket, key)

	if len(partNumbers) == 1 {
		_, err := g.client.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:     aws.String(g.upstream),
			Key:        aws.String(finalKey),
			CopySource: aws.String(g.upstream + "/" + g.stagedPartKey(uploadID, partNumbers[0])),
		})
		if err != nil {
			return fmt.Errorf("promoting single part: %w", err)
		}
		return nil
	}

	created, err := g.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(g.upstream),
		Key:    aws.String(finalKey),
	})
	if err != nil {
		return fmt.Errorf("starting upstream multipart upload: %w", err)
	}
	upstreamID := aws.ToString(created.UploadId)

	abort := func() {
		_, err := g.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(g.upstream),
			Key:      aws.String(finalKey),
			UploadId: aws.String(upstreamID),
		})
		if err != nil {
			slog.Warn("abandoning upstream multipart upload failed", "upload_id", upstreamID, "error", err)
		}
	}

	var completed []s3types.CompletedPart
	for idx, pn := range partNumbers {
		upstreamPart := int32(idx + 1)
		source := g.upstream + "/" + g.stagedPartKey(uploadID, pn)

		var partETag string
		copied, err := g.client.UploadPartCopy(ctx, &s3.UploadPartCopyInput{
			Bucket:     aws.String(g.upstream),
			Key:        aws.String(finalKey),
			UploadId:   aws.String(upstreamID),
			PartNumber: aws.Int32(upstreamPart),
			CopySource: aws.String(source),
		})
		switch {
		case err == nil:
			if copied.CopyPartResult != nil {
				partETag = aws.ToString(copied.CopyPartResult.ETag)
			}
		case isS3EntityTooSmall(err):
			partETag, err = g.reuploadPart(ctx, uploadID, pn, finalKey, upstreamID, upstreamPart)
			if err != nil {
				abort()
				return err
			}
		default:
			abort()
			return fmt.Errorf("copying part %d: %w", pn, err)
		}

		completed = append(completed, s3types.CompletedPart{
			ETag:       aws.String(partETag),
			PartNumber: aws.Int32(upstreamPart),
		})
	}

	_, err = g.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(g.upstream),
		Key:             aws.String(finalKey),
		UploadId:        aws.String(upstreamID),
		MultipartUpload: &s3types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		abort()
		return fmt.Errorf("completing upstream multipart upload: %w", err)
	}
	return nil
}

// reuploadPart is the EntityTooSmall fallback: download the staged part
// and push it through UploadPart.
func (g *S3Gateway) reuploadPart(ctx context.Context, uploadID string, pn int, finalKey, upstreamID string, upstreamPart int32) (string, error) {
	resp, err := g.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(g.upstream),
		Key:    aws.String(g.stagedPartKey(uploadID, pn)),
	})
	if err != nil {
		return "", fmt.Errorf("downloading part %d for re-upload: %w", pn, err)
	}
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return "", fmt.Errorf("reading part %d: %w", pn, err)
	}

	up, err := g.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(g.upstream),
		Key:        aws.String(finalKey),
		UploadId:   aws.String(upstreamID),
		PartNumber: aws.Int32(upstreamPart),
		Body:       bytes.NewReader(data),
	})
	if err != nil {
		return "", fmt.Errorf("re-uploading part %d: %w", pn, err)
	}
	return aws.ToString(up.ETag), nil
}

func (g *S3Gateway) DeleteParts(ctx context.Context, bucket, key, uploadID string) error {
	prefix := g.prefix + ".parts/" + uploadID + "/"
	for {
		listed, err := g.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket: aws.String(g.upstream),
			Prefix: aws.String(prefix),
		})
		if err != nil {
			return fmt.Errorf("listing parts of upload %s: %w", uploadID, err)
		}
		if len(listed.Contents) == 0 {
			return nil
		}

		ids := make([]s3types.ObjectIdentifier, 0, len(listed.Contents))
		for _, obj := range listed.Contents {
			ids = append(ids, s3types.ObjectIdentifier{Key: obj.Key})
		}
		_, err = g.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(g.upstream),
			Delete: &s3types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("deleting parts of upload %s: %w", uploadID, err)
		}
		if !aws.ToBool(listed.IsTruncated) {
			return nil
		}
	}
}

// Local buckets are prefixes upstream, so there is nothing to provision.
func (g *S3Gateway) CreateBucket(ctx context.Context, bucket string) error { return nil }
func (g *S3Gateway) DeleteBucket(ctx context.Context, bucket string) error { return nil }

func (g *S3Gateway) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := g.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(g.upstream),
		Key:    aws.String(g.objectKey(bucket, key)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("checking %s/%s: %w", bucket, key, err)
	}
	return true, nil
}

func (g *S3Gateway) HealthCheck(ctx context.Context) error {
	_, err := g.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(g.upstream)})
	return err
}

func isS3NotFound(err error) bool {
	var noSuchKey *s3types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NoSuchBucket", "NotFound", "404":
			return true
		}
	}
	var httpErr interface{ HTTPStatusCode() int }
	return errors.As(err, &httpErr) && httpErr.HTTPStatusCode() == 404
}

func isS3EntityTooSmall(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "EntityTooSmall"
}

var _ Backend = (*S3Gateway)(nil)
