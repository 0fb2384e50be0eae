package storage

import (
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"log/slog"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCS Compose accepts at most this many sources per call.
const maxComposeSources = 32

// GCSAPI is the slice of the Cloud Storage client the gateway calls.
// Tests substitute a fake.
type GCSAPI interface {
	NewWriter(ctx context.Context, bucket, object string) io.WriteCloser
	NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error)
	Delete(ctx context.Context, bucket, object string) error
	Attrs(ctx context.Context, bucket, object string) (*GCSAttrs, error)
	Copy(ctx context.Context, bucket, srcObject, dstObject string) (*GCSAttrs, error)
	Compose(ctx context.Context, bucket, dstObject string, srcObjects []string) (*GCSAttrs, error)
	ListObjects(ctx context.Context, bucket, prefix string) ([]string, error)
}

// GCSAttrs is the subset of object attributes the gateway reads.
type GCSAttrs struct {
	Size int64
	MD5  []byte
}

type gcsClient struct {
	client *gcs.Client
}

func (c *gcsClient) NewWriter(ctx context.Context, bucket, object string) io.WriteCloser {
	return c.client.Bucket(bucket).Object(object).NewWriter(ctx)
}

func (c *gcsClient) NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	return c.client.Bucket(bucket).Object(object).NewReader(ctx)
}

func (c *gcsClient) Delete(ctx context.Context, bucket, object string) error {
	return c.client.Bucket(bucket).Object(object).Delete(ctx)
}

func (c *gcsClient) Attrs(ctx context.Context, bucket, object string) (*GCSAttrs, error) {
	attrs, err := c.client.Bucket(bucket).Object(object).Attrs(ctx)
	if err != nil {
		return nil, err
	}
	return &GCSAttrs{Size: attrs.Size, MD5: attrs.MD5}, nil
}

func (c *gcsClient) Copy(ctx context.Context, bucket, srcObject, dstObject string) (*GCSAttrs, error) {
	src := c.client.Bucket(bucket).Object(srcObject)
	dst := c.client.Bucket(bucket).Object(dstObject)
	attrs, err := dst.CopierFrom(src).Run(ctx)
	if err != nil {
		return nil, err
	}
	return &GCSAttrs{Size: attrs.Size, MD5: attrs.MD5}, nil
}

func (c *gcsClient) Compose(ctx context.Context, bucket, dstObject string, srcObjects []string) (*GCSAttrs, error) {
	srcs := make([]*gcs.ObjectHandle, len(srcObjects))
	for i, name := range srcObjects {
		srcs[i] = c.client.Bucket(bucket).Object(name)
	}
	attrs, err := c.client.Bucket(bucket).Object(dstObject).ComposerFrom(srcs...).Run(ctx)
	if err != nil {
		return nil, err
	}
	return &GCSAttrs{Size: attrs.Size, MD5: attrs.MD5}, nil
}

func (c *gcsClient) ListObjects(ctx context.Context, bucket, prefix string) ([]string, error) {
	it := c.client.Bucket(bucket).Objects(ctx, &gcs.Query{Prefix: prefix})
	var names []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return names, nil
		}
		if err != nil {
			return nil, err
		}
		names = append(names, attrs.Name)
	}
}

// GCSGateway proxies payloads to one upstream GCS bucket, with the same
// key mapping as the S3 gateway: {prefix}{bucket}/{key} for objects and
// {prefix}.parts/{uploadID}/{partNumber} for staged parts. Multipart
// assembly uses server-side Compose, chained in batches of 32 when an
// upload has more parts than one call allows.
type GCSGateway struct {
	upstream string
	prefix   string
	client   GCSAPI
}

// NewGCSGateway builds the client using Application Default Credentials,
// or the given service account file when set, and verifies the upstream
// bucket responds.
func NewGCSGateway(ctx context.Context, bucket, prefix, credentialsFile string) (*GCSGateway, error) {
	var clientOpts []option.ClientOption
	if credentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := gcs.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}

	g := &GCSGateway{upstream: bucket, prefix: prefix, client: &gcsClient{client: client}}
	if err := g.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("upstream GCS bucket %q unreachable: %w", bucket, err)
	}
	slog.Info("gcs gateway ready", "bucket", bucket, "prefix", prefix)
	return g, nil
}

// NewGCSGatewayWithClient wires a pre-built client, for tests.
func NewGCSGatewayWithClient(bucket, prefix string, client GCSAPI) *GCSGateway {
	return &GCSGateway{upstream: bucket, prefix: prefix, client: client}
}

func (g *GCSGateway) objectName(bucket, key string) string {
	return g.prefix + bucket + "/" + key
}

func (g *GCSGateway) stagedPartName(uploadID string, partNumber int) string {
	return fmt.Sprintf("%s.parts/%s/%d", g.prefix, uploadID, partNumber)
}

// upload streams the reader into an upstream object, hashing along the
// way. Returns byte count and quoted MD5 ETag.
func (g *GCSGateway) upload(ctx context.Context, name string, reader io.Reader) (int64, string, error) {
	w := g.client.NewWriter(ctx, g.upstream, name)
	h := md5.New()
	n, err := io.Copy(w, io.TeeReader(reader, h))
	if err != nil {
		w.Close()
		return 0, "", fmt.Errorf("uploading %q: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return 0, "", fmt.Errorf("finalizing upload of %q: %w", name, err)
	}
	return n, fmt.Sprintf(`"%x"`, h.Sum(nil)), nil
}

// hashRemote downloads an upstream object and returns its quoted MD5
// ETag. Used after server-side copies and composes, where the upstream
// MD5 is absent or differs from what clients expect.
func (g *GCSGateway) hashRemote(ctx context.Context, name string) (string, error) {
	r, err := g.client.NewReader(ctx, g.upstream, name)
	if err != nil {
		return "", fmt.Errorf("opening %q for hashing: %w", name, err)
	}
	defer r.Close()
	h := md5.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("hashing %q: %w", name, err)
	}
	return fmt.Sprintf(`"%x"`, h.Sum(nil)), nil
}

func (g *GCSGateway) PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64) (int64, string, error) {
	return g.upload(ctx, g.objectName(bucket, key), reader)
}

func (g *GCSGateway) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, int64, string, error) {
	name := g.objectName(bucket, key)
	attrs, err := g.client.Attrs(ctx, g.upstream, name)
	if err != nil {
		if isGCSNotFound(err) {
			return nil, 0, "", fmt.Errorf("%s/%s: %w", bucket, key, ErrNotFound)
		}
		return nil, 0, "", fmt.Errorf("reading attrs of %s/%s: %w", bucket, key, err)
	}
	r, err := g.client.NewReader(ctx, g.upstream, name)
	if err != nil {
		if isGCSNotFound(err) {
			return nil, 0, "", fmt.Errorf("%s/%s: %w", bucket, key, ErrNotFound)
		}
		return nil, 0, "", fmt.Errorf("opening %s/%s: %w", bucket, key, err)
	}
	return r, attrs.Size, "", nil
}

func (g *GCSGateway) DeleteObject(ctx context.Context, bucket, key string) error {
	// GCS errors on deleting a missing object; swallow that for
	// idempotency.
	err := g.client.Delete(ctx, g.upstream, g.objectName(bucket, key))
	if err != nil && !isGCSNotFound(err) {
		return fmt.Errorf("deleting %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (g *GCSGateway) CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (string, error) {
	dst := g.objectName(dstBucket, dstKey)
	if _, err := g.client.Copy(ctx, g.upstream, g.objectName(srcBucket, srcKey), dst); err != nil {
		if isGCSNotFound(err) {
			return "", fmt.Errorf("%s/%s: %w", srcBucket, srcKey, ErrNotFound)
		}
		return "", fmt.Errorf("copying %s/%s: %w", srcBucket, srcKey, err)
	}
	return g.hashRemote(ctx, dst)
}

func (g *GCSGateway) PutPart(ctx context.Context, bucket, key, uploadID string, partNumber int, reader io.Reader, size int64) (string, error) {
	_, etag, err := g.upload(ctx, g.stagedPartName(uploadID, partNumber), reader)
	return etag, err
}

// AssembleParts glues the staged parts with GCS compose. The caller
// computes the object's ETag from the staged part ETags; the composed
// object's own MD5 plays no role.
func (g *GCSGateway) AssembleParts(ctx context.Context, bucket, key, uploadID string, partNumbers []int) error {
	finalName := g.objectName(bucket, key)
	sources := make([]string, len(partNumbers))
	for i, pn := range partNumbers {
		sources[i] = g.stagedPartName(uploadID, pn)
	}

	if len(sources) <= maxComposeSources {
		if _, err := g.client.Compose(ctx, g.upstream, finalName, sources); err != nil {
			return fmt.Errorf("composing parts: %w", err)
		}
		return nil
	}
	intermediates, err := g.chainCompose(ctx, sources, finalName)
	for _, name := range intermediates {
		if delErr := g.client.Delete(ctx, g.upstream, name); delErr != nil && !isGCSNotFound(delErr) {
			slog.Warn("leaving intermediate compose object behind", "object", name, "error", delErr)
		}
	}
	return err
}

// chainCompose reduces >32 sources to one object by composing batches
// of 32 into intermediates, repeating until a single compose finishes
// the job. Returns the intermediate names for cleanup.
func (g *GCSGateway) chainCompose(ctx context.Context, sources []string, finalName string) ([]string, error) {
	var intermediates []string
	current := sources
	for generation := 0; len(current) > maxComposeSources; generation++ {
		var next []string
		for i := 0; i < len(current); i += maxComposeSources {
			batch := current[i:min(i+maxComposeSources, len(current))]
			if len(batch) == 1 {
				next = append(next, batch[0])
				continue
			}
			name := fmt.Sprintf("%s.__compose_tmp_%d_%d", finalName, generation, i)
			if _, err := g.client.Compose(ctx, g.upstream, name, batch); err != nil {
				return intermediates, fmt.Errorf("composing intermediate (gen %d, offset %d): %w", generation, i, err)
			}
			intermediates = append(intermediates, name)
			next = append(next, name)
		}
		current = next
	}
	if _, err := g.client.Compose(ctx, g.upstream, finalName, current); err != nil {
		return intermediates, fmt.Errorf("final compose: %w", err)
	}
	return intermediates, nil
}

func (g *GCSGateway) DeleteParts(ctx context.Context, bucket, key, uploadID string) error {
	prefix := g.prefix + ".parts/" + uploadID + "/"
	names, err := g.client.ListObjects(ctx, g.upstream, prefix)
	if err != nil {
		return fmt.Errorf("listing parts of upload %s: %w", uploadID, err)
	}
	for _, name := range names {
		if err := g.client.Delete(ctx, g.upstream, name); err != nil && !isGCSNotFound(err) {
			return fmt.Errorf("deleting part %q: %w", name, err)
		}
	}
	return nil
}

// Local buckets are prefixes upstream, so there is nothing to provision.
func (g *GCSGateway) CreateBucket(ctx context.Context, bucket string) error { return nil }
func (g *GCSGateway) DeleteBucket(ctx context.Context, bucket string) error { return nil }

func (g *GCSGateway) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := g.client.Attrs(ctx, g.upstream, g.objectName(bucket, key))
	if err != nil {
		if isGCSNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("checking %s/%s: %w", bucket, key, err)
	}
	return true, nil
}

// HealthCheck probes the upstream bucket with a list over a name that
// cannot exist.
func (g *GCSGateway) HealthCheck(ctx context.Context) error {
	_, err := g.client.ListObjects(ctx, g.upstream, "\x00probe\x00")
	return err
}

func isGCSNotFound(err error) bool {
	if errors.Is(err, gcs.ErrObjectNotExist) || errors.Is(err, gcs.ErrBucketNotExist) {
		return true
	}
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == 404
}

var _ Backend = (*GCSGateway)(nil)
