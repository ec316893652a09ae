package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/MeKo-Tech/tilerenderd/internal/metatile"
	"github.com/MeKo-Tech/tilerenderd/internal/renderror"
)

// expiredMetaKey is the S3 object metadata key used to mark a metatile
// dirty without deleting it; presence of the key (any value) means
// expired, mirroring the .dirty sentinel file used by FileBackend.
const expiredMetaKey = "tilerenderd-expired"

// S3Backend stores metatiles as individual S3 objects under the same
// directory-hash key layout as FileBackend, so a bucket can be browsed
// with any S3-compatible tool and still line up with render_list output.
type S3Backend struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Backend builds a backend from a "s3://bucket/prefix" URI. AWS
// credentials and region come from the default credential chain
// (environment, shared config, instance role), the same resolution the
// AWS SDK uses for every other tool built against it. An "?endpoint="
// query parameter points the client at an S3-compatible store (MinIO,
// a CDN-fronted object store) instead of AWS. Whenever both
// S3_ACCESS_KEY_ID and S3_SECRET_ACCESS_KEY are set, they are used as
// static credentials instead of the default chain, since self-hosted
// stores rarely have an instance role to fall back to.
func NewS3Backend(u *url.URL) (*S3Backend, error) {
	ctx := context.Background()
	opts := []func(*config.LoadOptions) error{}

	if key, secret := os.Getenv("S3_ACCESS_KEY_ID"), os.Getenv("S3_SECRET_ACCESS_KEY"); key != "" && secret != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(key, secret, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, renderror.New(renderror.KindConfig, "storage.s3.New", fmt.Errorf("loading AWS config: %w", err))
	}

	endpoint := u.Query().Get("endpoint")
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Backend{
		client: client,
		bucket: u.Host,
		prefix: strings.Trim(u.Path, "/"),
	}, nil
}

func (b *S3Backend) ID() string { return "s3:" + b.bucket + "/" + b.prefix }

func (b *S3Backend) Close() error { return nil }

func (b *S3Backend) key(style, options string, x, y, z uint32) string {
	p := metatile.Path("", style, options, x, y, z)
	p = strings.TrimPrefix(p, "/")
	if b.prefix == "" {
		return p
	}
	return b.prefix + "/" + p
}

func isNotFound(err error) bool {
	var nf *types.NoSuchKey
	if errors.As(err, &nf) {
		return true
	}
	var rerr *smithyhttp.ResponseError
	if errors.As(err, &rerr) {
		return rerr.HTTPStatusCode() == 404
	}
	return false
}

func (b *S3Backend) Stat(ctx context.Context, style, options string, x, y, z uint32) (StatResult, error) {
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(style, options, x, y, z)),
	})
	if isNotFound(err) {
		return StatResult{}, nil
	}
	if err != nil {
		return StatResult{}, renderror.New(renderror.KindTransientStorage, "storage.s3.Stat", err)
	}

	_, expired := out.Metadata[expiredMetaKey]
	var modTime time.Time
	if out.LastModified != nil {
		modTime = *out.LastModified
	}
	var size int64
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return StatResult{Exists: true, Expired: expired, ModTime: modTime, Size: size}, nil
}

func (b *S3Backend) Read(ctx context.Context, style, options string, x, y, z uint32) ([]byte, StatResult, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(style, options, x, y, z)),
	})
	if isNotFound(err) {
		return nil, StatResult{}, nil
	}
	if err != nil {
		return nil, StatResult{}, renderror.New(renderror.KindTransientStorage, "storage.s3.Read", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, StatResult{}, renderror.New(renderror.KindTransientStorage, "storage.s3.Read", err)
	}

	_, expired := out.Metadata[expiredMetaKey]
	var modTime time.Time
	if out.LastModified != nil {
		modTime = *out.LastModified
	}
	return data, StatResult{Exists: true, Expired: expired, ModTime: modTime, Size: int64(len(data))}, nil
}

func (b *S3Backend) WriteMetatile(ctx context.Context, style, options string, x, y, z uint32, data []byte) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(b.key(style, options, x, y, z)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/x-metatile"),
	})
	if err != nil {
		return renderror.New(renderror.KindTransientStorage, "storage.s3.WriteMetatile", err)
	}
	return nil
}

func (b *S3Backend) DeleteMetatile(ctx context.Context, style, options string, x, y, z uint32) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(style, options, x, y, z)),
	})
	if err != nil {
		return renderror.New(renderror.KindTransientStorage, "storage.s3.DeleteMetatile", err)
	}
	return nil
}

// ExpireMetatile marks the object dirty by copying it onto itself with
// added metadata, since S3 objects otherwise carry no mutable flag
// field. This avoids a read-modify-write of the payload.
func (b *S3Backend) ExpireMetatile(ctx context.Context, style, options string, x, y, z uint32) error {
	key := b.key(style, options, x, y, z)
	source := b.bucket + "/" + key

	_, err := b.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:            aws.String(b.bucket),
		Key:               aws.String(key),
		CopySource:        aws.String(source),
		Metadata:          map[string]string{expiredMetaKey: "1"},
		MetadataDirective: types.MetadataDirectiveReplace,
	})
	if isNotFound(err) {
		return nil // nothing to mark stale
	}
	if err != nil {
		return renderror.New(renderror.KindTransientStorage, "storage.s3.ExpireMetatile", err)
	}
	return nil
}
