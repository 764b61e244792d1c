package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"golang.org/x/sync/errgroup"
)

// s3ReadConcurrency bounds parallel ranged GETs per ReadRanges call.
const s3ReadConcurrency = 8

// s3DownloaderThreshold is the range size from which a read goes through
// the transfer manager (parallel part downloads) instead of one GET.
const s3DownloaderThreshold = 8 << 20

// S3Store serves files from an S3 bucket via ranged GETs.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Store creates a store over the given bucket. rootPrefix is prepended
// to all file names (e.g. "warehouse/db1/").
func NewS3Store(client *s3.Client, bucket, rootPrefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: rootPrefix}
}

// NewS3StoreFromEnv builds the client from the default AWS config chain.
func NewS3StoreFromEnv(ctx context.Context, bucket, rootPrefix string) (*S3Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("source: loading aws config: %w", err)
	}
	return NewS3Store(s3.NewFromConfig(cfg), bucket, rootPrefix), nil
}

// Open implements Store. It resolves the object size up front so range
// validation does not need a round trip per read.
func (s *S3Store) Open(ctx context.Context, name string) (Reader, error) {
	key := path.Join(s.prefix, name)

	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return &s3Reader{
		client:     s.client,
		downloader: manager.NewDownloader(s.client),
		bucket:     s.bucket,
		key:        key,
		size:       aws.ToInt64(head.ContentLength),
	}, nil
}

type s3Reader struct {
	client     *s3.Client
	downloader *manager.Downloader
	bucket     string
	key        string
	size       int64
}

// ReadRanges implements Reader, fetching the ranges in parallel.
func (r *s3Reader) ReadRanges(ctx context.Context, ranges []Range) ([][]byte, error) {
	if err := validateRanges(ranges, r.size); err != nil {
		return nil, err
	}

	out := make([][]byte, len(ranges))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s3ReadConcurrency)
	for i, rg := range ranges {
		g.Go(func() error {
			b, err := r.readRange(gctx, rg)
			if err != nil {
				return err
			}
			out[i] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *s3Reader) readRange(ctx context.Context, rg Range) ([]byte, error) {
	// RFC 7233 byte ranges are inclusive.
	rangeHeader := fmt.Sprintf("bytes=%d-%d", rg.Offset, rg.End-1)

	if rg.Len() >= s3DownloaderThreshold {
		buf := manager.NewWriteAtBuffer(make([]byte, 0, rg.Len()))
		_, err := r.downloader.Download(ctx, buf, &s3.GetObjectInput{
			Bucket: aws.String(r.bucket),
			Key:    aws.String(r.key),
			Range:  aws.String(rangeHeader),
		})
		if err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	resp, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(r.key),
		Range:  aws.String(rangeHeader),
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	b := make([]byte, rg.Len())
	if _, err := io.ReadFull(resp.Body, b); err != nil {
		return nil, fmt.Errorf("source: short read of %s %v: %w", r.key, rg, err)
	}
	return b, nil
}

// ReleaseBuffer implements Reader; S3 reads own their copies.
func (r *s3Reader) ReleaseBuffer([]byte) {}

// Size implements Reader.
func (r *s3Reader) Size() int64 { return r.size }

// Close implements Reader.
func (r *s3Reader) Close() error { return nil }
