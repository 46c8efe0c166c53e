package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"github.com/ivlev/reelforge/internal/encoder"
)

const s3Timeout = 2 * time.Minute

// S3Config points the gateway at an S3-compatible bucket.
type S3Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
}

// S3Store uploads recordings with the same layout as FileStore, keyed by
// <Prefix>/<id>/.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
	now    func() time.Time
	log    *slog.Logger
}

var _ Library = (*S3Store)(nil)

func NewS3Store(cfg S3Config, log *slog.Logger) (*S3Store, error) {
	if cfg.Bucket == "" || cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, errors.New("storage: s3 bucket and credentials are required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if log == nil {
		log = slog.Default()
	}
	opts := s3.Options{
		Region: cfg.Region,
		Credentials: aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, "")),
		RetryMode:                  aws.RetryModeStandard,
		RetryMaxAttempts:           3,
		RequestChecksumCalculation: aws.RequestChecksumCalculationWhenRequired,
		ResponseChecksumValidation: aws.ResponseChecksumValidationWhenRequired,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
		opts.UsePathStyle = true
	}
	return &S3Store{
		client: s3.New(opts),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		now:    time.Now,
		log:    log,
	}, nil
}

func (s *S3Store) key(id ID, name string) string {
	return path.Join(s.prefix, string(id), name)
}

func (s *S3Store) put(ctx context.Context, key, contentType string, body []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("download %s: %w", key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// Save uploads the video, the thumbnail and finally the sidecar. Objects
// already uploaded are removed when a later step fails.
func (s *S3Store) Save(ctx context.Context, rec Record) (ID, error) {
	if err := validate(rec); err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, s3Timeout)
	defer cancel()

	id := ID(uuid.NewString())
	entry := newEntry(id, rec, s.now())
	var uploaded []string
	fail := func(err error) (ID, error) {
		s.remove(context.WithoutCancel(ctx), uploaded)
		return "", err
	}

	videoKey := s.key(id, entry.Video)
	if err := s.put(ctx, videoKey, entry.MimeType, rec.Blob.Bytes()); err != nil {
		return fail(err)
	}
	uploaded = append(uploaded, videoKey)

	if rec.Thumbnail != nil {
		data, err := encodeThumbnail(rec.Thumbnail)
		if err != nil {
			return fail(err)
		}
		k := s.key(id, thumbFile)
		if err := s.put(ctx, k, "image/jpeg", data); err != nil {
			return fail(err)
		}
		uploaded = append(uploaded, k)
	}

	meta, err := entry.marshal()
	if err != nil {
		return fail(err)
	}
	if err := s.put(ctx, s.key(id, metaFile), "application/yaml", meta); err != nil {
		return fail(err)
	}
	s.log.Info("recording uploaded", "id", id, "bucket", s.bucket, "bytes", entry.Size)
	return id, nil
}

func (s *S3Store) Get(ctx context.Context, id ID) (*Entry, *encoder.Blob, error) {
	if !validID(id) {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	meta, err := s.get(ctx, s.key(id, metaFile))
	if err != nil {
		return nil, nil, err
	}
	e, err := unmarshalEntry(meta)
	if err != nil {
		return nil, nil, err
	}
	data, err := s.get(ctx, s.key(id, e.Video))
	if err != nil {
		return nil, nil, err
	}
	blob := encoder.NewBlob(e.MimeType, data)
	blob.Width, blob.Height, blob.FPS = e.Width, e.Height, e.FPS
	return e, blob, nil
}

// List reads every sidecar under the prefix, newest first. Sidecars that do
// not parse are skipped like half-written directories in FileStore.
func (s *S3Store) List(ctx context.Context) ([]*Entry, error) {
	prefix := s.prefix
	if prefix != "" {
		prefix += "/"
	}
	pages := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	var out []*Entry
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", s.bucket, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if path.Base(key) != metaFile {
				continue
			}
			data, err := s.get(ctx, key)
			if err != nil {
				return nil, err
			}
			e, err := unmarshalEntry(data)
			if err != nil {
				s.log.Debug("skipping unreadable recording", "key", key, "error", err)
				continue
			}
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Delete removes the sidecar first so a partial delete never lists.
func (s *S3Store) Delete(ctx context.Context, id ID) error {
	if !validID(id) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	meta, err := s.get(ctx, s.key(id, metaFile))
	if err != nil {
		return err
	}
	e, err := unmarshalEntry(meta)
	if err != nil {
		return err
	}
	keys := []string{s.key(id, metaFile), s.key(id, e.Video)}
	if e.Thumbnail != "" {
		keys = append(keys, s.key(id, e.Thumbnail))
	}
	return s.remove(ctx, keys)
}

func (s *S3Store) remove(ctx context.Context, keys []string) error {
	var errs []error
	for _, k := range keys {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(k),
		})
		if err != nil {
			s.log.Warn("delete object failed", "key", k, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
