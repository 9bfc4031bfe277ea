package store

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/fpang/capture-review/internal/capture"
)

// Object metadata keys. S3 lower-cases user metadata keys.
const (
	metaPending = "pending"
	metaAdded   = "added-at"

	// DefaultS3Prefix is where media objects live in the bucket.
	DefaultS3Prefix = "media/"

	// headConcurrency bounds parallel HeadObject calls during List.
	headConcurrency = 8
)

// S3API is the subset of *s3.Client used by S3Store.
type S3API interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

var _ S3API = (*s3.Client)(nil)

// S3Store keeps one object per media item at <prefix><id>. The pending
// flag is the "pending" user metadata value; Content-Type carries the MIME
// type. It is pull-only: wrap it in a Poller.
type S3Store struct {
	client S3API
	bucket string
	prefix string
}

var _ Source = (*S3Store)(nil)

// NewS3Store creates an S3Store. An empty prefix uses DefaultS3Prefix.
func NewS3Store(client S3API, bucket, prefix string) *S3Store {
	if prefix == "" {
		prefix = DefaultS3Prefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &S3Store{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3Store) objectKey(id int64) string {
	return s.prefix + idKey(id)
}

// isNotFound reports whether err is S3's answer for a missing key.
func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *s3types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NotFound" || apiErr.ErrorCode() == "NoSuchKey")
}

func (s *S3Store) head(ctx context.Context, id int64) (Media, bool, error) {
	objKey := s.objectKey(id)
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &s.bucket, Key: &objKey})
	if err != nil {
		if isNotFound(err) {
			return Media{}, false, nil
		}
		return Media{}, false, fmt.Errorf("HeadObject %s: %w", objKey, err)
	}
	m := Media{
		ID:      id,
		Ref:     capture.FileRef(id),
		Pending: out.Metadata[metaPending] == "true",
	}
	if out.ContentType != nil {
		m.MimeType = *out.ContentType
	}
	if v, err := strconv.ParseInt(out.Metadata[metaAdded], 10, 64); err == nil {
		m.AddedAt = v
	} else if out.LastModified != nil {
		m.AddedAt = out.LastModified.UnixMilli()
	}
	return m, true, nil
}

// Pending implements Source.
func (s *S3Store) Pending(ctx context.Context, ref capture.Ref) (pending, found bool, err error) {
	id, ok := ref.ID()
	if !ok {
		return false, false, nil
	}
	m, found, err := s.head(ctx, id)
	return m.Pending, found, err
}

// List heads every object under the prefix, newest first.
func (s *S3Store) List(ctx context.Context) ([]Media, error) {
	var ids []int64
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: &s.bucket,
		Prefix: &s.prefix,
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("ListObjectsV2 %s/%s: %w", s.bucket, s.prefix, err)
		}
		for _, obj := range page.Contents {
			id, err := strconv.ParseInt(path.Base(aws.ToString(obj.Key)), 10, 64)
			if err != nil {
				continue
			}
			ids = append(ids, id)
		}
	}

	var mu sync.Mutex
	out := make([]Media, 0, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(headConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			m, found, err := s.head(gctx, id)
			if err != nil || !found {
				// Deleted between list and head.
				return err
			}
			mu.Lock()
			out = append(out, m)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sortMedia(out)
	return out, nil
}

func (s *S3Store) metadata(m Media) map[string]string {
	return map[string]string{
		metaPending: strconv.FormatBool(m.Pending),
		metaAdded:   strconv.FormatInt(m.AddedAt, 10),
	}
}

// Put writes an empty object for m.
func (s *S3Store) Put(ctx context.Context, m Media) error {
	if m.AddedAt == 0 {
		m.AddedAt = time.Now().UnixMilli()
	}
	objKey := s.objectKey(m.ID)
	in := &s3.PutObjectInput{
		Bucket:   &s.bucket,
		Key:      &objKey,
		Body:     strings.NewReader(""),
		Metadata: s.metadata(m),
	}
	if m.MimeType != "" {
		in.ContentType = aws.String(m.MimeType)
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return fmt.Errorf("PutObject %s: %w", objKey, err)
	}
	log.Debug().Str("key", objKey).Bool("pending", m.Pending).Msg("Media object written")
	return nil
}

// SetPending rewrites the object's metadata in place.
func (s *S3Store) SetPending(ctx context.Context, id int64, pending bool) error {
	m, found, err := s.head(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("media %d: %w", id, ErrNotFound)
	}
	m.Pending = pending
	objKey := s.objectKey(id)
	in := &s3.CopyObjectInput{
		Bucket:            &s.bucket,
		Key:               &objKey,
		CopySource:        aws.String(s.bucket + "/" + objKey),
		Metadata:          s.metadata(m),
		MetadataDirective: s3types.MetadataDirectiveReplace,
	}
	if m.MimeType != "" {
		in.ContentType = aws.String(m.MimeType)
	}
	if _, err := s.client.CopyObject(ctx, in); err != nil {
		return fmt.Errorf("CopyObject %s: %w", objKey, err)
	}
	log.Debug().Str("key", objKey).Bool("pending", pending).Msg("Media pending flag updated")
	return nil
}

// Delete removes id's object.
func (s *S3Store) Delete(ctx context.Context, id int64) error {
	if _, found, err := s.head(ctx, id); err != nil {
		return err
	} else if !found {
		return fmt.Errorf("media %d: %w", id, ErrNotFound)
	}
	objKey := s.objectKey(id)
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &s.bucket, Key: &objKey}); err != nil {
		return fmt.Errorf("DeleteObject %s: %w", objKey, err)
	}
	return nil
}
