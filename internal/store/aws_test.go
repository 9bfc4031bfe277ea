package store

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/fpang/capture-review/internal/capture"
)

// fakeDynamo implements DynamoAPI over an in-memory table keyed by SK.
type fakeDynamo struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue
	gets  []*dynamodb.GetItemInput
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: make(map[string]map[string]types.AttributeValue)}
}

func skOf(key map[string]types.AttributeValue) string {
	return key["SK"].(*types.AttributeValueMemberS).Value
}

func (f *fakeDynamo) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets = append(f.gets, in)
	item, ok := f.items[skOf(in.Key)]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{"isPending": item["isPending"]}}, nil
}

func (f *fakeDynamo) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[skOf(in.Item)] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[skOf(in.Key)]
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("conditional check failed")}
	}
	item["isPending"] = in.ExpressionAttributeValues[":p"]
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeDynamo) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sk := skOf(in.Key)
	old := f.items[sk]
	delete(f.items, sk)
	return &dynamodb.DeleteItemOutput{Attributes: old}, nil
}

func (f *fakeDynamo) Query(ctx context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &dynamodb.QueryOutput{}
	for _, item := range f.items {
		out.Items = append(out.Items, item)
	}
	return out, nil
}

func TestDynamoStore(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDynamo()
	s := NewDynamoStore(fake, "media-table")

	if _, found, err := s.Pending(ctx, capture.FileRef(5)); err != nil || found {
		t.Fatalf("empty table: found=%v err=%v", found, err)
	}
	if err := s.Put(ctx, Media{ID: 5, MimeType: "image/jpeg", Pending: true, AddedAt: 10}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(ctx, Media{ID: 6, MimeType: "video/mp4", AddedAt: 20}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	pending, found, err := s.Pending(ctx, capture.FileRef(5))
	if err != nil || !found || !pending {
		t.Fatalf("Pending: pending=%v found=%v err=%v", pending, found, err)
	}
	last := fake.gets[len(fake.gets)-1]
	if aws.ToString(last.ProjectionExpression) != "isPending" {
		t.Errorf("projection = %q, want isPending", aws.ToString(last.ProjectionExpression))
	}
	if skOf(last.Key) != "0000000000000000005" {
		t.Errorf("SK = %q", skOf(last.Key))
	}

	if err := s.SetPending(ctx, 5, false); err != nil {
		t.Fatalf("SetPending: %v", err)
	}
	if pending, _, _ := s.Pending(ctx, capture.FileRef(5)); pending {
		t.Error("expected ready after SetPending")
	}
	if err := s.SetPending(ctx, 99, false); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetPending unknown: %v", err)
	}

	list, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[0].ID != 6 || list[1].Ref != capture.FileRef(5) {
		t.Errorf("List = %+v", list)
	}

	if err := s.Delete(ctx, 6); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, 6); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete: %v", err)
	}
}

// fakeS3 implements S3API over an in-memory bucket.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]fakeObject
	failAll error
}

type fakeObject struct {
	contentType string
	metadata    map[string]string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string]fakeObject)}
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return nil, f.failAll
	}
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentType: aws.String(obj.contentType), Metadata: obj.metadata}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = fakeObject{contentType: aws.ToString(in.ContentType), metadata: in.Metadata}
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) CopyObject(ctx context.Context, in *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	src := strings.SplitN(aws.ToString(in.CopySource), "/", 2)[1]
	obj := f.objects[src]
	if in.MetadataDirective == s3types.MetadataDirectiveReplace {
		obj.metadata = in.Metadata
	}
	f.objects[aws.ToString(in.Key)] = obj
	return &s3.CopyObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &s3.ListObjectsV2Output{}
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			out.Contents = append(out.Contents, s3types.Object{Key: aws.String(k)})
		}
	}
	return out, nil
}

func TestS3Store(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	s := NewS3Store(fake, "media-bucket", "captures")

	if s.objectKey(7) != "captures/7" {
		t.Errorf("objectKey = %q", s.objectKey(7))
	}
	if _, found, err := s.Pending(ctx, capture.FileRef(7)); err != nil || found {
		t.Fatalf("missing object: found=%v err=%v", found, err)
	}

	if err := s.Put(ctx, Media{ID: 7, MimeType: "video/mp4", Pending: true, AddedAt: 5}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(ctx, Media{ID: 8, MimeType: "image/jpeg", AddedAt: 9}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	fake.objects["captures/readme"] = fakeObject{}

	if pending, found, err := s.Pending(ctx, capture.FileRef(7)); err != nil || !found || !pending {
		t.Fatalf("Pending: pending=%v found=%v err=%v", pending, found, err)
	}
	if err := s.SetPending(ctx, 7, false); err != nil {
		t.Fatalf("SetPending: %v", err)
	}
	if pending, _, _ := s.Pending(ctx, capture.FileRef(7)); pending {
		t.Error("expected ready after SetPending")
	}
	if fake.objects["captures/7"].contentType != "video/mp4" {
		t.Error("metadata rewrite must keep the content type")
	}

	list, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[0].ID != 8 || list[1].MimeType != "video/mp4" {
		t.Errorf("List = %+v", list)
	}

	if err := s.Delete(ctx, 8); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, 8); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete: %v", err)
	}
}

func TestS3Store_ErrorsAreNotNotFound(t *testing.T) {
	fake := newFakeS3()
	fake.failAll = errors.New("access denied")
	s := NewS3Store(fake, "media-bucket", "")
	if _, _, err := s.Pending(context.Background(), capture.FileRef(1)); err == nil {
		t.Error("expected error to surface")
	}
}
