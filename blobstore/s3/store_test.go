package s3

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/segkv/blobstore"
)

type mockClient struct {
	mock.Mock
}

func (m *mockClient) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*s3.HeadObjectOutput)
	return out, args.Error(1)
}

func (m *mockClient) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*s3.GetObjectOutput)
	return out, args.Error(1)
}

func (m *mockClient) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*s3.PutObjectOutput)
	return out, args.Error(1)
}

func (m *mockClient) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*s3.DeleteObjectOutput)
	return out, args.Error(1)
}

func (m *mockClient) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*s3.ListObjectsV2Output)
	return out, args.Error(1)
}

func (m *mockClient) UploadPart(ctx context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*s3.UploadPartOutput)
	return out, args.Error(1)
}

func (m *mockClient) CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*s3.CreateMultipartUploadOutput)
	return out, args.Error(1)
}

func (m *mockClient) CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*s3.CompleteMultipartUploadOutput)
	return out, args.Error(1)
}

func (m *mockClient) AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*s3.AbortMultipartUploadOutput)
	return out, args.Error(1)
}

var _ blobstore.BlobStore = (*Store)(nil)

func TestStore_Open(t *testing.T) {
	client := new(mockClient)
	store := NewStore(client, "bucket", "db")
	ctx := context.Background()

	client.On("HeadObject", mock.Anything, mock.MatchedBy(func(in *s3.HeadObjectInput) bool {
		return aws.ToString(in.Key) == "db/missing"
	})).Return(nil, &types.NotFound{}).Once()
	client.On("HeadObject", mock.Anything, mock.MatchedBy(func(in *s3.HeadObjectInput) bool {
		return aws.ToString(in.Bucket) == "bucket" && aws.ToString(in.Key) == "db/ckpt/index"
	})).Return(&s3.HeadObjectOutput{ContentLength: aws.Int64(10), ETag: aws.String(`"v1"`)}, nil).Once()

	_, err := store.Open(ctx, "missing")
	assert.ErrorIs(t, err, blobstore.ErrNotFound)

	blob, err := store.Open(ctx, "ckpt/index")
	require.NoError(t, err)
	defer blob.Close()
	assert.Equal(t, int64(10), blob.Size())
	client.AssertExpectations(t)
}

func TestObject_ReadAt(t *testing.T) {
	client := new(mockClient)
	obj := &object{client: client, bucket: "b", key: "k", size: 10, etag: aws.String(`"v1"`)}
	ctx := context.Background()

	client.On("GetObject", mock.Anything, mock.MatchedBy(func(in *s3.GetObjectInput) bool {
		return aws.ToString(in.Range) == "bytes=0-4" && aws.ToString(in.IfMatch) == `"v1"`
	})).Return(&s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader("hello"))}, nil).Once()
	client.On("GetObject", mock.Anything, mock.MatchedBy(func(in *s3.GetObjectInput) bool {
		return aws.ToString(in.Range) == "bytes=7-9"
	})).Return(&s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader("rld"))}, nil).Once()

	buf := make([]byte, 5)
	n, err := obj.ReadAt(ctx, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(buf))

	n, err = obj.ReadAt(ctx, buf, 7)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 3, n)
	assert.Equal(t, "rld", string(buf[:n]))

	_, err = obj.ReadAt(ctx, buf, 10)
	assert.ErrorIs(t, err, io.EOF)
	client.AssertExpectations(t)
}

func TestObject_ReadAtChanged(t *testing.T) {
	client := new(mockClient)
	obj := &object{client: client, bucket: "b", key: "CURRENT", size: 4, etag: aws.String(`"v1"`)}

	client.On("GetObject", mock.Anything, mock.Anything).
		Return(nil, &smithy.GenericAPIError{Code: "PreconditionFailed"}).Once()

	_, err := obj.ReadAt(context.Background(), make([]byte, 4), 0)
	assert.ErrorIs(t, err, ErrObjectChanged)
}

func TestStore_Put(t *testing.T) {
	t.Run("Checksum", func(t *testing.T) {
		client := new(mockClient)
		store := NewStore(client, "bucket", "db")
		client.On("PutObject", mock.Anything, mock.MatchedBy(func(in *s3.PutObjectInput) bool {
			return aws.ToString(in.Key) == "db/ckpt/manifest.json" &&
				aws.ToString(in.ChecksumCRC32C) == checksumCRC32C([]byte("{}")) &&
				aws.ToInt64(in.ContentLength) == 2
		})).Return(&s3.PutObjectOutput{}, nil).Once()

		require.NoError(t, store.Put(context.Background(), "ckpt/manifest.json", []byte("{}")))
		client.AssertExpectations(t)
	})

	t.Run("NoChecksum", func(t *testing.T) {
		client := new(mockClient)
		cfg := DefaultUploadConfig()
		cfg.EnableChecksum = false
		store := NewStore(client, "bucket", "", WithUploadConfig(cfg))
		client.On("PutObject", mock.Anything, mock.MatchedBy(func(in *s3.PutObjectInput) bool {
			return aws.ToString(in.Key) == "CURRENT" && in.ChecksumCRC32C == nil
		})).Return(&s3.PutObjectOutput{}, nil).Once()

		require.NoError(t, store.Put(context.Background(), "CURRENT", []byte("ckpt")))
		client.AssertExpectations(t)
	})
}

func TestChecksumCRC32C(t *testing.T) {
	// CRC32C("123456789") = 0xE3069283
	assert.Equal(t, "4waSgw==", checksumCRC32C([]byte("123456789")))
}

func TestStore_Delete(t *testing.T) {
	client := new(mockClient)
	store := NewStore(client, "bucket", "db")

	client.On("DeleteObject", mock.Anything, mock.MatchedBy(func(in *s3.DeleteObjectInput) bool {
		return aws.ToString(in.Key) == "db/old"
	})).Return(&s3.DeleteObjectOutput{}, nil).Once()
	client.On("DeleteObject", mock.Anything, mock.MatchedBy(func(in *s3.DeleteObjectInput) bool {
		return aws.ToString(in.Key) == "db/gone"
	})).Return(nil, &types.NoSuchKey{}).Once()

	assert.NoError(t, store.Delete(context.Background(), "old"))
	assert.NoError(t, store.Delete(context.Background(), "gone"))
	client.AssertExpectations(t)
}

func TestStore_List(t *testing.T) {
	client := new(mockClient)
	store := NewStore(client, "bucket", "db/")

	client.On("ListObjectsV2", mock.Anything, mock.MatchedBy(func(in *s3.ListObjectsV2Input) bool {
		return aws.ToString(in.Prefix) == "db/ckpt" && in.ContinuationToken == nil
	})).Return(&s3.ListObjectsV2Output{
		IsTruncated:           aws.Bool(true),
		NextContinuationToken: aws.String("next"),
		Contents:              []types.Object{{Key: aws.String("db/ckpt/vol-000/seg-00000002")}},
	}, nil).Once()
	client.On("ListObjectsV2", mock.Anything, mock.MatchedBy(func(in *s3.ListObjectsV2Input) bool {
		return aws.ToString(in.ContinuationToken) == "next"
	})).Return(&s3.ListObjectsV2Output{
		IsTruncated: aws.Bool(false),
		Contents:    []types.Object{{Key: aws.String("db/ckpt/index")}},
	}, nil).Once()

	names, err := store.List(context.Background(), "ckpt")
	require.NoError(t, err)
	assert.Equal(t, []string{"ckpt/index", "ckpt/vol-000/seg-00000002"}, names)
	client.AssertExpectations(t)
}

func TestStore_CreateSmall(t *testing.T) {
	client := new(mockClient)
	store := NewStore(client, "bucket", "db")

	var body string
	client.On("PutObject", mock.Anything, mock.MatchedBy(func(in *s3.PutObjectInput) bool {
		return aws.ToString(in.Key) == "db/seg" && in.ChecksumCRC32C != nil
	})).Run(func(args mock.Arguments) {
		b, _ := io.ReadAll(args.Get(1).(*s3.PutObjectInput).Body)
		body = string(b)
	}).Return(&s3.PutObjectOutput{}, nil).Once()

	w, err := store.Create(context.Background(), "seg")
	require.NoError(t, err)
	_, err = w.Write([]byte("seg"))
	require.NoError(t, err)
	_, err = w.Write([]byte("ment"))
	require.NoError(t, err)
	client.AssertNotCalled(t, "PutObject", mock.Anything, mock.Anything)
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())
	assert.Equal(t, "segment", body)
	assert.ErrorIs(t, w.Close(), io.ErrClosedPipe)
}

func TestStore_CreateStreamed(t *testing.T) {
	client := new(mockClient)
	cfg := DefaultUploadConfig()
	cfg.SinglePutLimit = 4
	store := NewStore(client, "bucket", "db", WithUploadConfig(cfg))

	var body string
	client.On("PutObject", mock.Anything, mock.MatchedBy(func(in *s3.PutObjectInput) bool {
		return aws.ToString(in.Key) == "db/seg" && in.ChecksumAlgorithm == types.ChecksumAlgorithmCrc32c
	})).Run(func(args mock.Arguments) {
		b, _ := io.ReadAll(args.Get(1).(*s3.PutObjectInput).Body)
		body = string(b)
	}).Return(&s3.PutObjectOutput{}, nil).Once()

	w, err := store.Create(context.Background(), "seg")
	require.NoError(t, err)
	_, err = w.Write([]byte("seg"))
	require.NoError(t, err)
	_, err = w.Write([]byte("ment"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	assert.Equal(t, "segment", body)
}
