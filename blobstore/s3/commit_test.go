package s3

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/segkv/blobstore"
)

// fakeDDB evaluates the two condition expressions CommitStore issues.
type fakeDDB struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue

	// beforePut runs inside PutItem before the condition is checked.
	beforePut func()
}

func newFakeDDB() *fakeDDB {
	return &fakeDDB{items: make(map[string]map[string]types.AttributeValue)}
}

func keyOf(item map[string]types.AttributeValue) string {
	return item["db"].(*types.AttributeValueMemberS).Value
}

func (f *fakeDDB) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: f.items[keyOf(in.Key)]}, nil
}

func (f *fakeDDB) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if f.beforePut != nil {
		f.beforePut()
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	k := keyOf(in.Item)
	cur, exists := f.items[k]
	switch aws.ToString(in.ConditionExpression) {
	case "attribute_not_exists(db)":
		if exists {
			return nil, &types.ConditionalCheckFailedException{}
		}
	case "generation = :gen":
		want := in.ExpressionAttributeValues[":gen"].(*types.AttributeValueMemberN).Value
		if !exists || cur["generation"].(*types.AttributeValueMemberN).Value != want {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}
	f.items[k] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDDB) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.items, keyOf(in.Key))
	return &dynamodb.DeleteItemOutput{}, nil
}

func TestCommitStore_Pointer(t *testing.T) {
	ctx := context.Background()
	inner := blobstore.NewMemoryStore()
	store := NewCommitStore(inner, newFakeDDB(), "segkv-checkpoints", "orders")

	_, err := store.Open(ctx, PointerName)
	assert.ErrorIs(t, err, blobstore.ErrNotFound)

	require.NoError(t, store.Put(ctx, PointerName, []byte("first")))
	require.NoError(t, store.Put(ctx, PointerName, []byte("second")))

	got, err := blobstore.ReadAll(ctx, store, PointerName)
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))

	gen, err := store.Generation(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), gen)
	assert.Equal(t, 0, inner.Len(), "pointer never reaches the blob store")

	_, err = store.Create(ctx, PointerName)
	assert.Error(t, err)

	require.NoError(t, store.Delete(ctx, PointerName))
	_, err = store.Open(ctx, PointerName)
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
}

func TestCommitStore_PassThrough(t *testing.T) {
	ctx := context.Background()
	inner := blobstore.NewMemoryStore()
	store := NewCommitStore(inner, newFakeDDB(), "t", "db")

	require.NoError(t, store.Put(ctx, "ckpt/manifest.json", []byte("{}")))
	w, err := store.Create(ctx, "ckpt/index")
	require.NoError(t, err)
	_, err = w.Write([]byte("idx"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	names, err := store.List(ctx, "ckpt/")
	require.NoError(t, err)
	assert.Equal(t, []string{"ckpt/index", "ckpt/manifest.json"}, names)

	require.NoError(t, store.Delete(ctx, "ckpt/index"))
	assert.Equal(t, 1, inner.Len())
}

func TestCommitStore_ConcurrentCommit(t *testing.T) {
	ctx := context.Background()
	ddb := newFakeDDB()
	a := NewCommitStore(blobstore.NewMemoryStore(), ddb, "t", "db")
	b := NewCommitStore(blobstore.NewMemoryStore(), ddb, "t", "db")

	require.NoError(t, a.Put(ctx, PointerName, []byte("base")))

	// b commits between a's read and a's conditional write.
	var once sync.Once
	ddb.beforePut = func() {
		once.Do(func() {
			ddb.beforePut = nil
			require.NoError(t, b.Put(ctx, PointerName, []byte("from-b")))
		})
	}
	err := a.Put(ctx, PointerName, []byte("from-a"))
	assert.True(t, errors.Is(err, ErrConcurrentCommit))

	got, err := blobstore.ReadAll(ctx, a, PointerName)
	require.NoError(t, err)
	assert.Equal(t, "from-b", string(got))
}

func TestCommitStore_FirstCommitRace(t *testing.T) {
	ctx := context.Background()
	ddb := newFakeDDB()
	a := NewCommitStore(blobstore.NewMemoryStore(), ddb, "t", "db")
	b := NewCommitStore(blobstore.NewMemoryStore(), ddb, "t", "db")

	var once sync.Once
	ddb.beforePut = func() {
		once.Do(func() {
			ddb.beforePut = nil
			require.NoError(t, b.Put(ctx, PointerName, []byte("from-b")))
		})
	}
	assert.ErrorIs(t, a.Put(ctx, PointerName, []byte("from-a")), ErrConcurrentCommit)
}
