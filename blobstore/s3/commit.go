package s3

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/hupe1980/segkv/blobstore"
)

// PointerName is the blob name CommitStore intercepts.
const PointerName = "CURRENT"

// ErrConcurrentCommit is returned when another writer moved the pointer
// between our read and our conditional write.
var ErrConcurrentCommit = errors.New("s3: concurrent checkpoint commit")

// DDBClient is the subset of the DynamoDB API used by CommitStore.
type DDBClient interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// CommitStore wraps a BlobStore and keeps the CURRENT checkpoint pointer in
// a DynamoDB item instead of an object. Object stores cannot replace a key
// conditionally; DynamoDB can, so two processes publishing checkpoints at
// once cannot silently overwrite each other.
//
// Each database is one item keyed by a caller-chosen id:
//
//	aws dynamodb create-table \
//	  --table-name segkv-checkpoints \
//	  --attribute-definitions AttributeName=db,AttributeType=S \
//	  --key-schema AttributeName=db,KeyType=HASH \
//	  --billing-mode PAY_PER_REQUEST
//
// The item carries the checkpoint name, a generation counter bumped on
// every commit, and the commit time.
type CommitStore struct {
	blobstore.BlobStore

	ddb   DDBClient
	table string
	id    string
}

// NewCommitStore returns a store that delegates every blob except CURRENT to
// inner.
func NewCommitStore(inner blobstore.BlobStore, ddb DDBClient, table, id string) *CommitStore {
	return &CommitStore{BlobStore: inner, ddb: ddb, table: table, id: id}
}

type pointer struct {
	target     string
	generation uint64
}

func (s *CommitStore) itemKey() map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"db": &types.AttributeValueMemberS{Value: s.id},
	}
}

func (s *CommitStore) load(ctx context.Context) (pointer, bool, error) {
	out, err := s.ddb.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            s.itemKey(),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return pointer{}, false, fmt.Errorf("s3: read checkpoint pointer: %w", err)
	}
	if len(out.Item) == 0 {
		return pointer{}, false, nil
	}
	target, ok := out.Item["target"].(*types.AttributeValueMemberS)
	if !ok {
		return pointer{}, false, errors.New("s3: checkpoint pointer without target")
	}
	gen, ok := out.Item["generation"].(*types.AttributeValueMemberN)
	if !ok {
		return pointer{}, false, errors.New("s3: checkpoint pointer without generation")
	}
	n, err := strconv.ParseUint(gen.Value, 10, 64)
	if err != nil {
		return pointer{}, false, fmt.Errorf("s3: checkpoint pointer generation: %w", err)
	}
	return pointer{target: target.Value, generation: n}, true, nil
}

// Generation returns the commit counter of the pointer, or 0 when nothing
// was committed yet.
func (s *CommitStore) Generation(ctx context.Context) (uint64, error) {
	p, _, err := s.load(ctx)
	return p.generation, err
}

// Open serves CURRENT from DynamoDB.
func (s *CommitStore) Open(ctx context.Context, name string) (blobstore.Blob, error) {
	if name != PointerName {
		return s.BlobStore.Open(ctx, name)
	}
	p, ok, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, blobstore.ErrNotFound
	}
	mem := blobstore.NewMemoryStore()
	if err := mem.Put(ctx, PointerName, []byte(p.target)); err != nil {
		return nil, err
	}
	return mem.Open(ctx, PointerName)
}

// Put commits CURRENT with a conditional write on the generation it read.
// Other names pass through.
func (s *CommitStore) Put(ctx context.Context, name string, data []byte) error {
	if name != PointerName {
		return s.BlobStore.Put(ctx, name, data)
	}
	p, exists, err := s.load(ctx)
	if err != nil {
		return err
	}

	in := &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item: map[string]types.AttributeValue{
			"db":         &types.AttributeValueMemberS{Value: s.id},
			"target":     &types.AttributeValueMemberS{Value: string(data)},
			"generation": &types.AttributeValueMemberN{Value: strconv.FormatUint(p.generation+1, 10)},
			"committed":  &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339Nano)},
		},
	}
	if exists {
		in.ConditionExpression = aws.String("generation = :gen")
		in.ExpressionAttributeValues = map[string]types.AttributeValue{
			":gen": &types.AttributeValueMemberN{Value: strconv.FormatUint(p.generation, 10)},
		}
	} else {
		in.ConditionExpression = aws.String("attribute_not_exists(db)")
	}

	if _, err := s.ddb.PutItem(ctx, in); err != nil {
		var cond *types.ConditionalCheckFailedException
		if errors.As(err, &cond) {
			return ErrConcurrentCommit
		}
		return fmt.Errorf("s3: commit checkpoint pointer: %w", err)
	}
	return nil
}

// Create rejects CURRENT; the pointer is only written through Put.
func (s *CommitStore) Create(ctx context.Context, name string) (blobstore.WritableBlob, error) {
	if name == PointerName {
		return nil, fmt.Errorf("s3: %s must be written with Put", PointerName)
	}
	return s.BlobStore.Create(ctx, name)
}

// Delete removes the pointer item for CURRENT.
func (s *CommitStore) Delete(ctx context.Context, name string) error {
	if name != PointerName {
		return s.BlobStore.Delete(ctx, name)
	}
	_, err := s.ddb.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       s.itemKey(),
	})
	return err
}
