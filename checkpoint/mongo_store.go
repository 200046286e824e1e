package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
)

// MongoStore persists checkpoints in a MongoDB collection, one document
// per checkpoint keyed by _id.
type MongoStore struct {
	coll   *mongo.Collection
	logger *zap.Logger
}

type mongoCheckpoint struct {
	ID             string        `bson:"_id"`
	ThreadID       string        `bson:"thread_id"`
	Version        int           `bson:"version"`
	ParentID       string        `bson:"parent_id,omitempty"`
	Trigger        string        `bson:"trigger"`
	Reason         string        `bson:"reason,omitempty"`
	Snapshot       []byte        `bson:"snapshot"`
	IntegrityHash  string        `bson:"integrity_hash"`
	RawSize        int           `bson:"raw_size"`
	CompressedSize int           `bson:"compressed_size"`
	CreatedAt      bson.DateTime `bson:"created_at"`
}

// NewMongoStore creates a Mongo-backed checkpoint store and ensures the
// thread/version index exists.
func NewMongoStore(ctx context.Context, coll *mongo.Collection, logger *zap.Logger) (*MongoStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "thread_id", Value: 1}, {Key: "version", Value: -1}},
	})
	if err != nil {
		return nil, fmt.Errorf("create checkpoint index: %w", err)
	}
	return &MongoStore{
		coll:   coll,
		logger: logger.With(zap.String("store", "mongo_checkpoint")),
	}, nil
}

func (s *MongoStore) Save(ctx context.Context, cp *Checkpoint) error {
	doc := toMongoDoc(cp)
	_, err := s.coll.ReplaceOne(ctx,
		bson.M{"_id": cp.ID},
		doc,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	s.logger.Debug("checkpoint saved",
		zap.String("checkpoint_id", cp.ID),
		zap.String("thread_id", cp.ThreadID),
		zap.Int("version", cp.Version),
	)
	return nil
}

func (s *MongoStore) Load(ctx context.Context, id string) (*Checkpoint, error) {
	var doc mongoCheckpoint
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return fromMongoDoc(&doc), nil
}

func (s *MongoStore) LoadLatest(ctx context.Context, threadID string) (*Checkpoint, error) {
	var doc mongoCheckpoint
	err := s.coll.FindOne(ctx,
		bson.M{"thread_id": threadID},
		options.FindOne().SetSort(bson.D{{Key: "version", Value: -1}}),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: no checkpoints for thread %s", ErrNotFound, threadID)
	}
	if err != nil {
		return nil, fmt.Errorf("load latest checkpoint: %w", err)
	}
	return fromMongoDoc(&doc), nil
}

func (s *MongoStore) ListByThread(ctx context.Context, threadID string) ([]*Checkpoint, error) {
	cursor, err := s.coll.Find(ctx,
		bson.M{"thread_id": threadID},
		options.Find().SetSort(bson.D{{Key: "version", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer cursor.Close(ctx)

	var checkpoints []*Checkpoint
	for cursor.Next(ctx) {
		var doc mongoCheckpoint
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode checkpoint: %w", err)
		}
		checkpoints = append(checkpoints, fromMongoDoc(&doc))
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	return checkpoints, nil
}

func (s *MongoStore) Delete(ctx context.Context, id string) error {
	_, err := s.coll.DeleteOne(ctx, bson.M{"_id": id})
	return err
}

func toMongoDoc(cp *Checkpoint) mongoCheckpoint {
	return mongoCheckpoint{
		ID:             cp.ID,
		ThreadID:       cp.ThreadID,
		Version:        cp.Version,
		ParentID:       cp.ParentID,
		Trigger:        string(cp.Trigger),
		Reason:         cp.Reason,
		Snapshot:       cp.StateSnapshot,
		IntegrityHash:  cp.IntegrityHash,
		RawSize:        cp.RawSize,
		CompressedSize: cp.CompressedSize,
		CreatedAt:      bson.NewDateTimeFromTime(cp.CreatedAt),
	}
}

func fromMongoDoc(doc *mongoCheckpoint) *Checkpoint {
	return &Checkpoint{
		ID:             doc.ID,
		ThreadID:       doc.ThreadID,
		Version:        doc.Version,
		ParentID:       doc.ParentID,
		Trigger:        Trigger(doc.Trigger),
		Reason:         doc.Reason,
		StateSnapshot:  doc.Snapshot,
		IntegrityHash:  doc.IntegrityHash,
		RawSize:        doc.RawSize,
		CompressedSize: doc.CompressedSize,
		CreatedAt:      doc.CreatedAt.Time(),
	}
}
