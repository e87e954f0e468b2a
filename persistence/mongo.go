package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"go.uber.org/zap"

	"github.com/BaSui01/flowgate/config"
	"github.com/BaSui01/flowgate/workflow"
)

const (
	tokensCollection    = "flowgate_tokens"
	snapshotsCollection = "flowgate_snapshots"
)

// tokenKey is the compound _id of a token document
type tokenKey struct {
	Instance string `bson:"instance"`
	Token    string `bson:"token"`
}

type tokenDocument struct {
	Key               tokenKey  `bson:"_id"`
	ProcessInstanceID string    `bson:"process_instance_id"`
	TokenID           string    `bson:"token_id"`
	ActivityID        string    `bson:"activity_id"`
	ForkID            string    `bson:"fork_id,omitempty"`
	Branch            string    `bson:"branch,omitempty"`
	Suspended         bool      `bson:"suspended"`
	Done              bool      `bson:"done"`
	CreatedAt         time.Time `bson:"created_at"`
	UpdatedAt         time.Time `bson:"updated_at"`
}

func newTokenDocument(t *workflow.Token) *tokenDocument {
	return &tokenDocument{
		Key:               tokenKey{Instance: t.ProcessInstanceID, Token: t.ID},
		ProcessInstanceID: t.ProcessInstanceID,
		TokenID:           t.ID,
		ActivityID:        t.ActivityID,
		ForkID:            t.ForkID,
		Branch:            t.Branch,
		Suspended:         t.Suspended,
		Done:              t.Done,
		CreatedAt:         t.CreatedAt,
		UpdatedAt:         time.Now(),
	}
}

func (d *tokenDocument) token() *workflow.Token {
	return &workflow.Token{
		ID:                d.TokenID,
		ProcessInstanceID: d.ProcessInstanceID,
		ActivityID:        d.ActivityID,
		ForkID:            d.ForkID,
		Branch:            d.Branch,
		CreatedAt:         d.CreatedAt,
		Suspended:         d.Suspended,
		Done:              d.Done,
	}
}

type snapshotDocument struct {
	ProcessInstanceID string    `bson:"_id"`
	GraphID           string    `bson:"graph_id"`
	Context           []byte    `bson:"context"`
	UpdatedAt         time.Time `bson:"updated_at"`
}

// MongoStore is a document Store with one collection for tokens and one for
// snapshots
type MongoStore struct {
	client    *mongo.Client
	tokens    *mongo.Collection
	snapshots *mongo.Collection
	owned     bool
	logger    *zap.Logger
}

// ConnectMongo dials MongoDB and returns a store that owns the client
func ConnectMongo(ctx context.Context, cfg config.MongoConfig, logger *zap.Logger) (*MongoStore, error) {
	opts := options.Client().ApplyURI(cfg.URI)
	if cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(cfg.ConnectTimeout)
	}

	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	store, err := NewMongoStore(ctx, client, cfg.Database, logger)
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	store.owned = true
	return store, nil
}

// NewMongoStore creates a store on an existing client and ensures indexes
func NewMongoStore(ctx context.Context, client *mongo.Client, database string, logger *zap.Logger) (*MongoStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if database == "" {
		database = "flowgate"
	}

	db := client.Database(database)
	s := &MongoStore{
		client:    client,
		tokens:    db.Collection(tokensCollection),
		snapshots: db.Collection(snapshotsCollection),
		logger:    logger.With(zap.String("component", "mongo_store")),
	}

	_, err := s.tokens.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "process_instance_id", Value: 1},
			{Key: "done", Value: 1},
		},
		Options: options.Index().SetName("idx_flowgate_tokens_active"),
	})
	if err != nil {
		return nil, fmt.Errorf("create token index: %w", err)
	}
	return s, nil
}

// Close disconnects the client when the store owns it
func (s *MongoStore) Close() error {
	if !s.owned {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// Ping checks the primary is reachable
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

func tokenFilter(instanceID, tokenID string) bson.D {
	return bson.D{{Key: "_id", Value: tokenKey{Instance: instanceID, Token: tokenID}}}
}

// SaveToken inserts or replaces a token
func (s *MongoStore) SaveToken(ctx context.Context, token *workflow.Token) error {
	if err := validateToken(token); err != nil {
		return err
	}

	_, err := s.tokens.ReplaceOne(ctx,
		tokenFilter(token.ProcessInstanceID, token.ID),
		newTokenDocument(token),
		options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongo save token %s: %w", token.ID, err)
	}
	return nil
}

// FindActiveTokens returns the tokens of an instance that are not done
func (s *MongoStore) FindActiveTokens(ctx context.Context, instanceID string) ([]*workflow.Token, error) {
	cursor, err := s.tokens.Find(ctx, bson.D{
		{Key: "process_instance_id", Value: instanceID},
		{Key: "done", Value: false},
	})
	if err != nil {
		return nil, fmt.Errorf("mongo find active tokens %s: %w", instanceID, err)
	}

	var docs []tokenDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongo decode tokens %s: %w", instanceID, err)
	}

	result := make([]*workflow.Token, 0, len(docs))
	for i := range docs {
		result = append(result, docs[i].token())
	}
	sortTokens(result)
	return result, nil
}

// FindToken returns a token whether it is done or not
func (s *MongoStore) FindToken(ctx context.Context, instanceID, tokenID string) (*workflow.Token, error) {
	var doc tokenDocument
	err := s.tokens.FindOne(ctx, tokenFilter(instanceID, tokenID)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, workflow.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongo find token %s: %w", tokenID, err)
	}
	return doc.token(), nil
}

// MarkDone flags tokens as consumed with one ordered bulk write
func (s *MongoStore) MarkDone(ctx context.Context, tokens ...*workflow.Token) error {
	if len(tokens) == 0 {
		return nil
	}

	models := make([]mongo.WriteModel, 0, len(tokens))
	for _, t := range tokens {
		if err := validateToken(t); err != nil {
			return err
		}
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(tokenFilter(t.ProcessInstanceID, t.ID)).
			SetReplacement(newTokenDocument(consumed(t))).
			SetUpsert(true))
	}

	if _, err := s.tokens.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(true)); err != nil {
		return fmt.Errorf("mongo mark done: %w", err)
	}
	return nil
}

// SaveSnapshot stores the snapshot of an instance
func (s *MongoStore) SaveSnapshot(ctx context.Context, snapshot *workflow.Snapshot) error {
	if err := validateSnapshot(snapshot); err != nil {
		return err
	}

	snap := stamp(snapshot)
	doc := snapshotDocument{
		ProcessInstanceID: snap.ProcessInstanceID,
		GraphID:           snap.GraphID,
		Context:           snap.Context,
		UpdatedAt:         snap.UpdatedAt,
	}
	_, err := s.snapshots.ReplaceOne(ctx,
		bson.D{{Key: "_id", Value: snap.ProcessInstanceID}},
		doc,
		options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongo save snapshot %s: %w", snap.ProcessInstanceID, err)
	}
	return nil
}

// LoadSnapshot returns the snapshot of an instance
func (s *MongoStore) LoadSnapshot(ctx context.Context, instanceID string) (*workflow.Snapshot, error) {
	var doc snapshotDocument
	err := s.snapshots.FindOne(ctx, bson.D{{Key: "_id", Value: instanceID}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, workflow.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongo load snapshot %s: %w", instanceID, err)
	}
	return &workflow.Snapshot{
		ProcessInstanceID: doc.ProcessInstanceID,
		GraphID:           doc.GraphID,
		Context:           doc.Context,
		UpdatedAt:         doc.UpdatedAt,
	}, nil
}

// DeleteSnapshot removes the snapshot of an instance
func (s *MongoStore) DeleteSnapshot(ctx context.Context, instanceID string) error {
	if _, err := s.snapshots.DeleteOne(ctx, bson.D{{Key: "_id", Value: instanceID}}); err != nil {
		return fmt.Errorf("mongo delete snapshot %s: %w", instanceID, err)
	}
	return nil
}
