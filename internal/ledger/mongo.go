package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Mongo stores one document per consumed nonce, using the nonce as _id.
type Mongo struct {
	client     *mongo.Client
	collection *mongo.Collection
	retention  time.Duration
}

// NewMongo connects to uri and ensures the collection indexes exist.
func NewMongo(ctx context.Context, uri, database, collection string, retention time.Duration) (*Mongo, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	m := &Mongo{
		client:     client,
		collection: client.Database(database).Collection(collection),
		retention:  retention,
	}
	if err := m.EnsureIndexes(ctx); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}
	return m, nil
}

// EnsureIndexes creates the payer index and, when retention is set, a TTL
// index on consumed_at.
func (m *Mongo) EnsureIndexes(ctx context.Context) error {
	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: "payer", Value: 1}, {Key: "consumed_at", Value: -1}}},
	}
	if m.retention > 0 {
		models = append(models, mongo.IndexModel{
			Keys:    bson.D{{Key: "consumed_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(int32(m.retention.Seconds())),
		})
	}
	_, err := m.collection.Indexes().CreateMany(ctx, models)
	return err
}

func (m *Mongo) TryConsume(ctx context.Context, rec Record) (Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := m.collection.InsertOne(ctx, rec)
	if mongo.IsDuplicateKeyError(err) {
		return AlreadyConsumed, nil
	}
	if err != nil {
		return AlreadyConsumed, fmt.Errorf("insert consumed proof: %w", err)
	}
	return Consumed, nil
}

func (m *Mongo) Lookup(ctx context.Context, nonce string) (Record, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var rec Record
	err := m.collection.FindOne(ctx, bson.M{"_id": nonce}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (m *Mongo) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
