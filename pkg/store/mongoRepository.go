package store

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"

	"github.com/zoff-tech/settings-relay/schema"
)

// MongoRepository stores records as documents keyed by nickname (_id), so
// uniqueness comes from the collection's primary index.
type MongoRepository struct {
	client     *mongo.Client
	database   string
	collection string
}

func NewMongoRepository(client *mongo.Client, database, collection string) *MongoRepository {
	return &MongoRepository{
		client:     client,
		database:   database,
		collection: collection,
	}
}

func (m *MongoRepository) Get(ctx context.Context, nickname string) (*Record, error) {
	tracer := otel.Tracer("settings-relay")
	ctx, span := tracer.Start(ctx, "Get")
	defer span.End()

	startTime := time.Now()

	collection := m.client.Database(m.database).Collection(m.collection)

	var record Record
	err := collection.FindOne(ctx, bson.M{"_id": nickname}).Decode(&record)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	addDBStatsToSpan(span, "mongodb", "Get", 1, time.Since(startTime))

	return &record, nil
}

func (m *MongoRepository) Insert(ctx context.Context, record *Record) error {
	tracer := otel.Tracer("settings-relay")
	ctx, span := tracer.Start(ctx, "Insert")
	defer span.End()

	startTime := time.Now()

	collection := m.client.Database(m.database).Collection(m.collection)
	_, err := collection.InsertOne(ctx, record)
	if mongo.IsDuplicateKeyError(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		span.RecordError(err)
		return err
	}

	addDBStatsToSpan(span, "mongodb", "Insert", 1, time.Since(startTime))

	return nil
}

func (m *MongoRepository) UpdateVersioned(ctx context.Context, nickname string, settings schema.UserSettings, version int) error {
	tracer := otel.Tracer("settings-relay")
	ctx, span := tracer.Start(ctx, "UpdateVersioned")
	defer span.End()

	startTime := time.Now()

	collection := m.client.Database(m.database).Collection(m.collection)
	filter := bson.M{
		"_id":     nickname,
		"version": bson.M{"$lt": version},
	}
	update := bson.M{
		"$set": bson.M{
			"settings": settings,
			"version":  version,
		},
	}
	result, err := collection.UpdateOne(ctx, filter, update)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if result.MatchedCount == 0 {
		return ErrStaleVersion
	}

	addDBStatsToSpan(span, "mongodb", "UpdateVersioned", 1, time.Since(startTime))

	return nil
}

func (m *MongoRepository) Scan(ctx context.Context, afterNickname string, limit int) ([]Record, error) {
	tracer := otel.Tracer("settings-relay")
	ctx, span := tracer.Start(ctx, "Scan")
	defer span.End()

	startTime := time.Now()

	collection := m.client.Database(m.database).Collection(m.collection)
	filter := bson.M{"_id": bson.M{"$gt": afterNickname}}
	opts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetLimit(int64(limit))

	cursor, err := collection.Find(ctx, filter, opts)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer cursor.Close(ctx)

	var records []Record
	for cursor.Next(ctx) {
		var record Record
		if err := cursor.Decode(&record); err != nil {
			span.RecordError(err)
			return nil, err
		}
		records = append(records, record)
	}

	if err := cursor.Err(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	addDBStatsToSpan(span, "mongodb", "Scan", len(records), time.Since(startTime))

	return records, nil
}
