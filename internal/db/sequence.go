package db

import (
	"context"

	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ukydev/fleet-assistance/internal/metrics"
	"github.com/ukydev/fleet-assistance/internal/models"
)

// MongoSequenceCollection keeps one document per named counter. Counters are
// always read and written on the primary.
type MongoSequenceCollection struct {
	Collection *mongo.Collection
	retry      *retrier
}

func NewMongoSequenceCollection(database *mongo.Database, policy RetryPolicy, rec *metrics.Recorder, logger *log.Entry) *MongoSequenceCollection {
	return &MongoSequenceCollection{
		Collection: database.Collection(SequencesCollection),
		retry:      newRetrier(policy, rec, logger),
	}
}

// Increment atomically adds one to the counter, creating it on first use.
func (c *MongoSequenceCollection) Increment(ctx context.Context, name string) (int64, error) {
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var counter models.SequenceCounter
	err := c.retry.do(ctx, "sequences.increment", func(ctx context.Context) error {
		return c.Collection.FindOneAndUpdate(ctx,
			bson.M{"_id": name},
			bson.M{"$inc": bson.M{"last_id": int64(1)}},
			opts,
		).Decode(&counter)
	})
	if err != nil {
		return 0, err
	}
	return counter.LastID, nil
}

// ResetIfAbove zeroes the counter only while it still exceeds max.
func (c *MongoSequenceCollection) ResetIfAbove(ctx context.Context, name string, max int64) (bool, error) {
	var res *mongo.UpdateResult
	err := c.retry.do(ctx, "sequences.reset", func(ctx context.Context) error {
		var err error
		res, err = c.Collection.UpdateOne(ctx,
			bson.M{"_id": name, "last_id": bson.M{"$gt": max}},
			bson.M{"$set": bson.M{"last_id": int64(0)}},
		)
		return err
	})
	if err != nil {
		return false, err
	}
	return res.ModifiedCount > 0, nil
}
