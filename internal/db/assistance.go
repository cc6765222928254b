package db

import (
	"context"

	"github.com/go-faster/errors"
	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ukydev/fleet-assistance/internal/apperr"
	"github.com/ukydev/fleet-assistance/internal/metrics"
	"github.com/ukydev/fleet-assistance/internal/models"
	"github.com/ukydev/fleet-assistance/internal/routing"
)

// MongoAssistanceCollection implements AssistanceCollection for MongoDB.
// The database handle is resolved per call from the routing context.
type MongoAssistanceCollection struct {
	router *routing.MongoRouter
	retry  *retrier
}

func NewMongoAssistanceCollection(router *routing.MongoRouter, policy RetryPolicy, rec *metrics.Recorder, logger *log.Entry) *MongoAssistanceCollection {
	return &MongoAssistanceCollection{router: router, retry: newRetrier(policy, rec, logger)}
}

func (c *MongoAssistanceCollection) collection(ctx context.Context) *mongo.Collection {
	return c.router.Collection(ctx, AssistancesCollection)
}

// Insert inserts a new assistance document.
func (c *MongoAssistanceCollection) Insert(ctx context.Context, a *models.Assistance) error {
	return insertWith(ctx, c.retry, a, func(ctx context.Context) error {
		_, err := c.collection(ctx).InsertOne(ctx, a)
		return err
	}, c.stored)
}

// lookupFunc reads the stored document with id, or nil when there is none.
type lookupFunc func(ctx context.Context, id string) (*models.Assistance, error)

// insertWith runs insert under r. A duplicate key after a retried attempt is
// checked against the stored document: when that document is a, the earlier
// attempt reached the server and the insert succeeded.
func insertWith(ctx context.Context, r *retrier, a *models.Assistance, insert func(ctx context.Context) error, lookup lookupFunc) error {
	attempts := 0
	return r.do(ctx, "assistances.insert", func(ctx context.Context) error {
		attempts++
		err := insert(ctx)
		if !mongo.IsDuplicateKeyError(err) {
			return err
		}
		if attempts > 1 {
			stored, lerr := lookup(ctx, a.ID)
			if lerr != nil {
				return lerr
			}
			if sameInsert(stored, a) {
				return nil
			}
		}
		return apperr.ErrAssistanceInProgressAlreadyExists.Wrap(err)
	})
}

func sameInsert(stored, a *models.Assistance) bool {
	return stored != nil &&
		stored.ID == a.ID &&
		stored.Chassis == a.Chassis &&
		stored.Version == a.Version &&
		stored.CreatedAt.Equal(a.CreatedAt)
}

func (c *MongoAssistanceCollection) stored(ctx context.Context, id string) (*models.Assistance, error) {
	var a models.Assistance
	err := c.collection(ctx).FindOne(ctx, bson.M{fieldID: id}).Decode(&a)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// FindByID finds an assistance by its ID.
func (c *MongoAssistanceCollection) FindByID(ctx context.Context, id string) (*models.Assistance, error) {
	var a models.Assistance
	err := c.retry.do(ctx, "assistances.find_by_id", func(ctx context.Context) error {
		return c.collection(ctx).FindOne(ctx, bson.M{fieldID: id}).Decode(&a)
	})
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, apperr.ErrAssistanceNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Replace writes the whole document conditionally on its version.
func (c *MongoAssistanceCollection) Replace(ctx context.Context, a *models.Assistance, expectedVersion int64) error {
	return replaceWith(ctx, c.retry, a, expectedVersion, func(ctx context.Context) (int64, error) {
		res, err := c.collection(ctx).ReplaceOne(ctx, bson.M{fieldID: a.ID, "version": expectedVersion}, a)
		if err != nil {
			return 0, err
		}
		return res.MatchedCount, nil
	}, c.stored)
}

// replaceWith runs replace under r with a.Version bumped. When nothing
// matched after a retried attempt, a stored document at the bumped version
// with a's update time is the earlier attempt's write and counts as success.
func replaceWith(ctx context.Context, r *retrier, a *models.Assistance, expectedVersion int64, replace func(ctx context.Context) (int64, error), lookup lookupFunc) error {
	a.Version = expectedVersion + 1
	attempts := 0
	err := r.do(ctx, "assistances.replace", func(ctx context.Context) error {
		attempts++
		matched, err := replace(ctx)
		if mongo.IsDuplicateKeyError(err) {
			return apperr.ErrAssistanceInProgressAlreadyExists.Wrap(err)
		}
		if err != nil {
			return err
		}
		if matched > 0 {
			return nil
		}
		stored, err := lookup(ctx, a.ID)
		if err != nil {
			return err
		}
		switch {
		case stored == nil:
			return apperr.ErrAssistanceNotFound
		case attempts > 1 && stored.Version == a.Version && stored.UpdatedAt.Equal(a.UpdatedAt):
			return nil
		default:
			return apperr.ErrConcurrentUpdate
		}
	})
	if err != nil {
		a.Version = expectedVersion
	}
	return err
}

// FindActiveByChassis returns the in-progress case of a vehicle.
func (c *MongoAssistanceCollection) FindActiveByChassis(ctx context.Context, chassis string) (*models.Assistance, error) {
	return c.findActive(ctx, "assistances.find_active_by_chassis", bson.M{"chassis": chassis})
}

// FindActiveByTowerAsset returns the in-progress case handled by a tow truck.
func (c *MongoAssistanceCollection) FindActiveByTowerAsset(ctx context.Context, assetID string) (*models.Assistance, error) {
	return c.findActive(ctx, "assistances.find_active_by_tower_asset", bson.M{"tower_asset_id": assetID})
}

func (c *MongoAssistanceCollection) findActive(ctx context.Context, op string, filter bson.M) (*models.Assistance, error) {
	filter["state"] = models.StateInProgress
	opts := options.FindOne().SetSort(bson.D{{Key: fieldCreatedAt, Value: -1}})

	var a models.Assistance
	err := c.retry.do(ctx, op, func(ctx context.Context) error {
		return c.collection(ctx).FindOne(ctx, filter, opts).Decode(&a)
	})
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// List runs a keyset range scan. It fetches one extra document to learn
// whether another page exists.
func (c *MongoAssistanceCollection) List(ctx context.Context, q ListQuery) (*ListPage, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	filter, err := listFilter(q)
	if err != nil {
		return nil, err
	}

	dir := 1
	if q.Descending {
		dir = -1
	}
	field := q.SortField()
	opts := options.Find().
		SetSort(bson.D{{Key: field, Value: dir}, {Key: fieldID, Value: dir}}).
		SetLimit(int64(q.Limit + 1))

	var items []models.Assistance
	err = c.retry.do(ctx, "assistances.list", func(ctx context.Context) error {
		cursor, err := c.Find(ctx, filter, opts)
		if err != nil {
			return err
		}
		defer cursor.Close(ctx)
		items = nil
		return cursor.All(ctx, &items)
	})
	if err != nil {
		return nil, err
	}

	page := &ListPage{Items: items}
	if len(items) > q.Limit {
		page.Items = items[:q.Limit]
		page.LastKey = q.KeyOf(&page.Items[q.Limit-1])
	}
	return page, nil
}

// Find queries assistance documents with a raw filter.
func (c *MongoAssistanceCollection) Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (AssistanceCursor, error) {
	cursor, err := c.collection(ctx).Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return &mongoAssistanceCursor{cursor: cursor}, nil
}

func listFilter(q ListQuery) (bson.M, error) {
	filter := bson.M{}
	switch {
	case q.Chassis != "":
		filter["chassis"] = q.Chassis
	case q.State != "":
		filter[fieldStateCreatedAt] = prefixRange(models.SortKeyPrefix(q.State, q.DatePrefix))
	}
	if q.OccurrenceType != "" {
		filter["occurrence.type"] = q.OccurrenceType
	}
	if q.Chassis != "" && q.State != "" {
		filter["state"] = q.State
	}
	if len(q.After) == 0 {
		return filter, nil
	}

	field := q.SortField()
	after, ok := SortValue(q.After, field)
	lastID, idOK := q.After[fieldID].(string)
	if !ok || !idOK || len(q.After) != 2 {
		return nil, apperr.ErrInvalidCursor.WithMessage("cursor does not belong to this listing")
	}
	cmp := "$gt"
	if q.Descending {
		cmp = "$lt"
	}
	return bson.M{"$and": bson.A{
		filter,
		bson.M{"$or": bson.A{
			bson.M{field: bson.M{cmp: after}},
			bson.M{field: after, fieldID: bson.M{cmp: lastID}},
		}},
	}}, nil
}

// prefixRange matches every string starting with prefix.
func prefixRange(prefix string) bson.M {
	return bson.M{"$gte": prefix, "$lt": prefix + "\uffff"}
}

// mongoAssistanceCursor wraps a MongoDB cursor for assistance queries.
type mongoAssistanceCursor struct {
	cursor *mongo.Cursor
}

// All retrieves all results from the cursor.
func (m *mongoAssistanceCursor) All(ctx context.Context, out interface{}) error {
	return m.cursor.All(ctx, out)
}

// Close closes the cursor.
func (m *mongoAssistanceCursor) Close(ctx context.Context) error {
	return m.cursor.Close(ctx)
}

// DeleteAll removes every assistance document. Used by tests and local resets.
func (c *MongoAssistanceCollection) DeleteAll(ctx context.Context) error {
	_, err := c.collection(ctx).DeleteMany(ctx, bson.M{})
	return err
}
