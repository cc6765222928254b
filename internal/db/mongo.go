package db

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/ukydev/fleet-assistance/internal/models"
)

const (
	AssistancesCollection = "assistances"
	SequencesCollection   = "sequences"
)

// Options selects the Mongo deployment.
type Options struct {
	URI string
	// ReplicaURI points reads at a separate deployment. When empty, reads use
	// the primary deployment with a secondary-preferred read preference.
	ReplicaURI     string
	Database       string
	ConnectTimeout time.Duration
}

// Mongo holds the primary and replica handles of one logical database.
type Mongo struct {
	Client        *mongo.Client
	ReplicaClient *mongo.Client
	Primary       *mongo.Database
	Replica       *mongo.Database
}

// ConnectMongo connects to uri and pings it.
func ConnectMongo(ctx context.Context, uri string, timeout time.Duration) (*mongo.Client, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri).SetConnectTimeout(timeout))
	if err != nil {
		return nil, errors.Wrap(err, "mongo connect")
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.Wrap(err, "mongo ping")
	}
	return client, nil
}

// Open connects the primary and, when configured, the replica deployment.
func Open(ctx context.Context, opts Options) (*Mongo, error) {
	client, err := ConnectMongo(ctx, opts.URI, opts.ConnectTimeout)
	if err != nil {
		return nil, err
	}
	m := &Mongo{
		Client:  client,
		Primary: client.Database(opts.Database),
	}
	if opts.ReplicaURI == "" {
		m.Replica = client.Database(opts.Database,
			options.Database().SetReadPreference(readpref.SecondaryPreferred()))
		return m, nil
	}

	replica, err := ConnectMongo(ctx, opts.ReplicaURI, opts.ConnectTimeout)
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.Wrap(err, "replica")
	}
	m.ReplicaClient = replica
	m.Replica = replica.Database(opts.Database)
	return m, nil
}

func (m *Mongo) Close(ctx context.Context) error {
	var err error
	if m.ReplicaClient != nil {
		err = m.ReplicaClient.Disconnect(ctx)
	}
	if derr := m.Client.Disconnect(ctx); derr != nil {
		err = derr
	}
	return err
}

// EnsureIndexes creates the secondary indexes the listings and the
// one-active-case-per-vehicle rule rely on. It is idempotent.
func EnsureIndexes(ctx context.Context, database *mongo.Database) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "chassis", Value: 1}, {Key: "created_at", Value: -1}, {Key: "_id", Value: -1}},
			Options: options.Index().SetName("chassis_created_at"),
		},
		{
			Keys: bson.D{{Key: "chassis", Value: 1}},
			Options: options.Index().
				SetName("chassis_active_unique").
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"state": string(models.StateInProgress)}),
		},
		{
			Keys:    bson.D{{Key: "state_created_at", Value: 1}, {Key: "_id", Value: 1}},
			Options: options.Index().SetName("state_created_at"),
		},
		{
			Keys:    bson.D{{Key: "tower_asset_id", Value: 1}, {Key: "state", Value: 1}},
			Options: options.Index().SetName("tower_asset_state"),
		},
		{
			Keys:    bson.D{{Key: "occurrence.type", Value: 1}, {Key: "state_created_at", Value: 1}, {Key: "_id", Value: 1}},
			Options: options.Index().SetName("occurrence_type_state_created_at"),
		},
	}
	if _, err := database.Collection(AssistancesCollection).Indexes().CreateMany(ctx, indexes); err != nil {
		return errors.Wrap(err, "create assistance indexes")
	}
	return nil
}
