package routing

import (
	"context"

	"github.com/jmoiron/sqlx"
	"go.mongodb.org/mongo-driver/mongo"
)

// MongoRouter picks the database handle for the target on ctx.
type MongoRouter struct {
	primary *mongo.Database
	replica *mongo.Database
}

// NewMongoRouter builds a router. A nil replica sends reads to the primary.
func NewMongoRouter(primary, replica *mongo.Database) *MongoRouter {
	return &MongoRouter{primary: primary, replica: replica}
}

func (r *MongoRouter) Database(ctx context.Context) *mongo.Database {
	if TargetFrom(ctx) == Replica && r.replica != nil {
		return r.replica
	}
	return r.primary
}

// Collection is shorthand for Database(ctx).Collection(name).
func (r *MongoRouter) Collection(ctx context.Context, name string) *mongo.Collection {
	return r.Database(ctx).Collection(name)
}

// SQLRouter is the relational counterpart of MongoRouter.
type SQLRouter struct {
	primary *sqlx.DB
	replica *sqlx.DB
}

func NewSQLRouter(primary, replica *sqlx.DB) *SQLRouter {
	return &SQLRouter{primary: primary, replica: replica}
}

func (r *SQLRouter) DB(ctx context.Context) *sqlx.DB {
	if TargetFrom(ctx) == Replica && r.replica != nil {
		return r.replica
	}
	return r.primary
}

// Primary returns the writable handle regardless of ctx.
func (r *SQLRouter) Primary() *sqlx.DB { return r.primary }

// Close closes both handles. The replica may alias the primary.
func (r *SQLRouter) Close() error {
	var err error
	if r.replica != nil && r.replica != r.primary {
		err = r.replica.Close()
	}
	if cerr := r.primary.Close(); cerr != nil {
		err = cerr
	}
	return err
}
