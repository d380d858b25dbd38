package store

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/fleetlink/gv50d/pkg/util"
)

// Collection names. The schema predates this server, so the names are
// fixed: state rows in "vehicles", history in "vehicle_data",
// notification recipients in "customers".
const (
	devicesCollection   = "vehicles"
	telemetryCollection = "vehicle_data"
	customersCollection = "customers"
)

const connectTimeout = 5 * time.Second

// MongoStore implements Store on MongoDB.
type MongoStore struct {
	client    *mongo.Client
	devices   *mongo.Collection
	telemetry *mongo.Collection
	customers *mongo.Collection
}

// NewMongoStore connects to the MongoDB at uri and binds the collections
// in database db. The connection is verified with a ping before use.
func NewMongoStore(ctx context.Context, uri, db string) (*MongoStore, error) {
	opts := options.Client().
		ApplyURI(uri).
		SetServerSelectionTimeout(connectTimeout)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("store: connecting to %s: %w", uri, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("store: pinging %s: %w", uri, err)
	}

	d := client.Database(db)
	s := &MongoStore{
		client:    client,
		devices:   d.Collection(devicesCollection),
		telemetry: d.Collection(telemetryCollection),
		customers: d.Collection(customersCollection),
	}

	util.Logger.WithField("db", db).Info("connected to MongoDB")
	return s, nil
}

// EnsureIndexes creates the indexes the server depends on: a unique IMEI
// index on device rows and a compound (imei, server_ts) index for
// per-device history scans. Safe to call on every start.
func (m *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := m.devices.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "imei", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("store: creating imei index: %w", err)
	}

	_, err = m.telemetry.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "imei", Value: 1},
			{Key: "server_ts", Value: -1},
		},
	})
	if err != nil {
		return fmt.Errorf("store: creating telemetry index: %w", err)
	}
	return nil
}

func (m *MongoStore) AppendTelemetry(ctx context.Context, s *Sample) error {
	if _, err := m.telemetry.InsertOne(ctx, s); err != nil {
		return fmt.Errorf("store: appending telemetry for %s: %w", s.IMEI, err)
	}
	return nil
}

func (m *MongoStore) LoadDevice(ctx context.Context, imei string) (*Device, error) {
	var d Device
	err := m.devices.FindOne(ctx, bson.M{"imei": imei}).Decode(&d)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: loading device %s: %w", imei, err)
	}
	return &d, nil
}

func (m *MongoStore) UpsertDevice(ctx context.Context, imei string, u Update) error {
	if u.IsZero() {
		return nil
	}

	update := bson.M{"$setOnInsert": bson.M{"imei": imei}}
	if len(u.Set) > 0 {
		update["$set"] = bson.M(u.Set)
	}
	if len(u.Unset) > 0 {
		unset := bson.M{}
		for _, field := range u.Unset {
			unset[field] = ""
		}
		update["$unset"] = unset
	}

	_, err := m.devices.UpdateOne(ctx, bson.M{"imei": imei}, update,
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("store: updating device %s: %w", imei, err)
	}
	return nil
}

func (m *MongoStore) LoadCustomer(ctx context.Context, id string) (*Customer, error) {
	// Customer references are ObjectID hex strings in the existing
	// schema, but plain string keys occur in older rows.
	var filter bson.M
	if oid, err := primitive.ObjectIDFromHex(id); err == nil {
		filter = bson.M{"_id": oid}
	} else {
		filter = bson.M{"_id": id}
	}

	var c Customer
	err := m.customers.FindOne(ctx, filter).Decode(&c)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: loading customer %s: %w", id, err)
	}
	c.ID = id
	return &c, nil
}

func (m *MongoStore) Close(ctx context.Context) error {
	if err := m.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("store: disconnecting: %w", err)
	}
	return nil
}
