package storage

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoSettings tunes the client behind MongoStorage. Zero fields fall back
// to the defaults below.
type MongoSettings struct {
	URI                    string
	Database               string
	MaxPoolSize            uint64
	MinPoolSize            uint64
	ConnectTimeout         time.Duration
	ServerSelectionTimeout time.Duration
}

const (
	defaultMongoMaxPool          = 100
	defaultMongoMinPool          = 10
	defaultMongoConnectTimeout   = 10 * time.Second
	defaultMongoSelectionTimeout = 5 * time.Second
)

func (s MongoSettings) clientOptions() *options.ClientOptions {
	if s.MaxPoolSize == 0 {
		s.MaxPoolSize = defaultMongoMaxPool
	}
	if s.MinPoolSize == 0 {
		s.MinPoolSize = defaultMongoMinPool
	}
	if s.MinPoolSize > s.MaxPoolSize {
		s.MinPoolSize = s.MaxPoolSize
	}
	if s.ConnectTimeout <= 0 {
		s.ConnectTimeout = defaultMongoConnectTimeout
	}
	if s.ServerSelectionTimeout <= 0 {
		s.ServerSelectionTimeout = defaultMongoSelectionTimeout
	}

	return options.Client().
		ApplyURI(s.URI).
		SetAppName("cart-store").
		SetConnectTimeout(s.ConnectTimeout).
		SetServerSelectionTimeout(s.ServerSelectionTimeout).
		SetMaxPoolSize(s.MaxPoolSize).
		SetMinPoolSize(s.MinPoolSize)
}

// ConnectMongoDB opens a client for the snapshot database and pings it. The
// client is disconnected again when the ping fails.
func ConnectMongoDB(ctx context.Context, s MongoSettings) (*mongo.Database, error) {
	if s.Database == "" {
		return nil, fmt.Errorf("mongo database name is required")
	}

	client, err := mongo.Connect(ctx, s.clientOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return client.Database(s.Database), nil
}
