package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

var (
	// Shared single-node replica set for Mongo integration tests
	globalMongo     *MongoContainer
	globalMongoOnce sync.Once
	globalMongoErr  error
)

// MongoContainer is a single-node MongoDB replica set, so multi-document
// transactions are available.
type MongoContainer struct {
	testcontainers.Container
	URI    string
	Client *mongo.Client
}

// NewMongoContainer starts mongo with --replSet, initiates the set and waits
// until the node is a writable primary.
func NewMongoContainer(ctx context.Context, image string) (*MongoContainer, error) {
	if image == "" {
		image = "mongo:7"
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        image,
			ExposedPorts: []string{"27017/tcp"},
			Cmd:          []string{"--replSet", "rs0", "--bind_ip_all"},
			WaitingFor:   wait.ForLog("Waiting for connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start mongo container: %w", err)
	}

	code, _, err := container.Exec(ctx, []string{
		"mongosh", "--quiet", "--eval",
		"rs.initiate({_id: 'rs0', members: [{_id: 0, host: 'localhost:27017'}]})",
	})
	if err != nil || code != 0 {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to initiate replica set (exit %d): %v", code, err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "27017/tcp")
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get mapped port: %w", err)
	}
	uri := fmt.Sprintf("mongodb://%s:%s/?directConnection=true", host, port.Port())

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to connect to mongo container: %w", err)
	}

	if err := waitForPrimary(ctx, client, 30*time.Second); err != nil {
		_ = client.Disconnect(ctx)
		container.Terminate(ctx)
		return nil, err
	}

	return &MongoContainer{Container: container, URI: uri, Client: client}, nil
}

func waitForPrimary(ctx context.Context, client *mongo.Client, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		var hello struct {
			IsWritablePrimary bool `bson:"isWritablePrimary"`
		}
		err := client.Database("admin").RunCommand(ctx, bson.D{{Key: "hello", Value: 1}}).Decode(&hello)
		if err == nil && hello.IsWritablePrimary {
			return nil
		}
		time.Sleep(250 * time.Millisecond)
	}
	return fmt.Errorf("mongo replica set did not elect a primary within %s", timeout)
}

// MustMongoContainer skips under -short and returns the shared replica set.
func MustMongoContainer(t *testing.T) *MongoContainer {
	t.Helper()
	SkipIfShort(t)

	globalMongoOnce.Do(func() {
		globalMongo, globalMongoErr = NewMongoContainer(context.Background(), "")
	})
	if globalMongoErr != nil {
		t.Fatalf("failed to start mongo container: %v", globalMongoErr)
	}
	return globalMongo
}

// TerminateMongoContainer stops the shared replica set.
// Only call this in TestMain after all tests have completed.
func TerminateMongoContainer(ctx context.Context) {
	if globalMongo == nil {
		return
	}
	_ = globalMongo.Client.Disconnect(ctx)
	globalMongo.Terminate(ctx)
}
