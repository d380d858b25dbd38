//go:build integration || e2e

// Package testutil provides test helpers for integration and e2e tests.
package testutil

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoURI returns the URI of the test MongoDB. It first checks
// GV50D_TEST_MONGO_URI, then discovers the Docker container IP, then
// falls back to localhost.
func MongoURI() string {
	if uri := os.Getenv("GV50D_TEST_MONGO_URI"); uri != "" {
		return uri
	}
	if ip := mongoContainerIP(); ip != "" {
		return "mongodb://" + ip + ":27017"
	}
	return "mongodb://127.0.0.1:27017"
}

func mongoContainerIP() string {
	out, err := exec.Command("docker", "inspect",
		"--format", "{{range .NetworkSettings.Networks}}{{.IPAddress}}{{end}}",
		"gv50d-test-mongo").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// SkipIfNoMongo skips the test if the test MongoDB is not reachable.
func SkipIfNoMongo(t *testing.T) {
	t.Helper()

	uri := MongoURI()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri).
		SetServerSelectionTimeout(2*time.Second))
	if err != nil {
		t.Skipf("test MongoDB not reachable at %s: %v", uri, err)
	}
	defer client.Disconnect(ctx)

	if err := client.Ping(ctx, nil); err != nil {
		t.Skipf("test MongoDB not reachable at %s: %v", uri, err)
	}
}

// TestDatabase returns a unique database name for this test and registers
// a cleanup that drops it.
func TestDatabase(t *testing.T) string {
	t.Helper()

	name := fmt.Sprintf("gv50d_test_%d", time.Now().UnixNano())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		client, err := mongo.Connect(ctx, options.Client().ApplyURI(MongoURI()))
		if err != nil {
			return
		}
		defer client.Disconnect(ctx)
		_ = client.Database(name).Drop(ctx)
	})

	return name
}

