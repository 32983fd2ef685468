// Package containers starts throwaway NATS and Redis servers for
// integration tests.
package containers

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Images used by integration tests.
const (
	NATSImage  = "nats:2.10-alpine"
	RedisImage = "redis:7-alpine"
)

// StartNATS runs a JetStream-enabled NATS server and returns its client URL.
func StartNATS(t *testing.T) string {
	t.Helper()
	req := testcontainers.ContainerRequest{
		Image:        NATSImage,
		Cmd:          []string{"-js"},
		ExposedPorts: []string{"4222/tcp"},
		WaitingFor:   wait.ForLog("Server is ready").WithStartupTimeout(60 * time.Second),
	}
	return "nats://" + start(t, req)
}

// StartRedis runs a Redis server and returns its host:port address.
func StartRedis(t *testing.T) string {
	t.Helper()
	req := testcontainers.ContainerRequest{
		Image:        RedisImage,
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
	}
	return start(t, req)
}

// start runs req and returns the host:port of its first exposed port.
func start(t *testing.T, req testcontainers.ContainerRequest) string {
	t.Helper()
	ctx := context.Background()

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("failed to start %s: %v", req.Image, err)
	}
	t.Cleanup(func() {
		if err := c.Terminate(context.Background()); err != nil {
			t.Logf("terminate %s: %v", req.Image, err)
		}
	})

	endpoint, err := c.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("failed to get %s endpoint: %v", req.Image, err)
	}
	return endpoint
}
