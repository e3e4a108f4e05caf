// Package natstest starts embedded NATS servers for tests.
package natstest

import (
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/require"
)

// StartServer starts an embedded NATS server with JetStream on a random
// port. The server is shut down when the test ends.
func StartServer(t testing.TB) *natsserver.Server {
	t.Helper()

	opts := &natsserver.Options{
		Host:           "127.0.0.1",
		Port:           -1, // Random port
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 2048,
		JetStream:      true,
		StoreDir:       t.TempDir(),
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	return server
}

// Connect starts a server and returns a client connection to it.
func Connect(t testing.TB) (*natsserver.Server, *nats.Conn) {
	t.Helper()

	server := StartServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	return server, nc
}

// JetStream starts a server and returns a JetStream handle bound to it.
func JetStream(t testing.TB) (*nats.Conn, jetstream.JetStream) {
	t.Helper()

	_, nc := Connect(t)
	js, err := jetstream.New(nc)
	require.NoError(t, err)

	return nc, js
}
