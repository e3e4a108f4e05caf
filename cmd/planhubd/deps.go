package main

import (
	"context"
	"fmt"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/planhub/internal/config"
	"github.com/fyrsmithlabs/planhub/pkg/docstore"
	"github.com/fyrsmithlabs/planhub/pkg/pubsub"
)

const (
	embeddedReadyTimeout = 10 * time.Second
	bucketOpenTimeout    = 15 * time.Second
)

// dependencies holds the infrastructure shared by all services.
type dependencies struct {
	store     docstore.Store
	transport pubsub.Transport

	natsServer *natsserver.Server
	natsConn   *nats.Conn
	logger     *zap.Logger
}

// initDependencies opens the document store and the bus transport.
//
// The memory backend needs neither NATS nor a network and suits a single
// local instance. The nats backend connects to nats.url, or to an embedded
// JetStream server when nats.embedded is set, and opens the KV bucket.
func initDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*dependencies, error) {
	deps := &dependencies{logger: logger}

	if cfg.Store.Backend == config.BackendMemory {
		deps.store = docstore.NewMemoryStore()
		deps.transport = pubsub.NewMemoryTransport()
		logger.Info("using in-memory store and transport")
		return deps, nil
	}

	url := cfg.NATS.URL
	if cfg.NATS.Embedded {
		ns, err := startEmbeddedNATS(cfg.NATS.StoreDir)
		if err != nil {
			return nil, err
		}
		deps.natsServer = ns
		url = ns.ClientURL()
		logger.Info("embedded nats server started",
			zap.String("url", url),
			zap.String("store_dir", cfg.NATS.StoreDir))
	}

	nc, err := nats.Connect(url,
		nats.Name("planhubd"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.ReconnectWait(cfg.NATS.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrlRedacted()))
		}),
	)
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	deps.natsConn = nc

	js, err := jetstream.New(nc)
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	openCtx, cancel := context.WithTimeout(ctx, bucketOpenTimeout)
	defer cancel()
	store, err := docstore.OpenKVStore(openCtx, js, docstore.KVConfig{
		Bucket:   cfg.Store.Bucket,
		Replicas: cfg.Store.Replicas,
	})
	if err != nil {
		deps.Close()
		return nil, err
	}
	deps.store = store
	deps.transport = pubsub.NewNATSTransport(nc)

	logger.Info("connected to nats",
		zap.String("url", nc.ConnectedUrlRedacted()),
		zap.String("bucket", cfg.Store.Bucket))
	return deps, nil
}

func startEmbeddedNATS(storeDir string) (*natsserver.Server, error) {
	ns, err := natsserver.NewServer(&natsserver.Options{
		ServerName: "planhubd-embedded",
		Host:       "127.0.0.1",
		Port:       -1,
		NoSigs:     true,
		NoLog:      true,
		JetStream:  true,
		StoreDir:   storeDir,
	})
	if err != nil {
		return nil, fmt.Errorf("creating embedded nats server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(embeddedReadyTimeout) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded nats server not ready after %s", embeddedReadyTimeout)
	}
	return ns, nil
}

// Close releases resources in reverse order of acquisition.
func (d *dependencies) Close() {
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Warn("closing store", zap.Error(err))
		}
	}
	if d.natsConn != nil {
		_ = d.natsConn.Flush()
		d.natsConn.Close()
	}
	if d.natsServer != nil {
		d.natsServer.Shutdown()
		d.natsServer.WaitForShutdown()
	}
}
