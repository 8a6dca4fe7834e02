package nats

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Stream, subject and bucket names.
const (
	StreamOutbound  = "HL7_OUTBOUND"
	SubjectOutbound = "hl7.outbound"
	StreamAudit     = "HL7_AUDIT"
	SubjectAudit    = "audit"

	BucketStats   = "HL7_STATS"
	BucketDLQ     = "HL7_DLQ"
	BucketHistory = "HL7_HISTORY"
)

type EmbeddedServer struct {
	server *server.Server
	nc     *nats.Conn
	js     jetstream.JetStream
	logger zerolog.Logger
}

// NewEmbeddedServer starts an in-process JetStream server storing its data
// under dataDir and declares the bridge streams and buckets.
func NewEmbeddedServer(dataDir string, logger zerolog.Logger) (*EmbeddedServer, error) {
	logger = logger.With().Str("component", "nats").Logger()

	opts := &server.Options{
		JetStream: true,
		StoreDir:  filepath.Join(dataDir, "nats-store"),
		Port:      server.RANDOM_PORT,
		NoSigs:    true,
	}

	if err := os.MkdirAll(opts.StoreDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create NATS server: %w", err)
	}
	ns.Start()

	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server not ready")
	}

	logger.Info().Str("client_url", ns.ClientURL()).Msg("embedded NATS server started")

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		ns.Shutdown()
		return nil, fmt.Errorf("failed to start JetStream: %w", err)
	}

	es := &EmbeddedServer{
		server: ns,
		nc:     nc,
		js:     js,
		logger: logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := es.createStreams(ctx); err != nil {
		es.Shutdown()
		return nil, err
	}
	if err := es.createKVStores(ctx); err != nil {
		es.Shutdown()
		return nil, err
	}

	return es, nil
}

func (es *EmbeddedServer) createStreams(ctx context.Context) error {
	streams := []jetstream.StreamConfig{
		{
			Name:        StreamOutbound,
			Description: "SIU write-back messages waiting for the legacy HIS",
			Subjects:    []string{SubjectOutbound + ".>"},
			Retention:   jetstream.WorkQueuePolicy,
			MaxAge:      7 * 24 * time.Hour,
			Storage:     jetstream.FileStorage,
			Replicas:    1,
			MaxMsgs:     1000000,
			MaxBytes:    1024 * 1024 * 1024, // 1GB
		},
		{
			Name:        StreamAudit,
			Description: "Audit trail events",
			Subjects:    []string{SubjectAudit + ".>"},
			Retention:   jetstream.LimitsPolicy,
			MaxAge:      30 * 24 * time.Hour,
			Storage:     jetstream.FileStorage,
			Replicas:    1,
			MaxBytes:    512 * 1024 * 1024, // 512MB
		},
	}

	for _, cfg := range streams {
		if _, err := es.js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("failed to create stream %s: %w", cfg.Name, err)
		}
		es.logger.Info().Str("stream", cfg.Name).Msg("stream ready")
	}
	return nil
}

func (es *EmbeddedServer) createKVStores(ctx context.Context) error {
	buckets := []jetstream.KeyValueConfig{
		{
			Bucket:      BucketStats,
			Description: "Bridge counters",
			History:     10,
			MaxBytes:    1024 * 1024, // 1MB
			Storage:     jetstream.FileStorage,
		},
		{
			Bucket:      BucketDLQ,
			Description: "Outbound messages that exhausted their delivery attempts",
			History:     1,
			TTL:         7 * 24 * time.Hour,
			MaxBytes:    100 * 1024 * 1024, // 100MB
			Storage:     jetstream.FileStorage,
		},
		{
			Bucket:      BucketHistory,
			Description: "Recent outbound messages",
			History:     1,
			TTL:         24 * time.Hour,
			MaxBytes:    500 * 1024 * 1024, // 500MB
			Storage:     jetstream.FileStorage,
		},
	}

	for _, cfg := range buckets {
		if _, err := es.js.CreateKeyValue(ctx, cfg); err != nil {
			return fmt.Errorf("failed to create KV bucket %s: %w", cfg.Bucket, err)
		}
		es.logger.Info().Str("bucket", cfg.Bucket).Msg("KV bucket ready")
	}
	return nil
}

func (es *EmbeddedServer) JetStream() jetstream.JetStream {
	return es.js
}

func (es *EmbeddedServer) Connection() *nats.Conn {
	return es.nc
}

func (es *EmbeddedServer) Shutdown() {
	if es.nc != nil {
		es.nc.Close()
	}
	if es.server != nil {
		es.server.Shutdown()
		es.server.WaitForShutdown()
	}
	es.logger.Info().Msg("NATS server stopped")
}
