// Package callkit is the call session coordinator of the chat
// application: it establishes and tears down voice/video calls between
// chat participants, using the chat's own message stream as the signaling
// transport and an SFU-style media relay for the media itself.
//
// The package is a library; it has no process entry point and is wired
// into the chat UI, one Coordinator per call dialog.
package callkit

import (
	"context"
	"fmt"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"callkit/internal/domain"
	cassandrarepo "callkit/internal/repository/cassandra"
	cockroachrepo "callkit/internal/repository/cockroach"
	redisrepo "callkit/internal/repository/redis"
	"callkit/internal/service/call"
	"callkit/internal/service/credential"
	"callkit/internal/service/media"
	"callkit/internal/service/recording"
	"callkit/internal/service/signaling"
	"callkit/pkg/config"
	"callkit/pkg/logger"
)

// Re-exported domain types for embedding applications
type (
	CallMode    = domain.CallMode
	CallStatus  = domain.CallStatus
	CallSession = domain.CallSession
	CallEvent   = domain.CallEvent
	EventSink   = domain.EventSink
)

// Stack holds the coordinator's shared infrastructure: signaling store,
// push channel, call history, credential client, recording sink. One
// Stack serves the whole application; coordinators are created per call
// dialog.
type Stack struct {
	cfg        *config.Config
	cassandra  *gocql.Session
	redis      *redis.Client
	pool       *pgxpool.Pool
	transport  signaling.Transport
	subscriber call.SignalSubscriber
	finalizer  *call.RecordFinalizer
	joinerFor  func() *media.Joiner
	recordings *recording.Service
}

// Open connects the stack's backing services. Devices defaults to
// fabricated handles when nil; real hosts pass their capture hooks.
func Open(ctx context.Context, cfg *config.Config, devices media.DeviceSource) (*Stack, error) {
	if err := logger.Init(&logger.Config{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Output:   cfg.Log.Output,
		FilePath: cfg.Log.FilePath,
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	cluster := gocql.NewCluster(cfg.Cassandra.Hosts...)
	cluster.Keyspace = cfg.Cassandra.Keyspace
	cluster.Timeout = cfg.Cassandra.Timeout
	if consistency, err := gocql.ParseConsistencyWrapper(cfg.Cassandra.Consistency); err == nil {
		cluster.Consistency = consistency
	}
	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Cassandra: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		DialTimeout:  cfg.Redis.Timeout,
		ReadTimeout:  cfg.Redis.Timeout,
		WriteTimeout: cfg.Redis.Timeout,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	connString := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s pool_max_conns=%d pool_min_conns=%d",
		cfg.Database.Host, cfg.Database.Port, cfg.Database.User, cfg.Database.Password,
		cfg.Database.Database, cfg.Database.SSLMode, cfg.Database.MaxConns, cfg.Database.MinConns,
	)
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		session.Close()
		_ = redisClient.Close()
		return nil, fmt.Errorf("failed to connect to call history database: %w", err)
	}

	recordings, err := recording.NewService(cfg.MinIO)
	if err != nil {
		session.Close()
		_ = redisClient.Close()
		pool.Close()
		return nil, err
	}

	if devices == nil {
		devices = media.DefaultDeviceSource()
	}

	signalRepo := redisrepo.NewCallSignalRepository(redisClient)
	transport := signaling.NewStoreTransport(cassandrarepo.NewSignalingRepository(session), signalRepo)
	credentials := credential.NewHTTPProvider(cfg.Credential)
	factory := media.NewRelayClientFactory(cfg.Relay, devices)
	finalizer := call.NewRecordFinalizer(cockroachrepo.NewCallRepository(pool), recordings)

	return &Stack{
		cfg:        cfg,
		cassandra:  session,
		redis:      redisClient,
		pool:       pool,
		transport:  transport,
		subscriber: signalRepo,
		finalizer:  finalizer,
		recordings: recordings,
		joinerFor: func() *media.Joiner {
			return media.NewJoiner(factory, credentials, cfg.Call.JoinMaxRetries, cfg.Call.JoinSettleDelay)
		},
	}, nil
}

// NewCoordinator creates the coordinator for one call dialog
func (s *Stack) NewCoordinator(userID uuid.UUID, userName string, sink EventSink) *call.Coordinator {
	return call.NewCoordinator(userID, userName, s.transport, s.joinerFor(), call.Options{
		PollInterval: s.cfg.Call.PollInterval,
		Subscriber:   s.subscriber,
		Finalizer:    s.finalizer,
		Sink:         sink,
	})
}

// Recordings exposes the segment sink for hosts that capture call media
func (s *Stack) Recordings() *recording.Service {
	return s.recordings
}

// Close releases the stack's connections. Coordinators must be closed
// first; Close does not wait for in-flight calls.
func (s *Stack) Close() error {
	s.cassandra.Close()
	s.pool.Close()
	if err := s.redis.Close(); err != nil {
		return err
	}
	return logger.Sync()
}
