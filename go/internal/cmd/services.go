package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/scoresync/go/internal/collab"
	"github.com/mcdev12/scoresync/go/internal/doc"
	"github.com/mcdev12/scoresync/go/internal/history"
	"github.com/mcdev12/scoresync/go/internal/merge"
	"github.com/mcdev12/scoresync/go/internal/models"
	"github.com/mcdev12/scoresync/go/internal/presence"
	"github.com/mcdev12/scoresync/go/internal/registry"
	"github.com/mcdev12/scoresync/go/internal/session"
	"github.com/mcdev12/scoresync/go/internal/transport"
	"github.com/mcdev12/scoresync/go/internal/transport/memory"
	"github.com/mcdev12/scoresync/go/internal/transport/mesh"
	"github.com/mcdev12/scoresync/go/internal/transport/relay"
)

type Services struct {
	Sessions   *session.Store
	Bolt       *session.BoltStore
	Backups    *session.BoltBackups
	Registry   *registry.App
	Manager    *collab.Manager
	Supervisor *collab.Supervisor

	closers []func()
}

// Close releases connections in reverse order of creation.
func (s *Services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// setupServices wires the engine. Persistence first, then the registry and
// transports, then the manager on top.
func setupServices(ctx context.Context, cfg *Config, demo bool, confirmer merge.Confirmer, observer collab.Observer) (*Services, error) {
	clock := clockwork.NewRealClock()
	services := &Services{}

	// Sessions
	bolt, err := session.OpenBolt(cfg.Client.DataFile)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Client.DataFile, err)
	}
	services.closers = append(services.closers, func() { bolt.Close() })
	services.Bolt = bolt

	sessions := session.NewStore(clock)
	bolt.Track(sessions)
	loaded, err := bolt.LoadInto(sessions)
	if err != nil {
		services.Close()
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	if all := sessions.List(); len(all) > 0 {
		sessions.SetCurrent(all[len(all)-1].ID)
	} else {
		sessions.Create()
	}
	log.Info().Int("sessions", loaded).Str("data_file", cfg.Client.DataFile).Msg("Loaded sessions")
	services.Sessions = sessions
	services.Backups = session.NewBoltBackups(bolt, sessions, clock)

	// NATS carries mesh signaling, the KV registry and the history stream.
	var nc *nats.Conn
	if !demo && cfg.Sync.NATSURL != "" {
		nc, err = nats.Connect(cfg.Sync.NATSURL,
			nats.Name("scoresync-client"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			log.Warn().Err(err).Str("nats_url", cfg.Sync.NATSURL).Msg("NATS unavailable, peer rooms disabled")
			nc = nil
		} else {
			services.closers = append(services.closers, nc.Close)
		}
	}

	// Registry
	store, err := setupRegistryStore(ctx, cfg, demo, nc)
	if err != nil {
		services.Close()
		return nil, err
	}
	services.Registry = registry.NewApp(store, clock)

	// Transports
	var factory transport.Factory
	if demo {
		hub := memory.NewHub()
		factory = transport.Router{models.RoomKindPeer: hub, models.RoomKindRelay: hub}
	} else {
		router := transport.Router{
			models.RoomKindRelay: relay.NewFactory(relay.Config{URL: cfg.Sync.RelayURL, Clock: clock}),
		}
		if nc != nil {
			meshCfg := mesh.DefaultConfig()
			meshCfg.IncludeLoopback = cfg.Sync.IncludeLoopback
			router[models.RoomKindPeer] = mesh.NewFactory(mesh.NewNATSSignaler(nc), meshCfg)
		}
		factory = router
	}

	// History
	sinks := history.Multi{history.NewLogSink(log.Logger)}
	if cfg.History.JetStream && nc != nil {
		js, err := jetstream.New(nc)
		if err != nil {
			services.Close()
			return nil, fmt.Errorf("create JetStream context: %w", err)
		}
		sink, err := history.NewJetStreamSink(ctx, js, history.DefaultJetStreamConfig())
		if err != nil {
			services.Close()
			return nil, err
		}
		sinks = append(sinks, sink)
	}

	// Engine
	coordinator := merge.NewCoordinator(services.Backups, sinks, confirmer, clock)
	managerCfg := collab.DefaultConfig()
	managerCfg.ConnectTimeout = cfg.Sync.ConnectTimeout
	managerCfg.Color = cfg.Client.Color
	managerCfg.Presence = presence.Config{
		ProtocolVersion:    cfg.Sync.ProtocolVersion,
		MinProtocolVersion: cfg.Sync.MinProtocolVersion,
	}
	services.Manager = collab.NewManager(
		collab.NewSyncContext(observer),
		sessions,
		services.Registry,
		factory,
		managerCfg,
		collab.WithClock(clock),
		collab.WithMerger(coordinator),
	)
	services.Supervisor = collab.NewSupervisor(services.Manager)

	return services, nil
}

func setupRegistryStore(ctx context.Context, cfg *Config, demo bool, nc *nats.Conn) (registry.Store, error) {
	if demo {
		return registry.NewDocStore(doc.NewLWWDoc()), nil
	}
	switch cfg.Registry.Backend {
	case "remote":
		return registry.NewRemoteStore(http.DefaultClient, cfg.Registry.URL), nil

	case "nats":
		if nc == nil {
			return nil, fmt.Errorf("nats registry requires a NATS connection")
		}
		js, err := jetstream.New(nc)
		if err != nil {
			return nil, fmt.Errorf("create JetStream context: %w", err)
		}
		return registry.NewKVStore(ctx, js, registry.DefaultKVConfig())

	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Registry.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to ping redis: %w", err)
		}
		return registry.NewRedisStore(rdb), nil

	case "doc":
		return registry.NewDocStore(doc.NewLWWDoc()), nil
	}
	return nil, fmt.Errorf("unknown registry backend %q", cfg.Registry.Backend)
}
