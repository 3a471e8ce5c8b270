package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/mcdev12/scoresync/go/internal/registry"
)

// Service is the relay server: websocket rooms, the registry RPC and the
// background sweeps.
type Service struct {
	config            Config
	connectionManager *ConnectionManager
	registry          *registry.App
	store             registry.Store
	archive           Archive
}

// Config holds configuration for the relay server.
type Config struct {
	ConnectionConfig ConnectionConfig
	// CleanupInterval is how often expired registry entries are swept.
	CleanupInterval time.Duration
	// ArchiveRetention is how long an empty room's archive is kept.
	ArchiveRetention time.Duration
	PruneInterval    time.Duration
}

func DefaultConfig() Config {
	return Config{
		ConnectionConfig: DefaultConnectionConfig(),
		CleanupInterval:  10 * time.Minute,
		ArchiveRetention: registry.EntryTTL,
		PruneInterval:    time.Hour,
	}
}

// NewService wires the relay over a registry store and an optional archive.
// A nil store disables admission by registry and the registry RPC.
func NewService(config Config, store registry.Store, reg *registry.App, archive Archive) *Service {
	return &Service{
		config:            config,
		connectionManager: NewConnectionManager(config.ConnectionConfig, reg, archive, nil),
		registry:          reg,
		store:             store,
		archive:           archive,
	}
}

// Start runs the relay loop and the sweeps until ctx is done, then archives
// the rooms still live.
func (s *Service) Start(ctx context.Context) error {
	log.Info().Msg("starting relay gateway service")

	go s.connectionManager.Start(ctx)
	if s.registry != nil {
		go s.registry.RunCleanup(ctx, s.config.CleanupInterval)
	}
	if s.archive != nil {
		go s.runPrune(ctx)
	}

	<-ctx.Done()

	log.Info().Msg("relay gateway service shutting down")
	return s.Stop()
}

// Stop archives live rooms.
func (s *Service) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ConnectionConfig.ArchiveTimeout)
	defer cancel()
	s.connectionManager.ArchiveLive(ctx)
	log.Info().Msg("relay gateway service stopped")
	return nil
}

func (s *Service) runPrune(ctx context.Context) {
	ticker := time.NewTicker(s.config.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.prune(ctx)
		}
	}
}

func (s *Service) prune(ctx context.Context) {
	before := s.connectionManager.clock.Now().Add(-s.config.ArchiveRetention)
	n, err := s.archive.Prune(ctx, before)
	if err != nil {
		log.Error().Err(err).Msg("archive prune failed")
		return
	}
	if n > 0 {
		log.Info().Int("removed", n).Msg("pruned room archives")
	}
}

// RegisterRoutes registers the relay HTTP routes.
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/relay", s.HandleRelayConnection)
	mux.HandleFunc("/ws/stats", s.HandleConnectionStats)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	if s.store != nil {
		path, handler := registry.NewRPCHandler(s.store)
		mux.Handle(path, handler)
	}
	log.Info().Msg("relay gateway routes registered")
}

// Handler returns the routes wrapped with CORS and h2c.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})
	return h2c.NewHandler(c.Handler(mux), &http2.Server{})
}

func (s *Service) HandleRelayConnection(w http.ResponseWriter, r *http.Request) {
	if err := s.connectionManager.UpgradeConnection(w, r); err != nil {
		// The upgrader has already replied when the upgrade itself failed.
		log.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("relay connection closed during handshake")
	}
}

func (s *Service) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.GetStats()); err != nil {
		log.Error().Err(err).Msg("failed to encode stats")
	}
}

// GetStats returns statistics about the relay.
func (s *Service) GetStats() map[string]interface{} {
	stats := s.connectionManager.GetConnectionStats()
	stats["service"] = "relay_gateway"
	stats["status"] = "running"
	return stats
}
