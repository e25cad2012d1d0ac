package main

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/colinrozzi/chat-state/pkg/config"
	"github.com/colinrozzi/chat-state/pkg/controller"
	"github.com/colinrozzi/chat-state/pkg/events"
	"github.com/colinrozzi/chat-state/pkg/gateway"
	"github.com/colinrozzi/chat-state/pkg/logging"
	"github.com/colinrozzi/chat-state/pkg/persistence"
	"github.com/colinrozzi/chat-state/pkg/server"
	"github.com/colinrozzi/chat-state/pkg/settings"
)

func newServeCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the conversation state server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if err := logging.Init(cfg.Logging); err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	store, err := openStore(cfg.Storage)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("snapshot store close failed")
		}
	}()

	bus, err := events.BuildBus(cfg.Redis)
	if err != nil {
		return err
	}
	defer func() {
		if err := bus.Close(); err != nil {
			log.Warn().Err(err).Msg("event bus close failed")
		}
	}()

	catalog, err := loadCatalog(cfg.Catalog)
	if err != nil {
		return err
	}

	collab, err := buildCollaborator(cfg.Collaborator)
	if err != nil {
		return err
	}

	factory := func(convID string) (*controller.Controller, error) {
		return controller.New(controller.Config{
			ConversationID: convID,
			Collaborator:   collab,
			Store:          store,
			Bus:            bus,
			Catalog:        catalog,
		})
	}
	registry, err := server.NewRegistry(factory, bus)
	if err != nil {
		return err
	}

	srv, err := server.New(cfg.Server, registry)
	if err != nil {
		return err
	}
	log.Info().
		Str("storage", cfg.Storage.Backend).
		Bool("redis_events", cfg.Redis.Enabled).
		Str("collaborator", cfg.Collaborator.Endpoint).
		Msg("chat-state configured")
	return srv.Run(ctx)
}

// buildCollaborator picks the model transport. The "echo" endpoint runs the
// whole pipeline offline, mirroring user input back without credentials.
func buildCollaborator(s config.CollaboratorSettings) (gateway.Collaborator, error) {
	if s.Endpoint == "echo" {
		log.Warn().Msg("using offline echo collaborator, replies are mirrored input")
		return gateway.EchoCollaborator{}, nil
	}
	if s.APIKey == "" {
		log.Warn().Msg("no collaborator api key configured, relying on the endpoint's own auth")
	}
	return gateway.NewHTTPCollaborator(s.Endpoint, s.APIKey)
}

func openStore(s config.StorageSettings) (persistence.SnapshotStore, error) {
	switch s.Backend {
	case "memory":
		return persistence.NewMemoryStore(), nil
	case "bolt":
		return persistence.NewBoltStore(s.Path)
	case "sqlite":
		dsn, err := persistence.SQLiteDSNForFile(s.Path)
		if err != nil {
			return nil, err
		}
		return persistence.NewSQLiteStore(dsn)
	default:
		return nil, errors.Errorf("unknown storage backend %q", s.Backend)
	}
}

func loadCatalog(path string) (*settings.Catalog, error) {
	if path == "" {
		return settings.DefaultCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read model catalog %s", path)
	}
	return settings.LoadCatalog(data)
}
