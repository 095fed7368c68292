package config

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/tally-app/tally/pkg/domain/interfaces"
	"github.com/tally-app/tally/pkg/repository/firestore"
	"github.com/tally-app/tally/pkg/repository/memory"
	"github.com/tally-app/tally/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

// Store holds CLI flags for the local store backend.
type Store struct {
	backend    string
	projectID  string
	databaseID string
}

func (x *Store) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "store-backend",
			Usage:       "Local store backend (memory or firestore)",
			Value:       "memory",
			Sources:     cli.EnvVars("TALLY_STORE_BACKEND"),
			Destination: &x.backend,
		},
		&cli.StringFlag{
			Name:        "firestore-project-id",
			Usage:       "Firestore Project ID (required when using firestore backend)",
			Sources:     cli.EnvVars("TALLY_FIRESTORE_PROJECT_ID"),
			Destination: &x.projectID,
		},
		&cli.StringFlag{
			Name:        "firestore-database-id",
			Usage:       "Firestore Database ID",
			Sources:     cli.EnvVars("TALLY_FIRESTORE_DATABASE_ID"),
			Destination: &x.databaseID,
		},
	}
}

// Configure initializes and returns a store based on the configured backend.
// The caller is responsible for calling Close() on the returned store.
func (x *Store) Configure(ctx context.Context) (interfaces.Store, error) {
	switch x.backend {
	case "firestore":
		if x.projectID == "" {
			return nil, goerr.New("firestore-project-id is required when using firestore backend")
		}
		store, err := firestore.New(ctx, x.projectID, x.databaseID)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to initialize firestore store")
		}
		logging.Default().Info("Using Firestore store",
			"project_id", x.projectID,
			"database_id", x.databaseID,
		)
		return store, nil

	case "memory":
		logging.Default().Info("Using in-memory store (development mode)")
		return memory.New(), nil

	default:
		return nil, goerr.New("invalid store backend", goerr.V("backend", x.backend))
	}
}
