package store

import (
	"context"
	"database/sql"
	"fmt"

	"cloud.google.com/go/spanner"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/zoff-tech/settings-relay/pkg/config"

	_ "github.com/lib/pq" // PostgreSQL driver
)

func NewRepository(ctx context.Context, cfg config.DbSettings) (SettingsRepository, error) {
	switch cfg.Type {
	case "postgres":
		db, err := sql.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, err
		}
		return &PostgresRepository{Db: db}, nil
	case "mongo":
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
		if err != nil {
			return nil, err
		}
		return NewMongoRepository(client, cfg.Name, cfg.Collection), nil
	case "spanner":
		client, err := spanner.NewClient(ctx, cfg.URI)
		if err != nil {
			return nil, err
		}
		return NewSpannerRepositoryFactory(client), nil
	default:
		return nil, fmt.Errorf("unsupported DB type: %s", cfg.Type)
	}
}
