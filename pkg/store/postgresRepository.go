package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/zoff-tech/settings-relay/schema"
)

// PostgresRepository stores records in a user_settings table with a jsonb
// settings column keyed by nickname, matching the registration schema.
type PostgresRepository struct {
	Db *sql.DB // using database/sql
}

func (p *PostgresRepository) Get(ctx context.Context, nickname string) (*Record, error) {
	tracer := otel.Tracer("settings-relay")
	ctx, span := tracer.Start(ctx, "Get")
	defer span.End()

	startTime := time.Now()

	var (
		settingsJSON []byte
		version      int
	)
	err := p.Db.QueryRowContext(ctx,
		`SELECT settings, version FROM user_settings WHERE nickname=$1`, nickname).
		Scan(&settingsJSON, &version)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	var settings schema.UserSettings
	if err := json.Unmarshal(settingsJSON, &settings); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("decode settings for %s: %w", nickname, err)
	}

	addDBStatsToSpan(span, "postgresql", "Get", 1, time.Since(startTime))

	return &Record{Nickname: nickname, Settings: settings, Version: version}, nil
}

func (p *PostgresRepository) Insert(ctx context.Context, record *Record) error {
	tracer := otel.Tracer("settings-relay")
	ctx, span := tracer.Start(ctx, "Insert")
	defer span.End()

	startTime := time.Now()

	settingsJSON, err := json.Marshal(record.Settings)
	if err != nil {
		span.RecordError(err)
		return err
	}

	// ON CONFLICT DO NOTHING makes the nickname uniqueness constraint
	// authoritative; any pre-check by the caller is only an optimization.
	result, err := p.Db.ExecContext(ctx,
		`INSERT INTO user_settings (nickname, settings, version) VALUES ($1, $2, $3)
         ON CONFLICT (nickname) DO NOTHING`,
		record.Nickname, settingsJSON, record.Version)
	if err != nil {
		span.RecordError(err)
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		span.RecordError(err)
		return err
	}
	if affected == 0 {
		return ErrAlreadyExists
	}

	addDBStatsToSpan(span, "postgresql", "Insert", 1, time.Since(startTime))

	return nil
}

func (p *PostgresRepository) UpdateVersioned(ctx context.Context, nickname string, settings schema.UserSettings, version int) error {
	tracer := otel.Tracer("settings-relay")
	ctx, span := tracer.Start(ctx, "UpdateVersioned")
	defer span.End()

	startTime := time.Now()

	settingsJSON, err := json.Marshal(settings)
	if err != nil {
		span.RecordError(err)
		return err
	}

	result, err := p.Db.ExecContext(ctx,
		`UPDATE user_settings SET settings=$2, version=$3 WHERE nickname=$1 AND version < $3`,
		nickname, settingsJSON, version)
	if err != nil {
		span.RecordError(err)
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		span.RecordError(err)
		return err
	}
	if affected == 0 {
		// Existence was checked by the engine before the write, so a no-op
		// means the version guard lost a race.
		return ErrStaleVersion
	}

	addDBStatsToSpan(span, "postgresql", "UpdateVersioned", 1, time.Since(startTime))

	return nil
}

func (p *PostgresRepository) Scan(ctx context.Context, afterNickname string, limit int) ([]Record, error) {
	tracer := otel.Tracer("settings-relay")
	ctx, span := tracer.Start(ctx, "Scan")
	defer span.End()

	startTime := time.Now()

	rows, err := p.Db.QueryContext(ctx,
		`SELECT nickname, settings, version FROM user_settings
         WHERE nickname > $1 ORDER BY nickname ASC LIMIT $2`,
		afterNickname, limit)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			record       Record
			settingsJSON []byte
		)
		if err := rows.Scan(&record.Nickname, &settingsJSON, &record.Version); err != nil {
			span.RecordError(err)
			return nil, err
		}
		if err := json.Unmarshal(settingsJSON, &record.Settings); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("decode settings for %s: %w", record.Nickname, err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	addDBStatsToSpan(span, "postgresql", "Scan", len(records), time.Since(startTime))

	return records, nil
}
