package store

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/spanner"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"

	"github.com/zoff-tech/settings-relay/schema"
)

// SpannerRepository stores records in a user_settings table with the
// settings blob as a JSON string column.
type SpannerRepository struct {
	client *spanner.Client
}

var NewSpannerRepositoryFactory = func(client *spanner.Client) SettingsRepository {
	return &SpannerRepository{client: client}
}

func (s *SpannerRepository) Get(ctx context.Context, nickname string) (*Record, error) {
	row, err := s.client.Single().ReadRow(ctx, "user_settings",
		spanner.Key{nickname}, []string{"settings", "version"})
	if spanner.ErrCode(err) == codes.NotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var (
		settingsJSON string
		version      int64
	)
	if err := row.Columns(&settingsJSON, &version); err != nil {
		return nil, err
	}

	var settings schema.UserSettings
	if err := json.Unmarshal([]byte(settingsJSON), &settings); err != nil {
		return nil, fmt.Errorf("decode settings for %s: %w", nickname, err)
	}

	return &Record{Nickname: nickname, Settings: settings, Version: int(version)}, nil
}

func (s *SpannerRepository) Insert(ctx context.Context, record *Record) error {
	settingsJSON, err := json.Marshal(record.Settings)
	if err != nil {
		return err
	}

	mutation := spanner.Insert("user_settings",
		[]string{"nickname", "settings", "version"},
		[]interface{}{record.Nickname, string(settingsJSON), int64(record.Version)})
	_, err = s.client.Apply(ctx, []*spanner.Mutation{mutation})
	if spanner.ErrCode(err) == codes.AlreadyExists {
		return ErrAlreadyExists
	}
	return err
}

func (s *SpannerRepository) UpdateVersioned(ctx context.Context, nickname string, settings schema.UserSettings, version int) error {
	settingsJSON, err := json.Marshal(settings)
	if err != nil {
		return err
	}

	_, err = s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		stmt := spanner.Statement{
			SQL: `UPDATE user_settings SET settings = @settings, version = @version
                  WHERE nickname = @nickname AND version < @version`,
			Params: map[string]interface{}{
				"nickname": nickname,
				"settings": string(settingsJSON),
				"version":  int64(version),
			},
		}
		count, err := txn.Update(ctx, stmt)
		if err != nil {
			return err
		}
		if count == 0 {
			return ErrStaleVersion
		}
		return nil
	})
	return err
}

func (s *SpannerRepository) Scan(ctx context.Context, afterNickname string, limit int) ([]Record, error) {
	stmt := spanner.Statement{
		SQL: `SELECT nickname, settings, version FROM user_settings
              WHERE nickname > @after ORDER BY nickname LIMIT @limit`,
		Params: map[string]interface{}{
			"after": afterNickname,
			"limit": int64(limit),
		},
	}

	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	var records []Record
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}

		var (
			nickname     string
			settingsJSON string
			version      int64
		)
		if err := row.Columns(&nickname, &settingsJSON, &version); err != nil {
			return nil, err
		}

		var settings schema.UserSettings
		if err := json.Unmarshal([]byte(settingsJSON), &settings); err != nil {
			return nil, fmt.Errorf("decode settings for %s: %w", nickname, err)
		}
		records = append(records, Record{Nickname: nickname, Settings: settings, Version: int(version)})
	}

	return records, nil
}
