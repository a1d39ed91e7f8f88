// Package settings implements the reconciliation engine: it consumes update
// envelopes from the broker, applies them to the store under optimistic
// version control, and broadcasts full-state notifications back out.
package settings

import (
	"context"
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/settings-relay/pkg/broker"
	"github.com/zoff-tech/settings-relay/pkg/config"
	"github.com/zoff-tech/settings-relay/pkg/store"
	"github.com/zoff-tech/settings-relay/schema"
)

// notificationSource identifies this engine as the producer on outgoing
// notification envelopes.
const notificationSource = "registration"

// Service is the reconciliation engine. Construct it with New and share by
// reference; all dependencies are injected so tests can substitute fakes.
type Service struct {
	repo   store.SettingsRepository
	broker broker.MessageBroker
	cfg    *config.Settings
	logger zerolog.Logger
	clock  clock.Clock
	tracer trace.Tracer

	newRequestID func() string
}

func New(repo store.SettingsRepository, messageBroker broker.MessageBroker, cfg *config.Settings, logger zerolog.Logger) *Service {
	return &Service{
		repo:         repo,
		broker:       messageBroker,
		cfg:          cfg,
		logger:       logger,
		clock:        clock.New(),
		tracer:       otel.Tracer("settings-relay"),
		newRequestID: uuid.NewString,
	}
}

// Init subscribes the update handler on the configured input queue. A
// failure here is fatal to this engine but must not take down unrelated
// components; the bootstrap logs it and carries on.
func (s *Service) Init(ctx context.Context) error {
	err := s.broker.Subscribe(ctx,
		s.cfg.Broker.Exchange,
		s.cfg.Broker.InputRoutingKey,
		s.cfg.Broker.InputQueue,
		s.HandleUpdateMessage,
	)
	if err != nil {
		return fmt.Errorf("initialize settings service: %w", err)
	}
	return nil
}

// HandleUpdateMessage validates and applies one inbound update envelope. The
// returned error makes the broker's retry loop count a failed attempt; the
// follow-up notification is best-effort and never fails the update.
func (s *Service) HandleUpdateMessage(ctx context.Context, env *schema.Envelope) error {
	logger := s.logger.With().
		Str("nickname", env.Nickname).
		Str("request_id", env.RequestID).
		Logger()

	logger.Info().Msg("handling settings update message")

	if err := schema.ValidateUpdate(env); err != nil {
		logger.Error().Err(err).Msg("invalid user settings payload")
		return err
	}

	if err := s.ApplyUpdate(ctx, env.Nickname, env); err != nil {
		logger.Error().Err(err).Msg("failed to apply settings update")
		return err
	}

	if err := s.SendUpdateNotification(ctx, env.Nickname); err != nil {
		// The settings write already succeeded; a missed notification is
		// repaired by the next sync sweep.
		logger.Error().Err(err).Msg("failed to send settings update notification")
	}

	return nil
}

// ApplyUpdate merges an update envelope into the stored record. The proposed
// version must be strictly greater than the stored one; timestamps are never
// consulted. Only allow-listed payload fields are merged.
func (s *Service) ApplyUpdate(ctx context.Context, nickname string, env *schema.Envelope) error {
	ctx, span := s.tracer.Start(ctx, "ApplyUpdate", trace.WithAttributes(
		attribute.String("settings.nickname", nickname),
		attribute.Int("settings.version", env.Version),
	))
	defer span.End()

	current, err := s.repo.Get(ctx, nickname)
	if err != nil {
		span.RecordError(err)
		return err
	}

	if env.Version <= current.Version {
		err := fmt.Errorf("%w: got %d, have %d", store.ErrStaleVersion, env.Version, current.Version)
		span.RecordError(err)
		return err
	}

	merged := mergeEditable(current.Settings, env.Payload)

	if err := s.repo.UpdateVersioned(ctx, nickname, merged, env.Version); err != nil {
		span.RecordError(err)
		return err
	}

	s.logger.Info().
		Str("nickname", nickname).
		Int("version", env.Version).
		Msg("user settings updated")
	return nil
}

// Create inserts a new settings record. The store's uniqueness constraint is
// authoritative; the lookup beforehand only short-circuits the common case.
func (s *Service) Create(ctx context.Context, nickname string, userSettings schema.UserSettings, version int) error {
	if version <= 0 {
		version = 1
	}

	if _, err := s.repo.Get(ctx, nickname); err == nil {
		s.logger.Info().Str("nickname", nickname).Msg("user settings already exist")
		return store.ErrAlreadyExists
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	record := &store.Record{
		Nickname: nickname,
		Settings: userSettings,
		Version:  version,
	}
	if err := s.repo.Insert(ctx, record); err != nil {
		return err
	}

	s.logger.Info().Str("nickname", nickname).Msg("user settings created")
	return nil
}

// Get returns the current settings record for a nickname.
func (s *Service) Get(ctx context.Context, nickname string) (*store.Record, error) {
	return s.repo.Get(ctx, nickname)
}

// SendUpdateNotification reads the record's current state and publishes a
// full-state notification envelope to the output routing key. Errors are
// logged here and swallowed by message-handling callers: notification is
// best-effort relative to the update that triggered it.
func (s *Service) SendUpdateNotification(ctx context.Context, nickname string) error {
	record, err := s.repo.Get(ctx, nickname)
	if err != nil {
		s.logger.Error().Err(err).Str("nickname", nickname).Msg("failed to get latest user settings")
		return err
	}

	env := s.buildNotification(record)
	if err := s.broker.Publish(ctx, s.cfg.Broker.Exchange, s.cfg.Broker.OutputRoutingKey, env); err != nil {
		s.logger.Error().Err(err).Str("nickname", nickname).Msg("failed to publish settings notification")
		return err
	}

	s.logger.Info().Str("nickname", nickname).Msg("settings update notification sent")
	return nil
}

// SynchronizeAll re-broadcasts the current state of every stored record,
// paginating by nickname so broker and store load stay bounded. Publish
// failures are tolerated per record; scan failures abort the sweep.
func (s *Service) SynchronizeAll(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "SynchronizeAll")
	defer span.End()

	cursor := ""
	published := 0

	for {
		batch, err := s.repo.Scan(ctx, cursor, s.cfg.Sync.BatchSize)
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("scan user settings: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		for i := range batch {
			record := &batch[i]
			env := s.buildNotification(record)
			if err := s.broker.Publish(ctx, s.cfg.Broker.Exchange, s.cfg.Broker.OutputRoutingKey, env); err != nil {
				s.logger.Error().Err(err).
					Str("nickname", record.Nickname).
					Msg("failed to publish settings during sync")
				continue
			}
			published++
		}

		cursor = batch[len(batch)-1].Nickname

		// A short page means the scan is exhausted.
		if len(batch) < s.cfg.Sync.BatchSize {
			break
		}
		s.clock.Sleep(s.cfg.Sync.ProcessDelay)
	}

	span.SetAttributes(attribute.Int("settings.published", published))
	s.logger.Info().Int("published", published).Msg("settings synchronization finished")
	return nil
}

func (s *Service) buildNotification(record *store.Record) *schema.Envelope {
	return schema.NewNotification(
		notificationSource,
		record.Nickname,
		s.newRequestID(),
		record.Version,
		record.Settings,
		s.clock.Now(),
	)
}
