package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/zoff-tech/settings-relay/pkg/config"
	"github.com/zoff-tech/settings-relay/schema"
)

// --- Mocks ---

type mockChannel struct {
	mock.Mock
}

func (m *mockChannel) Confirm(noWait bool) error {
	return m.Called(noWait).Error(0)
}

func (m *mockChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	return confirm
}

func (m *mockChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return m.Called(name, kind, durable, autoDelete, internal, noWait, args).Error(0)
}

func (m *mockChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	called := m.Called(name, durable, autoDelete, exclusive, noWait, args)
	return amqp.Queue{Name: name}, called.Error(0)
}

func (m *mockChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	return m.Called(name, key, exchange, noWait, args).Error(0)
}

func (m *mockChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	return m.Called(prefetchCount, prefetchSize, global).Error(0)
}

func (m *mockChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return m.Called(exchange, key, mandatory, immediate, msg).Error(0)
}

func (m *mockChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	called := m.Called(queue, consumer, autoAck, exclusive, noLocal, noWait, args)
	if called.Get(0) == nil {
		return nil, called.Error(1)
	}
	return called.Get(0).(chan amqp.Delivery), called.Error(1)
}

func (m *mockChannel) Close() error {
	return m.Called().Error(0)
}

type mockConnection struct {
	mock.Mock
	closed bool
}

func (m *mockConnection) Channel() (amqpChannel, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(amqpChannel), args.Error(1)
}

func (m *mockConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return receiver
}

func (m *mockConnection) IsClosed() bool { return m.closed }

func (m *mockConnection) Close() error {
	m.closed = true
	return m.Called().Error(0)
}

// --- Helpers ---

func testSettings() *config.BrokerSettings {
	return &config.BrokerSettings{
		URL:              "amqp://test",
		Exchange:         "settings",
		InputQueue:       "user.settings.input",
		InputRoutingKey:  "user.settings.update",
		OutputRoutingKey: "user.settings.updated",
		MaxRetries:       3,
		RetryDelay:       time.Millisecond,
	}
}

func newTestBroker(conn *mockConnection, ch *mockChannel) *RabbitMQBroker {
	b := NewRabbitMQBroker(testSettings(), zerolog.Nop())
	b.conn = conn
	b.channel = ch
	b.confirms = make(chan amqp.Confirmation, 1)
	return b
}

func testEnvelope() *schema.Envelope {
	tz := "UTC"
	return &schema.Envelope{
		Source:    "registration",
		Nickname:  "jdoe",
		RequestID: "req-1",
		Timestamp: time.Now().UnixMilli(),
		Version:   2,
		Payload:   schema.UserSettings{Timezone: &tz},
	}
}

// --- Init ---

func TestInit_Idempotent(t *testing.T) {
	conn := new(mockConnection)
	ch := new(mockChannel)
	b := newTestBroker(conn, ch)
	b.dial = func(url string) (amqpConnection, error) {
		t.Fatal("dial must not be called when already connected")
		return nil, nil
	}

	err := b.Init(context.Background())
	assert.NoError(t, err)
}

func TestInit_DialError(t *testing.T) {
	b := NewRabbitMQBroker(testSettings(), zerolog.Nop())
	b.dial = func(url string) (amqpConnection, error) {
		return nil, errors.New("dial tcp: refused")
	}

	err := b.Init(context.Background())
	assert.ErrorIs(t, err, ErrConnectionFailed)
	assert.ErrorContains(t, err, "refused")
}

func TestInit_ChannelError(t *testing.T) {
	conn := new(mockConnection)
	conn.On("Channel").Return(nil, errors.New("chanfail"))
	conn.On("Close").Return(nil)

	b := NewRabbitMQBroker(testSettings(), zerolog.Nop())
	b.dial = func(url string) (amqpConnection, error) {
		return conn, nil
	}

	err := b.Init(context.Background())
	assert.ErrorIs(t, err, ErrConnectionFailed)
	conn.AssertExpectations(t)
}

func TestInit_ConfirmModeError(t *testing.T) {
	ch := new(mockChannel)
	ch.On("Confirm", false).Return(errors.New("confirms not supported"))
	conn := new(mockConnection)
	conn.On("Channel").Return(ch, nil)
	conn.On("Close").Return(nil)

	b := NewRabbitMQBroker(testSettings(), zerolog.Nop())
	b.dial = func(url string) (amqpConnection, error) {
		return conn, nil
	}

	err := b.Init(context.Background())
	assert.ErrorIs(t, err, ErrConnectionFailed)
	assert.ErrorContains(t, err, "confirm mode")
}

// --- Publish ---

func TestPublish_Success(t *testing.T) {
	conn := new(mockConnection)
	ch := new(mockChannel)
	b := newTestBroker(conn, ch)

	ch.On("ExchangeDeclare", "settings", "topic", true, false, false, false, amqp.Table(nil)).Return(nil)
	ch.On("Publish", "settings", "user.settings.updated", false, false, mock.Anything).Return(nil)
	b.confirms <- amqp.Confirmation{DeliveryTag: 1, Ack: true}

	err := b.Publish(context.Background(), "settings", "user.settings.updated", testEnvelope())
	assert.NoError(t, err)
	ch.AssertExpectations(t)
}

func TestPublish_PersistentMessage(t *testing.T) {
	conn := new(mockConnection)
	ch := new(mockChannel)
	b := newTestBroker(conn, ch)

	var published amqp.Publishing
	ch.On("ExchangeDeclare", "settings", "topic", true, false, false, false, amqp.Table(nil)).Return(nil)
	ch.On("Publish", "settings", "user.settings.updated", false, false, mock.Anything).
		Run(func(args mock.Arguments) {
			published = args.Get(4).(amqp.Publishing)
		}).Return(nil)
	b.confirms <- amqp.Confirmation{DeliveryTag: 1, Ack: true}

	err := b.Publish(context.Background(), "settings", "user.settings.updated", testEnvelope())
	assert.NoError(t, err)
	assert.Equal(t, uint8(amqp.Persistent), published.DeliveryMode)
	assert.Equal(t, "application/json", published.ContentType)
	assert.Equal(t, "req-1", published.MessageId)
	assert.Contains(t, string(published.Body), `"nickname":"jdoe"`)
}

func TestPublish_ConfirmRejected(t *testing.T) {
	conn := new(mockConnection)
	ch := new(mockChannel)
	b := newTestBroker(conn, ch)

	ch.On("ExchangeDeclare", "settings", "topic", true, false, false, false, amqp.Table(nil)).Return(nil)
	ch.On("Publish", "settings", "user.settings.updated", false, false, mock.Anything).Return(nil)
	b.confirms <- amqp.Confirmation{DeliveryTag: 1, Ack: false}

	err := b.Publish(context.Background(), "settings", "user.settings.updated", testEnvelope())
	assert.ErrorIs(t, err, ErrPublishRejected)
	ch.AssertExpectations(t)
}

func TestPublish_ExchangeDeclareError(t *testing.T) {
	conn := new(mockConnection)
	ch := new(mockChannel)
	b := newTestBroker(conn, ch)

	ch.On("ExchangeDeclare", "settings", "topic", true, false, false, false, amqp.Table(nil)).Return(errors.New("exch"))

	err := b.Publish(context.Background(), "settings", "user.settings.updated", testEnvelope())
	assert.ErrorIs(t, err, ErrPublishFailed)
	assert.ErrorContains(t, err, "exch")
}

func TestPublish_PublishError(t *testing.T) {
	conn := new(mockConnection)
	ch := new(mockChannel)
	b := newTestBroker(conn, ch)

	ch.On("ExchangeDeclare", "settings", "topic", true, false, false, false, amqp.Table(nil)).Return(nil)
	ch.On("Publish", "settings", "user.settings.updated", false, false, mock.Anything).Return(errors.New("pub"))

	err := b.Publish(context.Background(), "settings", "user.settings.updated", testEnvelope())
	assert.ErrorIs(t, err, ErrPublishFailed)
	assert.ErrorContains(t, err, "pub")
}

func TestPublish_NotInitialized(t *testing.T) {
	b := NewRabbitMQBroker(testSettings(), zerolog.Nop())

	err := b.Publish(context.Background(), "settings", "user.settings.updated", testEnvelope())
	assert.ErrorIs(t, err, ErrPublishFailed)
	assert.ErrorContains(t, err, "not initialized")
}

// --- Subscribe ---

func TestSubscribe_DeadLetterTopologyFirst(t *testing.T) {
	conn := new(mockConnection)
	ch := new(mockChannel)
	b := newTestBroker(conn, ch)

	var calls []string
	record := func(name string) func(mock.Arguments) {
		return func(mock.Arguments) { calls = append(calls, name) }
	}

	ch.On("ExchangeDeclare", "settings.dlx", "topic", true, false, false, false, amqp.Table(nil)).
		Run(record("declare settings.dlx")).Return(nil)
	ch.On("QueueDeclare", "user.settings.input.dlq", true, false, false, false, amqp.Table(nil)).
		Run(record("declare user.settings.input.dlq")).Return(nil)
	ch.On("QueueBind", "user.settings.input.dlq", "user.settings.update.dead", "settings.dlx", false, amqp.Table(nil)).
		Run(record("bind dlq")).Return(nil)
	ch.On("ExchangeDeclare", "settings", "topic", true, false, false, false, amqp.Table(nil)).
		Run(record("declare settings")).Return(nil)
	ch.On("QueueDeclare", "user.settings.input", true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "settings.dlx",
		"x-dead-letter-routing-key": "user.settings.update.dead",
	}).Run(record("declare user.settings.input")).Return(nil)
	ch.On("QueueBind", "user.settings.input", "user.settings.update", "settings", false, amqp.Table(nil)).
		Run(record("bind queue")).Return(nil)
	ch.On("Qos", 1, 0, false).Return(nil)

	deliveries := make(chan amqp.Delivery)
	close(deliveries)
	ch.On("Consume", "user.settings.input", "", false, false, false, false, amqp.Table(nil)).
		Return(deliveries, nil)

	err := b.Subscribe(context.Background(), "settings", "user.settings.update", "user.settings.input",
		func(ctx context.Context, env *schema.Envelope) error { return nil })
	assert.NoError(t, err)
	ch.AssertExpectations(t)

	assert.Equal(t, []string{
		"declare settings.dlx",
		"declare user.settings.input.dlq",
		"bind dlq",
		"declare settings",
		"declare user.settings.input",
		"bind queue",
	}, calls)
}

func TestSubscribe_TopologyError(t *testing.T) {
	conn := new(mockConnection)
	ch := new(mockChannel)
	b := newTestBroker(conn, ch)

	ch.On("ExchangeDeclare", "settings.dlx", "topic", true, false, false, false, amqp.Table(nil)).
		Return(errors.New("access refused"))

	err := b.Subscribe(context.Background(), "settings", "user.settings.update", "user.settings.input",
		func(ctx context.Context, env *schema.Envelope) error { return nil })
	assert.ErrorIs(t, err, ErrSubscribeFailed)
	assert.ErrorContains(t, err, "access refused")
}

func TestSubscribe_ConsumeError(t *testing.T) {
	conn := new(mockConnection)
	ch := new(mockChannel)
	b := newTestBroker(conn, ch)

	ch.On("ExchangeDeclare", mock.Anything, "topic", true, false, false, false, mock.Anything).Return(nil)
	ch.On("QueueDeclare", mock.Anything, true, false, false, false, mock.Anything).Return(nil)
	ch.On("QueueBind", mock.Anything, mock.Anything, mock.Anything, false, mock.Anything).Return(nil)
	ch.On("Qos", 1, 0, false).Return(nil)
	ch.On("Consume", "user.settings.input", "", false, false, false, false, amqp.Table(nil)).
		Return(nil, errors.New("consume failed"))

	err := b.Subscribe(context.Background(), "settings", "user.settings.update", "user.settings.input",
		func(ctx context.Context, env *schema.Envelope) error { return nil })
	assert.ErrorIs(t, err, ErrSubscribeFailed)
}

func TestSubscribe_NotInitialized(t *testing.T) {
	b := NewRabbitMQBroker(testSettings(), zerolog.Nop())

	err := b.Subscribe(context.Background(), "settings", "user.settings.update", "user.settings.input",
		func(ctx context.Context, env *schema.Envelope) error { return nil })
	assert.ErrorIs(t, err, ErrSubscribeFailed)
}

// --- Close ---

func TestClose(t *testing.T) {
	conn := new(mockConnection)
	ch := new(mockChannel)
	b := newTestBroker(conn, ch)

	ch.On("Close").Return(nil)
	conn.On("Close").Return(nil)

	err := b.Close()
	assert.NoError(t, err)
	ch.AssertExpectations(t)
	conn.AssertExpectations(t)
}

func TestClose_NeverInitialized(t *testing.T) {
	b := NewRabbitMQBroker(testSettings(), zerolog.Nop())
	assert.NoError(t, b.Close())
}

func TestClose_ChannelError(t *testing.T) {
	conn := new(mockConnection)
	ch := new(mockChannel)
	b := newTestBroker(conn, ch)

	ch.On("Close").Return(errors.New("already closed"))

	err := b.Close()
	assert.ErrorIs(t, err, ErrCloseFailed)
}
