package broker

import "errors"

// Transport error taxonomy. Callers match with errors.Is; the underlying
// cause is carried in the wrapped message.
var (
	// ErrConnectionFailed means the connection or confirm channel could not
	// be established. Fatal to startup of any dependent component.
	ErrConnectionFailed = errors.New("failed to connect to RabbitMQ")

	// ErrPublishRejected means the broker refused the publish: either the
	// publish call was not accepted or the confirmation came back negative.
	ErrPublishRejected = errors.New("publish rejected by broker")

	// ErrPublishFailed wraps any other failure on the publish path, e.g. a
	// channel that was never initialized.
	ErrPublishFailed = errors.New("failed to publish message")

	// ErrSubscribeFailed wraps a failure during topology setup or consumer
	// registration. Declares already issued are idempotent, so retrying the
	// whole subscribe is safe.
	ErrSubscribeFailed = errors.New("failed to subscribe to queue")

	// ErrCloseFailed wraps a failure while closing the channel or connection.
	ErrCloseFailed = errors.New("failed to close connection")
)
