package ports

import "context"

// Msg is one message on the wire.
type Msg struct {
	Subject string
	// Reply is the subject a responder should answer on. Empty for plain events.
	Reply string
	Data  []byte
}

// MsgHandler is invoked once per delivered message.
// Handlers of one subscription are called sequentially; different subscriptions run concurrently.
type MsgHandler func(msg *Msg)

// Delivery reports who a published message reached.
type Delivery struct {
	// Subscribers counts matching plain subscriptions.
	Subscribers int
	// Groups counts queue groups on the subject with at least one member.
	Groups int
}

// Total is the number of receivers reached.
func (d Delivery) Total() int {
	return d.Subscribers + d.Groups
}

// Subscription is a registration returned by Conn. Unsubscribe is idempotent.
type Subscription interface {
	Subject() string
	Queue() string
	Unsubscribe() error
}

// Conn is a physical publish/subscribe connection.
//
// A published message is copied to every plain subscription whose pattern matches and to
// exactly one member of every queue group registered on the exact subject.
type Conn interface {
	// Publish never waits for subscribers. Plain subscriptions and queue groups are
	// counted apart: only queue groups serve requests.
	Publish(ctx context.Context, msg *Msg) (Delivery, error)

	// Subscribe registers handler for a subject or wildcard pattern.
	Subscribe(pattern string, handler MsgHandler) (Subscription, error)

	// QueueSubscribe joins queue group queue on an exact subject.
	QueueSubscribe(subject, queue string, handler MsgHandler) (Subscription, error)

	// Done is closed when the connection is lost or closed. Err then explains why.
	Done() <-chan struct{}
	Err() error

	Close() error
}
