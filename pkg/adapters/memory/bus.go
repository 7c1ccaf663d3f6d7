package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aretw0/trailhead/internal/logging"
	"github.com/aretw0/trailhead/pkg/domain"
	"github.com/aretw0/trailhead/pkg/ports"
	"github.com/aretw0/trailhead/pkg/subject"
)

const defaultBuffer = 1024

// Broker is an in-process publish/subscribe broker.
// Connections obtained from the same Broker see each other's messages and share queue groups.
// Safe for concurrent use.
type Broker struct {
	mu     sync.Mutex
	subs   map[*subscription]struct{}
	groups map[string]map[string]*group // subject -> queue -> members

	buffer int
	logger *slog.Logger
}

type group struct {
	members []*subscription
	next    int
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBuffer sets the per-subscription delivery buffer. Messages beyond it are dropped.
func WithBuffer(n int) BrokerOption {
	return func(b *Broker) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithLogger configures a logger for the Broker.
func WithLogger(logger *slog.Logger) BrokerOption {
	return func(b *Broker) {
		b.logger = logger
	}
}

// NewBroker creates an empty broker.
func NewBroker(opts ...BrokerOption) *Broker {
	b := &Broker{
		subs:   make(map[*subscription]struct{}),
		groups: make(map[string]map[string]*group),
		buffer: defaultBuffer,
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Connect opens a new connection to the broker.
func (b *Broker) Connect() *Conn {
	return &Conn{
		broker: b,
		subs:   make(map[*subscription]struct{}),
		done:   make(chan struct{}),
	}
}

func (b *Broker) add(s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.queue == "" {
		b.subs[s] = struct{}{}
		return
	}
	byQueue, ok := b.groups[s.pattern]
	if !ok {
		byQueue = make(map[string]*group)
		b.groups[s.pattern] = byQueue
	}
	g, ok := byQueue[s.queue]
	if !ok {
		g = &group{}
		byQueue[s.queue] = g
	}
	g.members = append(g.members, s)
}

func (b *Broker) remove(s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.queue == "" {
		delete(b.subs, s)
		return
	}
	byQueue := b.groups[s.pattern]
	g, ok := byQueue[s.queue]
	if !ok {
		return
	}
	for i, m := range g.members {
		if m == s {
			g.members = append(g.members[:i], g.members[i+1:]...)
			break
		}
	}
	if len(g.members) == 0 {
		delete(byQueue, s.queue)
	}
	if len(byQueue) == 0 {
		delete(b.groups, s.pattern)
	}
}

func (b *Broker) publish(msg *ports.Msg) ports.Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()

	var d ports.Delivery
	for s := range b.subs {
		if subject.Match(s.pattern, msg.Subject) {
			s.enqueue(copyMsg(msg))
			d.Subscribers++
		}
	}
	for _, g := range b.groups[msg.Subject] {
		if len(g.members) == 0 {
			continue
		}
		member := g.members[g.next%len(g.members)]
		g.next++
		member.enqueue(copyMsg(msg))
		d.Groups++
	}
	return d
}

// Conn is one connection to a Broker. It implements ports.Conn.
type Conn struct {
	broker *Broker

	mu   sync.Mutex
	subs map[*subscription]struct{}

	done chan struct{}
	once sync.Once
	err  error
}

var _ ports.Conn = (*Conn)(nil)

// Publish implements ports.Conn.
func (c *Conn) Publish(ctx context.Context, msg *ports.Msg) (ports.Delivery, error) {
	if err := c.alive(); err != nil {
		return ports.Delivery{}, err
	}
	if err := ctx.Err(); err != nil {
		return ports.Delivery{}, err
	}
	if err := subject.Validate(msg.Subject); err != nil {
		return ports.Delivery{}, err
	}
	return c.broker.publish(msg), nil
}

// Subscribe implements ports.Conn.
func (c *Conn) Subscribe(pattern string, handler ports.MsgHandler) (ports.Subscription, error) {
	if err := subject.ValidatePattern(pattern); err != nil {
		return nil, err
	}
	return c.subscribe(pattern, "", handler)
}

// QueueSubscribe implements ports.Conn.
func (c *Conn) QueueSubscribe(subj, queue string, handler ports.MsgHandler) (ports.Subscription, error) {
	if err := subject.Validate(subj); err != nil {
		return nil, err
	}
	if queue == "" {
		return nil, fmt.Errorf("queue group name is required")
	}
	return c.subscribe(subj, queue, handler)
}

func (c *Conn) subscribe(pattern, queue string, handler ports.MsgHandler) (ports.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.alive(); err != nil {
		return nil, err
	}

	s := &subscription{
		conn:    c,
		pattern: pattern,
		queue:   queue,
		handler: handler,
		ch:      make(chan *ports.Msg, c.broker.buffer),
		stop:    make(chan struct{}),
	}
	c.subs[s] = struct{}{}
	c.broker.add(s)
	go s.loop()
	return s, nil
}

// Done implements ports.Conn.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err implements ports.Conn.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close implements ports.Conn.
func (c *Conn) Close() error {
	c.shutdown(domain.ErrClosed)
	return nil
}

// Drop simulates a transport failure: every subscription is torn down and
// Done is closed with an error wrapping domain.ErrConnectionLost.
func (c *Conn) Drop(cause error) {
	err := domain.ErrConnectionLost
	if cause != nil {
		err = fmt.Errorf("%w: %v", domain.ErrConnectionLost, cause)
	}
	c.shutdown(err)
}

func (c *Conn) shutdown(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		subs := make([]*subscription, 0, len(c.subs))
		for s := range c.subs {
			subs = append(subs, s)
		}
		c.err = err
		close(c.done)
		c.mu.Unlock()

		for _, s := range subs {
			_ = s.Unsubscribe()
		}
	})
}

func (c *Conn) alive() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

type subscription struct {
	conn    *Conn
	pattern string
	queue   string
	handler ports.MsgHandler

	ch   chan *ports.Msg
	stop chan struct{}
	once sync.Once
}

func (s *subscription) Subject() string { return s.pattern }
func (s *subscription) Queue() string   { return s.queue }

func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.conn.broker.remove(s)
		s.conn.mu.Lock()
		delete(s.conn.subs, s)
		s.conn.mu.Unlock()
		close(s.stop)
	})
	return nil
}

func (s *subscription) enqueue(msg *ports.Msg) {
	select {
	case s.ch <- msg:
	default:
		// Drop message if the subscriber is too slow
		s.conn.broker.logger.Warn("memory bus: subscriber buffer full, dropping message",
			"subject", msg.Subject, "pattern", s.pattern, "queue", s.queue)
	}
}

func (s *subscription) loop() {
	for {
		select {
		case <-s.stop:
			return
		case msg := <-s.ch:
			select {
			case <-s.stop:
				return
			default:
			}
			s.handler(msg)
		}
	}
}

func copyMsg(m *ports.Msg) *ports.Msg {
	data := make([]byte, len(m.Data))
	copy(data, m.Data)
	return &ports.Msg{Subject: m.Subject, Reply: m.Reply, Data: data}
}
