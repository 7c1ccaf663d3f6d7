package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aretw0/trailhead/internal/logging"
	"github.com/aretw0/trailhead/pkg/domain"
	"github.com/aretw0/trailhead/pkg/ports"
	"github.com/aretw0/trailhead/pkg/subject"
	backend "github.com/redis/go-redis/v9"
)

const (
	defaultBusPrefix      = "trailhead:bus:"
	defaultPollTimeout    = time.Second
	defaultHealthInterval = 2 * time.Second
)

// Bus implements ports.Conn on top of Redis.
//
// Plain subscriptions use Redis pub/sub channels (PSUBSCRIBE for wildcard patterns).
// Queue groups are Redis lists: Publish pushes one copy per registered group and the
// members of a group compete with BRPOP, so each message reaches exactly one member.
// Group membership is counted in a hash so Publish can report how many receivers
// a message reached.
type Bus struct {
	client *backend.Client
	owned  bool

	prefix         string
	pollTimeout    time.Duration
	healthInterval time.Duration
	logger         *slog.Logger

	mu   sync.Mutex
	subs map[*busSubscription]struct{}

	done chan struct{}
	once sync.Once
	err  error
}

var _ ports.Conn = (*Bus)(nil)

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithBusPrefix namespaces channels and queue keys.
func WithBusPrefix(prefix string) BusOption {
	return func(b *Bus) {
		b.prefix = prefix
	}
}

// WithPollTimeout sets the BRPOP timeout used by queue group members.
// Redis resolves blocking timeouts in whole seconds.
func WithPollTimeout(d time.Duration) BusOption {
	return func(b *Bus) {
		if d > 0 {
			b.pollTimeout = d
		}
	}
}

// WithHealthInterval sets how often the connection is probed. Zero disables probing.
func WithHealthInterval(d time.Duration) BusOption {
	return func(b *Bus) {
		b.healthInterval = d
	}
}

// WithBusLogger configures a logger for the Bus.
func WithBusLogger(logger *slog.Logger) BusOption {
	return func(b *Bus) {
		b.logger = logger
	}
}

// NewBus dials Redis and returns a Bus that owns the client.
func NewBus(address, password string, db int, opts ...BusOption) *Bus {
	rdb := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	b := newBus(rdb, opts...)
	b.owned = true
	return b
}

// NewBusFromClient creates a Bus from an existing client.
// Close does not close a borrowed client.
func NewBusFromClient(client *backend.Client, opts ...BusOption) *Bus {
	return newBus(client, opts...)
}

func newBus(client *backend.Client, opts ...BusOption) *Bus {
	b := &Bus{
		client:         client,
		prefix:         defaultBusPrefix,
		pollTimeout:    defaultPollTimeout,
		healthInterval: defaultHealthInterval,
		logger:         logging.NewNop(),
		subs:           make(map[*busSubscription]struct{}),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.healthInterval > 0 {
		go b.watchHealth()
	}
	return b
}

// frame is the Redis payload. The subject travels as the channel name.
type frame struct {
	Reply string `json:"reply,omitempty"`
	Data  []byte `json:"data"`
}

func (b *Bus) channel(subj string) string {
	return b.prefix + subj
}

func (b *Bus) queueKey(subj, queue string) string {
	return b.prefix + "q:" + subj + ":" + queue
}

func (b *Bus) respondersKey(subj string) string {
	return b.prefix + "responders:" + subj
}

// Publish implements ports.Conn.
func (b *Bus) Publish(ctx context.Context, msg *ports.Msg) (ports.Delivery, error) {
	if err := b.alive(); err != nil {
		return ports.Delivery{}, err
	}
	if err := subject.Validate(msg.Subject); err != nil {
		return ports.Delivery{}, err
	}

	payload, err := json.Marshal(frame{Reply: msg.Reply, Data: msg.Data})
	if err != nil {
		return ports.Delivery{}, fmt.Errorf("failed to marshal frame: %w", err)
	}

	groups, err := b.client.HGetAll(ctx, b.respondersKey(msg.Subject)).Result()
	if err != nil {
		return ports.Delivery{}, b.transportErr(err)
	}

	pipe := b.client.Pipeline()
	pub := pipe.Publish(ctx, b.channel(msg.Subject), payload)
	queued := 0
	for queue, count := range groups {
		if n, _ := strconv.Atoi(count); n <= 0 {
			continue
		}
		pipe.LPush(ctx, b.queueKey(msg.Subject, queue), payload)
		queued++
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return ports.Delivery{}, b.transportErr(err)
	}

	return ports.Delivery{Subscribers: int(pub.Val()), Groups: queued}, nil
}

// Subscribe implements ports.Conn.
func (b *Bus) Subscribe(pattern string, handler ports.MsgHandler) (ports.Subscription, error) {
	if err := subject.ValidatePattern(pattern); err != nil {
		return nil, err
	}
	if err := b.alive(); err != nil {
		return nil, err
	}

	ctx := context.Background()
	var ps *backend.PubSub
	if subject.IsPattern(pattern) {
		ps = b.client.PSubscribe(ctx, b.prefix+subject.Glob(pattern))
	} else {
		ps = b.client.Subscribe(ctx, b.channel(pattern))
	}
	// Wait for the server to confirm so messages published after Subscribe returns are seen.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, b.transportErr(err)
	}

	s := &busSubscription{
		bus:     b,
		pattern: pattern,
		handler: handler,
		ps:      ps,
		stop:    make(chan struct{}),
	}
	if err := b.track(s); err != nil {
		_ = ps.Close()
		return nil, err
	}
	go s.listen()
	return s, nil
}

// QueueSubscribe implements ports.Conn.
func (b *Bus) QueueSubscribe(subj, queue string, handler ports.MsgHandler) (ports.Subscription, error) {
	if err := subject.Validate(subj); err != nil {
		return nil, err
	}
	if queue == "" {
		return nil, fmt.Errorf("queue group name is required")
	}
	if err := b.alive(); err != nil {
		return nil, err
	}

	if err := b.client.HIncrBy(context.Background(), b.respondersKey(subj), queue, 1).Err(); err != nil {
		return nil, b.transportErr(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &busSubscription{
		bus:     b,
		pattern: subj,
		queue:   queue,
		handler: handler,
		cancel:  cancel,
		stop:    make(chan struct{}),
	}
	if err := b.track(s); err != nil {
		cancel()
		b.release(subj, queue)
		return nil, err
	}
	go s.poll(ctx, b.queueKey(subj, queue))
	return s, nil
}

// Done implements ports.Conn.
func (b *Bus) Done() <-chan struct{} {
	return b.done
}

// Err implements ports.Conn.
func (b *Bus) Err() error {
	select {
	case <-b.done:
		return b.err
	default:
		return nil
	}
}

// Close implements ports.Conn. It also closes the client when the Bus owns it.
func (b *Bus) Close() error {
	b.shutdown(domain.ErrClosed)
	if b.owned {
		return b.client.Close()
	}
	return nil
}

func (b *Bus) watchHealth() {
	ticker := time.NewTicker(b.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), b.healthInterval)
			err := b.client.Ping(ctx).Err()
			cancel()
			if err != nil {
				b.logger.Error("redis bus: health check failed", "err", err)
				b.shutdown(fmt.Errorf("%w: %v", domain.ErrConnectionLost, err))
				return
			}
		}
	}
}

func (b *Bus) shutdown(err error) {
	b.once.Do(func() {
		b.mu.Lock()
		subs := make([]*busSubscription, 0, len(b.subs))
		for s := range b.subs {
			subs = append(subs, s)
		}
		b.err = err
		close(b.done)
		b.mu.Unlock()

		for _, s := range subs {
			_ = s.Unsubscribe()
		}
	})
}

func (b *Bus) alive() error {
	select {
	case <-b.done:
		return b.err
	default:
		return nil
	}
}

func (b *Bus) track(s *busSubscription) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.alive(); err != nil {
		return err
	}
	b.subs[s] = struct{}{}
	return nil
}

func (b *Bus) untrack(s *busSubscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

// release drops one member from a queue group registration.
func (b *Bus) release(subj, queue string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := b.respondersKey(subj)
	n, err := b.client.HIncrBy(ctx, key, queue, -1).Result()
	if err != nil {
		b.logger.Debug("redis bus: failed to release queue member", "subject", subj, "queue", queue, "err", err)
		return
	}
	if n <= 0 {
		_ = b.client.HDel(ctx, key, queue).Err()
	}
}

func (b *Bus) transportErr(err error) error {
	if cerr := b.alive(); cerr != nil {
		return cerr
	}
	return fmt.Errorf("redis bus: %w", err)
}

type busSubscription struct {
	bus     *Bus
	pattern string
	queue   string
	handler ports.MsgHandler

	ps     *backend.PubSub
	cancel context.CancelFunc

	stop chan struct{}
	once sync.Once
}

func (s *busSubscription) Subject() string { return s.pattern }
func (s *busSubscription) Queue() string   { return s.queue }

func (s *busSubscription) Unsubscribe() error {
	s.once.Do(func() {
		close(s.stop)
		s.bus.untrack(s)
		if s.ps != nil {
			_ = s.ps.Close()
			return
		}
		s.cancel()
		s.bus.release(s.pattern, s.queue)
	})
	return nil
}

func (s *busSubscription) listen() {
	ch := s.ps.Channel()
	for {
		select {
		case <-s.stop:
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			subj := strings.TrimPrefix(m.Channel, s.bus.prefix)
			// Redis globs are coarser than subject patterns.
			if !subject.Match(s.pattern, subj) {
				continue
			}
			var f frame
			if err := json.Unmarshal([]byte(m.Payload), &f); err != nil {
				s.bus.logger.Warn("redis bus: dropping malformed frame", "subject", subj, "err", err)
				continue
			}
			s.handler(&ports.Msg{Subject: subj, Reply: f.Reply, Data: f.Data})
		}
	}
}

func (s *busSubscription) poll(ctx context.Context, key string) {
	b := s.bus
	for {
		res, err := b.client.BRPop(ctx, b.pollTimeout, key).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, backend.Nil) {
				continue
			}
			b.logger.Warn("redis bus: queue poll failed", "key", key, "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.pollTimeout):
			}
			continue
		}
		if len(res) < 2 {
			continue
		}
		if ctx.Err() != nil {
			// Hand the message back to the remaining members.
			_ = b.client.RPush(context.Background(), key, res[1]).Err()
			return
		}

		var f frame
		if err := json.Unmarshal([]byte(res[1]), &f); err != nil {
			b.logger.Warn("redis bus: dropping malformed frame", "subject", s.pattern, "err", err)
			continue
		}
		s.handler(&ports.Msg{Subject: s.pattern, Reply: f.Reply, Data: f.Data})
	}
}
