package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"server-hub/contract"
	"server-hub/domain"
	"server-hub/errors"
	"server-hub/lanes"
	"server-hub/observability"
	"server-hub/repositories"
	"sync"
	"time"
)

type DeliveryConfig struct {
	Attempts       int
	BaseBackoff    time.Duration
	AttemptTimeout time.Duration
	OutboxSize     int
}

func DefaultDeliveryConfig() DeliveryConfig {
	return DeliveryConfig{
		Attempts:       3,
		BaseBackoff:    200 * time.Millisecond,
		AttemptTimeout: 2 * time.Second,
		OutboxSize:     256,
	}
}

func (c DeliveryConfig) withDefaults() DeliveryConfig {
	d := DefaultDeliveryConfig()
	if c.Attempts <= 0 {
		c.Attempts = d.Attempts
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = d.BaseBackoff
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = d.AttemptTimeout
	}
	if c.OutboxSize <= 0 {
		c.OutboxSize = d.OutboxSize
	}
	return c
}

// Dispatcher turns a producer request into a durable record and hands it to
// every matching live connection.
//
// Append and enqueue of one recipient happen inside the recipient lane, the
// same lane the binder holds while it registers. Each session then replays
// the store and drains its outbox from a single goroutine, skipping what it
// already pushed, so records reach a connection in ascending sequence.
type Dispatcher struct {
	log        *slog.Logger
	store      repositories.INotificationRepository
	registry   *Registry
	lanes      *lanes.Lanes
	reconciler *Reconciler
	metrics    *observability.Metrics
	config     DeliveryConfig
	sinks      []contract.RecordSink
	wg         sync.WaitGroup
}

func NewDispatcher(log *slog.Logger, store repositories.INotificationRepository, registry *Registry,
	lanes *lanes.Lanes, reconciler *Reconciler, metrics *observability.Metrics, config DeliveryConfig) *Dispatcher {
	return &Dispatcher{
		log:        log,
		store:      store,
		registry:   registry,
		lanes:      lanes,
		reconciler: reconciler,
		metrics:    metrics,
		config:     config.withDefaults(),
	}
}

// AddSinks registers permanent observers of every appended record.
// Must be called before the first Notify.
func (d *Dispatcher) AddSinks(sinks ...contract.RecordSink) *Dispatcher {
	d.sinks = append(d.sinks, sinks...)
	return d
}

// Notify appends the record and routes it to the recipient's live
// connections. Once Append succeeded the producer gets the record back,
// whatever happens to the pushes: the record stays pending until some
// connection of the recipient receives it.
func (d *Dispatcher) Notify(ctx context.Context, n domain.NewNotification) (domain.NotificationRecord, error) {
	unlock := d.lanes.Lock(string(n.Recipient))
	record, err := d.store.Append(ctx, n)
	if err != nil {
		unlock()
		return domain.NotificationRecord{}, err
	}
	d.metrics.IncAppended()
	for _, s := range d.targets(record) {
		if !s.offer(record) && !s.Closed() {
			d.log.Warn("Outbox full, dropping connection",
				"connection", s.ID(), "recipient", record.Recipient, "seq", record.Seq)
			d.metrics.ObservePush(observability.PushOverflow, 0)
			d.registry.Deregister(s.ID())
		}
	}
	unlock()

	d.consume(ctx, record)
	return record, nil
}

// targets returns the live sessions of the recipient, restricted to the
// ones subscribed to the record scope when there is one.
func (d *Dispatcher) targets(record domain.NotificationRecord) []*Session {
	ids := d.registry.Lookup(record.Recipient)
	if record.HasScope() {
		scoped := d.registry.LookupByScope(*record.Scope)
		in := make(map[domain.ConnectionID]struct{}, len(scoped))
		for _, id := range scoped {
			in[id] = struct{}{}
		}
		kept := ids[:0]
		for _, id := range ids {
			if _, ok := in[id]; ok {
				kept = append(kept, id)
			}
		}
		ids = kept
	}
	return d.registry.Sessions(ids)
}

func (d *Dispatcher) consume(ctx context.Context, record domain.NotificationRecord) {
	for _, sink := range d.sinks {
		if err := sink.Consume(ctx, record); err != nil {
			d.log.Warn("Sink failed", "sink", fmt.Sprintf("%T", sink), "seq", record.Seq, "error", err)
		}
	}
}

// Attach starts the delivery loop of a registered session: a replay of the
// store first, then the outbox. It stops when the session is closed.
func (d *Dispatcher) Attach(s *Session) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.deliver(s)
	}()
}

// Wait blocks until every delivery loop has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) deliver(s *Session) {
	send := func(record domain.NotificationRecord) error { return d.send(s, record) }
	if _, err := d.reconciler.replay(s, send); err != nil {
		d.drop(s, "Replay failed, closing connection", err)
		return
	}
	for {
		select {
		case <-s.Done():
			return
		case result := <-s.replays:
			count, err := d.reconciler.replay(s, send)
			result <- replayResult{count: count, err: err}
			if err != nil {
				d.drop(s, "Replay failed, closing connection", err)
				return
			}
		case record := <-s.outbox:
			if err := d.send(s, record); err != nil {
				d.drop(s, "Push failed, closing connection", err)
				return
			}
		}
	}
}

// send pushes record unless the session already has it, then marks it
// delivered in the store.
func (d *Dispatcher) send(s *Session, record domain.NotificationRecord) error {
	if s.delivered(record.Seq) {
		return nil
	}
	if err := d.push(s, record); err != nil {
		return err
	}
	s.markPushed(record.Seq)
	// The push happened: the store update must not depend on the connection lifetime
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.Context()), d.config.AttemptTimeout)
	defer cancel()
	if err := d.store.MarkDelivered(ctx, record.Recipient, record.Seq); err != nil {
		d.log.Warn("Unable to mark record delivered", "recipient", record.Recipient, "seq", record.Seq, "error", err)
	}
	return nil
}

// drop deregisters a session whose delivery failed. A session closed by its
// owner in the meantime is left alone.
func (d *Dispatcher) drop(s *Session, msg string, err error) {
	if s.Closed() {
		return
	}
	d.log.Warn(msg, "connection", s.ID(), "identity", s.Identity(), "error", err)
	d.registry.Deregister(s.ID())
}

// push tries the transport up to Attempts times. Each attempt gets its own
// deadline and waits BaseBackoff * 2^(attempt-1) before the next one.
// Closing the session aborts the attempt in flight.
func (d *Dispatcher) push(s *Session, record domain.NotificationRecord) error {
	backoff := d.config.BaseBackoff
	var err error
	for attempt := 1; attempt <= d.config.Attempts; attempt++ {
		start := time.Now()
		ctx, cancel := context.WithTimeout(s.Context(), d.config.AttemptTimeout)
		err = s.pusher.Push(ctx, record)
		cancel()
		if err == nil {
			d.metrics.ObservePush(observability.PushOK, time.Since(start))
			return nil
		}
		if s.Closed() {
			return err
		}
		if attempt == d.config.Attempts {
			break
		}
		d.metrics.ObservePush(observability.PushRetry, time.Since(start))
		d.log.Debug("Push failed, retrying", "connection", s.ID(), "seq", record.Seq, "attempt", attempt, "error", err)

		timer := time.NewTimer(backoff)
		select {
		case <-s.Done():
			timer.Stop()
			return s.Context().Err()
		case <-timer.C:
		}
		backoff *= 2
	}
	d.metrics.ObservePush(observability.PushExhausted, 0)
	return fmt.Errorf("%w: seq %d after %d attempts: %w", errors.ErrDeliveryExhausted, record.Seq, d.config.Attempts, err)
}

// Acknowledge advances the acknowledgement watermark of a connection and of
// its identity in the store. Acknowledging a sequence that was never pushed
// to that connection is refused.
func (d *Dispatcher) Acknowledge(ctx context.Context, id domain.ConnectionID, seq uint64) error {
	s, ok := d.registry.Get(id)
	if !ok {
		return errors.ErrUnknownConnection
	}
	s.Touch(time.Now().UTC())
	moved, err := s.acknowledge(seq)
	if err != nil {
		return fmt.Errorf("%w: seq %d, last pushed %d", err, seq, s.LastPushed())
	}
	if !moved {
		return nil
	}
	return d.store.Acknowledge(ctx, s.Identity(), seq)
}

// MarkRead marks one record of the connection's identity as read.
func (d *Dispatcher) MarkRead(ctx context.Context, id domain.ConnectionID, seq uint64) error {
	s, ok := d.registry.Get(id)
	if !ok {
		return errors.ErrUnknownConnection
	}
	s.Touch(time.Now().UTC())
	return d.store.MarkRead(ctx, s.Identity(), seq)
}
