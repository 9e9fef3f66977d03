package broker

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/welldata/prodstream/internal/config"
)

// headerDeliveryCount is set by RabbitMQ quorum queues on redelivery.
const headerDeliveryCount = "x-delivery-count"

// AMQP is a RabbitMQ broker: a durable topic exchange with one durable queue
// bound to the data and production routing keys. Publishing waits for
// publisher confirms.
type AMQP struct {
	cfg     config.BrokerConfig
	conn    *amqp.Connection
	pubMu   sync.Mutex
	pubCh   *amqp.Channel
	log     *zap.Logger
	closeMu sync.Mutex
	closed  bool

	// consumers stay open until Close so deliveries handed out before a
	// subscription ends can still be acked.
	consumers []io.Closer
}

// DialAMQP connects to RabbitMQ and declares the exchange, queue and bindings.
func DialAMQP(cfg config.BrokerConfig) (*AMQP, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, eris.Wrap(err, "amqp: dial")
	}
	b := &AMQP{
		cfg:  cfg,
		conn: conn,
		log:  zap.L().With(zap.String("component", "broker.amqp")),
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "amqp: open publish channel")
	}
	if err := b.declare(ch); err != nil {
		conn.Close() //nolint:errcheck
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "amqp: enable publisher confirms")
	}
	b.pubCh = ch

	b.log.Info("connected",
		zap.String("exchange", cfg.Exchange),
		zap.String("queue", cfg.Queue),
		zap.Int("prefetch", cfg.Prefetch),
	)
	return b, nil
}

func (b *AMQP) declare(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(b.cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return eris.Wrapf(err, "amqp: declare exchange %s", b.cfg.Exchange)
	}
	if _, err := ch.QueueDeclare(b.cfg.Queue, true, false, false, false, queueArgs(b.cfg)); err != nil {
		return eris.Wrapf(err, "amqp: declare queue %s", b.cfg.Queue)
	}
	for _, key := range []string{BindingData, BindingProduction} {
		if err := ch.QueueBind(b.cfg.Queue, key, b.cfg.Exchange, false, nil); err != nil {
			return eris.Wrapf(err, "amqp: bind %s to %s", key, b.cfg.Queue)
		}
	}
	return nil
}

// queueArgs builds the x-arguments for the ingest queue.
func queueArgs(cfg config.BrokerConfig) amqp.Table {
	args := amqp.Table{}
	if cfg.MessageTTLMs > 0 {
		args["x-message-ttl"] = cfg.MessageTTLMs
	}
	if cfg.MaxLength > 0 {
		args["x-max-length"] = cfg.MaxLength
	}
	return args
}

// Publish sends msg as a persistent message and waits for the broker confirm.
func (b *AMQP) Publish(ctx context.Context, msg Message) error {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	if b.isClosed() {
		return ErrClosed
	}
	dc, err := b.pubCh.PublishWithDeferredConfirmWithContext(ctx, b.cfg.Exchange, msg.RoutingKey, false, false, toPublishing(msg))
	if err != nil {
		return eris.Wrapf(err, "amqp: publish %s", msg.RoutingKey)
	}
	ok, err := dc.WaitContext(ctx)
	if err != nil {
		return eris.Wrapf(err, "amqp: await confirm for %s", msg.RoutingKey)
	}
	if !ok {
		return eris.Errorf("amqp: broker nacked message %s", msg.ID)
	}
	return nil
}

func toPublishing(msg Message) amqp.Publishing {
	id := msg.ID
	if id == "" {
		id = uuid.NewString()
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	ct := msg.ContentType
	if ct == "" {
		ct = ContentTypeJSON
	}
	var headers amqp.Table
	if len(msg.Headers) > 0 {
		headers = amqp.Table(msg.Headers)
	}
	return amqp.Publishing{
		MessageId:    id,
		ContentType:  ct,
		DeliveryMode: amqp.Persistent,
		Timestamp:    ts,
		Headers:      headers,
		Body:         msg.Body,
	}
}

// Subscribe opens a dedicated consume channel with the configured prefetch
// and manual acknowledgement.
func (b *AMQP) Subscribe(ctx context.Context) (<-chan Delivery, error) {
	if b.isClosed() {
		return nil, ErrClosed
	}
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, eris.Wrap(err, "amqp: open consume channel")
	}
	if err := ch.Qos(b.cfg.Prefetch, 0, false); err != nil {
		ch.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "amqp: set qos")
	}
	deliveries, err := ch.ConsumeWithContext(ctx, b.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		ch.Close() //nolint:errcheck
		return nil, eris.Wrapf(err, "amqp: consume %s", b.cfg.Queue)
	}

	b.closeMu.Lock()
	if b.closed {
		b.closeMu.Unlock()
		ch.Close() //nolint:errcheck
		return nil, ErrClosed
	}
	b.consumers = append(b.consumers, ch)
	b.closeMu.Unlock()

	out := make(chan Delivery)
	go b.forward(ctx, deliveries, out)
	return out, nil
}

// forward relays deliveries to out until ctx is done or the broker stops
// delivering. It leaves the consume channel open.
func (b *AMQP) forward(ctx context.Context, deliveries <-chan amqp.Delivery, out chan<- Delivery) {
	defer close(out)
	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				b.log.Warn("delivery channel closed")
				return
			}
			select {
			case out <- &amqpDelivery{d: d}:
			case <-ctx.Done():
				d.Nack(false, true) //nolint:errcheck
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close closes the consume channels, the publish channel and the
// connection. Unresolved deliveries are returned to the queue by RabbitMQ.
func (b *AMQP) Close() error {
	b.closeMu.Lock()
	defer b.closeMu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.closeConsumers()
	if b.pubCh != nil {
		b.pubCh.Close() //nolint:errcheck
	}
	return eris.Wrap(b.conn.Close(), "amqp: close connection")
}

// closeConsumers must be called with closeMu held.
func (b *AMQP) closeConsumers() {
	for _, c := range b.consumers {
		c.Close() //nolint:errcheck
	}
	b.consumers = nil
}

func (b *AMQP) isClosed() bool {
	b.closeMu.Lock()
	defer b.closeMu.Unlock()
	return b.closed || b.conn.IsClosed()
}

type amqpDelivery struct {
	d amqp.Delivery
}

func (a *amqpDelivery) Message() Message {
	return fromDelivery(a.d)
}

func (a *amqpDelivery) Ack() error {
	return eris.Wrap(a.d.Ack(false), "amqp: ack")
}

func (a *amqpDelivery) Nack(requeue bool) error {
	return eris.Wrap(a.d.Nack(false, requeue), "amqp: nack")
}

func fromDelivery(d amqp.Delivery) Message {
	var headers map[string]any
	if len(d.Headers) > 0 {
		headers = map[string]any(d.Headers)
	}
	return Message{
		ID:            d.MessageId,
		RoutingKey:    d.RoutingKey,
		ContentType:   d.ContentType,
		Body:          d.Body,
		Headers:       headers,
		Timestamp:     d.Timestamp,
		Redelivered:   d.Redelivered,
		DeliveryCount: deliveryCount(d.Headers, d.Redelivered),
	}
}

// deliveryCount derives the 1-based delivery number. Quorum queues report
// prior deliveries in x-delivery-count; classic queues only expose the
// redelivered flag, so any redelivery counts as the second.
func deliveryCount(headers amqp.Table, redelivered bool) int {
	switch v := headers[headerDeliveryCount].(type) {
	case int64:
		return int(v) + 1
	case int32:
		return int(v) + 1
	case int:
		return v + 1
	}
	if redelivered {
		return 2
	}
	return 1
}
