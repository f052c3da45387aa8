package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ignite/ecommerce-ingest/internal/domain"
)

// AMQPConfig holds the settings for a queue-backed watcher.
type AMQPConfig struct {
	URL        string
	Queue      string
	Prefetch   int
	MaxRecords int // deliveries larger than this split into multiple batches
	StartSeq   int64
}

// AMQPWatcher consumes batches from a durable queue. One delivery carries a
// JSON array of records; oversized deliveries split into several batches
// that share the delivery's ack. The ack is sent only after every batch
// from the delivery is checkpointed, and a failed batch requeues the whole
// delivery. At-least-once redelivery plus the sink's idempotent writes
// make the replay safe.
type AMQPWatcher struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	queue      string
	maxRecords int

	deliveries <-chan amqp.Delivery

	mu       sync.Mutex
	seq      int64
	pending  []*domain.Batch
	records  map[string][]domain.RawRecord // batch ID -> decoded records
	owner    map[string]string             // batch ID -> delivery key
	inflight map[string]*deliveryState     // delivery key -> ack bookkeeping

	closed    chan struct{}
	closeOnce sync.Once
}

type deliveryState struct {
	delivery  amqp.Delivery
	remaining int
	failed    bool
}

// NewAMQP connects, declares the durable queue and starts a manual-ack
// consumer with the given prefetch.
func NewAMQP(cfg AMQPConfig) (*AMQPWatcher, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect amqp: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := channel.Qos(cfg.Prefetch, 0, false); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}
	if _, err := channel.QueueDeclare(
		cfg.Queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", cfg.Queue, err)
	}
	deliveries, err := channel.Consume(
		cfg.Queue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("register consumer: %w", err)
	}

	maxRecords := cfg.MaxRecords
	if maxRecords <= 0 {
		maxRecords = 5000
	}
	return &AMQPWatcher{
		conn:       conn,
		channel:    channel,
		queue:      cfg.Queue,
		maxRecords: maxRecords,
		deliveries: deliveries,
		seq:        cfg.StartSeq,
		records:    make(map[string][]domain.RawRecord),
		owner:      make(map[string]string),
		inflight:   make(map[string]*deliveryState),
		closed:     make(chan struct{}),
	}, nil
}

// Next returns the next batch, waiting on the queue when none is pending.
// A closed consumer channel (broker gone) surfaces as ErrClosed; the
// process restarts and the broker redelivers whatever was unacked.
func (w *AMQPWatcher) Next(ctx context.Context) (*domain.Batch, error) {
	for {
		w.mu.Lock()
		if len(w.pending) > 0 {
			batch := w.pending[0]
			w.pending = w.pending[1:]
			w.mu.Unlock()
			return batch, nil
		}
		w.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-w.closed:
			return nil, ErrClosed
		case msg, ok := <-w.deliveries:
			if !ok {
				return nil, ErrClosed
			}
			w.ingest(msg)
		}
	}
}

// ingest decodes one delivery into pending batches. A body that does not
// decode is poison: it is rejected without requeue so it cannot wedge the
// queue, and the broker's dead-letter setup (if any) keeps it for autopsy.
func (w *AMQPWatcher) ingest(msg amqp.Delivery) {
	records, err := decodeRecords(msg.Body)
	if err != nil {
		log.Printf("[Source] drop undecodable delivery from %s: %v", w.queue, err)
		msg.Nack(false, false)
		return
	}
	if len(records) == 0 {
		msg.Ack(false)
		return
	}

	key := msg.MessageId
	if key == "" {
		key = strconv.FormatUint(msg.DeliveryTag, 10)
	}

	parts := (len(records) + w.maxRecords - 1) / w.maxRecords
	partSize := int64(len(msg.Body)) / int64(parts)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.inflight[key] = &deliveryState{delivery: msg, remaining: parts}

	for p := 0; p < parts; p++ {
		lo := p * w.maxRecords
		hi := lo + w.maxRecords
		if hi > len(records) {
			hi = len(records)
		}

		name := w.queue + "/" + key
		if parts > 1 {
			name = fmt.Sprintf("%s#p%d", name, p+1)
		}
		sources := []domain.SourceRef{{Name: name, Size: partSize}}

		part := make([]domain.RawRecord, hi-lo)
		for i := range part {
			part[i] = records[lo+i]
			part[i].Source = name
			part[i].Ordinal = i
		}

		batch := &domain.Batch{
			ID:           domain.BatchID(sources),
			Seq:          w.seq,
			Sources:      sources,
			DiscoveredAt: time.Now().UTC(),
			Status:       domain.BatchDiscovered,
		}
		w.seq++
		w.pending = append(w.pending, batch)
		w.records[batch.ID] = part
		w.owner[batch.ID] = key
	}
}

// decodeRecords parses a JSON array of flat objects, via json.Number so
// numeric field values keep their source text.
func decodeRecords(body []byte) ([]domain.RawRecord, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var raw []map[string]interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode records: %w", err)
	}

	records := make([]domain.RawRecord, len(raw))
	for i, obj := range raw {
		fields := make(map[string]string, len(obj))
		for k, v := range obj {
			switch val := v.(type) {
			case nil:
				fields[k] = ""
			case string:
				fields[k] = val
			case json.Number:
				fields[k] = val.String()
			case bool:
				fields[k] = strconv.FormatBool(val)
			default:
				fields[k] = fmt.Sprintf("%v", val)
			}
		}
		records[i] = domain.RawRecord{Fields: fields}
	}
	return records, nil
}

// Read hands back the records decoded at discovery time.
func (w *AMQPWatcher) Read(ctx context.Context, batch *domain.Batch) (*ReadResult, error) {
	w.mu.Lock()
	records, ok := w.records[batch.ID]
	w.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown batch %s", batch.ID)
	}
	return &ReadResult{Records: records}, nil
}

// Settle resolves a batch's share of its delivery's ack. The ack fires when
// the last batch of the delivery settles; any failed batch turns the whole
// delivery into a requeue instead.
func (w *AMQPWatcher) Settle(ctx context.Context, batch *domain.Batch, committed bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	key, ok := w.owner[batch.ID]
	if !ok {
		return
	}
	delete(w.owner, batch.ID)
	delete(w.records, batch.ID)

	st := w.inflight[key]
	if st == nil {
		return
	}
	st.remaining--
	if !committed {
		st.failed = true
	}
	if st.remaining > 0 {
		return
	}
	delete(w.inflight, key)

	if st.failed {
		if err := st.delivery.Nack(false, true); err != nil {
			log.Printf("[Source] nack delivery %s: %v", key, err)
		}
	} else {
		if err := st.delivery.Ack(false); err != nil {
			log.Printf("[Source] ack delivery %s: %v", key, err)
		}
	}
}

// Close tears down the consumer channel and connection.
func (w *AMQPWatcher) Close() error {
	w.closeOnce.Do(func() {
		close(w.closed)
		if w.channel != nil {
			w.channel.Close()
		}
		if w.conn != nil {
			w.conn.Close()
		}
	})
	return nil
}
