package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-escrow/internal/types"
)

type fakeProducer struct {
	messages []*kafka.Message
	events   chan kafka.Event
	err      error
	closed   bool
}

func newFakeProducer() *fakeProducer {
	return &fakeProducer{events: make(chan kafka.Event)}
}

func (f *fakeProducer) Produce(msg *kafka.Message, _ chan kafka.Event) error {
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, msg)
	return nil
}

func (f *fakeProducer) Events() chan kafka.Event { return f.events }
func (f *fakeProducer) Flush(int) int            { return 0 }
func (f *fakeProducer) Close() {
	f.closed = true
	close(f.events)
}

type recorder struct {
	events []Event
	err    error
}

func (r *recorder) Publish(_ context.Context, e Event) error {
	r.events = append(r.events, e)
	return r.err
}

var buyer = types.HexToAddress("0x00000000000000000000000000000000000b0e75")

func TestKafkaPublisher(t *testing.T) {
	p := newFakeProducer()
	kp := newKafkaPublisher(p, "escrow.trade-events")

	event := New(TradeExecuted, 42, buyer, "EXECUTED", map[string]interface{}{"seller_net": 6468}, time.Unix(1700000000, 0))
	require.NoError(t, kp.Publish(context.Background(), event))

	require.Len(t, p.messages, 1)
	msg := p.messages[0]
	assert.Equal(t, "escrow.trade-events", *msg.TopicPartition.Topic)
	assert.Equal(t, "42", string(msg.Key))
	assert.Equal(t, []byte(TradeExecuted), msg.Headers[0].Value)

	var decoded Event
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, event.ID, decoded.ID)
	assert.Equal(t, uint64(42), decoded.TradeID)
	assert.Equal(t, buyer, decoded.Actor)

	kp.Close()
	assert.True(t, p.closed)
}

func TestKafkaPublisher_ProduceError(t *testing.T) {
	p := newFakeProducer()
	p.err = errors.New("queue full")
	kp := newKafkaPublisher(p, "topic")

	err := kp.Publish(context.Background(), New(TradeCreated, 1, buyer, "PENDING", nil, time.Now()))
	assert.ErrorContains(t, err, "queue full")
	kp.Close()
}

func TestFanout(t *testing.T) {
	ok := &recorder{}
	failing := &recorder{err: errors.New("down")}
	f := Fanout{ok, failing, LogPublisher{}}

	err := f.Publish(context.Background(), New(TradeCancelled, 7, buyer, "CANCELLED", nil, time.Now()))
	assert.ErrorContains(t, err, "down")
	assert.Len(t, ok.events, 1)
	assert.Len(t, failing.events, 1)

	assert.NoError(t, Fanout{ok}.Publish(context.Background(), Event{}))
	assert.NoError(t, Nop{}.Publish(context.Background(), Event{}))
}
