package notification

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timebank/timebank/internal/logging"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

type published struct {
	exchange, key string
	msg           amqp.Publishing
}

type fakePublisher struct {
	sent []published
}

func (p *fakePublisher) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	p.sent = append(p.sent, published{exchange: exchange, key: key, msg: msg})
	return nil
}

type failing struct{ err error }

func (f failing) Send(context.Context, Message) error { return f.err }

type recording struct{ got []Message }

func (r *recording) Send(_ context.Context, m Message) error {
	r.got = append(r.got, m)
	return nil
}

func TestKafkaNotifierKeysByDestination(t *testing.T) {
	w := &fakeWriter{}
	n := NewKafkaNotifier(w)

	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	err := n.Send(context.Background(), Message{
		Kind:        KindCreditsTransferred,
		Destination: "42",
		Body:        "You earned 4.00 credits",
		Data:        map[string]string{"reference": "service_booking:99"},
		OccurredAt:  at,
	})
	require.NoError(t, err)
	require.Len(t, w.msgs, 1)

	rec := w.msgs[0]
	assert.Equal(t, "42", string(rec.Key))
	assert.Equal(t, at, rec.Time)
	require.Len(t, rec.Headers, 1)
	assert.Equal(t, KindCreditsTransferred, string(rec.Headers[0].Value))

	var decoded Message
	require.NoError(t, json.Unmarshal(rec.Value, &decoded))
	assert.NotEmpty(t, decoded.ID)
	assert.Equal(t, KindCreditsTransferred, decoded.Kind)
	assert.Equal(t, "service_booking:99", decoded.Data["reference"])
}

func TestKafkaNotifierWrapsWriterError(t *testing.T) {
	boom := errors.New("broker down")
	n := NewKafkaNotifier(&fakeWriter{err: boom})
	err := n.Send(context.Background(), Message{Kind: KindCreditsRefunded, Destination: "1"})
	assert.ErrorIs(t, err, boom)
}

func TestAMQPNotifierRoutesByKind(t *testing.T) {
	p := &fakePublisher{}
	n := NewAMQPNotifier(p, "ledger.events")

	err := n.Send(context.Background(), Message{ID: "evt-1", Kind: KindBonusGranted, Destination: "7", Body: "welcome"})
	require.NoError(t, err)
	require.Len(t, p.sent, 1)

	got := p.sent[0]
	assert.Equal(t, "ledger.events", got.exchange)
	assert.Equal(t, KindBonusGranted, got.key)
	assert.Equal(t, "application/json", got.msg.ContentType)
	assert.Equal(t, amqp.Persistent, got.msg.DeliveryMode)
	assert.Equal(t, "evt-1", got.msg.MessageId)
	assert.False(t, got.msg.Timestamp.IsZero())
}

func TestFanoutDeliversToAllAndJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	rec := &recording{}
	f := Fanout{failing{err: boom}, nil, rec}

	err := f.Send(context.Background(), Message{Kind: KindCreditsAdjusted})
	assert.ErrorIs(t, err, boom)
	require.Len(t, rec.got, 1)

	assert.NoError(t, Fanout{rec}.Send(context.Background(), Message{}))
}

func TestSendAllSwallowsFailures(t *testing.T) {
	rec := &recording{}
	SendAll(context.Background(), Fanout{failing{err: errors.New("x")}, rec}, logging.Discard(),
		Message{Kind: KindCreditsRefunded}, Message{Kind: KindCreditsRefunded})
	assert.Len(t, rec.got, 2)

	SendAll(context.Background(), nil, nil, Message{})
}
