package rabbitmq

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type declaredQueue struct {
	name    string
	durable bool
	args    amqp.Table
}

type publishedMessage struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeChannel struct {
	calls      []string
	declared   []declaredQueue
	published  []publishedMessage
	declareErr error
}

func (f *fakeChannel) QueueDeclare(name string, durable, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	f.calls = append(f.calls, "declare")
	if f.declareErr != nil {
		return amqp.Queue{}, f.declareErr
	}
	f.declared = append(f.declared, declaredQueue{name: name, durable: durable, args: args})
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.calls = append(f.calls, "publish")
	f.published = append(f.published, publishedMessage{exchange: exchange, key: key, msg: msg})
	return nil
}

func testConfig() *Config {
	return &Config{
		ExchangeName: "jobs_exchange",
		QueueName:    "jobs_queue",
		RoutingKey:   "jobs",
	}
}

func TestDelayQueueArgs(t *testing.T) {
	args := delayQueueArgs(testConfig(), 1500*time.Millisecond)

	assert.Equal(t, amqp.Table{
		"x-message-ttl":             int64(1500),
		"x-dead-letter-exchange":    "jobs_exchange",
		"x-dead-letter-routing-key": "jobs",
	}, args)
	assert.NotContains(t, args, "x-expires")
}

func TestPublishDelayed_DeclaresBeforeEveryPublish(t *testing.T) {
	ch := &fakeChannel{}
	cfg := testConfig()
	queue := (&Client{config: cfg}).DelayQueueName(2 * time.Second)
	require.Equal(t, "jobs_queue.delay.2000", queue)

	for _, body := range []string{"first", "second"} {
		require.NoError(t, publishDelayed(context.Background(), ch, cfg, queue, []byte(body), "application/json", 2*time.Second))
	}

	// a holding queue deleted between retries is recreated before the next publish
	assert.Equal(t, []string{"declare", "publish", "declare", "publish"}, ch.calls)
	require.Len(t, ch.declared, 2)
	for _, d := range ch.declared {
		assert.Equal(t, queue, d.name)
		assert.True(t, d.durable)
		assert.NotContains(t, d.args, "x-expires")
	}

	require.Len(t, ch.published, 2)
	assert.Equal(t, "", ch.published[0].exchange)
	assert.Equal(t, queue, ch.published[0].key)
	assert.Equal(t, amqp.Persistent, ch.published[0].msg.DeliveryMode)
	assert.Equal(t, []byte("second"), ch.published[1].msg.Body)
}

func TestPublishDelayed_DeclareFailure(t *testing.T) {
	ch := &fakeChannel{declareErr: errors.New("channel closed")}

	err := publishDelayed(context.Background(), ch, testConfig(), "jobs_queue.delay.1000", []byte("x"), "application/json", time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to declare delay queue")
	assert.Empty(t, ch.published)
}
