package mqttclient_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sua-org/camfeed/internal/mqttclient"
	"github.com/sua-org/camfeed/internal/mqttclient/mqtttest"
)

func TestGetRetained(t *testing.T) {
	broker := mqtttest.NewBroker()
	require.NoError(t, broker.Publish("doorbell/rtsp_url", 1, true, []byte("rtsp://x")))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	payload, err := mqttclient.GetRetained(ctx, broker, "doorbell/rtsp_url")
	require.NoError(t, err)
	assert.Equal(t, "rtsp://x", string(payload))
}

func TestGetRetainedMissing(t *testing.T) {
	broker := mqtttest.NewBroker()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := mqttclient.GetRetained(ctx, broker, "nothing/here")
	assert.True(t, errors.Is(err, mqttclient.ErrNoRetained))
}

// routedPubSub imita o roteador do paho: um handler por filtro, trocado a
// cada Subscribe, e a retida entregue de forma assíncrona.
type routedPubSub struct {
	mu       sync.Mutex
	routes   map[string]func(string, []byte)
	retained map[string][]byte
}

func (r *routedPubSub) Publish(topic string, _ byte, retained bool, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if retained {
		r.retained[topic] = payload
	}
	return nil
}

func (r *routedPubSub) Subscribe(topic string, _ byte, handler func(string, []byte)) error {
	r.mu.Lock()
	r.routes[topic] = handler
	payload, ok := r.retained[topic]
	r.mu.Unlock()
	if ok {
		time.AfterFunc(20*time.Millisecond, func() {
			r.mu.Lock()
			h := r.routes[topic]
			r.mu.Unlock()
			if h != nil {
				h(topic, payload)
			}
		})
	}
	return nil
}

func (r *routedPubSub) Unsubscribe(topics ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range topics {
		delete(r.routes, t)
	}
	return nil
}

func TestGetRetainedConcurrentSameTopic(t *testing.T) {
	ps := &routedPubSub{routes: map[string]func(string, []byte){}, retained: map[string][]byte{}}
	require.NoError(t, ps.Publish("doorbell/rtsp_url", 1, true, []byte("rtsp://x")))

	const n = 3
	var wg sync.WaitGroup
	errs := make([]error, n)
	payloads := make([][]byte, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
			defer cancel()
			payloads[i], errs[i] = mqttclient.GetRetained(ctx, ps, "doorbell/rtsp_url")
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i], "reader %d", i)
		assert.Equal(t, "rtsp://x", string(payloads[i]))
	}
}

func TestTopicMatch(t *testing.T) {
	assert.True(t, mqtttest.Match("camfeed/+/config", "camfeed/front/config"))
	assert.False(t, mqtttest.Match("camfeed/+/config", "camfeed/front/stream/set"))
	assert.True(t, mqtttest.Match("camfeed/#", "camfeed/front/stream/set"))
	assert.False(t, mqtttest.Match("camfeed/front", "camfeed"))
}
