package xdispatch_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xdispatch"
	"github.com/trickstertwo/xdispatch/adapter/memory"
)

func startedBus(t *testing.T, init func(*xdispatch.BusBuilder)) *xdispatch.Bus {
	t.Helper()
	bus, closeFn, err := xdispatch.New(init)
	require.NoError(t, err)
	t.Cleanup(func() { _ = closeFn() })
	require.NoError(t, bus.Start(context.Background()))
	return bus
}

func TestBridge_ForwardAndIngest(t *testing.T) {
	for _, codec := range []xdispatch.Codec{xdispatch.JSONCodec{}, xdispatch.CBORCodec{}, xdispatch.MsgpackCodec{}} {
		t.Run(codec.Name(), func(t *testing.T) {
			bus := startedBus(t, nil)
			broker := memory.NewBroker(memory.Config{})
			defer broker.Close(context.Background())

			bridge := xdispatch.NewBridge(bus, broker, xdispatch.WithBridgeCodec(codec))
			defer bridge.Close()

			got := make(chan *xdispatch.Envelope, 1)
			require.NoError(t, bus.Subscribe("orders.in", xdispatch.HandleFunc(func(_ context.Context, env *xdispatch.Envelope) error {
				got <- env
				return nil
			})))
			require.NoError(t, bridge.Forward("orders.out", "orders"))
			require.NoError(t, bridge.Ingest(context.Background(), "orders", "svc", "orders.in"))

			sent := xdispatch.NewEnvelope("OrderCreated", map[string]any{"order_id": "ord-1"})
			require.NoError(t, bus.Publish(context.Background(), "orders.out", sent))

			select {
			case env := <-got:
				assert.True(t, sent.Header().Equal(env.Header()))
				id, _ := env.Payload().Get("order_id")
				assert.Equal(t, "ord-1", id)
			case <-time.After(2 * time.Second):
				t.Fatal("envelope did not come back through the broker")
			}

			require.Eventually(t, func() bool {
				st := bridge.Stats()
				return st.Forwarded == 1 && st.Ingested == 1 && broker.Stats().Acked == 1
			}, 2*time.Second, 5*time.Millisecond)
		})
	}
}

func TestBridge_IngestNacksUndecodable(t *testing.T) {
	bus := startedBus(t, nil)
	broker := memory.NewBroker(memory.Config{MaxDeliveries: 1})
	defer broker.Close(context.Background())
	bridge := xdispatch.NewBridge(bus, broker)
	defer bridge.Close()

	require.NoError(t, bridge.Ingest(context.Background(), "raw", "svc", "raw.in"))
	require.NoError(t, broker.Publish(context.Background(), "raw", []byte("not json")))

	require.Eventually(t, func() bool {
		return bridge.Stats().IngestRejected == 1 && broker.Stats().DeadLettered == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, bus.GetMetrics().Published)
}

func TestBridge_IngestNacksWhenOverloaded(t *testing.T) {
	// Threshold 0 refuses every publish.
	bus, closeFn, err := xdispatch.New(func(bb *xdispatch.BusBuilder) {
		bb.WithQueueCapacity(2).WithBackpressureThreshold(0)
	})
	require.NoError(t, err)
	defer func() { _ = closeFn() }()

	broker := memory.NewBroker(memory.Config{MaxDeliveries: 1})
	defer broker.Close(context.Background())
	bridge := xdispatch.NewBridge(bus, broker)
	defer bridge.Close()
	require.NoError(t, bridge.Ingest(context.Background(), "s", "svc", "t"))

	data, err := xdispatch.EncodeEnvelope(xdispatch.JSONCodec{}, xdispatch.NewEnvelope("e", nil))
	require.NoError(t, err)
	require.NoError(t, broker.Publish(context.Background(), "s", data))

	require.Eventually(t, func() bool {
		return broker.Stats().Nacked == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), bridge.Stats().IngestRejected)
	assert.Equal(t, uint64(1), bus.GetMetrics().Rejected)
}

func TestBridge_OverloadBacksOffBeforeRedelivery(t *testing.T) {
	bus, closeFn, err := xdispatch.New(func(bb *xdispatch.BusBuilder) {
		bb.WithQueueCapacity(2).WithBackpressureThreshold(0)
	})
	require.NoError(t, err)
	defer func() { _ = closeFn() }()

	// Default config: immediate redelivery, no delivery limit.
	broker := memory.NewBroker(memory.Config{})
	defer broker.Close(context.Background())
	bridge := xdispatch.NewBridge(bus, broker, xdispatch.WithOverloadBackoff(50*time.Millisecond))
	defer bridge.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, bridge.Ingest(ctx, "s", "svc", "t"))

	data, err := xdispatch.EncodeEnvelope(xdispatch.JSONCodec{}, xdispatch.NewEnvelope("e", nil))
	require.NoError(t, err)
	require.NoError(t, broker.Publish(context.Background(), "s", data))

	time.Sleep(300 * time.Millisecond)
	st := broker.Stats()
	assert.GreaterOrEqual(t, st.Nacked, uint64(1))
	// 300ms at one attempt per 50ms, plus slack for timer jitter.
	assert.LessOrEqual(t, st.Nacked, uint64(8))
	assert.LessOrEqual(t, bus.GetMetrics().Rejected, uint64(8))
}

type failingBroker struct{ xdispatch.Broker }

func (failingBroker) Publish(context.Context, string, ...[]byte) error {
	return errors.New("unreachable")
}

func TestBridge_ForwardErrorsStayInTheBus(t *testing.T) {
	bus := startedBus(t, nil)
	bridge := xdispatch.NewBridge(bus, failingBroker{})
	require.NoError(t, bridge.Forward("out", "subject"))

	require.NoError(t, bus.Publish(context.Background(), "out", xdispatch.NewEnvelope("e", nil)))
	require.NoError(t, bus.Drain(context.Background()))

	assert.Equal(t, uint64(1), bridge.Stats().ForwardErrors)
	assert.Equal(t, uint64(1), bus.GetMetrics().HandlerErrors)
}

func TestBridge_InvalidArguments(t *testing.T) {
	bus := startedBus(t, nil)
	bridge := xdispatch.NewBridge(bus, memory.NewBroker(memory.Config{}))

	assert.ErrorIs(t, bridge.Forward("out", ""), xdispatch.ErrInvalidTopic)
	assert.ErrorIs(t, bridge.Ingest(context.Background(), "s", "g", ""), xdispatch.ErrInvalidTopic)
}

func TestNewBroker_Registry(t *testing.T) {
	br, err := xdispatch.NewBroker(memory.BrokerName, nil)
	require.NoError(t, err)
	assert.NoError(t, br.Close(context.Background()))

	_, err = xdispatch.NewBroker("missing", nil)
	var unknown xdispatch.ErrUnknownBroker
	assert.ErrorAs(t, err, &unknown)
}
