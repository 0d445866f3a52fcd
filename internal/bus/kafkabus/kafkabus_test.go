package kafkabus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/notification-dispatcher/internal/bus"
)

type fakeSession struct {
	sarama.ConsumerGroupSession
	ctx    context.Context
	mu     sync.Mutex
	marked []int64
}

func (s *fakeSession) Context() context.Context { return s.ctx }
func (s *fakeSession) MemberID() string         { return "member-1" }

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct {
	sarama.ConsumerGroupClaim
	msgs chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.msgs }

// fakeGroup runs a single claim fed from msgs until ctx ends.
type fakeGroup struct {
	sarama.ConsumerGroup
	msgs   chan *sarama.ConsumerMessage
	errs   chan error
	closed atomic.Int32
}

func newFakeGroup() *fakeGroup {
	return &fakeGroup{
		msgs: make(chan *sarama.ConsumerMessage, 16),
		errs: make(chan error),
	}
}

func (g *fakeGroup) Consume(ctx context.Context, _ []string, handler sarama.ConsumerGroupHandler) error {
	if g.closed.Load() > 0 {
		return sarama.ErrClosedConsumerGroup
	}
	session := &fakeSession{ctx: ctx}
	if err := handler.Setup(session); err != nil {
		return err
	}
	err := handler.ConsumeClaim(session, &fakeClaim{msgs: g.msgs})
	_ = handler.Cleanup(session)
	return err
}

func (g *fakeGroup) Errors() <-chan error { return g.errs }

func (g *fakeGroup) Close() error {
	if g.closed.Add(1) == 1 {
		close(g.errs)
	}
	return nil
}

func TestNewDialerValidation(t *testing.T) {
	_, err := NewDialer(nil, "group", zerolog.Nop())
	require.Error(t, err)

	_, err = NewDialer([]string{"localhost:9092"}, " ", zerolog.Nop())
	require.Error(t, err)

	custom := sarama.NewConfig()
	custom.ClientID = "custom"
	d, err := NewDialer([]string{"localhost:9092"}, "group", zerolog.Nop(), WithConfig(custom))
	require.NoError(t, err)
	assert.Equal(t, "custom", d.config.ClientID)
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := defaultConfig()
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.Consumer.Offsets.AutoCommit.Enable)
	assert.Equal(t, sarama.WaitForAll, cfg.Producer.RequiredAcks)

	clone := cloneConfig(cfg)
	clone.ClientID = "other"
	assert.Equal(t, defaultClientID, cfg.ClientID)
}

func TestPublishUsesSyncProducer(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		if string(val) != `{"emails":[]}` {
			return errors.New("unexpected payload")
		}
		return nil
	})
	producer.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)

	c := newConn(producer, zerolog.Nop())

	require.NoError(t, c.Publish(context.Background(), "public", []byte(`{"emails":[]}`)))
	require.NoError(t, c.Flush(context.Background()))

	err := c.Publish(context.Background(), "public", []byte("x"))
	require.ErrorIs(t, err, sarama.ErrNotLeaderForPartition)

	require.Error(t, c.Publish(context.Background(), "", nil))

	require.NoError(t, c.Close())
	assert.False(t, c.Connected())
	require.Error(t, c.Publish(context.Background(), "public", nil))
}

func TestSubscribeDeliversAndMarksBeforeHandling(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	group := newFakeGroup()

	c := newConn(producer, zerolog.Nop())
	c.newGroup = func() (sarama.ConsumerGroup, error) { return group, nil }

	var mu sync.Mutex
	var got []string
	unsub, err := c.Subscribe("public", func(msg *bus.Message) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, string(msg.Data))
	})
	require.NoError(t, err)

	group.msgs <- &sarama.ConsumerMessage{Topic: "public", Offset: 1, Value: []byte("a")}
	group.msgs <- &sarama.ConsumerMessage{
		Topic:   "public",
		Offset:  2,
		Value:   []byte("b"),
		Headers: []*sarama.RecordHeader{{Key: []byte("k"), Value: []byte("v")}, nil},
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, got)

	require.NoError(t, unsub.Unsubscribe())
	require.Eventually(t, func() bool { return group.closed.Load() > 0 }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Close())
}

func TestDrainWaitsForConsumers(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	group := newFakeGroup()

	c := newConn(producer, zerolog.Nop())
	c.newGroup = func() (sarama.ConsumerGroup, error) { return group, nil }

	started := make(chan struct{})
	handled := make(chan struct{})
	_, err := c.Subscribe("public", func(*bus.Message) {
		close(started)
		time.Sleep(20 * time.Millisecond)
		close(handled)
	})
	require.NoError(t, err)

	group.msgs <- &sarama.ConsumerMessage{Topic: "public", Value: []byte("a")}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Drain(ctx))

	select {
	case <-handled:
	default:
		t.Fatal("drain returned before the in-flight message was handled")
	}
	assert.EqualValues(t, 1, group.closed.Load())

	_, err = c.Subscribe("public", func(*bus.Message) {})
	require.Error(t, err)
}

func TestGroupHandlerConsumeClaim(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session := &fakeSession{ctx: ctx}
	claim := &fakeClaim{msgs: make(chan *sarama.ConsumerMessage, 2)}
	claim.msgs <- &sarama.ConsumerMessage{Topic: "public", Offset: 7, Value: []byte("x")}
	close(claim.msgs)

	var delivered []*bus.Message
	h := &groupHandler{
		deliver: func(msg *bus.Message) {
			session.mu.Lock()
			assert.Equal(t, []int64{7}, session.marked, "message must be marked before delivery")
			session.mu.Unlock()
			delivered = append(delivered, msg)
		},
		logger: zerolog.Nop(),
	}

	require.NoError(t, h.Setup(session))
	require.NoError(t, h.ConsumeClaim(session, claim))
	require.NoError(t, h.Cleanup(session))

	require.Len(t, delivered, 1)
	assert.Equal(t, "public", delivered[0].Topic)
	assert.Equal(t, []byte("x"), delivered[0].Data)
}

func TestFromHeaders(t *testing.T) {
	assert.Nil(t, fromHeaders(nil))
	assert.Equal(t, map[string]string{"a": "1"}, fromHeaders([]*sarama.RecordHeader{
		{Key: []byte("a"), Value: []byte("1")},
		{Key: nil, Value: []byte("ignored")},
		nil,
	}))
}
