package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mymmrac/telego"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	sent []*telego.SendMessageParams
	err  error
}

func (r *recordingSender) SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error) {
	if r.err != nil {
		return nil, r.err
	}
	r.sent = append(r.sent, params)
	return &telego.Message{}, nil
}

func TestEveryTopicParsesBack(t *testing.T) {
	for _, topic := range All() {
		parsed, ok := ParseTopic(topic.Key())
		require.True(t, ok, topic.Key())
		assert.Equal(t, topic, parsed)
		assert.NotEmpty(t, topic.Title())
	}
	_, ok := ParseTopic("payments")
	assert.False(t, ok)
}

func TestTopicFallbacksTerminate(t *testing.T) {
	for _, topic := range All() {
		steps := 0
		for cur := topic; cur != nil; cur = cur.Fallback() {
			steps++
			require.Less(t, steps, len(All())+1, "fallback cycle from %s", topic.Key())
		}
	}
}

func TestTelegramNotifierRoutesByThread(t *testing.T) {
	sender := &recordingSender{}
	n := NewTelegramNotifier(sender, -100123, map[string]int{"manage": 2, "OUTAGES": 7, "bogus": 9}, nil)
	ctx := context.Background()

	require.NoError(t, n.Notify(ctx, Message{Topic: Outages{}, Text: "panel down"}))
	require.NoError(t, n.Notify(ctx, Message{Topic: Logs{}, Text: "sync failed"}))
	require.NoError(t, n.Notify(ctx, Message{Topic: Backups{}, Text: "backup ok"}))

	require.Len(t, sender.sent, 3)
	assert.Equal(t, int64(-100123), sender.sent[0].ChatID.ID)
	assert.Equal(t, 7, sender.sent[0].MessageThreadID)
	assert.Contains(t, sender.sent[0].Text, "Outages")
	assert.Contains(t, sender.sent[0].Text, "panel down")
	// logs falls back to manage
	assert.Equal(t, 2, sender.sent[1].MessageThreadID)
	// backups -> logs -> manage
	assert.Equal(t, 2, sender.sent[2].MessageThreadID)
}

func TestTelegramNotifierRootWhenNoThreads(t *testing.T) {
	sender := &recordingSender{}
	n := NewTelegramNotifier(sender, 42, nil, nil)
	require.NoError(t, n.Notify(context.Background(), Message{Topic: Sellers{}, Text: "x"}))
	require.Len(t, sender.sent, 1)
	assert.Zero(t, sender.sent[0].MessageThreadID)
}

func TestTelegramNotifierDedupes(t *testing.T) {
	sender := &recordingSender{}
	n := NewTelegramNotifier(sender, 42, nil, NewMemoryDeduper())
	ctx := context.Background()
	msg := Message{Topic: Outages{}, Text: "panel 3 offline", DedupeKey: "panel:3", DedupeTTL: time.Hour}

	require.NoError(t, n.Notify(ctx, msg))
	require.NoError(t, n.Notify(ctx, msg))
	assert.Len(t, sender.sent, 1)

	// same key on another topic is a different alert
	msg.Topic = Manage{}
	require.NoError(t, n.Notify(ctx, msg))
	assert.Len(t, sender.sent, 2)
}

func TestMemoryDeduperExpires(t *testing.T) {
	d := NewMemoryDeduper()
	now := time.Unix(1000, 0)
	d.now = func() time.Time { return now }
	ctx := context.Background()

	first, err := d.First(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, first)
	first, _ = d.First(ctx, "k", time.Minute)
	assert.False(t, first)

	now = now.Add(2 * time.Minute)
	first, _ = d.First(ctx, "k", time.Minute)
	assert.True(t, first)
}

func TestSendSwallowsErrors(t *testing.T) {
	sender := &recordingSender{err: errors.New("telegram down")}
	n := NewTelegramNotifier(sender, 42, nil, nil)
	assert.Error(t, n.Notify(context.Background(), Message{Topic: Manage{}, Text: "x"}))
	assert.NotPanics(t, func() { Send(context.Background(), n, Message{Topic: Manage{}, Text: "x"}) })
	assert.NotPanics(t, func() { Send(context.Background(), nil, Message{Topic: Manage{}}) })
}
