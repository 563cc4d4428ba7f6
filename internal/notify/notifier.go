package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"x-ui-provisioner/internal/logger"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"github.com/redis/go-redis/v9"
)

// Message is one admin notification. When DedupeKey is set, repeats of the
// same key within DedupeTTL are dropped.
type Message struct {
	Topic     Topic
	Text      string
	DedupeKey string
	DedupeTTL time.Duration
}

func (m Message) render() string {
	return m.Topic.Title() + "\n\n" + m.Text
}

type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// Deduper remembers keys for a TTL. First reports whether key was newly
// recorded.
type Deduper interface {
	First(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

type RedisDeduper struct {
	rdb *redis.Client
}

func NewRedisDeduper(rdb *redis.Client) *RedisDeduper {
	return &RedisDeduper{rdb: rdb}
}

func (d *RedisDeduper) First(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return d.rdb.SetNX(ctx, "notify:"+key, "1", ttl).Result()
}

// MemoryDeduper is the in-process fallback when Redis is not configured.
type MemoryDeduper struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{seen: map[string]time.Time{}, now: time.Now}
}

func (d *MemoryDeduper) First(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for k, exp := range d.seen {
		if now.After(exp) {
			delete(d.seen, k)
		}
	}
	if _, ok := d.seen[key]; ok {
		return false, nil
	}
	d.seen[key] = now.Add(ttl)
	return true, nil
}

// Sender is the part of *telego.Bot the notifier uses.
type Sender interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
}

// TelegramNotifier posts to an admin forum chat, one thread per topic.
type TelegramNotifier struct {
	sender  Sender
	chatID  int64
	threads map[string]int
	dedupe  Deduper
}

// NewTelegramNotifier maps topic keys to forum thread ids. Unknown keys in
// threads are ignored with a warning.
func NewTelegramNotifier(sender Sender, chatID int64, threads map[string]int, dedupe Deduper) *TelegramNotifier {
	routes := make(map[string]int, len(threads))
	for key, id := range threads {
		t, ok := ParseTopic(key)
		if !ok {
			logger.Warningf("notify: ignoring unknown topic %q", key)
			continue
		}
		routes[t.Key()] = id
	}
	if dedupe == nil {
		dedupe = NewMemoryDeduper()
	}
	return &TelegramNotifier{sender: sender, chatID: chatID, threads: routes, dedupe: dedupe}
}

// thread resolves a topic to its thread id, following fallbacks. Zero means
// the chat root.
func (n *TelegramNotifier) thread(t Topic) int {
	for t != nil {
		if id, ok := n.threads[t.Key()]; ok {
			return id
		}
		t = t.Fallback()
	}
	return 0
}

func (n *TelegramNotifier) Notify(ctx context.Context, msg Message) error {
	if msg.Topic == nil {
		return fmt.Errorf("notify: message without topic")
	}
	if msg.DedupeKey != "" {
		first, err := n.dedupe.First(ctx, msg.Topic.Key()+":"+msg.DedupeKey, msg.DedupeTTL)
		if err != nil {
			logger.Warningf("notify: dedupe lookup failed, sending anyway: %v", err)
		} else if !first {
			logger.Debugf("notify: suppressed duplicate %s/%s", msg.Topic.Key(), msg.DedupeKey)
			return nil
		}
	}

	params := tu.Message(tu.ID(n.chatID), msg.render())
	if thread := n.thread(msg.Topic); thread != 0 {
		params = params.WithMessageThreadID(thread)
	}
	if _, err := n.sender.SendMessage(ctx, params); err != nil {
		return fmt.Errorf("notify %s: %w", msg.Topic.Key(), err)
	}
	return nil
}

// LogNotifier writes notifications to the process log. It is used when no
// bot token is configured.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, msg Message) error {
	if msg.Topic == nil {
		return fmt.Errorf("notify: message without topic")
	}
	logger.Infof("[%s] %s", strings.ToUpper(msg.Topic.Key()), msg.Text)
	return nil
}

// Send delivers msg and logs failures. Notifications never fail the caller.
func Send(ctx context.Context, n Notifier, msg Message) {
	if n == nil {
		return
	}
	if err := n.Notify(ctx, msg); err != nil {
		logger.Warningf("notification dropped: %v", err)
	}
}
