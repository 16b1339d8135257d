package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/loykin/orkestr/internal/history"
)

const (
	defaultStream = "orkestr:events"
	defaultMaxLen = 10000
)

// Sink appends events to a Redis stream with XADD, trimming it to an
// approximate maximum length.
type Sink struct {
	client *goredis.Client
	stream string
	maxLen int64
}

// NewFromURL accepts redis://[user:pass@]host:port/db?stream=name&maxlen=n.
// stream and maxlen are consumed here; every other option goes to go-redis.
func NewFromURL(raw string) (*Sink, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	stream := q.Get("stream")
	if stream == "" {
		stream = defaultStream
	}
	maxLen := int64(defaultMaxLen)
	if v := q.Get("maxlen"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid maxlen %q", v)
		}
		maxLen = n
	}
	q.Del("stream")
	q.Del("maxlen")
	u.RawQuery = q.Encode()

	opts, err := goredis.ParseURL(u.String())
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return New(goredis.NewClient(opts), stream, maxLen), nil
}

func New(client *goredis.Client, stream string, maxLen int64) *Sink {
	return &Sink{client: client, stream: stream, maxLen: maxLen}
}

func (s *Sink) Stream() string { return s.stream }

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	state, err := json.Marshal(e.Record.SystemState)
	if err != nil {
		return fmt.Errorf("encode system_state: %w", err)
	}
	args := &goredis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"instance":     e.Instance,
			"occurred_at":  e.OccurredAt.UTC().Format(time.RFC3339Nano),
			"event_type":   e.Record.EventType,
			"severity":     string(e.Record.Severity),
			"description":  e.Record.Description,
			"module_id":    e.Record.ModuleID,
			"process_id":   e.Record.ProcessID,
			"resolved":     strconv.FormatBool(e.Record.Resolved),
			"system_state": string(state),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis xadd %s: %w", s.stream, err)
	}
	return nil
}

func (s *Sink) Close() error { return s.client.Close() }
