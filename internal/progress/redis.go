// Package progress shares live dispatch progress across processes through Redis.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/unclebandit/campaign-mailer/internal/model"
)

const (
	EventProgress = "progress"
	EventComplete = "complete"

	DefaultTTL     = 24 * time.Hour
	publishTimeout = 2 * time.Second
)

// Event is the JSON document published on the campaign channel and kept as
// the latest state under the campaign key.
type Event struct {
	Type       string                 `json:"type"`
	CampaignID string                 `json:"campaign_id"`
	Snapshot   model.ProgressSnapshot `json:"snapshot"`
	Errors     []model.SendError      `json:"errors,omitempty"`
	Error      string                 `json:"error,omitempty"`
	At         time.Time              `json:"at"`
}

func Channel(campaignID string) string { return "campaign:progress:" + campaignID }
func key(campaignID string) string     { return "campaign:progress:latest:" + campaignID }

type redisClient interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

// Connect parses a redis:// URL and pings the server.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

// Publisher is a progress listener that publishes every snapshot and the
// final summary, and keeps the latest event readable for ttl.
type Publisher struct {
	rdb redisClient
	ttl time.Duration
	log *zap.Logger
	now func() time.Time
}

func NewPublisher(rdb redisClient, ttl time.Duration, log *zap.Logger) *Publisher {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Publisher{rdb: rdb, ttl: ttl, log: log, now: time.Now}
}

func (p *Publisher) OnProgress(campaignID string, snap model.ProgressSnapshot) {
	p.publish(Event{Type: EventProgress, CampaignID: campaignID, Snapshot: snap, At: p.now()})
}

func (p *Publisher) OnComplete(campaignID string, summary *model.SendSummary, err error) {
	ev := Event{Type: EventComplete, CampaignID: campaignID, At: p.now()}
	if summary != nil {
		ev.Snapshot = model.NewProgressSnapshot(summary.Total, summary.Sent, summary.Failed)
		ev.Errors = summary.Errors
	}
	if err != nil {
		ev.Error = err.Error()
	}
	p.publish(ev)
}

func (p *Publisher) publish(ev Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		p.log.Error("Failed to encode progress event", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := p.rdb.Set(ctx, key(ev.CampaignID), body, p.ttl).Err(); err != nil {
		p.log.Warn("Failed to store progress", zap.String("campaign_id", ev.CampaignID), zap.Error(err))
	}
	if err := p.rdb.Publish(ctx, Channel(ev.CampaignID), body).Err(); err != nil {
		p.log.Warn("Failed to publish progress", zap.String("campaign_id", ev.CampaignID), zap.Error(err))
	}
}

// Latest returns the last event stored for a campaign. ok is false when
// nothing was published within the ttl.
func (p *Publisher) Latest(ctx context.Context, campaignID string) (model.ProgressSnapshot, bool, error) {
	body, err := p.rdb.Get(ctx, key(campaignID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.ProgressSnapshot{}, false, nil
	}
	if err != nil {
		return model.ProgressSnapshot{}, false, err
	}

	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return model.ProgressSnapshot{}, false, fmt.Errorf("invalid progress event: %w", err)
	}
	return ev.Snapshot, true, nil
}
