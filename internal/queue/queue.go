package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/unclebandit/campaign-mailer/internal/model"
)

// CampaignSendsTopic carries one SendJob per requested campaign send.
const CampaignSendsTopic = "campaign_sends"

// Queue interface
type Queue interface {
	Publish(topic string, payload any) error
	Subscribe(topic string, handler func(payload any) error) error
}

// SendJob asks a worker to send one campaign. Without subscriber ids or
// segments the campaign goes to every active subscriber.
type SendJob struct {
	CampaignID    string   `json:"campaign_id"`
	SubscriberIDs []string `json:"subscriber_ids,omitempty"`
	Segments      []string `json:"segments,omitempty"`
}

// DecodeSendJob accepts a SendJob published in-process or its JSON encoding
// delivered by a broker.
func DecodeSendJob(payload any) (SendJob, error) {
	var job SendJob
	switch p := payload.(type) {
	case SendJob:
		job = p
	case *SendJob:
		if p == nil {
			return job, fmt.Errorf("nil send job")
		}
		job = *p
	case []byte:
		if err := json.Unmarshal(p, &job); err != nil {
			return job, fmt.Errorf("invalid send job: %w", err)
		}
	case json.RawMessage:
		if err := json.Unmarshal(p, &job); err != nil {
			return job, fmt.Errorf("invalid send job: %w", err)
		}
	default:
		return job, fmt.Errorf("unexpected send job payload %T", payload)
	}
	if job.CampaignID == "" {
		return job, fmt.Errorf("send job without campaign id")
	}
	return job, nil
}

// InMemoryQueue delivers each published payload to every subscriber of the
// topic on its own goroutine. Jobs are attempted once; a failed campaign send
// is never replayed.
type InMemoryQueue struct {
	mu       sync.Mutex
	handlers map[string][]func(payload any) error
	log      *zap.Logger
	wg       sync.WaitGroup
}

// NewInMemoryQueue creates a new queue
func NewInMemoryQueue(log *zap.Logger) *InMemoryQueue {
	return &InMemoryQueue{
		handlers: make(map[string][]func(payload any) error),
		log:      log,
	}
}

// Publish sends a message to all subscribers
func (q *InMemoryQueue) Publish(topic string, payload any) error {
	q.mu.Lock()
	handlers := append([]func(payload any) error(nil), q.handlers[topic]...)
	q.mu.Unlock()

	if len(handlers) == 0 {
		return fmt.Errorf("no subscribers for topic %s", topic)
	}

	for _, handler := range handlers {
		q.wg.Add(1)
		go q.process(topic, handler, payload)
	}
	return nil
}

func (q *InMemoryQueue) process(topic string, handler func(payload any) error, payload any) {
	defer q.wg.Done()
	if err := handler(payload); err != nil {
		q.log.Error("Job failed", zap.String("topic", topic), zap.Error(err))
		return
	}
	q.log.Debug("Job processed", zap.String("topic", topic))
}

// Subscribe adds a handler for a topic
func (q *InMemoryQueue) Subscribe(topic string, handler func(payload any) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.handlers[topic] = append(q.handlers[topic], handler)
	return nil
}

// Wait blocks until every published job has been handled.
func (q *InMemoryQueue) Wait() {
	q.wg.Wait()
}

// CampaignSender runs a campaign send to completion.
type CampaignSender interface {
	SendCampaign(ctx context.Context, job SendJob) (*model.SendSummary, error)
}

// StartCampaignSendSubscriber runs every SendJob of the campaign_sends topic
// through sender. The handler returns once the campaign reached its final status.
func StartCampaignSendSubscriber(ctx context.Context, q Queue, sender CampaignSender, log *zap.Logger) error {
	return q.Subscribe(CampaignSendsTopic, func(payload any) error {
		job, err := DecodeSendJob(payload)
		if err != nil {
			log.Warn("Dropping malformed send job", zap.Error(err))
			return nil
		}

		log.Info("Processing campaign send job", zap.String("campaign_id", job.CampaignID))
		summary, err := sender.SendCampaign(ctx, job)
		if err != nil {
			return fmt.Errorf("campaign %s: %w", job.CampaignID, err)
		}

		log.Info("Campaign send job done",
			zap.String("campaign_id", job.CampaignID),
			zap.Int("sent", summary.Sent),
			zap.Int("failed", summary.Failed))
		return nil
	})
}
