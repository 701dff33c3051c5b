package events

import (
	"context"
	"errors"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/redis/go-redis/v9"
)

// Publisher delivers one encoded message.
type Publisher interface {
	Publish(ctx context.Context, payload []byte) error
}

// RedisPublisher publishes to a pub/sub channel.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	if client == nil {
		panic("events.NewRedisPublisher: client is nil")
	}
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, payload []byte) error {
	return p.client.Publish(ctx, p.channel, payload).Err()
}

type queueClient interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
	Create(ctx context.Context, o *azqueue.CreateOptions) (azqueue.CreateResponse, error)
}

// QueuePublisher enqueues messages on an Azure Storage queue.
type QueuePublisher struct {
	queue queueClient
}

// NewQueuePublisher connects to queue using an account connection string.
func NewQueuePublisher(connStr, queue string) (*QueuePublisher, error) {
	if connStr == "" || queue == "" {
		return nil, errors.New("queue publisher requires connection string and queue name")
	}
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, queue, nil)
	if err != nil {
		return nil, fmt.Errorf("queue client: %w", err)
	}
	return &QueuePublisher{queue: q}, nil
}

// EnsureQueue creates the queue, tolerating QueueAlreadyExists.
func (p *QueuePublisher) EnsureQueue(ctx context.Context) error {
	_, err := p.queue.Create(ctx, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.ErrorCode == "QueueAlreadyExists" {
			return nil
		}
		return err
	}
	return nil
}

func (p *QueuePublisher) Publish(ctx context.Context, payload []byte) error {
	_, err := p.queue.EnqueueMessage(ctx, string(payload), nil)
	return err
}
