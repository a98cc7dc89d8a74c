package notify

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// EventType 标识市场事件的类别。
type EventType string

const (
	EventTaskCreated       EventType = "task.created"
	EventTaskAssigned      EventType = "task.assigned"
	EventBidPlaced         EventType = "bid.placed"
	EventBidOutbid         EventType = "bid.outbid"
	EventTaskCompleted     EventType = "task.completed"
	EventTaskCancelled     EventType = "task.cancelled"
	EventRefundFailed      EventType = "refund.failed"
	EventAgentRegistered   EventType = "agent.registered"
	EventHeartbeat         EventType = "agent.heartbeat"
	EventHandoverInitiated EventType = "handover.initiated"
	EventHandoverAccepted  EventType = "handover.accepted"
)

// Event 是发布到事件流的市场事件。Amount 按十进制字符串编码以避免
// JSON 数值精度问题。
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	TaskID     uint64    `json:"task_id,omitempty"`
	Actor      string    `json:"actor,omitempty"`
	Subject    string    `json:"subject,omitempty"`
	Amount     string    `json:"amount,omitempty"`
	OccurredAt int64     `json:"occurred_at"`
}

// NewEvent 构造一条带唯一 ID 的事件。actor 是触发操作的地址，
// subject 是事件的另一方（受派代理、被超越的出价人等），可为零值。
func NewEvent(eventType EventType, taskID uint64, actor, subject common.Address, amount *big.Int) Event {
	evt := Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		TaskID:     taskID,
		Actor:      actor.Hex(),
		OccurredAt: time.Now().Unix(),
	}
	if subject != (common.Address{}) {
		evt.Subject = subject.Hex()
	}
	if amount != nil {
		evt.Amount = amount.String()
	}
	return evt
}

// Handler 处理来自事件流的单条事件。
type Handler func(ctx context.Context, evt Event) error

// Producer 负责向事件流发布事件。
type Producer interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}

// Consumer 负责从事件流消费事件。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Stream 同时具备生产者与消费者能力。
type Stream interface {
	Producer
	Consumer
}
