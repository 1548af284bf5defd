package outbox

import "time"

type State string

const (
	StatePending      State = "PENDING"
	StatePublished    State = "PUBLISHED"
	StateDeadLettered State = "DEAD_LETTERED"
)

// Message is one domain event waiting to be relayed. At most one of
// PublishedAt and DeadLetteredAt is set.
type Message struct {
	ID             string     `gorm:"primaryKey" json:"id"`
	AggregateType  string     `gorm:"not null" json:"aggregate_type"`
	AggregateID    string     `gorm:"index;not null" json:"aggregate_id"`
	EventType      string     `gorm:"not null" json:"event_type"`
	Payload        string     `gorm:"type:text;not null" json:"payload"`
	PayloadVersion int        `gorm:"not null" json:"payload_version"`
	OccurredAt     time.Time  `json:"occurred_at"`
	CreatedAt      time.Time  `json:"created_at"`
	Seq            int        `gorm:"not null;default:0" json:"seq"`
	PublishedAt    *time.Time `gorm:"index:idx_outbox_due,priority:1" json:"published_at,omitempty"`
	Attempts       int        `gorm:"not null;default:0" json:"attempts"`
	LastError      *string    `gorm:"type:text" json:"last_error,omitempty"`
	DeadLetteredAt *time.Time `gorm:"index:idx_outbox_due,priority:2" json:"dead_lettered_at,omitempty"`
	NextAttemptAt  *time.Time `gorm:"index:idx_outbox_due,priority:3" json:"next_attempt_at,omitempty"`
}

func (Message) TableName() string {
	return "outbox_messages"
}

func (m Message) State() State {
	switch {
	case m.PublishedAt != nil:
		return StatePublished
	case m.DeadLetteredAt != nil:
		return StateDeadLettered
	default:
		return StatePending
	}
}

// Counts is the number of messages in each state
type Counts struct {
	Pending      int64 `json:"pending"`
	Published    int64 `json:"published"`
	DeadLettered int64 `json:"dead_lettered"`
}
