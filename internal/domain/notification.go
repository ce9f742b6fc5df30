package domain

import "time"

// Notification is one logical message addressed to one user.
type Notification struct {
	NotificationID  string     `json:"id" dynamodbav:"notification_id"`
	UserID          string     `json:"user_id" dynamodbav:"user_id"`
	Title           string     `json:"title" dynamodbav:"title"`
	Body            string     `json:"body" dynamodbav:"body"`
	Channel         Channel    `json:"channel" dynamodbav:"channel"`
	Priority        Priority   `json:"priority" dynamodbav:"priority"`
	TargetURL       string     `json:"target_url,omitempty" dynamodbav:"target_url,omitempty"`
	Read            bool       `json:"read" dynamodbav:"read"`
	ReadAt          *time.Time `json:"read_at,omitempty" dynamodbav:"read_at,omitempty"`
	OpenedAt        *time.Time `json:"opened_at,omitempty" dynamodbav:"opened_at,omitempty"`
	PushDeliveredAt *time.Time `json:"push_delivered_at,omitempty" dynamodbav:"push_delivered_at,omitempty"`
	SMSScheduledAt  *time.Time `json:"sms_scheduled_at,omitempty" dynamodbav:"sms_scheduled_at,omitempty"`
	SMSSentAt       *time.Time `json:"sms_sent_at,omitempty" dynamodbav:"sms_sent_at,omitempty"`
	SMSMessageID    string     `json:"sms_message_id,omitempty" dynamodbav:"sms_message_id,omitempty"`
	SMSClaimedAt    *time.Time `json:"-" dynamodbav:"sms_claimed_at,omitempty"`
	SMSAttempts     int        `json:"sms_attempts" dynamodbav:"sms_attempts"`
	SMSLastError    string     `json:"sms_last_error,omitempty" dynamodbav:"sms_last_error,omitempty"`
	SMSAbandonedAt  *time.Time `json:"sms_abandoned_at,omitempty" dynamodbav:"sms_abandoned_at,omitempty"`
	CreatedAt       time.Time  `json:"created" dynamodbav:"created_at"`
	UpdatedAt       time.Time  `json:"updated" dynamodbav:"updated_at"`
}

// NotificationState is the derived position of a notification in its lifecycle.
type NotificationState string

const (
	StatePushPending   NotificationState = "push_pending"
	StatePushDelivered NotificationState = "push_delivered"
	StateSMSSent       NotificationState = "sms_sent"
	StateRead          NotificationState = "read"
)

// State derives the lifecycle state from the timestamps. Read is terminal.
func (n *Notification) State() NotificationState {
	switch {
	case n.Read:
		return StateRead
	case n.SMSSentAt != nil:
		return StateSMSSent
	case n.PushDeliveredAt != nil:
		return StatePushDelivered
	default:
		return StatePushPending
	}
}

// EscalationDue reports whether the notification should be handed to SMS at now.
// Push delivery does not suppress escalation; only reading does.
func (n *Notification) EscalationDue(now time.Time) bool {
	return n.Channel.AllowsSMS() &&
		!n.Read &&
		n.SMSSentAt == nil &&
		n.SMSAbandonedAt == nil &&
		n.SMSMessageID == "" &&
		n.SMSScheduledAt != nil &&
		!n.SMSScheduledAt.After(now)
}

// NotifyRequest is the caller-facing notify payload.
type NotifyRequest struct {
	Recipients RecipientSpec `json:"recipients"`
	Title      string        `json:"title" validate:"required,max=200"`
	Body       string        `json:"body" validate:"required,max=4000"`
	Channel    string        `json:"channel" validate:"omitempty,oneof=push sms both"`
	Priority   string        `json:"priority" validate:"omitempty,oneof=low normal high"`
	TargetURL  string        `json:"target_url" validate:"omitempty,url"`
}

// NotifyResult aggregates the outcome of one notify call.
type NotifyResult struct {
	Created         int      `json:"created"`
	Attempts        int      `json:"attempts"`
	Delivered       int      `json:"delivered"`
	Failed          int      `json:"failed"`
	Gone            int      `json:"gone"`
	Unreachable     int      `json:"unreachable_recipients"`
	NotificationIDs []string `json:"notification_ids"`
}

// DeliveryStats are per-user or global notification counters.
type DeliveryStats struct {
	Total         int `json:"total"`
	Read          int `json:"read"`
	Opened        int `json:"opened"`
	PushDelivered int `json:"push_delivered"`
	SMSPending    int `json:"sms_pending"`
	SMSSent       int `json:"sms_sent"`
	SMSAbandoned  int `json:"sms_abandoned"`
}

// Add folds one notification into the counters.
func (s *DeliveryStats) Add(n *Notification) {
	s.Total++
	if n.Read {
		s.Read++
	}
	if n.OpenedAt != nil {
		s.Opened++
	}
	if n.PushDeliveredAt != nil {
		s.PushDelivered++
	}
	switch {
	case n.SMSSentAt != nil, n.SMSMessageID != "":
		s.SMSSent++
	case n.SMSAbandonedAt != nil:
		s.SMSAbandoned++
	case n.Channel.AllowsSMS() && !n.Read:
		s.SMSPending++
	}
}
