package domain

import (
	"fmt"
	"strings"
	"time"
)

// Channel is the delivery plan of a notification.
type Channel string

const (
	ChannelPush Channel = "push"
	ChannelSMS  Channel = "sms"
	ChannelBoth Channel = "both"
)

// ParseChannel maps user input onto a Channel. An empty string means push.
func ParseChannel(s string) (Channel, error) {
	switch c := Channel(strings.ToLower(strings.TrimSpace(s))); c {
	case "":
		return ChannelPush, nil
	case ChannelPush, ChannelSMS, ChannelBoth:
		return c, nil
	default:
		return "", fmt.Errorf("unknown channel %q: %w", s, ErrBadRequest)
	}
}

// AllowsPush reports whether the plan includes an immediate push fan-out.
func (c Channel) AllowsPush() bool {
	switch c {
	case ChannelPush, ChannelBoth:
		return true
	case ChannelSMS:
		return false
	}
	return false
}

// AllowsSMS reports whether the plan may escalate to SMS.
func (c Channel) AllowsSMS() bool {
	switch c {
	case ChannelSMS, ChannelBoth:
		return true
	case ChannelPush:
		return false
	}
	return false
}

// SMSScheduleAt returns when a notification created at createdAt becomes
// eligible for SMS, or nil when the plan never escalates.
func (c Channel) SMSScheduleAt(createdAt time.Time, delay time.Duration) *time.Time {
	switch c {
	case ChannelSMS, ChannelBoth:
		at := createdAt.Add(delay)
		return &at
	case ChannelPush:
		return nil
	}
	return nil
}

// Priority drives the urgency hint sent to the push relay.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// ParsePriority maps user input onto a Priority. An empty string means normal.
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PriorityNormal, nil
	case PriorityLow, PriorityNormal, PriorityHigh:
		return p, nil
	default:
		return "", fmt.Errorf("unknown priority %q: %w", s, ErrBadRequest)
	}
}
