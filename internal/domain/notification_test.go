package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNotification_EscalationDue(t *testing.T) {
	now := time.Date(2025, 3, 1, 20, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	due := &Notification{Channel: ChannelBoth, SMSScheduledAt: &past}
	assert.True(t, due.EscalationDue(now))

	notYet := &Notification{Channel: ChannelBoth, SMSScheduledAt: &future}
	assert.False(t, notYet.EscalationDue(now))

	read := &Notification{Channel: ChannelBoth, SMSScheduledAt: &past, Read: true}
	assert.False(t, read.EscalationDue(now))

	sent := &Notification{Channel: ChannelBoth, SMSScheduledAt: &past, SMSSentAt: &past}
	assert.False(t, sent.EscalationDue(now))

	pushOnly := &Notification{Channel: ChannelPush, SMSScheduledAt: &past}
	assert.False(t, pushOnly.EscalationDue(now))

	// Push delivery alone does not suppress escalation.
	delivered := &Notification{Channel: ChannelBoth, SMSScheduledAt: &past, PushDeliveredAt: &past}
	assert.True(t, delivered.EscalationDue(now))

	// A row whose SMS went out but could not be recorded is held, not retried.
	held := &Notification{Channel: ChannelSMS, SMSScheduledAt: &past, SMSMessageID: "msg-1"}
	assert.False(t, held.EscalationDue(now))
}

func TestNotification_State(t *testing.T) {
	ts := time.Now()
	assert.Equal(t, StatePushPending, (&Notification{}).State())
	assert.Equal(t, StatePushDelivered, (&Notification{PushDeliveredAt: &ts}).State())
	assert.Equal(t, StateSMSSent, (&Notification{PushDeliveredAt: &ts, SMSSentAt: &ts}).State())
	assert.Equal(t, StateRead, (&Notification{SMSSentAt: &ts, Read: true}).State())
}

func TestDeliveryStats_HeldRowCountsAsSent(t *testing.T) {
	ts := time.Now()
	var s DeliveryStats
	s.Add(&Notification{Channel: ChannelBoth})
	s.Add(&Notification{Channel: ChannelSMS, SMSMessageID: "msg-1"})
	s.Add(&Notification{Channel: ChannelSMS, SMSSentAt: &ts, SMSMessageID: "msg-2"})
	assert.Equal(t, DeliveryStats{Total: 3, SMSPending: 1, SMSSent: 2}, s)
}

func TestSubscriptionKey_Stable(t *testing.T) {
	a := SubscriptionKey("https://push.example.com/abc")
	assert.Equal(t, a, SubscriptionKey("https://push.example.com/abc"))
	assert.NotEqual(t, a, SubscriptionKey("https://push.example.com/abd"))
	assert.Len(t, a, 64)
}
