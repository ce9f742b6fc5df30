package domain

// OutcomeKind classifies a single push attempt.
type OutcomeKind int

const (
	Delivered OutcomeKind = iota
	TransientFailure
	PermanentlyGone
)

func (k OutcomeKind) String() string {
	switch k {
	case Delivered:
		return "delivered"
	case TransientFailure:
		return "transient_failure"
	case PermanentlyGone:
		return "gone"
	}
	return "unknown"
}

// DeliveryOutcome is the result of one push attempt to one subscription.
type DeliveryOutcome struct {
	Kind       OutcomeKind
	Reason     string
	StatusCode int
}

// PushPayload is the JSON document the service worker receives.
type PushPayload struct {
	NotificationID string   `json:"notification_id"`
	Title          string   `json:"title"`
	Body           string   `json:"body"`
	URL            string   `json:"url,omitempty"`
	Priority       Priority `json:"priority"`
	Tag            string   `json:"tag"`
}

// PayloadFor builds the push payload for n.
func PayloadFor(n *Notification) PushPayload {
	return PushPayload{
		NotificationID: n.NotificationID,
		Title:          n.Title,
		Body:           n.Body,
		URL:            n.TargetURL,
		Priority:       n.Priority,
		Tag:            n.NotificationID,
	}
}
