package model

import (
	"fmt"
	"time"
)

// Control record field names.
const (
	ControlTriggered       = "triggered"
	ControlLastReconcileAt = "last_reconcile_at"
	ControlLastDigestAt    = "last_digest_at"
	ControlLastReprocessAt = "last_reprocess_at"
	ControlFeedPosition    = "feed_position"
	ControlFeedHorizon     = "feed_horizon"
)

// ControlFields lists every control record field.
var ControlFields = []string{
	ControlTriggered, ControlLastReconcileAt, ControlLastDigestAt,
	ControlLastReprocessAt, ControlFeedPosition, ControlFeedHorizon,
}

// ControlRecord is the pipeline's singleton state record.
type ControlRecord struct {
	Triggered       bool       `json:"triggered"`
	LastReconcileAt *time.Time `json:"lastReconcileAt,omitempty"`
	LastDigestAt    *time.Time `json:"lastDigestAt,omitempty"`
	LastReprocessAt *time.Time `json:"lastReprocessAt,omitempty"`
	// FeedPosition is the last change sequence handed to the work queue.
	FeedPosition int64 `json:"feedPosition"`
	// FeedHorizon is the highest change sequence already pruned from history.
	FeedHorizon int64 `json:"feedHorizon"`
}

// Clone returns a deep copy.
func (c *ControlRecord) Clone() *ControlRecord {
	out := *c
	out.LastReconcileAt = cloneTime(c.LastReconcileAt)
	out.LastDigestAt = cloneTime(c.LastDigestAt)
	out.LastReprocessAt = cloneTime(c.LastReprocessAt)
	return &out
}

// SetField assigns a named control field.
func (c *ControlRecord) SetField(name string, value any) error {
	var err error
	switch name {
	case ControlTriggered:
		c.Triggered, err = asBool(name, value)
	case ControlLastReconcileAt:
		c.LastReconcileAt, err = asTime(name, value)
	case ControlLastDigestAt:
		c.LastDigestAt, err = asTime(name, value)
	case ControlLastReprocessAt:
		c.LastReprocessAt, err = asTime(name, value)
	case ControlFeedPosition:
		c.FeedPosition, err = asInt64(name, value)
	case ControlFeedHorizon:
		c.FeedHorizon, err = asInt64(name, value)
	default:
		err = fmt.Errorf("unknown control field %q", name)
	}
	return err
}

func asInt64(field string, v any) (int64, error) {
	switch val := v.(type) {
	case int64:
		return val, nil
	case int:
		return int64(val), nil
	default:
		return 0, fmt.Errorf("field %s: want integer, got %T", field, v)
	}
}
