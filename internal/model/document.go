package model

import (
	"fmt"
	"time"
)

// Document field names. They double as the store's column names.
const (
	FieldEmailID    = "email_id"
	FieldSubject    = "subject"
	FieldSender     = "sender"
	FieldBody       = "body"
	FieldCreatedAt  = "created_at"
	FieldProcessed  = "processed"
	FieldHasTask    = "has_task"
	FieldTask       = "task"
	FieldTaskBody   = "task_body"
	FieldUrgency    = "urgency"
	FieldDeadline   = "deadline"
	FieldCompleted  = "completed"
	FieldNotifiedAt = "notified_at"
	FieldClaimedAt  = "claimed_at"
	FieldClaimOwner = "claim_owner"
	FieldUpdatedAt  = "updated_at"
)

// DocumentFields lists every addressable document field in column order.
var DocumentFields = []string{
	FieldEmailID, FieldSubject, FieldSender, FieldBody, FieldCreatedAt,
	FieldProcessed, FieldHasTask, FieldTask, FieldTaskBody, FieldUrgency,
	FieldDeadline, FieldCompleted, FieldNotifiedAt, FieldClaimedAt,
	FieldClaimOwner, FieldUpdatedAt,
}

// ClaimFields are bookkeeping fields; changing only these is not a document change.
var ClaimFields = map[string]bool{
	FieldClaimedAt:  true,
	FieldClaimOwner: true,
	FieldUpdatedAt:  true,
}

// TaskDocument is one inbox message and its classification state.
type TaskDocument struct {
	EmailID    string     `json:"emailId"`
	Subject    string     `json:"subject"`
	Sender     string     `json:"sender"`
	Body       string     `json:"body"`
	CreatedAt  time.Time  `json:"createdAt"`
	Processed  bool       `json:"processed"`
	HasTask    bool       `json:"hasTask"`
	Task       string     `json:"task,omitempty"`
	TaskBody   string     `json:"taskBody,omitempty"`
	Urgency    Urgency    `json:"urgency,omitempty"`
	Deadline   *time.Time `json:"deadline,omitempty"`
	Completed  bool       `json:"completed"`
	NotifiedAt *time.Time `json:"notifiedAt,omitempty"`
	ClaimedAt  *time.Time `json:"claimedAt,omitempty"`
	ClaimOwner string     `json:"claimOwner,omitempty"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// Clone returns a deep copy.
func (d *TaskDocument) Clone() *TaskDocument {
	c := *d
	c.Deadline = cloneTime(d.Deadline)
	c.NotifiedAt = cloneTime(d.NotifiedAt)
	c.ClaimedAt = cloneTime(d.ClaimedAt)
	return &c
}

// Field returns the value of a named field. Absent optional values are nil,
// so they compare like SQL NULLs.
func (d *TaskDocument) Field(name string) (any, error) {
	switch name {
	case FieldEmailID:
		return d.EmailID, nil
	case FieldSubject:
		return d.Subject, nil
	case FieldSender:
		return d.Sender, nil
	case FieldBody:
		return d.Body, nil
	case FieldCreatedAt:
		return d.CreatedAt, nil
	case FieldProcessed:
		return d.Processed, nil
	case FieldHasTask:
		return d.HasTask, nil
	case FieldTask:
		return optString(d.Task), nil
	case FieldTaskBody:
		return optString(d.TaskBody), nil
	case FieldUrgency:
		return optString(string(d.Urgency)), nil
	case FieldDeadline:
		return optTime(d.Deadline), nil
	case FieldCompleted:
		return d.Completed, nil
	case FieldNotifiedAt:
		return optTime(d.NotifiedAt), nil
	case FieldClaimedAt:
		return optTime(d.ClaimedAt), nil
	case FieldClaimOwner:
		return optString(d.ClaimOwner), nil
	case FieldUpdatedAt:
		return d.UpdatedAt, nil
	default:
		return nil, fmt.Errorf("unknown document field %q", name)
	}
}

// SetField assigns a named field. nil clears an optional field.
func (d *TaskDocument) SetField(name string, value any) error {
	var err error
	switch name {
	case FieldEmailID:
		d.EmailID, err = asString(name, value)
	case FieldSubject:
		d.Subject, err = asString(name, value)
	case FieldSender:
		d.Sender, err = asString(name, value)
	case FieldBody:
		d.Body, err = asString(name, value)
	case FieldCreatedAt:
		var t *time.Time
		if t, err = asTime(name, value); err == nil && t != nil {
			d.CreatedAt = *t
		}
	case FieldProcessed:
		d.Processed, err = asBool(name, value)
	case FieldHasTask:
		d.HasTask, err = asBool(name, value)
	case FieldTask:
		d.Task, err = asString(name, value)
	case FieldTaskBody:
		d.TaskBody, err = asString(name, value)
	case FieldUrgency:
		var s string
		if s, err = asString(name, value); err == nil {
			d.Urgency, err = ParseUrgency(s)
		}
	case FieldDeadline:
		d.Deadline, err = asTime(name, value)
	case FieldCompleted:
		d.Completed, err = asBool(name, value)
	case FieldNotifiedAt:
		d.NotifiedAt, err = asTime(name, value)
	case FieldClaimedAt:
		d.ClaimedAt, err = asTime(name, value)
	case FieldClaimOwner:
		d.ClaimOwner, err = asString(name, value)
	case FieldUpdatedAt:
		var t *time.Time
		if t, err = asTime(name, value); err == nil && t != nil {
			d.UpdatedAt = *t
		}
	default:
		err = fmt.Errorf("unknown document field %q", name)
	}
	return err
}

func optString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func optTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func asString(field string, v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "", nil
	case string:
		return val, nil
	case Urgency:
		return string(val), nil
	default:
		return "", fmt.Errorf("field %s: want string, got %T", field, v)
	}
}

func asBool(field string, v any) (bool, error) {
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("field %s: want bool, got %T", field, v)
	}
	return b, nil
}

func asTime(field string, v any) (*time.Time, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case time.Time:
		return &val, nil
	case *time.Time:
		return cloneTime(val), nil
	default:
		return nil, fmt.Errorf("field %s: want time, got %T", field, v)
	}
}
