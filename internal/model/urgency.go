package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidUrgency is returned for values outside the three tiers.
var ErrInvalidUrgency = errors.New("invalid urgency")

// Urgency is the closed set of urgency tiers. The zero value means "absent".
type Urgency string

const (
	UrgencyNone    Urgency = ""
	NotUrgent      Urgency = "NotUrgent"
	SomewhatUrgent Urgency = "SomewhatUrgent"
	Urgent         Urgency = "Urgent"
)

// Rank orders tiers: absent < NotUrgent < SomewhatUrgent < Urgent.
func (u Urgency) Rank() int {
	switch u {
	case NotUrgent:
		return 1
	case SomewhatUrgent:
		return 2
	case Urgent:
		return 3
	default:
		return 0
	}
}

// Valid reports whether u is one of the three tiers.
func (u Urgency) Valid() bool {
	return u.Rank() > 0
}

func (u Urgency) String() string {
	if u == UrgencyNone {
		return "none"
	}
	return string(u)
}

// MaxUrgency returns the higher of the two tiers.
func MaxUrgency(a, b Urgency) Urgency {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// ParseUrgency accepts the canonical names plus spaced or lower-case spellings
// ("Somewhat Urgent", "not_urgent"). An empty string parses as UrgencyNone.
func ParseUrgency(s string) (Urgency, error) {
	key := strings.ToLower(strings.NewReplacer(" ", "", "_", "", "-", "").Replace(strings.TrimSpace(s)))
	switch key {
	case "":
		return UrgencyNone, nil
	case "noturgent":
		return NotUrgent, nil
	case "somewhaturgent":
		return SomewhatUrgent, nil
	case "urgent":
		return Urgent, nil
	default:
		return UrgencyNone, fmt.Errorf("%w: %q", ErrInvalidUrgency, s)
	}
}

// UnmarshalText lets JSON and YAML decoders use ParseUrgency.
func (u *Urgency) UnmarshalText(b []byte) error {
	parsed, err := ParseUrgency(string(b))
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}
