// Package types holds the presence data model shared by the cache, the transports and the controller.
package types

import (
	"strings"
	"time"
)

// Status is a subject's activity status as reported by the presence service.
type Status string

const (
	StatusOnline       Status = "online"
	StatusIdle         Status = "idle"
	StatusDoNotDisturb Status = "dnd"
	StatusOffline      Status = "offline"
	StatusInvisible    Status = "invisible"
	StatusUnknown      Status = "unknown"

	// StatusUnset marks a payload that carried no status at all.
	StatusUnset Status = ""
)

// AvatarUnset marks a record whose avatar reference is not known.
const AvatarUnset = ""

// ParseStatus maps a wire value onto the Status enum. An empty value is StatusUnset;
// any other value that is not recognised becomes StatusUnknown.
func ParseStatus(s string) Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return StatusUnset
	case "online":
		return StatusOnline
	case "idle":
		return StatusIdle
	case "dnd", "donotdisturb":
		return StatusDoNotDisturb
	case "offline":
		return StatusOffline
	case "invisible":
		return StatusInvisible
	default:
		return StatusUnknown
	}
}

// IsSet reports whether the status carries a value.
func (s Status) IsSet() bool {
	return s != StatusUnset
}

// PresenceRecord is the last known presence of a single subject.
type PresenceRecord struct {
	SubjectID  string    `json:"subjectId" firestore:"subjectId"`
	AvatarRef  string    `json:"avatarRef" firestore:"avatarRef"`
	Status     Status    `json:"status" firestore:"status"`
	ObservedAt time.Time `json:"observedAt" firestore:"observedAt"`
}

// HasAvatar reports whether the record holds an avatar reference.
func (r PresenceRecord) HasAvatar() bool {
	return r.AvatarRef != AvatarUnset
}

// Transport selects the live update channel a controller runs.
type Transport string

const (
	TransportPush Transport = "push"
	TransportPoll Transport = "poll"
)

// UpdateKind is the kind of an incremental update delivered by a channel.
type UpdateKind string

const (
	UpdateStatus UpdateKind = "status"
	UpdateAvatar UpdateKind = "avatar"
)

// Update is a single incremental change pushed for a subject.
type Update struct {
	SubjectID string
	Kind      UpdateKind
	Status    Status
	AvatarRef string
}
