package controller

import (
	"time"

	"github.com/illmade-knight/go-presencesync/pkg/fetcher"
	"github.com/illmade-knight/go-presencesync/pkg/pushchannel"
	"github.com/illmade-knight/go-presencesync/pkg/types"
)

// State is the reconciliation state of one mounted controller.
type State int

const (
	StateIdle State = iota
	// StateSeeded shows a valid cache entry while a refresh fetch is in flight.
	StateSeeded
	// StateLoading has nothing to show yet and renders the skeleton.
	StateLoading
	StateReady
	// StateRateLimited is latched for the rest of the mount.
	StateRateLimited
)

func (s State) String() string {
	switch s {
	case StateSeeded:
		return "seeded"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateRateLimited:
		return "rate_limited"
	default:
		return "idle"
	}
}

// Params are the per-controller settings the transition function reads.
type Params struct {
	ShowStatus     bool
	FallbackAvatar string
}

// Model is the controller-local state. It is owned by the event loop and never shared.
type Model struct {
	State  State
	Record types.PresenceRecord
	// SkeletonExpired is set once the skeleton timeout forced the content phase.
	SkeletonExpired bool
	// Loading is the last loading signal sent.
	Loading bool
	// Emitted is set after the first UIState emission of the mount.
	Emitted       bool
	ChannelActive bool
}

func (m Model) skeleton() bool {
	return m.State == StateIdle || (m.State == StateLoading && !m.SkeletonExpired)
}

// Derive computes the UIState for a model. It is the only way a UIState is produced.
func Derive(m Model, p Params) types.UIState {
	ui := types.UIState{
		Phase:         types.PhaseContent,
		DisplayStatus: types.StatusOffline,
		StatusHidden:  !p.ShowStatus,
	}
	if m.Record.Status.IsSet() {
		ui.DisplayStatus = m.Record.Status
	}
	switch {
	case m.skeleton():
		ui.Phase = types.PhaseSkeleton
	case m.State == StateRateLimited:
		ui.DisplayAvatar = p.FallbackAvatar
		ui.DisplayStatus = types.StatusOffline
		ui.StatusHidden = true
	case m.Record.HasAvatar():
		ui.DisplayAvatar = m.Record.AvatarRef
	default:
		ui.DisplayAvatar = p.FallbackAvatar
	}
	return ui
}

// Event is an input to Transition.
type Event interface {
	isEvent()
}

// Mount starts a mount. Valid reports whether Cached came from a cache entry inside its TTL.
type Mount struct {
	SubjectID string
	Cached    types.PresenceRecord
	Valid     bool
}

// FetchResult carries the outcome of the mount's fetch.
type FetchResult struct {
	Record types.PresenceRecord
	Err    error
	At     time.Time
}

// ChannelUpdate carries one update from the live channel.
type ChannelUpdate struct {
	Update types.Update
	At     time.Time
}

// RateLimit is the live channel's rate-limit signal.
type RateLimit struct {
	At time.Time
}

// SkeletonTimeout fires when the skeleton has been shown for the configured bound.
type SkeletonTimeout struct{}

// ConnectionChanged reports a push connection lifecycle event. It never changes the model.
type ConnectionChanged struct {
	Event pushchannel.ConnectionEvent
}

func (Mount) isEvent()             {}
func (FetchResult) isEvent()       {}
func (ChannelUpdate) isEvent()     {}
func (RateLimit) isEvent()         {}
func (SkeletonTimeout) isEvent()   {}
func (ConnectionChanged) isEvent() {}

// Effect is an instruction Transition hands back to the event loop.
type Effect interface {
	isEffect()
}

// EmitState hands a new UIState to the presentation layer.
type EmitState struct {
	State types.UIState
}

// SignalLoading reports a change of the loading flag.
type SignalLoading struct {
	Loading bool
}

// WriteCache writes a record through to the presence cache.
type WriteCache struct {
	Record types.PresenceRecord
}

// StartFetch issues the mount's one-shot fetch.
type StartFetch struct{}

// StartChannel opens the configured live channel.
type StartChannel struct{}

// StopChannel closes the live channel.
type StopChannel struct{}

// ScheduleSkeletonTimeout arms the skeleton bound timer.
type ScheduleSkeletonTimeout struct{}

func (EmitState) isEffect()               {}
func (SignalLoading) isEffect()           {}
func (WriteCache) isEffect()              {}
func (StartFetch) isEffect()              {}
func (StartChannel) isEffect()            {}
func (StopChannel) isEffect()             {}
func (ScheduleSkeletonTimeout) isEffect() {}

// Transition applies one event to the model. It is pure: every side effect is returned
// as an Effect for the caller to execute in order.
func Transition(m Model, ev Event, p Params) (Model, []Effect) {
	next := m
	var effects []Effect

	switch e := ev.(type) {
	case Mount:
		if m.State != StateIdle {
			return m, nil
		}
		if e.Valid {
			next.State = StateSeeded
			next.Record = e.Cached
			next.Record.SubjectID = e.SubjectID
		} else {
			next.State = StateLoading
			next.Record = types.PresenceRecord{SubjectID: e.SubjectID}
			effects = append(effects, ScheduleSkeletonTimeout{})
		}
		effects = append(effects, StartFetch{})
		if p.ShowStatus {
			next.ChannelActive = true
			effects = append(effects, StartChannel{})
		}

	case FetchResult:
		if !accepting(m) {
			return m, nil
		}
		switch fetcher.Classify(e.Err) {
		case fetcher.FailureNone:
			next.State = StateReady
			rec := merge(m.Record, e.Record)
			rec.ObservedAt = latest(m.Record.ObservedAt, e.Record.ObservedAt, e.At)
			next.Record = rec
			effects = append(effects, WriteCache{Record: rec})
		case fetcher.FailureRateLimited:
			next, effects = rateLimit(m, p, e.At)
		default:
			// Status is unchanged.
			next.State = StateReady
			next.Record.AvatarRef = p.FallbackAvatar
		}

	case ChannelUpdate:
		if !accepting(m) {
			return m, nil
		}
		rec := m.Record
		switch e.Update.Kind {
		case types.UpdateStatus:
			if !e.Update.Status.IsSet() || e.Update.Status == rec.Status {
				return m, nil
			}
			rec.Status = e.Update.Status
		case types.UpdateAvatar:
			if e.Update.AvatarRef == types.AvatarUnset || e.Update.AvatarRef == rec.AvatarRef {
				return m, nil
			}
			rec.AvatarRef = e.Update.AvatarRef
		default:
			return m, nil
		}
		rec.ObservedAt = latest(rec.ObservedAt, e.At)
		next.Record = rec
		effects = append(effects, WriteCache{Record: rec})

	case RateLimit:
		if !accepting(m) {
			return m, nil
		}
		next, effects = rateLimit(m, p, e.At)

	case SkeletonTimeout:
		if m.State != StateLoading || m.SkeletonExpired {
			return m, nil
		}
		next.SkeletonExpired = true

	default:
		return m, nil
	}

	next, sig := signals(m, next, p)
	return next, append(effects, sig...)
}

// merge overlays the fields a fetched payload carried onto the held record.
func merge(held, fetched types.PresenceRecord) types.PresenceRecord {
	rec := held
	if fetched.AvatarRef != types.AvatarUnset {
		rec.AvatarRef = fetched.AvatarRef
	}
	if fetched.Status.IsSet() {
		rec.Status = fetched.Status
	}
	return rec
}

// accepting reports whether results and updates may still change the model.
func accepting(m Model) bool {
	return m.State != StateIdle && m.State != StateRateLimited
}

func rateLimit(m Model, p Params, at time.Time) (Model, []Effect) {
	next := m
	next.State = StateRateLimited
	next.Record = types.PresenceRecord{
		SubjectID:  m.Record.SubjectID,
		AvatarRef:  p.FallbackAvatar,
		Status:     types.StatusOffline,
		ObservedAt: latest(m.Record.ObservedAt, at),
	}
	effects := []Effect{WriteCache{Record: next.Record}}
	if m.ChannelActive {
		next.ChannelActive = false
		effects = append(effects, StopChannel{})
	}
	return next, effects
}

// signals records and returns the loading and emit effects implied by moving from prev to next.
func signals(prev, next Model, p Params) (Model, []Effect) {
	var effects []Effect
	loading := next.skeleton()
	if !prev.Emitted || loading != prev.Loading {
		effects = append(effects, SignalLoading{Loading: loading})
	}
	next.Loading = loading
	ui := Derive(next, p)
	if !prev.Emitted || ui != Derive(prev, p) {
		effects = append(effects, EmitState{State: ui})
	}
	next.Emitted = true
	return next, effects
}

func latest(ts ...time.Time) time.Time {
	var newest time.Time
	for _, t := range ts {
		if t.After(newest) {
			newest = t
		}
	}
	return newest
}
