package control

import (
	"errors"
	"time"

	"github.com/findertool/deployctl"
)

// Attempt is the wire form of a release attempt. Err travels as a
// string because the concrete error does not survive serialization.
type Attempt struct {
	ReleaseID     string    `json:"release_id"`
	TargetVersion int64     `json:"target_version"`
	SnapshotID    string    `json:"snapshot_id,omitempty"`
	Phase         string    `json:"phase"`
	FailedPhase   string    `json:"failed_phase,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
	Error         string    `json:"error,omitempty"`
}

// ProcessState is the wire form of one managed process's state.
type ProcessState struct {
	Name         string    `json:"name"`
	PID          int       `json:"pid,omitempty"`
	Status       string    `json:"status"`
	RestartCount int       `json:"restart_count,omitempty"`
	LastHealthAt time.Time `json:"last_health_at"`
}

func encodeAttempt(attempt deployctl.ReleaseAttempt, err error) Attempt {
	wire := Attempt{
		ReleaseID:     attempt.ReleaseID,
		TargetVersion: attempt.TargetVersion,
		SnapshotID:    attempt.SnapshotID,
		Phase:         string(attempt.Phase),
		FailedPhase:   string(attempt.FailedPhase),
		StartedAt:     attempt.StartedAt,
		FinishedAt:    attempt.FinishedAt,
	}
	if err != nil {
		wire.Error = err.Error()
	}
	return wire
}

func (a Attempt) attempt() deployctl.ReleaseAttempt {
	attempt := deployctl.ReleaseAttempt{
		ReleaseID:     a.ReleaseID,
		TargetVersion: a.TargetVersion,
		SnapshotID:    a.SnapshotID,
		Phase:         deployctl.ReleasePhase(a.Phase),
		FailedPhase:   deployctl.ReleasePhase(a.FailedPhase),
		StartedAt:     a.StartedAt,
		FinishedAt:    a.FinishedAt,
	}
	if a.Error != "" {
		attempt.Err = errors.New(a.Error)
	}
	return attempt
}
