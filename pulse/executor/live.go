package executor

import (
	"context"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/teranos/engage/errors"
	"github.com/teranos/engage/pulse/run"
	"github.com/teranos/engage/store"
)

// ActiveRecord is the persisted "a run is in flight" flag for one family.
// It outlives the process, which is how a crash is detected on the next start.
type ActiveRecord struct {
	SessionID string    `json:"session_id"`
	StartedAt time.Time `json:"started_at"`
	PID       int       `json:"pid"`
}

// Progress is the live progress snapshot for one family.
type Progress struct {
	SessionID  string    `json:"session_id"`
	Current    int       `json:"current"`
	Total      int       `json:"total"`
	Percentage float64   `json:"percentage"`
	Step       string    `json:"step"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ActiveKey is where the active flag for family lives.
func ActiveKey(family run.Family) string { return "run.active." + string(family) }

// ProgressKey is where the live progress for family lives.
func ProgressKey(family run.Family) string { return "run.progress." + string(family) }

// LoadLive reads the persisted live state of family. Either result may be nil
// when no run is in flight. Used by observers in other processes.
func LoadLive(ctx context.Context, s store.Store, family run.Family) (*ActiveRecord, *Progress, error) {
	var active *ActiveRecord
	var rec ActiveRecord
	switch err := store.GetJSON(ctx, s, ActiveKey(family), &rec); {
	case err == nil:
		active = &rec
	case !errors.IsNotFoundError(err):
		return nil, nil, err
	}

	var progress *Progress
	var p Progress
	switch err := store.GetJSON(ctx, s, ProgressKey(family), &p); {
	case err == nil:
		progress = &p
	case !errors.IsNotFoundError(err):
		return active, nil, err
	}
	return active, progress, nil
}

// pidReuseSlack absorbs the coarse process create times some platforms report.
const pidReuseSlack = time.Second

// ownedElsewhere reports whether rec belongs to another live process. A live
// PID created after the run started is a reused PID, not the owner.
func ownedElsewhere(ctx context.Context, rec ActiveRecord) bool {
	if rec.PID == 0 || rec.PID == os.Getpid() {
		return false
	}
	alive, err := process.PidExistsWithContext(ctx, int32(rec.PID))
	if err != nil || !alive {
		return false
	}
	if rec.StartedAt.IsZero() {
		return true
	}
	proc, err := process.NewProcessWithContext(ctx, int32(rec.PID))
	if err != nil {
		return true
	}
	createdMs, err := proc.CreateTimeWithContext(ctx)
	if err != nil {
		return true
	}
	return !time.UnixMilli(createdMs).After(rec.StartedAt.Add(pidReuseSlack))
}

// claimActive atomically writes the active flag, refusing when another live
// process holds it.
func claimActive(ctx context.Context, s store.Store, family run.Family, rec ActiveRecord) error {
	return store.UpdateJSON(ctx, s, ActiveKey(family), func(cur *ActiveRecord) error {
		if cur.SessionID != "" && ownedElsewhere(ctx, *cur) {
			return errors.WithDetailf(errors.ErrRunInProgress,
				"session %s is running in process %d", cur.SessionID, cur.PID)
		}
		*cur = rec
		return nil
	})
}

// RecoverInterrupted finalizes a session left "started" by a process that died
// mid-run, then clears the stale live records. It returns the recovered
// session, or nil when there was nothing to recover.
func (e *Executor) RecoverInterrupted(ctx context.Context) (*run.Session, error) {
	if e.IsActive() {
		return nil, nil
	}

	var rec ActiveRecord
	err := store.GetJSON(ctx, e.store, ActiveKey(e.family), &rec)
	if errors.IsNotFoundError(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read active run record")
	}
	if ownedElsewhere(ctx, rec) {
		e.log.Pulse("Active run belongs to another process, leaving it alone",
			"session_id", rec.SessionID, "pid", rec.PID)
		return nil, nil
	}

	var recovered *run.Session
	if rec.SessionID != "" {
		sess, err := e.history.Get(ctx, rec.SessionID)
		switch {
		case err == nil && !sess.Status.Terminal():
			sess.Finalize(run.StatusFailed, "interrupted: process restarted", e.timeNow())
			if err := e.history.Upsert(ctx, sess); err != nil {
				return nil, err
			}
			recovered = sess
		case err != nil && !errors.IsNotFoundError(err):
			return nil, err
		}
	}

	if err := e.store.Delete(ctx, ActiveKey(e.family)); err != nil {
		return recovered, err
	}
	if err := e.store.Delete(ctx, ProgressKey(e.family)); err != nil {
		return recovered, err
	}

	if recovered != nil {
		e.log.Starting("Recovered interrupted run", "session_id", recovered.ID, "started", recovered.StartTime)
	} else {
		e.log.Starting("Cleared stale active flag", "session_id", rec.SessionID)
	}
	return recovered, nil
}

// ProgressEmitter receives every state transition and progress update of a run,
// for surfaces other than logs (the dashboard WebSocket, the CLI).
type ProgressEmitter interface {
	EmitProgress(family run.Family, p Progress)
	EmitState(family run.Family, state State, session *run.Session)
}

type nopEmitter struct{}

func (nopEmitter) EmitProgress(run.Family, Progress) {}
func (nopEmitter) EmitState(run.Family, State, *run.Session) {}
