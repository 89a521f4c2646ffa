package syncer

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Cycle results, also used as metric labels.
const (
	ResultOK                = "ok"
	ResultPartial           = "partial"
	ResultRemoteUnavailable = "remote_unavailable"
	ResultSkipped           = "skipped"
	ResultCancelled         = "cancelled"
)

// Report summarizes one cycle.
type Report struct {
	CycleID    string        `json:"cycle_id"`
	Category   string        `json:"category"`
	Result     string        `json:"result"`
	Added      []string      `json:"added,omitempty"`
	Modified   []string      `json:"modified,omitempty"`
	Removed    []string      `json:"removed,omitempty"`
	Downloaded []string      `json:"downloaded,omitempty"` // identifiers
	Failed     []string      `json:"failed,omitempty"`     // keys
	Evicted    []string      `json:"evicted,omitempty"`    // identifiers
	Entries    int           `json:"entries"`
	Started    time.Time     `json:"started"`
	Duration   time.Duration `json:"duration"`
}

// Changed reports whether any key was added, modified or removed.
func (r Report) Changed() bool {
	return len(r.Added)+len(r.Modified)+len(r.Removed) > 0
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (r Report) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("cycle_id", r.CycleID)
	enc.AddString("result", r.Result)
	enc.AddInt("added", len(r.Added))
	enc.AddInt("modified", len(r.Modified))
	enc.AddInt("removed", len(r.Removed))
	enc.AddInt("downloaded", len(r.Downloaded))
	enc.AddInt("failed", len(r.Failed))
	enc.AddInt("evicted", len(r.Evicted))
	enc.AddInt("entries", r.Entries)
	enc.AddDuration("duration", r.Duration)
	return nil
}

func reportField(r Report) zap.Field {
	return zap.Object("report", r)
}
