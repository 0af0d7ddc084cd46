// Package raftfsm adapts the teacher's command/apply FSM shape to this
// registry's narrow state machine: it carries only published config
// items through Raft. Naming state (C1) is intentionally NOT replicated
// through Raft — it is per-node and synchronized peer-to-peer by C4/C5,
// per spec.md §9's "two replication regimes" design note.
package raftfsm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/raft"

	"github.com/nacos-go/registry/internal/config"
	"github.com/nacos-go/registry/pkg/log"
	"github.com/nacos-go/registry/pkg/metrics"
	"github.com/nacos-go/registry/pkg/store"
)

// DefaultApplyTimeout bounds a SetConfig call when ctx carries no deadline.
const DefaultApplyTimeout = 5 * time.Second

func raftApplyTimeout(ctx context.Context) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d > 0 {
			return d
		}
	}
	return DefaultApplyTimeout
}

// Command is one Raft log entry. Currently only "set_config" is
// defined; the envelope mirrors the teacher's Command{Op,Data} shape
// so additional replicated operations can be added the same way.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

const opSetConfig = "set_config"

// FSM implements raft.FSM over the config store. It does not implement
// config.ConfigRoute itself; Applier wraps the *raft.Raft running this
// FSM for config.NewBridge.
type FSM struct {
	mu    sync.RWMutex
	store *store.Store
}

// NewFSM creates a Raft FSM backed by the given persistence layer.
func NewFSM(s *store.Store) *FSM {
	return &FSM{store: s}
}

// Apply applies one committed Raft log entry.
func (f *FSM) Apply(l *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		return fmt.Errorf("unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case opSetConfig:
		var rec store.ConfigRecord
		if err := json.Unmarshal(cmd.Data, &rec); err != nil {
			return err
		}
		return f.store.PutConfig(rec)
	default:
		return fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

// Snapshot captures every config record for Raft log compaction.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	records, err := f.store.ListConfig()
	if err != nil {
		return nil, fmt.Errorf("list config: %w", err)
	}
	return &Snapshot{Config: records}, nil
}

// Restore replaces current state with the contents of a snapshot.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap Snapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range snap.Config {
		if err := f.store.PutConfig(rec); err != nil {
			return fmt.Errorf("restore config %s/%s/%s: %w", rec.Tenant, rec.Group, rec.DataID, err)
		}
	}
	return nil
}

// Snapshot is the point-in-time FSM state handed to raft.SnapshotSink.
type Snapshot struct {
	Config []store.ConfigRecord
}

// Persist writes the snapshot as JSON to sink.
func (s *Snapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

// Release is a no-op: the snapshot holds no external resources.
func (s *Snapshot) Release() {}

// Applier submits a SetConfigReq through a live *raft.Raft instance
// and implements config.ConfigRoute for internal/config.Bridge.
type Applier struct {
	raft *raft.Raft
}

// NewApplier wraps a started *raft.Raft as a config.ConfigRoute.
func NewApplier(r *raft.Raft) *Applier {
	return &Applier{raft: r}
}

// SetConfig implements config.ConfigRoute. It only succeeds against
// the current Raft leader; followers return raft.ErrNotLeader via the
// apply future.
func (a *Applier) SetConfig(ctx context.Context, req config.SetConfigReq) error {
	rec := store.ConfigRecord{
		DataID:  req.Key.DataID,
		Group:   req.Key.Group,
		Tenant:  req.Key.Tenant,
		Content: req.Content,
		Type:    req.Type,
		Desc:    req.Desc,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal config record: %w", err)
	}
	cmd := Command{Op: opSetConfig, Data: data}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}

	timeout := raftApplyTimeout(ctx)
	timer := metrics.NewTimer()
	future := a.raft.Apply(payload, timeout)
	err = future.Error()
	timer.ObserveDuration(metrics.RaftApplyDuration)
	if err != nil {
		return fmt.Errorf("raft apply: %w", err)
	}
	if applyErr, ok := future.Response().(error); ok && applyErr != nil {
		return fmt.Errorf("fsm apply: %w", applyErr)
	}

	log.WithComponent("raft-fsm").Debug().
		Str("data_id", req.Key.DataID).
		Str("group", req.Key.Group).
		Str("tenant", req.Key.Tenant).
		Msg("config published via raft")
	return nil
}
