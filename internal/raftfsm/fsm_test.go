package raftfsm

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nacos-go/registry/pkg/store"
)

func newTestFSM(t *testing.T) *FSM {
	t.Helper()
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewFSM(s)
}

func logFor(t *testing.T, rec store.ConfigRecord) *raft.Log {
	t.Helper()
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	cmd := Command{Op: opSetConfig, Data: data}
	payload, err := json.Marshal(cmd)
	require.NoError(t, err)
	return &raft.Log{Data: payload}
}

func TestFSMApplySetConfig(t *testing.T) {
	fsm := newTestFSM(t)
	rec := store.ConfigRecord{DataID: "app.yaml", Group: "DEFAULT_GROUP", Tenant: "public", Content: "k=v"}

	result := fsm.Apply(logFor(t, rec))
	assert.Nil(t, result)

	records, err := fsm.store.ListConfig()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, rec, records[0])
}

func TestFSMApplyUnknownCommand(t *testing.T) {
	fsm := newTestFSM(t)
	payload, err := json.Marshal(Command{Op: "bogus"})
	require.NoError(t, err)

	result := fsm.Apply(&raft.Log{Data: payload})
	err, ok := result.(error)
	require.True(t, ok)
	assert.Contains(t, err.Error(), "unknown command")
}

func TestFSMApplyMalformedPayload(t *testing.T) {
	fsm := newTestFSM(t)
	result := fsm.Apply(&raft.Log{Data: []byte("not json")})
	_, ok := result.(error)
	assert.True(t, ok)
}

func TestFSMSnapshotAndRestoreRoundTrip(t *testing.T) {
	fsm := newTestFSM(t)
	fsm.Apply(logFor(t, store.ConfigRecord{DataID: "a.yaml", Group: "DEFAULT_GROUP", Tenant: "public", Content: "va"}))
	fsm.Apply(logFor(t, store.ConfigRecord{DataID: "b.yaml", Group: "DEFAULT_GROUP", Tenant: "public", Content: "vb"}))

	snap, err := fsm.Snapshot()
	require.NoError(t, err)

	sink := newFakeSnapshotSink()
	require.NoError(t, snap.Persist(sink))

	restored := newTestFSM(t)
	require.NoError(t, restored.Restore(io.NopCloser(bytes.NewReader(sink.buf.Bytes()))))

	records, err := restored.store.ListConfig()
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestFSMPersistCancelsSinkOnEncodeFailure(t *testing.T) {
	fsm := newTestFSM(t)
	sink := newFakeSnapshotSink()
	sink.writeErr = errors.New("disk full")

	snap, err := fsm.Snapshot()
	require.NoError(t, err)

	err = snap.Persist(sink)
	assert.Error(t, err)
	assert.True(t, sink.cancelled)
}

type fakeSnapshotSink struct {
	buf       bytes.Buffer
	writeErr  error
	cancelled bool
}

func newFakeSnapshotSink() *fakeSnapshotSink {
	return &fakeSnapshotSink{}
}

func (f *fakeSnapshotSink) Write(p []byte) (int, error) {
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	return f.buf.Write(p)
}

func (f *fakeSnapshotSink) Close() error  { return nil }
func (f *fakeSnapshotSink) ID() string    { return "test-snapshot" }
func (f *fakeSnapshotSink) Cancel() error { f.cancelled = true; return nil }
