package raftfsm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRaftApplyTimeoutUsesDefaultWithoutDeadline(t *testing.T) {
	got := raftApplyTimeout(context.Background())
	assert.Equal(t, DefaultApplyTimeout, got)
}

func TestRaftApplyTimeoutHonorsContextDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	got := raftApplyTimeout(ctx)
	assert.LessOrEqual(t, got, 50*time.Millisecond)
	assert.Greater(t, got, time.Duration(0))
}

func TestRaftApplyTimeoutFallsBackOnExpiredDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	got := raftApplyTimeout(ctx)
	assert.Equal(t, DefaultApplyTimeout, got)
}
