package replication

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJob_Validation(t *testing.T) {
	tests := []struct {
		name        string
		path        string
		dests       []string
		transferNum int
		wantErr     bool
	}{
		{name: "valid", path: "/f", dests: []string{"a", "b"}, transferNum: 2},
		{name: "one of many", path: "/f", dests: []string{"a", "b", "c"}, transferNum: 1},
		{name: "zero copies", path: "/f", dests: []string{"a"}, transferNum: 0, wantErr: true},
		{name: "negative copies", path: "/f", dests: []string{"a"}, transferNum: -1, wantErr: true},
		{name: "more copies than destinations", path: "/f", dests: []string{"a", "b"}, transferNum: 3, wantErr: true},
		{name: "duplicates count once", path: "/f", dests: []string{"a", "a"}, transferNum: 2, wantErr: true},
		{name: "no destinations", path: "/f", transferNum: 1, wantErr: true},
		{name: "empty path", dests: []string{"a"}, transferNum: 1, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j, err := NewJob(tt.path, tt.dests, tt.transferNum, 0, "")
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidJob)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.transferNum, j.Remaining())
			assert.Equal(t, OwnerAdmin, j.Owner())
			assert.NotEmpty(t, j.ID())
			assert.False(t, j.IsDone())
		})
	}
}

func TestJob_CompletesAfterExactlyTransferNumCredits(t *testing.T) {
	orders := [][]string{
		{"A", "B"}, {"B", "A"}, {"A", "C"}, {"C", "A"}, {"B", "C"}, {"C", "B"},
	}
	for _, order := range orders {
		t.Run(order[0]+order[1], func(t *testing.T) {
			j, err := NewJob("/file", []string{"A", "B", "C"}, 2, 0, "")
			require.NoError(t, err)

			require.NoError(t, j.SentToSlave(order[0]))
			assert.False(t, j.IsDone())
			assert.Equal(t, 1, j.Remaining())

			require.NoError(t, j.SentToSlave(order[1]))
			assert.True(t, j.IsDone())
			assert.Equal(t, 0, j.Remaining())
			assert.Len(t, j.Destinations(), 1)
		})
	}
}

func TestJob_SentToOutsiderIsConsistencyViolation(t *testing.T) {
	j, err := NewJob("/file", []string{"A", "B", "C"}, 2, 0, "")
	require.NoError(t, err)
	before := j.Info()

	err = j.SentToSlave("D")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConsistency)
	var ce *ConsistencyError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "D", ce.Slave)
	assert.Equal(t, j.ID(), ce.Job)

	after := j.Info()
	assert.Equal(t, before.Destinations, after.Destinations)
	assert.Equal(t, before.Remaining, after.Remaining)
}

func TestJob_CreditTwiceFails(t *testing.T) {
	j, err := NewJob("/file", []string{"A", "B"}, 2, 0, "")
	require.NoError(t, err)
	require.NoError(t, j.SentToSlave("A"))
	assert.ErrorIs(t, j.SentToSlave("A"), ErrConsistency)
	assert.Equal(t, 1, j.Remaining())
}

func TestJob_CreditAfterDoneFails(t *testing.T) {
	j, err := NewJob("/file", []string{"A", "B"}, 1, 0, "")
	require.NoError(t, err)
	require.NoError(t, j.SentToSlave("A"))
	require.True(t, j.IsDone())
	assert.ErrorIs(t, j.SentToSlave("B"), ErrConsistency)
}

func TestJob_DivergedCountFails(t *testing.T) {
	j, err := NewJob("/file", []string{"A", "B"}, 2, 0, "")
	require.NoError(t, err)
	j.remaining = 3

	assert.ErrorIs(t, j.SentToSlave("A"), ErrConsistency)
	assert.Len(t, j.Destinations(), 2)
}

func TestJob_Abort(t *testing.T) {
	j, err := NewJob("/file", []string{"A"}, 1, 0, OwnerPolicy)
	require.NoError(t, err)
	j.Abort()
	assert.True(t, j.Aborted())
	assert.ErrorIs(t, j.SentToSlave("A"), ErrConsistency)
	assert.Equal(t, OwnerPolicy, j.Info().Owner)
}

func TestJob_AccumulatesTime(t *testing.T) {
	j, err := NewJob("/file", []string{"A"}, 1, 0, "")
	require.NoError(t, err)
	j.AddTime(2 * time.Second)
	j.AddTime(time.Second)
	assert.Equal(t, 3*time.Second, j.Spent())
	assert.Equal(t, 3*time.Second, j.Info().Spent)
}
