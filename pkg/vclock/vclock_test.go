package vclock

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompare(t *testing.T) {
	tests := []struct {
		name string
		a, b Clock
		want Ordering
	}{
		{"both empty", Clock{}, nil, Equal},
		{"equal", Clock{"a": 1, "b": 2}, Clock{"a": 1, "b": 2}, Equal},
		{"zero entries ignored", Clock{"a": 1, "b": 0}, Clock{"a": 1}, Equal},
		{"before", Clock{"a": 1}, Clock{"a": 2}, Before},
		{"before missing device", Clock{"a": 1}, Clock{"a": 1, "b": 1}, Before},
		{"after", Clock{"a": 3, "b": 1}, Clock{"a": 2}, After},
		{"concurrent", Clock{"a": 2, "b": 1}, Clock{"a": 1, "b": 2}, Concurrent},
		{"concurrent disjoint", Clock{"a": 1}, Clock{"b": 1}, Concurrent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Compare(tt.b))
		})
	}
}

func TestMergeIsPointwiseMax(t *testing.T) {
	c := Clock{"a": 3, "b": 1}
	c.Merge(Clock{"a": 1, "b": 4, "c": 2})
	assert.Equal(t, Clock{"a": 3, "b": 4, "c": 2}, c)
}

func TestIncrementAndCopy(t *testing.T) {
	c := New()
	assert.Equal(t, uint64(1), c.Increment("dev"))
	assert.Equal(t, uint64(2), c.Increment("dev"))

	cp := c.Copy()
	cp.Increment("dev")
	assert.Equal(t, uint64(2), c.Get("dev"))
	assert.Equal(t, uint64(3), cp.Get("dev"))
	assert.Equal(t, uint64(0), c.Get("other"))
}

func TestAheadExcept(t *testing.T) {
	local := Clock{"a": 2, "b": 5}
	assert.True(t, local.AheadExcept(Clock{"a": 1, "b": 9}, "b"))
	assert.False(t, local.AheadExcept(Clock{"a": 2, "b": 1}, "b"))
	assert.True(t, local.Dominates(Clock{"a": 2}))
}

func TestStringSorted(t *testing.T) {
	assert.Equal(t, "{a:1, b:2, c:3}", Clock{"c": 3, "a": 1, "b": 2}.String())
	assert.Equal(t, "{}", Clock(nil).String())
	assert.Equal(t, Ordering(9).String(), "unknown")
}

func TestJSON(t *testing.T) {
	data, err := json.Marshal(Clock{"b": 2, "a": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1,"b":2}`, string(data))

	var back Clock
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, Equal, back.Compare(Clock{"a": 1, "b": 2}))
}

func TestCheck(t *testing.T) {
	tests := []struct {
		name   string
		local  Clock
		remote Clock
		sender string
		want   Decision
	}{
		{"unknown key", nil, Clock{"b": 1}, "b", Apply},
		{"descendant", Clock{"a": 1}, Clock{"a": 1, "b": 1}, "b", Apply},
		{"already seen", Clock{"a": 1, "b": 2}, Clock{"b": 2}, "b", Skip},
		{"older", Clock{"b": 3}, Clock{"b": 1}, "b", Skip},
		{"concurrent", Clock{"a": 2}, Clock{"a": 1, "b": 1}, "b", Conflict},
		{"third device ahead", Clock{"a": 1, "c": 4}, Clock{"a": 1, "b": 1, "c": 3}, "b", Conflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Check(tt.local, tt.remote, tt.sender)
			assert.Equal(t, tt.want, got, got.String())
		})
	}
}
