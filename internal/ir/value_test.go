package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmarshalValue(t *testing.T) {
	v, err := UnmarshalValue([]byte(`{"name":"Acme","size":12,"revenue":1250.5,"active":true,"tags":["a"],"parent":null}`))
	require.NoError(t, err)

	obj, ok := v.(Object)
	require.True(t, ok)
	assert.Equal(t, String("Acme"), obj["name"])
	assert.Equal(t, Int(12), obj["size"])
	assert.Equal(t, String("1250.5"), obj["revenue"], "non-integral numbers are kept as decimal text")
	assert.Equal(t, Bool(true), obj["active"])
	assert.Equal(t, List{String("a")}, obj["tags"])
	assert.Equal(t, Null{}, obj["parent"])
}

func TestFromAnyIntegralFloat(t *testing.T) {
	v, err := FromAny(float64(42))
	require.NoError(t, err)
	assert.Equal(t, Int(42), v)
}

func TestObjectJSONRoundTrip(t *testing.T) {
	obj := Object{"b": Int(2), "a": String("x"), "c": Null{}}

	data, err := json.Marshal(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x","b":2,"c":null}`, string(data))

	var back Object
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, Equal(obj, back))
}

func TestText(t *testing.T) {
	assert.Equal(t, "", Text(nil))
	assert.Equal(t, "", Text(Null{}))
	assert.Equal(t, "abc", Text(String("abc")))
	assert.Equal(t, "-7", Text(Int(-7)))
	assert.Equal(t, "true", Text(Bool(true)))
	assert.Equal(t, `["a",1]`, Text(List{String("a"), Int(1)}))
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal(nil, Null{}))
	assert.True(t, Equal(Object{"a": List{Int(1)}}, Object{"a": List{Int(1)}}))
	assert.False(t, Equal(String("1"), Int(1)))
	assert.False(t, Equal(Object{"a": Int(1)}, Object{"b": Int(1)}))
}

func TestToAny(t *testing.T) {
	got := ToAny(Object{"n": Int(3), "s": String("x"), "l": List{Bool(false)}, "z": Null{}})
	assert.Equal(t, map[string]any{"n": int64(3), "s": "x", "l": []any{false}, "z": nil}, got)
}

func TestDirectionNarrow(t *testing.T) {
	tests := []struct {
		parent, override, want Direction
	}{
		{DirectionBidirectional, "", DirectionBidirectional},
		{DirectionBidirectional, DirectionRemoteToLocal, DirectionRemoteToLocal},
		{DirectionLocalToRemote, DirectionBidirectional, DirectionLocalToRemote},
		{DirectionLocalToRemote, DirectionLocalToRemote, DirectionLocalToRemote},
		{DirectionLocalToRemote, DirectionRemoteToLocal, DirectionNone},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.parent.Narrow(tt.override), "%s narrowed by %q", tt.parent, tt.override)
	}

	assert.True(t, DirectionBidirectional.Allows(DirectionLocalToRemote))
	assert.False(t, DirectionRemoteToLocal.Allows(DirectionLocalToRemote))
	assert.False(t, DirectionNone.Allows(DirectionRemoteToLocal))
}

func TestRunReportCount(t *testing.T) {
	var r RunReport
	r.Count(SyncLogEntry{Action: ActionCreate, Status: StatusSuccess})
	r.Count(SyncLogEntry{Action: ActionUpdate, Status: StatusSuccess})
	r.Count(SyncLogEntry{Action: ActionUpdate, Status: StatusFailed})
	r.Count(SyncLogEntry{Action: ActionSkip, Status: StatusSkipped})
	r.Count(SyncLogEntry{Action: ActionDelete, Status: StatusSuccess})

	assert.Equal(t, RunReport{Created: 1, Updated: 1, Failed: 1, Skipped: 1, Deleted: 1}, r)
}
