package lua

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"
)

func newTestBridge(t *testing.T) (*Bridge, *lua.LState) {
	t.Helper()
	L := newSandboxedState()
	t.Cleanup(L.Close)
	return NewBridge(L), L
}

func TestToGoValueScalars(t *testing.T) {
	b, _ := newTestBridge(t)

	assert.Equal(t, true, b.ToGoValue(lua.LTrue))
	assert.Equal(t, int64(42), b.ToGoValue(lua.LNumber(42)))
	assert.Equal(t, 4.5, b.ToGoValue(lua.LNumber(4.5)))
	assert.Equal(t, "hello", b.ToGoValue(lua.LString("hello")))
	assert.Nil(t, b.ToGoValue(lua.LNil))
	assert.Nil(t, b.ToGoValue(nil))
}

func TestToGoValueArrayTable(t *testing.T) {
	b, L := newTestBridge(t)

	tbl := L.NewTable()
	tbl.RawSetInt(1, lua.LString("a"))
	tbl.RawSetInt(2, lua.LString("b"))
	tbl.RawSetInt(3, lua.LNumber(3))

	got := b.ToGoValue(tbl)
	assert.Equal(t, []any{"a", "b", int64(3)}, got)
}

func TestToGoValueMapTable(t *testing.T) {
	b, L := newTestBridge(t)

	tbl := L.NewTable()
	tbl.RawSetString("doi", lua.LString("10.1000/182"))
	tbl.RawSetString("versions", lua.LNumber(2))

	got, ok := b.ToGoValue(tbl).(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "10.1000/182", got["doi"])
	assert.Equal(t, int64(2), got["versions"])
}

func TestToGoValueCircularTable(t *testing.T) {
	b, L := newTestBridge(t)

	tbl := L.NewTable()
	tbl.RawSetString("self", tbl)

	got, ok := b.ToGoValue(tbl).(map[string]any)
	require.True(t, ok)
	assert.Nil(t, got["self"])
}

func TestToGoValueFunctionDropped(t *testing.T) {
	b, L := newTestBridge(t)

	fn := L.NewFunction(func(L *lua.LState) int { return 0 })
	assert.Nil(t, b.ToGoValue(fn))
}

func TestToLuaValueRoundTrip(t *testing.T) {
	b, _ := newTestBridge(t)

	payload := map[string]any{
		"id":       "eprint-42",
		"indexed":  true,
		"score":    0.97,
		"authors":  []any{"Lovelace", "Hopper"},
		"metadata": map[string]any{"year": 2026},
	}

	lv := b.ToLuaValue(payload)
	back, ok := b.ToGoValue(lv).(map[string]any)
	require.True(t, ok)

	assert.Equal(t, "eprint-42", back["id"])
	assert.Equal(t, true, back["indexed"])
	assert.Equal(t, 0.97, back["score"])
	assert.Equal(t, []any{"Lovelace", "Hopper"}, back["authors"])
	meta, ok := back["metadata"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, int64(2026), meta["year"])
}

func TestToLuaValueStruct(t *testing.T) {
	b, _ := newTestBridge(t)

	type record struct {
		ID     string `json:"id"`
		Count  int    `json:"count,omitempty"`
		hidden string
	}

	lv := b.ToLuaValue(record{ID: "r1", Count: 7, hidden: "x"})
	got, ok := b.ToGoValue(lv).(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "r1", got["id"])
	assert.Equal(t, int64(7), got["count"])
	_, hasHidden := got["hidden"]
	assert.False(t, hasHidden)
}
