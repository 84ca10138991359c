package fieldvalue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mirage/pkg/model"
)

func TestToWireTransforms(t *testing.T) {
	fields := model.Document{
		"count":  Increment(3),
		"tags":   ArrayUnion("go"),
		"old":    ArrayRemove("js"),
		"seen":   ServerTimestamp(),
		"plain":  "value",
		"number": 7,
	}

	wire, requiresUpdate := ToWire(fields)
	assert.False(t, requiresUpdate)

	assert.Equal(t, Transform{Kind: KindIncrement, Operand: float64(3)}, wire["count"])
	assert.Equal(t, Transform{Kind: KindArrayUnion, Operand: "go"}, wire["tags"])
	assert.Equal(t, Transform{Kind: KindArrayRemove, Operand: "js"}, wire["old"])
	assert.Equal(t, Transform{Kind: KindServerTimestamp}, wire["seen"])
	assert.Equal(t, "value", wire["plain"])
	assert.Equal(t, 7, wire["number"])
}

func TestToWireRequiresFieldUpdate(t *testing.T) {
	t.Run("dotted key", func(t *testing.T) {
		_, requires := ToWire(model.Document{"profile.name": "ada"})
		assert.True(t, requires)
	})

	t.Run("delete operator", func(t *testing.T) {
		wire, requires := ToWire(model.Document{"gone": Delete()})
		assert.True(t, requires)
		assert.Equal(t, Transform{Kind: KindDelete}, wire["gone"])
	})

	t.Run("nested delete", func(t *testing.T) {
		wire, requires := ToWire(model.Document{
			"meta": map[string]interface{}{"stale": Delete()},
		})
		assert.True(t, requires)
		nested, ok := wire["meta"].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, Transform{Kind: KindDelete}, nested["stale"])
	})
}

func TestToWireUnrecognizedOpcodePassesThrough(t *testing.T) {
	raw := []interface{}{"::frobnicate", 1}
	wire, requires := ToWire(model.Document{"field": raw})
	assert.False(t, requires)
	assert.Equal(t, raw, wire["field"])
}

func TestToWireNestedAndArrays(t *testing.T) {
	wire, _ := ToWire(model.Document{
		"stats": map[string]interface{}{"hits": Increment(1)},
		"rows": []interface{}{
			map[string]interface{}{"score": Increment(2)},
			"literal",
		},
	})

	stats, ok := wire["stats"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, Transform{Kind: KindIncrement, Operand: float64(1)}, stats["hits"])

	rows, ok := wire["rows"].([]interface{})
	require.True(t, ok)
	first, ok := rows[0].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, Transform{Kind: KindIncrement, Operand: float64(2)}, first["score"])
	assert.Equal(t, "literal", rows[1])
}

func lookupDoc(doc model.Document) Lookup {
	return func(path string) interface{} {
		v, _ := doc.Field(path)
		return v
	}
}

func TestToEstimateIncrement(t *testing.T) {
	current := model.Document{"amount": 10}
	est := ToEstimate(model.Document{"amount": Increment(4)}, lookupDoc(current))
	assert.Equal(t, float64(14), est["amount"])

	est = ToEstimate(model.Document{"amount": Increment(4)}, lookupDoc(model.Document{}))
	assert.Equal(t, float64(4), est["amount"])
}

func TestToEstimateArrayOps(t *testing.T) {
	current := model.Document{"tags": []interface{}{"a", "b"}}

	est := ToEstimate(model.Document{"tags": ArrayUnion("c")}, lookupDoc(current))
	assert.Equal(t, []interface{}{"a", "b", "c"}, est["tags"])

	// Union does not deduplicate; the confirmed snapshot corrects this.
	est = ToEstimate(model.Document{"tags": ArrayUnion("a")}, lookupDoc(current))
	assert.Equal(t, []interface{}{"a", "b", "a"}, est["tags"])

	est = ToEstimate(model.Document{"tags": ArrayRemove("a")}, lookupDoc(current))
	assert.Equal(t, []interface{}{"b"}, est["tags"])
}

func TestToEstimateServerTimestamp(t *testing.T) {
	before := model.Now()
	est := ToEstimate(model.Document{"seen": ServerTimestamp()}, nil)
	ts, ok := est["seen"].(model.Timestamp)
	require.True(t, ok)
	assert.GreaterOrEqual(t, ts.Compare(before), 0)
}

func TestToEstimateDeleteDropsField(t *testing.T) {
	est := ToEstimate(model.Document{"keep": 1, "gone": Delete()}, nil)
	assert.Equal(t, 1, est["keep"])
	_, present := est["gone"]
	assert.False(t, present)
}

func TestToEstimateDottedKeysExpand(t *testing.T) {
	est := ToEstimate(model.Document{"profile.name": "ada", "profile.age": 36}, nil)
	profile, ok := est["profile"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "ada", profile["name"])
	assert.Equal(t, 36, profile["age"])
}

func TestToEstimateNestedOperator(t *testing.T) {
	current := model.Document{
		"stats": map[string]interface{}{"hits": 5},
	}
	est := ToEstimate(model.Document{
		"stats": map[string]interface{}{"hits": Increment(1)},
	}, lookupDoc(current))
	stats, ok := est["stats"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(6), stats["hits"])
}
