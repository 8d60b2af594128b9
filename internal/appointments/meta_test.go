package appointments

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetaDecodesRestrictedUnion(t *testing.T) {
	var m Meta
	err := json.Unmarshal([]byte(`{"source":"web","attempt":2,"refund_pending":true,"card":{"brand":"visa","last4":"4242"}}`), &m)
	require.NoError(t, err)

	s, ok := m["source"].AsString()
	assert.True(t, ok)
	assert.Equal(t, "web", s)

	n, ok := m["attempt"].AsNumber()
	assert.True(t, ok)
	assert.Equal(t, float64(2), n)

	b, ok := m["refund_pending"].AsBool()
	assert.True(t, ok)
	assert.True(t, b)

	card, ok := m["card"].AsObject()
	require.True(t, ok)
	brand, _ := card["brand"].AsString()
	assert.Equal(t, "visa", brand)
}

func TestMetaRejectsArraysAndNulls(t *testing.T) {
	cases := map[string]string{
		"array":        `{"tags":["a","b"]}`,
		"null":         `{"note":null}`,
		"nested null":  `{"card":{"brand":null}}`,
		"nested array": `{"card":{"brands":[1]}}`,
		"not object":   `["a"]`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			var m Meta
			err := json.Unmarshal([]byte(payload), &m)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidMeta), "got %v", err)
		})
	}
}

func TestMetaTopLevelNullIsEmpty(t *testing.T) {
	var p Payment
	require.NoError(t, json.Unmarshal([]byte(`{"status":"pending","amount":10,"meta":null}`), &p))
	assert.Nil(t, p.Meta)
}

func TestMetaEncodesNestedValues(t *testing.T) {
	m := Meta{}.
		With("refund_pending", BoolValue(true)).
		With("card", ObjectValue(Meta{"brand": StringValue("visa")}))

	data, err := json.Marshal(m)
	require.NoError(t, err)
	assert.JSONEq(t, `{"refund_pending":true,"card":{"brand":"visa"}}`, string(data))
}

func TestMetaCloneIsDeep(t *testing.T) {
	inner := Meta{"brand": StringValue("visa")}
	original := Meta{"card": MetaValue{kind: MetaObject, obj: inner}}

	clone := original.Clone()
	inner["brand"] = StringValue("amex")

	card, _ := clone["card"].AsObject()
	brand, _ := card["brand"].AsString()
	assert.Equal(t, "visa", brand)
}

func TestMetaWithoutLeavesOriginal(t *testing.T) {
	m := Meta{MetaRefundPending: BoolValue(true)}
	cleared := m.Without(MetaRefundPending)

	_, stillThere := m.Get(MetaRefundPending)
	assert.True(t, stillThere)
	_, gone := cleared.Get(MetaRefundPending)
	assert.False(t, gone)
}

func TestZeroMetaValueDoesNotMarshal(t *testing.T) {
	_, err := json.Marshal(Meta{"empty": MetaValue{}})
	require.Error(t, err)
}
