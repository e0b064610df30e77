package persistence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParameterHash(t *testing.T) {
	date := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	values := []ParameterValue{
		{Name: "status", Kind: ParamToken, CodeSystem: "http://hl7.org/fhir/observation-status", TokenValue: "final"},
		{Name: "date", Kind: ParamDate, DateStart: date, DateEnd: date.Add(24 * time.Hour)},
		{Name: "value-quantity", Kind: ParamQuantity, QuantitySystem: "http://unitsofmeasure.org", QuantityCode: "mg", QuantityValue: 5},
		{Name: "subject", Kind: ParamReference, RefTypeName: "Patient", RefLogicalID: "p1"},
	}

	t.Run("deterministic", func(t *testing.T) {
		assert.Equal(t, ParameterHash(values), ParameterHash(values))
	})

	t.Run("order independent", func(t *testing.T) {
		reversed := make([]ParameterValue, 0, len(values))
		for i := len(values) - 1; i >= 0; i-- {
			reversed = append(reversed, values[i])
		}
		assert.Equal(t, ParameterHash(values), ParameterHash(reversed))
	})

	t.Run("value change changes hash", func(t *testing.T) {
		changed := make([]ParameterValue, len(values))
		copy(changed, values)
		changed[0].TokenValue = "preliminary"
		assert.NotEqual(t, ParameterHash(values), ParameterHash(changed))
	})

	t.Run("kind is part of the rendering", func(t *testing.T) {
		asString := []ParameterValue{{Name: "code", Kind: ParamString, StrValue: "final"}}
		asToken := []ParameterValue{{Name: "code", Kind: ParamToken, TokenValue: "final"}}
		assert.NotEqual(t, ParameterHash(asString), ParameterHash(asToken))
	})

	t.Run("composite components are order independent", func(t *testing.T) {
		a := []ParameterValue{{Name: "component", Kind: ParamComposite, Components: []ParameterValue{
			{Name: "code", Kind: ParamToken, TokenValue: "8480-6"},
			{Name: "value", Kind: ParamNumber, NumberValue: 120},
		}}}
		b := []ParameterValue{{Name: "component", Kind: ParamComposite, Components: []ParameterValue{
			{Name: "value", Kind: ParamNumber, NumberValue: 120},
			{Name: "code", Kind: ParamToken, TokenValue: "8480-6"},
		}}}
		assert.Equal(t, ParameterHash(a), ParameterHash(b))
	})

	t.Run("empty set has a stable hash", func(t *testing.T) {
		assert.Equal(t, ParameterHash(nil), ParameterHash([]ParameterValue{}))
		assert.NotEmpty(t, ParameterHash(nil))
	})
}
