package persistence

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fhirgrid/fhirstore/internal"
)

// ParamKind tags one extracted search-parameter value. Dispatch over the
// kinds is table-driven in the store package.
type ParamKind int

const (
	ParamString ParamKind = iota
	ParamNumber
	ParamDate
	ParamToken
	ParamQuantity
	ParamReference
	ParamCanonical
	ParamComposite
)

func (k ParamKind) String() string {
	switch k {
	case ParamString:
		return "string"
	case ParamNumber:
		return "number"
	case ParamDate:
		return "date"
	case ParamToken:
		return "token"
	case ParamQuantity:
		return "quantity"
	case ParamReference:
		return "reference"
	case ParamCanonical:
		return "canonical"
	case ParamComposite:
		return "composite"
	}
	return "unknown"
}

// ParameterValue is one extracted search-parameter value, before any of
// its string identities are interned. Only the fields matching Kind are
// meaningful.
type ParameterValue struct {
	Name string
	Kind ParamKind

	StrValue    string
	NumberValue float64

	DateStart time.Time
	DateEnd   time.Time

	CodeSystem string
	TokenValue string

	QuantitySystem string
	QuantityCode   string
	QuantityValue  float64
	QuantityLow    float64
	QuantityHigh   float64

	RefTypeName  string
	RefLogicalID string
	RefVersionID int32

	CanonicalURL string

	Components []ParameterValue
}

// ParameterRow is a fully resolved parameter value, ready to be written
// by a backend. All string identities have been replaced by surrogate ids.
type ParameterRow struct {
	Kind            ParamKind
	ParameterNameID int32

	StrValue    string
	NumberValue float64

	DateStart time.Time
	DateEnd   time.Time

	CommonTokenValueID int64
	CodeSystemID       int32

	QuantityCode  string
	QuantityValue float64
	QuantityLow   float64
	QuantityHigh  float64

	CanonicalID int32

	RefTypeID    int32
	RefLogicalID string
	RefVersionID int32
}

// ParameterHash computes the content hash over an extracted parameter
// set. The rendering is sorted, so the hash is independent of extraction
// order; it carries no meaning beyond equality with a previous hash.
func ParameterHash(values []ParameterValue) []byte {
	rendered := make([]string, 0, len(values))
	for i := range values {
		rendered = append(rendered, renderParameter(&values[i]))
	}
	sort.Strings(rendered)

	inputs := make([][]byte, 0, len(rendered))
	for _, r := range rendered {
		inputs = append(inputs, []byte(r))
	}
	return internal.AsXXHash(inputs...)
}

func renderParameter(v *ParameterValue) string {
	var sb strings.Builder
	sb.WriteString(v.Name)
	sb.WriteRune('\x1f')
	sb.WriteString(v.Kind.String())
	sb.WriteRune('\x1f')
	switch v.Kind {
	case ParamString:
		sb.WriteString(v.StrValue)
	case ParamNumber:
		sb.WriteString(strconv.FormatFloat(v.NumberValue, 'g', -1, 64))
	case ParamDate:
		sb.WriteString(strconv.FormatInt(v.DateStart.UnixNano(), 10))
		sb.WriteRune('\x1f')
		sb.WriteString(strconv.FormatInt(v.DateEnd.UnixNano(), 10))
	case ParamToken:
		sb.WriteString(v.CodeSystem)
		sb.WriteRune('\x1f')
		sb.WriteString(v.TokenValue)
	case ParamQuantity:
		sb.WriteString(v.QuantitySystem)
		sb.WriteRune('\x1f')
		sb.WriteString(v.QuantityCode)
		sb.WriteRune('\x1f')
		sb.WriteString(strconv.FormatFloat(v.QuantityValue, 'g', -1, 64))
		sb.WriteRune('\x1f')
		sb.WriteString(strconv.FormatFloat(v.QuantityLow, 'g', -1, 64))
		sb.WriteRune('\x1f')
		sb.WriteString(strconv.FormatFloat(v.QuantityHigh, 'g', -1, 64))
	case ParamReference:
		sb.WriteString(v.RefTypeName)
		sb.WriteRune('\x1f')
		sb.WriteString(v.RefLogicalID)
		sb.WriteRune('\x1f')
		sb.WriteString(strconv.FormatInt(int64(v.RefVersionID), 10))
	case ParamCanonical:
		sb.WriteString(v.CanonicalURL)
	case ParamComposite:
		comps := make([]string, 0, len(v.Components))
		for i := range v.Components {
			comps = append(comps, renderParameter(&v.Components[i]))
		}
		sort.Strings(comps)
		sb.WriteString(strings.Join(comps, "\x1e"))
	}
	return sb.String()
}
