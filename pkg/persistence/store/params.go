package store

import (
	"context"
	"fmt"

	"github.com/fhirgrid/fhirstore/pkg/persistence"
	"github.com/fhirgrid/fhirstore/pkg/persistence/identity"
	"github.com/fhirgrid/fhirstore/pkg/persistence/refs"
)

// resolveState carries the batch-resolved surrogate ids the per-kind
// handlers read from.
type resolveState struct {
	txc        *identity.TxCache
	tokenIDs   map[refs.TokenRef]int64
	canonicals map[string]int32
}

// paramHandler fills the kind-specific columns of one row. Name
// resolution is common and happens in the caller.
type paramHandler func(ctx context.Context, st *resolveState, v *persistence.ParameterValue, row *persistence.ParameterRow) error

// paramHandlers dispatches on the value's kind tag. Composite values are
// flattened structurally before dispatch and never reach the table.
var paramHandlers = map[persistence.ParamKind]paramHandler{
	persistence.ParamString: func(_ context.Context, _ *resolveState, v *persistence.ParameterValue, row *persistence.ParameterRow) error {
		row.StrValue = v.StrValue
		return nil
	},
	persistence.ParamNumber: func(_ context.Context, _ *resolveState, v *persistence.ParameterValue, row *persistence.ParameterRow) error {
		row.NumberValue = v.NumberValue
		return nil
	},
	persistence.ParamDate: func(_ context.Context, _ *resolveState, v *persistence.ParameterValue, row *persistence.ParameterRow) error {
		row.DateStart = v.DateStart
		row.DateEnd = v.DateEnd
		return nil
	},
	persistence.ParamToken: func(_ context.Context, st *resolveState, v *persistence.ParameterValue, row *persistence.ParameterRow) error {
		id, ok := st.tokenIDs[refs.TokenRef{CodeSystem: v.CodeSystem, Value: v.TokenValue}]
		if !ok {
			return fmt.Errorf("%w: token %s|%s was not resolved", persistence.ErrDataAccess, v.CodeSystem, v.TokenValue)
		}
		row.CommonTokenValueID = id
		return nil
	},
	persistence.ParamQuantity: func(ctx context.Context, st *resolveState, v *persistence.ParameterValue, row *persistence.ParameterRow) error {
		if v.QuantitySystem != "" {
			csID, err := st.txc.GetCodeSystemID(ctx, v.QuantitySystem)
			if err != nil {
				return err
			}
			row.CodeSystemID = csID
		}
		row.QuantityCode = v.QuantityCode
		row.QuantityValue = v.QuantityValue
		row.QuantityLow = v.QuantityLow
		row.QuantityHigh = v.QuantityHigh
		return nil
	},
	persistence.ParamReference: func(ctx context.Context, st *resolveState, v *persistence.ParameterValue, row *persistence.ParameterRow) error {
		// A reference may point at a type nothing has written yet.
		typeID, err := st.txc.GetOrCreateResourceTypeID(ctx, v.RefTypeName)
		if err != nil {
			return err
		}
		row.RefTypeID = typeID
		row.RefLogicalID = v.RefLogicalID
		row.RefVersionID = v.RefVersionID
		return nil
	},
	persistence.ParamCanonical: func(_ context.Context, st *resolveState, v *persistence.ParameterValue, row *persistence.ParameterRow) error {
		id, ok := st.canonicals[v.CanonicalURL]
		if !ok {
			return fmt.Errorf("%w: canonical %q was not resolved", persistence.ErrDataAccess, v.CanonicalURL)
		}
		row.CanonicalID = id
		return nil
	},
}

// resolveParameters turns extracted values into fully resolved rows.
// Token and canonical identities are interned in two batches up front, so
// a resource with hundreds of codings costs a handful of round-trips.
func resolveParameters(ctx context.Context, tx persistence.Tx, txc *identity.TxCache, values []persistence.ParameterValue) ([]persistence.ParameterRow, error) {
	var tokens []refs.TokenRef
	var canonicalURLs []string
	collectRefs(values, &tokens, &canonicalURLs)

	resolver := refs.NewResolver(txc)
	tokenIDs, err := resolver.ResolveTokens(ctx, tx, tokens)
	if err != nil {
		return nil, err
	}
	canonicals, err := resolver.ResolveCanonicals(ctx, tx, canonicalURLs)
	if err != nil {
		return nil, err
	}

	st := &resolveState{txc: txc, tokenIDs: tokenIDs, canonicals: canonicals}
	rows := make([]persistence.ParameterRow, 0, len(values))
	for i := range values {
		rows, err = appendRows(ctx, st, &values[i], rows)
		if err != nil {
			return nil, err
		}
	}
	return rows, nil
}

func appendRows(ctx context.Context, st *resolveState, v *persistence.ParameterValue, rows []persistence.ParameterRow) ([]persistence.ParameterRow, error) {
	if v.Kind == persistence.ParamComposite {
		var err error
		for i := range v.Components {
			rows, err = appendRows(ctx, st, &v.Components[i], rows)
			if err != nil {
				return nil, err
			}
		}
		return rows, nil
	}

	handler, ok := paramHandlers[v.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: unhandled parameter kind %s for %q", persistence.ErrDataAccess, v.Kind, v.Name)
	}
	nameID, err := st.txc.GetParameterNameID(ctx, v.Name)
	if err != nil {
		return nil, err
	}
	row := persistence.ParameterRow{Kind: v.Kind, ParameterNameID: nameID}
	if err = handler(ctx, st, v, &row); err != nil {
		return nil, err
	}
	return append(rows, row), nil
}

func collectRefs(values []persistence.ParameterValue, tokens *[]refs.TokenRef, canonicalURLs *[]string) {
	for i := range values {
		v := &values[i]
		switch v.Kind {
		case persistence.ParamToken:
			*tokens = append(*tokens, refs.TokenRef{CodeSystem: v.CodeSystem, Value: v.TokenValue})
		case persistence.ParamCanonical:
			*canonicalURLs = append(*canonicalURLs, v.CanonicalURL)
		case persistence.ParamComposite:
			collectRefs(v.Components, tokens, canonicalURLs)
		}
	}
}
