// Package pgnum converts wei-scale big.Int amounts to and from the
// pgtype.Numeric representation used by NUMERIC(78,0) columns. All Postgres
// repositories share these two helpers so the conversion semantics cannot
// drift between packages.
package pgnum

import (
	"math/big"

	"github.com/jackc/pgx/v5/pgtype"
)

// ToBig extracts the integer value of a scanned NUMERIC. Invalid or NULL
// values decode as zero.
func ToBig(n pgtype.Numeric) *big.Int {
	if !n.Valid || n.Int == nil {
		return new(big.Int)
	}
	v := new(big.Int).Set(n.Int)
	if n.Exp > 0 {
		v.Mul(v, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n.Exp)), nil))
	}
	return v
}

// FromBig wraps a big.Int for binding to a NUMERIC parameter. A nil value
// binds as zero.
func FromBig(v *big.Int) pgtype.Numeric {
	n := pgtype.Numeric{Int: new(big.Int), Valid: true}
	if v != nil {
		n.Int.Set(v)
	}
	return n
}
