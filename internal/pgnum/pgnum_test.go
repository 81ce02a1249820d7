package pgnum

import (
	"math/big"
	"testing"

	"github.com/jackc/pgx/v5/pgtype"
)

func TestRoundTrip(t *testing.T) {
	v, ok := new(big.Int).SetString("123456789012345678901234567890", 10)
	if !ok {
		t.Fatalf("parse test value")
	}
	if got := ToBig(FromBig(v)); got.Cmp(v) != 0 {
		t.Fatalf("round trip mutated value: %s", got)
	}
	if ToBig(FromBig(nil)).Sign() != 0 {
		t.Fatalf("expected nil to bind as zero")
	}
}

func TestToBigAppliesExponent(t *testing.T) {
	n := pgtype.Numeric{Int: big.NewInt(5), Exp: 3, Valid: true}
	if got := ToBig(n); got.Cmp(big.NewInt(5_000)) != 0 {
		t.Fatalf("expected exponent expansion, got %s", got)
	}
	if ToBig(pgtype.Numeric{}).Sign() != 0 {
		t.Fatalf("expected invalid numeric to decode as zero")
	}
}
