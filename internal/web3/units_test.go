package web3

import (
	"math/big"
	"testing"
)

func TestAmountRoundTrip(t *testing.T) {
	raw, err := ToBaseUnits("1.5", 6)
	if err != nil {
		t.Fatalf("to base units: %v", err)
	}
	if raw.Cmp(big.NewInt(1_500_000)) != 0 {
		t.Fatalf("unexpected base units %s", raw)
	}
	if got := FormatUnits(raw, 6); got != "1.500000" {
		t.Fatalf("unexpected formatted amount %s", got)
	}
}

func TestToBaseUnitsRejectsBadInput(t *testing.T) {
	cases := []string{"", "abc", "-1", "0.0000001"}
	for _, in := range cases {
		if _, err := ToBaseUnits(in, 6); err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}

func TestToBaseUnitsEighteenDecimals(t *testing.T) {
	raw, err := ToBaseUnits("0.000000000000000001", 18)
	if err != nil {
		t.Fatalf("to base units: %v", err)
	}
	if raw.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("expected 1 wei, got %s", raw)
	}
	if got := FormatUnits(big.NewInt(0), 2); got != "0.00" {
		t.Fatalf("unexpected zero format %s", got)
	}
	if got := FormatUnits(nil, 0); got != "0" {
		t.Fatalf("unexpected nil format %s", got)
	}
}

func TestParseDecimal(t *testing.T) {
	if _, err := ParseDecimal("0"); err == nil {
		t.Fatalf("zero must be rejected")
	}
	d, err := ParseDecimal(" 12.50 ")
	if err != nil || d.String() != "12.5" {
		t.Fatalf("unexpected decimal %v err=%v", d, err)
	}
}
