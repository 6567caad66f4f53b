package juno

import (
	"bytes"
	"strings"
	"testing"
)

func TestComputeCLABEMatchesKnownAccounts(t *testing.T) {
	known := map[uint64]string{
		56150156725: "002180561501567250",
		51997424062: "002180519974240622",
		24521570083: "002180245215700836",
	}
	for account, want := range known {
		got, err := ComputeCLABE(2, 180, account)
		if err != nil {
			t.Fatalf("compute: %v", err)
		}
		if got != want {
			t.Fatalf("account %d: want %s got %s", account, want, got)
		}
		if !ValidCLABE(got) {
			t.Fatalf("%s should validate", got)
		}
	}
}

func TestValidCLABERejects(t *testing.T) {
	for _, s := range []string{"", "00218056150156725", "002180561501567251", "00218056150156725x"} {
		if ValidCLABE(s) {
			t.Fatalf("%q should not validate", s)
		}
	}
}

func TestGenerateCLABE(t *testing.T) {
	src := bytes.NewReader(bytes.Repeat([]byte{0x42}, 64))
	clabe, err := GenerateCLABE(src)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.HasPrefix(clabe, "002180") || !ValidCLABE(clabe) {
		t.Fatalf("unexpected clabe %s", clabe)
	}
	if clabe[6] == '0' {
		t.Fatalf("account number must have 11 significant digits: %s", clabe)
	}
}
