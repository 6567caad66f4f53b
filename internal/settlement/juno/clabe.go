package juno

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
)

// CLABELength is the fixed length of a Mexican interbank account number.
const CLABELength = 18

var clabeWeights = [3]int{3, 7, 1}

// CheckDigit computes the 3-7-1 weighted control digit over the first 17
// digits of a CLABE.
func CheckDigit(digits17 string) (byte, error) {
	if len(digits17) != CLABELength-1 {
		return 0, fmt.Errorf("clabe body must have 17 digits, got %d", len(digits17))
	}
	sum := 0
	for i := 0; i < len(digits17); i++ {
		c := digits17[i]
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("clabe contains non-digit %q", c)
		}
		sum += (int(c-'0') * clabeWeights[i%3]) % 10
	}
	return byte('0' + (10-sum%10)%10), nil
}

// ComputeCLABE assembles a CLABE from a 3-digit bank code, a 3-digit plaza
// code and an 11-digit account number.
func ComputeCLABE(bank, plaza int, account uint64) (string, error) {
	if bank < 0 || bank > 999 || plaza < 0 || plaza > 999 {
		return "", fmt.Errorf("bank and plaza codes must have three digits")
	}
	if account > 99_999_999_999 {
		return "", fmt.Errorf("account number must have at most 11 digits")
	}
	body := fmt.Sprintf("%03d%03d%011d", bank, plaza, account)
	check, err := CheckDigit(body)
	if err != nil {
		return "", err
	}
	return body + string(check), nil
}

// ValidCLABE reports whether s is an 18-digit CLABE with a correct check digit.
func ValidCLABE(s string) bool {
	if len(s) != CLABELength {
		return false
	}
	check, err := CheckDigit(s[:CLABELength-1])
	if err != nil {
		return false
	}
	return s[CLABELength-1] == check
}

// GenerateCLABE draws a random 11-digit account number (10^10 to 10^11-1) and
// returns the CLABE for bank 002, plaza 180. A nil source uses crypto/rand.
func GenerateCLABE(src io.Reader) (string, error) {
	if src == nil {
		src = rand.Reader
	}
	span := big.NewInt(90_000_000_000)
	n, err := rand.Int(src, span)
	if err != nil {
		return "", fmt.Errorf("draw account number: %w", err)
	}
	return ComputeCLABE(2, 180, n.Uint64()+10_000_000_000)
}
