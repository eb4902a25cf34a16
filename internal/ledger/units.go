package ledger

import (
	"fmt"
	"math/big"
	"strings"
)

var weiPerEther = new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))

// ToWei converts a decimal ether amount such as "0.5" to wei. Fractions finer
// than one wei are rejected rather than rounded.
func ToWei(eth string) (*big.Int, error) {
	eth = strings.TrimSpace(eth)
	if strings.ContainsAny(eth, "/eE") {
		return nil, fmt.Errorf("ledger: invalid ether amount %q", eth)
	}
	r, ok := new(big.Rat).SetString(eth)
	if !ok {
		return nil, fmt.Errorf("ledger: invalid ether amount %q", eth)
	}
	if r.Sign() < 0 {
		return nil, fmt.Errorf("ledger: negative ether amount %q", eth)
	}
	r.Mul(r, weiPerEther)
	if !r.IsInt() {
		return nil, fmt.Errorf("ledger: ether amount %q has more than 18 decimals", eth)
	}
	return new(big.Int).Set(r.Num()), nil
}

// FromWei formats wei as a decimal ether string without trailing zeros.
func FromWei(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	s := new(big.Rat).SetFrac(wei, weiPerEther.Num()).FloatString(18)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}
