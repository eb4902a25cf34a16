// Package ledger is the gateway to the GreenLedger contract on an
// Ethereum-compatible node: contract reads, signed writes, receipt polling
// and event decoding.
package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// GreenLedgerABI is the subset of the deployed contract this backend calls.
const GreenLedgerABI = `[
  {"type":"function","name":"registerCompany","stateMutability":"nonpayable",
   "inputs":[{"name":"name","type":"string"},{"name":"companyType","type":"uint8"}],
   "outputs":[]},
  {"type":"function","name":"getCompany","stateMutability":"view",
   "inputs":[{"name":"wallet","type":"address"}],
   "outputs":[{"name":"name","type":"string"},{"name":"wallet","type":"address"},
              {"name":"companyType","type":"uint8"},{"name":"threshold","type":"uint256"},
              {"name":"registered","type":"bool"}]},
  {"type":"function","name":"buyCredit","stateMutability":"payable",
   "inputs":[{"name":"region","type":"string"},{"name":"amount","type":"uint256"},
             {"name":"tokenURI","type":"string"}],
   "outputs":[]},
  {"type":"function","name":"transferFrom","stateMutability":"nonpayable",
   "inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},
             {"name":"tokenId","type":"uint256"}],
   "outputs":[]},
  {"type":"event","name":"Transfer","anonymous":false,
   "inputs":[{"name":"from","type":"address","indexed":true},
             {"name":"to","type":"address","indexed":true},
             {"name":"tokenId","type":"uint256","indexed":true}]}
]`

// LoadABI parses the contract ABI. An empty path yields the built-in ABI.
// The file may be a bare ABI array or a compiler artifact with an "abi" key
// (Hardhat and Truffle both emit the latter).
func LoadABI(path string) (abi.ABI, error) {
	if path == "" {
		return abi.JSON(strings.NewReader(GreenLedgerABI))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return abi.ABI{}, fmt.Errorf("ledger: read abi %s: %w", path, err)
	}

	raw := data
	var artifact struct {
		ABI json.RawMessage `json:"abi"`
	}
	if err := json.Unmarshal(data, &artifact); err == nil && len(artifact.ABI) > 0 {
		raw = artifact.ABI
	}

	parsed, err := abi.JSON(strings.NewReader(string(raw)))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("ledger: parse abi %s: %w", path, err)
	}
	for _, m := range []string{"registerCompany", "getCompany", "buyCredit", "transferFrom"} {
		if _, ok := parsed.Methods[m]; !ok {
			return abi.ABI{}, fmt.Errorf("ledger: abi %s lacks method %s", path, m)
		}
	}
	return parsed, nil
}
