package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testContract = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
const testCustodian = "0x90F8bf6A479f320ead074411a4B0e7944Ea8c9C1"

func validConfig() Config {
	cfg := Defaults()
	cfg.Chain.ContractAddress = testContract
	cfg.Custodian.Address = testCustodian
	cfg.Custodian.PrivateKey = "4f3edf983ac636a65a842ce7c78d9aa706d3b113bce9c46f30d7d21715b23b1d"
	return cfg
}

func TestDefaults_Validate(t *testing.T) {
	cfg := validConfig()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, uint64(3_000_000), cfg.Chain.GasLimitBuy)
	assert.Equal(t, uint64(300_000), cfg.Chain.GasLimitTransfer)
	assert.Equal(t, uint64(21_000), cfg.Chain.GasLimitPayment)
}

func TestValidate_CollectsAllProblems(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "bogus"
	cfg.Server.Port = 0

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, `unknown mode "bogus"`)
	assert.Contains(t, msg, "contract_address")
	assert.Contains(t, msg, "custodian: address")
	assert.Contains(t, msg, "custodian: either private_key")
}

func TestValidate_ArchiveModeNeedsNoChain(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "archive"
	assert.NoError(t, cfg.Validate())

	cfg.S3.Bucket = ""
	assert.Error(t, cfg.Validate())
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "greenledger.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "full"

[chain]
rpc_url = "http://node:8545"
contract_address = "`+testContract+`"
receipt_timeout = "45s"

[server]
port = 8080
`), 0o600))

	t.Setenv("GREENLEDGER_SERVER_PORT", "9090")
	t.Setenv("OWNER_ADDRESS", testCustodian)
	t.Setenv("GREENLEDGER_NOTIFY_EVENTS", "partial_settlement, unknown_token")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "full", cfg.Mode)
	assert.Equal(t, "http://node:8545", cfg.Chain.RPCURL)
	assert.Equal(t, 45*time.Second, cfg.Chain.ReceiptTimeout.Duration)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, testCustodian, cfg.Custodian.Address)
	assert.Equal(t, []string{"partial_settlement", "unknown_token"}, cfg.Notify.Events)
	// untouched defaults survive the merge
	assert.Equal(t, uint64(21_000), cfg.Chain.GasLimitPayment)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, "server", cfg.Mode)
}

func TestRedactedConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.Password = "pg"
	cfg.Notify.Events = []string{"partial_settlement"}

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Custodian.PrivateKey)
	assert.Equal(t, "***", out.Postgres.Password)
	assert.Empty(t, out.Custodian.KeyPassword)
	assert.Equal(t, testCustodian, out.Custodian.Address)

	out.Notify.Events[0] = "mutated"
	assert.Equal(t, "partial_settlement", cfg.Notify.Events[0])
}
