package app

import (
	"context"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"

	"EffiSend-Agent/internal/config"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadTestConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("AI_URL_API_KEY", "local-key")
	t.Setenv("JUNO_API_KEY", "juno-key")
	t.Setenv("JUNO_API_SECRET", "juno-secret")
	t.Setenv("REWARDS_OPERATOR_KEY", "")
	cfg, err := config.Load("")
	require.NoError(t, err)
	return cfg
}

func TestBuildWithMemoryDrivers(t *testing.T) {
	cfg := loadTestConfig(t)

	a, err := Build(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	for _, name := range []string{
		"transfer_native", "transfer_mxnb", "transfer_to_spei", "transfer_to_multiple_spei",
		"fund_metamask_card", "get_balance", "get_balance_mxnb", "simulate_spei_deposit",
	} {
		_, ok := a.Tools.Lookup(name)
		assert.True(t, ok, "tool %s not registered", name)
	}
	assert.Nil(t, a.processor, "rewards pipeline should be skipped without an operator key")

	rec := httptest.NewRecorder()
	a.Server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/chat", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBuildWiresRewardsPipeline(t *testing.T) {
	cfg := loadTestConfig(t)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	cfg.Rewards.OperatorKey = "0x" + hex.EncodeToString(crypto.FromECDSA(key))

	a, err := Build(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	assert.NotNil(t, a.processor)

	ctx, cancel := context.WithCancel(context.Background())
	a.StartBackground(ctx)
	cancel()
}

func TestBuildRejectsPersistentStorageWithoutKey(t *testing.T) {
	cfg := loadTestConfig(t)
	cfg.Storage.Driver = "dynamodb"
	cfg.Storage.EncryptionKey = ""
	cfg.Storage.DynamoDB.Region = "us-east-1"

	_, err := Build(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage.encryption_key")
}
