package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultEnv, cfg.Env)
	assert.Equal(t, int64(DefaultBuyerFeeBps), cfg.BuyerFeeBps)
	assert.Equal(t, int64(DefaultSellerFeeBps), cfg.SellerFeeBps)
	assert.Equal(t, DefaultDisputeDeadline, cfg.DisputeDeadline)
	assert.Equal(t, DefaultReviewWindow, cfg.ReviewWindow)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("BUYER_FEE_BPS", "500")
	t.Setenv("DISPUTE_DEADLINE", "1h")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9999", cfg.Port)
	assert.Equal(t, int64(500), cfg.BuyerFeeBps)
	assert.Equal(t, time.Hour, cfg.DisputeDeadline)
}

func TestLoad_BadDurationFallsBack(t *testing.T) {
	t.Setenv("REVIEW_WINDOW", "not-a-duration")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultReviewWindow, cfg.ReviewWindow)
}

func TestValidate_ProductionRequiresSecret(t *testing.T) {
	cfg := &Config{Env: "production", DisputeDeadline: time.Hour}
	assert.Error(t, cfg.Validate())

	cfg.JWTSecret = "secret"
	assert.NoError(t, cfg.Validate())
}

func TestValidate_FeeRange(t *testing.T) {
	cfg := &Config{Env: "development", BuyerFeeBps: 20000, DisputeDeadline: time.Hour}
	assert.Error(t, cfg.Validate())

	cfg = &Config{Env: "development", SellerFeeBps: -1, DisputeDeadline: time.Hour}
	assert.Error(t, cfg.Validate())
}
