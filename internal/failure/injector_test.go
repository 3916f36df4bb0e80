package failure

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/retailgrid/saga-orchestrator/pkg/config"
	"github.com/retailgrid/saga-orchestrator/pkg/saga"
)

type recordingObserver struct {
	kinds    []saga.FailureKind
	services []string
}

func (o *recordingObserver) OnFailureInjected(kind saga.FailureKind, serviceName string) {
	o.kinds = append(o.kinds, kind)
	o.services = append(o.services, serviceName)
}

func TestMaybeFailDisabledByDefault(t *testing.T) {
	inj := NewInjector(nil, zap.NewNop())

	err := inj.MaybeFail(context.Background(), saga.FailurePayment, "payment-service", Target{})
	assert.NoError(t, err)
}

func TestMaybeFailForced(t *testing.T) {
	obs := &recordingObserver{}
	inj := NewInjector(nil, zap.NewNop(), WithObserver(obs))
	inj.Replace(&Config{Enabled: true, PaymentFailureProbability: 1})

	err := inj.MaybeFail(context.Background(), saga.FailurePayment, "payment-service", Target{})
	require.Error(t, err)
	assert.Equal(t, saga.FailurePayment, saga.FailureKindOf(err))
	assert.Equal(t, []saga.FailureKind{saga.FailurePayment}, obs.kinds)
	assert.Equal(t, []string{"payment-service"}, obs.services)

	// other kinds stay at zero probability
	assert.NoError(t, inj.MaybeFail(context.Background(), saga.FailureDatabase, "sale-service", Target{}))
}

func TestReplaceClampsProbabilities(t *testing.T) {
	inj := NewInjector(nil, zap.NewNop())

	cfg := inj.Replace(&Config{
		Enabled:                      true,
		InsufficientStockProbability: 2.5,
		PaymentFailureProbability:    -0.3,
		FailureDelay:                 -time.Second,
	})

	assert.Equal(t, 1.0, cfg.InsufficientStockProbability)
	assert.Equal(t, 0.0, cfg.PaymentFailureProbability)
	assert.Equal(t, time.Duration(0), cfg.FailureDelay)
	assert.Equal(t, cfg, inj.Current())
}

func TestCriticalTargetBoost(t *testing.T) {
	inj := NewInjector(nil, zap.NewNop(), WithRand(func() float64 { return 0.5 }))
	inj.Replace(&Config{
		Enabled:                      true,
		InsufficientStockProbability: 0.3,
		CriticalProducts:             []string{"prod-hot"},
		CriticalStores:               []string{"store-hot"},
	})

	ctx := context.Background()

	// 0.3 < 0.5: a normal target survives the roll
	assert.NoError(t, inj.MaybeFail(ctx, saga.FailureInsufficientStock, "product-service",
		Target{ProductID: "prod-001", StoreID: "store-001"}))

	// 0.3 * 3 = 0.9 > 0.5: a critical product fails
	err := inj.MaybeFail(ctx, saga.FailureInsufficientStock, "product-service",
		Target{ProductID: "prod-hot"})
	assert.Error(t, err)

	// a critical store is boosted the same way
	err = inj.MaybeFail(ctx, saga.FailureInsufficientStock, "product-service",
		Target{StoreID: "store-hot"})
	assert.Error(t, err)
}

func TestSetEnabledKeepsProbabilities(t *testing.T) {
	inj := NewInjector(nil, zap.NewNop())
	inj.Replace(&Config{Enabled: true, NetworkTimeoutProbability: 0.7})

	cfg := inj.SetEnabled(false)
	assert.False(t, cfg.Enabled)
	assert.Equal(t, 0.7, cfg.NetworkTimeoutProbability)

	cfg = inj.SetEnabled(true)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, 0.7, cfg.NetworkTimeoutProbability)
}

func TestBootConfigSeed(t *testing.T) {
	boot := &config.FailureConfig{
		Enabled:                      true,
		InsufficientStockProbability: 0.2,
		CriticalProducts:             []string{"prod-001"},
	}

	inj := NewInjector(boot, zap.NewNop())

	cfg := inj.Current()
	assert.True(t, cfg.Enabled)
	assert.Equal(t, 0.2, cfg.InsufficientStockProbability)
	assert.Equal(t, []string{"prod-001"}, cfg.CriticalProducts)
}
