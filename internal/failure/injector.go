package failure

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/retailgrid/saga-orchestrator/pkg/config"
	"github.com/retailgrid/saga-orchestrator/pkg/saga"
)

// criticalBoostFactor multiplies failure probabilities for critical
// products and stores, capped at certainty.
const criticalBoostFactor = 3.0

// Config is the live, immutable failure injection configuration. Replacing
// it wholesale through the injector is the only way to change it, so
// readers never observe a half-applied update.
type Config struct {
	Enabled                       bool          `json:"enabled"`
	InsufficientStockProbability  float64       `json:"insufficientStockProbability"`
	PaymentFailureProbability     float64       `json:"paymentFailureProbability"`
	NetworkTimeoutProbability     float64       `json:"networkTimeoutProbability"`
	DatabaseFailureProbability    float64       `json:"databaseFailureProbability"`
	ServiceUnavailableProbability float64       `json:"serviceUnavailableProbability"`
	FailureDelay                  time.Duration `json:"failureDelay"`
	CriticalProducts              []string      `json:"criticalProducts"`
	CriticalStores                []string      `json:"criticalStores"`
}

// clamp bounds every probability to [0, 1]
func (c *Config) clamp() {
	for _, p := range []*float64{
		&c.InsufficientStockProbability,
		&c.PaymentFailureProbability,
		&c.NetworkTimeoutProbability,
		&c.DatabaseFailureProbability,
		&c.ServiceUnavailableProbability,
	} {
		if *p < 0 {
			*p = 0
		}
		if *p > 1 {
			*p = 1
		}
	}
	if c.FailureDelay < 0 {
		c.FailureDelay = 0
	}
}

// probabilityFor returns the configured probability for a failure kind
func (c *Config) probabilityFor(kind saga.FailureKind) float64 {
	switch kind {
	case saga.FailureInsufficientStock:
		return c.InsufficientStockProbability
	case saga.FailurePayment:
		return c.PaymentFailureProbability
	case saga.FailureNetworkTimeout:
		return c.NetworkTimeoutProbability
	case saga.FailureDatabase:
		return c.DatabaseFailureProbability
	case saga.FailureServiceUnavailable:
		return c.ServiceUnavailableProbability
	default:
		return 0
	}
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// Target identifies what a participant call is operating on, so critical
// product and store boosts can apply.
type Target struct {
	ProductID string
	StoreID   string
}

// Observer is notified whenever the injector raises a failure
type Observer interface {
	OnFailureInjected(kind saga.FailureKind, serviceName string)
}

// Injector raises controlled failures inside participant calls. The live
// config is swapped atomically; every decision reads one consistent
// snapshot.
type Injector struct {
	current  atomic.Pointer[Config]
	rand     func() float64
	logger   *zap.Logger
	observer Observer
}

// Option configures an Injector
type Option func(*Injector)

// WithRand overrides the randomness source (for testing)
func WithRand(f func() float64) Option {
	return func(i *Injector) { i.rand = f }
}

// WithObserver sets the failure observer
func WithObserver(obs Observer) Option {
	return func(i *Injector) { i.observer = obs }
}

// NewInjector creates an injector seeded from the boot configuration
func NewInjector(boot *config.FailureConfig, logger *zap.Logger, opts ...Option) *Injector {
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg := &Config{}
	if boot != nil {
		cfg = &Config{
			Enabled:                       boot.Enabled,
			InsufficientStockProbability:  boot.InsufficientStockProbability,
			PaymentFailureProbability:     boot.PaymentFailureProbability,
			NetworkTimeoutProbability:     boot.NetworkTimeoutProbability,
			DatabaseFailureProbability:    boot.DatabaseFailureProbability,
			ServiceUnavailableProbability: boot.ServiceUnavailableProbability,
			FailureDelay:                  boot.FailureDelay,
			CriticalProducts:              append([]string(nil), boot.CriticalProducts...),
			CriticalStores:                append([]string(nil), boot.CriticalStores...),
		}
	}
	cfg.clamp()

	inj := &Injector{rand: rand.Float64, logger: logger}
	inj.current.Store(cfg)
	for _, opt := range opts {
		opt(inj)
	}
	return inj
}

// Current returns the live configuration snapshot
func (i *Injector) Current() *Config {
	return i.current.Load()
}

// Replace installs a new configuration after clamping it, and returns the
// installed copy.
func (i *Injector) Replace(cfg *Config) *Config {
	next := *cfg
	next.CriticalProducts = append([]string(nil), cfg.CriticalProducts...)
	next.CriticalStores = append([]string(nil), cfg.CriticalStores...)
	next.clamp()
	i.current.Store(&next)

	i.logger.Info("Failure injection config replaced",
		zap.Bool("enabled", next.Enabled),
		zap.Float64("stock_probability", next.InsufficientStockProbability),
		zap.Float64("payment_probability", next.PaymentFailureProbability))
	return &next
}

// SetEnabled flips the master switch without touching probabilities
func (i *Injector) SetEnabled(enabled bool) *Config {
	cur := i.current.Load()
	next := *cur
	next.Enabled = enabled
	i.current.Store(&next)

	i.logger.Info("Failure injection toggled", zap.Bool("enabled", enabled))
	return &next
}

// MaybeFail rolls against the configured probability for the given failure
// kind. On a hit it sleeps the configured delay and returns a typed step
// failure; otherwise it returns nil. Probabilities triple, capped at 1.0,
// when the target touches a critical product or store.
func (i *Injector) MaybeFail(ctx context.Context, kind saga.FailureKind, serviceName string, target Target) error {
	cfg := i.current.Load()
	if !cfg.Enabled {
		return nil
	}

	probability := cfg.probabilityFor(kind)
	if probability <= 0 {
		return nil
	}

	if contains(cfg.CriticalProducts, target.ProductID) || contains(cfg.CriticalStores, target.StoreID) {
		probability *= criticalBoostFactor
		if probability > 1.0 {
			probability = 1.0
		}
	}

	if i.rand() >= probability {
		return nil
	}

	if cfg.FailureDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cfg.FailureDelay):
		}
	}

	i.logger.Warn("Controlled failure injected",
		zap.String("kind", string(kind)),
		zap.String("service", serviceName),
		zap.String("product_id", target.ProductID),
		zap.String("store_id", target.StoreID))
	if i.observer != nil {
		i.observer.OnFailureInjected(kind, serviceName)
	}

	return saga.NewStepFailure(kind, "injected %s failure in %s", kind, serviceName)
}
