package notify

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/warp/promo-engine/promo"
	"github.com/warp/promo-engine/promo/promotest"
	"github.com/warp/promo-engine/promo/store"
)

var t0 = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

const day = 24 * time.Hour

type fixture struct {
	mem       *store.Memory
	gateway   *promotest.Gateway
	transport *promotest.Transport
	clock     *promotest.Clock
	ledger    *promo.Ledger
	service   *promo.Service
	metrics   *Metrics
	sweeper   *Sweeper
}

func newFixture(t *testing.T, gateway *promotest.Gateway) *fixture {
	t.Helper()
	return newFixtureWithStore(t, gateway, nil)
}

// newFixtureWithStore lets a test substitute the ledger's promo.Store.
func newFixtureWithStore(t *testing.T, gateway *promotest.Gateway, wrap func(*store.Memory) promo.Store) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t)

	f := &fixture{
		mem:       store.NewMemory(),
		gateway:   gateway,
		transport: promotest.NewTransport(),
		clock:     promotest.NewClock(t0),
		metrics:   NewMetrics(prometheus.NewRegistry()),
	}

	var ledgerStore promo.Store = f.mem
	if wrap != nil {
		ledgerStore = wrap(f.mem)
	}

	settings := promo.NewSettings(log, f.mem, promo.DefaultSettings)
	settings.Now = f.clock.Now
	f.ledger = promo.NewLedger(log, ledgerStore, promo.NewUUIDGenerator())
	f.ledger.Now = f.clock.Now
	f.service = promo.NewService(log, f.ledger, gateway, settings)
	f.service.Now = f.clock.Now

	f.sweeper = NewSweeper(log, f.ledger, f.service.Reconciler(), f.mem, f.transport, f.metrics, 0)
	f.sweeper.Now = f.clock.Now
	return f
}

// issue creates and syncs a code for userID at the current fake time.
func (f *fixture) issue(t *testing.T, userID int64) promo.PromoCode {
	t.Helper()
	issued, err := f.service.Issue(context.Background(), userID)
	require.NoError(t, err)
	return issued.Code
}

func (f *fixture) sweep(t *testing.T) Report {
	t.Helper()
	report, err := f.sweeper.Sweep(context.Background())
	require.NoError(t, err)
	return report
}

func (f *fixture) get(t *testing.T, code string) promo.PromoCode {
	t.Helper()
	p, err := f.ledger.Get(context.Background(), code)
	require.NoError(t, err)
	return p
}
