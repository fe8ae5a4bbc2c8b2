package promo_test

import (
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/warp/promo-engine/promo"
	"github.com/warp/promo-engine/promo/promotest"
	"github.com/warp/promo-engine/promo/store"
)

var t0 = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

const day = 24 * time.Hour

type fixture struct {
	mem      *store.Memory
	gateway  *promotest.Gateway
	clock    *promotest.Clock
	settings *promo.Settings
	ledger   *promo.Ledger
	service  *promo.Service
}

func newFixture(t *testing.T, gateway *promotest.Gateway) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t)

	f := &fixture{
		mem:     store.NewMemory(),
		gateway: gateway,
		clock:   promotest.NewClock(t0),
	}
	f.settings = promo.NewSettings(log, f.mem, promo.DefaultSettings)
	f.settings.Now = f.clock.Now
	f.ledger = promo.NewLedger(log, f.mem, promo.NewUUIDGenerator())
	f.ledger.Now = f.clock.Now
	f.service = promo.NewService(log, f.ledger, gateway, f.settings)
	f.service.Now = f.clock.Now
	return f
}
