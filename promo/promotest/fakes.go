// Package promotest provides scriptable collaborators for tests.
package promotest

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/warp/promo-engine/promo"
)

// =============================================================================
// FAKE GATEWAY
// =============================================================================

// Gateway is an in-memory promo.Gateway. Coupons are keyed by code; a
// non-nil Err makes every call fail with it.
type Gateway struct {
	mu      sync.Mutex
	coupons map[string]*promo.Coupon
	nextID  int

	// Err, when set, is returned by every call.
	Err error
	// CreateErr, when set, is returned by Create only.
	CreateErr error

	Calls map[string]int
}

var _ promo.Gateway = (*Gateway)(nil)

// NewGateway returns an empty reachable gateway.
func NewGateway() *Gateway {
	return &Gateway{coupons: make(map[string]*promo.Coupon), Calls: make(map[string]int)}
}

// Unreachable returns a gateway whose every call is a transport failure.
func Unreachable() *Gateway {
	g := NewGateway()
	g.Err = promo.RemoteUnavailable.New("connection refused")
	return g
}

// Put seeds or replaces a coupon.
func (g *Gateway) Put(c promo.Coupon) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := c
	g.coupons[c.Code] = &cp
}

// Remove drops a coupon so lookups answer not found.
func (g *Gateway) Remove(code string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.coupons, code)
}

// Coupon returns a copy of a stored coupon.
func (g *Gateway) Coupon(code string) (promo.Coupon, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.coupons[code]
	if !ok {
		return promo.Coupon{}, false
	}
	return *c, true
}

// CallCount returns how often an operation was invoked.
func (g *Gateway) CallCount(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.Calls[op]
}

func (g *Gateway) Create(_ context.Context, req promo.CreateRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Calls["create"]++

	if g.Err != nil {
		return "", g.Err
	}
	if g.CreateErr != nil {
		return "", g.CreateErr
	}
	g.nextID++
	id := strconv.Itoa(g.nextID)
	expires := req.ExpiresAt
	g.coupons[req.Code] = &promo.Coupon{
		RemoteID:   id,
		Code:       req.Code,
		UsageLimit: req.UsageLimit,
		ExpiresAt:  &expires,
		Status:     "publish",
	}
	return id, nil
}

func (g *Gateway) FetchByCode(_ context.Context, code string) (*promo.Coupon, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Calls["fetch_by_code"]++

	if g.Err != nil {
		return nil, g.Err
	}
	c, ok := g.coupons[code]
	if !ok {
		return nil, promo.ErrCouponNotFound
	}
	cp := *c
	return &cp, nil
}

func (g *Gateway) FetchByID(_ context.Context, remoteID string) (*promo.Coupon, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Calls["fetch_by_id"]++

	if g.Err != nil {
		return nil, g.Err
	}
	for _, c := range g.coupons {
		if c.RemoteID == remoteID {
			cp := *c
			return &cp, nil
		}
	}
	return nil, promo.ErrCouponNotFound
}

func (g *Gateway) MarkUsed(_ context.Context, code string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Calls["mark_used"]++

	if g.Err != nil {
		return g.Err
	}
	c, ok := g.coupons[code]
	if !ok {
		return promo.ErrCouponNotFound
	}
	c.Status = "private"
	return nil
}

func (g *Gateway) Delete(_ context.Context, code string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Calls["delete"]++

	if g.Err != nil {
		return false, g.Err
	}
	if _, ok := g.coupons[code]; !ok {
		return false, nil
	}
	delete(g.coupons, code)
	return true, nil
}

// =============================================================================
// FAKE TRANSPORT
// =============================================================================

// Message is one delivered message.
type Message struct {
	UserID int64
	Text   string
}

// Transport records deliveries. Failures can be scripted per user.
type Transport struct {
	mu   sync.Mutex
	sent []Message

	// Fail maps a user to the error every delivery to them returns.
	Fail map[int64]error
}

// NewTransport returns a transport that delivers everything.
func NewTransport() *Transport {
	return &Transport{Fail: make(map[int64]error)}
}

// Deliver records the message or returns the scripted failure.
func (t *Transport) Deliver(_ context.Context, userID int64, text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err, ok := t.Fail[userID]; ok && err != nil {
		return err
	}
	t.sent = append(t.sent, Message{UserID: userID, Text: text})
	return nil
}

// SetFailure scripts (or, with nil, clears) a per-user failure.
func (t *Transport) SetFailure(userID int64, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err == nil {
		delete(t.Fail, userID)
		return
	}
	t.Fail[userID] = err
}

// Sent returns a copy of every delivered message.
func (t *Transport) Sent() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Message, len(t.sent))
	copy(out, t.sent)
	return out
}

// SentTo returns the texts delivered to one user.
func (t *Transport) SentTo(userID int64) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for _, m := range t.sent {
		if m.UserID == userID {
			out = append(out, m.Text)
		}
	}
	return out
}

// =============================================================================
// GENERATORS AND CLOCKS
// =============================================================================

// SequenceGenerator returns scripted codes in order, then repeats the last.
type SequenceGenerator struct {
	mu    sync.Mutex
	codes []string
	i     int
}

// NewSequenceGenerator scripts the candidates a ledger will see.
func NewSequenceGenerator(codes ...string) *SequenceGenerator {
	return &SequenceGenerator{codes: codes}
}

func (g *SequenceGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.codes) == 0 {
		return ""
	}
	c := g.codes[g.i]
	if g.i < len(g.codes)-1 {
		g.i++
	}
	return c
}

// Clock is a settable time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at now.
func NewClock(now time.Time) *Clock {
	return &Clock{now: now}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to now.
func (c *Clock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
