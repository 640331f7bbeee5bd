package account

import (
	"sync"

	"cryptobots/pkg/types"
)

// volumeEps absorbs float accumulation noise when comparing recorded fill
// volume against order volume.
const volumeEps = 1e-9

// Order is the account's live view of one venue order: the immutable
// submission fields, the venue-reported state, locally recorded fills,
// and the one-shot completion events the trader waits on.
//
// Identity fields are set once at creation. Everything else is guarded by
// mu; the account's ingest goroutine is the only writer.
type Order struct {
	ID       string
	ClientID string
	Pair     types.Pair
	Side     types.Side
	Type     types.OrderType
	Price    float64

	mu       sync.Mutex
	volume   float64
	filled   float64 // venue-reported cumulative
	status   types.OrderStatus
	fills    []*types.Fill
	recorded float64 // sum of locally applied fill volumes
	fees     map[string]float64
	seen     map[string]struct{}

	// Reservation bookkeeping: what this order currently holds back from
	// the account's available balances or free collateral.
	reserved       map[string]float64
	reservedMargin float64

	fillOnce  sync.Once
	filledCh  chan struct{}
	closeOnce sync.Once
	closedCh  chan struct{}
}

func newOrder(vo *types.Order) *Order {
	return &Order{
		ID:       vo.ID,
		ClientID: vo.ClientID,
		Pair:     vo.Pair,
		Side:     vo.Side,
		Type:     vo.Type,
		Price:    vo.Price,
		volume:   vo.Volume,
		filled:   vo.FilledVolume,
		status:   vo.Status,
		fees:     make(map[string]float64),
		seen:     make(map[string]struct{}),
		filledCh: make(chan struct{}),
		closedCh: make(chan struct{}),
	}
}

// Filled is closed once the order's recorded fills cover its volume.
func (o *Order) Filled() <-chan struct{} { return o.filledCh }

// Closed is closed once the order has left the open set for good, whether
// by full fill, cancellation or forced removal after a cancel race.
func (o *Order) Closed() <-chan struct{} { return o.closedCh }

func (o *Order) Status() types.OrderStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

func (o *Order) Volume() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.volume
}

// Remaining is the volume not yet covered by recorded fills.
func (o *Order) Remaining() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.volume - o.recorded
}

func (o *Order) Recorded() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.recorded
}

func (o *Order) Fills() []*types.Fill {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*types.Fill, len(o.fills))
	copy(out, o.fills)
	return out
}

func (o *Order) Fees() map[string]float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]float64, len(o.fees))
	for k, v := range o.fees {
		out[k] = v
	}
	return out
}

// ExecutedPrice is the volume-weighted average price over recorded fills,
// 0 before the first fill.
func (o *Order) ExecutedPrice() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	var notional, volume float64
	for _, f := range o.fills {
		notional += f.Price * f.Volume
		volume += f.Volume
	}
	if volume == 0 {
		return 0
	}
	return notional / volume
}

// Snapshot renders the order back to its wire form for the status server
// and the journal.
func (o *Order) Snapshot() types.Order {
	o.mu.Lock()
	defer o.mu.Unlock()
	return types.Order{
		ID:           o.ID,
		ClientID:     o.ClientID,
		Pair:         o.Pair,
		Side:         o.Side,
		Type:         o.Type,
		Price:        o.Price,
		Volume:       o.volume,
		FilledVolume: o.filled,
		Status:       o.status,
	}
}

// applyFill records one fill against the order, deduplicating by fill id.
// Returns false for duplicates.
func (o *Order) applyFill(f *types.Fill) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, dup := o.seen[f.ID]; dup {
		return false
	}
	o.seen[f.ID] = struct{}{}
	o.fills = append(o.fills, f)
	o.recorded += f.Volume
	for asset, fee := range f.Fees {
		o.fees[asset] += fee
	}
	if o.volume > 0 && o.volume-o.recorded <= volumeEps {
		o.fillOnce.Do(func() { close(o.filledCh) })
	}
	return true
}

// markSeen records a fill id without applying it, for warm starts where
// the fill's balance effect is already part of the loaded state.
func (o *Order) markSeen(fillID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seen[fillID] = struct{}{}
}

// update applies a non-terminal venue report. Closed orders ignore it,
// and a pending local cancellation request keeps its status so a routine
// open echo cannot mask it.
func (o *Order) update(status types.OrderStatus, filledVolume float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.status == types.OrderClosed {
		return
	}
	if o.status == types.OrderRequestedCancellation && status != types.OrderClosed {
		o.filled = filledVolume
		return
	}
	o.status = status
	o.filled = filledVolume
}

// close applies a venue closed report: volume collapses to the filled
// volume, so a cancelled remainder no longer counts as outstanding.
func (o *Order) close(filledVolume float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.status = types.OrderClosed
	o.filled = filledVolume
	o.volume = filledVolume
	if o.volume > 0 && o.volume-o.recorded <= volumeEps {
		o.fillOnce.Do(func() { close(o.filledCh) })
	}
}

// forceClose reconciles an order the venue reports as already closed when
// no closed event was seen, treating the recorded fills as final.
func (o *Order) forceClose() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.status = types.OrderClosed
	o.filled = o.recorded
	o.volume = o.recorded
}

func (o *Order) requestCancel() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.status != types.OrderClosed {
		o.status = types.OrderRequestedCancellation
	}
}

// settled reports whether the order is fully accounted for: recorded
// fills cover the volume, and the venue's cumulative count (when known)
// agrees.
func (o *Order) settled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.volume-o.recorded > volumeEps {
		return false
	}
	return o.filled == 0 || o.recorded >= o.filled-volumeEps
}

func (o *Order) markClosed() {
	o.closeOnce.Do(func() { close(o.closedCh) })
}

func (o *Order) setReservation(asset string, amount float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reserved = map[string]float64{asset: amount}
}

func (o *Order) takeReservation() map[string]float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	r := o.reserved
	o.reserved = nil
	return r
}

func (o *Order) setMarginReservation(m float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reservedMargin = m
}

func (o *Order) takeMarginReservation() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	m := o.reservedMargin
	o.reservedMargin = 0
	return m
}
