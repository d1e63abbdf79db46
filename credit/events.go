/*
events.go - Domain events for notification and audit collaborators

PURPOSE:
  Emits best-effort domain events after ledger mutations commit.
  Subscribers (notifications, audit sinks) receive every event at least
  once while the process lives; publication failure must never roll
  back an already-committed mutation, so dispatch recovers panics and
  only logs.

EVENTS:
  grant_committed, consumption_committed, allocation_expired,
  transfer_completed, campaign_budget_exhausted, balance_below_threshold

SEE ALSO:
  - service.go: Publishes after each committed operation
  - sweeper.go: Publishes allocation_expired per retired allocation
*/
package credit

import (
	"log"
	"sync"
	"time"
)

// =============================================================================
// EVENT TYPES
// =============================================================================

type EventType string

const (
	EventGrantCommitted        EventType = "grant_committed"
	EventConsumptionCommitted  EventType = "consumption_committed"
	EventAllocationExpired     EventType = "allocation_expired"
	EventTransferCompleted     EventType = "transfer_completed"
	EventCampaignBudgetDrained EventType = "campaign_budget_exhausted"
	EventBalanceBelowThreshold EventType = "balance_below_threshold"
)

// Event is one committed domain fact. Fields are populated per type;
// unused fields stay zero.
type Event struct {
	Type         EventType
	At           time.Time
	UserID       UserID
	AccountID    AccountID
	AllocationID AllocationID
	CampaignID   CampaignID
	CreditType   CreditType
	Amount       int64
	Balance      int64
	TransferID   string
	Reference    string
}

// Handler receives events synchronously. Handlers must not block for
// long; slow sinks should queue internally.
type Handler func(Event)

// =============================================================================
// BUS - Best-effort fan-out
// =============================================================================

// Bus fans events out to subscribers. Publish never fails and never
// propagates subscriber panics: a committed ledger mutation cannot be
// rolled back by a notification problem.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a handler for all subsequent events.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish delivers the event to every subscriber, recovering panics.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, h := range handlers {
		b.dispatch(h, ev)
	}
}

func (b *Bus) dispatch(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Events] subscriber panic on %s: %v", ev.Type, r)
		}
	}()
	h(ev)
}
