// Package enrich fills in the decision-maker on deal requests after an admin
// approves them. It only ever touches contact fields; a failure is logged and
// the approval it follows stands.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"introbroker/internal/store"
)

// Contact is a resolved decision-maker.
type Contact struct {
	Name  string
	Email string
}

// Lookup resolves the decision-maker for a deal.
type Lookup interface {
	DecisionMaker(ctx context.Context, deal store.Deal) (Contact, error)
}

// ErrNoContact means the lookup had nothing to offer.
var ErrNoContact = errors.New("no decision-maker found")

// DealContactLookup answers with the contact recorded on the deal itself.
type DealContactLookup struct{}

func (DealContactLookup) DecisionMaker(_ context.Context, deal store.Deal) (Contact, error) {
	c := Contact{Name: strings.TrimSpace(deal.ContactName), Email: strings.TrimSpace(deal.ContactEmail)}
	if c.Name == "" && c.Email == "" {
		return Contact{}, ErrNoContact
	}
	return c, nil
}

// Store is what the enricher reads and writes.
type Store interface {
	GetConnection(ctx context.Context, id string) (store.Connection, error)
	UpdateConnection(ctx context.Context, id string, patch store.ConnectionPatch) error
	GetDeal(ctx context.Context, id string) (store.Deal, error)
}

type Enricher struct {
	store   Store
	lookup  Lookup
	timeout time.Duration
	now     func() time.Time
	// OnEnriched runs with the updated record after a successful write.
	OnEnriched func(store.Connection)

	wg sync.WaitGroup
}

func New(s Store, lookup Lookup) *Enricher {
	if lookup == nil {
		lookup = DealContactLookup{}
	}
	return &Enricher{store: s, lookup: lookup, timeout: 30 * time.Second, now: time.Now}
}

// Schedule enriches connectionID in the background.
func (e *Enricher) Schedule(connectionID string) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		defer cancel()
		if _, err := e.Enrich(ctx, connectionID); err != nil {
			log.Printf("enrich connection %s: %v", connectionID, err)
		}
	}()
}

// Wait blocks until every scheduled enrichment has finished.
func (e *Enricher) Wait() {
	e.wg.Wait()
}

// Enrich reports whether it changed the record. Peer requests and records
// that already name their recipient are left alone.
func (e *Enricher) Enrich(ctx context.Context, connectionID string) (bool, error) {
	c, err := e.store.GetConnection(ctx, connectionID)
	if err != nil {
		return false, fmt.Errorf("load connection: %w", err)
	}
	if !c.IsDealRequest() {
		return false, nil
	}
	if strings.TrimSpace(c.ToName) != "" && strings.TrimSpace(c.ToEmail) != "" {
		return false, nil
	}
	deal, err := e.store.GetDeal(ctx, c.DealID)
	if err != nil {
		return false, fmt.Errorf("load deal %s: %w", c.DealID, err)
	}
	contact, err := e.lookup.DecisionMaker(ctx, deal)
	if err != nil {
		return false, err
	}

	patch := store.ConnectionPatch{UpdatedAt: e.now().UTC()}
	changed := false
	if strings.TrimSpace(c.ToName) == "" && contact.Name != "" {
		patch.ToName = store.String(contact.Name)
		changed = true
	}
	if strings.TrimSpace(c.ToEmail) == "" && contact.Email != "" {
		patch.ToEmail = store.String(contact.Email)
		changed = true
	}
	if !changed {
		return false, nil
	}
	if err := e.store.UpdateConnection(ctx, connectionID, patch); err != nil {
		return false, fmt.Errorf("update connection: %w", err)
	}
	if e.OnEnriched != nil {
		e.OnEnriched(patch.Apply(c))
	}
	return true, nil
}
