package syncchan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/irfan38431/nerf-showdown/go/internal/docstore"
)

// Lease is the timer authority record stored next to the match.
type Lease struct {
	Holder    string `json:"holder"`
	ExpiresAt int64  `json:"expiresAt"` // unix milliseconds on the holder's clock, informational
}

// LeaseKey returns the document key holding the authority lease.
func (c *Channel) LeaseKey() string { return c.cfg.Key + ".authority" }

// AcquireLease takes or renews the authority lease for holder. It succeeds
// when the lease is free or already held by holder, or when another holder
// has left it unrenewed for ttl as measured on this channel's clock. Clocks
// of different clients are never compared, so skew cannot produce two
// holders. A concurrent taker makes the conditional write fail, which also
// yields false.
func (c *Channel) AcquireLease(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	key := c.LeaseKey()
	now := c.clock.Now()

	var version uint64
	doc, err := c.store.Read(ctx, key)
	switch {
	case errors.Is(err, docstore.ErrNotFound):
	case err != nil:
		return false, c.wrapRead(err)
	default:
		lease, err := decodeLease(doc.Fields)
		if err != nil {
			return false, err
		}
		if lease.Holder != "" && lease.Holder != holder && !c.leaseStale(doc.Version, now, ttl) {
			return false, nil
		}
		version = doc.Version
	}

	fields, err := encodeLease(Lease{Holder: holder, ExpiresAt: now.Add(ttl).UnixMilli()})
	if err != nil {
		return false, err
	}
	_, err = c.store.WriteIf(ctx, key, fields, version)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, docstore.ErrConflict):
		return false, nil
	default:
		return false, c.wrapRead(err)
	}
}

// ReleaseLease clears the lease if holder still owns it.
func (c *Channel) ReleaseLease(ctx context.Context, holder string) error {
	key := c.LeaseKey()
	doc, err := c.store.Read(ctx, key)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return c.wrapRead(err)
	}
	lease, err := decodeLease(doc.Fields)
	if err != nil {
		return err
	}
	if lease.Holder != holder {
		return nil
	}

	fields, err := encodeLease(Lease{})
	if err != nil {
		return err
	}
	if _, err := c.store.WriteIf(ctx, key, fields, doc.Version); err != nil && !errors.Is(err, docstore.ErrConflict) {
		return c.wrapRead(err)
	}
	return nil
}

// CurrentLease returns the stored lease, zero when none was ever taken.
func (c *Channel) CurrentLease(ctx context.Context) (Lease, error) {
	doc, err := c.store.Read(ctx, c.LeaseKey())
	if errors.Is(err, docstore.ErrNotFound) {
		return Lease{}, nil
	}
	if err != nil {
		return Lease{}, c.wrapRead(err)
	}
	return decodeLease(doc.Fields)
}

// leaseStale reports whether the lease document has stayed at version for
// at least ttl since this channel first saw that version.
func (c *Channel) leaseStale(version uint64, now time.Time, ttl time.Duration) bool {
	c.leaseMu.Lock()
	defer c.leaseMu.Unlock()
	if version != c.leaseSeen {
		c.leaseSeen = version
		c.leaseSeenAt = now
		return false
	}
	return now.Sub(c.leaseSeenAt) >= ttl
}

func decodeLease(fields docstore.Fields) (Lease, error) {
	var lease Lease
	if err := docstore.DecodeObject(fields, &lease); err != nil {
		return Lease{}, fmt.Errorf("lease: %w", err)
	}
	return lease, nil
}

func encodeLease(lease Lease) (docstore.Fields, error) {
	return docstore.EncodeObject(lease)
}
