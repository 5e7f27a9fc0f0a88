package api

import (
	"math"
	"time"
)

type (
	// StoredFlow is the persisted record of one flow instance
	StoredFlow struct {
		ID         StoredID         `json:"id"`
		Param      []byte           `json:"param,omitempty"`
		Status     Status           `json:"status"`
		Result     []byte           `json:"result,omitempty"`
		Exception  *StoredException `json:"exception,omitempty"`
		Epoch      Epoch            `json:"epoch"`
		Expires    int64            `json:"expires"`
		Owner      ReplicaID        `json:"owner,omitempty"`
		Interrupts int64            `json:"interrupts"`
		Timestamp  int64            `json:"timestamp"`
	}

	// StoredException is the persisted failure of a flow
	StoredException struct {
		Message string `json:"message"`
		Type    string `json:"type,omitempty"`
	}

	// NewFlow describes a flow record about to be created
	NewFlow struct {
		ID        StoredID
		Param     []byte
		Status    Status
		Expires   int64
		Owner     ReplicaID
		Timestamp int64
	}

	// StatusAndEpoch is the authoritative lease view of a stored flow
	StatusAndEpoch struct {
		ID      StoredID `json:"id"`
		Status  Status   `json:"status"`
		Epoch   Epoch    `json:"epoch"`
		Expires int64    `json:"expires"`
	}

	// IDAndEpoch names a flow at a specific epoch
	IDAndEpoch struct {
		ID    StoredID `json:"id"`
		Epoch Epoch    `json:"epoch"`
	}

	// LeaseUpdate requests a lease renewal for a flow at an expected epoch
	LeaseUpdate struct {
		ID            StoredID
		ExpectedEpoch Epoch
	}
)

// NeverExpires is the expiry stored for flows whose leases are not renewed
const NeverExpires int64 = math.MaxInt64

// LeaseExpiry returns the expiry for a lease of the given length starting at
// now. A non-positive length never expires
func LeaseExpiry(now time.Time, length time.Duration) int64 {
	if length <= 0 {
		return NeverExpires
	}
	return now.Add(length).UnixMilli()
}

// IDAndEpoch returns the identity of the record at its current epoch
func (f *StoredFlow) IDAndEpoch() IDAndEpoch {
	return IDAndEpoch{ID: f.ID, Epoch: f.Epoch}
}

// StatusAndEpoch returns the lease view of the record
func (f *StoredFlow) StatusAndEpoch() StatusAndEpoch {
	return StatusAndEpoch{
		ID:      f.ID,
		Status:  f.Status,
		Epoch:   f.Epoch,
		Expires: f.Expires,
	}
}

// ExpiresAt returns the expiry as a time, or the zero time when the record
// never expires
func (f *StoredFlow) ExpiresAt() time.Time {
	if f.Expires == NeverExpires {
		return time.Time{}
	}
	return time.UnixMilli(f.Expires)
}

// IsOwnedAt reports whether the record is Executing with a live lease at now
func (f *StoredFlow) IsOwnedAt(now time.Time) bool {
	return f.Status == StatusExecuting && f.Expires > now.UnixMilli()
}
