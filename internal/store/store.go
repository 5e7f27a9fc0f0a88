// Package store defines the storage contract consumed by the runtime. Every
// mutation that advances a flow is a compare-and-swap on the expected epoch
package store

import (
	"cmp"
	"context"
	"errors"
	"slices"

	"github.com/kode4food/stalwart/pkg/api"
)

type (
	// Store is the durable home of flow, flow type, and replica records
	Store interface {
		FlowStore

		// Types returns the flow type registry
		Types() TypeStore

		// Replicas returns the replica membership registry
		Replicas() ReplicaStore

		// Initialize prepares the backing storage for use
		Initialize(ctx context.Context) error

		// Close releases the backing storage
		Close() error
	}

	// FlowStore persists flow records
	FlowStore interface {
		// CreateFunction inserts a new flow record at epoch 0, returning
		// false without modification if the record already exists
		CreateFunction(ctx context.Context, f api.NewFlow) (bool, error)

		// GetFunction returns the flow record, or nil if none exists
		GetFunction(
			ctx context.Context, id api.StoredID,
		) (*api.StoredFlow, error)

		// RestartExecution atomically bumps the epoch of a non-terminal flow
		// stored at expectedEpoch and flips it to Executing under owner. It
		// returns nil if the record is missing, terminal, or at another epoch
		RestartExecution(
			ctx context.Context, id api.StoredID, expectedEpoch api.Epoch,
			leaseExpiration int64, owner api.ReplicaID,
		) (*api.StoredFlow, error)

		// RenewLeases extends the expiry of every Executing flow still at its
		// expected epoch, returning how many were extended
		RenewLeases(
			ctx context.Context, leases []api.LeaseUpdate, leaseExpiration int64,
		) (int, error)

		// GetFunctionsStatus returns the lease view of the records that exist
		GetFunctionsStatus(
			ctx context.Context, ids []api.StoredID,
		) ([]api.StatusAndEpoch, error)

		// SucceedFunction persists a result for an Executing flow at
		// expectedEpoch
		SucceedFunction(
			ctx context.Context, id api.StoredID, result []byte,
			timestamp int64, expectedEpoch api.Epoch,
		) (bool, error)

		// FailFunction persists an exception for an Executing flow at
		// expectedEpoch
		FailFunction(
			ctx context.Context, id api.StoredID, exc *api.StoredException,
			timestamp int64, expectedEpoch api.Epoch,
		) (bool, error)

		// PostponeFunction parks an Executing flow at expectedEpoch until the
		// given time in milliseconds
		PostponeFunction(
			ctx context.Context, id api.StoredID, until int64,
			timestamp int64, expectedEpoch api.Epoch,
		) (bool, error)

		// SuspendFunction parks an Executing flow at expectedEpoch until it is
		// interrupted. If interrupts arrived beyond expectedInterrupts, the
		// flow is postponed to run immediately instead
		SuspendFunction(
			ctx context.Context, id api.StoredID, expectedInterrupts int64,
			timestamp int64, expectedEpoch api.Epoch,
		) (bool, error)

		// SetFunctionState administratively moves a non-terminal flow at
		// expectedEpoch to a non-Executing status with the given expiry
		SetFunctionState(
			ctx context.Context, id api.StoredID, status api.Status,
			expires int64, expectedEpoch api.Epoch,
		) (bool, error)

		// DeleteFunction removes the record, returning whether it existed
		DeleteFunction(ctx context.Context, id api.StoredID) (bool, error)

		// Interrupt increments the interrupt counter of each flow and wakes
		// the Suspended ones by postponing them to run immediately. It
		// returns the number of records found
		Interrupt(ctx context.Context, ids []api.StoredID) (int, error)

		// GetExpiredFunctions lists flows of any type whose expiry is before
		// the cutoff, whether Executing or Postponed
		GetExpiredFunctions(
			ctx context.Context, before int64,
		) ([]api.IDAndEpoch, error)

		// GetCrashedFunctions lists Executing flows of a type whose lease
		// expired before the cutoff
		GetCrashedFunctions(
			ctx context.Context, typ api.StoredType, before int64,
		) ([]api.IDAndEpoch, error)

		// GetPostponedFunctions lists Postponed flows of a type due before the
		// cutoff
		GetPostponedFunctions(
			ctx context.Context, typ api.StoredType, before int64,
		) ([]api.IDAndEpoch, error)

		// RescheduleCrashedFunctions clears the owner of every Executing flow
		// owned by the replica and expires its lease, returning the count
		RescheduleCrashedFunctions(
			ctx context.Context, owner api.ReplicaID,
		) (int, error)

		// GetOwnerReplicas lists the distinct owners of Executing flows
		GetOwnerReplicas(ctx context.Context) ([]api.ReplicaID, error)
	}

	// TypeStore assigns compact identifiers to flow types
	TypeStore interface {
		// InsertOrGet returns the StoredType of the flow type, assigning a
		// new one on first use
		InsertOrGet(
			ctx context.Context, typ api.FlowType,
		) (api.StoredType, error)

		// GetAll returns every known flow type
		GetAll(ctx context.Context) (map[api.FlowType]api.StoredType, error)
	}

	// ReplicaStore persists replica membership
	ReplicaStore interface {
		// Insert adds or refreshes the replica record
		Insert(ctx context.Context, r api.StoredReplica) error

		// Delete removes the replica record
		Delete(ctx context.Context, id api.ReplicaID) error

		// GetAll returns every registered replica
		GetAll(ctx context.Context) ([]api.StoredReplica, error)

		// UpdateHeartbeat sets the heartbeat of an existing replica,
		// returning false if the replica is not registered
		UpdateHeartbeat(
			ctx context.Context, id api.ReplicaID, heartbeat int64,
		) (bool, error)
	}
)

var (
	ErrInvalidStatus = errors.New("invalid target status")
	ErrTooManyTypes  = errors.New("flow type identifiers exhausted")
	ErrClosed        = errors.New("store closed")
)

// ValidTargetStatus checks a SetFunctionState target
func ValidTargetStatus(status api.Status) bool {
	return status.IsValid() && status != api.StatusExecuting
}

// SortIDAndEpochs orders results by stored type, then instance
func SortIDAndEpochs(ids []api.IDAndEpoch) {
	slices.SortFunc(ids, func(a, b api.IDAndEpoch) int {
		if c := cmp.Compare(a.ID.Type, b.ID.Type); c != 0 {
			return c
		}
		return cmp.Compare(a.ID.Instance, b.ID.Instance)
	})
}
