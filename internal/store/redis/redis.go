// Package redis provides a Store backed by a single redis node. Flow records
// are hashes, and executing and postponed flows are indexed per type in
// sorted sets scored by expiry
package redis

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"github.com/kode4food/stalwart/internal/store"
	"github.com/kode4food/stalwart/pkg/api"
	"github.com/kode4food/stalwart/pkg/util"
)

type (
	// Config describes how to reach the redis node
	Config struct {
		Addr     string
		Password string
		DB       int
		Prefix   string
	}

	// Store implements store.Store on redis
	Store struct {
		client goredis.UniversalClient
		prefix string
		owned  bool
	}

	typeStore    Store
	replicaStore Store
)

const DefaultPrefix = "stalwart"

var (
	ErrUnexpectedReply = errors.New("unexpected redis reply")

	_ store.Store = (*Store)(nil)
)

// New connects a Store to the configured redis node
func New(cfg Config) *Store {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	s := NewWithClient(client, cfg.Prefix)
	s.owned = true
	return s
}

// NewWithClient wraps an existing client. The client is not closed by Close
func NewWithClient(client goredis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

// Initialize verifies that the redis node is reachable
func (s *Store) Initialize(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

func (s *Store) Types() store.TypeStore {
	return (*typeStore)(s)
}

func (s *Store) Replicas() store.ReplicaStore {
	return (*replicaStore)(s)
}

func (s *Store) CreateFunction(
	ctx context.Context, f api.NewFlow,
) (bool, error) {
	n, err := createScript.Run(ctx, s.client, nil,
		s.prefix, typeArg(f.ID.Type), string(f.ID.Instance),
		string(f.Status), f.Param, f.Expires, score(f.Expires),
		string(f.Owner), f.Timestamp,
	).Int()
	return n == 1, err
}

func (s *Store) GetFunction(
	ctx context.Context, id api.StoredID,
) (*api.StoredFlow, error) {
	fields, err := s.client.HGetAll(ctx, s.flowKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return parseFlow(id, fields)
}

func (s *Store) RestartExecution(
	ctx context.Context, id api.StoredID, expectedEpoch api.Epoch,
	leaseExpiration int64, owner api.ReplicaID,
) (*api.StoredFlow, error) {
	res, err := restartScript.Run(ctx, s.client, nil,
		s.prefix, typeArg(id.Type), string(id.Instance), int32(expectedEpoch),
		leaseExpiration, score(leaseExpiration), string(owner),
	).StringSlice()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	fields, err := pairs(res)
	if err != nil {
		return nil, err
	}
	return parseFlow(id, fields)
}

func (s *Store) RenewLeases(
	ctx context.Context, leases []api.LeaseUpdate, leaseExpiration int64,
) (int, error) {
	if len(leases) == 0 {
		return 0, nil
	}
	args := make([]any, 0, 3+len(leases)*3)
	args = append(args, s.prefix, leaseExpiration, score(leaseExpiration))
	for _, l := range leases {
		args = append(args,
			typeArg(l.ID.Type), string(l.ID.Instance), int32(l.ExpectedEpoch),
		)
	}
	return renewScript.Run(ctx, s.client, nil, args...).Int()
}

func (s *Store) GetFunctionsStatus(
	ctx context.Context, ids []api.StoredID,
) ([]api.StatusAndEpoch, error) {
	if len(ids) == 0 {
		return []api.StatusAndEpoch{}, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*goredis.SliceCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HMGet(ctx, s.flowKey(id), "status", "epoch", "expires")
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	res := make([]api.StatusAndEpoch, 0, len(ids))
	for i, cmd := range cmds {
		vals := cmd.Val()
		status, ok := vals[0].(string)
		if !ok {
			continue
		}
		epoch, err := parseEpoch(vals[1])
		if err != nil {
			return nil, err
		}
		expires, err := parseInt(vals[2])
		if err != nil {
			return nil, err
		}
		res = append(res, api.StatusAndEpoch{
			ID:      ids[i],
			Status:  api.Status(status),
			Epoch:   epoch,
			Expires: expires,
		})
	}
	return res, nil
}

func (s *Store) SucceedFunction(
	ctx context.Context, id api.StoredID, result []byte, timestamp int64,
	expectedEpoch api.Epoch,
) (bool, error) {
	return s.complete(ctx, id, expectedEpoch, api.StatusSucceeded, 0,
		timestamp, "", "result", result,
	)
}

func (s *Store) FailFunction(
	ctx context.Context, id api.StoredID, exc *api.StoredException,
	timestamp int64, expectedEpoch api.Epoch,
) (bool, error) {
	if exc == nil {
		exc = api.NewStoredException(nil)
	}
	return s.complete(ctx, id, expectedEpoch, api.StatusFailed, 0,
		timestamp, "", "exc_msg", exc.Message, "exc_type", exc.Type,
	)
}

func (s *Store) PostponeFunction(
	ctx context.Context, id api.StoredID, until int64, timestamp int64,
	expectedEpoch api.Epoch,
) (bool, error) {
	return s.complete(ctx, id, expectedEpoch, api.StatusPostponed, until,
		timestamp, "",
	)
}

func (s *Store) SuspendFunction(
	ctx context.Context, id api.StoredID, expectedInterrupts int64,
	timestamp int64, expectedEpoch api.Epoch,
) (bool, error) {
	return s.complete(ctx, id, expectedEpoch, api.StatusSuspended,
		api.NeverExpires, timestamp, strconv.FormatInt(expectedInterrupts, 10),
	)
}

func (s *Store) SetFunctionState(
	ctx context.Context, id api.StoredID, status api.Status, expires int64,
	expectedEpoch api.Epoch,
) (bool, error) {
	if !store.ValidTargetStatus(status) {
		return false, store.ErrInvalidStatus
	}
	n, err := setStateScript.Run(ctx, s.client, nil,
		s.prefix, typeArg(id.Type), string(id.Instance), int32(expectedEpoch),
		string(status), expires, score(expires),
	).Int()
	return n == 1, err
}

func (s *Store) DeleteFunction(
	ctx context.Context, id api.StoredID,
) (bool, error) {
	n, err := deleteScript.Run(ctx, s.client, nil,
		s.prefix, typeArg(id.Type), string(id.Instance),
	).Int()
	return n == 1, err
}

func (s *Store) Interrupt(
	ctx context.Context, ids []api.StoredID,
) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, 0, 1+len(ids)*2)
	args = append(args, s.prefix)
	for _, id := range ids {
		args = append(args, typeArg(id.Type), string(id.Instance))
	}
	return interruptScript.Run(ctx, s.client, nil, args...).Int()
}

func (s *Store) GetExpiredFunctions(
	ctx context.Context, before int64,
) ([]api.IDAndEpoch, error) {
	ids, err := s.client.SMembers(ctx, s.prefix+":typeids").Result()
	if err != nil {
		return nil, err
	}
	var res []api.IDAndEpoch
	for _, v := range ids {
		id, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("%w: type id %s: %w",
				ErrUnexpectedReply, v, err)
		}
		typ := api.StoredType(id)
		crashed, err := s.GetCrashedFunctions(ctx, typ, before)
		if err != nil {
			return nil, err
		}
		postponed, err := s.GetPostponedFunctions(ctx, typ, before)
		if err != nil {
			return nil, err
		}
		res = append(res, crashed...)
		res = append(res, postponed...)
	}
	store.SortIDAndEpochs(res)
	return res, nil
}

func (s *Store) GetCrashedFunctions(
	ctx context.Context, typ api.StoredType, before int64,
) ([]api.IDAndEpoch, error) {
	return s.query(ctx, s.indexKey("executing", typ), typ, before)
}

func (s *Store) GetPostponedFunctions(
	ctx context.Context, typ api.StoredType, before int64,
) ([]api.IDAndEpoch, error) {
	return s.query(ctx, s.indexKey("postponed", typ), typ, before)
}

func (s *Store) RescheduleCrashedFunctions(
	ctx context.Context, owner api.ReplicaID,
) (int, error) {
	return rescheduleScript.Run(ctx, s.client, nil,
		s.prefix, string(owner),
	).Int()
}

func (s *Store) GetOwnerReplicas(
	ctx context.Context,
) ([]api.ReplicaID, error) {
	base := s.prefix + ":owned:"
	owners := util.Set[api.ReplicaID]{}
	iter := s.client.Scan(ctx, 0, base+"*", 100).Iterator()
	for iter.Next(ctx) {
		owners.Add(api.ReplicaID(strings.TrimPrefix(iter.Val(), base)))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return util.Sorted(owners), nil
}

func (s *Store) complete(
	ctx context.Context, id api.StoredID, expectedEpoch api.Epoch,
	status api.Status, expires, timestamp int64, expectedInterrupts string,
	fields ...any,
) (bool, error) {
	args := make([]any, 0, 9+len(fields))
	args = append(args,
		s.prefix, typeArg(id.Type), string(id.Instance), int32(expectedEpoch),
		string(status), expires, score(expires), timestamp, expectedInterrupts,
	)
	args = append(args, fields...)
	n, err := completeScript.Run(ctx, s.client, nil, args...).Int()
	return n == 1, err
}

func (s *Store) query(
	ctx context.Context, key string, typ api.StoredType, before int64,
) ([]api.IDAndEpoch, error) {
	res, err := queryScript.Run(ctx, s.client, []string{key},
		s.prefix, typeArg(typ), before,
	).StringSlice()
	if err != nil {
		return nil, err
	}
	out := make([]api.IDAndEpoch, 0, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		epoch, err := parseEpoch(res[i+1])
		if err != nil {
			return nil, err
		}
		out = append(out, api.IDAndEpoch{
			ID:    api.StoredID{Type: typ, Instance: api.Instance(res[i])},
			Epoch: epoch,
		})
	}
	store.SortIDAndEpochs(out)
	return out, nil
}

func (s *Store) flowKey(id api.StoredID) string {
	return fmt.Sprintf("%s:flow:%d:%s", s.prefix, id.Type, id.Instance)
}

func (s *Store) indexKey(kind string, typ api.StoredType) string {
	return fmt.Sprintf("%s:%s:%d", s.prefix, kind, typ)
}

func (s *typeStore) InsertOrGet(
	ctx context.Context, typ api.FlowType,
) (api.StoredType, error) {
	n, err := typeScript.Run(ctx, s.client,
		[]string{s.prefix + ":types", s.prefix + ":types:seq"},
		string(typ), math.MaxUint16,
	).Int()
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, store.ErrTooManyTypes
	}
	return api.StoredType(n), nil
}

func (s *typeStore) GetAll(
	ctx context.Context,
) (map[api.FlowType]api.StoredType, error) {
	all, err := s.client.HGetAll(ctx, s.prefix+":types").Result()
	if err != nil {
		return nil, err
	}
	res := make(map[api.FlowType]api.StoredType, len(all))
	for name, v := range all {
		id, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("%w: type %s: %w",
				ErrUnexpectedReply, name, err)
		}
		res[api.FlowType(name)] = api.StoredType(id)
	}
	return res, nil
}

func (s *replicaStore) Insert(
	ctx context.Context, r api.StoredReplica,
) error {
	return s.client.HSet(ctx, s.replicasKey(), string(r.ID), r.Heartbeat).Err()
}

func (s *replicaStore) Delete(ctx context.Context, id api.ReplicaID) error {
	return s.client.HDel(ctx, s.replicasKey(), string(id)).Err()
}

func (s *replicaStore) GetAll(
	ctx context.Context,
) ([]api.StoredReplica, error) {
	all, err := s.client.HGetAll(ctx, s.replicasKey()).Result()
	if err != nil {
		return nil, err
	}
	ids := util.Set[api.ReplicaID]{}
	for id := range all {
		ids.Add(api.ReplicaID(id))
	}
	res := make([]api.StoredReplica, 0, len(all))
	for _, id := range util.Sorted(ids) {
		hb, err := strconv.ParseInt(all[string(id)], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: replica %s: %w",
				ErrUnexpectedReply, id, err)
		}
		res = append(res, api.StoredReplica{ID: id, Heartbeat: hb})
	}
	return res, nil
}

func (s *replicaStore) UpdateHeartbeat(
	ctx context.Context, id api.ReplicaID, heartbeat int64,
) (bool, error) {
	n, err := heartbeatScript.Run(ctx, s.client,
		[]string{s.replicasKey()}, string(id), heartbeat,
	).Int()
	return n == 1, err
}

func (s *replicaStore) replicasKey() string {
	return s.prefix + ":replicas"
}
