package redis

import (
	"fmt"
	"strconv"

	"github.com/kode4food/stalwart/pkg/api"
)

func typeArg(typ api.StoredType) string {
	return strconv.FormatUint(uint64(typ), 10)
}

func score(expires int64) string {
	if expires == api.NeverExpires {
		return "+inf"
	}
	return strconv.FormatInt(expires, 10)
}

func pairs(flat []string) (map[string]string, error) {
	if len(flat)%2 != 0 {
		return nil, fmt.Errorf("%w: odd field count", ErrUnexpectedReply)
	}
	res := make(map[string]string, len(flat)/2)
	for i := 0; i < len(flat); i += 2 {
		res[flat[i]] = flat[i+1]
	}
	return res, nil
}

func parseFlow(id api.StoredID, f map[string]string) (*api.StoredFlow, error) {
	res := &api.StoredFlow{
		ID:     id,
		Status: api.Status(f["status"]),
		Owner:  api.ReplicaID(f["owner"]),
	}
	if v := f["param"]; v != "" {
		res.Param = []byte(v)
	}
	if v, ok := f["result"]; ok {
		res.Result = []byte(v)
	}
	if msg, ok := f["exc_msg"]; ok {
		res.Exception = &api.StoredException{
			Message: msg,
			Type:    f["exc_type"],
		}
	}

	epoch, err := parseEpoch(f["epoch"])
	if err != nil {
		return nil, err
	}
	res.Epoch = epoch

	for name, dst := range map[string]*int64{
		"expires":    &res.Expires,
		"interrupts": &res.Interrupts,
		"ts":         &res.Timestamp,
	} {
		if *dst, err = parseInt(f[name]); err != nil {
			return nil, fmt.Errorf("%w: %s", err, name)
		}
	}
	return res, nil
}

func parseEpoch(v any) (api.Epoch, error) {
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("%w: epoch %v", ErrUnexpectedReply, v)
	}
	e, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: epoch: %w", ErrUnexpectedReply, err)
	}
	return api.Epoch(e), nil
}

func parseInt(v any) (int64, error) {
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("%w: %v", ErrUnexpectedReply, v)
	}
	if s == "" {
		return 0, nil
	}
	i, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrUnexpectedReply, err)
	}
	return i, nil
}
