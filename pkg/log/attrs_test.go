package log_test

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kode4food/stalwart/pkg/api"
	"github.com/kode4food/stalwart/pkg/log"
)

type errStub string

func TestFlowID(t *testing.T) {
	attr := log.FlowID(api.NewFlowID("Invoice", "42"))
	assertAttrEqual(t, attr, "flow_id", "Invoice/42")
}

func TestFlowTypeAndInstance(t *testing.T) {
	assertAttrEqual(t, log.FlowType(api.FlowType("Invoice")),
		"flow_type", "Invoice",
	)
	assertAttrEqual(t, log.Instance(api.Instance("42")), "instance", "42")
}

func TestEpoch(t *testing.T) {
	attr := log.Epoch(api.Epoch(7))
	assert.Equal(t, "epoch", attr.Key)
	assert.Equal(t, int64(7), attr.Value.Int64())
}

func TestReplicaID(t *testing.T) {
	assertAttrEqual(t, log.ReplicaID(api.ReplicaID("r-1")), "replica_id", "r-1")
}

func TestStatus(t *testing.T) {
	attr := log.Status(api.StatusSucceeded)
	assertAttrEqual(t, attr, "status", "succeeded")
}

func TestComponent(t *testing.T) {
	assertAttrEqual(t, log.Component("lease"), "component", "lease")
}

func TestError(t *testing.T) {
	attr := log.Error(nil)
	assertAttrEqual(t, attr, "error", "")

	attr = log.Error(errStub("boom"))
	assertAttrEqual(t, attr, "error", "boom")
}

func TestErrorString(t *testing.T) {
	attr := log.ErrorString("badness")
	assertAttrEqual(t, attr, "error", "badness")
}

func (e errStub) Error() string { return string(e) }

func assertAttrEqual(t *testing.T, attr slog.Attr, key, value string) {
	t.Helper()
	assert.Equal(t, key, attr.Key)
	assert.Equal(t, value, attr.Value.String())
}
