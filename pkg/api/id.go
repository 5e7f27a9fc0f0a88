package api

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

type (
	// FlowType is the logical kind of flow, e.g. "OrderProcessing"
	FlowType string

	// Instance is the caller-chosen key of a flow within its type
	Instance string

	// FlowID identifies a flow by its type and instance
	FlowID struct {
		Type     FlowType `json:"type"`
		Instance Instance `json:"instance"`
	}

	// StoredType is the store-assigned identifier of a FlowType
	StoredType uint16

	// StoredID is the store-level identity of a flow
	StoredID struct {
		Type     StoredType `json:"type"`
		Instance Instance   `json:"instance"`
	}

	// Epoch is the monotonic leadership token of a flow
	Epoch int32

	// ReplicaID identifies one node of the cooperating cluster
	ReplicaID string
)

// InvalidIDChars matches characters not permitted in flow types and
// instances. Valid characters are: letters, digits, underscore, dot, hyphen,
// plus, colon
var InvalidIDChars = regexp.MustCompile(`[^a-zA-Z0-9_.\-+:]`)

var ErrInvalidFlowID = errors.New("invalid flow id")

// NewFlowID builds a FlowID from its parts
func NewFlowID(typ FlowType, inst Instance) FlowID {
	return FlowID{Type: typ, Instance: inst}
}

// ParseFlowID parses the "type/instance" form produced by FlowID.String
func ParseFlowID(s string) (FlowID, error) {
	typ, inst, ok := strings.Cut(s, "/")
	if !ok || typ == "" || inst == "" {
		return FlowID{}, fmt.Errorf("%w: %q", ErrInvalidFlowID, s)
	}
	return NewFlowID(FlowType(typ), Instance(inst)), nil
}

// String returns the "type/instance" form of the FlowID
func (id FlowID) String() string {
	return string(id.Type) + "/" + string(id.Instance)
}

// Validate checks that both parts of the FlowID are present and well formed
func (id FlowID) Validate() error {
	if id.Type == "" || id.Instance == "" {
		return fmt.Errorf("%w: %s", ErrInvalidFlowID, id)
	}
	if InvalidIDChars.MatchString(string(id.Type)) {
		return fmt.Errorf("%w: bad type %q", ErrInvalidFlowID, id.Type)
	}
	if InvalidIDChars.MatchString(string(id.Instance)) {
		return fmt.Errorf("%w: bad instance %q", ErrInvalidFlowID, id.Instance)
	}
	return nil
}

// String returns the "type:instance" form of the StoredID
func (id StoredID) String() string {
	return fmt.Sprintf("%d:%s", id.Type, id.Instance)
}

// Next returns the epoch that follows this one
func (e Epoch) Next() Epoch {
	return e + 1
}
