package api

import "encoding/json"

type (
	// FlowResponse describes a stored flow over HTTP
	FlowResponse struct {
		ID         FlowID           `json:"id"`
		Status     Status           `json:"status"`
		Epoch      Epoch            `json:"epoch"`
		Expires    int64            `json:"expires,omitempty"`
		Owner      ReplicaID        `json:"owner,omitempty"`
		Interrupts int64            `json:"interrupts"`
		Timestamp  int64            `json:"timestamp"`
		Param      json.RawMessage  `json:"param,omitempty"`
		Result     json.RawMessage  `json:"result,omitempty"`
		Exception  *StoredException `json:"exception,omitempty"`
	}

	// FlowAdmittedResponse is returned when a flow is accepted
	FlowAdmittedResponse struct {
		ID      FlowID `json:"id"`
		Created bool   `json:"created"`
	}

	// ExpiredFlowsResponse lists flows whose expiry has passed
	ExpiredFlowsResponse struct {
		Flows []IDAndEpoch `json:"flows"`
		Count int          `json:"count"`
	}

	// InterruptResponse reports how many flows an interrupt reached
	InterruptResponse struct {
		Interrupted int `json:"interrupted"`
	}

	// HealthResponse provides service health information
	HealthResponse struct {
		Service   string    `json:"service"`
		Status    string    `json:"status"`
		ReplicaID ReplicaID `json:"replica_id"`
	}

	// MessageResponse contains a simple message string
	MessageResponse struct {
		Message string `json:"message"`
	}

	// ErrorResponse contains error details for failed requests
	ErrorResponse struct {
		Error  string `json:"error"`
		Status int    `json:"status,omitempty"`
	}
)
