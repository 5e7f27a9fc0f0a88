package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"github.com/kode4food/stalwart/pkg/api"
)

func (s *Server) getFlow(c *gin.Context) {
	id := flowID(c)
	f, err := s.engine.GetFlow(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, flowResponse(id, f))
}

// scheduleFlow admits a flow whose parameter is the raw JSON request body.
// An "at" query parameter, either RFC 3339 or Unix milliseconds, delays its
// first execution
func (s *Server) scheduleFlow(c *gin.Context) {
	id := flowID(c)
	param, err := c.GetRawData()
	if err != nil {
		writeError(c, fmt.Errorf("%w: %w", ErrInvalidJSON, err))
		return
	}
	if len(param) == 0 {
		param = nil
	} else if !gjson.ValidBytes(param) {
		writeError(c, fmt.Errorf("%w: malformed body", ErrInvalidJSON))
		return
	}

	var created bool
	if at, ok := c.GetQuery("at"); ok {
		var when time.Time
		when, err = parseTime(at)
		if err != nil {
			writeError(c, err)
			return
		}
		created, err = s.engine.ScheduleAt(
			c.Request.Context(), id, param, when,
		)
	} else {
		created, err = s.engine.Schedule(c.Request.Context(), id, param)
	}
	if err != nil {
		writeError(c, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, api.FlowAdmittedResponse{
		ID:      id,
		Created: created,
	})
}

func (s *Server) interruptFlow(c *gin.Context) {
	id := flowID(c)
	n, err := s.engine.Interrupt(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	if n == 0 {
		writeError(c, fmt.Errorf("%w: %s", api.ErrFlowNotFound, id))
		return
	}
	c.JSON(http.StatusOK, api.InterruptResponse{Interrupted: n})
}

func (s *Server) restartFlow(c *gin.Context) {
	id := flowID(c)
	if err := s.engine.ScheduleRestart(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, api.MessageResponse{
		Message: fmt.Sprintf("restart scheduled: %s", id),
	})
}

func (s *Server) listExpiredFlows(c *gin.Context) {
	flows, err := s.engine.ExpiredFlows(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if flows == nil {
		flows = []api.IDAndEpoch{}
	}
	c.JSON(http.StatusOK, api.ExpiredFlowsResponse{
		Flows: flows,
		Count: len(flows),
	})
}

func flowID(c *gin.Context) api.FlowID {
	return api.NewFlowID(
		api.FlowType(c.Param("type")), api.Instance(c.Param("instance")),
	)
}

func flowResponse(id api.FlowID, f *api.StoredFlow) api.FlowResponse {
	res := api.FlowResponse{
		ID:         id,
		Status:     f.Status,
		Epoch:      f.Epoch,
		Owner:      f.Owner,
		Interrupts: f.Interrupts,
		Timestamp:  f.Timestamp,
		Exception:  f.Exception,
	}
	if f.Expires != api.NeverExpires {
		res.Expires = f.Expires
	}
	res.Param = rawOrString(f.Param)
	res.Result = rawOrString(f.Result)
	return res
}

// rawOrString renders stored bytes as JSON, quoting them as a string when a
// non-JSON serializer produced them
func rawOrString(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	if gjson.ValidBytes(b) {
		return json.RawMessage(b)
	}
	s, _ := json.Marshal(string(b))
	return s
}

func parseTime(s string) (time.Time, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTime, s)
	}
	return t, nil
}
