package transport

import (
	"encoding/json"
	"fmt"

	socket "github.com/zishang520/socket.io/servers/socket/v3"

	"github.com/mecanywhere/offloadd/pkg/api"
	"github.com/mecanywhere/offloadd/pkg/common/types"
)

// offloadRequest is the body of an offload event.
type offloadRequest struct {
	ID           string          `json:"id"`
	ContainerRef string          `json:"containerRef"`
	Content      json.RawMessage `json:"content"`
	GPU          bool            `json:"gpu"`
}

func decodeAny(input any, out any) error {
	raw, err := json.Marshal(input)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// decodeJob accepts the job either as a JSON string or as an object.
func decodeJob(raw any) (types.Job, error) {
	var req offloadRequest
	var err error
	switch v := raw.(type) {
	case nil:
		return types.Job{}, api.NewInvalidArgumentError("missing job")
	case string:
		err = json.Unmarshal([]byte(v), &req)
	case []byte:
		err = json.Unmarshal(v, &req)
	default:
		err = decodeAny(v, &req)
	}
	if err != nil {
		return types.Job{}, api.NewInvalidArgumentError(fmt.Sprintf("malformed job: %v", err))
	}
	if req.ContainerRef == "" {
		return types.Job{}, api.NewInvalidArgumentError("containerRef is required")
	}

	job := types.Job{
		ID:              req.ID,
		ContainerRef:    req.ContainerRef,
		Payload:         req.Content,
		RequiredVariant: types.VariantStandard,
	}
	if req.GPU {
		job.RequiredVariant = types.VariantGPU
	}
	return job, nil
}

// firstWithAck splits an event's arguments into the first payload and the
// trailing acknowledgment callback, if any.
func firstWithAck(data []any) (any, func(...any)) {
	var ack func(...any)
	if len(data) == 0 {
		return nil, nil
	}
	if cb, ok := data[len(data)-1].(func(...any)); ok {
		ack = cb
		data = data[:len(data)-1]
	} else if cb, ok := data[len(data)-1].(socket.Ack); ok {
		ack = func(args ...any) {
			cb(args, nil)
		}
		data = data[:len(data)-1]
	}
	if len(data) == 0 {
		return nil, ack
	}
	return data[0], ack
}
