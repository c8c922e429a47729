// ABOUTME: Tool discovery over the device RPC channel and schema conversion.
// ABOUTME: Maps tools/list entries onto model-callable function descriptors.

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tetherhq/tether-gateway/internal/rpc"
)

// ErrNoToolList is returned when the device does not answer tools/list.
// Unlike ordinary call timeouts this is fatal to the operation: an agent run
// cannot proceed without a catalog.
var ErrNoToolList = errors.New("device did not return a tool list")

// Definition is one tool as reported by the device.
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// FunctionSpec is the inner function descriptor of the model calling
// convention.
type FunctionSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// FunctionDef is one tool in the model calling convention.
type FunctionDef struct {
	Type     string       `json:"type"`
	Function FunctionSpec `json:"function"`
}

// Caller issues a request on a device connection and awaits its response.
// Satisfied by *device.Conn.
type Caller interface {
	Call(ctx context.Context, method string, params any, timeout time.Duration) (*rpc.Message, error)
}

// Convert maps a device tool definition onto the model calling convention.
func Convert(def Definition) FunctionDef {
	return FunctionDef{
		Type: "function",
		Function: FunctionSpec{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.InputSchema,
		},
	}
}

// Load issues tools/list on the connection and converts the result.
// An absent result (timeout) is raised as ErrNoToolList, not swallowed.
func Load(ctx context.Context, caller Caller, timeout time.Duration) ([]FunctionDef, error) {
	resp, err := caller.Call(ctx, "tools/list", nil, timeout)
	if err != nil {
		return nil, fmt.Errorf("requesting tool list: %w", err)
	}
	if resp == nil {
		return nil, ErrNoToolList
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("tool list rejected: %w", resp.Error)
	}

	var listed struct {
		Tools []Definition `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &listed); err != nil {
		return nil, fmt.Errorf("parsing tool list: %w", err)
	}

	defs := make([]FunctionDef, 0, len(listed.Tools))
	for _, tool := range listed.Tools {
		defs = append(defs, Convert(tool))
	}
	return defs, nil
}
