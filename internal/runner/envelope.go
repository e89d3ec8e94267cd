package runner

import (
	"encoding/json"
	"strings"

	"github.com/shipsec/shipsec/internal/fault"
)

const (
	resultStart = "---RESULT_START---"
	resultEnd   = "---RESULT_END---"
)

// parseEnvelope extracts the delimited JSON result from a container's stdout.
// Everything outside the delimiters is tool chatter and ignored. When the
// component does not use the envelope, the whole trimmed stdout becomes the
// value of the "output" port.
func parseEnvelope(stdout string, useEnvelope bool) (map[string]any, error) {
	if !useEnvelope {
		return map[string]any{"output": strings.TrimSpace(stdout)}, nil
	}
	start := strings.Index(stdout, resultStart)
	if start < 0 {
		return nil, fault.New(fault.KindContainer, "stdout has no result envelope")
	}
	rest := stdout[start+len(resultStart):]
	end := strings.Index(rest, resultEnd)
	if end < 0 {
		return nil, fault.New(fault.KindContainer, "result envelope not terminated")
	}
	body := strings.TrimSpace(rest[:end])
	var out map[string]any
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return nil, fault.New(fault.KindContainer, "result envelope is not a JSON object: %v", err)
	}
	return out, nil
}

// encodeInputs renders the invocation inputs and params as the JSON payload
// delivered to the container at /workspace/input.json and via SHIPSEC_INPUT.
func encodeInputs(inv *Invocation) ([]byte, error) {
	payload := map[string]any{
		"runId":  inv.RunID,
		"nodeId": inv.NodeID,
		"inputs": inv.Inputs,
		"params": inv.Params,
	}
	return json.Marshal(payload)
}
