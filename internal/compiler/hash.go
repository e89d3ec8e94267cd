package compiler

import (
	"encoding/json"
	"fmt"

	"github.com/zeebo/blake3"
)

// hashPlan computes the blake3 content hash of a plan. The Hash field itself
// is excluded; everything else participates, so any change to topology, port
// tables, params, or retry policy yields a new plan version. json.Marshal
// sorts map keys, which keeps the encoding canonical for the params blocks.
func hashPlan(p *Plan) (string, error) {
	shadow := *p
	shadow.Hash = ""
	b, err := json.Marshal(&shadow)
	if err != nil {
		return "", fmt.Errorf("hash plan: %w", err)
	}
	sum := blake3.Sum256(b)
	return fmt.Sprintf("%x", sum), nil
}
