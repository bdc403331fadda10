package functiontool

import (
	"encoding/json"
	"fmt"
)

// mapToStruct converts loosely typed arguments into the handler's
// struct via a JSON round-trip, which handles numeric coercion the
// same way the wire format does.
func mapToStruct(m map[string]interface{}, target interface{}) error {
	if m == nil {
		return nil
	}

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal args: %w", err)
	}

	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to unmarshal args: %w", err)
	}

	return nil
}
