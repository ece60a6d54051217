package intent

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// NormalizeArgs renders an argument map as canonical JSON. Map keys are
// serialized in sorted order, so equal maps always produce equal bytes.
func NormalizeArgs(args map[string]any) (string, error) {
	if args == nil {
		args = map[string]any{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("intent: normalize args: %w", err)
	}
	return string(data), nil
}

// PayloadHash computes the dedupe hash for a proposal: SHA-256 over the
// tool name and the canonical argument snapshot.
func PayloadHash(toolName, argsNormalized string) string {
	h := sha256.New()
	h.Write([]byte(toolName))
	h.Write([]byte{0})
	h.Write([]byte(argsNormalized))
	return hex.EncodeToString(h.Sum(nil))
}
