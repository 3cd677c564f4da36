package bedrock

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	maxToolNameLen = 64
	toolNameHash   = 8
)

// SanitizeToolName maps a tool name to the character set Bedrock accepts,
// [a-zA-Z0-9_-]{1,64}. Dots become underscores, other disallowed runes
// become '_', and names longer than 64 bytes are truncated with a stable
// hash suffix so distinct inputs stay distinct. The mapping is
// deterministic; the adapter keeps a reverse map per request to translate
// tool_use names back.
func SanitizeToolName(in string) string {
	if in == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if len(out) <= maxToolNameLen {
		return out
	}
	sum := sha256.Sum256([]byte(in))
	return out[:maxToolNameLen-1-toolNameHash] + "_" + hex.EncodeToString(sum[:])[:toolNameHash]
}
