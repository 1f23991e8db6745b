package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/nulpointcorp/ollama-bridge/internal/upstream"
)

// Key derives the cache key for one translated request. Two inbound
// requests that normalize and translate to the same outbound body share a
// key regardless of which inbound shape they arrived in, so the hash is
// taken over the canonical outbound request plus the reply shape.
func Key(shape string, req *upstream.Request) string {
	h := sha256.New()
	h.Write([]byte(shape))
	h.Write([]byte{0})
	if body, err := json.Marshal(req); err == nil {
		h.Write(body)
	}
	return "bridge:resp:" + hex.EncodeToString(h.Sum(nil))
}
