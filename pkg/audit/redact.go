package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// clearMetadata lists the keys kept readable in redacted rows. They carry
// routing context, never caller payload.
var clearMetadata = map[string]struct{}{
	"shell_id": {},
	"model":    {},
	"tier":     {},
	"source":   {},
	"groups":   {},
}

// redactMetadata returns a copy of meta in which every value outside
// clearMetadata is replaced by "<key>_hash": its salted digest.
func redactMetadata(meta map[string]any, salt []byte) map[string]any {
	if meta == nil {
		return nil
	}
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		if _, clear := clearMetadata[k]; clear {
			out[k] = v
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			out[k+"_hash"] = ""
			continue
		}
		out[k+"_hash"] = saltedDigest(salt, raw)
	}
	return out
}

func saltedDigest(salt, data []byte) string {
	sum := sha256.Sum256(append(append(make([]byte, 0, len(salt)+len(data)), salt...), data...))
	return hex.EncodeToString(sum[:])
}
