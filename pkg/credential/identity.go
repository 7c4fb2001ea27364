package credential

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// KeyPrefix prefixes every cache key derived from an Identity.
const KeyPrefix = "sts-credentials-"

// Identity is the set of configuration parameters that determine a federated
// credential's scope. Two configurations with the same Identity share a cache slot.
type Identity struct {
	DurationSeconds int64  `json:"duration_seconds"`
	EndpointURL     string `json:"endpoint_url"`
	FederationURL   string `json:"federation_url,omitempty"`
	RoleARN         string `json:"role_arn,omitempty"`
	RoleSessionName string `json:"role_session_name,omitempty"`
}

// Key returns the stable fingerprint of the identity.
func (i Identity) Key() string {
	b, err := json.Marshal(i)
	if err != nil {
		// Struct of strings and ints; Marshal cannot fail.
		panic(fmt.Sprintf("marshal credential identity: %v", err))
	}
	sum := sha256.Sum256(b)
	return KeyPrefix + hex.EncodeToString(sum[:16])
}
