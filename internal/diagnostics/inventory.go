package diagnostics

import (
	"bytes"
)

// RewriteInventoryPaths substitutes the provisioner's filesystem root
// embedded in the generated inventory with the collector's own artifact
// location. This is a pure textual transform: the inventory's semantics are
// untouched, only its paths are made resolvable from where the evidence is
// inspected.
func RewriteInventoryPaths(inventory []byte, remoteRoot, localRoot string) []byte {
	if remoteRoot == "" || remoteRoot == localRoot {
		out := make([]byte, len(inventory))
		copy(out, inventory)
		return out
	}

	return bytes.ReplaceAll(inventory, []byte(remoteRoot), []byte(localRoot))
}
