package domain

import (
	"fmt"
	"strings"
)

// State-map key builders. Every configuration entity is addressed by a key
// prefixed with its entity kind, matching the scheme the state map store
// relies on for watch-event interpretation (internal/statemap).
func SubsystemKey(nqn string) string { return fmt.Sprintf("sub/%s", nqn) }

func NamespaceKey(nqn string, nsid int) string { return fmt.Sprintf("ns/%s/%d", nqn, nsid) }

func ListenerKey(nqn, gatewayName string, af AddressFamily, addr, port string) string {
	return fmt.Sprintf("lst/%s/%s/%s/%s/%s", nqn, gatewayName, af, addr, port)
}

func HostKey(nqn, hostNQN string) string { return fmt.Sprintf("hst/%s/%s", nqn, hostNQN) }

func KeyKeyOf(nqn, hostNQN string, kind KeyKind) string {
	return fmt.Sprintf("key/%s/%s/%s", nqn, hostNQN, kind)
}

func GatewayKey(name string) string { return fmt.Sprintf("gw/%s", name) }

func ANAKey(group int) string { return fmt.Sprintf("ana/%d", group) }

// NamespacePrefix and friends let reconciliation code find all records of a
// kind belonging to one subsystem via a sorted-map prefix scan.
func NamespacePrefix(nqn string) string { return fmt.Sprintf("ns/%s/", nqn) }
func ListenerPrefix(nqn string) string  { return fmt.Sprintf("lst/%s/", nqn) }
func HostPrefix(nqn string) string      { return fmt.Sprintf("hst/%s/", nqn) }
func KeyPrefix(nqn string) string       { return fmt.Sprintf("key/%s/", nqn) }

// The Parse* helpers below recover an entity's identity from its key alone,
// for reconciliation code reacting to a deletion (where no record value
// survives to decode). NQNs never contain '/', so splitting on it is safe.

func ParseSubsystemKey(key string) (nqn string, ok bool) {
	nqn, ok = strings.CutPrefix(key, "sub/")
	return
}

func ParseNamespaceKey(key string) (nqn string, nsid int, ok bool) {
	rest, ok := strings.CutPrefix(key, "ns/")
	if !ok {
		return "", 0, false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 {
		return "", 0, false
	}
	var n int
	if _, err := fmt.Sscanf(parts[1], "%d", &n); err != nil {
		return "", 0, false
	}
	return parts[0], n, true
}

func ParseListenerKey(key string) (nqn, gatewayName string, ok bool) {
	rest, ok := strings.CutPrefix(key, "lst/")
	if !ok {
		return "", "", false
	}
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	gwParts := strings.SplitN(parts[1], "/", 2)
	if len(gwParts) < 1 {
		return "", "", false
	}
	return parts[0], gwParts[0], true
}

func ParseHostKey(key string) (nqn, hostNQN string, ok bool) {
	rest, ok := strings.CutPrefix(key, "hst/")
	if !ok {
		return "", "", false
	}
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func ParseKeyKey(key string) (nqn, hostNQN string, kind KeyKind, ok bool) {
	rest, ok := strings.CutPrefix(key, "key/")
	if !ok {
		return "", "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 {
		return "", "", "", false
	}
	return parts[0], parts[1], KeyKind(parts[2]), true
}
