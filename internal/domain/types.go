// Package domain defines the entities that make up the gateway's configuration:
// gateways, subsystems, namespaces, listeners, hosts, keys, and ANA group
// assignments. These are plain structs translated at the gRPC edge and stored,
// as JSON payloads, inside state-map records — they never appear as
// generated protobuf types outside api/gatewaypb.
package domain

import "time"

// AddressFamily is the listener transport address family.
type AddressFamily string

const (
	AddressFamilyIPv4 AddressFamily = "ipv4"
	AddressFamilyIPv6 AddressFamily = "ipv6"
)

// KeyKind distinguishes the three kinds of key material a Host may carry.
type KeyKind string

const (
	KeyKindPSK          KeyKind = "psk"
	KeyKindDHCHAP       KeyKind = "dhchap"
	KeyKindDHCHAPCtrlr  KeyKind = "dhchap-ctrlr"
)

// Gateway is this or a peer gateway's identity and listening ports.
type Gateway struct {
	Name        string    `json:"name"`
	Group       string    `json:"group"`
	NodeAddr    string    `json:"node_addr"`
	GRPCPort    int       `json:"grpc_port"`
	IOPort      int       `json:"io_port"`
	DiscoPort   int       `json:"discovery_port"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Subsystem is a logical NVMe target.
type Subsystem struct {
	NQN                    string `json:"nqn"`
	Serial                 string `json:"serial"`
	MaxNamespaces          int    `json:"max_namespaces"`
	AllowAnyHost           bool   `json:"allow_any_host"`
	CreatedWithoutGroupApp bool   `json:"created_without_group_append"`
}

// Namespace is a unit of storage inside a Subsystem.
type Namespace struct {
	SubsystemNQN      string   `json:"subsystem_nqn"`
	NSID              int      `json:"nsid"`
	ImagePool         string   `json:"image_pool"`
	ImageName         string   `json:"image_name"`
	SizeBytes         int64    `json:"size_bytes"`
	BlockSize         int      `json:"block_size"`
	UUID              string   `json:"uuid"`
	LoadBalancingGrp  int      `json:"load_balancing_group"`
	AutoVisible       bool     `json:"auto_visible"`
	HostVisibilitySet []string `json:"host_visibility_set,omitempty"`
}

// Listener is a (transport, address, port) endpoint owned by exactly one
// gateway.
type Listener struct {
	SubsystemNQN   string        `json:"subsystem_nqn"`
	GatewayName    string        `json:"gateway_name"`
	Transport      string        `json:"transport"`
	AddressFamily  AddressFamily `json:"address_family"`
	TrAddr         string        `json:"traddr"`
	TrSvcID        string        `json:"trsvcid"`
	Secure         bool          `json:"secure"`
}

// Host is an ACL entry on a Subsystem: either the wildcard "*" or a specific
// host NQN, optionally bound to key references.
type Host struct {
	SubsystemNQN      string `json:"subsystem_nqn"`
	HostNQN           string `json:"host_nqn"` // "*" for allow-any-host
	PSKKeyRef         string `json:"psk_key_ref,omitempty"`
	DHCHAPKeyRef      string `json:"dhchap_key_ref,omitempty"`
	DHCHAPCtrlrKeyRef string `json:"dhchap_ctrlr_key_ref,omitempty"`
}

// IsWildcard reports whether this host entry represents allow-any-host.
func (h Host) IsWildcard() bool { return h.HostNQN == "*" }

// Key is a single piece of key material. Bytes must never be logged. Name
// is conventionally set to HostNQN: keeping the on-disk file name a pure
// function of (OwnerSubsystemNQN, HostNQN, Kind) lets a Peer Reconciler
// revoke a key it only knows by reference, once the record itself has
// already been deleted from the state map.
type Key struct {
	OwnerSubsystemNQN string  `json:"owner_subsystem_nqn"`
	HostNQN           string  `json:"host_nqn"`
	Name              string  `json:"name"`
	Kind              KeyKind `json:"kind"`
	Bytes             []byte  `json:"bytes"`
}

// ANAAssignment is the set of ANA group ids this gateway currently serves as
// optimized. Open Question (a) is resolved per-gateway-global: the set
// applies uniformly across every subsystem this gateway services.
type ANAAssignment struct {
	GatewayName     string `json:"gateway_name"`
	OptimizedGroups []int  `json:"optimized_groups"`
}

// ConnectionState describes one TGT-reported (or implied, if disconnected)
// controller for a host against a subsystem, as surfaced by connection_list.
type ConnectionState struct {
	SubsystemNQN string `json:"subsystem_nqn"`
	HostNQN      string `json:"host_nqn"`
	Connected    bool   `json:"connected"`
	ControllerID int    `json:"controller_id,omitempty"`
	QPairCount   int    `json:"qpair_count,omitempty"`
	Secure       bool   `json:"secure"`
	UsePSK       bool   `json:"use_psk"`
	UseDHCHAP    bool   `json:"use_dhchap"`
}
