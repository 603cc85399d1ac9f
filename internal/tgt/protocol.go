package tgt

import "encoding/json"

// request and response are the line-delimited JSON-RPC envelopes spoken to
// the target engine over its local socket. One request is outstanding at a
// time; requestID increases monotonically for the life of a connection.
type request struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type response struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

// rpcError carries the engine's own error code alongside a message, so
// callers can preserve the engine-specific detail required by §7 while
// still mapping onto a canonical gwerr.Kind.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Subsystem mirrors the engine's representation of a configured subsystem,
// as returned by get_subsystems and used by the reconciler's startup diff.
type Subsystem struct {
	NQN           string     `json:"nqn"`
	Serial        string     `json:"serial"`
	MaxNamespaces int        `json:"max_namespaces"`
	AllowAnyHost  bool       `json:"allow_any_host"`
	Namespaces    []EngineNS `json:"namespaces"`
	Listeners     []EngineLS `json:"listeners"`
	Hosts         []string   `json:"hosts"`
}

type EngineNS struct {
	NSID      int    `json:"nsid"`
	UUID      string `json:"uuid"`
	ImagePool string `json:"pool"`
	ImageName string `json:"image"`
	LBGroup   int    `json:"lb_group"`
}

type EngineLS struct {
	GatewayName string `json:"gateway_name"`
	Transport   string `json:"transport"`
	AddrFam     string `json:"adrfam"`
	TrAddr      string `json:"traddr"`
	TrSvcID     string `json:"trsvcid"`
	Secure      bool   `json:"secure"`
}

// Connection mirrors one TGT-reported controller, consumed by connection_list.
type Connection struct {
	HostNQN      string `json:"host_nqn"`
	ControllerID int    `json:"controller_id"`
	QPairCount   int    `json:"qpair_count"`
	Secure       bool   `json:"secure"`
	UsePSK       bool   `json:"use_psk"`
	UseDHCHAP    bool   `json:"use_dhchap"`
}
