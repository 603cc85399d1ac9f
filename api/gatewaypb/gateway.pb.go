// Package gatewaypb holds the wire types for the gateway's administrative
// gRPC surface (§6). Nothing in the retrieval pack ships a .proto file or
// generated *.pb.go output, so this package is hand-authored from
// api/proto/gateway.proto in the shape protoc-gen-go would produce: one
// plain struct per message, field names matching the IDL, JSON tags so the
// accompanying codec (see codec.go) can marshal them over the wire without
// requiring the protobuf compiler to have run.
package gatewaypb

type StatusResponse struct {
	Status       int32  `json:"status"`
	ErrorMessage string `json:"error_message,omitempty"`
}

type SubsystemAddRequest struct {
	NQN            string `json:"nqn"`
	Serial         string `json:"serial,omitempty"`
	MaxNamespaces  int32  `json:"max_namespaces,omitempty"`
	NoGroupAppend  bool   `json:"no_group_append,omitempty"`
}

type SubsystemDelRequest struct {
	NQN   string `json:"nqn"`
	Force bool   `json:"force,omitempty"`
}

type SubsystemResponse struct {
	Status        int32  `json:"status"`
	ErrorMessage  string `json:"error_message,omitempty"`
	NQN           string `json:"nqn"`
	Serial        string `json:"serial"`
	MaxNamespaces int32  `json:"max_namespaces"`
	AllowAnyHost  bool   `json:"allow_any_host"`
}

type NamespaceAddRequest struct {
	NQN         string `json:"nqn"`
	NSID        int32  `json:"nsid,omitempty"`
	Pool        string `json:"pool"`
	Image       string `json:"image"`
	SizeBytes   int64  `json:"size_bytes,omitempty"`
	UUID        string `json:"uuid,omitempty"`
	LBGroup     int32  `json:"lb_group,omitempty"`
	AutoVisible bool   `json:"auto_visible,omitempty"`
	BlockSize   int32  `json:"block_size,omitempty"`
}

type NamespaceDelRequest struct {
	NQN  string `json:"nqn"`
	NSID int32  `json:"nsid"`
}

type NamespaceResizeRequest struct {
	NQN         string `json:"nqn"`
	NSID        int32  `json:"nsid"`
	NewSizeBytes int64 `json:"new_size_bytes"`
}

type NamespaceChangeLoadBalancingGroupRequest struct {
	NQN   string `json:"nqn"`
	NSID  int32  `json:"nsid"`
	Group int32  `json:"group"`
}

type NamespaceHostRequest struct {
	NQN     string `json:"nqn"`
	NSID    int32  `json:"nsid"`
	HostNQN string `json:"host_nqn"`
}

type NamespaceResponse struct {
	Status       int32  `json:"status"`
	ErrorMessage string `json:"error_message,omitempty"`
	NQN          string `json:"nqn"`
	NSID         int32  `json:"nsid"`
	Pool         string `json:"pool"`
	Image        string `json:"image"`
	SizeBytes    int64  `json:"size_bytes"`
	UUID         string `json:"uuid"`
	LBGroup      int32  `json:"lb_group"`
	AutoVisible  bool   `json:"auto_visible"`
	BlockSize    int32  `json:"block_size"`
}

type ListenerRequest struct {
	NQN         string `json:"nqn"`
	GatewayName string `json:"gateway_name"`
	Transport   string `json:"transport"`
	AdrFam      string `json:"adrfam"`
	TrAddr      string `json:"traddr"`
	TrSvcID     string `json:"trsvcid"`
	Secure      bool   `json:"secure,omitempty"`
}

type HostAddRequest struct {
	NQN          string `json:"nqn"`
	HostNQN      string `json:"host_nqn"`
	PSK          []byte `json:"psk,omitempty"`
	DHCHAP       []byte `json:"dhchap,omitempty"`
	DHCHAPCtrlr  []byte `json:"dhchap_ctrlr,omitempty"`
}

type HostDelRequest struct {
	NQN     string `json:"nqn"`
	HostNQN string `json:"host_nqn"`
}

type ConnectionListRequest struct {
	NQN string `json:"nqn"`
}

type Connection struct {
	HostNQN      string `json:"host_nqn"`
	ControllerID string `json:"controller_id,omitempty"`
	QPairCount   int32  `json:"qpair_count"`
	Secure       bool   `json:"secure"`
	UsePSK       bool   `json:"use_psk"`
	UseDHCHAP    bool   `json:"use_dhchap"`
	Connected    bool   `json:"connected"`
}

type ConnectionListResponse struct {
	Status       int32        `json:"status"`
	ErrorMessage string       `json:"error_message,omitempty"`
	Connections  []Connection `json:"connections,omitempty"`
}

type GetSubsystemsRequest struct{}

type Namespace struct {
	NSID        int32  `json:"nsid"`
	Pool        string `json:"pool"`
	Image       string `json:"image"`
	SizeBytes   int64  `json:"size_bytes"`
	UUID        string `json:"uuid"`
	LBGroup     int32  `json:"lb_group"`
	AutoVisible bool   `json:"auto_visible"`
}

type Listener struct {
	GatewayName string `json:"gateway_name"`
	Transport   string `json:"transport"`
	AdrFam      string `json:"adrfam"`
	TrAddr      string `json:"traddr"`
	TrSvcID     string `json:"trsvcid"`
	Secure      bool   `json:"secure"`
}

type Host struct {
	HostNQN string `json:"host_nqn"`
}

type Subsystem struct {
	NQN           string      `json:"nqn"`
	Serial        string      `json:"serial"`
	MaxNamespaces int32       `json:"max_namespaces"`
	AllowAnyHost  bool        `json:"allow_any_host"`
	Namespaces    []Namespace `json:"namespaces,omitempty"`
	Listeners     []Listener  `json:"listeners,omitempty"`
	Hosts         []Host      `json:"hosts,omitempty"`
}

type SubsystemListResponse struct {
	Status       int32       `json:"status"`
	ErrorMessage string      `json:"error_message,omitempty"`
	Subsystems   []Subsystem `json:"subsystems,omitempty"`
}

type LogLevelRequest struct {
	Level string `json:"level"`
}

type GatewayHealthRequest struct{}

type GatewayHealthResponse struct {
	Healthy   bool   `json:"healthy"`
	LastError string `json:"last_error,omitempty"`
	UpdatedAt string `json:"updated_at"`
}
