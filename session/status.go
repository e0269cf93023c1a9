package session

import (
	"lansession/discovery"
	"lansession/network"
)

// Role is the exclusive session role a manager holds.
type Role string

const (
	RoleIdle    Role = "idle"
	RoleHosting Role = "hosting"
	RoleRemote  Role = "remote"
)

// ConnectionStatus describes one live connection.
type ConnectionStatus struct {
	ID          string `json:"id"`
	State       string `json:"state"`
	RemoteAddr  string `json:"remote_addr,omitempty"`
	SendingData bool   `json:"sending_data"`
	LastError   string `json:"last_error,omitempty"`
}

// PeerStatus describes one discovered peer.
type PeerStatus struct {
	Endpoint  string   `json:"endpoint"`
	Instance  string   `json:"instance"`
	HostName  string   `json:"host_name,omitempty"`
	Port      int      `json:"port"`
	Addresses []string `json:"addresses,omitempty"`
}

// Status is a point-in-time view of a manager.
type Status struct {
	Role        Role               `json:"role"`
	HostName    string             `json:"host_name,omitempty"`
	Running     bool               `json:"running"`
	Remote      *RemoteStatus      `json:"remote,omitempty"`
	Connections []ConnectionStatus `json:"connections"`
	Discovered  []PeerStatus       `json:"discovered"`
}

// RemoteStatus describes the active remote session.
type RemoteStatus struct {
	Target        string `json:"target"`
	Sequence      string `json:"sequence"`
	IsSendingData bool   `json:"is_sending_data"`
	Error         string `json:"error,omitempty"`
}

func connectionStatus(h *network.Handle) ConnectionStatus {
	return ConnectionStatus{
		ID:          h.ID().String(),
		State:       string(h.State()),
		RemoteAddr:  addrString(h.Conn().RemoteAddr()),
		SendingData: h.IsSendingData(),
		LastError:   errorText(h.LastError()),
	}
}

func peerStatus(peer discovery.PeerDescriptor) PeerStatus {
	return PeerStatus{
		Endpoint:  peer.Endpoint.String(),
		Instance:  peer.Endpoint.Instance,
		HostName:  peer.HostName,
		Port:      peer.Port,
		Addresses: append([]string(nil), peer.Addresses...),
	}
}
