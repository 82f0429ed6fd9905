package master

import (
	"time"

	"xray-control/internal/model"
	"xray-control/internal/node"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body, or of
// the request path for bodiless requests.
const SignatureHeader = "X-Signature"

type NodePayload struct {
	Name             string  `json:"name" binding:"required"`
	Address          string  `json:"address" binding:"required"`
	Port             int     `json:"port"`
	APIPort          int     `json:"api_port"`
	UsageCoefficient float64 `json:"usage_coefficient"`
	DataLimit        int64   `json:"data_limit"`
}

func (p *NodePayload) model() *model.Node {
	n := &model.Node{
		Name:             p.Name,
		Address:          p.Address,
		Port:             p.Port,
		APIPort:          p.APIPort,
		UsageCoefficient: p.UsageCoefficient,
		DataLimit:        p.DataLimit,
	}
	if n.Port == 0 {
		n.Port = 62050
	}
	if n.APIPort == 0 {
		n.APIPort = 62051
	}
	if n.UsageCoefficient <= 0 {
		n.UsageCoefficient = 1
	}
	return n
}

type CoreUpdatePayload struct {
	Version string `json:"version" binding:"required"`
}

type GeoUpdatePayload struct {
	Files []struct {
		Name string `json:"name" binding:"required"`
		URL  string `json:"url" binding:"required,url"`
	} `json:"files" binding:"required,min=1,dive"`
}

type NodeResponse struct {
	ID               uint             `json:"id"`
	Name             string           `json:"name"`
	Address          string           `json:"address"`
	Port             int              `json:"port"`
	APIPort          int              `json:"api_port"`
	Status           model.NodeStatus `json:"status"`
	Message          string           `json:"message,omitempty"`
	XrayVersion      string           `json:"xray_version,omitempty"`
	UsageCoefficient float64          `json:"usage_coefficient"`
	DataLimit        int64            `json:"data_limit"`
	Uplink           int64            `json:"uplink"`
	Downlink         int64            `json:"downlink"`
	LastStatusChange *time.Time       `json:"last_status_change,omitempty"`
	Session          *SessionResponse `json:"session,omitempty"`
}

type SessionResponse struct {
	ID      string `json:"id"`
	Started bool   `json:"started"`
	Limited bool   `json:"limited"`
}

func nodeResponse(n *model.Node, info node.SessionInfo, ok bool) NodeResponse {
	resp := NodeResponse{
		ID:               n.ID,
		Name:             n.Name,
		Address:          n.Address,
		Port:             n.Port,
		APIPort:          n.APIPort,
		Status:           n.Status,
		Message:          n.Message,
		XrayVersion:      n.XrayVersion,
		UsageCoefficient: n.UsageCoefficient,
		DataLimit:        n.DataLimit,
		Uplink:           n.Uplink,
		Downlink:         n.Downlink,
		LastStatusChange: n.LastStatusChange,
	}
	if ok {
		resp.Session = &SessionResponse{ID: info.SessionID, Started: info.Started, Limited: info.Limited}
	}
	return resp
}
