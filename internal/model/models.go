package model

import "time"

type NodeStatus string

const (
	NodeStatusDisabled   NodeStatus = "disabled"
	NodeStatusConnecting NodeStatus = "connecting"
	NodeStatusConnected  NodeStatus = "connected"
	NodeStatusError      NodeStatus = "error"
	NodeStatusLimited    NodeStatus = "limited"
)

type Node struct {
	ID               uint       `gorm:"primaryKey"`
	Name             string     `gorm:"size:255;not null;uniqueIndex"`
	Address          string     `gorm:"size:255;not null"`
	Port             int        `gorm:"not null;default:62050"`
	APIPort          int        `gorm:"not null;default:62051"`
	Certificate      string     `gorm:"type:text"`
	UsageCoefficient float64    `gorm:"not null;default:1"`
	DataLimit        int64      `gorm:"not null;default:0"`
	Uplink           int64      `gorm:"not null;default:0"`
	Downlink         int64      `gorm:"not null;default:0"`
	Status           NodeStatus `gorm:"type:varchar(20);default:'connecting'"`
	Message          string     `gorm:"type:text"`
	XrayVersion      string     `gorm:"size:50"`
	LastStatusChange *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (Node) TableName() string {
	return "nodes"
}

// Usage is the cumulative traffic counted against the node's data limit.
func (n *Node) Usage() int64 {
	return n.Uplink + n.Downlink
}

type UserStatus string

const (
	UserStatusActive   UserStatus = "active"
	UserStatusDisabled UserStatus = "disabled"
	UserStatusLimited  UserStatus = "limited"
	UserStatusExpired  UserStatus = "expired"
	UserStatusOnHold   UserStatus = "on_hold"
)

// ProxySettings holds per-protocol credentials of a user.
type ProxySettings struct {
	VMess       *VMessSettings       `json:"vmess,omitempty"`
	VLESS       *VLESSSettings       `json:"vless,omitempty"`
	Trojan      *TrojanSettings      `json:"trojan,omitempty"`
	Shadowsocks *ShadowsocksSettings `json:"shadowsocks,omitempty"`
}

type VMessSettings struct {
	ID string `json:"id"`
}

type VLESSSettings struct {
	ID   string `json:"id"`
	Flow string `json:"flow,omitempty"`
}

type TrojanSettings struct {
	Password string `json:"password"`
}

type ShadowsocksSettings struct {
	Password string `json:"password"`
	Method   string `json:"method,omitempty"`
}

type User struct {
	ID                   uint          `gorm:"primaryKey"`
	Username             string        `gorm:"size:64;not null;uniqueIndex"`
	Status               UserStatus    `gorm:"type:varchar(20);not null;default:'active';index"`
	Proxies              ProxySettings `gorm:"serializer:json;type:text"`
	ExcludedInbounds     []string      `gorm:"serializer:json;type:text"`
	UsedTraffic          int64         `gorm:"not null;default:0"`
	LifetimeUsedTraffic  int64         `gorm:"not null;default:0"`
	DataLimit            int64         `gorm:"not null;default:0"`
	Expire               *time.Time
	OnHoldExpireDuration int64 `gorm:"not null;default:0"`
	OnHoldTimeout        *time.Time
	OnlineAt             *time.Time
	AdminID              *uint `gorm:"index"`
	ServiceID            *uint `gorm:"index"`
	EditAt               *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time

	NextPlan *NextPlan `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE"`
}

func (User) TableName() string {
	return "users"
}

func (u *User) Live() bool {
	return u.Status == UserStatusActive || u.Status == UserStatusOnHold
}

type NextPlanTrigger string

const (
	TriggerOnData   NextPlanTrigger = "data"
	TriggerOnExpire NextPlanTrigger = "expire"
	TriggerOnEither NextPlanTrigger = "either"
)

type NextPlan struct {
	ID                  uint            `gorm:"primaryKey"`
	UserID              uint            `gorm:"uniqueIndex;not null"`
	DataLimit           int64           `gorm:"not null;default:0"`
	ExpireSeconds       int64           `gorm:"not null;default:0"`
	AddRemainingTraffic bool            `gorm:"not null;default:false"`
	TriggerOn           NextPlanTrigger `gorm:"type:varchar(10);not null;default:'either'"`
	RequireConnected    bool            `gorm:"not null;default:false"`
}

func (NextPlan) TableName() string {
	return "next_plans"
}

type Admin struct {
	ID            uint   `gorm:"primaryKey"`
	Username      string `gorm:"size:64;not null;uniqueIndex"`
	UsersUsage    int64  `gorm:"not null;default:0"`
	LifetimeUsage int64  `gorm:"not null;default:0"`
	DataLimit     int64  `gorm:"not null;default:0"`
	UsersLimit    int64  `gorm:"not null;default:0"`
	LimitReached  bool   `gorm:"not null;default:false"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (Admin) TableName() string {
	return "admins"
}

type Service struct {
	ID                  uint     `gorm:"primaryKey"`
	Name                string   `gorm:"size:64;not null;uniqueIndex"`
	InboundTags         []string `gorm:"serializer:json;type:text"`
	UsedTraffic         int64    `gorm:"not null;default:0"`
	LifetimeUsedTraffic int64    `gorm:"not null;default:0"`
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

func (Service) TableName() string {
	return "services"
}

type AdminService struct {
	AdminID     uint  `gorm:"primaryKey"`
	ServiceID   uint  `gorm:"primaryKey"`
	UsedTraffic int64 `gorm:"not null;default:0"`
}

func (AdminService) TableName() string {
	return "admins_services"
}

// CoreConfig is a stored Xray document. The highest version is current.
type CoreConfig struct {
	ID        uint   `gorm:"primaryKey"`
	Version   int    `gorm:"uniqueIndex;not null"`
	Data      []byte `gorm:"type:text;not null"`
	CreatedAt time.Time
}

func (CoreConfig) TableName() string {
	return "core_configs"
}

// NodeUserUsage is an hour bucket of a user's traffic on one node. NodeID 0 is the master.
type NodeUserUsage struct {
	ID          uint      `gorm:"primaryKey"`
	CreatedAt   time.Time `gorm:"uniqueIndex:idx_user_node_bucket;not null"`
	UserID      uint      `gorm:"uniqueIndex:idx_user_node_bucket;not null"`
	NodeID      uint      `gorm:"uniqueIndex:idx_user_node_bucket;not null"`
	UsedTraffic int64     `gorm:"not null;default:0"`
}

func (NodeUserUsage) TableName() string {
	return "node_user_usages"
}

// NodeUsage is an hour bucket of a node's outbound traffic. NodeID 0 is the master.
type NodeUsage struct {
	ID        uint      `gorm:"primaryKey"`
	CreatedAt time.Time `gorm:"uniqueIndex:idx_node_bucket;not null"`
	NodeID    uint      `gorm:"uniqueIndex:idx_node_bucket;not null"`
	Uplink    int64     `gorm:"not null;default:0"`
	Downlink  int64     `gorm:"not null;default:0"`
}

func (NodeUsage) TableName() string {
	return "node_usages"
}

// System holds master-wide running totals in a single row with ID 1.
type System struct {
	ID       uint  `gorm:"primaryKey"`
	Uplink   int64 `gorm:"not null;default:0"`
	Downlink int64 `gorm:"not null;default:0"`
}

func (System) TableName() string {
	return "system"
}

// UsageCommit marks a usage batch category as applied.
type UsageCommit struct {
	BatchID   string `gorm:"primaryKey;size:64"`
	Category  string `gorm:"primaryKey;size:32"`
	CreatedAt time.Time
}

func (UsageCommit) TableName() string {
	return "usage_commits"
}

// TLS stores the master's client certificate presented to nodes.
type TLS struct {
	ID          uint   `gorm:"primaryKey"`
	Certificate string `gorm:"type:text;not null"`
	Key         string `gorm:"type:text;not null"`
	CreatedAt   time.Time
}

func (TLS) TableName() string {
	return "tls"
}
