package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"xray-control/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type NodeService struct {
	db *gorm.DB
}

func NewNodeService(db *gorm.DB) *NodeService {
	return &NodeService{db: db}
}

// UpsertNode creates the node or updates its connection settings by name.
func (s *NodeService) UpsertNode(ctx context.Context, node *model.Node) error {
	if node.Name == "" {
		return errors.New("node name is required")
	}
	if node.Address == "" {
		return errors.New("node address is required")
	}
	if node.Status == "" {
		node.Status = model.NodeStatusConnecting
	}

	return s.db.WithContext(ctx).Clauses(
		clauseOnConflictUpdate(),
	).Create(node).Error
}

func (s *NodeService) GetNode(ctx context.Context, nodeID uint) (*model.Node, error) {
	var node model.Node
	if err := s.db.WithContext(ctx).Where("id = ?", nodeID).First(&node).Error; err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *NodeService) GetAllNodes(ctx context.Context) ([]*model.Node, error) {
	var nodes []*model.Node
	if err := s.db.WithContext(ctx).Order("id").Find(&nodes).Error; err != nil {
		return nil, err
	}
	return nodes, nil
}

func (s *NodeService) DeleteNode(ctx context.Context, nodeID uint) error {
	return s.db.WithContext(ctx).Delete(&model.Node{}, nodeID).Error
}

// UpdateNodeStatus stores status, message and version. It returns the status
// before the update and whether anything changed.
func (s *NodeService) UpdateNodeStatus(ctx context.Context, nodeID uint, status model.NodeStatus, message, version string) (*model.Node, model.NodeStatus, bool, error) {
	var (
		node    model.Node
		prev    model.NodeStatus
		changed bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", nodeID).First(&node).Error; err != nil {
			return err
		}
		prev = node.Status
		updates := map[string]interface{}{}
		if node.Status != status {
			now := time.Now()
			updates["status"] = status
			updates["last_status_change"] = &now
			node.Status = status
			node.LastStatusChange = &now
		}
		if node.Message != message {
			updates["message"] = message
			node.Message = message
		}
		if version != "" && node.XrayVersion != version {
			updates["xray_version"] = version
			node.XrayVersion = version
		}
		if len(updates) == 0 {
			return nil
		}
		changed = true
		return tx.Model(&model.Node{}).Where("id = ?", nodeID).Updates(updates).Error
	})
	if err != nil {
		return nil, "", false, err
	}
	return &node, prev, changed, nil
}

func (s *NodeService) SetNodeCertificate(ctx context.Context, nodeID uint, certPEM string) error {
	return s.db.WithContext(ctx).Model(&model.Node{}).Where("id = ?", nodeID).
		Update("certificate", certPEM).Error
}

type DashboardMetrics struct {
	TotalNodes      int64     `json:"total_nodes"`
	ConnectedNodes  int64     `json:"connected_nodes"`
	ConnectingNodes int64     `json:"connecting_nodes"`
	ErrorNodes      int64     `json:"error_nodes"`
	LimitedNodes    int64     `json:"limited_nodes"`
	OnlineUsers     int64     `json:"online_users"`
	Traffic24hGB    float64   `json:"traffic_24h_gb"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (s *NodeService) GetDashboardMetrics(ctx context.Context) (*DashboardMetrics, error) {
	metrics := &DashboardMetrics{UpdatedAt: time.Now()}

	if err := s.db.WithContext(ctx).Model(&model.Node{}).Count(&metrics.TotalNodes).Error; err != nil {
		return nil, err
	}

	for status, dst := range map[model.NodeStatus]*int64{
		model.NodeStatusConnected:  &metrics.ConnectedNodes,
		model.NodeStatusConnecting: &metrics.ConnectingNodes,
		model.NodeStatusError:      &metrics.ErrorNodes,
		model.NodeStatusLimited:    &metrics.LimitedNodes,
	} {
		if err := s.db.WithContext(ctx).
			Model(&model.Node{}).
			Where("status = ?", status).
			Count(dst).Error; err != nil {
			return nil, err
		}
	}

	threshold := time.Now().Add(-10 * time.Minute)
	if err := s.db.WithContext(ctx).
		Model(&model.User{}).
		Where("online_at IS NOT NULL AND online_at > ?", threshold).
		Count(&metrics.OnlineUsers).Error; err != nil {
		return nil, err
	}

	var trafficBytes sql.NullFloat64
	if err := s.db.WithContext(ctx).
		Model(&model.NodeUsage{}).
		Select("COALESCE(SUM(uplink + downlink), 0)").
		Where("created_at > ?", time.Now().UTC().Add(-24*time.Hour)).
		Scan(&trafficBytes).Error; err != nil {
		return nil, err
	}
	if trafficBytes.Valid {
		metrics.Traffic24hGB = trafficBytes.Float64 / (1024 * 1024 * 1024)
	}

	return metrics, nil
}

// clauseOnConflictUpdate builds a reusable on conflict clause.
func clauseOnConflictUpdate() clause.OnConflict {
	return clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"address", "port", "api_port", "usage_coefficient", "data_limit"}),
	}
}
