package job

import (
	"context"
	"time"
)

type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// NodeHealthJob probes every node and repairs broken sessions.
type NodeHealthJob struct {
	nodes   HealthChecker
	timeout time.Duration
}

func NewNodeHealthJob(nodes HealthChecker, timeout time.Duration) *NodeHealthJob {
	return &NodeHealthJob{nodes: nodes, timeout: timeout}
}

func (j *NodeHealthJob) Run() {
	run("NodeHealthJob", j.timeout, j.nodes.HealthCheck)
}
