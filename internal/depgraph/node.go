// Package depgraph implements the dependency graph component: a typed
// directed graph over services/resources, with cycle detection and
// Graphviz export. Nodes and edges are held in memory under a single
// mutex; the graph is small enough (thousands, not millions, of nodes)
// that per-query locking granularity buys nothing the teacher's simpler
// patterns don't already cover.
package depgraph

import (
	"time"

	sserr "github.com/stricklysoft/agentcoord/pkg/errors"
)

// NodeID identifies a dependency node (a service, database, queue, or
// other addressable resource participating in the graph).
type NodeID string

// ImpactWeights are the declared weights used to derive a node's base
// impact score in the impact analyzer (§4.4); they default to values
// summing to 1.0.
type ImpactWeights struct {
	Business   float64
	Revenue    float64
	UX         float64
	OpsCost    float64
	Security   float64
	Compliance float64
}

// DefaultImpactWeights returns equal-weighted defaults summing to 1.0.
func DefaultImpactWeights() ImpactWeights {
	return ImpactWeights{
		Business:   1.0 / 6,
		Revenue:    1.0 / 6,
		UX:         1.0 / 6,
		OpsCost:    1.0 / 6,
		Security:   1.0 / 6,
		Compliance: 1.0 / 6,
	}
}

// Sum returns the sum of all weight components.
func (w ImpactWeights) Sum() float64 {
	return w.Business + w.Revenue + w.UX + w.OpsCost + w.Security + w.Compliance
}

// HealthCheckSpec optionally describes how the health monitor should
// probe this node's target.
type HealthCheckSpec struct {
	Interval time.Duration
	Timeout  time.Duration
}

// NodeConfig is the caller-supplied definition of a dependency node.
type NodeConfig struct {
	ID            NodeID
	Kind          string
	Target        string
	SupportedOps  []string
	HealthCheck   *HealthCheckSpec
	ImpactWeights ImpactWeights
	Metadata      map[string]string
}

// Node is the graph's stored record for a dependency, including its last
// known health.
type Node struct {
	Config    NodeConfig
	Health    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy of the node.
func (n Node) Clone() Node {
	clone := n
	if n.Config.SupportedOps != nil {
		clone.Config.SupportedOps = append([]string(nil), n.Config.SupportedOps...)
	}
	if n.Config.Metadata != nil {
		clone.Config.Metadata = make(map[string]string, len(n.Config.Metadata))
		for k, v := range n.Config.Metadata {
			clone.Config.Metadata[k] = v
		}
	}
	if n.Config.HealthCheck != nil {
		hc := *n.Config.HealthCheck
		clone.Config.HealthCheck = &hc
	}
	return clone
}

func (c NodeConfig) validate() error {
	if c.ID == "" {
		return sserr.Validation("depgraph: node ID must not be empty")
	}
	return nil
}
