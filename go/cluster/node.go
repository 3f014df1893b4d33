// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cluster defines the static identity of database nodes as loaded
// from configuration. Descriptors are immutable once loaded; only explicit
// reconfiguration can change the node set, never the health monitor.
package cluster

import (
	"fmt"
	"net"
	"strings"
)

// Role is the configured role of a node.
type Role int

const (
	RoleUnknown Role = iota
	RolePrimary
	RoleReplica
)

var roleNames = map[Role]string{
	RoleUnknown: "unknown",
	RolePrimary: "primary",
	RoleReplica: "replica",
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return "unknown"
}

// ParseRole parses a role name as it appears in configuration.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "primary":
		return RolePrimary, nil
	case "replica", "standby":
		return RoleReplica, nil
	default:
		return RoleUnknown, fmt.Errorf("unknown node role %q (expected primary or replica)", s)
	}
}

// NodeDescriptor is the static identity of one database endpoint.
// The set of descriptors changes only via explicit reconfiguration.
type NodeDescriptor struct {
	// ID uniquely identifies the node within the cluster.
	ID string

	// Role is the configured role. The health monitor may observe a node
	// behaving contrary to its role; that is surfaced as an anomaly, the
	// descriptor itself never changes.
	Role Role

	// Address is the host:port of the PostgreSQL endpoint.
	Address string

	// Weight is the routing preference for read load balancing. Defaults
	// to 1; higher values receive proportionally more reads.
	Weight int
}

// Validate checks the descriptor for configuration mistakes.
func (n NodeDescriptor) Validate() error {
	if n.ID == "" {
		return fmt.Errorf("node id cannot be empty")
	}
	if n.Role != RolePrimary && n.Role != RoleReplica {
		return fmt.Errorf("node %s: role must be primary or replica", n.ID)
	}
	host, port, err := net.SplitHostPort(n.Address)
	if err != nil {
		return fmt.Errorf("node %s: invalid address %q: %w", n.ID, n.Address, err)
	}
	if host == "" || port == "" {
		return fmt.Errorf("node %s: address %q must be host:port", n.ID, n.Address)
	}
	if n.Weight < 0 {
		return fmt.Errorf("node %s: weight cannot be negative", n.ID)
	}
	return nil
}

// Host returns the host part of the address.
func (n NodeDescriptor) Host() string {
	host, _, _ := net.SplitHostPort(n.Address)
	return host
}

// Port returns the port part of the address.
func (n NodeDescriptor) Port() string {
	_, port, _ := net.SplitHostPort(n.Address)
	return port
}

// NodeSet is the validated, immutable set of configured nodes.
type NodeSet struct {
	primary  NodeDescriptor
	replicas []NodeDescriptor
	byID     map[string]NodeDescriptor
}

// NewNodeSet validates the descriptors and builds a NodeSet.
// Exactly one primary is required; duplicate IDs and addresses are rejected.
func NewNodeSet(nodes []NodeDescriptor) (*NodeSet, error) {
	if len(nodes) == 0 {
		return nil, fmt.Errorf("node set cannot be empty")
	}

	set := &NodeSet{byID: make(map[string]NodeDescriptor, len(nodes))}
	seenAddr := make(map[string]string, len(nodes))
	primaries := 0

	for _, n := range nodes {
		if n.Weight == 0 {
			n.Weight = 1
		}
		if err := n.Validate(); err != nil {
			return nil, err
		}
		if _, ok := set.byID[n.ID]; ok {
			return nil, fmt.Errorf("duplicate node id %q", n.ID)
		}
		if other, ok := seenAddr[n.Address]; ok {
			return nil, fmt.Errorf("nodes %s and %s share address %q", other, n.ID, n.Address)
		}
		seenAddr[n.Address] = n.ID
		set.byID[n.ID] = n

		switch n.Role {
		case RolePrimary:
			primaries++
			set.primary = n
		case RoleReplica:
			set.replicas = append(set.replicas, n)
		}
	}

	if primaries != 1 {
		return nil, fmt.Errorf("node set must contain exactly one primary, found %d", primaries)
	}

	return set, nil
}

// Primary returns the configured primary descriptor.
func (s *NodeSet) Primary() NodeDescriptor {
	return s.primary
}

// Replicas returns the configured replica descriptors in configuration order.
func (s *NodeSet) Replicas() []NodeDescriptor {
	out := make([]NodeDescriptor, len(s.replicas))
	copy(out, s.replicas)
	return out
}

// Get looks up a descriptor by ID.
func (s *NodeSet) Get(id string) (NodeDescriptor, bool) {
	n, ok := s.byID[id]
	return n, ok
}

// All returns every descriptor, primary first.
func (s *NodeSet) All() []NodeDescriptor {
	out := make([]NodeDescriptor, 0, 1+len(s.replicas))
	out = append(out, s.primary)
	out = append(out, s.replicas...)
	return out
}

// Len returns the number of configured nodes.
func (s *NodeSet) Len() int {
	return len(s.byID)
}
