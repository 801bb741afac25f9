package stateful

import (
	"time"

	"github.com/R3E-Network/dws/internal/app/domain/node"
)

// Role is a replica's position in its service.
type Role string

const (
	RoleLeader  Role = "leader"
	RoleReplica Role = "replica"
)

// Consensus tags the replication protocol run by the provisioned engine. The
// control plane records it for clients; it does not run the protocol.
type Consensus string

const (
	ConsensusQuorum         Consensus = "quorum"
	ConsensusLeaderFollower Consensus = "leader-follower"
	ConsensusRaft           Consensus = "raft"
)

// Valid reports whether c is a known protocol tag.
func (c Consensus) Valid() bool {
	switch c {
	case ConsensusQuorum, ConsensusLeaderFollower, ConsensusRaft:
		return true
	}
	return false
}

// Volume is the persistent storage each replica needs.
type Volume struct {
	SizeGB int64  `json:"size_gb"`
	Tier   string `json:"tier,omitempty"`
}

// Replica is one placement of a stateful service on a node.
type Replica struct {
	ServiceID string      `json:"service_id"`
	NodeID    string      `json:"node_id"`
	Role      Role        `json:"role"`
	Endpoint  string      `json:"endpoint"`
	Address   string      `json:"address"`
	Port      int         `json:"port"`
	Health    node.Health `json:"health"`
	Orphaned  bool        `json:"orphaned,omitempty"`
	PlacedAt  time.Time   `json:"placed_at"`
}

// Service is a replicated, stateful workload such as a database cluster.
type Service struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	FQDN       string    `json:"fqdn"`
	LeaderFQDN string    `json:"leader_fqdn"`
	Capability string    `json:"capability"`
	Replicas   int       `json:"replicas"`
	Consensus  Consensus `json:"consensus"`
	Volume     Volume    `json:"volume"`
	Port       int       `json:"port"`
	Members    []Replica `json:"members"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Leader returns the current leader, if any.
func (s Service) Leader() (Replica, bool) {
	for _, r := range s.Members {
		if r.Role == RoleLeader {
			return r, true
		}
	}
	return Replica{}, false
}

// LeaderCount counts members holding the leader role.
func (s Service) LeaderCount() int {
	n := 0
	for _, r := range s.Members {
		if r.Role == RoleLeader {
			n++
		}
	}
	return n
}

// Member returns the replica placed on nodeID.
func (s Service) Member(nodeID string) (Replica, bool) {
	for _, r := range s.Members {
		if r.NodeID == nodeID {
			return r, true
		}
	}
	return Replica{}, false
}

// Clone returns a deep copy.
func (s Service) Clone() Service {
	out := s
	out.Members = append([]Replica(nil), s.Members...)
	return out
}
