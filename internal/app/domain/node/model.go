package node

import (
	"sort"
	"time"
)

// Health is the tagged liveness state of a node, replica or endpoint.
//
// Transitions:
//
//	Unknown   -> Healthy    heartbeat
//	Healthy   -> Unhealthy  heartbeat timeout or explicit mark
//	Unknown   -> Unhealthy  heartbeat timeout or explicit mark
//	Unhealthy -> Healthy    heartbeat only
type Health string

const (
	HealthUnknown   Health = "unknown"
	HealthHealthy   Health = "healthy"
	HealthUnhealthy Health = "unhealthy"
)

// Valid reports whether h is one of the defined states.
func (h Health) Valid() bool {
	switch h {
	case HealthUnknown, HealthHealthy, HealthUnhealthy:
		return true
	}
	return false
}

// Hardware describes a node's capacity.
type Hardware struct {
	CPUCores      float64 `json:"cpu_cores"`
	MemoryMB      int64   `json:"memory_mb"`
	StorageGB     int64   `json:"storage_gb"`
	BandwidthMbps int64   `json:"bandwidth_mbps"`
	TEEPlatform   string  `json:"tee_platform,omitempty"`
}

// Pricing is the node operator's advertised price list.
type Pricing struct {
	PerHour    float64 `json:"per_hour"`
	PerGB      float64 `json:"per_gb"`
	PerRequest float64 `json:"per_request"`
}

// Metrics is the usage report carried by a heartbeat.
type Metrics struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryUsedMB  int64   `json:"memory_used_mb"`
	StorageUsedGB int64   `json:"storage_used_gb"`
	LatencyMs     float64 `json:"latency_ms,omitempty"`
}

// Attestation is an opaque trusted-execution proof supplied by an external
// attestation service. The control plane stores it but does not verify it.
type Attestation struct {
	Platform string `json:"platform"`
	Proof    []byte `json:"proof,omitempty"`
	Digest   string `json:"digest,omitempty"`
}

// Node is a machine offering capabilities to the platform.
type Node struct {
	ID            string           `json:"id"`
	Address       string           `json:"address"`
	Region        string           `json:"region,omitempty"`
	Hardware      Hardware         `json:"hardware"`
	Capabilities  []string         `json:"capabilities"`
	Pricing       Pricing          `json:"pricing"`
	Attestation   *Attestation     `json:"attestation,omitempty"`
	Health        Health           `json:"health"`
	HealthReason  string           `json:"health_reason,omitempty"`
	Metrics       *Metrics         `json:"metrics,omitempty"`
	Allocations   map[string]int64 `json:"allocations,omitempty"`
	LastHeartbeat time.Time        `json:"last_heartbeat"`
	RegisteredAt  time.Time        `json:"registered_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// HasCapability reports whether the node advertises capability.
func (n Node) HasCapability(capability string) bool {
	for _, c := range n.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// Healthy is shorthand for Health == HealthHealthy.
func (n Node) Healthy() bool { return n.Health == HealthHealthy }

// Hosts reports whether the node carries an allocation for serviceID.
func (n Node) Hosts(serviceID string) bool {
	_, ok := n.Allocations[serviceID]
	return ok
}

// Capacity is the headroom left on a node.
type Capacity struct {
	CPUCores  float64
	MemoryMB  int64
	StorageGB int64
}

// Available returns the node's headroom after reported usage and storage reservations.
func (n Node) Available() Capacity {
	c := Capacity{
		CPUCores:  n.Hardware.CPUCores,
		MemoryMB:  n.Hardware.MemoryMB,
		StorageGB: n.Hardware.StorageGB,
	}
	if m := n.Metrics; m != nil {
		c.CPUCores -= n.Hardware.CPUCores * m.CPUPercent / 100
		c.MemoryMB -= m.MemoryUsedMB
		c.StorageGB -= m.StorageUsedGB
	}
	for _, reserved := range n.Allocations {
		c.StorageGB -= reserved
	}
	if c.CPUCores < 0 {
		c.CPUCores = 0
	}
	if c.MemoryMB < 0 {
		c.MemoryMB = 0
	}
	if c.StorageGB < 0 {
		c.StorageGB = 0
	}
	return c
}

// Rank orders nodes by most available capacity first: free CPU, then free
// memory, then free storage, ties broken by ascending ID.
func Rank(nodes []Node) {
	sort.SliceStable(nodes, func(i, j int) bool {
		return rankLess(nodes[i], nodes[j])
	})
}

func rankLess(a, b Node) bool {
	ca, cb := a.Available(), b.Available()
	if ca.CPUCores != cb.CPUCores {
		return ca.CPUCores > cb.CPUCores
	}
	if ca.MemoryMB != cb.MemoryMB {
		return ca.MemoryMB > cb.MemoryMB
	}
	if ca.StorageGB != cb.StorageGB {
		return ca.StorageGB > cb.StorageGB
	}
	return a.ID < b.ID
}

// SortByID orders nodes by ascending ID.
func SortByID(nodes []Node) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
}

// Clone returns a deep copy.
func (n Node) Clone() Node {
	out := n
	out.Capabilities = append([]string(nil), n.Capabilities...)
	if n.Metrics != nil {
		m := *n.Metrics
		out.Metrics = &m
	}
	if n.Attestation != nil {
		a := *n.Attestation
		a.Proof = append([]byte(nil), n.Attestation.Proof...)
		out.Attestation = &a
	}
	if n.Allocations != nil {
		out.Allocations = make(map[string]int64, len(n.Allocations))
		for k, v := range n.Allocations {
			out.Allocations[k] = v
		}
	}
	return out
}
