package worker

import "time"

// Type names a stateless worker kind from the fixed catalogue.
type Type string

// Spec describes how a worker type is placed.
type Spec struct {
	Type        Type   `json:"type" yaml:"type"`
	Capability  string `json:"capability" yaml:"capability"`
	Port        int    `json:"port" yaml:"port"`
	Description string `json:"description,omitempty" yaml:"description"`
}

// Service is a deployed stateless worker: one endpoint, no replica coordination.
// Concurrency is the declared number of independent instances behind it.
type Service struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	FQDN        string    `json:"fqdn"`
	Type        Type      `json:"type"`
	NodeID      string    `json:"node_id"`
	Address     string    `json:"address"`
	Port        int       `json:"port"`
	Region      string    `json:"region,omitempty"`
	Concurrency int       `json:"concurrency"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
