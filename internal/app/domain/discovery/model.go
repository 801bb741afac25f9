package discovery

import (
	"strconv"
	"strings"
	"time"
)

// RecordType is the namespace a record belongs to.
type RecordType string

const (
	TypeStateful       RecordType = "stateful"
	TypeStatefulLeader RecordType = "stateful-leader"
	TypeWorker         RecordType = "worker"
	TypeExternal       RecordType = "external"
)

// Valid reports whether t is a known namespace.
func (t RecordType) Valid() bool {
	switch t {
	case TypeStateful, TypeStatefulLeader, TypeWorker, TypeExternal:
		return true
	}
	return false
}

// QueryType selects which resolution a DNS-style query performs.
type QueryType string

const (
	QueryA      QueryType = "A"
	QuerySRV    QueryType = "SRV"
	QueryTXT    QueryType = "TXT"
	QueryLeader QueryType = "LEADER"
)

// ParseQueryType accepts the query type case-insensitively.
func ParseQueryType(raw string) (QueryType, bool) {
	switch QueryType(strings.ToUpper(strings.TrimSpace(raw))) {
	case QueryA:
		return QueryA, true
	case QuerySRV:
		return QuerySRV, true
	case QueryTXT:
		return QueryTXT, true
	case QueryLeader:
		return QueryLeader, true
	}
	return "", false
}

// Rcode mirrors the DNS response codes the resolver can return.
type Rcode string

const (
	RcodeSuccess  Rcode = "NOERROR"
	RcodeNXDomain Rcode = "NXDOMAIN"
	RcodeServFail Rcode = "SERVFAIL"
)

// Strategy picks one endpoint among the healthy set.
type Strategy string

const (
	RoundRobin     Strategy = "round-robin"
	WeightedRandom Strategy = "weighted-random"
)

// Endpoint is one address behind a record. Owned by its Record.
//
// MarkedDown records an explicit unhealthy mark. It survives endpoint list
// rewrites and is cleared only by an explicit healthy mark or by the owning
// node recovering.
type Endpoint struct {
	Address    string    `json:"address"`
	Port       int       `json:"port"`
	Healthy    bool      `json:"healthy"`
	MarkedDown bool      `json:"marked_down,omitempty"`
	Weight     int       `json:"weight"`
	NodeID     string    `json:"node_id,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Key identifies an endpoint within its record.
func (e Endpoint) Key() string {
	return EndpointKey(e.Address, e.Port)
}

// EndpointKey formats the address/port identity of an endpoint.
func EndpointKey(address string, port int) string {
	return strings.ToLower(address) + ":" + strconv.Itoa(port)
}

// Record maps a fully qualified name to endpoints and TXT metadata.
type Record struct {
	Name      string            `json:"name"`
	Type      RecordType        `json:"type"`
	Endpoints []Endpoint        `json:"endpoints"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Version   uint64            `json:"version"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Healthy returns the healthy endpoints in record order.
func (r Record) Healthy() []Endpoint {
	out := make([]Endpoint, 0, len(r.Endpoints))
	for _, ep := range r.Endpoints {
		if ep.Healthy {
			out = append(out, ep)
		}
	}
	return out
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	out := r
	out.Endpoints = append([]Endpoint(nil), r.Endpoints...)
	if r.Metadata != nil {
		out.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// NormalizeName lower-cases name and strips a trailing dot.
func NormalizeName(name string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), ".")
}

// FQDN builds "<name>.<label>.<zone>".
func FQDN(name, label, zone string) string {
	return NormalizeName(name + "." + label + "." + NormalizeName(zone))
}

// SRV is a resolved service-location answer.
type SRV struct {
	Address  string `json:"address"`
	Port     int    `json:"port"`
	Weight   int    `json:"weight"`
	Priority int    `json:"priority"`
}

// Query is a DNS-style lookup.
type Query struct {
	Name string    `json:"name"`
	Type QueryType `json:"type"`
}

// Answer is one resource in a Response.
type Answer struct {
	Name     string            `json:"name"`
	Type     QueryType         `json:"type"`
	TTL      int               `json:"ttl"`
	Address  string            `json:"address,omitempty"`
	Port     int               `json:"port,omitempty"`
	Weight   int               `json:"weight,omitempty"`
	Priority int               `json:"priority,omitempty"`
	Text     map[string]string `json:"text,omitempty"`
}

// Response is the result of HandleQuery.
type Response struct {
	Query   Query    `json:"query"`
	Rcode   Rcode    `json:"rcode"`
	Answers []Answer `json:"answers"`
}

// EventKind classifies a change notification.
type EventKind string

const (
	EventRegistered       EventKind = "registered"
	EventEndpointsChanged EventKind = "endpoints_changed"
	EventHealthChanged    EventKind = "health_changed"
	EventMetadataChanged  EventKind = "metadata_changed"
	EventDeregistered     EventKind = "deregistered"
)

// Event is published to watchers after each committed change.
type Event struct {
	Kind    EventKind  `json:"kind"`
	Name    string     `json:"name"`
	Type    RecordType `json:"type"`
	Version uint64     `json:"version"`
	Record  *Record    `json:"record,omitempty"`
	At      time.Time  `json:"at"`
}
