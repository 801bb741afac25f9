package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/R3E-Network/dws/internal/app/domain/node"
	"github.com/R3E-Network/dws/internal/app/services/nodes"
	apperrors "github.com/R3E-Network/dws/internal/errors"
	"github.com/R3E-Network/dws/internal/httputil"
	"github.com/R3E-Network/dws/internal/logging"
)

// AgentConfig is read from the environment.
type AgentConfig struct {
	Server       string        `env:"DWS_SERVER,default=http://127.0.0.1:8080"`
	Token        string        `env:"DWS_TOKEN"`
	NodeID       string        `env:"DWS_NODE_ID"`
	Address      string        `env:"DWS_NODE_ADDRESS,required"`
	Region       string        `env:"DWS_NODE_REGION"`
	Capabilities []string      `env:"DWS_NODE_CAPABILITIES,default=compute"`
	TEEPlatform  string        `env:"DWS_NODE_TEE_PLATFORM"`
	DiskPath     string        `env:"DWS_NODE_DISK_PATH,default=/"`
	Interval     time.Duration `env:"DWS_HEARTBEAT_INTERVAL,default=30s"`
	Deregister   bool          `env:"DWS_DEREGISTER_ON_EXIT"`
}

// Agent registers its host with the control plane and keeps it alive.
type Agent struct {
	cfg    AgentConfig
	client *httputil.Client
	probe  HostProbe
	log    *logging.Logger
	nodeID string
}

// NewAgent creates an agent.
func NewAgent(cfg AgentConfig, client *httputil.Client, probe HostProbe, log *logging.Logger) *Agent {
	if log == nil {
		log = logging.NewDefault("dws-agent")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Agent{cfg: cfg, client: client, probe: probe, log: log, nodeID: cfg.NodeID}
}

// NodeID is the identity assigned at registration.
func (a *Agent) NodeID() string { return a.nodeID }

func (a *Agent) descriptor(ctx context.Context) (nodes.Descriptor, error) {
	hw, err := a.probe.Hardware(ctx)
	if err != nil {
		return nodes.Descriptor{}, fmt.Errorf("read hardware: %w", err)
	}
	hw.TEEPlatform = a.cfg.TEEPlatform
	id := a.nodeID
	if id == "" {
		if id, err = a.probe.Hostname(ctx); err != nil {
			return nodes.Descriptor{}, fmt.Errorf("read hostname: %w", err)
		}
	}
	return nodes.Descriptor{
		ID:           id,
		Address:      a.cfg.Address,
		Region:       a.cfg.Region,
		Hardware:     hw,
		Capabilities: a.cfg.Capabilities,
	}, nil
}

// Register submits the host descriptor and records the assigned node ID.
func (a *Agent) Register(ctx context.Context) error {
	desc, err := a.descriptor(ctx)
	if err != nil {
		return err
	}
	resp, err := a.client.Post(ctx, "/v1/nodes", desc)
	if err != nil {
		return err
	}
	var n node.Node
	if err := httputil.DecodeResponse(resp, &n); err != nil {
		return err
	}
	a.nodeID = n.ID
	a.log.WithField("node_id", n.ID).WithField("capabilities", n.Capabilities).Info("node registered")
	return nil
}

// Heartbeat reports usage. A node the control plane no longer knows is
// registered again.
func (a *Agent) Heartbeat(ctx context.Context) error {
	body := map[string]any{}
	if m, err := a.probe.Usage(ctx); err != nil {
		a.log.WithError(err).Warn("read usage metrics")
	} else {
		body["metrics"] = m
	}
	resp, err := a.client.Post(ctx, "/v1/nodes/"+url.PathEscape(a.nodeID)+"/heartbeat", body)
	if err != nil {
		return err
	}
	err = httputil.DecodeResponse(resp, nil)
	if isNotFound(err) {
		a.log.WithField("node_id", a.nodeID).Warn("node evicted, registering again")
		return a.Register(ctx)
	}
	return err
}

// Deregister removes the node from the control plane.
func (a *Agent) Deregister(ctx context.Context) error {
	resp, err := a.client.Delete(ctx, "/v1/nodes/"+url.PathEscape(a.nodeID))
	if err != nil {
		return err
	}
	return httputil.DecodeResponse(resp, nil)
}

// Run heartbeats every interval until ctx is done. The first heartbeat
// registers the node when the control plane does not know it, so restarting
// an agent with the same node ID is idempotent.
func (a *Agent) Run(ctx context.Context) error {
	if a.nodeID == "" {
		id, err := a.probe.Hostname(ctx)
		if err != nil {
			return fmt.Errorf("read hostname: %w", err)
		}
		a.nodeID = id
	}
	if a.cfg.Deregister {
		defer a.deregisterOnExit(ctx)
	}

	for {
		err := a.Heartbeat(ctx)
		if err == nil {
			break
		}
		a.log.WithError(err).Warn("connect to control plane failed")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(a.cfg.Interval):
		}
	}

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := a.Heartbeat(ctx); err != nil {
				a.log.WithError(err).Warn("heartbeat failed")
			}
		}
	}
}

func (a *Agent) deregisterOnExit(ctx context.Context) {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := a.Deregister(stopCtx); err != nil && !isNotFound(err) {
		a.log.WithError(err).Warn("deregister failed")
		return
	}
	a.log.WithField("node_id", a.nodeID).Info("node deregistered")
}

func isNotFound(err error) bool {
	var apiErr *httputil.APIError
	if !apperrors.As(err, &apiErr) {
		return false
	}
	return apiErr.Status == http.StatusNotFound && strings.EqualFold(apiErr.Code, string(apperrors.CodeNotFound))
}
