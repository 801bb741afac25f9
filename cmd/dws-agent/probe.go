package main

import (
	"context"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/R3E-Network/dws/internal/app/domain/node"
)

const (
	bytesPerMB = 1 << 20
	bytesPerGB = 1 << 30
)

// HostProbe reports the capacity and usage of the machine the agent runs on.
type HostProbe interface {
	Hostname(ctx context.Context) (string, error)
	Hardware(ctx context.Context) (node.Hardware, error)
	Usage(ctx context.Context) (node.Metrics, error)
}

// systemProbe reads host facts through gopsutil.
type systemProbe struct {
	diskPath string
}

func (p systemProbe) Hostname(ctx context.Context) (string, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return "", err
	}
	return info.Hostname, nil
}

func (p systemProbe) Hardware(ctx context.Context) (node.Hardware, error) {
	cores, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return node.Hardware{}, err
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return node.Hardware{}, err
	}
	du, err := disk.UsageWithContext(ctx, p.diskPath)
	if err != nil {
		return node.Hardware{}, err
	}
	return node.Hardware{
		CPUCores:  float64(cores),
		MemoryMB:  int64(vm.Total / bytesPerMB),
		StorageGB: int64(du.Total / bytesPerGB),
	}, nil
}

func (p systemProbe) Usage(ctx context.Context) (node.Metrics, error) {
	percent, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return node.Metrics{}, err
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return node.Metrics{}, err
	}
	du, err := disk.UsageWithContext(ctx, p.diskPath)
	if err != nil {
		return node.Metrics{}, err
	}
	m := node.Metrics{
		MemoryUsedMB:  int64(vm.Used / bytesPerMB),
		StorageUsedGB: int64(du.Used / bytesPerGB),
	}
	if len(percent) > 0 {
		m.CPUPercent = percent[0]
	}
	return m, nil
}
