// Package sysmetrics samples host and process statistics for health
// reporting. Probes are independent: a failing probe leaves its section
// zeroed instead of failing the whole snapshot.
package sysmetrics

import (
	"context"
	"os"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	gopsnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sync/errgroup"
)

// CPU describes host CPU usage. Percent covers the span since the previous
// snapshot; the first snapshot after startup reports 0. Load holds the
// 1/5/15 minute load averages scaled to percent of total CPU capacity.
type CPU struct {
	Percent float64   `json:"percent"`
	Count   int       `json:"count"`
	Load    []float64 `json:"load,omitempty"`
}

// Memory describes host virtual memory, in bytes.
type Memory struct {
	Total     uint64  `json:"total"`
	Available uint64  `json:"available"`
	Used      uint64  `json:"used"`
	Percent   float64 `json:"percent"`
}

// Disk describes usage of the root filesystem, in bytes.
type Disk struct {
	Total   uint64  `json:"total"`
	Used    uint64  `json:"used"`
	Free    uint64  `json:"free"`
	Percent float64 `json:"percent"`
}

// Network aggregates counters across all interfaces since boot.
type Network struct {
	BytesSent   uint64 `json:"bytes_sent"`
	BytesRecv   uint64 `json:"bytes_recv"`
	PacketsSent uint64 `json:"packets_sent"`
	PacketsRecv uint64 `json:"packets_recv"`
}

// Process describes this process's memory footprint, in bytes.
type Process struct {
	RSS uint64 `json:"rss"`
	VMS uint64 `json:"vms"`
}

// Snapshot is one sample of host and process statistics.
type Snapshot struct {
	CPU     CPU     `json:"cpu"`
	Memory  Memory  `json:"memory"`
	Disk    Disk    `json:"disk"`
	Network Network `json:"network"`
	PID     int     `json:"pid"`
	Process Process `json:"process_memory"`
}

// Collect takes a snapshot of the host and this process. The probes run
// concurrently, each writing only its own section, so one slow probe
// cannot stall the rest past the caller's deadline.
func Collect(ctx context.Context) Snapshot {
	snap := Snapshot{PID: os.Getpid()}

	var g errgroup.Group
	g.Go(func() error {
		if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
			snap.CPU.Percent = pct[0]
		}
		if count, err := cpu.CountsWithContext(ctx, true); err == nil {
			snap.CPU.Count = count
		}
		if avg, err := load.AvgWithContext(ctx); err == nil && snap.CPU.Count > 0 {
			n := float64(snap.CPU.Count)
			snap.CPU.Load = []float64{
				avg.Load1 / n * 100,
				avg.Load5 / n * 100,
				avg.Load15 / n * 100,
			}
		}
		return nil
	})
	g.Go(func() error {
		if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
			snap.Memory = Memory{
				Total:     vm.Total,
				Available: vm.Available,
				Used:      vm.Used,
				Percent:   vm.UsedPercent,
			}
		}
		return nil
	})
	g.Go(func() error {
		if usage, err := disk.UsageWithContext(ctx, "/"); err == nil {
			snap.Disk = Disk{
				Total:   usage.Total,
				Used:    usage.Used,
				Free:    usage.Free,
				Percent: usage.UsedPercent,
			}
		}
		return nil
	})
	g.Go(func() error {
		if counters, err := gopsnet.IOCountersWithContext(ctx, false); err == nil && len(counters) > 0 {
			snap.Network = Network{
				BytesSent:   counters[0].BytesSent,
				BytesRecv:   counters[0].BytesRecv,
				PacketsSent: counters[0].PacketsSent,
				PacketsRecv: counters[0].PacketsRecv,
			}
		}
		return nil
	})
	g.Go(func() error {
		if proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid())); err == nil {
			if info, err := proc.MemoryInfoWithContext(ctx); err == nil {
				snap.Process = Process{RSS: info.RSS, VMS: info.VMS}
			}
		}
		return nil
	})
	_ = g.Wait()

	return snap
}
