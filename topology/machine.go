// Copyright 2025 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

package topology

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
)

// SysfsRoot is where [DiscoverSystem] reads the topology from.
const SysfsRoot = "/sys/devices/system"

// DefaultClusterSize groups consecutive CPUs of a NUMA node into
// clusters when the kernel does not report cluster ids.
const DefaultClusterSize = 4

var (
	// ErrNoTopology is returned when the topology cannot be discovered.
	ErrNoTopology = errors.New("topology not available")
	// ErrUneven is returned by [Machine.Layout] when the hardware groups
	// do not nest evenly.
	ErrUneven = errors.New("uneven topology")
)

// A CPU is the location of one logical processor. All indexes are
// dense, starting at zero.
type CPU struct {
	ID      int
	Cluster int
	Node    int
	Socket  int
}

// Layout counts the hardware groups at each level. Clusters nest in
// nodes, and nodes nest in super-nodes (sockets).
type Layout struct {
	Clusters   int
	Nodes      int
	SuperNodes int
}

// Machine is a discovered topology.
type Machine struct {
	cpus       map[int]CPU
	clusters   int
	nodes      int
	superNodes int
}

// DiscoverSystem reads the topology of the running machine from sysfs.
func DiscoverSystem() (*Machine, error) {
	return Discover(os.DirFS(SysfsRoot))
}

// Discover reads a sysfs-style tree rooted at the equivalent of
// /sys/devices/system. It uses node/node*/cpulist for NUMA membership
// and cpu/cpu*/topology/{physical_package_id,cluster_id} for the rest.
func Discover(fsys fs.FS) (*Machine, error) {
	entries, err := fs.ReadDir(fsys, "node")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoTopology, err)
	}

	type rawCPU struct {
		id, node, socket, cluster int
	}
	var raw []rawCPU
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || !strings.HasPrefix(name, "node") {
			continue
		}
		node, err := strconv.Atoi(strings.TrimPrefix(name, "node"))
		if err != nil {
			continue
		}
		data, err := fs.ReadFile(fsys, path.Join("node", name, "cpulist"))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoTopology, err)
		}
		cpus, err := ParseCPUList(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("%w: node %d: %v", ErrNoTopology, node, err)
		}
		for idx, cpu := range cpus {
			topo := path.Join("cpu", fmt.Sprintf("cpu%d", cpu), "topology")
			socket, ok := readInt(fsys, path.Join(topo, "physical_package_id"))
			if !ok {
				socket = 0
			}
			cluster, ok := readInt(fsys, path.Join(topo, "cluster_id"))
			if !ok {
				cluster = idx / DefaultClusterSize
			}
			raw = append(raw, rawCPU{id: cpu, node: node, socket: socket, cluster: cluster})
		}
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: no NUMA nodes with CPUs", ErrNoTopology)
	}

	// Assign dense indexes. Clusters are numbered node by node so that a
	// cluster's node is found by integer division when the layout is even.
	nodeIdx := dense(raw, func(c rawCPU) [2]int { return [2]int{c.node, 0} })
	socketIdx := dense(raw, func(c rawCPU) [2]int { return [2]int{c.socket, 0} })
	clusterIdx := dense(raw, func(c rawCPU) [2]int { return [2]int{c.node, c.cluster} })

	m := &Machine{
		cpus:       make(map[int]CPU, len(raw)),
		clusters:   len(clusterIdx),
		nodes:      len(nodeIdx),
		superNodes: len(socketIdx),
	}
	for _, c := range raw {
		m.cpus[c.id] = CPU{
			ID:      c.id,
			Cluster: clusterIdx[[2]int{c.node, c.cluster}],
			Node:    nodeIdx[[2]int{c.node, 0}],
			Socket:  socketIdx[[2]int{c.socket, 0}],
		}
	}
	return m, nil
}

// dense maps each distinct key to its rank in sorted order.
func dense[T any](items []T, key func(T) [2]int) map[[2]int]int {
	seen := make(map[[2]int]struct{})
	var keys [][2]int
	for _, item := range items {
		k := key(item)
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i][0] != keys[j][0] {
			return keys[i][0] < keys[j][0]
		}
		return keys[i][1] < keys[j][1]
	})
	ret := make(map[[2]int]int, len(keys))
	for i, k := range keys {
		ret[k] = i
	}
	return ret
}

func readInt(fsys fs.FS, name string) (int, bool) {
	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		return 0, false
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}

// ParseCPUList parses the kernel's cpulist format, e.g. "0-3,8,10-11".
func ParseCPUList(list string) ([]int, error) {
	var cpus []int
	if list == "" {
		return cpus, nil
	}
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		lo, hi, isRange := strings.Cut(part, "-")
		start, err := strconv.Atoi(lo)
		if err != nil {
			return nil, fmt.Errorf("bad cpulist entry %q", part)
		}
		end := start
		if isRange {
			if end, err = strconv.Atoi(hi); err != nil || end < start {
				return nil, fmt.Errorf("bad cpulist range %q", part)
			}
		}
		for cpu := start; cpu <= end; cpu++ {
			cpus = append(cpus, cpu)
		}
	}
	return cpus, nil
}

// NumCPUs returns the number of discovered CPUs.
func (m *Machine) NumCPUs() int { return len(m.cpus) }

// CPU returns the location of a CPU.
func (m *Machine) CPU(id int) (CPU, bool) {
	c, ok := m.cpus[id]
	return c, ok
}

// Layout returns the group counts. It fails with [ErrUneven] unless every
// node has the same number of clusters, every socket has the same number
// of nodes, and the groups nest.
func (m *Machine) Layout() (Layout, error) {
	ret := Layout{Clusters: m.clusters, Nodes: m.nodes, SuperNodes: m.superNodes}
	if m.clusters%m.nodes != 0 || m.nodes%m.superNodes != 0 {
		return ret, fmt.Errorf("%w: %d clusters, %d nodes, %d sockets",
			ErrUneven, m.clusters, m.nodes, m.superNodes)
	}
	perNode := m.clusters / m.nodes
	perSocket := m.nodes / m.superNodes
	for _, c := range m.cpus {
		if c.Cluster/perNode != c.Node || c.Node/perSocket != c.Socket {
			return ret, fmt.Errorf("%w: cpu %d in cluster %d, node %d, socket %d",
				ErrUneven, c.ID, c.Cluster, c.Node, c.Socket)
		}
	}
	return ret, nil
}

// ByCluster returns a Provider whose cluster is the core cluster of the
// current CPU.
func (m *Machine) ByCluster() Provider {
	return Func{
		Cluster: func() int { return m.current().Cluster },
		Socket:  func() int { return m.current().Socket },
	}
}

// ByNode returns a Provider whose cluster is the NUMA node of the
// current CPU.
func (m *Machine) ByNode() Provider {
	return Func{
		Cluster: func() int { return m.current().Node },
		Socket:  func() int { return m.current().Socket },
	}
}

func (m *Machine) current() CPU {
	// Unknown CPUs, e.g. hot-added ones, report the first cluster.
	return m.cpus[CurrentCPU()]
}
