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

// Package locks is the registry of lock variants. It builds any of them
// by [Kind] from a single [Config].
package locks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cockroachdb/numalocks/backoff"
	"github.com/cockroachdb/numalocks/clh"
	"github.com/cockroachdb/numalocks/cna"
	"github.com/cockroachdb/numalocks/hmcs"
	"github.com/cockroachdb/numalocks/mcs"
	"github.com/cockroachdb/numalocks/park"
	"github.com/cockroachdb/numalocks/spin"
	"github.com/cockroachdb/numalocks/topology"
)

// A Lock provides mutual exclusion. Lock blocks until the lock is held;
// Unlock must be called exactly once, by the holder. No variant is
// reentrant.
type Lock interface {
	sync.Locker
}

// Kind identifies a lock variant.
type Kind int

// The lock variants.
const (
	TestSet Kind = iota + 1
	TestSetYield
	TestTestSet
	TestTestSetYield
	Ticket
	TicketYield
	CLH
	MCS
	MCSYield
	CNA
	HMCSNUMA
	HMCSClusterNUMASuperNUMA
	Mutex
)

var kindNames = [...]string{
	TestSet:                  "TEST_SET",
	TestSetYield:             "TEST_SET_YIELD",
	TestTestSet:              "TEST_TEST_SET",
	TestTestSetYield:         "TEST_TEST_SET_YIELD",
	Ticket:                   "TICKET",
	TicketYield:              "TICKET_YIELD",
	CLH:                      "CLH",
	MCS:                      "MCS",
	MCSYield:                 "MCS_YIELD",
	CNA:                      "CNA",
	HMCSNUMA:                 "HMCS_NUMA",
	HMCSClusterNUMASuperNUMA: "HMCS_CCL_NUMA_SUPERNUMA",
	Mutex:                    "MUTEX",
}

// Kinds returns every variant.
func Kinds() []Kind {
	ret := make([]Kind, 0, len(kindNames)-1)
	for k := TestSet; k <= Mutex; k++ {
		ret = append(ret, k)
	}
	return ret
}

func (k Kind) String() string {
	if k < TestSet || k > Mutex {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

var (
	// ErrUnknownKind is returned for names or values that do not identify
	// a lock variant.
	ErrUnknownKind = errors.New("unknown lock kind")
	// ErrUnsupported is returned by the acquisition modes that no variant
	// implements.
	ErrUnsupported = fmt.Errorf("lock operation: %w", errors.ErrUnsupported)
)

// ParseKind returns the variant with the given name, ignoring case.
func ParseKind(name string) (Kind, error) {
	for _, k := range Kinds() {
		if strings.EqualFold(name, k.String()) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, name)
}

// MarshalText implements [encoding.TextMarshaler].
func (k Kind) MarshalText() ([]byte, error) {
	if k < TestSet || k > Mutex {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Config holds the tunables of every variant. The zero value selects
// the defaults of each package.
type Config struct {
	// Backoff is the sleep schedule of the yielding spin locks.
	Backoff backoff.Factory
	// CohortThreshold bounds consecutive same-level handoffs in HMCS.
	CohortThreshold uint32
	// Layout sizes the HMCS trees. When zero, the layout of the running
	// machine is used.
	Layout topology.Layout
	// Machine is the topology the HMCS layouts and default providers are
	// derived from. When nil, the running machine's is discovered.
	Machine *topology.Machine
	// LocalityThreshold tunes CNA's same-socket preference.
	LocalityThreshold uint32
	// Policy is the wait policy of the queue locks. The yield variants
	// always spin.
	Policy *park.Policy
	// ScanLimit bounds CNA's successor search.
	ScanLimit int
	// Topology maps callers to clusters and sockets. When nil, each
	// variant picks the provider matching its tree.
	Topology topology.Provider
}

// New builds a lock of the given kind.
func New(kind Kind, cfg Config) (Lock, error) {
	switch kind {
	case TestSet:
		return spin.NewTAS(), nil
	case TestSetYield:
		return spin.NewTASYield(cfg.spinOptions()...), nil
	case TestTestSet:
		return spin.NewTTAS(), nil
	case TestTestSetYield:
		return spin.NewTTASYield(cfg.spinOptions()...), nil
	case Ticket:
		return spin.NewTicket(), nil
	case TicketYield:
		return spin.NewTicketYield(cfg.spinOptions()...), nil
	case CLH:
		var opts []clh.Option
		if cfg.Policy != nil {
			opts = append(opts, clh.WithPolicy(*cfg.Policy))
		}
		return wrap(clh.New(opts...))
	case MCS:
		var opts []mcs.Option
		if cfg.Policy != nil {
			opts = append(opts, mcs.WithPolicy(*cfg.Policy))
		}
		return wrap(mcs.New(opts...))
	case MCSYield:
		return mcs.NewYield(), nil
	case CNA:
		return wrap(cna.New(cfg.cnaOptions()...))
	case HMCSNUMA:
		// Only the node count matters, and it is reported even when the
		// clusters do not nest evenly.
		layout, err := cfg.layout()
		if err != nil && !errors.Is(err, topology.ErrUneven) {
			return nil, err
		}
		return wrap(hmcs.NewNUMA(layout.Nodes, cfg.hmcsOptions((*topology.Machine).ByNode)...))
	case HMCSClusterNUMASuperNUMA:
		layout, err := cfg.layout()
		if err != nil {
			return nil, err
		}
		return wrap(hmcs.NewCluster(layout.Clusters, layout.Nodes, layout.SuperNodes,
			cfg.hmcsOptions((*topology.Machine).ByCluster)...))
	case Mutex:
		return &sync.Mutex{}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, int(kind))
	}
}

// wrap keeps a failed constructor from returning a typed nil Lock.
func wrap[L Lock](l L, err error) (Lock, error) {
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (c *Config) spinOptions() []spin.Option {
	if c.Backoff == nil {
		return nil
	}
	return []spin.Option{spin.WithBackoff(c.Backoff)}
}

func (c *Config) cnaOptions() []cna.Option {
	var opts []cna.Option
	if c.LocalityThreshold != 0 {
		opts = append(opts, cna.WithLocalityThreshold(c.LocalityThreshold))
	}
	if c.Policy != nil {
		opts = append(opts, cna.WithPolicy(*c.Policy))
	}
	if c.ScanLimit != 0 {
		opts = append(opts, cna.WithScanLimit(c.ScanLimit))
	}
	if c.Topology != nil {
		opts = append(opts, cna.WithTopology(c.Topology))
	}
	return opts
}

// hmcsOptions converts the configuration. Without an explicit Topology,
// a configured Machine supplies the provider.
func (c *Config) hmcsOptions(provider func(*topology.Machine) topology.Provider) []hmcs.Option {
	var opts []hmcs.Option
	if c.CohortThreshold != 0 {
		opts = append(opts, hmcs.WithCohortThreshold(c.CohortThreshold))
	}
	if c.Policy != nil {
		opts = append(opts, hmcs.WithPolicy(*c.Policy))
	}
	switch {
	case c.Topology != nil:
		opts = append(opts, hmcs.WithTopology(c.Topology))
	case c.Machine != nil:
		opts = append(opts, hmcs.WithTopology(provider(c.Machine)))
	}
	return opts
}

// layout returns the configured layout, or the machine's. A machine
// whose topology cannot be read is a single cluster.
func (c *Config) layout() (topology.Layout, error) {
	if c.Layout != (topology.Layout{}) {
		return c.Layout, nil
	}
	m := c.Machine
	if m == nil {
		var err error
		if m, err = topology.System(); err != nil {
			return topology.Layout{Clusters: 1, Nodes: 1, SuperNodes: 1}, nil
		}
	}
	return m.Layout()
}

// TryLock is not supported by any variant. It always fails with
// [ErrUnsupported].
func TryLock(Lock) (bool, error) {
	return false, fmt.Errorf("try-lock: %w", ErrUnsupported)
}

// LockContext is not supported by any variant: acquisition cannot be
// interrupted or timed out. It always fails with [ErrUnsupported].
func LockContext(context.Context, Lock) error {
	return fmt.Errorf("interruptible lock: %w", ErrUnsupported)
}

// LockReentrant is not supported by any variant. It always fails with
// [ErrUnsupported].
func LockReentrant(Lock) error {
	return fmt.Errorf("reentrant lock: %w", ErrUnsupported)
}
