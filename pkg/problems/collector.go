package problems

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/cloudcheck/pkg/engine"
	"github.com/openfroyo/cloudcheck/pkg/stores"
)

// Collector enumerates candidate resources from the repository. It only
// pre-filters on database state; the handlers decide whether a problem
// exists.
type Collector struct {
	repo     stores.Repository
	types    map[string]bool
	selector map[string]string
	logger   zerolog.Logger
}

// CollectorOption configures a Collector.
type CollectorOption func(*Collector)

// WithTypes restricts collection to the given problem types.
func WithTypes(types ...string) CollectorOption {
	return func(c *Collector) {
		if len(types) == 0 {
			return
		}
		c.types = make(map[string]bool, len(types))
		for _, t := range types {
			c.types[t] = true
		}
	}
}

// WithSelector restricts collection to resources of instances whose labels
// match selector ("key1=value1,key2=value2", "" or "all" for everything).
func WithSelector(selector string) CollectorOption {
	return func(c *Collector) { c.selector = ParseSelector(selector) }
}

// WithCollectorLogger sets the collector logger.
func WithCollectorLogger(l zerolog.Logger) CollectorOption {
	return func(c *Collector) { c.logger = l }
}

// NewCollector creates a collector over repo.
func NewCollector(repo stores.Repository, opts ...CollectorOption) *Collector {
	c := &Collector{repo: repo, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Collector) wants(problemType string) bool {
	return len(c.types) == 0 || c.types[problemType]
}

// Collect returns candidates in a stable order: disks first, then VMs,
// each by ascending ID.
func (c *Collector) Collect(ctx context.Context) ([]engine.Candidate, error) {
	instances, err := c.repo.ListInstances(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	selected := make(map[int64]bool, len(instances))
	vmSelected := make(map[int64]bool, len(instances))
	for _, inst := range instances {
		if MatchesLabels(inst.Labels, c.selector) {
			selected[inst.ID] = true
			if inst.VMID != nil {
				vmSelected[*inst.VMID] = true
			}
		}
	}
	all := len(c.selector) == 0

	var out []engine.Candidate
	add := func(problemType string, id int64) {
		if c.wants(problemType) {
			out = append(out, engine.Candidate{Type: problemType, ResourceID: strconv.FormatInt(id, 10)})
		}
	}

	disks, err := c.repo.ListDisks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list disks: %w", err)
	}
	for _, d := range disks {
		if d.InstanceID == nil && !all {
			continue
		}
		if d.InstanceID != nil && !selected[*d.InstanceID] {
			continue
		}
		if !d.Active {
			add(TypeInactiveDisk, d.ID)
			continue
		}
		add(TypeMissingDisk, d.ID)
		add(TypeMountInfoMismatch, d.ID)
	}

	vms, err := c.repo.ListVMs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list vms: %w", err)
	}
	for _, vm := range vms {
		if !all && !vmSelected[vm.ID] {
			continue
		}
		add(TypeMissingVM, vm.ID)
		add(TypeUnresponsiveAgent, vm.ID)
	}

	c.logger.Debug().
		Int("disks", len(disks)).
		Int("vms", len(vms)).
		Int("candidates", len(out)).
		Msg("Candidates collected")
	return out, nil
}

// ParseSelector parses a label selector string into a map.
// Format: "key1=value1,key2=value2"
func ParseSelector(selector string) map[string]string {
	labels := make(map[string]string)
	if selector == "" || selector == "all" {
		return labels
	}

	for _, pair := range strings.Split(selector, ",") {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) == 2 {
			labels[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
		}
	}
	return labels
}

// MatchesLabels reports whether labels carry every selector pair.
func MatchesLabels(labels, selector map[string]string) bool {
	for key, value := range selector {
		if got, ok := labels[key]; !ok || got != value {
			return false
		}
	}
	return true
}
