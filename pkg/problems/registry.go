package problems

import "github.com/openfroyo/cloudcheck/pkg/engine"

// DefaultRegistry returns a registry holding every built-in problem type
// with its auto resolution. Destructive resolutions are never a default.
func DefaultRegistry() *engine.Registry {
	r := engine.NewRegistry()
	r.MustRegister(TypeInactiveDisk, NewInactiveDisk, engine.ResolutionIgnore)
	r.MustRegister(TypeMissingDisk, NewMissingDisk, "")
	r.MustRegister(TypeMountInfoMismatch, NewMountInfoMismatch, ResolutionReattachDisk)
	r.MustRegister(TypeMissingVM, NewMissingVM, engine.ResolutionIgnore)
	r.MustRegister(TypeUnresponsiveAgent, NewUnresponsiveAgent, engine.ResolutionIgnore)
	return r
}

// ResolutionNames returns the resolution catalog of every built-in problem
// type, in catalog order.
func ResolutionNames() map[string][]string {
	return map[string][]string{
		TypeInactiveDisk:      inactiveDiskCatalog.Names(),
		TypeMissingDisk:       missingDiskCatalog.Names(),
		TypeMountInfoMismatch: mountInfoMismatchCatalog.Names(),
		TypeMissingVM:         missingVMCatalog.Names(),
		TypeUnresponsiveAgent: unresponsiveAgentCatalog.Names(),
	}
}
