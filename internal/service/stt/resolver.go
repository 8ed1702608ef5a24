package stt

import (
	"context"
	"fmt"
)

// StaticResolver serves descriptors fixed at construction, typically from
// configuration.
type StaticResolver struct {
	descriptors map[Capability]Descriptor
}

// NewStaticResolver creates a resolver that answers CapabilitySTT with d.
func NewStaticResolver(d Descriptor) *StaticResolver {
	return &StaticResolver{descriptors: map[Capability]Descriptor{CapabilitySTT: d}}
}

// Resolve returns the validated descriptor for c.
func (r *StaticResolver) Resolve(_ context.Context, c Capability) (Descriptor, error) {
	d, ok := r.descriptors[c]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: no model configured for %q", ErrMissingModel, c)
	}
	if err := d.Validate(); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}
