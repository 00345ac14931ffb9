// Package descriptor defines the opaque kernel-call descriptor consumed by
// the launcher: a zlib-compressed JSON message describing either a single
// kernel call or an autotuned set of candidate calls.
package descriptor

import (
	"github.com/pkg/errors"
)

// ErrMalformed tags every descriptor decoding failure: corrupt compressed
// payload, unparsable message, or a message that violates the schema.
var ErrMalformed = errors.New("malformed kernel-call descriptor")

// Kernel identifies a compiled binary: kernel source text, entry-point
// name, launch shape and target architecture.
type Kernel struct {
	Source            string `json:"source"`
	Name              string `json:"name"`
	NumWarps          uint32 `json:"num_warps"`
	SharedMemBytes    uint32 `json:"shared_mem_bytes"`
	ComputeCapability uint32 `json:"compute_capability"`
}

// ArrayParameter describes a device-buffer argument.
type ArrayParameter struct {
	BytesToZero      uint64 `json:"bytes_to_zero,omitempty"`
	PtrDivisibleBy16 bool   `json:"ptr_divisible_by_16,omitempty"`
}

// Parameter is a tagged union: exactly one field must be set. Array
// parameters consume a device buffer at launch; the scalar variants embed
// the literal in the argument list.
type Parameter struct {
	Array *ArrayParameter `json:"array,omitempty"`
	Bool  *bool           `json:"bool,omitempty"`
	I32   *int32          `json:"i32,omitempty"`
	U32   *uint32         `json:"u32,omitempty"`
	I64   *int64          `json:"i64,omitempty"`
	U64   *uint64         `json:"u64,omitempty"`
}

// KernelCall is a kernel plus bound grid and parameters.
type KernelCall struct {
	Kernel     Kernel      `json:"kernel"`
	Grid       [3]uint32   `json:"grid"`
	Parameters []Parameter `json:"parameters"`
}

// Config is one autotuning candidate.
type Config struct {
	KernelCall  KernelCall `json:"kernel_call"`
	Description string     `json:"description"`
}

// InputOutputAlias declares that the input buffer at InputBufferIdx may be
// the same memory as the output buffer at OutputBufferIdx.
type InputOutputAlias struct {
	InputBufferIdx  int    `json:"input_buffer_idx"`
	OutputBufferIdx int    `json:"output_buffer_idx"`
	BufferSizeBytes uint64 `json:"buffer_size_bytes"`
}

// AutotunedKernelCall is a named set of candidate calls benchmarked on
// first launch.
type AutotunedKernelCall struct {
	Name               string             `json:"name"`
	Configs            []Config           `json:"configs"`
	InputOutputAliases []InputOutputAlias `json:"input_output_aliases,omitempty"`
}

// AnyKernelCall is the top-level message: exactly one field is set.
type AnyKernelCall struct {
	KernelCall          *KernelCall          `json:"kernel_call,omitempty"`
	AutotunedKernelCall *AutotunedKernelCall `json:"autotuned_kernel_call,omitempty"`
}

func (p *Parameter) validate() error {
	set := 0
	if p.Array != nil {
		set++
	}
	if p.Bool != nil {
		set++
	}
	if p.I32 != nil {
		set++
	}
	if p.U32 != nil {
		set++
	}
	if p.I64 != nil {
		set++
	}
	if p.U64 != nil {
		set++
	}
	if set != 1 {
		return errors.Wrap(ErrMalformed, "unknown scalar parameter type")
	}
	return nil
}

func (c *KernelCall) validate() error {
	if c.Kernel.Name == "" {
		return errors.Wrap(ErrMalformed, "kernel entry-point name is empty")
	}
	if c.Kernel.NumWarps == 0 {
		return errors.Wrap(ErrMalformed, "kernel num_warps is zero")
	}
	for i := range c.Parameters {
		if err := c.Parameters[i].validate(); err != nil {
			return errors.WithMessagef(err, "parameter %d", i)
		}
	}
	return nil
}

func (a *AnyKernelCall) validate() error {
	switch {
	case a.KernelCall != nil && a.AutotunedKernelCall != nil:
		return errors.Wrap(ErrMalformed, "descriptor sets both call types")
	case a.KernelCall != nil:
		return a.KernelCall.validate()
	case a.AutotunedKernelCall != nil:
		at := a.AutotunedKernelCall
		if len(at.Configs) == 0 {
			return errors.Wrap(ErrMalformed, "autotuned call has no configs")
		}
		for i := range at.Configs {
			if err := at.Configs[i].KernelCall.validate(); err != nil {
				return errors.WithMessagef(err, "config %d", i)
			}
		}
		for i, alias := range at.InputOutputAliases {
			if alias.InputBufferIdx < 0 || alias.OutputBufferIdx < 0 {
				return errors.Wrapf(ErrMalformed, "alias %d has a negative buffer index", i)
			}
		}
		return nil
	default:
		return errors.Wrap(ErrMalformed, "unknown kernel call type")
	}
}
