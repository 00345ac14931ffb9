package launcher

import (
	"unsafe"

	"github.com/pkg/errors"

	"github.com/gpukit/kernellaunch/cuda"
	"github.com/gpukit/kernellaunch/descriptor"
)

// Call is a launchable kernel call resolved from a descriptor: either a
// *KernelCall or an *AutotunedCall.
type Call interface {
	Launch(stream cuda.Stream, buffers []cuda.DevicePtr) error
}

type paramKind uint8

const (
	paramArray paramKind = iota
	paramScalar
)

type arrayParam struct {
	bytesToZero uint64
	align16     bool
}

// scalarParam holds the literal bits of a scalar argument. The address of
// bits is passed directly as the launch argument slot, so the layout must
// stay a plain little-endian word.
type scalarParam struct {
	bits uint64
}

type param struct {
	kind   paramKind
	array  arrayParam
	scalar scalarParam
}

// KernelCall binds a shared Kernel to grid dimensions and an ordered
// parameter list. Immutable once constructed.
type KernelCall struct {
	kernel *Kernel
	grid   [3]uint32
	params []param
}

// Launch marshals the parameters against the supplied device buffers and
// launches the kernel on stream. Array parameters consume buffers in
// order; each becomes a pointer-to-pointer argument slot. Zero-fills are
// enqueued on stream before the launch.
func (c *KernelCall) Launch(stream cuda.Stream, buffers []cuda.DevicePtr) error {
	args := make([]unsafe.Pointer, 0, len(c.params))
	next := 0
	for i := range c.params {
		p := &c.params[i]
		if p.kind == paramScalar {
			args = append(args, unsafe.Pointer(&p.scalar.bits))
			continue
		}
		if next >= len(buffers) {
			return errors.Wrapf(ErrInvalidArgument,
				"parameter %d: no device buffer supplied (%d buffers for call)", i, len(buffers))
		}
		ptr := buffers[next]
		if p.array.align16 && ptr%16 != 0 {
			return errors.Wrapf(ErrInvalidArgument,
				"parameter %d (0x%x) is not divisible by 16", i, uint64(ptr))
		}
		if p.array.bytesToZero > 0 {
			if err := c.kernel.drv.MemsetD8Async(ptr, 0, p.array.bytesToZero, stream); err != nil {
				return err
			}
		}
		args = append(args, unsafe.Pointer(&buffers[next]))
		next++
	}
	return c.kernel.Launch(stream, c.grid, args)
}

// newKernelCall resolves the kernel through the compile cache and binds
// the descriptor's parameters.
func (l *Launcher) newKernelCall(desc *descriptor.KernelCall) (*KernelCall, error) {
	kernel, err := l.kernelFor(&desc.Kernel)
	if err != nil {
		return nil, err
	}
	params := make([]param, 0, len(desc.Parameters))
	for i := range desc.Parameters {
		dp := &desc.Parameters[i]
		switch {
		case dp.Array != nil:
			params = append(params, param{kind: paramArray, array: arrayParam{
				bytesToZero: dp.Array.BytesToZero,
				align16:     dp.Array.PtrDivisibleBy16,
			}})
		case dp.Bool != nil:
			var bits uint64
			if *dp.Bool {
				bits = 1
			}
			params = append(params, scalar(bits))
		case dp.I32 != nil:
			params = append(params, scalar(uint64(uint32(*dp.I32))))
		case dp.U32 != nil:
			params = append(params, scalar(uint64(*dp.U32)))
		case dp.I64 != nil:
			params = append(params, scalar(uint64(*dp.I64)))
		case dp.U64 != nil:
			params = append(params, scalar(*dp.U64))
		default:
			return nil, errors.Wrapf(ErrInvalidArgument,
				"parameter %d: unknown scalar parameter type", i)
		}
	}
	return &KernelCall{kernel: kernel, grid: desc.Grid, params: params}, nil
}

func scalar(bits uint64) param {
	return param{kind: paramScalar, scalar: scalarParam{bits: bits}}
}
