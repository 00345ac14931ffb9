// Package launcher launches precompiled GPU kernels on behalf of a calling
// runtime. It caches compiled kernels by binary identity, resolves device
// functions once per context, marshals call parameters, and benchmarks
// autotuned candidate configurations exactly once.
package launcher

import (
	"sync"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/gpukit/kernellaunch/cuda"
)

const threadsPerWarp = 32

// The CUDA static shared-memory limit per block. Requests beyond it need
// the device's opt-in dynamic shared-memory ceiling.
const maxStaticSharedMemBytes = 49152

// ErrInvalidArgument tags caller-input failures: misaligned buffers,
// shared-memory overcommit, unrecognized parameter encodings. Driver
// failures carry a *cuda.Error instead.
var ErrInvalidArgument = errors.New("invalid argument")

// Kernel owns a compiled binary image and its per-context resolved
// functions. A Kernel is shared by every call referencing the same binary
// and launch shape; all methods are safe for concurrent use.
type Kernel struct {
	drv            cuda.Driver
	image          []byte
	entryName      string
	blockDimX      uint32
	sharedMemBytes uint32

	mu        sync.Mutex
	modules   []cuda.Module
	functions map[cuda.Context]cuda.Function
}

func newKernel(drv cuda.Driver, image []byte, entryName string, numWarps, sharedMemBytes uint32) *Kernel {
	return &Kernel{
		drv:            drv,
		image:          image,
		entryName:      entryName,
		blockDimX:      numWarps * threadsPerWarp,
		sharedMemBytes: sharedMemBytes,
		functions:      make(map[cuda.Context]cuda.Function),
	}
}

// Launch runs the kernel on stream with the given grid. params holds one
// slot per kernel argument, each the address of the argument value.
func (k *Kernel) Launch(stream cuda.Stream, grid [3]uint32, params []unsafe.Pointer) error {
	ctx, err := k.drv.StreamGetCtx(stream)
	if err != nil {
		return err
	}
	fn, err := k.functionForContext(ctx)
	if err != nil {
		return err
	}
	return k.drv.LaunchKernel(fn, grid[0], grid[1], grid[2],
		k.blockDimX, 1, 1, k.sharedMemBytes, stream, params)
}

// functionForContext resolves the entry point in ctx, loading the module on
// first use. Resolution happens at most once per context; the result is
// memoized after the first success.
func (k *Kernel) functionForContext(ctx cuda.Context) (cuda.Function, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if fn, ok := k.functions[ctx]; ok {
		return fn, nil
	}

	if err := k.drv.CtxPushCurrent(ctx); err != nil {
		return 0, err
	}
	defer func() { _ = k.drv.CtxPopCurrent() }()

	module, err := k.drv.ModuleLoadData(k.image)
	if err != nil {
		return 0, err
	}
	k.modules = append(k.modules, module)

	fn, err := k.drv.ModuleGetFunction(module, k.entryName)
	if err != nil {
		return 0, err
	}

	if k.sharedMemBytes > maxStaticSharedMemBytes {
		if err := k.configureDynamicSharedMem(fn); err != nil {
			return 0, err
		}
	}

	k.functions[ctx] = fn
	return fn, nil
}

func (k *Kernel) configureDynamicSharedMem(fn cuda.Function) error {
	dev, err := k.drv.CtxGetDevice()
	if err != nil {
		return err
	}
	optin, err := k.drv.DeviceGetAttribute(cuda.DevAttrMaxSharedMemoryPerBlockOptin, dev)
	if err != nil {
		return err
	}
	if k.sharedMemBytes > uint32(optin) {
		return errors.Wrapf(ErrInvalidArgument,
			"shared memory requested (%d bytes) exceeds device resources (%d bytes)",
			k.sharedMemBytes, optin)
	}
	if optin > maxStaticSharedMemBytes {
		if err := k.drv.FuncSetCacheConfig(fn, cuda.FuncCachePreferShared); err != nil {
			return err
		}
		static, err := k.drv.FuncGetAttribute(cuda.FuncAttrSharedSizeBytes, fn)
		if err != nil {
			return err
		}
		if err := k.drv.FuncSetAttribute(fn, cuda.FuncAttrMaxDynamicSharedSizeBytes, optin-static); err != nil {
			return err
		}
	}
	return nil
}

// unloadModules releases every module this kernel loaded and forgets the
// resolved functions. Called only from Launcher.Close.
func (k *Kernel) unloadModules() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	var firstErr error
	for _, module := range k.modules {
		if err := k.drv.ModuleUnload(module); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	k.modules = nil
	k.functions = make(map[cuda.Context]cuda.Function)
	return firstErr
}
