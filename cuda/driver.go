// Package cuda is a thin, typed surface over the CUDA driver API.
//
// The rest of the repository depends only on the Driver interface, so the
// launch core can be exercised against the in-memory fake in cuda/cudatest
// and linked against the real driver with `-tags cuda`.
package cuda

import (
	"fmt"
	"unsafe"
)

// Opaque driver handles. All of these are driver-owned; this package never
// fabricates them except through Driver calls.
type (
	Stream    uintptr
	Context   uintptr
	Module    uintptr
	Function  uintptr
	Event     uintptr
	Device    int32
	DevicePtr uint64
)

// DeviceAttribute mirrors the CU_DEVICE_ATTRIBUTE_* values used here.
type DeviceAttribute int32

const (
	DevAttrComputeCapabilityMajor       DeviceAttribute = 75
	DevAttrComputeCapabilityMinor       DeviceAttribute = 76
	DevAttrMaxSharedMemoryPerBlockOptin DeviceAttribute = 97
)

// FuncAttribute mirrors the CU_FUNC_ATTRIBUTE_* values used here.
type FuncAttribute int32

const (
	FuncAttrSharedSizeBytes           FuncAttribute = 1
	FuncAttrMaxDynamicSharedSizeBytes FuncAttribute = 8
)

// FuncCacheConfig mirrors CUfunc_cache.
type FuncCacheConfig int32

const (
	FuncCachePreferNone   FuncCacheConfig = 0
	FuncCachePreferShared FuncCacheConfig = 1
)

// Driver is the set of driver operations the launch core needs. Every call
// maps 1:1 onto a cuXxx entry point; implementations must be safe for
// concurrent use by multiple goroutines.
type Driver interface {
	Init(flags uint32) error

	StreamGetCtx(stream Stream) (Context, error)
	StreamSynchronize(stream Stream) error

	CtxPushCurrent(ctx Context) error
	CtxPopCurrent() error
	CtxGetDevice() (Device, error)

	ModuleLoadData(image []byte) (Module, error)
	ModuleUnload(module Module) error
	ModuleGetFunction(module Module, name string) (Function, error)

	DeviceGetAttribute(attr DeviceAttribute, dev Device) (int, error)
	FuncGetAttribute(attr FuncAttribute, fn Function) (int, error)
	FuncSetAttribute(fn Function, attr FuncAttribute, value int) error
	FuncSetCacheConfig(fn Function, config FuncCacheConfig) error

	// LaunchKernel enqueues fn on stream. params holds one slot per kernel
	// argument; each slot is the address of the argument value, matching the
	// cuLaunchKernel calling convention.
	LaunchKernel(fn Function, gridX, gridY, gridZ, blockX, blockY, blockZ uint32,
		sharedMemBytes uint32, stream Stream, params []unsafe.Pointer) error

	MemsetD8Async(dst DevicePtr, value byte, n uint64, stream Stream) error
	MemcpyDtoHAsync(dst []byte, src DevicePtr, stream Stream) error
	MemcpyHtoDAsync(dst DevicePtr, src []byte, stream Stream) error

	EventCreate() (Event, error)
	EventRecord(event Event, stream Stream) error
	EventSynchronize(event Event) error
	EventElapsed(start, stop Event) (float64, error)
	EventDestroy(event Event) error
}

// Error is a failed driver call: the cuXxx entry point, the CUresult code
// and the driver's error string.
type Error struct {
	Call string
	Code int
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s failed: %s (%d)", e.Call, e.Msg, e.Code)
}

// Default returns the process-wide driver implementation: the cgo-backed
// driver when built with `-tags cuda`, otherwise a stub whose every call
// fails.
func Default() Driver {
	return defaultDriver
}
