//go:build cuda

package cuda

/*
#cgo LDFLAGS: -L/opt/cuda/lib64 -L/usr/local/cuda/lib64 -lcuda
#cgo CFLAGS: -I/opt/cuda/include -I/usr/local/cuda/include

#include <cuda.h>
#include <stdlib.h>
#include <string.h>

static const char* errString(CUresult err) {
    const char* str = "unknown error";
    cuGetErrorString(err, &str);
    return str;
}

// cuLaunchKernel takes a void** of argument slots. The array is built in C
// memory so that no Go pointer to Go pointer crosses the cgo boundary.
static CUresult launchKernel(CUfunction f,
                             unsigned int gx, unsigned int gy, unsigned int gz,
                             unsigned int bx, unsigned int by, unsigned int bz,
                             unsigned int shmem, CUstream stream, void* params) {
    return cuLaunchKernel(f, gx, gy, gz, bx, by, bz, shmem, stream,
                          (void**)params, NULL);
}
*/
import "C"

import "unsafe"

type driver struct{}

var defaultDriver Driver = driver{}

// Available reports whether this binary was built against the CUDA driver.
func Available() bool { return true }

func status(call string, res C.CUresult) error {
	if res == C.CUDA_SUCCESS {
		return nil
	}
	return &Error{Call: call, Code: int(res), Msg: C.GoString(C.errString(res))}
}

func (driver) Init(flags uint32) error {
	return status("cuInit", C.cuInit(C.uint(flags)))
}

func (driver) StreamGetCtx(stream Stream) (Context, error) {
	var ctx C.CUcontext
	err := status("cuStreamGetCtx", C.cuStreamGetCtx(C.CUstream(unsafe.Pointer(stream)), &ctx))
	return Context(unsafe.Pointer(ctx)), err
}

func (driver) StreamSynchronize(stream Stream) error {
	return status("cuStreamSynchronize", C.cuStreamSynchronize(C.CUstream(unsafe.Pointer(stream))))
}

func (driver) CtxPushCurrent(ctx Context) error {
	return status("cuCtxPushCurrent", C.cuCtxPushCurrent(C.CUcontext(unsafe.Pointer(ctx))))
}

func (driver) CtxPopCurrent() error {
	return status("cuCtxPopCurrent", C.cuCtxPopCurrent(nil))
}

func (driver) CtxGetDevice() (Device, error) {
	var dev C.CUdevice
	err := status("cuCtxGetDevice", C.cuCtxGetDevice(&dev))
	return Device(dev), err
}

func (driver) ModuleLoadData(image []byte) (Module, error) {
	buf := C.CBytes(image)
	defer C.free(buf)
	var module C.CUmodule
	err := status("cuModuleLoadData", C.cuModuleLoadData(&module, buf))
	return Module(unsafe.Pointer(module)), err
}

func (driver) ModuleUnload(module Module) error {
	return status("cuModuleUnload", C.cuModuleUnload(C.CUmodule(unsafe.Pointer(module))))
}

func (driver) ModuleGetFunction(module Module, name string) (Function, error) {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	var fn C.CUfunction
	err := status("cuModuleGetFunction",
		C.cuModuleGetFunction(&fn, C.CUmodule(unsafe.Pointer(module)), cname))
	return Function(unsafe.Pointer(fn)), err
}

func (driver) DeviceGetAttribute(attr DeviceAttribute, dev Device) (int, error) {
	var value C.int
	err := status("cuDeviceGetAttribute",
		C.cuDeviceGetAttribute(&value, C.CUdevice_attribute(attr), C.CUdevice(dev)))
	return int(value), err
}

func (driver) FuncGetAttribute(attr FuncAttribute, fn Function) (int, error) {
	var value C.int
	err := status("cuFuncGetAttribute",
		C.cuFuncGetAttribute(&value, C.CUfunction_attribute(attr), C.CUfunction(unsafe.Pointer(fn))))
	return int(value), err
}

func (driver) FuncSetAttribute(fn Function, attr FuncAttribute, value int) error {
	return status("cuFuncSetAttribute",
		C.cuFuncSetAttribute(C.CUfunction(unsafe.Pointer(fn)), C.CUfunction_attribute(attr), C.int(value)))
}

func (driver) FuncSetCacheConfig(fn Function, config FuncCacheConfig) error {
	return status("cuFuncSetCacheConfig",
		C.cuFuncSetCacheConfig(C.CUfunction(unsafe.Pointer(fn)), C.CUfunc_cache(config)))
}

func (driver) LaunchKernel(fn Function, gridX, gridY, gridZ, blockX, blockY, blockZ uint32,
	sharedMemBytes uint32, stream Stream, params []unsafe.Pointer) error {
	var cParams unsafe.Pointer
	if len(params) > 0 {
		cParams = C.malloc(C.size_t(len(params)) * C.size_t(unsafe.Sizeof(uintptr(0))))
		defer C.free(cParams)
		slots := (*[1 << 28]unsafe.Pointer)(cParams)[: len(params) : len(params)]
		copy(slots, params)
	}
	return status("cuLaunchKernel", C.launchKernel(
		C.CUfunction(unsafe.Pointer(fn)),
		C.uint(gridX), C.uint(gridY), C.uint(gridZ),
		C.uint(blockX), C.uint(blockY), C.uint(blockZ),
		C.uint(sharedMemBytes), C.CUstream(unsafe.Pointer(stream)), cParams))
}

func (driver) MemsetD8Async(dst DevicePtr, value byte, n uint64, stream Stream) error {
	return status("cuMemsetD8Async", C.cuMemsetD8Async(
		C.CUdeviceptr(dst), C.uchar(value), C.size_t(n), C.CUstream(unsafe.Pointer(stream))))
}

func (driver) MemcpyDtoHAsync(dst []byte, src DevicePtr, stream Stream) error {
	if len(dst) == 0 {
		return nil
	}
	return status("cuMemcpyDtoHAsync", C.cuMemcpyDtoHAsync(
		unsafe.Pointer(&dst[0]), C.CUdeviceptr(src), C.size_t(len(dst)),
		C.CUstream(unsafe.Pointer(stream))))
}

func (driver) MemcpyHtoDAsync(dst DevicePtr, src []byte, stream Stream) error {
	if len(src) == 0 {
		return nil
	}
	return status("cuMemcpyHtoDAsync", C.cuMemcpyHtoDAsync(
		C.CUdeviceptr(dst), unsafe.Pointer(&src[0]), C.size_t(len(src)),
		C.CUstream(unsafe.Pointer(stream))))
}

func (driver) EventCreate() (Event, error) {
	var event C.CUevent
	err := status("cuEventCreate", C.cuEventCreate(&event, C.CU_EVENT_DEFAULT))
	return Event(unsafe.Pointer(event)), err
}

func (driver) EventRecord(event Event, stream Stream) error {
	return status("cuEventRecord", C.cuEventRecord(
		C.CUevent(unsafe.Pointer(event)), C.CUstream(unsafe.Pointer(stream))))
}

func (driver) EventSynchronize(event Event) error {
	return status("cuEventSynchronize", C.cuEventSynchronize(C.CUevent(unsafe.Pointer(event))))
}

func (driver) EventElapsed(start, stop Event) (float64, error) {
	var ms C.float
	err := status("cuEventElapsedTime", C.cuEventElapsedTime(&ms,
		C.CUevent(unsafe.Pointer(start)), C.CUevent(unsafe.Pointer(stop))))
	return float64(ms), err
}

func (driver) EventDestroy(event Event) error {
	return status("cuEventDestroy", C.cuEventDestroy(C.CUevent(unsafe.Pointer(event))))
}
