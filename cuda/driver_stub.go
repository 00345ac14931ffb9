//go:build !cuda

package cuda

import (
	"unsafe"

	"github.com/pkg/errors"
)

// stub satisfies Driver on builds without CUDA support so that the library
// and its consumers always compile. Every call fails.
type stub struct{}

var defaultDriver Driver = stub{}

// Available reports whether this binary was built against the CUDA driver.
func Available() bool { return false }

var errUnavailable = errors.New("built without CUDA support (rebuild with -tags cuda)")

func (stub) Init(uint32) error                          { return errUnavailable }
func (stub) StreamGetCtx(Stream) (Context, error)       { return 0, errUnavailable }
func (stub) StreamSynchronize(Stream) error             { return errUnavailable }
func (stub) CtxPushCurrent(Context) error               { return errUnavailable }
func (stub) CtxPopCurrent() error                       { return errUnavailable }
func (stub) CtxGetDevice() (Device, error)              { return 0, errUnavailable }
func (stub) ModuleLoadData([]byte) (Module, error)      { return 0, errUnavailable }
func (stub) ModuleUnload(Module) error                  { return errUnavailable }
func (stub) ModuleGetFunction(Module, string) (Function, error) {
	return 0, errUnavailable
}
func (stub) DeviceGetAttribute(DeviceAttribute, Device) (int, error) {
	return 0, errUnavailable
}
func (stub) FuncGetAttribute(FuncAttribute, Function) (int, error) {
	return 0, errUnavailable
}
func (stub) FuncSetAttribute(Function, FuncAttribute, int) error { return errUnavailable }
func (stub) FuncSetCacheConfig(Function, FuncCacheConfig) error  { return errUnavailable }
func (stub) LaunchKernel(Function, uint32, uint32, uint32, uint32, uint32, uint32,
	uint32, Stream, []unsafe.Pointer) error {
	return errUnavailable
}
func (stub) MemsetD8Async(DevicePtr, byte, uint64, Stream) error  { return errUnavailable }
func (stub) MemcpyDtoHAsync([]byte, DevicePtr, Stream) error      { return errUnavailable }
func (stub) MemcpyHtoDAsync(DevicePtr, []byte, Stream) error      { return errUnavailable }
func (stub) EventCreate() (Event, error)                          { return 0, errUnavailable }
func (stub) EventRecord(Event, Stream) error                      { return errUnavailable }
func (stub) EventSynchronize(Event) error                         { return errUnavailable }
func (stub) EventElapsed(Event, Event) (float64, error)           { return 0, errUnavailable }
func (stub) EventDestroy(Event) error                             { return errUnavailable }
