package launcher

import (
	"sync"
	"time"

	"github.com/gpukit/kernellaunch/cuda"
	"github.com/gpukit/kernellaunch/descriptor"
	"github.com/gpukit/kernellaunch/ptxc"
)

// CustomCallTargetName tags the launch entry point for registration with
// the calling runtime's custom-call dispatch mechanism.
const CustomCallTargetName = "xla._CUSTOM_CALL_TARGET"

// Launcher owns the process-wide caches: compiled kernels keyed by binary
// identity and resolved calls keyed by descriptor bytes. Both grow
// monotonically; entries are never evicted. Safe for concurrent use.
type Launcher struct {
	drv           cuda.Driver
	compiler      ptxc.Compiler
	budgetMillis  float64
	maxTimedIters int

	kernelMu sync.Mutex
	kernels  map[kernelKey]*Kernel

	callMu sync.Mutex
	calls  map[string]Call
}

type kernelKey struct {
	source            string
	entryName         string
	numWarps          uint32
	sharedMemBytes    uint32
	computeCapability uint32
}

// Option configures a Launcher.
type Option func(*Launcher)

// WithDriver substitutes the device driver. Used by tests.
func WithDriver(drv cuda.Driver) Option {
	return func(l *Launcher) { l.drv = drv }
}

// WithCompiler substitutes the kernel binary compiler.
func WithCompiler(c ptxc.Compiler) Option {
	return func(l *Launcher) { l.compiler = c }
}

// WithBenchmarkBudget sets the target total time of an autotuning
// measurement pass. Default 10ms.
func WithBenchmarkBudget(d time.Duration) Option {
	return func(l *Launcher) { l.budgetMillis = float64(d) / float64(time.Millisecond) }
}

// WithBenchmarkIterCap caps the iterations of an autotuning measurement
// pass. Default 100.
func WithBenchmarkIterCap(n int) Option {
	return func(l *Launcher) { l.maxTimedIters = n }
}

// New returns a Launcher backed by the default driver and the ptxas
// compiler unless overridden.
func New(opts ...Option) *Launcher {
	l := &Launcher{
		drv:           cuda.Default(),
		compiler:      ptxc.NewPtxas(),
		budgetMillis:  10,
		maxTimedIters: 100,
		kernels:       make(map[kernelKey]*Kernel),
		calls:         make(map[string]Call),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

var (
	defaultLauncher *Launcher
	defaultOnce     sync.Once
)

// Default returns the process-wide Launcher.
func Default() *Launcher {
	defaultOnce.Do(func() { defaultLauncher = New() })
	return defaultLauncher
}

// kernelFor returns the shared Kernel for the given binary identity,
// compiling on first use. The compile runs under the registry lock, so
// concurrent misses serialize; misses are the rare, expensive path.
func (l *Launcher) kernelFor(desc *descriptor.Kernel) (*Kernel, error) {
	key := kernelKey{
		source:            desc.Source,
		entryName:         desc.Name,
		numWarps:          desc.NumWarps,
		sharedMemBytes:    desc.SharedMemBytes,
		computeCapability: desc.ComputeCapability,
	}
	l.kernelMu.Lock()
	defer l.kernelMu.Unlock()
	if k, ok := l.kernels[key]; ok {
		return k, nil
	}
	image, err := l.compiler.Compile(desc.Source,
		int(desc.ComputeCapability/10), int(desc.ComputeCapability%10))
	if err != nil {
		return nil, err
	}
	k := newKernel(l.drv, image, desc.Name, desc.NumWarps, desc.SharedMemBytes)
	l.kernels[key] = k
	return k, nil
}

// CallForDescriptor returns the call object for the verbatim opaque
// descriptor bytes, building it on first use.
func (l *Launcher) CallForDescriptor(opaque []byte) (Call, error) {
	l.callMu.Lock()
	defer l.callMu.Unlock()
	if call, ok := l.calls[string(opaque)]; ok {
		return call, nil
	}

	desc, err := descriptor.Decode(opaque)
	if err != nil {
		return nil, err
	}
	var call Call
	if desc.KernelCall != nil {
		call, err = l.newKernelCall(desc.KernelCall)
	} else {
		call, err = l.newAutotunedCall(desc.AutotunedKernelCall)
	}
	if err != nil {
		return nil, err
	}
	l.calls[string(opaque)] = call
	return call, nil
}

// Launch is the entry point: it resolves (or builds) the call described by
// the opaque descriptor and launches it on stream against buffers.
func (l *Launcher) Launch(stream cuda.Stream, buffers []cuda.DevicePtr, opaque []byte) error {
	call, err := l.CallForDescriptor(opaque)
	if err != nil {
		return err
	}
	return call.Launch(stream, buffers)
}

// ComputeCapability initializes the driver and returns the device's
// compute capability encoded as major*10+minor.
func (l *Launcher) ComputeCapability(device int) (int, error) {
	if err := l.drv.Init(0); err != nil {
		return 0, err
	}
	major, err := l.drv.DeviceGetAttribute(cuda.DevAttrComputeCapabilityMajor, cuda.Device(device))
	if err != nil {
		return 0, err
	}
	minor, err := l.drv.DeviceGetAttribute(cuda.DevAttrComputeCapabilityMinor, cuda.Device(device))
	if err != nil {
		return 0, err
	}
	return major*10 + minor, nil
}

// Close unloads every device module loaded through this Launcher. The
// Launcher is not reusable afterwards.
func (l *Launcher) Close() error {
	l.kernelMu.Lock()
	defer l.kernelMu.Unlock()
	var firstErr error
	for _, k := range l.kernels {
		if err := k.unloadModules(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Status is the caller-visible outcome slot of a custom-call invocation.
// The zero value means success.
type Status struct {
	failed bool
	msg    string
}

// SetFailure marks the call failed with a human-readable message.
func (s *Status) SetFailure(msg string) {
	s.failed = true
	s.msg = msg
}

// Failure returns the failure message, if any.
func (s *Status) Failure() (string, bool) {
	return s.msg, s.failed
}

// CustomCallTarget is the boundary signature handed to the calling
// runtime. It never returns an error; failures land in status.
type CustomCallTarget func(stream cuda.Stream, buffers []cuda.DevicePtr, opaque []byte, status *Status)

// CustomCall exposes the entry point as a registration handle. Every
// failure below the boundary is converted into a status message.
func (l *Launcher) CustomCall() CustomCallTarget {
	return func(stream cuda.Stream, buffers []cuda.DevicePtr, opaque []byte, status *Status) {
		if err := l.Launch(stream, buffers, opaque); err != nil {
			status.SetFailure(err.Error())
		}
	}
}
