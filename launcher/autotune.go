package launcher

import (
	"math"
	"sync"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"k8s.io/klog/v2"

	"github.com/gpukit/kernellaunch/cuda"
	"github.com/gpukit/kernellaunch/descriptor"
)

type tuneConfig struct {
	call        *KernelCall
	description string
}

// AutotunedCall wraps a set of candidate calls for the same logical kernel.
// The first Launch benchmarks every candidate once and discards all but the
// fastest; later Launches delegate to the retained winner. A benchmarking
// failure is remembered and returned by every subsequent Launch.
type AutotunedCall struct {
	drv           cuda.Driver
	name          string
	configs       []tuneConfig
	aliases       []descriptor.InputOutputAlias
	budgetMillis  float64
	maxTimedIters int

	once    sync.Once
	tuneErr error
}

func (l *Launcher) newAutotunedCall(desc *descriptor.AutotunedKernelCall) (*AutotunedCall, error) {
	configs := make([]tuneConfig, 0, len(desc.Configs))
	for i := range desc.Configs {
		call, err := l.newKernelCall(&desc.Configs[i].KernelCall)
		if err != nil {
			return nil, err
		}
		configs = append(configs, tuneConfig{call: call, description: desc.Configs[i].Description})
	}
	return &AutotunedCall{
		drv:           l.drv,
		name:          desc.Name,
		configs:       configs,
		aliases:       desc.InputOutputAliases,
		budgetMillis:  l.budgetMillis,
		maxTimedIters: l.maxTimedIters,
	}, nil
}

// Launch autotunes on first use (exactly once across all goroutines;
// concurrent callers block until the benchmark completes) and then launches
// the winning configuration.
func (a *AutotunedCall) Launch(stream cuda.Stream, buffers []cuda.DevicePtr) error {
	a.once.Do(func() {
		if len(a.configs) > 1 {
			a.tuneErr = a.autotune(stream, buffers)
		}
	})
	if a.tuneErr != nil {
		return a.tuneErr
	}
	return a.configs[0].call.Launch(stream, buffers)
}

func (a *AutotunedCall) autotune(stream cuda.Stream, buffers []cuda.DevicePtr) error {
	ctx, err := a.drv.StreamGetCtx(stream)
	if err != nil {
		return err
	}
	if err := a.drv.CtxPushCurrent(ctx); err != nil {
		return err
	}
	defer func() { _ = a.drv.CtxPopCurrent() }()

	// An input aliased to an output is overwritten in place on every run,
	// so repeated benchmark iterations would corrupt it. Snapshot such
	// inputs to the host and restore them afterwards.
	snapshots := make(map[int][]byte)
	for _, alias := range a.aliases {
		if alias.InputBufferIdx < 0 || alias.InputBufferIdx >= len(buffers) ||
			alias.OutputBufferIdx < 0 || alias.OutputBufferIdx >= len(buffers) {
			return errors.Wrapf(ErrInvalidArgument,
				"aliasing references buffer %d/%d, call has %d buffers",
				alias.InputBufferIdx, alias.OutputBufferIdx, len(buffers))
		}
		if buffers[alias.InputBufferIdx] != buffers[alias.OutputBufferIdx] {
			continue
		}
		snap := make([]byte, alias.BufferSizeBytes)
		if err := a.drv.MemcpyDtoHAsync(snap, buffers[alias.InputBufferIdx], stream); err != nil {
			return err
		}
		snapshots[alias.InputBufferIdx] = snap
	}

	klog.Infof("Autotuning kernel %s over %d configs", a.name, len(a.configs))
	best := math.Inf(1)
	for i := range a.configs {
		t, err := a.benchmark(stream, a.configs[i].call, buffers, 1)
		if err != nil {
			return err
		}
		klog.V(1).Infof("%s: ran 1 iter in %.3f ms", a.configs[i].description, t)
		best = math.Min(best, t)
	}

	timedIters := int(a.budgetMillis / best)
	if timedIters < 1 {
		timedIters = 1
	}
	if timedIters > a.maxTimedIters {
		timedIters = a.maxTimedIters
	}
	klog.V(1).Infof("Benchmarking %s with %d iters (target time: %.1f ms)",
		a.name, timedIters, a.budgetMillis)

	times := make([]float64, len(a.configs))
	for i := range a.configs {
		t, err := a.benchmark(stream, a.configs[i].call, buffers, timedIters)
		if err != nil {
			return err
		}
		klog.V(1).Infof("%s: ran %d iters in %.3f ms", a.configs[i].description, timedIters, t)
		times[i] = t
	}

	// Ties keep the earlier candidate.
	winner := floats.MinIdx(times)
	a.configs[0], a.configs[winner] = a.configs[winner], a.configs[0]
	a.configs = a.configs[:1]
	klog.Infof("Finished autotuning kernel %s, best config %q", a.name, a.configs[0].description)

	for idx, snap := range snapshots {
		if err := a.drv.MemcpyHtoDAsync(buffers[idx], snap, stream); err != nil {
			return err
		}
	}
	// The host snapshots must outlive the enqueued copies.
	return a.drv.StreamSynchronize(stream)
}

// benchmark times numIterations launches of call, preceded by one untimed
// warm-up run.
func (a *AutotunedCall) benchmark(stream cuda.Stream, call *KernelCall,
	buffers []cuda.DevicePtr, numIterations int) (float64, error) {
	start, err := a.drv.EventCreate()
	if err != nil {
		return 0, err
	}
	defer func() { _ = a.drv.EventDestroy(start) }()
	stop, err := a.drv.EventCreate()
	if err != nil {
		return 0, err
	}
	defer func() { _ = a.drv.EventDestroy(stop) }()

	if err := call.Launch(stream, buffers); err != nil {
		return 0, err
	}
	if err := a.drv.EventRecord(start, stream); err != nil {
		return 0, err
	}
	for i := 0; i < numIterations; i++ {
		if err := call.Launch(stream, buffers); err != nil {
			return 0, err
		}
	}
	if err := a.drv.EventRecord(stop, stream); err != nil {
		return 0, err
	}
	if err := a.drv.EventSynchronize(stop); err != nil {
		return 0, err
	}
	return a.drv.EventElapsed(start, stop)
}
