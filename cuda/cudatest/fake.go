// Package cudatest provides an in-memory cuda.Driver for tests.
//
// The fake models just enough of the driver to exercise the launch core
// without hardware: byte-backed device allocations, a per-stream virtual
// clock that event timing reads from, and programmable per-kernel launch
// costs and side effects. All driver traffic is recorded so tests can
// assert on module loads, attribute queries, memsets and launches.
package cudatest

import (
	"sync"
	"time"
	"unsafe"

	"github.com/gpukit/kernellaunch/cuda"
)

// Launch is one recorded LaunchKernel call.
type Launch struct {
	Name           string
	Fn             cuda.Function
	Grid           [3]uint32
	Block          [3]uint32
	SharedMemBytes uint32
	Stream         cuda.Stream
	// Args holds the dereferenced value of each argument slot. Array
	// arguments appear as the device pointer value, scalars as their bits.
	Args []uint64
}

// Memset is one recorded MemsetD8Async call.
type Memset struct {
	Dst    cuda.DevicePtr
	Value  byte
	N      uint64
	Stream cuda.Stream
}

// FuncAttrSet is one recorded FuncSetAttribute call.
type FuncAttrSet struct {
	Name  string
	Attr  cuda.FuncAttribute
	Value int
}

type alloc struct {
	base cuda.DevicePtr
	data []byte
}

type moduleState struct {
	image []byte
	ctx   cuda.Context
}

type functionState struct {
	module cuda.Module
	name   string
}

type eventState struct {
	at float64 // virtual ms, valid once recorded
}

// Fake implements cuda.Driver in memory.
type Fake struct {
	mu sync.Mutex

	next uintptr

	devices  map[cuda.Device]map[cuda.DeviceAttribute]int
	contexts map[cuda.Context]cuda.Device
	streams  map[cuda.Stream]*streamState
	current  []cuda.Context

	allocs    []*alloc
	modules   map[cuda.Module]*moduleState
	functions map[cuda.Function]*functionState
	fnByName  map[fnKey]cuda.Function
	events    map[cuda.Event]*eventState

	costs        map[string]float64 // entry name -> ms per launch
	effects      map[string]func(args []uint64)
	staticShared map[string]int
	failures     map[string]error

	moduleLoads   int
	fnResolves    map[string]int
	devAttrReads  map[cuda.DeviceAttribute]int
	pushes, pops  int
	syncs         int
	launches      []Launch
	memsets       []Memset
	funcAttrSets  []FuncAttrSet
	cacheConfigs  map[string]cuda.FuncCacheConfig
	liveEvents    int
	unloaded      int
}

type streamState struct {
	ctx   cuda.Context
	clock float64 // virtual ms
}

type fnKey struct {
	module cuda.Module
	name   string
}

// New returns a fake with one device (index 0) whose attributes default to
// compute capability 8.0 and a 96KB shared-memory opt-in ceiling.
func New() *Fake {
	f := &Fake{
		next:         0x1000,
		devices:      make(map[cuda.Device]map[cuda.DeviceAttribute]int),
		contexts:     make(map[cuda.Context]cuda.Device),
		streams:      make(map[cuda.Stream]*streamState),
		modules:      make(map[cuda.Module]*moduleState),
		functions:    make(map[cuda.Function]*functionState),
		fnByName:     make(map[fnKey]cuda.Function),
		events:       make(map[cuda.Event]*eventState),
		costs:        make(map[string]float64),
		effects:      make(map[string]func(args []uint64)),
		staticShared: make(map[string]int),
		failures:     make(map[string]error),
		fnResolves:   make(map[string]int),
		devAttrReads: make(map[cuda.DeviceAttribute]int),
		cacheConfigs: make(map[string]cuda.FuncCacheConfig),
	}
	f.devices[0] = map[cuda.DeviceAttribute]int{
		cuda.DevAttrComputeCapabilityMajor:       8,
		cuda.DevAttrComputeCapabilityMinor:       0,
		cuda.DevAttrMaxSharedMemoryPerBlockOptin: 98304,
	}
	return f
}

func (f *Fake) handle() uintptr {
	f.next += 0x10
	return f.next
}

// NewContext registers a context owned by dev.
func (f *Fake) NewContext(dev cuda.Device) cuda.Context {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.devices[dev]; !ok {
		f.devices[dev] = map[cuda.DeviceAttribute]int{}
	}
	ctx := cuda.Context(f.handle())
	f.contexts[ctx] = dev
	return ctx
}

// NewStream registers a stream bound to ctx.
func (f *Fake) NewStream(ctx cuda.Context) cuda.Stream {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := cuda.Stream(f.handle())
	f.streams[s] = &streamState{ctx: ctx}
	return s
}

// Alloc returns a 256-byte-aligned device allocation of n bytes.
func (f *Fake) Alloc(n int) cuda.DevicePtr {
	return f.allocAligned(n, 0)
}

// AllocMisaligned returns an allocation whose base is 8 bytes past a
// 16-byte boundary.
func (f *Fake) AllocMisaligned(n int) cuda.DevicePtr {
	return f.allocAligned(n, 8)
}

func (f *Fake) allocAligned(n int, skew uint64) cuda.DevicePtr {
	f.mu.Lock()
	defer f.mu.Unlock()
	base := (uint64(f.handle()) + 0xff) &^ 0xff
	f.next = uintptr(base + uint64(n) + 0x100)
	a := &alloc{base: cuda.DevicePtr(base + skew), data: make([]byte, n)}
	f.allocs = append(f.allocs, a)
	return a.base
}

// SetBytes overwrites device memory at p.
func (f *Fake) SetBytes(p cuda.DevicePtr, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, off := f.findAlloc(p)
	if a == nil {
		panic("cudatest: SetBytes outside any allocation")
	}
	copy(a.data[off:], data)
}

// Bytes returns a copy of n bytes of device memory at p.
func (f *Fake) Bytes(p cuda.DevicePtr, n int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, off := f.findAlloc(p)
	if a == nil {
		panic("cudatest: Bytes outside any allocation")
	}
	out := make([]byte, n)
	copy(out, a.data[off:])
	return out
}

func (f *Fake) findAlloc(p cuda.DevicePtr) (*alloc, int) {
	for _, a := range f.allocs {
		if p >= a.base && uint64(p) < uint64(a.base)+uint64(len(a.data)) {
			return a, int(p - a.base)
		}
	}
	return nil, 0
}

// SetLaunchCost sets the virtual duration of one launch of the named entry
// point. Unset entries cost 1ms.
func (f *Fake) SetLaunchCost(entry string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.costs[entry] = float64(d) / float64(time.Millisecond)
}

// SetLaunchEffect installs a side effect run on every launch of the named
// entry point. args are the dereferenced argument slots.
func (f *Fake) SetLaunchEffect(entry string, effect func(args []uint64)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.effects[entry] = effect
}

// SetStaticShared sets the static shared-memory footprint reported for the
// named entry point.
func (f *Fake) SetStaticShared(entry string, bytes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.staticShared[entry] = bytes
}

// SetDeviceAttribute overrides a device attribute.
func (f *Fake) SetDeviceAttribute(dev cuda.Device, attr cuda.DeviceAttribute, value int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.devices[dev]; !ok {
		f.devices[dev] = map[cuda.DeviceAttribute]int{}
	}
	f.devices[dev][attr] = value
}

// FailWith makes every subsequent call of the named driver entry point
// (e.g. "cuEventRecord") return err.
func (f *Fake) FailWith(call string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[call] = err
}

func (f *Fake) failure(call string) error {
	if err := f.failures[call]; err != nil {
		return err
	}
	return nil
}

// Recorded traffic accessors.

func (f *Fake) ModuleLoads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.moduleLoads
}

func (f *Fake) ModuleUnloads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unloaded
}

func (f *Fake) FunctionResolves(entry string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fnResolves[entry]
}

func (f *Fake) DeviceAttrReads(attr cuda.DeviceAttribute) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.devAttrReads[attr]
}

// StreamSyncs returns the number of StreamSynchronize calls.
func (f *Fake) StreamSyncs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.syncs
}

func (f *Fake) Launches() []Launch {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Launch, len(f.launches))
	copy(out, f.launches)
	return out
}

// LaunchCount returns the number of launches of the named entry point.
func (f *Fake) LaunchCount(entry string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, l := range f.launches {
		if l.Name == entry {
			n++
		}
	}
	return n
}

func (f *Fake) Memsets() []Memset {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Memset, len(f.memsets))
	copy(out, f.memsets)
	return out
}

func (f *Fake) FuncAttrSets() []FuncAttrSet {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FuncAttrSet, len(f.funcAttrSets))
	copy(out, f.funcAttrSets)
	return out
}

// CacheConfig returns the cache config set for the named entry point.
func (f *Fake) CacheConfig(entry string) (cuda.FuncCacheConfig, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg, ok := f.cacheConfigs[entry]
	return cfg, ok
}

// ContextBalanced reports whether every context push was matched by a pop.
func (f *Fake) ContextBalanced() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pushes == f.pops && len(f.current) == 0
}

// LiveEvents returns the number of created-but-not-destroyed events.
func (f *Fake) LiveEvents() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.liveEvents
}

var _ cuda.Driver = (*Fake)(nil)

func (f *Fake) Init(flags uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failure("cuInit")
}

func (f *Fake) StreamGetCtx(stream cuda.Stream) (cuda.Context, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("cuStreamGetCtx"); err != nil {
		return 0, err
	}
	s, ok := f.streams[stream]
	if !ok {
		return 0, &cuda.Error{Call: "cuStreamGetCtx", Code: 1, Msg: "invalid stream"}
	}
	return s.ctx, nil
}

func (f *Fake) StreamSynchronize(stream cuda.Stream) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("cuStreamSynchronize"); err != nil {
		return err
	}
	f.syncs++
	return nil
}

func (f *Fake) CtxPushCurrent(ctx cuda.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("cuCtxPushCurrent"); err != nil {
		return err
	}
	f.pushes++
	f.current = append(f.current, ctx)
	return nil
}

func (f *Fake) CtxPopCurrent() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("cuCtxPopCurrent"); err != nil {
		return err
	}
	if len(f.current) == 0 {
		return &cuda.Error{Call: "cuCtxPopCurrent", Code: 1, Msg: "no current context"}
	}
	f.pops++
	f.current = f.current[:len(f.current)-1]
	return nil
}

func (f *Fake) CtxGetDevice() (cuda.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("cuCtxGetDevice"); err != nil {
		return 0, err
	}
	if len(f.current) == 0 {
		return 0, &cuda.Error{Call: "cuCtxGetDevice", Code: 1, Msg: "no current context"}
	}
	return f.contexts[f.current[len(f.current)-1]], nil
}

func (f *Fake) ModuleLoadData(image []byte) (cuda.Module, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("cuModuleLoadData"); err != nil {
		return 0, err
	}
	if len(f.current) == 0 {
		return 0, &cuda.Error{Call: "cuModuleLoadData", Code: 1, Msg: "no current context"}
	}
	m := cuda.Module(f.handle())
	f.modules[m] = &moduleState{
		image: append([]byte(nil), image...),
		ctx:   f.current[len(f.current)-1],
	}
	f.moduleLoads++
	return m, nil
}

func (f *Fake) ModuleUnload(module cuda.Module) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("cuModuleUnload"); err != nil {
		return err
	}
	if _, ok := f.modules[module]; !ok {
		return &cuda.Error{Call: "cuModuleUnload", Code: 1, Msg: "invalid module"}
	}
	delete(f.modules, module)
	f.unloaded++
	return nil
}

func (f *Fake) ModuleGetFunction(module cuda.Module, name string) (cuda.Function, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("cuModuleGetFunction"); err != nil {
		return 0, err
	}
	if _, ok := f.modules[module]; !ok {
		return 0, &cuda.Error{Call: "cuModuleGetFunction", Code: 1, Msg: "invalid module"}
	}
	f.fnResolves[name]++
	key := fnKey{module: module, name: name}
	if fn, ok := f.fnByName[key]; ok {
		return fn, nil
	}
	fn := cuda.Function(f.handle())
	f.fnByName[key] = fn
	f.functions[fn] = &functionState{module: module, name: name}
	return fn, nil
}

func (f *Fake) DeviceGetAttribute(attr cuda.DeviceAttribute, dev cuda.Device) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("cuDeviceGetAttribute"); err != nil {
		return 0, err
	}
	attrs, ok := f.devices[dev]
	if !ok {
		return 0, &cuda.Error{Call: "cuDeviceGetAttribute", Code: 101, Msg: "invalid device"}
	}
	f.devAttrReads[attr]++
	return attrs[attr], nil
}

func (f *Fake) FuncGetAttribute(attr cuda.FuncAttribute, fn cuda.Function) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("cuFuncGetAttribute"); err != nil {
		return 0, err
	}
	st, ok := f.functions[fn]
	if !ok {
		return 0, &cuda.Error{Call: "cuFuncGetAttribute", Code: 1, Msg: "invalid function"}
	}
	if attr == cuda.FuncAttrSharedSizeBytes {
		return f.staticShared[st.name], nil
	}
	return 0, nil
}

func (f *Fake) FuncSetAttribute(fn cuda.Function, attr cuda.FuncAttribute, value int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("cuFuncSetAttribute"); err != nil {
		return err
	}
	st, ok := f.functions[fn]
	if !ok {
		return &cuda.Error{Call: "cuFuncSetAttribute", Code: 1, Msg: "invalid function"}
	}
	f.funcAttrSets = append(f.funcAttrSets, FuncAttrSet{Name: st.name, Attr: attr, Value: value})
	return nil
}

func (f *Fake) FuncSetCacheConfig(fn cuda.Function, config cuda.FuncCacheConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("cuFuncSetCacheConfig"); err != nil {
		return err
	}
	st, ok := f.functions[fn]
	if !ok {
		return &cuda.Error{Call: "cuFuncSetCacheConfig", Code: 1, Msg: "invalid function"}
	}
	f.cacheConfigs[st.name] = config
	return nil
}

func (f *Fake) LaunchKernel(fn cuda.Function, gridX, gridY, gridZ, blockX, blockY, blockZ uint32,
	sharedMemBytes uint32, stream cuda.Stream, params []unsafe.Pointer) error {
	f.mu.Lock()
	if err := f.failure("cuLaunchKernel"); err != nil {
		f.mu.Unlock()
		return err
	}
	st, ok := f.functions[fn]
	if !ok {
		f.mu.Unlock()
		return &cuda.Error{Call: "cuLaunchKernel", Code: 1, Msg: "invalid function"}
	}
	ss, ok := f.streams[stream]
	if !ok {
		f.mu.Unlock()
		return &cuda.Error{Call: "cuLaunchKernel", Code: 1, Msg: "invalid stream"}
	}

	args := make([]uint64, len(params))
	for i, p := range params {
		args[i] = *(*uint64)(p)
	}
	cost, ok := f.costs[st.name]
	if !ok {
		cost = 1.0
	}
	ss.clock += cost
	f.launches = append(f.launches, Launch{
		Name:           st.name,
		Fn:             fn,
		Grid:           [3]uint32{gridX, gridY, gridZ},
		Block:          [3]uint32{blockX, blockY, blockZ},
		SharedMemBytes: sharedMemBytes,
		Stream:         stream,
		Args:           args,
	})
	effect := f.effects[st.name]
	f.mu.Unlock()

	if effect != nil {
		effect(args)
	}
	return nil
}

func (f *Fake) MemsetD8Async(dst cuda.DevicePtr, value byte, n uint64, stream cuda.Stream) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("cuMemsetD8Async"); err != nil {
		return err
	}
	a, off := f.findAlloc(dst)
	if a == nil || off+int(n) > len(a.data) {
		return &cuda.Error{Call: "cuMemsetD8Async", Code: 1, Msg: "invalid device pointer"}
	}
	for i := 0; i < int(n); i++ {
		a.data[off+i] = value
	}
	f.memsets = append(f.memsets, Memset{Dst: dst, Value: value, N: n, Stream: stream})
	return nil
}

func (f *Fake) MemcpyDtoHAsync(dst []byte, src cuda.DevicePtr, stream cuda.Stream) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("cuMemcpyDtoHAsync"); err != nil {
		return err
	}
	a, off := f.findAlloc(src)
	if a == nil || off+len(dst) > len(a.data) {
		return &cuda.Error{Call: "cuMemcpyDtoHAsync", Code: 1, Msg: "invalid device pointer"}
	}
	copy(dst, a.data[off:])
	return nil
}

func (f *Fake) MemcpyHtoDAsync(dst cuda.DevicePtr, src []byte, stream cuda.Stream) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("cuMemcpyHtoDAsync"); err != nil {
		return err
	}
	a, off := f.findAlloc(dst)
	if a == nil || off+len(src) > len(a.data) {
		return &cuda.Error{Call: "cuMemcpyHtoDAsync", Code: 1, Msg: "invalid device pointer"}
	}
	copy(a.data[off:], src)
	return nil
}

func (f *Fake) EventCreate() (cuda.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("cuEventCreate"); err != nil {
		return 0, err
	}
	e := cuda.Event(f.handle())
	f.events[e] = &eventState{}
	f.liveEvents++
	return e, nil
}

func (f *Fake) EventRecord(event cuda.Event, stream cuda.Stream) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("cuEventRecord"); err != nil {
		return err
	}
	es, ok := f.events[event]
	if !ok {
		return &cuda.Error{Call: "cuEventRecord", Code: 1, Msg: "invalid event"}
	}
	ss, ok := f.streams[stream]
	if !ok {
		return &cuda.Error{Call: "cuEventRecord", Code: 1, Msg: "invalid stream"}
	}
	es.at = ss.clock
	return nil
}

func (f *Fake) EventSynchronize(event cuda.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("cuEventSynchronize"); err != nil {
		return err
	}
	if _, ok := f.events[event]; !ok {
		return &cuda.Error{Call: "cuEventSynchronize", Code: 1, Msg: "invalid event"}
	}
	return nil
}

func (f *Fake) EventElapsed(start, stop cuda.Event) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("cuEventElapsedTime"); err != nil {
		return 0, err
	}
	s, ok1 := f.events[start]
	e, ok2 := f.events[stop]
	if !ok1 || !ok2 {
		return 0, &cuda.Error{Call: "cuEventElapsedTime", Code: 1, Msg: "invalid event"}
	}
	return e.at - s.at, nil
}

func (f *Fake) EventDestroy(event cuda.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("cuEventDestroy"); err != nil {
		return err
	}
	if _, ok := f.events[event]; !ok {
		return &cuda.Error{Call: "cuEventDestroy", Code: 1, Msg: "invalid event"}
	}
	delete(f.events, event)
	f.liveEvents--
	return nil
}
