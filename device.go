package llmc

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Device represents a compute device. Here this is the CPU with its
// cores; the fields mirror what a device-runtime query would return.
type Device struct {
	ID       int    // Unique device identifier
	Name     string // Human-readable device name
	NumCores int    // Number of CPU cores
}

// Context is an execution context. It owns streams, the device memory
// pool, and the scratch allocator, and must be destroyed when no longer
// needed. A package-level default context is created on first use; tests
// and per-device setups can construct their own.
type Context struct {
	device        *Device
	mu            sync.Mutex
	streams       map[int]*Stream
	streamID      int32
	memory        *MemoryPool
	scratch       *ScratchAllocator
	defaultStream *Stream
}

// Stream is an ordered sequence of operations that execute
// asynchronously. Operations within a stream execute in order, but
// operations in different streams may execute concurrently.
type Stream struct {
	id    int
	tasks chan func()
	done  chan struct{}
	wg    sync.WaitGroup
}

// Dim3 represents 3D dimensions for grid and block configurations.
type Dim3 struct {
	X, Y, Z int
}

// Size returns the total number of elements
func (d Dim3) Size() int {
	return d.X * d.Y * d.Z
}

// ThreadID identifies a thread's position within the execution
// hierarchy, with the same indexing semantics as blockIdx/threadIdx/
// blockDim/gridDim.
type ThreadID struct {
	BlockIdx  Dim3 // Block index within the grid
	ThreadIdx Dim3 // Thread index within the block
	BlockDim  Dim3 // Dimensions of the block
	GridDim   Dim3 // Dimensions of the grid
}

// Global returns the global linear thread index
func (tid ThreadID) Global() int {
	return tid.BlockIdx.X*tid.BlockDim.X + tid.ThreadIdx.X
}

// KernelFunc is a per-thread kernel function. It receives thread
// identification and variadic arguments. Implementations must be safe
// for concurrent execution across blocks.
type KernelFunc func(tid ThreadID, args ...interface{})

// blockFunc is a block-granular kernel: one invocation owns an entire
// block and iterates its threads itself. Kernels that need a block-wide
// barrier (the tiled transpose) or a block-level reduction (absmax) are
// written at this granularity.
type blockFunc func(blockIdx Dim3)

// Global runtime state
var (
	defaultDevice  *Device
	defaultContext *Context
	initOnce       sync.Once
)

func initRuntime() {
	initOnce.Do(func() {
		defaultDevice = &Device{
			ID:       0,
			Name:     "CPU (" + CPUInfo() + ")",
			NumCores: runtime.NumCPU(),
		}
		defaultContext = newContext(defaultDevice)
	})
}

// Default returns the package-level default context, creating it on
// first use.
func Default() *Context {
	initRuntime()
	return defaultContext
}

// NewContext creates an independent execution context with its own
// streams, memory pool, and scratch allocator.
func NewContext() *Context {
	initRuntime()
	return newContext(defaultDevice)
}

func newContext(dev *Device) *Context {
	ctx := &Context{
		device:  dev,
		streams: make(map[int]*Stream),
		memory:  NewMemoryPool(),
	}
	ctx.scratch = newScratchAllocator(ctx)
	ctx.defaultStream = ctx.CreateStream()
	return ctx
}

// Device returns the context's device information.
func (ctx *Context) Device() *Device {
	return ctx.device
}

// Scratch returns the context's scratch allocator.
func (ctx *Context) Scratch() *ScratchAllocator {
	return ctx.scratch
}

// CreateStream creates a new execution stream
func (ctx *Context) CreateStream() *Stream {
	id := int(atomic.AddInt32(&ctx.streamID, 1))
	stream := &Stream{
		id:    id,
		tasks: make(chan func(), 1000),
		done:  make(chan struct{}),
	}

	// Start worker goroutine for stream
	go stream.worker()

	ctx.mu.Lock()
	ctx.streams[id] = stream
	ctx.mu.Unlock()
	return stream
}

// Synchronize waits for all streams in the context to complete
func (ctx *Context) Synchronize() error {
	ctx.mu.Lock()
	streams := make([]*Stream, 0, len(ctx.streams))
	for _, s := range ctx.streams {
		streams = append(streams, s)
	}
	ctx.mu.Unlock()
	for _, stream := range streams {
		stream.Synchronize()
	}
	return nil
}

// Destroy synchronizes and shuts down the context's streams and frees
// all scratch memory. The context must not be used afterwards.
func (ctx *Context) Destroy() error {
	if err := ctx.Synchronize(); err != nil {
		return err
	}
	ctx.mu.Lock()
	streams := ctx.streams
	ctx.streams = make(map[int]*Stream)
	ctx.mu.Unlock()
	for _, s := range streams {
		s.close()
	}
	ctx.scratch.Teardown()
	return nil
}

// LaunchFunc executes a per-thread kernel function on the default stream.
func (ctx *Context) LaunchFunc(fn KernelFunc, grid, block Dim3, args ...interface{}) error {
	return ctx.LaunchFuncStream(fn, grid, block, ctx.defaultStream, args...)
}

// LaunchFuncStream executes a per-thread kernel function on a specific stream.
func (ctx *Context) LaunchFuncStream(fn KernelFunc, grid, block Dim3, stream *Stream, args ...interface{}) error {
	return ctx.launchBlocks(grid, stream, func(blockIdx Dim3) {
		blockSize := block.Size()
		for threadID := 0; threadID < blockSize; threadID++ {
			tid := ThreadID{
				BlockIdx:  blockIdx,
				ThreadIdx: linearTo3D(threadID, block),
				BlockDim:  block,
				GridDim:   grid,
			}
			fn(tid, args...)
		}
	})
}

// launchBlocks schedules a grid of block-granular kernel invocations
// onto a stream. Blocks are partitioned over up to NumCPU workers;
// each worker processes a contiguous range of blocks to maximize cache
// reuse. The submitted task completes only when every block has run,
// preserving stream ordering.
func (ctx *Context) launchBlocks(grid Dim3, stream *Stream, fn blockFunc) error {
	if stream == nil {
		stream = ctx.defaultStream
	}
	gridSize := grid.Size()
	if gridSize == 0 {
		// Submit an empty task to maintain stream ordering
		stream.Submit(func() {})
		return nil
	}

	numWorkers := runtime.NumCPU()
	if gridSize < numWorkers {
		numWorkers = gridSize
	}
	blocksPerWorker := (gridSize + numWorkers - 1) / numWorkers

	stream.Submit(func() {
		var wg sync.WaitGroup
		wg.Add(numWorkers)

		for workerID := 0; workerID < numWorkers; workerID++ {
			startBlock := workerID * blocksPerWorker
			endBlock := startBlock + blocksPerWorker
			if endBlock > gridSize {
				endBlock = gridSize
			}

			go func(start, end int) {
				defer wg.Done()
				for blockID := start; blockID < end; blockID++ {
					fn(linearTo3D(blockID, grid))
				}
			}(startBlock, endBlock)
		}

		wg.Wait()
	})

	return nil
}

// linearTo3D converts a linear index to 3D coordinates
func linearTo3D(linear int, dim Dim3) Dim3 {
	z := linear / (dim.X * dim.Y)
	y := (linear % (dim.X * dim.Y)) / dim.X
	x := linear % dim.X
	return Dim3{X: x, Y: y, Z: z}
}

// Stream methods

// worker processes tasks for a stream
func (s *Stream) worker() {
	for task := range s.tasks {
		task()
		s.wg.Done()
	}
	close(s.done)
}

// Synchronize waits for all tasks in the stream to complete
func (s *Stream) Synchronize() {
	s.wg.Wait()
}

// Submit adds a task to the stream
func (s *Stream) Submit(task func()) {
	s.wg.Add(1)
	s.tasks <- task
}

func (s *Stream) close() {
	close(s.tasks)
	<-s.done
}

// Package-level convenience wrappers over the default context.

// Malloc allocates device memory of the specified size in bytes.
func Malloc(size int) (DevicePtr, error) {
	return Default().Malloc(size)
}

// Free releases device memory allocated by Malloc.
func Free(ptr DevicePtr) error {
	return Default().Free(ptr)
}

// Memcpy copies memory between host and device.
func Memcpy(dst, src interface{}, size int, kind MemcpyKind) error {
	return Default().Memcpy(dst, src, size, kind)
}

// Synchronize waits for all operations on all streams of the default
// context to complete.
func Synchronize() error {
	return Default().Synchronize()
}
