// Package llmc provides the data-movement and quantization-support
// primitives of an FP8 training pipeline: format-converting copy and
// transpose kernels with fused absolute-maximum tracking, a best-fit
// scratch allocator for transient device buffers, and a cache of
// transposed weight tensors.
//
// The package emulates a CUDA-style execution model on CPU. Work is
// launched asynchronously onto streams as grids of thread blocks;
// blocks run concurrently across a worker pool while the threads of a
// block execute sequentially inside one goroutine, which gives the
// tiled transpose kernel its block-wide phase barrier for free.
//
// Tensors are flat device buffers of float32, float16, bfloat16, or an
// 8-bit float variant (e4m3/e5m2), with optional scalar scale/descale
// factors and an optional absmax accumulator used to derive
// quantization scale factors for reduced-precision training.
package llmc
