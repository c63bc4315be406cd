// Package llmc configuration constants
package llmc

// Tile and packing parameters
const (
	// TileDim is the edge length of the square tile one transpose block
	// stages through its tile buffer. Tensor dimensions passed to the
	// transpose launchers must be multiples of TileDim.
	TileDim = 64

	// BytesPerVector is the width of one vectorized memory transaction.
	// A packed access unit holds BytesPerVector/elementSize elements.
	BytesPerVector = 16

	// AbsmaxIterations is the number of packed units each thread scans
	// in the absmax-only kernel.
	AbsmaxIterations = 4
)

// Default launch geometry
const (
	// DefaultCopyBlockSize is the block size for elementwise copy/convert.
	DefaultCopyBlockSize = 512

	// DefaultTransposeBlockSize is the thread budget for one transpose
	// block. The launcher derives the tile-row count from it.
	DefaultTransposeBlockSize = 256

	// DefaultAbsmaxBlockSize is the starting block size for the
	// absmax-only kernel; it is halved until it divides the element count.
	DefaultAbsmaxBlockSize = 512

	// MinAbsmaxBlockSize is the smallest block size the absmax launcher
	// will accept before giving up on the element count.
	MinAbsmaxBlockSize = 32
)

// Memory parameters
const (
	// MemAlignment is the byte alignment of device allocations.
	MemAlignment = 64
)
