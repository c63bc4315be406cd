// fp8bench times the copy/transpose/absmax kernels on this machine and
// reports the results as JSON.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	llmc "github.com/maykonlincolnusa/llm.c"
)

type result struct {
	Name     string  `json:"name"`
	DType    string  `json:"dtype"`
	Width    int     `json:"width"`
	Height   int     `json:"height"`
	Iters    int     `json:"iters"`
	NsPerOp  float64 `json:"ns_per_op"`
	GBPerSec float64 `json:"gb_per_sec"`
	Absmax   float32 `json:"absmax,omitempty"`
}

func main() {
	app := &cli.Command{
		Name:  "fp8bench",
		Usage: "Benchmark FP8 copy/transpose/absmax kernels",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "width", Value: 4096, Usage: "tensor width (multiple of 64)"},
			&cli.IntFlag{Name: "height", Value: 4096, Usage: "tensor height (multiple of 64)"},
			&cli.StringFlag{Name: "dtype", Value: "e4m3", Usage: "output element type (f32, f16, bf16, e4m3, e5m2)"},
			&cli.IntFlag{Name: "iters", Value: 50, Usage: "timed iterations per kernel"},
			&cli.BoolFlag{Name: "absmax", Usage: "fuse absmax tracking into the kernels"},
		},
		Action: run,
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(_ context.Context, cmd *cli.Command) error {
	w, h := int(cmd.Int("width")), int(cmd.Int("height"))
	iters := int(cmd.Int("iters"))
	dtype, ok := llmc.ParseDType(cmd.String("dtype"))
	if !ok {
		return fmt.Errorf("unknown dtype %q", cmd.String("dtype"))
	}

	ctx := llmc.NewContext()
	defer ctx.Destroy()

	src, err := ctx.NewTensor(llmc.F32, w*h)
	if err != nil {
		return err
	}
	dst, err := ctx.NewTensor(dtype, w*h)
	if err != nil {
		return err
	}
	data := src.Data.Float32()
	for i := range data {
		data[i] = rand.Float32()*2 - 1
	}
	acc, err := ctx.Malloc(4)
	if err != nil {
		return err
	}
	src.Absmax = acc
	if cmd.Bool("absmax") {
		// Fuse absmax tracking into the copy and transpose kernels too.
		dst.Absmax = acc
	}

	bytes := int64(src.SizeBytes() + dst.SizeBytes())
	results := []result{
		bench("copy", dst, iters, bytes, func() error {
			return ctx.CopyConvert(dst, src, nil)
		}, ctx),
		bench("transpose", dst, iters, bytes, func() error {
			return ctx.Transpose(dst, src, w, h, nil)
		}, ctx),
		bench("absmax", src, iters, int64(src.SizeBytes()), func() error {
			return ctx.RefreshAbsmax(src, true, nil)
		}, ctx),
	}
	for i := range results {
		results[i].DType = dtype.String()
		results[i].Width = w
		results[i].Height = h
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}

func bench(name string, t llmc.Tensor, iters int, bytes int64, op func() error, ctx *llmc.Context) result {
	// warmup
	_ = op()
	_ = ctx.Synchronize()

	start := time.Now()
	for i := 0; i < iters; i++ {
		_ = op()
	}
	_ = ctx.Synchronize()
	elapsed := time.Since(start)

	r := result{
		Name:    name,
		Iters:   iters,
		NsPerOp: float64(elapsed.Nanoseconds()) / float64(iters),
	}
	if r.NsPerOp > 0 {
		r.GBPerSec = float64(bytes) / r.NsPerOp
	}
	if !t.Absmax.IsNil() {
		r.Absmax = llmc.AbsmaxValue(t.Absmax)
	}
	return r
}
