// Command gzstress drives the guard allocator with a configurable
// number of concurrent preemptible callers, simulating the concurrency
// model described for the engine: any goroutine may allocate or free at
// any time, including ones that have asked not to block.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gzalloc"
	"gzalloc/diag"
	"gzalloc/zone"
)

func main() {
	workers := flag.Int("workers", 8, "concurrent caller goroutines")
	iterations := flag.Int("iterations", 2000, "allocate/free cycles per worker")
	elemSize := flag.Int("elem-size", 64, "zone element size in bytes")
	seconds := flag.Int("timeout", 30, "overall run timeout in seconds")
	flag.Parse()

	z := zone.New("gzstress", *elemSize)
	gzalloc.ZoneInit(z)
	gzalloc.MarkVMReady()

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(*seconds)*time.Second)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < *workers; w++ {
		w := w
		g.Go(func() error {
			return worker(ctx, z, w, *iterations)
		})
	}

	start := time.Now()
	if err := g.Wait(); err != nil {
		diag.Log().Error("gzstress run failed", zap.Error(err))
		os.Exit(1)
	}

	fmt.Printf("gzstress: %d workers x %d iterations in %s\n", *workers, *iterations, time.Since(start))
	fmt.Printf("elems_free=%d wired_cur=%d va_cur=%d\n", z.ElemsFree, z.WiredCur, z.VaCur)
}

func worker(ctx context.Context, z *zone.Zone, id, iterations int) error {
	rng := rand.New(rand.NewSource(int64(id) + 1))
	var live [][]byte

	for i := 0; i < iterations; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		flags := gzalloc.AllocFlags{NoWait: rng.Intn(4) == 0}
		if rng.Intn(2) == 0 || len(live) == 0 {
			p := gzalloc.Alloc(z, flags)
			if p != nil {
				for j := range p {
					p[j] = byte(id)
				}
				live = append(live, p)
			}
			continue
		}

		idx := rng.Intn(len(live))
		p := live[idx]
		live[idx] = live[len(live)-1]
		live = live[:len(live)-1]
		gzalloc.Free(z, p)
	}

	for _, p := range live {
		gzalloc.Free(z, p)
	}
	return nil
}
