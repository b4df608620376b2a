// Command allocstat exercises the allocator end to end — a burst of
// mixed-size allocations and frees across several goroutines — and
// prints per-arena extent-cache counters and the event engine's fire count.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sync"

	"github.com/nmxmxh/goalloc/config"
	"github.com/nmxmxh/goalloc/logx"
	"github.com/nmxmxh/goalloc/malloc"
)

func main() {
	confStr := flag.String("conf", "", "allocator tuning vocabulary, e.g. narenas:4,dirty_decay_ms:5000")
	threads := flag.Int("threads", 4, "number of concurrent allocating goroutines")
	opsPerThread := flag.Int("ops", 20000, "allocate/free operations per goroutine")
	flag.Parse()

	log := logx.Default("allocstat")

	cfg, err := config.Parse(*confStr)
	if err != nil {
		log.Warn("configuration had problems", logx.Err(err))
		if cfg.AbortConf {
			log.Fatal("aborting: abort_conf is set")
		}
	}

	log.Info("starting allocator",
		logx.Int("threads", *threads),
		logx.Int("ops_per_thread", *opsPerThread),
	)

	a := malloc.New(cfg)

	var wg sync.WaitGroup
	for t := 0; t < *threads; t++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			runWorker(a, id, *opsPerThread)
		}(t)
	}
	wg.Wait()

	log.Info("workload complete")
	fmt.Println(a.ReportString())
	os.Exit(0)
}

// runWorker allocates and frees a pseudo-random mix of small and large
// sizes, mimicking a steady-state allocation trace: each goroutine owns
// exactly one TSD for its whole lifetime, mirroring one thread owning one
// TSD in the design this codebase implements.
func runWorker(a *malloc.Allocator, id, ops int) {
	h := a.NewThread()
	defer a.CloseThread(h)

	rng := rand.New(rand.NewSource(int64(id) + 1))
	live := make([]uintptr, 0, 256)

	for i := 0; i < ops; i++ {
		if len(live) > 0 && rng.Intn(3) == 0 {
			idx := rng.Intn(len(live))
			_ = a.Free(h, live[idx])
			live[idx] = live[len(live)-1]
			live = live[:len(live)-1]
			continue
		}

		n := sizeForIteration(rng)
		p, err := a.Malloc(h, n)
		if err != nil {
			continue
		}
		live = append(live, p)
	}

	for _, p := range live {
		_ = a.Free(h, p)
	}
}

// sizeForIteration picks a size skewed toward small classes, with an
// occasional large/huge request, approximating a realistic allocation
// trace rather than a uniform one.
func sizeForIteration(rng *rand.Rand) uint64 {
	switch {
	case rng.Intn(100) < 80:
		return uint64(8 + rng.Intn(248))
	case rng.Intn(100) < 95:
		return uint64(1024 + rng.Intn(15*1024))
	default:
		return uint64(64*1024 + rng.Intn(256*1024))
	}
}
