package main

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/spf13/cobra"

	"github.com/gpukit/gpumem/bufmgr"
	"github.com/gpukit/gpumem/gem"
	"github.com/gpukit/gpumem/slab"
)

func init() {
	rootCmd.AddCommand(newSlabCmd())
}

func newSlabCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "slab",
		Short: "Randomized slab sub-allocation traffic",
		Long: `The slab command churns small fixed-size entries through the slab pool,
with simulated GPU work holding backings busy so the reclaim queue is
exercised.

Example:
  bostress slab -n 100000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSlab()
		},
	}
}

func runSlab() error {
	log := newLogger()
	reg := bufmgr.NewRegistry()
	realm := gem.NewShmemRealm()

	m, dev, err := newManager(reg, realm, log)
	if err != nil {
		return err
	}
	defer m.Unref()

	pool := slab.NewPool(m, slab.Options{})
	rng := rand.New(rand.NewSource(seed))

	live := make([]*slab.Entry, 0, 256)
	start := time.Now()
	for i := 0; i < iterations; i++ {
		size := uint64(1) << (4 + rng.Intn(13)) // 16 B .. 64 KiB
		e, err := pool.Get(size, zones[rng.Intn(len(zones))])
		if err != nil {
			return err
		}
		data, err := e.Bytes()
		if err != nil {
			return err
		}
		data[0] = byte(i)

		live = append(live, e)
		if len(live) == cap(live) {
			victim := rng.Intn(len(live))
			old := live[victim]
			live[victim] = live[len(live)-1]
			live = live[:len(live)-1]

			if rng.Intn(8) == 0 {
				_ = dev.SignalBusy(old.Backing().Handle(), busyDur)
				old.Backing().Busy()
			}
			pool.Put(old)
		}
		if i%4096 == 0 {
			pool.Reclaim()
		}
	}
	for _, e := range live {
		pool.Put(e)
	}
	pool.Finish()

	fmt.Printf("%d slab ops in %v\n", iterations, time.Since(start).Round(time.Millisecond))
	printStats(m)
	return nil
}
