package main

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/gpukit/gpumem/bufmgr"
	"github.com/gpukit/gpumem/gem"
	"github.com/gpukit/gpumem/vma"
)

var (
	workers  int
	busyProb float64
	busyDur  time.Duration
)

func init() {
	cmd := newBuffersCmd()
	cmd.Flags().IntVarP(&workers, "workers", "w", 4, "Concurrent workers")
	cmd.Flags().Float64Var(&busyProb, "busy-prob", 0.2, "Probability a buffer is marked GPU-busy on release")
	cmd.Flags().DurationVar(&busyDur, "busy-dur", 2*time.Millisecond, "Simulated GPU work duration")
	rootCmd.AddCommand(cmd)
}

func newBuffersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "buffers",
		Short: "Randomized allocation, mapping and cross-device sharing traffic",
		Long: `The buffers command runs concurrent workers that allocate, map, write,
share and release buffers of random sizes across all memory zones, with a
fraction of releases racing simulated GPU work.

Example:
  bostress buffers -w 8 -n 50000 --busy-prob 0.3`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuffers()
		},
	}
}

// The binder zone is excluded: it is a single fixed-address region managed
// by the driver's binder, not general allocation traffic.
var zones = []vma.Zone{
	vma.ZoneShader, vma.ZoneSurface, vma.ZoneDynamic, vma.ZoneOther,
}

func runBuffers() error {
	log := newLogger()
	reg := bufmgr.NewRegistry()
	realm := gem.NewShmemRealm()

	m, dev, err := newManager(reg, realm, log)
	if err != nil {
		return err
	}
	defer m.Unref()

	// A second device in the same realm, so export traffic crosses real
	// handle spaces.
	peer, _, err := newManager(reg, realm, log)
	if err != nil {
		return err
	}
	defer peer.Unref()

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	start := time.Now()
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			if err := bufferWorker(m, peer, dev, rand.New(rand.NewSource(seed+int64(w)))); err != nil {
				errs <- fmt.Errorf("worker %d: %w", w, err)
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		return err
	}

	m.Cleanup()
	fmt.Printf("%d workers x %d ops in %v\n", workers, iterations, time.Since(start).Round(time.Millisecond))
	printStats(m)
	return nil
}

func bufferWorker(m, peer *bufmgr.Manager, dev *gem.Shmem, rng *rand.Rand) error {
	live := make([]*bufmgr.BO, 0, 64)
	defer func() {
		for _, bo := range live {
			bo.Unref()
		}
	}()

	for i := 0; i < iterations; i++ {
		size := uint64(1) << (8 + rng.Intn(14)) // 256 B .. 2 MiB
		zone := zones[rng.Intn(len(zones))]

		var flags bufmgr.AllocFlags
		if rng.Intn(4) == 0 {
			flags |= bufmgr.AllocZeroed
		}
		bo, err := m.Alloc(fmt.Sprintf("stress-%d", i), size, 0, zone, flags)
		if err != nil {
			return err
		}

		// Touch the memory through the mapping now and then.
		if rng.Intn(2) == 0 {
			data, err := bo.Map(bufmgr.MapWrite)
			if err != nil {
				bo.Unref()
				return err
			}
			data[rng.Intn(len(data))] = byte(i)
		}

		// Occasionally share with the peer device and release both sides.
		if rng.Intn(16) == 0 {
			fd, err := bo.ExportFD()
			if err != nil {
				bo.Unref()
				return err
			}
			imported, err := peer.ImportFD(fd)
			if err != nil {
				bo.Unref()
				return err
			}
			imported.Unref()
		}

		live = append(live, bo)
		if len(live) == cap(live) {
			victim := rng.Intn(len(live))
			old := live[victim]
			live[victim] = live[len(live)-1]
			live = live[:len(live)-1]

			if rng.Float64() < busyProb {
				_ = dev.SignalBusy(old.Handle(), busyDur)
				old.Busy() // refresh the cached idle state
			}
			old.Unref()
		}
	}
	return nil
}
