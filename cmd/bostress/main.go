package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/gpukit/gpumem/bufmgr"
	"github.com/gpukit/gpumem/gem"
)

var (
	// Global flags
	verbose    bool
	seed       int64
	iterations int
)

var rootCmd = &cobra.Command{
	Use:   "bostress",
	Short: "Exercise the buffer-object memory manager with randomized workloads",
	Long: `bostress drives the buffer-object memory manager against the shared-memory
software device: randomized allocation/release traffic, simulated GPU busy
spells, cross-device sharing, slab sub-allocation and sparse commitment.
It reports the manager's counters at the end of each run.`,
	Version: "0.1.0",
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug allocation traces")
	rootCmd.PersistentFlags().Int64Var(&seed, "seed", 1, "Random seed")
	rootCmd.PersistentFlags().IntVarP(&iterations, "iterations", "n", 10000, "Operations per worker")
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// newManager opens one shared-memory device in the realm and acquires its
// manager through the registry.
func newManager(reg *bufmgr.Registry, realm *gem.ShmemRealm, log *slog.Logger) (*bufmgr.Manager, *gem.Shmem, error) {
	dev := realm.NewDevice()
	m, err := reg.Acquire(dev, bufmgr.Options{HasLLC: true, Logger: log})
	if err != nil {
		return nil, nil, err
	}
	return m, dev, nil
}

func printStats(m *bufmgr.Manager) {
	st := m.Stats()
	fmt.Printf("allocations:    %d (%d cache hits, %d fresh)\n",
		st.AllocCalls, st.CacheHits, st.FreshAllocs)
	fmt.Printf("cache:          %d puts, %d expired, %d purged, %d zero-fill misses\n",
		st.CachePuts, st.BucketExpired, st.PurgedDiscards, st.ZeroFillFails)
	fmt.Printf("zombies:        %d deferred, %d closed, %d rescued\n",
		st.ZombieEnqueues, st.ZombieCloses, st.ZombieRescues)
	fmt.Printf("sharing:        %d imports (%d deduped), %d exports\n",
		st.Imports, st.ImportHits, st.Exports)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
