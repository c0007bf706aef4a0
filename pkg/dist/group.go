// Package dist implements the process groups the accelerator synchronizes through.
//
// A group is one rank per device. Every collective (Barrier, AllReduce, AllGather)
// must be called by every rank of the group in the same order, otherwise the group
// deadlocks; there are no timeouts.
package dist

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
)

// ErrClosed is returned by collectives on a closed group.
var ErrClosed = errors.New("dist: group closed")

// Group is a set of ranks running the same program in data-parallel.
type Group interface {
	// Rank is the global rank of this process.
	Rank() int
	// LocalRank is the rank of this process on its host.
	LocalRank() int
	// WorldSize is the number of ranks in the group.
	WorldSize() int
	// Barrier blocks until every rank has reached it.
	Barrier() error
	// AllReduce sums buf element-wise across ranks, in place.
	AllReduce(buf []float64) error
	// AllGather returns every rank's payload, indexed by rank.
	AllGather(payload []byte) ([][]byte, error)
	// Close releases the group's resources.
	Close() error
}

type single struct{}

// Single returns the group of a process running alone.
func Single() Group { return single{} }

func (single) Rank() int                     { return 0 }
func (single) LocalRank() int                { return 0 }
func (single) WorldSize() int                { return 1 }
func (single) Barrier() error                { return nil }
func (single) AllReduce(buf []float64) error { return nil }
func (single) Close() error                  { return nil }

func (single) AllGather(payload []byte) ([][]byte, error) {
	return [][]byte{payload}, nil
}

// FromEnv builds the group described by the launcher environment variables
// WORLD_SIZE, RANK, LOCAL_RANK, MASTER_ADDR and MASTER_PORT.
func FromEnv() (Group, error) {
	world, err := envInt("WORLD_SIZE", 1)
	if err != nil {
		return nil, err
	}
	if world <= 1 {
		return Single(), nil
	}
	rank, err := envInt("RANK", 0)
	if err != nil {
		return nil, err
	}
	localRank, err := envInt("LOCAL_RANK", 0)
	if err != nil {
		return nil, err
	}
	addr := net.JoinHostPort(envString("MASTER_ADDR", "127.0.0.1"), envString("MASTER_PORT", "29500"))
	return DialTCP(Options{
		Rank:      rank,
		LocalRank: localRank,
		WorldSize: world,
		Addr:      addr,
	})
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", key, v, err)
	}
	return n, nil
}

func sumInto(dst []float64, contributions [][]float64) error {
	for i := range dst {
		dst[i] = 0
	}
	for rank, c := range contributions {
		if len(c) != len(dst) {
			return fmt.Errorf("dist: rank %d reduced %d values, want %d", rank, len(c), len(dst))
		}
		for i, v := range c {
			dst[i] += v
		}
	}
	return nil
}
