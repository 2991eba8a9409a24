// Package comm reports this process's place in a multi-process job. The
// launcher sets WORLD_SIZE, RANK and LOCAL_RANK; a process started without
// them is the only, primary, process.
package comm

import (
	"fmt"
	"os"

	"github.com/spf13/cast"
)

// Info describes the process within the job
type Info struct {
	Rank      int
	LocalRank int
	WorldSize int
}

// IsMainProcess reports whether this is rank 0
func (i Info) IsMainProcess() bool {
	return i.Rank == 0
}

func (i Info) String() string {
	return fmt.Sprintf("rank %d/%d (local %d)", i.Rank, i.WorldSize, i.LocalRank)
}

// Single is the info of a non-distributed run
var Single = Info{Rank: 0, LocalRank: 0, WorldSize: 1}

// FromEnv reads the process info from the environment
func FromEnv() (Info, error) {
	return fromLookup(os.LookupEnv)
}

func fromLookup(lookup func(string) (string, bool)) (Info, error) {
	info := Single
	read := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := cast.ToIntE(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, v, err)
		}
		*dst = n
		return nil
	}
	for key, dst := range map[string]*int{"RANK": &info.Rank, "LOCAL_RANK": &info.LocalRank, "WORLD_SIZE": &info.WorldSize} {
		if err := read(key, dst); err != nil {
			return Single, err
		}
	}
	if info.WorldSize < 1 {
		return Single, fmt.Errorf("world size must be at least 1, got %d", info.WorldSize)
	}
	if info.Rank < 0 || info.Rank >= info.WorldSize {
		return Single, fmt.Errorf("rank %d out of range for world size %d", info.Rank, info.WorldSize)
	}
	return info, nil
}
