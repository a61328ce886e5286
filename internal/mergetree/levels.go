package mergetree

import (
	"bytes"
	"cmp"
	"fmt"
	"slices"

	"github.com/hupe1980/tablestore/internal/manifest"
)

// SortedRun is a list of data files with non-overlapping key ranges,
// ordered by key.
type SortedRun struct {
	Files []manifest.DataFileMeta
}

// NewSortedRun sorts files by min key. It fails if their key ranges overlap.
func NewSortedRun(files []manifest.DataFileMeta) (SortedRun, error) {
	sorted := slices.Clone(files)
	slices.SortFunc(sorted, func(a, b manifest.DataFileMeta) int {
		return bytes.Compare(a.MinKey, b.MinKey)
	})
	for i := 1; i < len(sorted); i++ {
		if bytes.Compare(sorted[i-1].MaxKey, sorted[i].MinKey) >= 0 {
			return SortedRun{}, fmt.Errorf("overlapping files in sorted run: %s and %s", sorted[i-1].FileName, sorted[i].FileName)
		}
	}
	return SortedRun{Files: sorted}, nil
}

// Empty reports whether the run holds no files.
func (r SortedRun) Empty() bool { return len(r.Files) == 0 }

// TotalSize returns the summed file size of the run.
func (r SortedRun) TotalSize() int64 {
	var n int64
	for _, f := range r.Files {
		n += f.FileSize
	}
	return n
}

// LevelSortedRun is a sorted run tagged with its level.
type LevelSortedRun struct {
	Level int
	Run   SortedRun
}

// Levels tracks the files of one bucket. Level 0 holds one overlapping run
// per file, newest first. Each higher level holds a single sorted run.
type Levels struct {
	level0 []manifest.DataFileMeta
	levels []SortedRun // index i holds level i+1
}

// NewLevels places restored files by level. Files above the highest level
// are rejected.
func NewLevels(files []manifest.DataFileMeta, numLevels int) (*Levels, error) {
	if numLevels < 2 {
		return nil, fmt.Errorf("number of levels must be at least 2, got %d", numLevels)
	}
	l := &Levels{levels: make([]SortedRun, numLevels-1)}
	byLevel := make([][]manifest.DataFileMeta, numLevels)
	for _, f := range files {
		if f.Level < 0 || f.Level >= numLevels {
			return nil, fmt.Errorf("file %s has level %d outside [0, %d)", f.FileName, f.Level, numLevels)
		}
		byLevel[f.Level] = append(byLevel[f.Level], f)
	}
	for _, f := range byLevel[0] {
		l.AddLevel0File(f)
	}
	for i := 1; i < numLevels; i++ {
		run, err := NewSortedRun(byLevel[i])
		if err != nil {
			return nil, fmt.Errorf("level %d: %w", i, err)
		}
		l.levels[i-1] = run
	}
	return l, nil
}

// NumberOfLevels returns the number of levels including level 0.
func (l *Levels) NumberOfLevels() int { return len(l.levels) + 1 }

// MaxLevel returns the highest level.
func (l *Levels) MaxLevel() int { return len(l.levels) }

// AddLevel0File adds a freshly flushed file to level 0.
func (l *Levels) AddLevel0File(f manifest.DataFileMeta) {
	l.level0 = append(l.level0, f)
	slices.SortStableFunc(l.level0, compareNewestFirst)
}

func compareNewestFirst(a, b manifest.DataFileMeta) int {
	if c := cmp.Compare(b.MaxSequence, a.MaxSequence); c != 0 {
		return c
	}
	return cmp.Compare(a.FileName, b.FileName)
}

// NumberOfSortedRuns counts level 0 files plus non-empty higher levels.
func (l *Levels) NumberOfSortedRuns() int {
	n := len(l.level0)
	for _, r := range l.levels {
		if !r.Empty() {
			n++
		}
	}
	return n
}

// NonEmptyHighestLevel returns the highest level holding files, or -1.
func (l *Levels) NonEmptyHighestLevel() int {
	for i := len(l.levels) - 1; i >= 0; i-- {
		if !l.levels[i].Empty() {
			return i + 1
		}
	}
	if len(l.level0) > 0 {
		return 0
	}
	return -1
}

// LevelSortedRuns returns all runs from newest to oldest: each level 0 file
// as its own run, then the non-empty higher levels in ascending order.
func (l *Levels) LevelSortedRuns() []LevelSortedRun {
	runs := make([]LevelSortedRun, 0, l.NumberOfSortedRuns())
	for _, f := range l.level0 {
		runs = append(runs, LevelSortedRun{Level: 0, Run: SortedRun{Files: []manifest.DataFileMeta{f}}})
	}
	for i, r := range l.levels {
		if !r.Empty() {
			runs = append(runs, LevelSortedRun{Level: i + 1, Run: r})
		}
	}
	return runs
}

// AllFiles returns every file of the bucket.
func (l *Levels) AllFiles() []manifest.DataFileMeta {
	files := slices.Clone(l.level0)
	for _, r := range l.levels {
		files = append(files, r.Files...)
	}
	return files
}

// Empty reports whether the bucket holds no files.
func (l *Levels) Empty() bool {
	return l.NonEmptyHighestLevel() < 0
}

// Update replaces compacted files. Files are matched by name and level.
func (l *Levels) Update(before, after []manifest.DataFileMeta) error {
	remove := make(map[manifest.Identifier]struct{}, len(before))
	for _, f := range before {
		remove[manifest.Identifier{Level: f.Level, FileName: f.FileName}] = struct{}{}
	}
	keep := func(f manifest.DataFileMeta) bool {
		_, gone := remove[manifest.Identifier{Level: f.Level, FileName: f.FileName}]
		return !gone
	}

	var level0 []manifest.DataFileMeta
	for _, f := range l.level0 {
		if keep(f) {
			level0 = append(level0, f)
		}
	}
	grouped := make([][]manifest.DataFileMeta, len(l.levels))
	for i, r := range l.levels {
		for _, f := range r.Files {
			if keep(f) {
				grouped[i] = append(grouped[i], f)
			}
		}
	}
	for _, f := range after {
		switch {
		case f.Level == 0:
			level0 = append(level0, f)
		case f.Level > 0 && f.Level <= len(l.levels):
			grouped[f.Level-1] = append(grouped[f.Level-1], f)
		default:
			return fmt.Errorf("file %s has level %d outside [0, %d]", f.FileName, f.Level, len(l.levels))
		}
	}

	runs := make([]SortedRun, len(l.levels))
	for i, files := range grouped {
		run, err := NewSortedRun(files)
		if err != nil {
			return fmt.Errorf("level %d: %w", i+1, err)
		}
		runs[i] = run
	}
	slices.SortStableFunc(level0, compareNewestFirst)
	l.level0 = level0
	l.levels = runs
	return nil
}

// RunsOf groups the files of a bucket into sorted runs, newest first, the
// way Levels does. It is used to read a bucket without a writer.
func RunsOf(files []manifest.DataFileMeta) ([]SortedRun, error) {
	var (
		level0 []manifest.DataFileMeta
		higher = make(map[int][]manifest.DataFileMeta)
		levels []int
	)
	for _, f := range files {
		if f.Level == 0 {
			level0 = append(level0, f)
			continue
		}
		if _, ok := higher[f.Level]; !ok {
			levels = append(levels, f.Level)
		}
		higher[f.Level] = append(higher[f.Level], f)
	}
	slices.SortStableFunc(level0, compareNewestFirst)
	slices.Sort(levels)

	runs := make([]SortedRun, 0, len(level0)+len(levels))
	for _, f := range level0 {
		runs = append(runs, SortedRun{Files: []manifest.DataFileMeta{f}})
	}
	for _, lvl := range levels {
		run, err := NewSortedRun(higher[lvl])
		if err != nil {
			return nil, fmt.Errorf("level %d: %w", lvl, err)
		}
		runs = append(runs, run)
	}
	return runs, nil
}
