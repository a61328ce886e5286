package mergetree

import (
	"github.com/hupe1980/tablestore/internal/manifest"
)

// CompactUnit describes a compaction unit of work: the runs to merge and
// the level that receives the result.
type CompactUnit struct {
	OutputLevel int
	Runs        []LevelSortedRun
}

// Files returns the files of all runs in the unit.
func (u *CompactUnit) Files() []manifest.DataFileMeta {
	var files []manifest.DataFileMeta
	for _, r := range u.Runs {
		files = append(files, r.Run.Files...)
	}
	return files
}

// CompactionPolicy determines which sorted runs should be compacted.
type CompactionPolicy interface {
	// Pick selects runs to compact. runs are ordered newest first.
	// Returns a unit or nil if no compaction is needed.
	Pick(numLevels int, runs []LevelSortedRun) *CompactUnit
}

// UniversalCompaction implements a size-tiered strategy over sorted runs.
//
//   - If the newer runs are large compared to the oldest run
//     (size amplification), all runs are compacted to the highest level.
//   - Otherwise runs of similar size are merged, starting with the newest.
//   - If there are still more runs than the trigger, the newest runs are
//     merged until the trigger is met.
type UniversalCompaction struct {
	MaxSizeAmplificationPercent int // default 200
	SizeRatio                   int // default 1
	NumSortedRunTrigger         int // default 5
}

// NewUniversalCompaction returns a policy with default settings.
func NewUniversalCompaction() *UniversalCompaction {
	return &UniversalCompaction{
		MaxSizeAmplificationPercent: 200,
		SizeRatio:                   1,
		NumSortedRunTrigger:         5,
	}
}

// Pick implements CompactionPolicy.
func (p *UniversalCompaction) Pick(numLevels int, runs []LevelSortedRun) *CompactUnit {
	maxLevel := numLevels - 1

	if u := p.pickForSizeAmp(maxLevel, runs); u != nil {
		return u
	}
	if u := p.pickForSizeRatio(maxLevel, runs); u != nil {
		return u
	}
	if len(runs) > p.NumSortedRunTrigger {
		return p.pickForSizeRatioFrom(maxLevel, runs, len(runs)-p.NumSortedRunTrigger+1)
	}
	return nil
}

func (p *UniversalCompaction) pickForSizeAmp(maxLevel int, runs []LevelSortedRun) *CompactUnit {
	if len(runs) < p.NumSortedRunTrigger || len(runs) < 2 {
		return nil
	}
	var candidateSize int64
	for _, r := range runs[:len(runs)-1] {
		candidateSize += r.Run.TotalSize()
	}
	earliestRunSize := runs[len(runs)-1].Run.TotalSize()

	if candidateSize*100 > int64(p.MaxSizeAmplificationPercent)*earliestRunSize {
		return &CompactUnit{OutputLevel: maxLevel, Runs: runs}
	}
	return nil
}

func (p *UniversalCompaction) pickForSizeRatio(maxLevel int, runs []LevelSortedRun) *CompactUnit {
	if len(runs) < p.NumSortedRunTrigger {
		return nil
	}
	return p.pickForSizeRatioFrom(maxLevel, runs, 1)
}

func (p *UniversalCompaction) pickForSizeRatioFrom(maxLevel int, runs []LevelSortedRun, candidateCount int) *CompactUnit {
	var candidateSize int64
	for _, r := range runs[:candidateCount] {
		candidateSize += r.Run.TotalSize()
	}
	for i := candidateCount; i < len(runs); i++ {
		next := runs[i].Run.TotalSize()
		if candidateSize*int64(100+p.SizeRatio)/100 < next {
			break
		}
		candidateSize += next
		candidateCount++
	}
	if candidateCount > 1 {
		return createUnit(runs, maxLevel, candidateCount)
	}
	return nil
}

// createUnit picks the output level for merging the first runCount runs.
// The output goes just below the next older run; level 0 is never an
// output level, so the unit grows until it reaches a non-zero level.
func createUnit(runs []LevelSortedRun, maxLevel, runCount int) *CompactUnit {
	var outputLevel int
	if runCount == len(runs) {
		outputLevel = maxLevel
	} else {
		outputLevel = max(0, runs[runCount].Level-1)
	}

	if outputLevel == 0 {
		for i := runCount; i < len(runs); i++ {
			runCount++
			if runs[i].Level != 0 {
				outputLevel = runs[i].Level
				break
			}
		}
	}

	if runCount == len(runs) {
		outputLevel = maxLevel
	}
	return &CompactUnit{OutputLevel: outputLevel, Runs: runs[:runCount]}
}

// LeveledCompaction implements a level-based strategy.
//   - If level 0 holds L0Threshold runs or more, they are merged with the
//     level 1 run into level 1.
//   - If size(L_i) > LevelRatio^(i-1) * BaseSize, L_i is merged with
//     L_{i+1} into level i+1.
type LeveledCompaction struct {
	L0Threshold int   // Number of level 0 runs to trigger compaction (default 4)
	LevelRatio  int   // Growth ratio between levels (default 10)
	BaseSize    int64 // Target size of L1 (default 64MB)
}

// NewLeveledCompaction returns a policy with default settings.
func NewLeveledCompaction() *LeveledCompaction {
	return &LeveledCompaction{
		L0Threshold: 4,
		LevelRatio:  10,
		BaseSize:    64 * 1024 * 1024,
	}
}

// Pick implements CompactionPolicy.
func (p *LeveledCompaction) Pick(numLevels int, runs []LevelSortedRun) *CompactUnit {
	maxLevel := numLevels - 1
	byLevel := make(map[int]LevelSortedRun)
	var level0 []LevelSortedRun
	for _, r := range runs {
		if r.Level == 0 {
			level0 = append(level0, r)
		} else {
			byLevel[r.Level] = r
		}
	}

	// 1. Check L0
	if len(level0) >= p.L0Threshold && len(level0) > 0 {
		unit := &CompactUnit{OutputLevel: 1, Runs: level0}
		if r, ok := byLevel[1]; ok {
			unit.Runs = append(unit.Runs, r)
		}
		return unit
	}

	// 2. Check L1..N-1
	targetSize := p.BaseSize
	for lvl := 1; lvl < maxLevel; lvl++ {
		r, ok := byLevel[lvl]
		if ok && r.Run.TotalSize() > targetSize {
			unit := &CompactUnit{OutputLevel: lvl + 1, Runs: []LevelSortedRun{r}}
			if next, ok := byLevel[lvl+1]; ok {
				unit.Runs = append(unit.Runs, next)
			}
			return unit
		}
		targetSize *= int64(p.LevelRatio)
	}
	return nil
}
