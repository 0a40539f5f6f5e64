package job

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/stratumpool/pkg/log"
)

// DefaultCapacity is the number of templates retained for submissions.
const DefaultCapacity = 30

// Signal describes why a template arrived. NewBlock is an explicit push
// (ZMQ, changed previous hash). Tick identifies the refresh-timer firing
// that produced a polled template.
type Signal struct {
	Tick     uint64
	NewBlock bool
}

// snapshot is an immutable view of the registry. Writers publish a new one
// by pointer replacement; readers never lock.
type snapshot struct {
	current    *Job
	ring       []*Job
	byJob      map[string]*Job
	byTemplate map[string]*Job

	// previous generation, resolvable until retiredUntil
	retired      map[string]*Job
	retiredUntil time.Time
}

// RegistryConfig tunes retention.
type RegistryConfig struct {
	Capacity int
	// Grace keeps the generation cleared by a new block resolvable for
	// submissions. Zero rejects them immediately.
	Grace time.Duration
}

// Registry owns job construction, identifiers and the bounded history of
// recent jobs.
type Registry struct {
	builder *Builder
	split   PayoutSplit
	tag     string
	config  RegistryConfig
	logger  *log.Logger
	now     func() time.Time

	snap atomic.Pointer[snapshot]

	// guarded by mu: the write path is serialized
	mu          sync.Mutex
	jobSeq      uint64
	templateSeq uint64
	lastTick    uint64
	haveTick    bool
	skipNext    bool
}

// NewRegistry creates a Registry that builds jobs paying split.
func NewRegistry(builder *Builder, split PayoutSplit, tag string, config RegistryConfig, logger *log.Logger) *Registry {
	if config.Capacity <= 0 {
		config.Capacity = DefaultCapacity
	}
	r := &Registry{
		builder: builder,
		split:   split,
		tag:     tag,
		config:  config,
		logger:  logger.WithComponent("job_registry"),
		now:     time.Now,
	}
	r.snap.Store(emptySnapshot())
	return r
}

func emptySnapshot() *snapshot {
	return &snapshot{
		byJob:      map[string]*Job{},
		byTemplate: map[string]*Job{},
	}
}

// OnNewTemplate builds, stores and returns a job for tpl. The job clears
// history when it builds on a different block than the current job.
func (r *Registry) OnNewTemplate(tpl *Template) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templateSeq++
	return r.buildLocked(tpl, false)
}

// HandleSignal is OnNewTemplate with new-block detection for polled
// templates. Two consecutive identical ticks are taken as a new block and
// the tick after that is skipped. An explicit NewBlock signal bypasses the
// heuristic. A skipped template returns a nil job and nil error.
//
// The heuristic serves sources that re-deliver a tick when their poll
// notices a block. bitcoin.Feed numbers every timer firing afresh and
// reports blocks with NewBlock, so its templates are never debounced.
func (r *Registry) HandleSignal(tpl *Template, sig Signal) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templateSeq++

	newBlock := sig.NewBlock
	if !sig.NewBlock {
		if r.skipNext {
			r.skipNext = false
			r.lastTick = sig.Tick
			r.logger.Debug("template skipped after tick debounce", "tick", sig.Tick)
			return nil, nil
		}
		if r.haveTick && sig.Tick == r.lastTick {
			newBlock = true
			r.skipNext = true
		}
		r.lastTick = sig.Tick
		r.haveTick = true
	}

	return r.buildLocked(tpl, newBlock)
}

func (r *Registry) buildLocked(tpl *Template, newBlock bool) (*Job, error) {
	old := r.snap.Load()
	built, err := r.builder.BuildJob(tpl, r.split, r.tag, old.current)
	if err != nil {
		return nil, err
	}

	r.jobSeq++
	clean := newBlock || built.CleanJobs
	j := built.withIDs(r.jobSeq, strconv.FormatUint(r.templateSeq, 16), clean)

	r.snap.Store(r.next(old, j))
	r.logger.Debug("job stored", "job_id", j.ID, "template_id", j.TemplateID,
		"height", j.Height, "clean_jobs", j.CleanJobs)
	return j, nil
}

// next derives the snapshot that follows old once j is inserted.
func (r *Registry) next(old *snapshot, j *Job) *snapshot {
	s := &snapshot{current: j}

	if j.CleanJobs {
		s.ring = []*Job{j}
		s.byJob = map[string]*Job{j.ID: j}
		s.byTemplate = map[string]*Job{j.TemplateID: j}
		if r.config.Grace > 0 {
			s.retired = old.byJob
			s.retiredUntil = r.now().Add(r.config.Grace)
		}
		return s
	}

	s.retired, s.retiredUntil = old.retired, old.retiredUntil
	s.ring = append(make([]*Job, 0, len(old.ring)+1), old.ring...)
	s.ring = append(s.ring, j)
	if len(s.ring) > r.config.Capacity {
		s.ring = s.ring[len(s.ring)-r.config.Capacity:]
	}

	s.byJob = make(map[string]*Job, len(s.ring))
	s.byTemplate = make(map[string]*Job, len(s.ring))
	for _, kept := range s.ring {
		s.byJob[kept.ID] = kept
		s.byTemplate[kept.TemplateID] = kept
	}
	return s
}

// Current returns the most recent job, or nil before the first template.
func (r *Registry) Current() *Job {
	return r.snap.Load().current
}

// GetByJobID resolves a job referenced by mining.submit.
func (r *Registry) GetByJobID(id string) (*Job, bool) {
	s := r.snap.Load()
	if j, ok := s.byJob[id]; ok {
		return j, true
	}
	if s.retired != nil && r.now().Before(s.retiredUntil) {
		j, ok := s.retired[id]
		return j, ok
	}
	return nil, false
}

// GetByTemplateID resolves a job by the template it was built from.
func (r *Registry) GetByTemplateID(id string) (*Job, bool) {
	j, ok := r.snap.Load().byTemplate[id]
	return j, ok
}

// Len returns the number of retained jobs.
func (r *Registry) Len() int {
	return len(r.snap.Load().ring)
}

// Clear discards every stored job. Identifiers keep counting.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snap.Store(emptySnapshot())
}
