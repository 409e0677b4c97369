package core

import (
	"sync"
	"time"

	"replaycore/pkg/domain"
)

// Recording status values reported to callers.
const (
	StatusRecording = "recording"
	StatusStopped   = "stopped"
)

// RecordingStatus is returned by the recording commands.
type RecordingStatus struct {
	Status           string `json:"status"`
	Episode          int    `json:"episode"`
	Steps            int    `json:"steps"`
	AlreadyRecording bool   `json:"alreadyRecording,omitempty"`
	NotRecording     bool   `json:"notRecording,omitempty"`
	Discarded        bool   `json:"discarded,omitempty"`
}

// Step is one normalized transition handed to the store.
type Step struct {
	State     []float64
	Action    int
	Reward    float64
	NextState []float64
	Done      bool
	Metadata  map[string]any
	VizData   map[string]any
}

// EpisodeStore owns recorded episodes and the recording state machine. One mutex
// guards every compound read-modify-write, so a RecordStep racing StopRecording
// either lands entirely in the frozen episode or not at all.
type EpisodeStore struct {
	mu           sync.Mutex
	episodes     []domain.Episode
	current      domain.Episode
	recording    bool
	episodeCount int
	now          func() time.Time
}

// NewEpisodeStore returns an idle, empty store. now supplies capture timestamps
// and defaults to time.Now.
func NewEpisodeStore(now func() time.Time) *EpisodeStore {
	if now == nil {
		now = time.Now
	}
	return &EpisodeStore{now: now}
}

// StartRecording moves Idle to Recording. The episode number reported is the one
// the episode will receive if it is kept. A second start is an idempotent no-op
// flagged with AlreadyRecording.
func (s *EpisodeStore) StartRecording() RecordingStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recording {
		return RecordingStatus{Status: StatusRecording, Episode: s.episodeCount + 1, Steps: len(s.current), AlreadyRecording: true}
	}
	s.recording = true
	s.current = nil
	return RecordingStatus{Status: StatusRecording, Episode: s.episodeCount + 1}
}

// StopRecording freezes a non-empty current episode into the store and bumps the
// episode count. An empty episode is discarded and the count is left alone.
func (s *EpisodeStore) StopRecording() RecordingStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked()
}

func (s *EpisodeStore) stopLocked() RecordingStatus {
	if !s.recording {
		return RecordingStatus{Status: StatusStopped, Episode: s.episodeCount, NotRecording: true}
	}
	s.recording = false
	steps := len(s.current)
	if steps == 0 {
		s.current = nil
		return RecordingStatus{Status: StatusStopped, Episode: s.episodeCount + 1, Discarded: true}
	}
	s.episodes = append(s.episodes, s.current)
	s.current = nil
	s.episodeCount++
	return RecordingStatus{Status: StatusStopped, Episode: s.episodeCount, Steps: steps}
}

// RecordStep appends a timestamped experience to the current episode. It returns
// false without touching anything when not recording. A done step closes the
// episode inside the same critical section; the returned status is then non-nil.
func (s *EpisodeStore) RecordStep(step Step) (bool, *RecordingStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.recording {
		return false, nil
	}
	exp := domain.Experience{
		State:     append([]float64{}, step.State...),
		Action:    step.Action,
		Reward:    step.Reward,
		NextState: append([]float64{}, step.NextState...),
		Done:      step.Done,
		Timestamp: float64(s.now().UnixNano()) / float64(time.Second),
		Metadata:  cloneMap(step.Metadata),
		VizData:   cloneMap(step.VizData),
	}
	s.current = append(s.current, exp)
	if !step.Done {
		return true, nil
	}
	st := s.stopLocked()
	return true, &st
}

// Episodes returns a deep copy of the frozen episodes.
func (s *EpisodeStore) Episodes() []domain.Episode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.CloneEpisodes(s.episodes)
}

// Episode returns a deep copy of episode idx.
func (s *EpisodeStore) Episode(idx int) (domain.Episode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx < 0 || idx >= len(s.episodes) {
		return nil, false
	}
	return s.episodes[idx].Clone(), true
}

// Step returns a copy of one recorded step.
func (s *EpisodeStore) Step(episode, step int) (domain.Experience, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if episode < 0 || episode >= len(s.episodes) {
		return domain.Experience{}, false
	}
	ep := s.episodes[episode]
	if step < 0 || step >= len(ep) {
		return domain.Experience{}, false
	}
	return ep[step].Clone(), true
}

// EpisodeLen reports the length of episode idx, or -1 when out of range.
func (s *EpisodeStore) EpisodeLen(idx int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx < 0 || idx >= len(s.episodes) {
		return -1
	}
	return len(s.episodes[idx])
}

// Replace swaps in loaded episodes wholesale and forces Idle. The episode count
// never decreases: it becomes the larger of the current and loaded counts.
func (s *EpisodeStore) Replace(episodes []domain.Episode, loadedCount int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.episodes = episodes
	s.current = nil
	s.recording = false
	if loadedCount < len(episodes) {
		loadedCount = len(episodes)
	}
	if loadedCount > s.episodeCount {
		s.episodeCount = loadedCount
	}
}

// StoreSnapshot summarizes the store for status reporting.
type StoreSnapshot struct {
	Recording    bool `json:"recording"`
	Episodes     int  `json:"episodes"`
	TotalSteps   int  `json:"totalSteps"`
	CurrentSteps int  `json:"currentSteps"`
	EpisodeCount int  `json:"episodeCount"`
}

// Snapshot reports counters without copying episode content.
func (s *EpisodeStore) Snapshot() StoreSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StoreSnapshot{
		Recording:    s.recording,
		Episodes:     len(s.episodes),
		TotalSteps:   domain.TotalSteps(s.episodes),
		CurrentSteps: len(s.current),
		EpisodeCount: s.episodeCount,
	}
}

// ForEachExperience visits every frozen experience in store order while holding
// the store lock. fn must not call back into the store.
func (s *EpisodeStore) ForEachExperience(fn func(domain.Experience)) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ep := range s.episodes {
		for _, exp := range ep {
			fn(exp)
			n++
		}
	}
	return n
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
