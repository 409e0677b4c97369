package core

import (
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"replaycore/pkg/domain"
)

// DefaultPreloadCount is the preload window used when callers pass none.
const DefaultPreloadCount = 5

// StepSource exposes recorded steps to the screen cache.
type StepSource interface {
	Step(episode, step int) (domain.Experience, bool)
	EpisodeLen(episode int) int
}

// ScreenCache memoizes screens derived from recorded steps. Entries are only
// dropped wholesale by Reset; the generation counter keeps a build that started
// before a Reset from landing after it.
type ScreenCache struct {
	src   StepSource
	log   *slog.Logger
	group singleflight.Group

	mu      sync.RWMutex
	screens map[string]domain.Screen
	gen     uint64

	builds      atomic.Int64
	parseErrors atomic.Int64
}

// NewScreenCache returns an empty cache over src.
func NewScreenCache(src StepSource, logger *slog.Logger) *ScreenCache {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &ScreenCache{src: src, log: logger, screens: make(map[string]domain.Screen)}
}

// Get returns the screen for id, building and memoizing it on a miss. Malformed
// ids are logged and counted, never raised; they and out-of-range indices
// report false.
func (c *ScreenCache) Get(id string) (domain.Screen, bool) {
	c.mu.RLock()
	screen, ok := c.screens[id]
	gen := c.gen
	c.mu.RUnlock()
	if ok {
		return cloneScreen(screen), true
	}
	episode, step, err := domain.ParseScreenID(id)
	if err != nil {
		c.parseErrors.Add(1)
		c.log.Warn("malformed screen id", "screen_id", id, "error", err)
		return domain.Screen{}, false
	}
	key := strconv.FormatUint(gen, 10) + "/" + id
	v, err, _ := c.group.Do(key, func() (any, error) {
		exp, ok := c.src.Step(episode, step)
		if !ok {
			return nil, domain.ErrNotFound
		}
		built := BuildScreen(id, episode, step, exp)
		c.builds.Add(1)
		c.mu.Lock()
		if c.gen == gen {
			c.screens[id] = built
		}
		c.mu.Unlock()
		return built, nil
	})
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			c.log.Error("build screen failed", "screen_id", id, "error", err)
		}
		return domain.Screen{}, false
	}
	return cloneScreen(v.(domain.Screen)), true
}

// Cached reports whether id is resident without building it.
func (c *ScreenCache) Cached(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.screens[id]
	return ok
}

// Preload builds the uncached neighbours of currentID inside the window
// [step-count/2, step+count/2] clipped to the episode, skipping currentID. It
// returns the newly populated ids in ascending step order.
func (c *ScreenCache) Preload(currentID string, count int) []string {
	episode, step, err := domain.ParseScreenID(currentID)
	if err != nil {
		c.parseErrors.Add(1)
		c.log.Warn("malformed screen id", "screen_id", currentID, "error", err)
		return []string{}
	}
	n := c.src.EpisodeLen(episode)
	if n <= 0 {
		return []string{}
	}
	half := count / 2
	start := max(0, step-half)
	end := min(n-1, step+half)
	out := []string{}
	for i := start; i <= end; i++ {
		if i == step {
			continue
		}
		id := domain.ScreenID(episode, i)
		if c.Cached(id) {
			continue
		}
		if _, ok := c.Get(id); ok {
			out = append(out, id)
		}
	}
	return out
}

// Reset drops every cached screen.
func (c *ScreenCache) Reset() {
	c.mu.Lock()
	c.screens = make(map[string]domain.Screen)
	c.gen++
	c.mu.Unlock()
}

// Len reports the number of resident screens.
func (c *ScreenCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.screens)
}

// Builds reports how many screens have been computed since construction.
func (c *ScreenCache) Builds() int64 { return c.builds.Load() }

// ParseErrors reports how many malformed ids were seen.
func (c *ScreenCache) ParseErrors() int64 { return c.parseErrors.Load() }

// BuildScreen projects one step into a screen. Visualization fields come from the
// step's viz data, or its metadata when no viz data was recorded, and fall back
// to the raw experience fields and documented defaults.
func BuildScreen(id string, episode, step int, exp domain.Experience) domain.Screen {
	viz := exp.VizData
	if len(viz) == 0 {
		viz = exp.Metadata
	}
	screen := domain.Screen{
		ScreenID:      id,
		Episode:       episode,
		Step:          step,
		Action:        exp.Action,
		Reward:        exp.Reward,
		State:         append([]float64{}, exp.State...),
		RobotPosition: []float64{0, 0, 0},
		RobotRotation: []float64{0, 0, 0},
		Detections:    []map[string]any{},
	}
	if v, ok := viz["action"]; ok {
		if f, err := toFloat(v); err == nil {
			screen.Action = int(f)
		} else if s, ok := v.(string); ok {
			screen.ActionLabel = s
		}
	}
	if f, ok := vizNumber(viz, "reward"); ok {
		screen.Reward = f
	}
	if seq, ok := vizSequence(viz, "state"); ok {
		screen.State = seq
	}
	if seq, ok := vizSequence(viz, "robotPosition"); ok {
		screen.RobotPosition = seq
	}
	if seq, ok := vizSequence(viz, "robotRotation"); ok {
		screen.RobotRotation = seq
	}
	if f, ok := vizNumber(viz, "targetObject"); ok {
		screen.TargetObject = int(f)
	}
	if f, ok := vizNumber(viz, "timeLeft"); ok {
		screen.TimeLeft = f
	}
	if dets, ok := viz["detections"].([]any); ok {
		for _, d := range dets {
			if m, ok := d.(map[string]any); ok {
				screen.Detections = append(screen.Detections, cloneMap(m))
			}
		}
	} else if dets, ok := viz["detections"].([]map[string]any); ok {
		for _, m := range dets {
			screen.Detections = append(screen.Detections, cloneMap(m))
		}
	}
	if cam, ok := viz["cameraView"].(string); ok && cam != "" {
		screen.CameraView = cam
	}
	return screen
}

func vizNumber(viz map[string]any, key string) (float64, bool) {
	v, ok := viz[key]
	if !ok {
		return 0, false
	}
	f, err := toFloat(v)
	return f, err == nil
}

func vizSequence(viz map[string]any, key string) ([]float64, bool) {
	v, ok := viz[key]
	if !ok || v == nil {
		return nil, false
	}
	seq, err := ToSequence(v)
	return seq, err == nil
}

func cloneScreen(s domain.Screen) domain.Screen {
	s.State = append([]float64{}, s.State...)
	s.RobotPosition = append([]float64{}, s.RobotPosition...)
	s.RobotRotation = append([]float64{}, s.RobotRotation...)
	dets := make([]map[string]any, len(s.Detections))
	for i, d := range s.Detections {
		dets[i] = cloneMap(d)
	}
	s.Detections = dets
	return s
}
