package game

import (
	"sync"
	"time"
)

type Timer interface {
	Stop() bool
}

// Clock abstracts time so the phase timers can be driven by tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type systemClock struct{}

func SystemClock() Clock { return systemClock{} }

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

type armedTimer struct {
	phaseID string
	gen     uint64
	timer   Timer
}

// timerSet keeps at most one pending phase timer per game. Arming replaces
// and stops the previous timer; a replaced timer that already fired is
// ignored through its generation number.
type timerSet struct {
	mu     sync.Mutex
	clock  Clock
	gen    uint64
	timers map[string]armedTimer
}

func newTimerSet(clock Clock) *timerSet {
	return &timerSet{clock: clock, timers: make(map[string]armedTimer)}
}

func (s *timerSet) arm(gameID, phaseID string, d time.Duration, fire func(gameID, phaseID string)) {
	if d < 0 {
		d = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.timers[gameID]; ok {
		prev.timer.Stop()
	}
	s.gen++
	gen := s.gen
	t := s.clock.AfterFunc(d, func() {
		s.mu.Lock()
		cur, ok := s.timers[gameID]
		if !ok || cur.gen != gen {
			s.mu.Unlock()
			return
		}
		delete(s.timers, gameID)
		s.mu.Unlock()
		fire(gameID, phaseID)
	})
	s.timers[gameID] = armedTimer{phaseID: phaseID, gen: gen, timer: t}
}

func (s *timerSet) cancel(gameID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.timers[gameID]; ok {
		prev.timer.Stop()
		delete(s.timers, gameID)
	}
}

// pending returns the phase id the game's timer is armed for.
func (s *timerSet) pending(gameID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[gameID]
	return t.phaseID, ok
}

func (s *timerSet) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.timer.Stop()
		delete(s.timers, id)
	}
}
