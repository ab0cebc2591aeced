package sched

import "time"

// Advance moves clock forward by d, stopping at every pending deadline on
// the way so that each task observes its own deadline as the current time.
// Tasks scheduled by running tasks are honoured if they fall inside the
// window. It returns the number of tasks run.
func Advance(s *Scheduler, clock *ManualClock, d time.Duration) int {
	end := clock.Now().Add(d)
	ran := 0
	for {
		next, ok := s.NextDeadline()
		if !ok || next.After(end) {
			break
		}
		clock.Set(next)
		ran += s.RunDue()
	}
	clock.Set(end)
	ran += s.RunDue()
	return ran
}
