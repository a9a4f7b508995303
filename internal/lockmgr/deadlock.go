package lockmgr

import (
	"math/rand"
	"time"

	"github.com/kvengine/core/internal/errs"
)

// detectLoop runs DetectOnce on cfg.DetectInterval until Close.
func (m *Manager) detectLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.DetectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.DetectOnce()
		}
	}
}

// DetectOnce builds the current waits-for graph, breaks every cycle it
// finds by aborting one locker per cycle, and returns the lockers it
// aborted. Safe to call directly for tests or for an explicit
// lock_detect-style call between background ticks.
func (m *Manager) DetectOnce() []LockerID {
	m.mu.Lock()
	graph := m.buildWaitsFor()
	m.mu.Unlock()

	var victims []LockerID
	broken := make(map[LockerID]bool)
	for locker := range graph {
		if broken[locker] {
			continue
		}
		if cycle := findCycle(graph, locker); cycle != nil {
			victim := m.choose(cycle)
			if !broken[victim] {
				broken[victim] = true
				victims = append(victims, victim)
			}
		}
	}

	for _, v := range victims {
		m.abortWaiting(v)
		m.statsMu.Lock()
		m.stats.Deadlocks++
		m.statsMu.Unlock()
	}
	return victims
}

// buildWaitsFor returns, for every locker with at least one pending
// request, the set of lockers holding (or queued ahead with) a
// conflicting mode on the same object — the edges of the waits-for
// graph. Caller must hold m.mu.
func (m *Manager) buildWaitsFor() map[LockerID]map[LockerID]bool {
	graph := make(map[LockerID]map[LockerID]bool)
	for _, obj := range m.objects {
		for i, waiter := range obj.requests {
			if waiter.granted {
				continue
			}
			for j, other := range obj.requests {
				if i == j || other.locker == waiter.locker {
					continue
				}
				if !other.granted && j > i {
					continue
				}
				if m.conflicts(other.mode, waiter.mode) {
					edges, ok := graph[waiter.locker]
					if !ok {
						edges = make(map[LockerID]bool)
						graph[waiter.locker] = edges
					}
					edges[other.locker] = true
				}
			}
		}
	}
	return graph
}

// findCycle runs a DFS from start looking for a path back to itself,
// returning the cycle (inclusive of start) if one exists.
func findCycle(graph map[LockerID]map[LockerID]bool, start LockerID) []LockerID {
	visited := make(map[LockerID]int) // 0 unvisited, 1 in-progress, 2 done
	var path []LockerID

	var dfs func(n LockerID) []LockerID
	dfs = func(n LockerID) []LockerID {
		visited[n] = 1
		path = append(path, n)
		for next := range graph[n] {
			switch visited[next] {
			case 0:
				if cyc := dfs(next); cyc != nil {
					return cyc
				}
			case 1:
				// found the back-edge closing the cycle; trim path to it
				for i, p := range path {
					if p == next {
						cyc := append([]LockerID{}, path[i:]...)
						return cyc
					}
				}
			}
		}
		path = path[:len(path)-1]
		visited[n] = 2
		return nil
	}
	return dfs(start)
}

// choose applies m.cfg.Policy to pick which locker in a detected cycle to
// abort.
func (m *Manager) choose(cycle []LockerID) LockerID {
	if len(cycle) == 1 {
		return cycle[0]
	}

	m.bornMu.Lock()
	born := make(map[LockerID]time.Time, len(cycle))
	for _, l := range cycle {
		born[l] = m.born[l]
	}
	m.bornMu.Unlock()

	lockCount := func(l LockerID) int {
		m.mu.Lock()
		defer m.mu.Unlock()
		return len(m.held[l])
	}
	writeCount := func(l LockerID) int {
		m.mu.Lock()
		defer m.mu.Unlock()
		n := 0
		for req := range m.held[l] {
			if req.mode == Write || req.mode == IWrite {
				n++
			}
		}
		return n
	}

	switch m.cfg.Policy {
	case PolicyOldest:
		return extreme(cycle, func(a, b LockerID) bool { return born[a].Before(born[b]) })
	case PolicyYoungest, PolicyDefault:
		return extreme(cycle, func(a, b LockerID) bool { return born[a].After(born[b]) })
	case PolicyMaxLocks:
		return extreme(cycle, func(a, b LockerID) bool { return lockCount(a) > lockCount(b) })
	case PolicyMinLocks:
		return extreme(cycle, func(a, b LockerID) bool { return lockCount(a) < lockCount(b) })
	case PolicyMaxWrite:
		return extreme(cycle, func(a, b LockerID) bool { return writeCount(a) > writeCount(b) })
	case PolicyMinWrite:
		return extreme(cycle, func(a, b LockerID) bool { return writeCount(a) < writeCount(b) })
	case PolicyRandom:
		return cycle[rand.Intn(len(cycle))]
	case PolicyExpire:
		// sacrifice whichever waiter has been blocked longest; approximated
		// here by oldest locker, since per-request wait start is tracked on
		// the request, not the locker.
		return extreme(cycle, func(a, b LockerID) bool { return born[a].Before(born[b]) })
	default:
		return cycle[0]
	}
}

func extreme(cycle []LockerID, less func(a, b LockerID) bool) LockerID {
	best := cycle[0]
	for _, c := range cycle[1:] {
		if less(c, best) {
			best = c
		}
	}
	return best
}

// abortWaiting fails every pending (not yet granted) request belonging
// to locker with DEADLOCK, waking its blocked Get call. Locks it already
// holds are left untouched; the caller (normally a transaction abort) is
// responsible for releasing them via IDFree.
func (m *Manager) abortWaiting(locker LockerID) {
	m.mu.Lock()
	var toWake []*request
	type victimIn struct {
		obj *object
		req *request
	}
	var pending []victimIn
	for _, obj := range m.objects {
		for _, r := range obj.requests {
			if r.locker == locker && !r.granted {
				pending = append(pending, victimIn{obj, r})
			}
		}
	}
	for _, v := range pending {
		v.req.err = errs.New("lockmgr.detect", errs.DEADLOCK)
		toWake = append(toWake, v.req)
		m.removeRequest(v.obj, v.req)
	}
	m.mu.Unlock()

	for _, r := range toWake {
		close(r.done)
	}
}
