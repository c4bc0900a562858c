// Package faultdetect scores peer behavior over a rolling window and
// surfaces the worst offenders as dysfunctional. Grounded on the teacher's
// core/anomaly_detection.go flagged-map/threshold shape and
// core/audit_management.go's singleton manager, adapted to per-Core
// ownership (a *Detector field on each node) instead of a package-global
// sync.Once singleton, since §5 requires fault detection to be a distinct
// owned task per node rather than shared global state.
package faultdetect

import (
	"math"
	"sync"
	"time"

	"stornet/internal/xorname"
)

// IssueKind is one of the §4.5 tracked issue kinds.
type IssueKind uint8

const (
	Communication IssueKind = iota
	PendingRequest
	Knowledge
	Dkg
	ElderVoting
	NetworkKnowledge
)

func (k IssueKind) String() string {
	switch k {
	case Communication:
		return "communication"
	case PendingRequest:
		return "pending_request"
	case Knowledge:
		return "knowledge"
	case Dkg:
		return "dkg"
	case ElderVoting:
		return "elder_voting"
	case NetworkKnowledge:
		return "network_knowledge"
	default:
		return "unknown"
	}
}

// Issue is one timestamped event against a peer.
type Issue struct {
	Peer xorname.XorName
	Kind IssueKind
	At   time.Time
}

// Role distinguishes elders from adults for comparison-group scoring
// (§4.5: "for elders, compare ... against other elders; for adults ...
// other adults").
type Role uint8

const (
	RoleAdult Role = iota
	RoleElder
)

// DefaultWindow is the rolling scoring window (§4.5's "default 15 min").
const DefaultWindow = 15 * time.Minute

// DefaultThreshold is the nominal "sum of issues above X" cutoff.
const DefaultThreshold = 5.0

// Detector owns one node's fault-tracking state: every peer's issue
// history and role, scored on demand. Reports arrive via TrackIssue, which
// is safe to call from any goroutine (the core pushes TrackIssue Cmds
// through the dispatch queue, but the detector itself runs independently
// per §4.5 "Decoupling").
type Detector struct {
	mu        sync.Mutex
	window    time.Duration
	threshold float64
	roles     map[xorname.XorName]Role
	issues    map[xorname.XorName][]Issue
	now       func() time.Time
}

// NewDetector builds a Detector with the nominal window/threshold.
func NewDetector() *Detector {
	return &Detector{
		window:    DefaultWindow,
		threshold: DefaultThreshold,
		roles:     map[xorname.XorName]Role{},
		issues:    map[xorname.XorName][]Issue{},
		now:       time.Now,
	}
}

// SetRole records whether peer is currently an elder or adult, so scoring
// compares it against the right cohort.
func (d *Detector) SetRole(peer xorname.XorName, role Role) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.roles[peer] = role
}

// TrackIssue records a new timestamped issue against peer.
func (d *Detector) TrackIssue(peer xorname.XorName, kind IssueKind) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.issues[peer] = append(d.issues[peer], Issue{Peer: peer, Kind: kind, At: d.now()})
}

// peerScoreLocked counts issues for peer within the rolling window.
func (d *Detector) peerScoreLocked(peer xorname.XorName) float64 {
	cutoff := d.now().Add(-d.window)
	var n float64
	for _, is := range d.issues[peer] {
		if is.At.After(cutoff) {
			n++
		}
	}
	return n
}

// cohortStatsLocked returns the mean and population stddev of peer scores
// among all tracked peers sharing role, excluding exclude.
func (d *Detector) cohortStatsLocked(role Role, exclude xorname.XorName) (mean, stddev float64) {
	var scores []float64
	for peer, r := range d.roles {
		if r != role || peer == exclude {
			continue
		}
		scores = append(scores, d.peerScoreLocked(peer))
	}
	if len(scores) == 0 {
		return 0, 0
	}
	var sum float64
	for _, s := range scores {
		sum += s
	}
	mean = sum / float64(len(scores))
	var variance float64
	for _, s := range scores {
		variance += (s - mean) * (s - mean)
	}
	variance /= float64(len(scores))
	return mean, math.Sqrt(variance)
}

// DysfunctionScore computes peer_score - (section_mean + section_stddev)
// for peer against its cohort, per §4.5's scoring formula.
func (d *Detector) DysfunctionScore(peer xorname.XorName) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	role := d.roles[peer]
	mean, stddev := d.cohortStatsLocked(role, peer)
	return d.peerScoreLocked(peer) - (mean + stddev)
}

// Dysfunctional returns the names of every tracked peer whose dysfunction
// score crosses the configured threshold, the snapshot the periodic loop
// reads to propose NodeOffline membership votes.
func (d *Detector) Dysfunctional() []xorname.XorName {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []xorname.XorName
	for peer, role := range d.roles {
		mean, stddev := d.cohortStatsLocked(role, peer)
		score := d.peerScoreLocked(peer) - (mean + stddev)
		if score >= d.threshold {
			out = append(out, peer)
		}
	}
	return out
}

// Forget drops all tracked state for peer. corenode's fault-history
// recovery sub-check calls it for elders whose dysfunction score has
// dropped below zero.
func (d *Detector) Forget(peer xorname.XorName) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.issues, peer)
	delete(d.roles, peer)
}
