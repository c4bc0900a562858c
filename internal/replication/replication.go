// Package replication implements the elder-side client write/read
// forwarding paths and churn-driven batch replication described in §4.4.
// Grounded on the teacher's core/data_distribution.go (holder-set
// recomputation), core/replication.go and
// core/initialization_replication.go (batched push to new holders), and
// core/partitioning_and_compression.go for the batch-sizing idiom.
package replication

import (
	"context"
	"fmt"
	"time"

	"stornet/internal/blskeys"
	"stornet/internal/faultdetect"
	"stornet/internal/identity"
	"stornet/internal/wire"
	"stornet/internal/xorname"
)

// ChunkCopyCount is CHUNK_COPY_COUNT from §4.4: the number of adults that
// must hold a copy of each chunk.
const ChunkCopyCount = 4

// MaxBatchItems and MaxBatchBytes bound a single ReplicateDataBatch per
// §4.4.3's "nominally ≤ 50 ... ≤ a few MiB, whichever comes first".
const (
	MaxBatchItems = 50
	MaxBatchBytes = 4 << 20
)

// DefaultForwardTimeout is the nominal 10-30s elder-to-adult timeout from
// §4.4.1 step 4.
const DefaultForwardTimeout = 15 * time.Second

// Sender abstracts package comm's Transport.Send so this package can be
// tested without a real QUIC transport.
type Sender interface {
	Send(ctx context.Context, peer identity.Peer, msg wire.WireMsg) (wire.WireMsg, error)
}

// ClosestAdults returns the k adults closest to name by XOR distance,
// ordered nearest-first.
func ClosestAdults(adults []identity.Peer, name xorname.XorName, k int) []identity.Peer {
	sorted := append([]identity.Peer(nil), adults...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && xorname.Closer(name, sorted[j].Name, sorted[j-1].Name); j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	if k > len(sorted) {
		k = len(sorted)
	}
	return sorted[:k]
}

// Coordinator runs the elder-side write/read forwarding paths and
// churn-driven batch replication, reporting failures to a Detector.
type Coordinator struct {
	sender Sender
	faults *faultdetect.Detector
}

// New builds a Coordinator.
func New(sender Sender, faults *faultdetect.Detector) *Coordinator {
	return &Coordinator{sender: sender, faults: faults}
}

// ErrInsufficientNodes is returned when the known adult set has fewer than
// ChunkCopyCount candidates, per §4.4.1 step 5.
var ErrInsufficientNodes = fmt.Errorf("replication: insufficient adults for copy count %d", ChunkCopyCount)

// WriteResult is the outcome of a client write forwarded to adults.
type WriteResult struct {
	Acked  []identity.Peer
	Failed []identity.Peer
}

// ForwardWrite implements §4.4.1: compute the k-closest adults to the
// data's address, forward ReplicateData to each, await all responses, and
// report any failures to fault detection.
func (c *Coordinator) ForwardWrite(ctx context.Context, sectionKey blskeys.PublicKey, adults []identity.Peer, addr wire.DataAddress, data []byte) (WriteResult, error) {
	targets := ClosestAdults(adults, addr.Name, ChunkCopyCount)
	if len(targets) < ChunkCopyCount {
		return WriteResult{}, ErrInsufficientNodes
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultForwardTimeout)
	defer cancel()

	var result WriteResult
	for _, adult := range targets {
		msg, err := wire.New(sectionKey, wire.AuthNode, wire.ReplicateData{Address: addr, Data: data})
		if err != nil {
			return WriteResult{}, err
		}
		resp, err := c.sender.Send(ctx, adult, msg)
		if err != nil {
			result.Failed = append(result.Failed, adult)
			if c.faults != nil {
				c.faults.TrackIssue(adult.Name, faultdetect.Communication)
			}
			continue
		}
		payload, err := wire.DecodePayload(resp.Payload)
		if err != nil {
			result.Failed = append(result.Failed, adult)
			continue
		}
		if _, ok := payload.(wire.CouldNotStore); ok {
			result.Failed = append(result.Failed, adult)
			if c.faults != nil {
				c.faults.TrackIssue(adult.Name, faultdetect.Communication)
			}
			continue
		}
		result.Acked = append(result.Acked, adult)
	}
	return result, nil
}

// ForwardRead implements §4.4.2: try the closest adult, and on failure or
// DataNotFound, retry the next-closest until the candidate set (up to
// ChunkCopyCount adults) is exhausted, reporting silent adults to fault
// detection.
func (c *Coordinator) ForwardRead(ctx context.Context, sectionKey blskeys.PublicKey, adults []identity.Peer, addr wire.DataAddress) (wire.DataResponse, error) {
	targets := ClosestAdults(adults, addr.Name, ChunkCopyCount)
	if len(targets) == 0 {
		return wire.DataResponse{}, ErrInsufficientNodes
	}

	var lastErr error
	for _, adult := range targets {
		msg, err := wire.New(sectionKey, wire.AuthNode, wire.GetData{Address: addr})
		if err != nil {
			return wire.DataResponse{}, err
		}
		resp, err := c.sender.Send(ctx, adult, msg)
		if err != nil {
			lastErr = err
			if c.faults != nil {
				c.faults.TrackIssue(adult.Name, faultdetect.Communication)
			}
			continue
		}
		payload, err := wire.DecodePayload(resp.Payload)
		if err != nil {
			lastErr = err
			continue
		}
		dr, ok := payload.(wire.DataResponse)
		if !ok {
			lastErr = fmt.Errorf("replication: unexpected response type %T", payload)
			continue
		}
		if dr.Err != "" {
			lastErr = fmt.Errorf("replication: %s", dr.Err)
			if c.faults != nil {
				c.faults.TrackIssue(adult.Name, faultdetect.Communication)
			}
			continue
		}
		return dr, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("replication: all candidates exhausted")
	}
	return wire.DataResponse{}, lastErr
}
