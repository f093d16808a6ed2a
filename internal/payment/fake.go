package payment

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory payment client for tests. Snapshots are seeded by
// transaction hash and snapshot id; transfers and refunds are recorded.
type Fake struct {
	mu sync.Mutex

	snapshots map[string]SafeSnapshot
	transfers []TransferRequest
	refunds   []SafeSnapshot

	// TransferErr and RefundErr inject failures.
	TransferErr error
	RefundErr   error
}

// NewFake constructs an empty fake payment client.
func NewFake() *Fake {
	return &Fake{snapshots: make(map[string]SafeSnapshot)}
}

// SeedSnapshot registers a snapshot under its id and transaction hash.
func (f *Fake) SeedSnapshot(snapshot SafeSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if snapshot.SnapshotID != "" {
		f.snapshots[snapshot.SnapshotID] = snapshot
	}
	if snapshot.TransactionHash != "" {
		f.snapshots[snapshot.TransactionHash] = snapshot
	}
}

// Transfers returns recorded transfer requests.
func (f *Fake) Transfers() []TransferRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]TransferRequest, len(f.transfers))
	copy(out, f.transfers)
	return out
}

// Refunds returns recorded refunds.
func (f *Fake) Refunds() []SafeSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]SafeSnapshot, len(f.refunds))
	copy(out, f.refunds)
	return out
}

// FetchSafeSnapshot returns a seeded snapshot.
func (f *Fake) FetchSafeSnapshot(_ context.Context, txID string) (SafeSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snapshot, ok := f.snapshots[txID]
	if !ok {
		return SafeSnapshot{}, fmt.Errorf("fake payment: snapshot %s not found", txID)
	}
	return snapshot, nil
}

// FetchSafeSnapshots returns all seeded snapshots.
func (f *Fake) FetchSafeSnapshots(_ context.Context, limit int) ([]SafeSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[string]bool)
	var out []SafeSnapshot
	for _, snapshot := range f.snapshots {
		if seen[snapshot.SnapshotID] {
			continue
		}
		seen[snapshot.SnapshotID] = true
		out = append(out, snapshot)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Transfer records the request and returns one receipt.
func (f *Fake) Transfer(_ context.Context, req TransferRequest) ([]Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.TransferErr != nil {
		return nil, f.TransferErr
	}
	f.transfers = append(f.transfers, req)
	return []Receipt{{ReceiptID: fmt.Sprintf("fake-receipt-%d", len(f.transfers)), TraceID: req.TraceID}}, nil
}

// Refund records the refund and returns one receipt.
func (f *Fake) Refund(_ context.Context, snapshot SafeSnapshot) ([]Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RefundErr != nil {
		return nil, f.RefundErr
	}
	f.refunds = append(f.refunds, snapshot)
	return []Receipt{{ReceiptID: fmt.Sprintf("fake-refund-%d", len(f.refunds))}}, nil
}

var _ Client = (*Fake)(nil)
