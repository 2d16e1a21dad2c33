package engine

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"cookline/internal/domain"
	"cookline/internal/events"
	"cookline/internal/repo"
)

// MerkleRoot hashes the canonical fields of an attestation. Each field becomes a
// SHA-256 leaf of "key=<json value>", leaves are ordered by key, and levels are
// paired upward with the last node duplicated on odd levels.
func MerkleRoot(a domain.Attestation) (string, error) {
	reviewers := append([]string{}, a.Reviewers...)
	sort.Strings(reviewers)
	fields := map[string]any{
		"attribution":   string(a.Attribution),
		"contributorId": a.ContributorID,
		"cookValue":     a.CookValue,
		"issuedAt":      a.IssuedAt,
		"reviewers":     reviewers,
		"taskId":        a.TaskID,
		"teamId":        a.TeamID,
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	level := make([][]byte, 0, len(keys))
	for _, k := range keys {
		v, err := json.Marshal(fields[k])
		if err != nil {
			return "", fmt.Errorf("canonicalize %s: %w", k, err)
		}
		sum := sha256.Sum256(append([]byte(k+"="), v...))
		level = append(level, sum[:])
	}
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([][]byte, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			sum := sha256.Sum256(append(append([]byte{}, level[i]...), level[i+1]...))
			next = append(next, sum[:])
		}
		level = next
	}
	return hex.EncodeToString(level[0]), nil
}

// IssueAttestation creates the attestation for a ledger entry and links it to the
// contributor's chain. Re-running for the same entry returns the existing record.
func (e Engine) IssueAttestation(ctx context.Context, ledgerEntryID string) (domain.Attestation, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Attestation{}, err
	}
	defer tx.Rollback()

	if existing, err := e.Repo.GetAttestationByEntry(ctx, tx, ledgerEntryID); err == nil {
		return existing, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Attestation{}, err
	}
	entry, err := e.Repo.GetLedgerEntry(ctx, tx, ledgerEntryID)
	if err != nil {
		return domain.Attestation{}, notFound(err, "ledger entry", ledgerEntryID)
	}
	reviewers, err := e.attestingReviewers(ctx, tx, entry)
	if err != nil {
		return domain.Attestation{}, err
	}
	a := domain.Attestation{
		ID:            uuid.NewString(),
		LedgerEntryID: entry.ID,
		TaskID:        entry.TaskID,
		TeamID:        entry.TeamID,
		ContributorID: entry.ContributorID,
		CookValue:     entry.CookValue,
		Attribution:   entry.Attribution,
		IssuedAt:      entry.IssuedAt,
		Reviewers:     reviewers,
		ChainSeq:      1,
		CreatedAt:     e.stamp(),
	}
	prev, err := e.Repo.LatestAttestation(ctx, tx, entry.ContributorID)
	switch {
	case err == nil:
		parent := prev.MerkleRoot
		a.ParentHash = &parent
		a.ChainSeq = prev.ChainSeq + 1
	case !errors.Is(err, repo.ErrNotFound):
		return domain.Attestation{}, err
	}
	if a.MerkleRoot, err = MerkleRoot(a); err != nil {
		return domain.Attestation{}, err
	}
	if err := e.Repo.InsertAttestation(ctx, tx, a); err != nil {
		return domain.Attestation{}, fmt.Errorf("insert attestation: %w", err)
	}
	if err := e.emit(ctx, tx, events.AttestationIssued, a.TeamID, "attestation", a.ID, SystemIssuer, events.EventPayload{
		"ledger_entry_id": a.LedgerEntryID,
		"contributor_id":  a.ContributorID,
		"chain_seq":       a.ChainSeq,
		"merkle_root":     a.MerkleRoot,
	}); err != nil {
		return domain.Attestation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Attestation{}, err
	}
	return a, nil
}

// attestingReviewers returns the approvals of the task's review, falling back to the
// assigned reviewers for entries issued without one.
func (e Engine) attestingReviewers(ctx context.Context, tx *sql.Tx, entry domain.LedgerEntry) ([]string, error) {
	rv, err := e.Repo.GetReviewByTask(ctx, tx, entry.TeamID, entry.TaskID)
	if err == nil && len(rv.Approvals) > 0 {
		return uniqueSorted(rv.Approvals), nil
	}
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	t, err := e.Repo.GetTask(ctx, tx, entry.TeamID, entry.TaskID)
	if err != nil {
		return nil, notFound(err, "task", entry.TaskID)
	}
	return uniqueSorted(t.Reviewers), nil
}

func (e Engine) ListAttestations(ctx context.Context, contributorID string) ([]domain.Attestation, error) {
	return e.Repo.ListAttestations(ctx, contributorID)
}

// ChainReport is the result of verifying a contributor's attestation chain.
type ChainReport struct {
	ContributorID string `json:"contributor_id"`
	Length        int    `json:"length"`
	Valid         bool   `json:"valid"`
	BrokenAt      int64  `json:"broken_at,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// VerifyChain recomputes every merkle root and checks each parent link and sequence number.
func (e Engine) VerifyChain(ctx context.Context, contributorID string) (ChainReport, error) {
	chain, err := e.Repo.ListAttestations(ctx, contributorID)
	if err != nil {
		return ChainReport{}, err
	}
	report := ChainReport{ContributorID: contributorID, Length: len(chain), Valid: true}
	var prev *domain.Attestation
	for i := range chain {
		a := chain[i]
		fail := func(reason string) (ChainReport, error) {
			report.Valid = false
			report.BrokenAt = a.ChainSeq
			report.Reason = reason
			return report, nil
		}
		root, err := MerkleRoot(a)
		if err != nil {
			return ChainReport{}, err
		}
		if root != a.MerkleRoot {
			return fail("merkle root mismatch")
		}
		if a.ChainSeq != int64(i+1) {
			return fail(fmt.Sprintf("expected sequence %d", i+1))
		}
		switch {
		case prev == nil && a.ParentHash != nil:
			return fail("first attestation has a parent")
		case prev != nil && (a.ParentHash == nil || *a.ParentHash != prev.MerkleRoot):
			return fail("parent hash does not match previous root")
		}
		prev = &chain[i]
	}
	return report, nil
}

// BackfillAttestations issues missing attestations for the team's entries in issue order.
func (e Engine) BackfillAttestations(ctx context.Context, teamID string) (int, error) {
	entries, err := e.Repo.ListUnattestedEntries(ctx, teamID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, entry := range entries {
		if _, err := e.IssueAttestation(ctx, entry.ID); err != nil {
			return n, fmt.Errorf("attest %s: %w", entry.ID, err)
		}
		n++
	}
	return n, nil
}
