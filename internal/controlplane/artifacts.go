package controlplane

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/rendis/playbook/internal/logging"
	"github.com/rendis/playbook/internal/store"
	"github.com/rendis/playbook/internal/streaming"
	"github.com/rendis/playbook/pkg/schema"
)

// ManagedURIScheme prefixes storage URIs of content held by the registry.
const ManagedURIScheme = "store://"

// CreateArtifact records an artifact of an existing run.
func (r *Registry) CreateArtifact(ctx context.Context, req CreateArtifactRequest) (*Artifact, error) {
	if strings.TrimSpace(req.Kind) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "artifact kind is required")
	}
	if req.Content == nil && req.StorageURI == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "artifact needs content or a storage uri")
	}
	if _, ok := r.runs.get(req.RunID); !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %q not found", req.RunID)
	}

	policy := req.RetentionPolicy
	if policy == "" {
		policy = DefaultRetentionPolicy
	}
	days, ok := ParseRetention(policy)
	if !ok {
		logging.LogWith(ctx, r.logger).Warn("malformed retention policy, using default",
			"policy", policy, "default_days", DefaultRetentionDays)
	}

	now := r.now()
	a := &Artifact{
		ID:              r.newID(),
		RunID:           req.RunID,
		StepRunID:       req.StepRunID,
		Kind:            req.Kind,
		StorageURI:      req.StorageURI,
		Checksum:        req.Checksum,
		Size:            req.Size,
		RetentionPolicy: policy,
		Metadata:        req.Metadata,
		CreatedAt:       now,
		ExpiresAt:       expiresAt(now, days),
	}
	prefix := r.layout.ArtifactPath(a.ID)

	if req.Content != nil {
		key := store.Key(prefix, store.ArtifactContent)
		if err := r.store.Put(ctx, key, req.Content); err != nil {
			return nil, err
		}
		sum := sha256.Sum256(req.Content)
		a.Checksum = "sha256:" + hex.EncodeToString(sum[:])
		a.Size = int64(len(req.Content))
		a.StorageURI = ManagedURIScheme + key
		a.Managed = true
	}

	if err := r.putJSON(ctx, store.Key(prefix, store.ArtifactFile), a); err != nil {
		return nil, err
	}
	if err := r.artifacts.upsert(ctx, r.store, summarizeArtifact(a)); err != nil {
		return nil, err
	}

	ctx = logging.WithRunID(ctx, a.RunID)
	r.emit(ctx, streaming.Event{
		Type:    schema.EventArtifactCreated,
		RunID:   a.RunID,
		Payload: map[string]any{"artifact_id": a.ID, "kind": a.Kind, "expires_at": a.ExpiresAt},
	})
	r.audit(ctx, AuditEntry{
		Action:       ActionArtifactCreated,
		Status:       AuditSuccess,
		RunID:        a.RunID,
		ResourceType: "artifact",
		ResourceID:   a.ID,
		Details:      map[string]any{"kind": a.Kind, "retention_policy": a.RetentionPolicy},
	})
	return a, nil
}

// GetArtifact loads an artifact record.
func (r *Registry) GetArtifact(ctx context.Context, id string) (*Artifact, error) {
	var a Artifact
	err := r.getJSON(ctx, store.Key(r.layout.ArtifactPath(id), store.ArtifactFile), &a)
	if schema.HasCode(err, schema.ErrCodeNotFound) {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "artifact %q not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetArtifactContent returns bytes of a managed artifact.
func (r *Registry) GetArtifactContent(ctx context.Context, id string) ([]byte, error) {
	a, err := r.GetArtifact(ctx, id)
	if err != nil {
		return nil, err
	}
	if !a.Managed {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "artifact %q content is stored at %s", id, a.StorageURI)
	}
	return r.store.Get(ctx, strings.TrimPrefix(a.StorageURI, ManagedURIScheme))
}

// ListArtifacts returns indexed artifacts newest first.
func (r *Registry) ListArtifacts(_ context.Context, filter ArtifactFilter) []ArtifactSummary {
	limit := limitOrDefault(filter.Limit)
	var out []ArtifactSummary
	for _, s := range r.artifacts.sorted() {
		if !s.matches(filter) {
			continue
		}
		out = append(out, s)
		if len(out) == limit {
			break
		}
	}
	return out
}

// ExpiredArtifacts returns every indexed artifact whose expiry is at or before now.
func (r *Registry) ExpiredArtifacts(ctx context.Context, now time.Time) ([]*Artifact, error) {
	var out []*Artifact
	for _, s := range r.artifacts.sorted() {
		if s.ExpiresAt.After(now) {
			continue
		}
		a, err := r.GetArtifact(ctx, s.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// RemoveArtifactFromIndex drops an artifact from listings and deletes its
// managed content. The artifact record itself is kept.
func (r *Registry) RemoveArtifactFromIndex(ctx context.Context, id string) error {
	a, err := r.GetArtifact(ctx, id)
	if err != nil {
		return err
	}
	existed, err := r.artifacts.remove(ctx, r.store, id)
	if err != nil {
		return err
	}
	if !existed {
		return nil
	}
	if a.Managed {
		if err := r.store.Delete(ctx, strings.TrimPrefix(a.StorageURI, ManagedURIScheme)); err != nil {
			return err
		}
	}

	ctx = logging.WithRunID(ctx, a.RunID)
	r.emit(ctx, streaming.Event{
		Type:    schema.EventArtifactExpired,
		RunID:   a.RunID,
		Payload: map[string]any{"artifact_id": a.ID, "expires_at": a.ExpiresAt},
	})
	r.audit(ctx, AuditEntry{
		Action:       ActionArtifactExpired,
		Status:       AuditSuccess,
		RunID:        a.RunID,
		ResourceType: "artifact",
		ResourceID:   a.ID,
		Details:      map[string]any{"expires_at": a.ExpiresAt.Format(time.RFC3339)},
	})
	return nil
}
