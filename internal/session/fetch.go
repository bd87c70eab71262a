package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"geist/internal/integrity"
	"geist/internal/manifest"
	"geist/internal/state"
)

type fetched struct {
	artifact *integrity.Artifact
	cached   bool
}

// fetchAndVerify runs Fetching and Verifying. Every artifact is fetched
// before any is verified, and every artifact must verify.
func (s *Session) fetchAndVerify(ctx context.Context, targets []state.Target) error {
	s.transition(Fetching)
	artifacts, err := s.fetchAll(ctx, targets)
	if err != nil {
		return err
	}
	s.transition(Verifying)
	return s.verifyAll(ctx, targets, artifacts)
}

func (s *Session) fetchAll(ctx context.Context, targets []state.Target) ([]fetched, error) {
	out := make([]fetched, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Parallelism)
	for i, t := range targets {
		g.Go(func() error {
			f, err := s.fetchOne(gctx, t)
			if err != nil {
				return forComponent(t.Kind, err)
			}
			out[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return out, nil
}

// fetchOne reads the artifact from the local cache, or from the repository
// when it is not cached.
func (s *Session) fetchOne(ctx context.Context, t state.Target) (fetched, error) {
	if s.deps.Cache != nil {
		if a, err := s.deps.Cache.Get(t.Kind, t.ID); err == nil {
			s.log.Debug("Using cached artifact", "component", t.Kind, "checksum", t.ID.Checksum)
			return fetched{artifact: a, cached: true}, nil
		}
	}
	s.log.Info("Fetching artifact", "component", t.Kind, "version", t.ID.Version, "artifact", t.ID.Artifact)
	data, err := s.deps.Store.Fetch(ctx, t.ID.Version, t.ID.Artifact)
	if err != nil {
		return fetched{}, err
	}
	return fetched{artifact: &integrity.Artifact{Component: t.Kind, Ref: t.ID.Artifact, Data: data}}, nil
}

// verifyAll verifies every artifact and reports all failures together. A
// cached artifact that fails is evicted so the next session refetches it.
func (s *Session) verifyAll(ctx context.Context, targets []state.Target, artifacts []fetched) error {
	var (
		mu   sync.Mutex
		errs []error
	)
	results := make([]*integrity.VerifiedArtifact, len(targets))

	var g errgroup.Group
	g.SetLimit(s.opts.Parallelism)
	for i, t := range targets {
		g.Go(func() error {
			va, err := s.deps.Verifier.Verify(artifacts[i].artifact, t.ID.Spec(t.Kind))
			if err != nil {
				if artifacts[i].cached {
					_ = s.deps.Cache.Remove(t.Kind, t.ID)
				}
				mu.Lock()
				errs = append(errs, forComponent(t.Kind, err))
				mu.Unlock()
				return nil
			}
			results[i] = va
			return nil
		})
	}
	_ = g.Wait()
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for i, t := range targets {
		s.verified[t.Kind] = results[i]
		if s.deps.Cache != nil && !artifacts[i].cached {
			if err := s.deps.Cache.Put(results[i]); err != nil {
				return forComponent(t.Kind, fmt.Errorf("failed to retain verified artifact: %w", err))
			}
		}
		s.log.Info("Artifact verified", "component", t.Kind, "checksum", t.ID.Checksum)
	}
	return nil
}

// obtain returns a verified artifact for id outside the forward pipeline,
// for rollback and recovery.
func (s *Session) obtain(ctx context.Context, kind manifest.Kind, id manifest.ArtifactID) (*integrity.VerifiedArtifact, error) {
	t := state.Target{Kind: kind, ID: id}
	f, err := s.fetchOne(ctx, t)
	if err != nil {
		return nil, err
	}
	va, err := s.deps.Verifier.Verify(f.artifact, id.Spec(kind))
	if err != nil && f.cached {
		s.log.Warn("Cached artifact failed verification, refetching", "component", kind, "error", err)
		_ = s.deps.Cache.Remove(kind, id)
		data, ferr := s.deps.Store.Fetch(ctx, id.Version, id.Artifact)
		if ferr != nil {
			return nil, ferr
		}
		va, err = s.deps.Verifier.Verify(&integrity.Artifact{Component: kind, Ref: id.Artifact, Data: data}, id.Spec(kind))
	}
	if err != nil {
		return nil, err
	}
	return va, nil
}
