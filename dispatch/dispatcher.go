package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/neutree-ai/serve-router/pool"
	"github.com/neutree-ai/serve-router/router"
	"github.com/sirupsen/logrus"
)

// Kind names the inference operation being dispatched.
type Kind string

const (
	KindGenerate Kind = "generate"
	KindEmbed    Kind = "embed"
	KindRerank   Kind = "rerank"
)

// ReplicaSource supplies the live replica set for a model, as pool.Manager
// does. A narrow interface keeps Dispatcher testable without a real Manager.
type ReplicaSource interface {
	ReplicaHandles(modelID string) []router.ReplicaHandle
	DispatchEngine(ctx context.Context, id router.ReplicaID, kind string, payload any) (any, error)
}

// Dispatcher consults Router for a priority-ordered candidate list, then
// tries each candidate against Manager in order until one succeeds (§2, S7).
type Dispatcher struct {
	Router  router.Policy
	Manager ReplicaSource
}

// New returns a Dispatcher over policy and manager.
func New(policy router.Policy, manager ReplicaSource) *Dispatcher {
	return &Dispatcher{Router: policy, Manager: manager}
}

// Dispatch extracts the target model from payload, asks Router to prioritize
// the model's current replicas, and tries them in order until one of kind
// succeeds or every candidate has failed.
func (d *Dispatcher) Dispatch(ctx context.Context, kind Kind, payload any, requestID string) (any, error) {
	modelID, err := pool.ModelIDFromPayload(payload)
	if err != nil {
		return nil, err
	}

	candidates := d.Manager.ReplicaHandles(modelID)
	pending := &router.PendingRequest{Args: payload, Metadata: router.RequestMetadata{RequestID: requestID}}
	groups := d.Router.ChooseReplicas(candidates, pending)

	var lastErr error
	for _, group := range groups {
		for _, replica := range group {
			resp, err := d.Manager.DispatchEngine(ctx, replica.ID(), string(kind), payload)
			if err == nil {
				d.Router.OnRequestCompleted(replica.ID())
				return resp, nil
			}
			lastErr = err
			logrus.Warnf("dispatch: replica %s failed for model %s: %v", replica.ID(), modelID, err)

			var poolErr *pool.Error
			if errors.As(err, &poolErr) && poolErr.Type == pool.ErrorTypeServiceUnavailable {
				d.Router.OnReplicaActorUnavailable(replica.ID())
			}
		}
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, pool.ServiceUnavailable(fmt.Sprintf("no candidate replicas for model %q", modelID), nil)
}

// Generate dispatches a generate request.
func (d *Dispatcher) Generate(ctx context.Context, payload any, requestID string) (any, error) {
	return d.Dispatch(ctx, KindGenerate, payload, requestID)
}

// GenerateEmbeddings dispatches an embedding request.
func (d *Dispatcher) GenerateEmbeddings(ctx context.Context, payload any, requestID string) (any, error) {
	return d.Dispatch(ctx, KindEmbed, payload, requestID)
}

// Rerank dispatches a rerank request.
func (d *Dispatcher) Rerank(ctx context.Context, payload any, requestID string) (any, error) {
	return d.Dispatch(ctx, KindRerank, payload, requestID)
}
