package loadbalance

import (
	"math/rand/v2"

	"mini-call/registry"
)

// WeightedRandomBalancer picks an endpoint with probability proportional to its
// weight. Endpoints with non-positive weight are only picked when every weight is
// non-positive, in which case the choice is uniform.
type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(endpoints []registry.Endpoint) (*registry.Endpoint, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}

	totalWeight := 0
	for _, ep := range endpoints {
		if ep.Weight > 0 {
			totalWeight += ep.Weight
		}
	}
	if totalWeight == 0 {
		return &endpoints[rand.IntN(len(endpoints))], nil
	}

	r := rand.IntN(totalWeight)
	for i := range endpoints {
		if endpoints[i].Weight <= 0 {
			continue
		}
		r -= endpoints[i].Weight
		if r < 0 {
			return &endpoints[i], nil
		}
	}

	return &endpoints[len(endpoints)-1], nil
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}
