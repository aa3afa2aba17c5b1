package loadbalance

import (
	"math/rand"

	"chan-rpc/discovery"
)

// WeightedRandomBalancer picks an instance with probability proportional to its weight.
// Non-positive weights count as zero; when no instance has a positive weight the pick is
// uniform.
type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(key string, instances []discovery.Instance) (*discovery.Instance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}

	totalWeight := 0
	for _, v := range instances {
		if v.Weight > 0 {
			totalWeight += v.Weight
		}
	}
	if totalWeight == 0 {
		return &instances[rand.Intn(len(instances))], nil
	}

	r := rand.Intn(totalWeight)
	for i := range instances {
		if instances[i].Weight <= 0 {
			continue
		}
		r -= instances[i].Weight
		if r < 0 {
			return &instances[i], nil
		}
	}
	return &instances[len(instances)-1], nil
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}
