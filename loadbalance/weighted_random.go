package loadbalance

import (
	"math/rand/v2"

	"github.com/pkg/errors"

	"noslated-ipc/registry"
)

// WeightedRandomBalancer picks an instance with probability proportional to
// its weight. Instances without a positive weight count as weight 1.
type WeightedRandomBalancer struct{}

func weightOf(inst registry.Instance) int {
	if inst.Weight <= 0 {
		return 1
	}
	return inst.Weight
}

func (b *WeightedRandomBalancer) Pick(_ string, instances []registry.Instance) (*registry.Instance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}

	total := 0
	for _, v := range instances {
		total += weightOf(v)
	}

	r := rand.IntN(total)
	for i := range instances {
		r -= weightOf(instances[i])
		if r < 0 {
			return &instances[i], nil
		}
	}
	return nil, errors.New("unexpected error in weighted random selection")
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}
