package lb

import (
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/steerproxy/steer/internal/upstream"
)

// virtualNodes is the replica count per server on the hash ring. Enough
// replicas to spread uneven server counts; weight multiplies the replica
// count so heavier servers own a larger arc.
const virtualNodes = 160

type ringPoint struct {
	hash uint64
	srv  *upstream.Server
}

// hashRing is consistent hashing over the full pool. The ring is built once
// at construction; an ineligible server is skipped by walking to the next
// point, so only keys owned by that server move while everything else keeps
// its mapping.
type hashRing struct {
	points []ringPoint
}

func newHashRing(servers []*upstream.Server) *hashRing {
	var points []ringPoint
	for _, s := range servers {
		replicas := virtualNodes * s.Weight
		for i := 0; i < replicas; i++ {
			h := xxhash.Sum64String(s.URL.Host + "#" + strconv.Itoa(i))
			points = append(points, ringPoint{hash: h, srv: s})
		}
	}
	sort.Slice(points, func(i, j int) bool { return points[i].hash < points[j].hash })
	return &hashRing{points: points}
}

func (r *hashRing) Select(candidates []*upstream.Server, key string) (*upstream.Server, error) {
	if len(candidates) == 0 || len(r.points) == 0 {
		return nil, ErrNoHealthyUpstream
	}
	h := xxhash.Sum64String(key)
	start := sort.Search(len(r.points), func(i int) bool { return r.points[i].hash >= h })
	for i := 0; i < len(r.points); i++ {
		p := r.points[(start+i)%len(r.points)]
		if contains(candidates, p.srv) {
			return p.srv, nil
		}
	}
	return nil, ErrNoHealthyUpstream
}
