package cache

import "strings"

// Region is a named, versioned partition of the cache.
type Region struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ID returns the region identifier, e.g. "kids-safety-v1.2.0".
func (r Region) ID() string {
	if r.Version == "" {
		return r.Name
	}
	return r.Name + "-" + r.Version
}

// String implements fmt.Stringer.
func (r Region) String() string {
	return r.ID()
}

const (
	redisKeyRegions = "sw:regions"
	redisKeyRetired = "sw:regions:retired"
	redisKeyPrefix  = "sw:cache:"
)

// entryKey is the Redis key holding id inside regionID.
func entryKey(regionID string, id Identity) string {
	return redisKeyPrefix + regionID + ":" + id.Key()
}

// regionPattern matches every entry key of regionID for SCAN. Glob
// metacharacters in the ID are escaped.
func regionPattern(regionID string) string {
	r := strings.NewReplacer(`*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return redisKeyPrefix + r.Replace(regionID) + ":*"
}
