package lifecycle

import "github.com/Sternrassler/safety-proxy/pkg/cache"

// Version is the pair of regions one release serves from.
type Version struct {
	Standard cache.Region `json:"standard"`
	Critical cache.Region `json:"critical"`
}

// DefaultVersion returns the release the proxy ships with.
func DefaultVersion() Version {
	return Version{
		Standard: cache.Region{Name: "kids-safety", Version: "v1.2.0"},
		Critical: cache.Region{Name: "emergency-cache", Version: "v1"},
	}
}

// String identifies the version in logs and events.
func (v Version) String() string {
	return v.Standard.ID() + "+" + v.Critical.ID()
}

// Manifest lists the paths precached into each region on upgrade.
type Manifest struct {
	Standard []string
	Critical []string
}

// DefaultManifest returns the must-have entries of the app shell and the
// emergency pages.
func DefaultManifest() Manifest {
	return Manifest{
		Standard: []string{
			"/",
			"/index.html",
			"/manifest.json",
			"/css/app.css",
			"/js/app.js",
			"/js/pwautils.js",
			"/icons/icon-192.png",
			"/icons/icon-512.png",
			"/icons/safety-alert-192.png",
		},
		Critical: []string{
			"/emergency.html",
			"/emergency-contacts.html",
			"/offline-safety.html",
		},
	}
}
