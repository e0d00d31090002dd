package service

import "regexp"

// DefaultSurfaces are launchers and system screens the user passes through
// without deliberately leaving the active app
var DefaultSurfaces = []string{
	"com.android.launcher",
	"com.google.android.apps.nexuslauncher",
	"com.miui.home",
	"com.sec.android.app.launcher",
	"com.oppo.launcher",
	"com.android.settings",
	"com.android.systemui",
}

// vendorSurface matches vendor builds such as com.vendor.launcher3 or com.vendor.settings2
var vendorSurface = regexp.MustCompile(`\.(launcher|settings)[0-9]*$`)

// Surfaces classifies transitional surfaces
type Surfaces struct {
	allow map[string]struct{}
}

// NewSurfaces creates a classifier with the default list plus extra packages
func NewSurfaces(extra ...string) *Surfaces {
	allow := make(map[string]struct{}, len(DefaultSurfaces)+len(extra))
	for _, pkg := range DefaultSurfaces {
		allow[pkg] = struct{}{}
	}
	for _, pkg := range extra {
		if pkg != "" {
			allow[pkg] = struct{}{}
		}
	}
	return &Surfaces{allow: allow}
}

// IsTransitional reports whether pkg is a launcher, settings or system UI package
func (s *Surfaces) IsTransitional(pkg string) bool {
	if _, ok := s.allow[pkg]; ok {
		return true
	}
	return vendorSurface.MatchString(pkg)
}
