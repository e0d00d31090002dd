package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/layer-3/warden/core"
)

// record is the persisted form of a locked app; times are epoch milliseconds
type record struct {
	Name       string `json:"name"`
	LockedAt   int64  `json:"locked_at"`
	LastAuthAt int64  `json:"last_auth_at,omitempty"`
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func encodeApp(app core.LockedApp) (string, error) {
	b, err := json.Marshal(record{
		Name:       app.DisplayName,
		LockedAt:   toMillis(app.LockedAt),
		LastAuthAt: toMillis(app.LastAuthAt),
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode %s: %w", app.Package, err)
	}
	return string(b), nil
}

func decodeApp(pkg, raw string) (core.LockedApp, error) {
	var r record
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return core.LockedApp{}, fmt.Errorf("failed to decode %s: %w", pkg, err)
	}
	return core.LockedApp{
		Package:     pkg,
		DisplayName: r.Name,
		LockedAt:    fromMillis(r.LockedAt),
		LastAuthAt:  fromMillis(r.LastAuthAt),
	}, nil
}

// decodeLockMap decodes a whole hash; any bad entry fails the whole map
func decodeLockMap(raw map[string]string) (core.LockMap, error) {
	out := make(core.LockMap, len(raw))
	for pkg, value := range raw {
		app, err := decodeApp(pkg, value)
		if err != nil {
			return nil, err
		}
		out[pkg] = app
	}
	return out, nil
}
