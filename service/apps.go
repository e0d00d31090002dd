package service

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/ports"
	"go.uber.org/zap"
)

// AppService manages which apps are locked
type AppService struct {
	store  ports.Store
	logger *zap.Logger
}

// NewAppService creates a new app management service
func NewAppService(store ports.Store, logger *zap.Logger) *AppService {
	return &AppService{
		store:  store,
		logger: logger.Named("apps"),
	}
}

// LockApp starts gating pkg
func (s *AppService) LockApp(ctx context.Context, pkg, displayName string) error {
	pkg = strings.TrimSpace(pkg)
	if pkg == "" {
		return core.ErrInvalidPackage
	}
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		displayName = core.UnknownAppName
	}

	s.logger.Info("locking app", zap.String("package", pkg), zap.String("name", displayName))
	if err := s.store.Upsert(ctx, pkg, displayName); err != nil {
		return fmt.Errorf("failed to lock app: %w", err)
	}
	return nil
}

// UnlockApp stops gating pkg
func (s *AppService) UnlockApp(ctx context.Context, pkg string) error {
	pkg = strings.TrimSpace(pkg)
	if pkg == "" {
		return core.ErrInvalidPackage
	}

	_, ok, err := s.store.Get(ctx, pkg)
	if err != nil {
		return fmt.Errorf("failed to load app: %w", err)
	}
	if !ok {
		return core.ErrAppNotFound
	}

	s.logger.Info("unlocking app", zap.String("package", pkg))
	if err := s.store.Remove(ctx, pkg); err != nil {
		return fmt.Errorf("failed to unlock app: %w", err)
	}
	return nil
}

// ListApps returns the locked apps ordered by display name
func (s *AppService) ListApps(ctx context.Context) ([]core.LockedApp, error) {
	apps, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list apps: %w", err)
	}

	out := make([]core.LockedApp, 0, len(apps))
	for _, app := range apps {
		out = append(out, app)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := strings.ToLower(out[i].Name()), strings.ToLower(out[j].Name())
		if a != b {
			return a < b
		}
		return out[i].Package < out[j].Package
	})
	return out, nil
}
