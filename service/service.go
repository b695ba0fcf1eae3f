// Package service assembles pillbox components from a Config.  Every binary
// builds on it.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"pillbox/adherence"
	"pillbox/config"
	"pillbox/dblayer"
	"pillbox/dbtypes"
	"pillbox/inventory"
	"pillbox/kvstore"
	"pillbox/ledger"
	"pillbox/registry"
	"pillbox/trigger"

	"cloud.google.com/go/firestore"
	"github.com/redis/go-redis/v9"
	googleopt "google.golang.org/api/option"
)

// Store is the full document store contract.  Both *dblayer.DB and
// *kvstore.Store satisfy it.
type Store interface {
	CreateAutomation(ctx context.Context, a *dbtypes.Automation) error
	FindAutomation(ctx context.Context, title, medicine, scheduleTime string) (*dbtypes.Automation, error)
	ListAutomations(ctx context.Context) ([]*dbtypes.Automation, error)
	ListActiveAutomations(ctx context.Context) ([]*dbtypes.Automation, error)
	GetAutomation(ctx context.Context, id string) (*dbtypes.Automation, error)
	UpdateAutomationStatus(ctx context.Context, id, status, updatedAt string) error
	DeleteAutomation(ctx context.Context, id string) error
	RetireAutomation(ctx context.Context, id, correlationID, updatedAt string) error
	LatestPendingAutomation(ctx context.Context) (*dbtypes.Automation, error)

	CreateHistory(ctx context.Context, h *dbtypes.HistoryRecord) error
	CountHistory(ctx context.Context) (int, error)
	ListHistoryPage(ctx context.Context, offset, limit int) ([]*dbtypes.HistoryRecord, error)
	LatestPendingHistory(ctx context.Context, medicine string) (*dbtypes.HistoryRecord, error)
	HistoryByCorrelation(ctx context.Context, correlationID string) (*dbtypes.HistoryRecord, error)
	ResolveDose(ctx context.Context, r *dbtypes.DoseResolution) error

	GetInventory(ctx context.Context) (*dbtypes.Inventory, error)
	UpdateInventory(ctx context.Context, mutate func(*dbtypes.Inventory) (map[string]int64, error), updatedAt string) error
	DecrementInventory(ctx context.Context, medicine string, amount int64, updatedAt string) error
	SetInventory(ctx context.Context, counts map[string]int64, updatedAt string) error

	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Store = (*dblayer.DB)(nil)
	_ Store = (*kvstore.Store)(nil)
)

// Service holds one of every component, sharing a single store.
type Service struct {
	Config   *config.Config
	Location *time.Location
	Store    Store

	Inventory *inventory.Accessor
	Registry  *registry.Registry
	Ledger    *ledger.Ledger
	Engine    *trigger.Engine
	Resolver  *adherence.Resolver

	redisClient *redis.Client
}

// OpenStore connects to the configured backend.
func OpenStore(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.Store.Backend {
	case "firestore":
		client, err := firestore.NewClient(ctx, cfg.Store.DataProject, googleopt.WithGRPCConnectionPool(1))
		if err != nil {
			return nil, fmt.Errorf("while creating Firestore client: %w", err)
		}
		return dblayer.New(client, cfg.Store.InventoryDocument), nil
	case "badger":
		s, err := kvstore.Open(cfg.Store.BadgerDir, cfg.Store.InventoryDocument)
		if err != nil {
			return nil, fmt.Errorf("while opening Badger store: %w", err)
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}

// New validates cfg and wires every component over a freshly opened store.
func New(ctx context.Context, cfg *config.Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("while validating config: %w", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	policy, err := adherence.PolicyByName(cfg.Schedule.AdherencePolicy)
	if err != nil {
		return nil, err
	}

	store, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	s := &Service{
		Config:   cfg,
		Location: loc,
		Store:    store,
	}

	s.Inventory = inventory.New(store, cfg.Inventory.Medicines, cfg.Inventory.MaxCapacity, loc)
	s.Registry = registry.New(store, cfg.Inventory.Medicines, loc)
	s.Ledger = ledger.New(store, loc)
	s.Resolver = adherence.NewResolver(store, policy, loc)

	engineOpts := []trigger.EngineOpt{trigger.WithConcurrency(cfg.Schedule.FireConcurrency)}
	if lock := s.fireLock(ctx); lock != nil {
		engineOpts = append(engineOpts, trigger.WithFireLock(lock))
	}
	s.Engine = trigger.New(store, s.Inventory, loc, engineOpts...)

	return s, nil
}

// fireLock connects to Redis when it is configured.  An unreachable server
// leaves the engine without a lock.
func (s *Service) fireLock(ctx context.Context) trigger.FireLock {
	rc := s.Config.Redis
	if rc.Address == "" {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     rc.Address,
		Password: rc.Password,
		DB:       rc.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		slog.WarnContext(ctx, "Redis not available, running without fire lock",
			slog.String("address", rc.Address),
			slog.Any("err", err))
		client.Close()
		return nil
	}
	slog.InfoContext(ctx, "Redis connected", slog.String("address", rc.Address))

	s.redisClient = client
	return trigger.NewRedisLock(client, rc.LockTTL)
}

func (s *Service) Close() error {
	if s.redisClient != nil {
		s.redisClient.Close()
	}
	return s.Store.Close()
}
