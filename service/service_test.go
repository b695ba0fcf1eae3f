package service

import (
	"context"
	"testing"

	"pillbox/config"
)

func TestNewBadger(t *testing.T) {
	ctx := context.Background()
	cfg := config.Defaults()
	cfg.Store.BadgerDir = t.TempDir()

	s, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer s.Close()

	if err := s.Store.Ping(ctx); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
	if got := s.Resolver.Policy().Name; got != "standard" {
		t.Errorf("Bad default policy %q", got)
	}
	if got := s.Location.String(); got != "Asia/Manila" {
		t.Errorf("Bad reference zone %q", got)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	testCases := []struct {
		desc   string
		mutate func(*config.Config)
	}{
		{desc: "unknown policy", mutate: func(c *config.Config) { c.Schedule.AdherencePolicy = "lenient" }},
		{desc: "unknown backend", mutate: func(c *config.Config) { c.Store.Backend = "postgres" }},
		{desc: "firestore without project", mutate: func(c *config.Config) { c.Store.Backend = "firestore" }},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			cfg := config.Defaults()
			cfg.Store.BadgerDir = t.TempDir()
			tc.mutate(cfg)
			if s, err := New(context.Background(), cfg); err == nil {
				s.Close()
				t.Errorf("New accepted a bad config")
			}
		})
	}
}
