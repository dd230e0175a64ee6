package redis

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"default", func(c *Config) {}, false},
		{"single needs one addr", func(c *Config) { c.Addrs = []string{"a:1", "b:2"} }, true},
		{"sentinel needs master name", func(c *Config) { c.Mode = ModeSentinel }, true},
		{"sentinel ok", func(c *Config) { c.Mode = ModeSentinel; c.MasterName = "mymaster" }, false},
		{"cluster rejects db", func(c *Config) { c.Mode = ModeCluster; c.DB = 2 }, true},
		{"unknown mode", func(c *Config) { c.Mode = "ring" }, true},
		{"db out of range", func(c *Config) { c.DB = 16 }, true},
		{"idle above pool", func(c *Config) { c.MinIdleConns = 20 }, true},
		{"no dial timeout", func(c *Config) { c.DialTimeout = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestUniversalOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = ModeSentinel
	cfg.MasterName = "mymaster"
	opts := universalOptions(cfg)
	assert.Equal(t, "mymaster", opts.MasterName)
	assert.False(t, opts.IsClusterMode)

	cfg.Mode = ModeCluster
	assert.True(t, universalOptions(cfg).IsClusterMode)
}

func TestKey(t *testing.T) {
	c := &Client{config: &Config{KeyPrefix: "chat"}}
	assert.Equal(t, "chat:thread:42", c.Key("thread", "42"))
	c.config.KeyPrefix = ""
	assert.Equal(t, "thread:42", c.Key("thread", "42"))
}
