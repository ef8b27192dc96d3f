package core

import (
	"gridstore/internal/storage"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type Config struct {
	Engine storage.Engine
	Marker string
	NewID  func() primitive.ObjectID
}

type ConfigOption func(*Config)

func WithEngine(engine storage.Engine) ConfigOption {
	return func(cfg *Config) {
		cfg.Engine = engine
	}
}

// WithMarker sets the metadata key that flags records owned by the store.
func WithMarker(marker string) ConfigOption {
	return func(cfg *Config) {
		cfg.Marker = marker
	}
}

// WithIDGenerator replaces the ObjectID generator used for new records.
func WithIDGenerator(newID func() primitive.ObjectID) ConfigOption {
	return func(cfg *Config) {
		cfg.NewID = newID
	}
}

func NewConfig(opts ...ConfigOption) Config {
	cfg := Config{
		Marker: DefaultMarker,
		NewID:  primitive.NewObjectID,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
