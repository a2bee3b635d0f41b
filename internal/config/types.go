package config

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Listen     string `json:"listen"`      // address, e.g. ":8080"
	EnableCORS bool   `json:"enable_cors"` // allow cross-origin callers (dashboards)
	Debug      bool   `json:"debug"`       // verbose request logging
}

// StorageConfig configures the durable-write hook.
type StorageConfig struct {
	Path string `json:"path"` // sqlite file path; empty disables persistence
}

// EngineConfig configures the coordination engine.
type EngineConfig struct {
	StaleAfterSeconds int `json:"stale_after_seconds"` // staleness threshold for diagnostics
}

// EventsConfig configures the broadcast bus.
type EventsConfig struct {
	BufferSize int `json:"buffer_size"` // per-subscriber channel buffer
}

// PersistenceConfig tunes the retry budget for durable writes.
type PersistenceConfig struct {
	InitialIntervalMS int `json:"initial_interval_ms"`
	MaxIntervalMS     int `json:"max_interval_ms"`
	MaxElapsedMS      int `json:"max_elapsed_ms"`
}

// ConductorConfig is the top-level configuration.
type ConductorConfig struct {
	Server      ServerConfig      `json:"server"`
	Storage     StorageConfig     `json:"storage"`
	Engine      EngineConfig      `json:"engine"`
	Events      EventsConfig      `json:"events"`
	Persistence PersistenceConfig `json:"persistence"`
}
