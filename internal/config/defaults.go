package config

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *ConductorConfig {
	return &ConductorConfig{
		Server: ServerConfig{
			Listen:     ":8080",
			EnableCORS: true,
		},
		Storage: StorageConfig{
			Path: "", // in-memory engine only unless a path is configured
		},
		Engine: EngineConfig{
			StaleAfterSeconds: 300,
		},
		Events: EventsConfig{
			BufferSize: 256,
		},
		Persistence: PersistenceConfig{
			InitialIntervalMS: 50,
			MaxIntervalMS:     2000,
			MaxElapsedMS:      15000,
		},
	}
}
