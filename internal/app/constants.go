package app

const (
	Name              = "meshrelay"
	DefaultConfigFile = "config.yaml"
	DefaultEnvFile    = ".env"
	// writerQueueSize bounds pending name-cache writes.
	writerQueueSize = 512
)
