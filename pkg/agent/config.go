package agent

// Config points to the on-disk locations the daemon works with. The
// device rules file is live-reloaded; the data directory holds the
// device registry.
type Config struct {
	DataDir       string `json:"dataDir"`
	DevicesConfig string `json:"devicesConfig"`
}
