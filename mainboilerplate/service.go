package mainboilerplate

import (
	"os"

	petname "github.com/dustinkirkland/golang-petname"
)

// ServiceConfig represents identification and addressing configuration of the process.
type ServiceConfig struct {
	ID   string `long:"id" env:"ID" description:"Unique ID of this process. Auto-generated if not set"`
	Host string `long:"host" env:"HOST" description:"Addressable, advertised hostname or IP of this process. Hostname is used if not set"`
	Port uint16 `long:"port" env:"PORT" default:"8080" description:"Service port for HTTP requests"`
}

// ProcessID returns the configured or auto-generated unique ID of this process.
func (cfg ServiceConfig) ProcessID() string {
	if cfg.ID != "" {
		return cfg.ID
	}
	return petname.Generate(2, "-")
}

// Hostname returns the configured or discovered hostname of this process.
func (cfg ServiceConfig) Hostname() string {
	if cfg.Host != "" {
		return cfg.Host
	}
	var host, err = os.Hostname()
	Must(err, "failed to determine hostname")
	return host
}
