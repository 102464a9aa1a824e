// Package config loads the connection parameters instrclient binaries
// run with: server address/port, timeouts, and the diagnostic log
// sink. Mirrors the teacher's JSON-file-plus-env-override layering.
package config

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
)

// projectConfig holds the top-level contents of config.json.
type projectConfig struct {
	ServerAddress    string `json:"serverAddress"`
	Port             int    `json:"port"`
	SendTimeoutMs    int    `json:"sendTimeoutMs"`
	ReceiveTimeoutMs int    `json:"receiveTimeoutMs"`
	WarningDelayMs   int    `json:"warningDelayMs"`
	ErrorDelayMs     int    `json:"errorDelayMs"`
	Username         string `json:"username"`
	MachineName      string `json:"machineName"`
	Log              logCfg `json:"log"`
}

type logCfg struct {
	Path     string `json:"path"`
	Sentinel string `json:"sentinel"`
}

// GlobalCfg points at the currently active configuration.
var GlobalCfg *projectConfig

func init() {
	path := os.Getenv("INSTR_CONFIG")
	if path == "" {
		path = "config/config.json"
	}
	buf, err := ioutil.ReadFile(path)
	if err != nil {
		fmt.Printf("failed to load config.json: %s\n", err.Error())
		return
	}

	var cfg *projectConfig
	if err := json.Unmarshal(buf, &cfg); err != nil {
		fmt.Printf("failed to load config.json: %s\n", err.Error())
		return
	}
	if err := cfg.verify(); err != nil {
		fmt.Printf("verify config failed: %s\n", err.Error())
	}
	GlobalCfg = cfg
}

// Reload replaces GlobalCfg with the configuration read from path,
// filling defaults and validating first.
func Reload(path string) error {
	buf, err := ioutil.ReadFile(path)
	if err != nil {
		return err
	}
	var cfg *projectConfig
	if err := json.Unmarshal(buf, &cfg); err != nil {
		return err
	}
	if err := cfg.verify(); err != nil {
		return err
	}
	GlobalCfg = cfg
	return nil
}

// verify fills in defaults and rejects configurations that can't be
// used to dial a server.
func (c *projectConfig) verify() error {
	if c.ServerAddress == "" {
		return fmt.Errorf("empty serverAddress")
	}
	if c.Port == 0 {
		return fmt.Errorf("invalid port")
	}
	if c.SendTimeoutMs == 0 {
		c.SendTimeoutMs = 5000
	}
	if c.ReceiveTimeoutMs == 0 {
		c.ReceiveTimeoutMs = 5000
	}
	if c.WarningDelayMs == 0 {
		c.WarningDelayMs = 5000
	}
	if c.ErrorDelayMs == 0 {
		c.ErrorDelayMs = 30000
	}
	if c.ErrorDelayMs <= c.WarningDelayMs {
		return fmt.Errorf("errorDelayMs must exceed warningDelayMs")
	}
	return nil
}
