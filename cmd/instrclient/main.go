// Command instrclient is an example harness: it loads a config file,
// connects to an instrument server, logs the five observable events,
// and runs until interrupted.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cortexlab/instrclient/client"
	"github.com/cortexlab/instrclient/config"
	"github.com/cortexlab/instrclient/instrlog"
	"github.com/cortexlab/instrclient/wire"
)

func main() {
	conf := flag.String("config", "", "Path to config file")
	access := flag.String("access", "master", "Access level to request: view, master, localui, engineering")
	flag.Parse()

	if *conf != "" {
		if err := config.Reload(*conf); err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			os.Exit(1)
		}
	}
	if config.GlobalCfg == nil {
		fmt.Println("no configuration loaded")
		os.Exit(1)
	}

	logger := newConsoleLogger()
	defer logger.Sync()

	cfg := config.GlobalCfg
	sink := instrlog.NoOp
	if cfg.Log.Path != "" {
		fileSink, err := instrlog.NewFileSink(cfg.Log.Path, cfg.Log.Sentinel)
		if err != nil {
			logger.Error("failed to build diagnostic sink", zap.Error(err))
			os.Exit(1)
		}
		sink = fileSink
	}

	c, err := client.New(client.Config{
		ServerAddress:    cfg.ServerAddress,
		Port:             cfg.Port,
		SendTimeoutMs:    cfg.SendTimeoutMs,
		ReceiveTimeoutMs: cfg.ReceiveTimeoutMs,
		Username:         cfg.Username,
		MachineName:      cfg.MachineName,
		Logger:           logger,
		Sink:             sink,
	})
	if err != nil {
		logger.Error("failed to build client", zap.Error(err))
		os.Exit(1)
	}
	defer c.Close()

	c.SetCommFailureTimeouts(
		time.Duration(cfg.WarningDelayMs)*time.Millisecond,
		time.Duration(cfg.ErrorDelayMs)*time.Millisecond,
	)

	c.OnConnect(func() { logger.Info("connected") })
	c.OnDisconnect(func() { logger.Info("disconnected") })
	c.OnDisconnectWarning(func() { logger.Warn("disconnect warning threshold reached") })
	c.OnDisconnectError(func() { logger.Error("disconnect error threshold reached, giving up") })
	c.OnAsyncError(func(description string) { logger.Error("async error", zap.String("description", description)) })

	level, err := parseAccessLevel(*access)
	if err != nil {
		logger.Error("invalid access level", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("instrclient starting...")
	if !c.Connect(level) {
		logger.Error("initial connect failed")
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	c.Disconnect()
	logger.Info("instrclient shutting down...")
}

func parseAccessLevel(s string) (wire.AccessLevel, error) {
	switch s {
	case "view":
		return wire.AccessViewOnly, nil
	case "master":
		return wire.AccessMaster, nil
	case "localui":
		return wire.AccessLocalUI, nil
	case "engineering":
		return wire.AccessEngineering, nil
	default:
		return wire.AccessInvalid, fmt.Errorf("unknown access level %q", s)
	}
}

func newConsoleLogger() *zap.Logger {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalColorLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.AddSync(os.Stdout), zapcore.DebugLevel)
	return zap.New(core, zap.AddCaller(), zap.Development())
}
