package main

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/msgnet/msgnet-go/conn"
)

// tomlConfig describes the TOML configuration of the harness.
type tomlConfig struct {
	Logging   loggingConf
	Core      coreConf
	Client    clientConf
	Simulator simulatorConf
	Discovery discoveryConf
}

// loggingConf describes the Logging block.
type loggingConf struct {
	Level        string
	Format       string
	ReportCaller bool `toml:"report-caller"`
}

// coreConf describes the Core block.
type coreConf struct {
	DiagAddress  string `toml:"diag-address"`
	QueuePolicy  string `toml:"queue-policy"`
	MaxRetries   int    `toml:"max-retries"`
	PingInterval int    `toml:"ping-interval-ms"`
}

// clientConf describes the Client block.
type clientConf struct {
	Messages   int
	MessageID  uint32 `toml:"message-id"`
	Priority   uint32
	MaxPending int `toml:"max-pending"`
}

// simulatorConf describes the Simulator block, hot-reloadable at runtime.
type simulatorConf struct {
	Enabled       bool
	ConstantDelay int     `toml:"constant-delay-ms"`
	RandomDelay   int     `toml:"random-delay-ms"`
	LossRate      float64 `toml:"loss-rate"`
}

// discoveryConf describes the Discovery block.
type discoveryConf struct {
	Announce bool
}

// defaultConfig holds the stock in-order test parameters.
func defaultConfig() tomlConfig {
	return tomlConfig{
		Client: clientConf{
			Messages:   100000,
			MessageID:  191,
			Priority:   100,
			MaxPending: 1000,
		},
	}
}

// parseConfig loads the configuration file and applies the logging block.
func parseConfig(filename string) (conf tomlConfig, err error) {
	conf = defaultConfig()
	if filename == "" {
		return
	}

	if _, err = toml.DecodeFile(filename, &conf); err != nil {
		return
	}

	if conf.Logging.Level != "" {
		if lvl, lvlErr := log.ParseLevel(conf.Logging.Level); lvlErr != nil {
			log.WithFields(log.Fields{
				"level":    conf.Logging.Level,
				"error":    lvlErr,
				"provided": "panic,fatal,error,warn,info,debug,trace",
			}).Warn("Failed to set log level. Please select one of the provided ones")
		} else {
			log.SetLevel(lvl)
		}
	}

	log.SetReportCaller(conf.Logging.ReportCaller)

	switch conf.Logging.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})

	case "json":
		log.SetFormatter(&log.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})

	default:
		log.Warn("Unknown logging format")
	}

	return
}

// settings derives the connection settings from the configuration.
func (conf tomlConfig) settings() conn.Settings {
	settings := conn.DefaultSettings()

	if conf.Core.MaxRetries > 0 {
		settings.MaxRetries = conf.Core.MaxRetries
	}
	if conf.Core.PingInterval > 0 {
		settings.PingInterval = time.Duration(conf.Core.PingInterval) * time.Millisecond
	}

	switch conf.Core.QueuePolicy {
	case "", "drop":
		settings.QueuePolicy = conn.QueueDrop
	case "grow":
		settings.QueuePolicy = conn.QueueGrow
	case "block":
		settings.QueuePolicy = conn.QueueBlock
	default:
		log.WithField("policy", conf.Core.QueuePolicy).Warn("Unknown queue policy, using drop")
	}

	return settings
}

// apply pushes the simulator block onto a connection.
func (sc simulatorConf) apply(c conn.Connection) {
	c.Simulator().Configure(
		sc.Enabled,
		time.Duration(sc.ConstantDelay)*time.Millisecond,
		time.Duration(sc.RandomDelay)*time.Millisecond,
		sc.LossRate,
	)

	log.WithFields(log.Fields{
		"enabled":    sc.Enabled,
		"constant":   sc.ConstantDelay,
		"random":     sc.RandomDelay,
		"loss-rate":  sc.LossRate,
		"connection": c,
	}).Info("Applied simulator parameters")
}

// watchConfig re-reads the configuration file on every change and hands the
// simulator block to onReload. Returns a stop function.
func watchConfig(filename string, onReload func(simulatorConf)) (stop func(), err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err = watcher.Add(filename); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	go func() {
		for event := range watcher.Events {
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			var conf tomlConfig
			if _, err := toml.DecodeFile(filename, &conf); err != nil {
				log.WithError(err).Warn("Reloading configuration errored")
				continue
			}

			log.WithField("file", filename).Info("Configuration reloaded")
			onReload(conf.Simulator)
		}
	}()

	return func() { _ = watcher.Close() }, nil
}
