package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/kardianos/service"
	log "github.com/sirupsen/logrus"

	"github.com/telopt/trunkline"
)

const defaultLogLevel = trunkline.LogLevelInfo

var (
	// set on build:
	// go build -o trunklined -ldflags="-X main.version=$(git describe --always --long --dirty --tag)" github.com/telopt/trunkline/cmd/trunklined
	version string
)

var svcConfig = &service.Config{
	Name:        "trunklined",
	DisplayName: "Trunkline IAX2 Engine",
	Description: "IAX2 signaling and media engine",
}

func main() {
	cfgPathPtr := flag.String("c", trunkline.DefaultCfgPath, "config file path")
	logLevelPtr := flag.String("v", string(defaultLogLevel), "log level – overrides the level in config file (values \"error\",\"info\",\"debug\")")
	printConfigPtr := flag.Bool("p", false, "print the active config")
	serviceInstallPtr := flag.Bool("s", false, fmt.Sprintf("install and start the system service(%s)", service.ChosenSystem().String()))
	serviceUninstallPtr := flag.Bool("u", false, fmt.Sprintf("stop and uninstall the system service(%s)", service.ChosenSystem().String()))
	versionPtr := flag.Bool("version", false, "show the trunklined version")
	flag.Parse()

	if *versionPtr {
		fmt.Printf("trunklined v%s\n", version)
		return
	}

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg := trunkline.NewConfig()
	if *cfgPathPtr != "" {
		err := cfg.ReadConfigFromFile(*cfgPathPtr)
		if os.IsNotExist(err) {
			// this is ok, run on the defaults and leave a template behind
			if err := cfg.CreateDefaultConfigFile(*cfgPathPtr); err != nil {
				log.WithError(err).Warn("cannot write the default config file")
			}
		} else if err != nil {
			log.Fatalf("Config load error: %s", err.Error())
		}
	}

	if *logLevelPtr == string(trunkline.LogLevelError) ||
		*logLevelPtr == string(trunkline.LogLevelInfo) ||
		*logLevelPtr == string(trunkline.LogLevelDebug) {
		cfg.LogLevel = trunkline.LogLevel(*logLevelPtr)
	} else {
		log.Warnf("LogLevel was set to an invalid value: \"%s\". Set to default: \"%s\"", *logLevelPtr, defaultLogLevel)
		cfg.LogLevel = defaultLogLevel
	}

	if *printConfigPtr {
		fmt.Println(cfg.DumpConfigToml())
		return
	}

	if *serviceInstallPtr || *serviceUninstallPtr {
		handleServiceCommand(*serviceInstallPtr, *cfgPathPtr)
		return
	}

	if cfg.PidFile != "" {
		if err := os.WriteFile(cfg.PidFile, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
			log.WithError(err).Warnf("Failed to write pid file at: %s", cfg.PidFile)
		}
	}

	engine, err := trunkline.NewEngine(cfg)
	if err != nil {
		log.Fatal(err)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	engine.StartStatsServer()
	engine.StartWritingStats()

	go engine.ReadSocket()
	go engine.RunTrunkFlush()
	go engine.RunProcess(nil)

	sig := <-sigc
	log.Infof("got %v, shutting down", sig)
	engine.Shutdown()

	if cfg.PidFile != "" {
		_ = os.Remove(cfg.PidFile)
	}
}
