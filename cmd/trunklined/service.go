package main

import (
	"strings"

	"github.com/kardianos/service"
	"github.com/sirupsen/logrus"
)

// serviceWrapper satisfies service.Interface; the daemon is driven from
// main, so Start and Stop do nothing.
type serviceWrapper struct{}

func (serviceWrapper) Start(service.Service) error { return nil }
func (serviceWrapper) Stop(service.Service) error  { return nil }

func handleServiceCommand(install bool, cfgPath string) {
	svcConfig.Arguments = []string{"-c", cfgPath}
	s, err := service.New(serviceWrapper{}, svcConfig)
	if err != nil {
		logrus.WithError(err).Fatal("cannot init the service manager")
	}

	if !install {
		if err := s.Stop(); err != nil {
			logrus.WithError(err).Warnln("Failed to stop the service")
		}
		if err := s.Uninstall(); err != nil {
			logrus.WithError(err).Fatalln("Failed to uninstall the service")
		}
		logrus.Infof("trunklined service(%s) has been uninstalled.", s.Platform())
		return
	}

	err = s.Install()
	if err != nil && strings.Contains(err.Error(), "already exists") {
		logrus.Info("Trying to override old service unit...")
		if err := s.Stop(); err != nil {
			logrus.WithError(err).Warnln("Failed to stop the service")
		}
		if err := s.Uninstall(); err != nil {
			logrus.WithError(err).Fatalln("Failed to uninstall the service")
		}
		err = s.Install()
	}
	if err != nil {
		logrus.WithError(err).Fatalf("trunklined service(%s) installation failed", s.Platform())
	}
	logrus.Infof("trunklined service(%s) has been installed.", s.Platform())

	logrus.Info("Starting service...")
	if err := s.Start(); err != nil {
		logrus.WithError(err).Warningf("trunklined service(%s) startup failed", s.Platform())
	}
}
