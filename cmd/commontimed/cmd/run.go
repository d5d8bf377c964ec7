/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"

	"github.com/coreos/go-systemd/daemon"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/commontime/commontimed/commonclock"
	"github.com/commontime/commontimed/config"
	"github.com/commontime/commontimed/diag"
	"github.com/commontime/commontimed/eventloop"
	"github.com/commontime/commontimed/iface"
	"github.com/commontime/commontimed/localclock"
	"github.com/commontime/commontimed/netwatch"
	"github.com/commontime/commontimed/recovery"
	"github.com/commontime/commontimed/statemachine"
)

var runCfgPath string

func init() {
	RootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&runCfgPath, "config", "c", "", "path to commontimed.yaml; defaults are used if empty")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the common time daemon",
	RunE: func(_ *cobra.Command, _ []string) error {
		ConfigureVerbosity()
		return runDaemon(runCfgPath)
	},
}

func runDaemon(cfgPath string) error {
	cfg := config.Default()
	if cfgPath != "" {
		var err error
		cfg, err = config.Read(cfgPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
	}

	deviceID, err := localclock.DeviceID()
	if err != nil {
		return fmt.Errorf("deriving device id: %w", err)
	}
	log.Infof("commontimed starting, device_id=%#x", deviceID)

	local := localclock.NewHWClock()
	common, err := commonclock.New(local.Frequency())
	if err != nil {
		return fmt.Errorf("building common clock: %w", err)
	}
	rec := recovery.New(common)
	rec.SetPanicThreshold(cfg.PanicThreshold)

	electionAddr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", cfg.ElectionAddr, cfg.ElectionPort))
	if err != nil {
		return fmt.Errorf("resolving election address: %w", err)
	}

	mcfg := cfg.MachineConfig()
	mcfg.ElectionEndpoint = electionAddr
	machine := statemachine.New(deviceID, mcfg, local, common, rec)

	svc := iface.New(common, machine, local)
	_ = svc // the Public Interface facet; embedders of this package reach it directly, nothing in this binary consumes it yet

	buildSocket := func() (eventloop.PacketConn, error) {
		return eventloop.BuildSocket(cfg.Iface, electionAddr)
	}
	conn, err := buildSocket()
	if err != nil {
		return fmt.Errorf("building election socket: %w", err)
	}

	var watcher *netwatch.Watcher
	if cfg.Iface != "" {
		watcher, err = netwatch.New(cfg.Iface)
		if err != nil {
			log.Warnf("netwatch: %v, link-flap socket rebuilds disabled", err)
			watcher = nil
		}
	}

	loop := eventloop.New(conn, machine, local, cfg.GroupID, watcher, buildSocket)
	diagSrv := diag.New(fmt.Sprintf(":%d", cfg.DiagPort), machine, rec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigStop := make(chan os.Signal, 1)
	signal.Notify(sigStop, unix.SIGINT, unix.SIGQUIT, unix.SIGTERM)
	go func() {
		<-sigStop
		log.Info("commontimed: shutdown signal received")
		cancel()
	}()

	eg, ctx := errgroup.WithContext(ctx)
	if watcher != nil {
		eg.Go(func() error { return watcher.Run(ctx) })
	}
	eg.Go(func() error { return loop.Run(ctx) })
	eg.Go(func() error { return diagSrv.Run(ctx) })

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warnf("commontimed: sd_notify ready failed: %v", err)
	} else if !sent {
		log.Debug("commontimed: sd_notify not supported (NOTIFY_SOCKET unset)")
	}

	err = eg.Wait()
	if _, nerr := daemon.SdNotify(false, daemon.SdNotifyStopping); nerr != nil {
		log.Warnf("commontimed: sd_notify stopping failed: %v", nerr)
	}
	if err != nil && ctx.Err() != nil && err == ctx.Err() {
		return nil
	}
	return err
}
