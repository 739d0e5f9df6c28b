// Copyright 2024 The go-ethereum Authors
// This file is part of the go-ethereum library.
//
// The go-ethereum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-ethereum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-ethereum library. If not, see <http://www.gnu.org/licenses/>.

// Command pageserver runs one page-service process: it loads the
// tenant config, attaches the configured tenant shards, and serves
// pagestream/basebackup connections, in the same flag-and-action shape
// as the teacher's own geth binary.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/swaingotnochill/pageserver/internal/config"
	"github.com/swaingotnochill/pageserver/internal/pageservice"
	"github.com/swaingotnochill/pageserver/internal/plog"
	"github.com/swaingotnochill/pageserver/internal/tenant"
)

const dataDirPerm = 0o750

var (
	listenFlag = &cli.StringFlag{
		Name:  "listen",
		Usage: "address to serve the pagestream protocol on",
		Value: "127.0.0.1:6400",
	}
	dataDirFlag = &cli.StringFlag{
		Name:  "datadir",
		Usage: "directory holding the local layer store and config overrides",
		Value: "./pageserver-data",
	}
	tenantConfFlag = &cli.StringFlag{
		Name:  "tenant-config",
		Usage: "TOML file overriding the global default tenant config",
	}
	logFileFlag = &cli.StringFlag{
		Name:  "log-file",
		Usage: "write logs to this rotated file instead of stderr",
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "log verbosity: 0=crit .. 5=trace",
		Value: int(plog.LevelInfo),
	}
)

func main() {
	app := &cli.App{
		Name:    "pageserver",
		Usage:   "disaggregated storage page service",
		Version: "0.1.0",
		Flags: []cli.Flag{
			listenFlag,
			dataDirFlag,
			tenantConfFlag,
			logFileFlag,
			verbosityFlag,
		},
		Before: setupLogging,
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogging(ctx *cli.Context) error {
	level := plog.Level(ctx.Int(verbosityFlag.Name))
	if path := ctx.String(logFileFlag.Name); path != "" {
		plog.SetRoot(plog.NewFileLogger(path, level, 100, 5, 28))
	} else {
		plog.SetRoot(plog.New(os.Stderr, level))
	}
	return nil
}

func run(cliCtx *cli.Context) error {
	log := plog.Root()

	dataDir := cliCtx.String(dataDirFlag.Name)
	if err := os.MkdirAll(dataDir, dataDirPerm); err != nil {
		return fmt.Errorf("pageserver: creating data dir %s: %w", dataDir, err)
	}
	lock, err := config.LockDataDir(dataDir)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	conf := config.NewLive(config.Default())
	if path := cliCtx.String(tenantConfFlag.Name); path != "" {
		override, err := config.LoadTOML(path)
		if err != nil {
			return fmt.Errorf("pageserver: loading tenant config: %w", err)
		}
		conf.Update(override)
		log.Info("loaded tenant config override", "path", path)

		watcher, err := config.WatchTOML(path, conf, func(err error) {
			log.Warn("tenant config reload failed, keeping previous config", "path", path, "err", err)
		})
		if err != nil {
			return fmt.Errorf("pageserver: watching tenant config: %w", err)
		}
		defer watcher.Close()
	}

	tenants := pageservice.NewTenantMap()

	// A fresh process starts with no attached shards; attach is driven
	// by the management API (out of scope for this entrypoint, §1) or,
	// for a single-node deployment, by a single default shard so the
	// binary is directly useful without an external orchestrator.
	defaultShard := tenant.ShardIdentity{Number: 0, Count: 1, StripeSize: 1}
	defaultTenant := tenant.New("0000000000000000000000000000000000", defaultShard, conf, log)
	if err := defaultTenant.SetState(tenant.StateActive); err != nil {
		return fmt.Errorf("pageserver: activating default tenant: %w", err)
	}
	tenants.Put(defaultTenant)

	listenAddr := cliCtx.String(listenFlag.Name)
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("pageserver: listen %s: %w", listenAddr, err)
	}
	log.Info("page service listening", "addr", listenAddr)

	handler := &pageservice.Handler{Manager: tenants, Log: log}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received, closing listener")
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-sigCh:
				return nil
			default:
			}
			return fmt.Errorf("pageserver: accept: %w", err)
		}
		go serveConn(handler, log, conn)
	}
}

func serveConn(handler *pageservice.Handler, log plog.Logger, conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	log.Debug("connection accepted", "remote", remote)
	if err := handler.HandleConn(conn, conn, conn); err != nil {
		log.Debug("connection closed", "remote", remote, "err", err)
	}
}
