// Command ns-tradechatd is the single binary that runs both roles in the
// multi-process server: launched normally it is the supervisor; re-exec'd
// with NS_WORKER=1 in its environment (done only by the supervisor itself,
// see supervisor.spawnOne) it runs one worker's event loop instead.
/*
 * Copyright (c) 2024, ns-tradechat. All rights reserved.
 */
package main

import (
	"os"

	"github.com/nstrading/ns-tradechat/auditindex"
	"github.com/nstrading/ns-tradechat/config"
	"github.com/nstrading/ns-tradechat/metrics"
	"github.com/nstrading/ns-tradechat/nslog"
	"github.com/nstrading/ns-tradechat/shmstate"
	"github.com/nstrading/ns-tradechat/supervisor"
	"github.com/nstrading/ns-tradechat/worker"
)

func main() {
	cfg, err := config.ParseArgs(os.Args[1:])
	if err != nil {
		nslog.Errorf("ns-tradechatd: %v", err)
		os.Exit(2)
	}

	if os.Getenv(supervisor.WorkerEnvMarker) == "1" {
		os.Exit(runWorker(cfg))
	}
	os.Exit(runSupervisor(cfg))
}

func runSupervisor(cfg config.Config) int {
	sup, err := supervisor.New(cfg)
	if err != nil {
		nslog.Errorf("ns-tradechatd: %v", err)
		return 1
	}
	if err := sup.Run(); err != nil {
		nslog.Errorf("ns-tradechatd: supervisor exited: %v", err)
		return 1
	}
	return 0
}

func runWorker(cfg config.Config) int {
	listenFD, sharedFD, ownWakeupFD, siblingStart := supervisor.WorkerFDs()
	siblingCount := cfg.Workers - 1
	if siblingCount < 0 {
		siblingCount = 0
	}
	siblingWakeupFDs := make([]int, siblingCount)
	for i := 0; i < siblingCount; i++ {
		siblingWakeupFDs[i] = siblingStart + i
	}

	shared, err := shmstate.OpenFD(sharedFD)
	if err != nil {
		nslog.Errorf("ns-tradechatd: worker: attach shared region: %v", err)
		return 1
	}
	defer shared.Close()

	audit, err := auditindex.Open()
	if err != nil {
		nslog.Errorf("ns-tradechatd: worker: open audit index: %v", err)
		return 1
	}
	defer audit.Close()

	loop, err := worker.New(shared, audit, listenFD, ownWakeupFD, cfg.MaxBodyLen)
	if err != nil {
		nslog.Errorf("ns-tradechatd: worker: init event loop: %v", err)
		return 1
	}
	loop.SetSiblingWakeups(siblingWakeupFDs)

	// Only the first worker binds the admin metrics listener, so it runs
	// on one fixed process instead of the supervisor itself.
	if cfg.AdminAddr != "" && supervisor.WorkerIndex() == 0 {
		admin := metrics.New(shared, cfg.AdminAddr)
		go func() {
			if err := admin.Serve(); err != nil {
				nslog.Warningf("ns-tradechatd: worker: admin server stopped: %v", err)
			}
		}()
	}

	nslog.Infof("ns-tradechatd: worker pid=%d ready", os.Getpid())
	if err := loop.Run(); err != nil {
		nslog.Errorf("ns-tradechatd: worker: event loop: %v", err)
		return 1
	}
	return 0
}
