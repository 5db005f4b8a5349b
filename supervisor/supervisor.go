// Package supervisor implements the top-level process that owns the shared
// region and listening socket and keeps a fixed pool of self re-exec'd
// worker processes alive. Go cannot fork() safely once goroutines exist, so
// "spawn a worker" here means exec'ing a fresh copy of this same binary
// with the listening socket, shared-region fd and a private eventfd passed
// through os/exec's ExtraFiles.
/*
 * Copyright (c) 2024, ns-tradechat. All rights reserved.
 */
package supervisor

import (
	"context"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/nstrading/ns-tradechat/config"
	"github.com/nstrading/ns-tradechat/nslog"
	"github.com/nstrading/ns-tradechat/shmstate"
)

// WorkerEnvMarker is set to "1" in every re-exec'd worker's environment;
// main runs the worker code path only when it holds exactly that value.
const WorkerEnvMarker = "NS_WORKER"

// WorkerIndexEnv carries a worker's index in its environment so it can
// decide locally whether it owns the admin metrics listener (worker 0
// does; the others never bind it).
const WorkerIndexEnv = "NS_WORKER_INDEX"

const (
	listenBacklog      = 4096
	workerShutdownWait = 5 * time.Second

	// fd indices within ExtraFiles, fixed by convention between supervisor
	// and worker since both are the same binary.
	fdListenSocket = 0
	fdSharedRegion = 1
	fdOwnWakeup    = 2
)

// Supervisor owns the resources shared by every worker process.
type Supervisor struct {
	cfg      config.Config
	shared   *shmstate.Shared
	listenFD int

	wakeupFDs []int
	workers   []*workerProc
}

type workerProc struct {
	cmd      *exec.Cmd
	wakeupFD int // supervisor's write end, paired with the worker's read end
}

// New opens the shared region and binds the listening socket, but does not
// yet spawn any workers.
func New(cfg config.Config) (*Supervisor, error) {
	shared, err := shmstate.Open(cfg.ShmName)
	if err != nil {
		return nil, errors.Wrap(err, "supervisor: open shared region")
	}
	listenFD, err := bindListener(cfg.Bind, cfg.Port)
	if err != nil {
		shared.Close()
		return nil, errors.Wrap(err, "supervisor: bind listener")
	}
	return &Supervisor{cfg: cfg, shared: shared, listenFD: listenFD}, nil
}

// bindListener creates a non-blocking TCP listening socket with
// SO_REUSEADDR and SO_REUSEPORT set, so every worker process can accept
// from the same port concurrently (kernel load-balances across them).
func bindListener(bind string, port uint16) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return -1, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		unix.Close(fd)
		return -1, err
	}
	sa := &unix.SockaddrInet4{Port: int(port)}
	if bind != "" {
		ip := parseIPv4(bind)
		copy(sa.Addr[:], ip)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func parseIPv4(s string) [4]byte {
	var out [4]byte
	var part, idx int
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '.' {
			if idx < 4 {
				out[idx] = byte(part)
				idx++
			}
			part = 0
			continue
		}
		part = part*10 + int(s[i]-'0')
	}
	return out
}

// Run spawns cfg.Workers worker processes and blocks until SIGINT/SIGTERM,
// restarting any worker that exits unexpectedly, then shuts everything down
// gracefully.
func (sup *Supervisor) Run() error {
	defer sup.shared.Close()
	defer sup.shared.Unlink()
	defer unix.Close(sup.listenFD)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sup.spawnAll(); err != nil {
		return err
	}
	defer sup.shutdownAll()

	g, gctx := errgroup.WithContext(ctx)
	for i, w := range sup.workers {
		i, w := i, w
		g.Go(func() error {
			return sup.superviseWorker(gctx, i, w)
		})
	}

	<-ctx.Done()
	nslog.Infof("supervisor: shutdown signal received")
	return g.Wait()
}

// superviseWorker waits on one worker process, restarting it in place
// (replacing sup.workers[idx]) whenever it exits while the parent context is
// still alive; it returns nil once ctx is canceled.
func (sup *Supervisor) superviseWorker(ctx context.Context, idx int, w *workerProc) error {
	for {
		err := w.cmd.Wait()
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		nslog.Warningf("supervisor: worker %d exited (%v), restarting", idx, err)
		next, spawnErr := sup.spawnOne(idx, sup.wakeupFDs)
		if spawnErr != nil {
			return errors.Wrapf(spawnErr, "supervisor: restart worker %d", idx)
		}
		sup.workers[idx] = next
		w = next
	}
}

// spawnAll creates one eventfd per worker up front (so every worker can be
// handed every sibling's wakeup fd at exec time), then starts all of them.
func (sup *Supervisor) spawnAll() error {
	wakeupFDs := make([]int, sup.cfg.Workers)
	for i := range wakeupFDs {
		fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK)
		if err != nil {
			return errors.Wrap(err, "supervisor: create eventfd")
		}
		wakeupFDs[i] = fd
	}
	sup.wakeupFDs = wakeupFDs

	sup.workers = make([]*workerProc, 0, sup.cfg.Workers)
	for i := 0; i < sup.cfg.Workers; i++ {
		w, err := sup.spawnOne(i, wakeupFDs)
		if err != nil {
			return err
		}
		sup.workers = append(sup.workers, w)
	}
	return nil
}

// spawnOne re-execs the current binary as a fresh worker, handing it the
// listening socket, the shared-region fd, its own wakeup eventfd and every
// sibling's wakeup eventfd (for broadcasting a local CHAT_SEND) via
// ExtraFiles in the fixed fd-index convention above.
func (sup *Supervisor) spawnOne(idx int, wakeupFDs []int) (*workerProc, error) {
	selfPath, err := os.Executable()
	if err != nil {
		return nil, errors.Wrap(err, "supervisor: resolve self path")
	}

	cmd := exec.Command(selfPath, os.Args[1:]...)
	cmd.Env = append(os.Environ(), WorkerEnvMarker+"=1", WorkerIndexEnv+"="+strconv.Itoa(idx))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{
		os.NewFile(uintptr(sup.listenFD), "listen"),
		os.NewFile(uintptr(sup.shared.FD()), "shm"),
		os.NewFile(uintptr(wakeupFDs[idx]), "wakeup-own"),
	}
	for i, fd := range wakeupFDs {
		if i == idx {
			continue
		}
		cmd.ExtraFiles = append(cmd.ExtraFiles, os.NewFile(uintptr(fd), "wakeup-sibling"))
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "supervisor: start worker")
	}
	return &workerProc{cmd: cmd, wakeupFD: wakeupFDs[idx]}, nil
}

// shutdownAll sends SIGTERM to every live worker, waits up to
// workerShutdownWait, then SIGKILLs any stragglers.
func (sup *Supervisor) shutdownAll() {
	for _, w := range sup.workers {
		if w.cmd.Process != nil {
			w.cmd.Process.Signal(syscall.SIGTERM)
		}
	}
	done := make(chan struct{})
	go func() {
		for _, w := range sup.workers {
			w.cmd.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(workerShutdownWait):
		for _, w := range sup.workers {
			if w.cmd.Process != nil {
				w.cmd.Process.Kill()
			}
		}
	}
}

// WorkerFDs returns the fixed fd-index convention workers use to recover
// their inherited resources: fd 3 is the listening socket, fd 4 the shared
// region, fd 5 this worker's own wakeup eventfd, and fds 6.. (one per
// sibling worker) are write-only handles to every other worker's wakeup
// eventfd.
func WorkerFDs() (listenFD, sharedFD, ownWakeupFD int, siblingWakeupFDsStart int) {
	return fdListenSocket + 3, fdSharedRegion + 3, fdOwnWakeup + 3, fdOwnWakeup + 4
}

// WorkerIndex recovers the index passed via WorkerIndexEnv, defaulting to
// -1 for a process that isn't a re-exec'd worker at all.
func WorkerIndex() int {
	idx, err := strconv.Atoi(os.Getenv(WorkerIndexEnv))
	if err != nil {
		return -1
	}
	return idx
}
