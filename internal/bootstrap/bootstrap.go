// Package bootstrap manages the lifecycle of the geo daemon listeners. It
// supports zero downtime upgrades through tableflip: on SIGHUP a new process
// is forked, inherits the listening sockets and the old process drains its
// servers within the graceful restart timeout.
package bootstrap

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cloudflare/tableflip"
	"github.com/sirupsen/logrus"
)

type upgrader interface {
	Exit() <-chan struct{}
	HasParent() bool
	Ready() error
	Upgrade() error
	Stop()
}

// Bootstrap handles graceful upgrades
type Bootstrap struct {
	upgrader        upgrader
	listen          ListenFunc
	gracefulTimeout time.Duration
	logger          logrus.FieldLogger

	wg       sync.WaitGroup
	errChan  chan error
	starters []Starter
}

// ListenFunc is a net.Listener factory
type ListenFunc func(net, addr string) (net.Listener, error)

// Starter starts a server on a listener obtained from ListenFunc. It reports
// the termination of the server on the channel.
type Starter func(ListenFunc, chan<- error) error

// New builds a Bootstrap backed by tableflip. When upgradesEnabled is set a
// SIGHUP triggers a graceful upgrade. pidFile is optional.
func New(pidFile string, upgradesEnabled bool, gracefulTimeout time.Duration, logger logrus.FieldLogger) (*Bootstrap, error) {
	upg, err := tableflip.New(tableflip.Options{PIDFile: pidFile})
	if err != nil {
		return nil, err
	}

	if upgradesEnabled {
		go func() {
			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGHUP)

			for range sig {
				if err := upg.Upgrade(); err != nil {
					logger.WithError(err).Error("upgrade failed")
					continue
				}

				logger.Info("upgrade succeeded")
			}
		}()
	}

	return newBootstrap(upg, upg.Fds.Listen, gracefulTimeout, logger), nil
}

func newBootstrap(upg upgrader, listen ListenFunc, gracefulTimeout time.Duration, logger logrus.FieldLogger) *Bootstrap {
	return &Bootstrap{
		upgrader:        upg,
		listen:          listen,
		gracefulTimeout: gracefulTimeout,
		logger:          logger.WithField("component", "bootstrap"),
	}
}

// IsFirstBoot reports whether the process was started without a parent
// handing over its sockets.
func (b *Bootstrap) IsFirstBoot() bool { return !b.upgrader.HasParent() }

// RegisterStarter adds a server to start with Start.
func (b *Bootstrap) RegisterStarter(starter Starter) {
	b.starters = append(b.starters, starter)
}

// Start runs all registered starters.
func (b *Bootstrap) Start() error {
	b.errChan = make(chan error, len(b.starters))

	for _, start := range b.starters {
		errCh := make(chan error)

		if err := start(b.listen, errCh); err != nil {
			return err
		}

		b.wg.Add(1)
		go func(errCh chan error) {
			err := <-errCh
			b.wg.Done()
			b.errChan <- err
		}(errCh)
	}

	return nil
}

// Wait marks the process ready and blocks until a server stops, a
// termination signal arrives or a graceful upgrade hands over to the new
// process. On upgrade stopAction is called to drain the servers.
func (b *Bootstrap) Wait(stopAction func()) error {
	signals := []os.Signal{syscall.SIGTERM, syscall.SIGINT}
	immediateShutdown := make(chan os.Signal, len(signals))
	signal.Notify(immediateShutdown, signals...)
	defer signal.Stop(immediateShutdown)

	if err := b.upgrader.Ready(); err != nil {
		return err
	}

	var err error
	select {
	case <-b.upgrader.Exit():
		// The new process is ready. No further upgrade can start while this
		// one is alive, so the drain is bounded by the grace period.
		go stopAction()
		b.waitGracePeriod(immediateShutdown)
		err = fmt.Errorf("graceful upgrade")
	case s := <-immediateShutdown:
		err = fmt.Errorf("received signal %q", s)
	case err = <-b.errChan:
	}

	b.upgrader.Stop()
	return err
}

func (b *Bootstrap) waitGracePeriod(kill <-chan os.Signal) {
	b.logger.WithField("graceful_restart_timeout", b.gracefulTimeout).Warn("starting grace period")

	allServersDone := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(allServersDone)
	}()

	select {
	case <-time.After(b.gracefulTimeout):
		b.logger.Error("old process stuck on termination. Grace period expired.")
	case <-kill:
		b.logger.Error("force shutdown")
	case <-allServersDone:
		b.logger.Info("graceful stop completed")
	}
}
