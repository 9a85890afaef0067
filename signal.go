//go:build darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris
// +build darwin dragonfly freebsd linux netbsd openbsd solaris

package outbox

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/outboxd/outbox/framework/hooks"
	"github.com/outboxd/outbox/framework/log"
)

// handleSignals function creates and listens on OS signals channel.
//
// OS-specific signals that correspond to the program termination
// (SIGTERM, SIGHUP, SIGINT) will cause this function to return.
//
// SIGUSR1 and SIGUSR2 run the log rotation and reload hooks without
// returning.
func handleSignals() os.Signal {
	sig := make(chan os.Signal, 5)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGINT, syscall.SIGUSR1, syscall.SIGUSR2)

	for {
		switch s := <-sig; s {
		case syscall.SIGUSR1:
			log.Printf("signal received (%v), reopening log outputs", s)
			hooks.RunHooks(hooks.EventLogRotate)
		case syscall.SIGUSR2:
			log.Printf("signal received (%v), reloading auxiliary files", s)
			hooks.RunHooks(hooks.EventReload)
		default:
			go func() {
				s := handleSignals()
				log.Printf("forced shutdown due to signal (%v)!", s)
				os.Exit(1)
			}()

			log.Printf("signal received (%v), next signal will force immediate shutdown.", s)
			return s
		}
	}
}
