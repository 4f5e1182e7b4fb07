// Command echoflip is a small TCP echo server demonstrating graceful
// restarts. While it runs, `echoflip restart` spawns a replacement process
// that inherits the listening socket; existing connections are drained by the
// old process before it exits.
package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/procflip/procflip"
)

// maxGenerations caps how often the server will agree to replace itself, to
// demonstrate the lifecycle handler's veto.
const maxGenerations = 4

var (
	socketPath string
	listenAddr string
)

func main() {
	root := &cobra.Command{
		Use:   "echoflip",
		Short: "echo server with graceful self-restart",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
	root.PersistentFlags().StringVarP(&socketPath, "socket", "s", "/tmp/echoflip.sock", "restart control socket path")
	root.Flags().StringVarP(&listenAddr, "listen", "l", "127.0.0.1:7777", "address to serve echo on")

	restart := &cobra.Command{
		Use:   "restart",
		Short: "ask a running echoflip to restart itself",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()
			pid, err := procflip.RequestRestart(ctx, socketPath)
			if err != nil {
				return err
			}
			fmt.Printf("restarted, successor pid is %d\n", pid)
			return nil
		},
	}
	root.AddCommand(restart)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// appState is carried across generations through the handoff data pipe.
type appState struct {
	generation uint64
}

func (a *appState) SendToSuccessor(w io.Writer) error {
	if a.generation >= maxGenerations {
		return fmt.Errorf("%d restarts is quite enough", maxGenerations)
	}
	return binary.Write(w, binary.BigEndian, a.generation)
}

func serve() error {
	l := log15.New("pid", os.Getpid())

	state := &appState{}
	coord, err := procflip.New(
		procflip.WithLogger(l),
		procflip.WithControlSocket(socketPath),
		procflip.WithGracePeriod(30*time.Second),
		procflip.WithLifecycleHandler(state),
	)
	if err != nil {
		return err
	}
	defer coord.Stop()

	if r := coord.HandoffData(); r != nil {
		var prev uint64
		if err := binary.Read(r, binary.BigEndian, &prev); err != nil {
			l.Warn("could not read predecessor state", "err", err)
		}
		state.generation = prev + 1
	}

	ln, err := coord.Fds.Listen(context.Background(), "echo", nil, "tcp", listenAddr)
	if err != nil {
		if coord.IsSuccessor() {
			_ = coord.ReportFailed(err.Error())
		}
		return err
	}

	shutdown := procflip.NewShutdownCoordinator(procflip.WithShutdownLogger(l))

	if coord.IsSuccessor() {
		if err := coord.ReportReady(); err != nil {
			return err
		}
	}
	l.Info("serving", "generation", state.generation, "addr", ln.Addr())

	var g errgroup.Group
	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				select {
				case <-coord.RestartComplete():
					return nil
				default:
					return err
				}
			}
			sub := shutdown.Register(conn.RemoteAddr().String())
			go echo(l, conn, state.generation, sub)
		}
	})

	// A finished restart (or Stop) means it's time to get out of the way.
	<-coord.RestartComplete()
	ln.Close()

	shutdown.Signal("successor has taken over")
	if err := shutdown.Wait(time.Minute); err != nil {
		l.Error("some connections never finished", "err", err)
	}
	l.Info("drained, exiting")
	return g.Wait()
}

func echo(l log15.Logger, conn net.Conn, generation uint64, sub *procflip.Subscriber) {
	defer sub.Ack()
	defer conn.Close()

	fmt.Fprintf(conn, "hello from generation %d (pid %d)\n", generation, os.Getpid())

	go func() {
		// A shutdown request is advisory: we announce it but let the client
		// finish on their own time.
		<-sub.Done()
		fmt.Fprintf(conn, "restarting: %s\n", sub.Reason())
	}()

	if _, err := io.Copy(conn, conn); err != nil {
		l.Debug("echo ended", "err", err)
	}
}
