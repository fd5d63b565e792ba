// Command mgcored is the hurdy-gurdy control daemon: it owns the shared
// instrument state, runs the 1kHz worker loop, serves wheel/key telemetry
// over websockets, and optionally reads an operator console on stdin. A
// wire MIDI output is attached when a port is configured. The in-process
// synth sink (internal/outputs/synth) is available to link in whatever
// local software synthesizer a deployment embeds; this daemon has no
// built-in one to attach, since the synthesizer is an external
// collaborator this module only defines the interface for.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	// Register the rtmidi driver so wire.Open can enumerate MIDI ports.
	_ "gitlab.com/gomidi/midi/v2/drivers/rtmididrv"

	"github.com/midigurdy/mg-core/internal/control"
	"github.com/midigurdy/mg-core/internal/mgstate"
	"github.com/midigurdy/mg-core/internal/sensors"
	"github.com/midigurdy/mg-core/internal/telemetry"
	"github.com/midigurdy/mg-core/internal/worker"

	"github.com/midigurdy/mg-core/internal/console"
)

func main() {
	var (
		keysDevice  = flag.String("keys-device", sensors.DefaultKeysDevice, "keyboard sensor evdev device")
		wheelDevice = flag.String("wheel-device", sensors.DefaultWheelDevice, "wheel sensor evdev device")
		midiPort    = flag.String("midi-port", "", "MIDI output port name (substring match); empty disables the wire output")
		listenAddr  = flag.String("listen", ":8080", "telemetry websocket listen address")
		interactive = flag.Bool("interactive", false, "read an operator console on stdin")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if err := run(*keysDevice, *wheelDevice, *midiPort, *listenAddr, *interactive, log); err != nil {
		log.Error("mgcored exiting", "error", err)
		os.Exit(1)
	}
}

func run(keysDevice, wheelDevice, midiPort, listenAddr string, interactive bool, log *slog.Logger) error {
	state := mgstate.New()

	reader, err := sensors.Open(keysDevice, wheelDevice)
	if err != nil {
		if reader != nil {
			reader.Close()
		}
		return fmt.Errorf("opening sensor devices: %w", err)
	}
	defer reader.Close()

	w := worker.New(state, reader, log)
	w.Strings = worker.Strings{
		Melody:    [3]*mgstate.String{&state.Melody[0], &state.Melody[1], &state.Melody[2]},
		Drone:     [3]*mgstate.String{&state.Drone[0], &state.Drone[1], &state.Drone[2]},
		Trompette: [3]*mgstate.String{&state.Trompette[0], &state.Trompette[1], &state.Trompette[2]},
		Keynoise:  &state.Keynoise,
	}

	telem := telemetry.New(log)
	w.Telem = telem

	api := control.New(state, w)

	if midiPort != "" {
		outID, err := api.AddMIDIOutput(midiPort)
		if err != nil {
			return fmt.Errorf("opening MIDI output: %w", err)
		}
		defer api.RemoveOutput(outID)

		if err := api.ConfigMIDIOutput(outID, 0, 3, 6, true, 0); err != nil {
			return fmt.Errorf("configuring MIDI output: %w", err)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/wheel", telem.WheelHandler)
	mux.HandleFunc("/ws/keys", telem.KeysHandler)
	httpServer := &http.Server{Addr: listenAddr, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return w.Run(gctx)
	})

	group.Go(func() error {
		<-gctx.Done()
		w.Stop()
		return nil
	})

	group.Go(func() error {
		log.Info("telemetry server listening", "addr", listenAddr)
		err := httpServer.ListenAndServe()
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	})

	group.Go(func() error {
		<-gctx.Done()
		return httpServer.Close()
	})

	if interactive {
		c := console.New(api, state, w, log)
		group.Go(func() error {
			return c.Run()
		})
		group.Go(func() error {
			<-gctx.Done()
			c.Stop()
			return nil
		})
	}

	return group.Wait()
}
