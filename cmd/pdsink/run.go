package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/battpack/pdsink"
	"github.com/battpack/pdsink/tcdpm"
	"github.com/battpack/pdsink/tcpcdriver"
	"github.com/battpack/pdsink/tcpe"
)

var (
	hardResetOnStart bool

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Negotiate a power contract and keep it",
		Long: `Run the sink policy engine until interrupted. The engine renegotiates
whenever the source advertises new capabilities or the cable is reattached.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync()

			req, err := cfg.Requirement()
			if err != nil {
				return err
			}
			b, err := openBus(cfg)
			if err != nil {
				return err
			}
			defer b.Close()
			pc, err := newPortController(cfg, b)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			opts := cfg.EngineOptions(log.Named("tcpe"))
			opts.Evaluator = tcdpm.NewLogger(log.Named("dpm"), req)

			watchErr := make(chan error, 1)
			if cfg.AlertPin != "" {
				p, err := pin(cfg.AlertPin)
				if err != nil {
					return err
				}
				opts.Signal = pdsink.NewAlertSignal()
				go func() {
					watchErr <- tcpcdriver.WatchAlert(ctx, p, opts.Signal)
					stop()
				}()
			}

			e := tcpe.New(pc, opts)
			e.SetEventHandler(eventLogger(log, e))
			if hardResetOnStart {
				e.HardReset()
			}
			log.Info("starting", zap.String("phy", cfg.PHY), zap.String("policy", req.Preference.String()))
			e.Run(ctx)

			select {
			case err := <-watchErr:
				if err != nil {
					return err
				}
			default:
			}
			log.Info("stopped", zap.String("state", e.State().String()))
			return nil
		},
	}
)

func init() {
	runCmd.Flags().BoolVar(&hardResetOnStart, "hard-reset", false, "signal a hard reset on startup so that the source re-advertises")
}

// eventLogger reports the engine events. It runs on the engine goroutine.
func eventLogger(log *zap.Logger, e *tcpe.Engine) tcpe.EventHandler {
	return tcpe.EventHandlerFunc(func(ev tcpe.Event) {
		switch ev {
		case tcpe.EventPowerReady:
			c, _ := e.Contract()
			log.Info("power ready",
				zap.Uint8("position", c.Position),
				zap.Stringer("pdo", c.PDO),
				zap.Stringer("current", c.Current),
				zap.Stringer("power", c.Power),
			)
		case tcpe.EventFault:
			log.Error("negotiation failed", zap.Error(e.Err()))
		default:
			log.Info("event", zap.String("event", string(ev)))
		}
	})
}
