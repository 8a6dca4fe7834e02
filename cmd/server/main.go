package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/minasoft/hl7-bridge/internal/audit"
	"github.com/minasoft/hl7-bridge/internal/bridge"
	"github.com/minasoft/hl7-bridge/internal/cda"
	"github.com/minasoft/hl7-bridge/internal/config"
	"github.com/minasoft/hl7-bridge/internal/consumers"
	"github.com/minasoft/hl7-bridge/internal/delivery"
	"github.com/minasoft/hl7-bridge/internal/hl7"
	"github.com/minasoft/hl7-bridge/internal/mapping"
	"github.com/minasoft/hl7-bridge/internal/metrics"
	natsstore "github.com/minasoft/hl7-bridge/internal/nats"
	"github.com/minasoft/hl7-bridge/internal/web"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "hl7-bridge",
		Short:        "HL7 v2 to FHIR bridge with DMP document generation",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(validateCDACmd())
	rootCmd.AddCommand(sendCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the MLLP listener, outbound forwarder and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := config.NewLogger(cfg.LogLevel, cfg.LogPretty)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New(prometheus.DefaultRegisterer)

	natsServer, err := natsstore.NewEmbeddedServer(cfg.DataDir, logger)
	if err != nil {
		return fmt.Errorf("start NATS: %w", err)
	}
	defer natsServer.Shutdown()
	js := natsServer.JetStream()

	stats, err := natsstore.OpenStats(ctx, js)
	if err != nil {
		return err
	}
	history, err := natsstore.OpenMessageStore(ctx, js, natsstore.BucketHistory)
	if err != nil {
		return err
	}
	dlq, err := natsstore.OpenMessageStore(ctx, js, natsstore.BucketDLQ)
	if err != nil {
		return err
	}

	recorder := audit.Multi(
		audit.NewLogRecorder(logger),
		natsstore.NewAuditPublisher(js, logger),
		natsstore.NewStatsRecorder(stats, logger),
	)

	gateway := delivery.NewClient(cfg.GatewayURL, delivery.Options{Timeout: cfg.DeliveryTimeout}, logger, m)

	handler := bridge.NewHandler(gateway, recorder, m, bridge.Options{
		DeliveryTimeout:   cfg.DeliveryTimeout,
		NackOnDecodeError: cfg.MLLPNackOnDecodeErr,
	}, logger)

	mllpServer := hl7.NewMLLPServer(cfg.MLLPAddr(), handler, hl7.ServerOptions{
		ReadTimeout:  cfg.MLLPReadTimeout,
		MaxFrameSize: cfg.MLLPMaxMessageBytes,
	}, logger)
	if err := mllpServer.Start(ctx); err != nil {
		return err
	}
	defer mllpServer.Stop()

	pool := hl7.NewConnectionPool(cfg.HISAddr(), 4, 5*time.Minute, logger)
	defer pool.Close()
	his := hl7.NewMLLPClient(cfg.HISAddr(), logger, hl7.WithTimeout(cfg.DeliveryTimeout), hl7.WithPool(pool))

	forwarder := consumers.NewMessageForwarder(consumers.Deps{
		JetStream: js,
		Sender:    his,
		History:   history,
		DLQ:       dlq,
		Stats:     stats,
		Recorder:  recorder,
		Metrics:   m,
	}, consumers.Options{MaxDeliver: cfg.OutboundMaxDeliver, SendTimeout: cfg.DeliveryTimeout}, logger)
	if err := forwarder.Start(ctx); err != nil {
		return err
	}

	webServer := web.NewServer(web.Deps{
		JetStream: js,
		Publisher: natsstore.NewOutboundPublisher(js, history, stats, logger),
		History:   history,
		DLQ:       dlq,
		Stats:     stats,
		WriteBack: mapping.NewWriteBackMapper(cfg.SendingApp, cfg.SendingFacility, cfg.ReceivingApp, cfg.ReceivingFacility),
		Generator: cda.NewGenerator(logger),
		CDADefaults: cda.Options{
			Author:    cda.Author{RPPSID: cfg.DefaultRPPS},
			Custodian: cda.Custodian{FINESSID: cfg.DefaultFINESS, Name: cfg.DefaultEstablishment},
		},
		HISAddr:      cfg.HISAddr(),
		BreakerState: gateway.State,
		Recorder:     recorder,
		Metrics:      m,
		Gatherer:     prometheus.DefaultGatherer,
	}, logger)

	logger.Info().
		Str("mllp", mllpServer.Addr()).
		Str("http", cfg.HTTPAddr()).
		Str("gateway", cfg.GatewayURL).
		Str("his", cfg.HISAddr()).
		Msg("hl7-bridge started")
	printStartupInfo(cfg)

	if err := webServer.Start(ctx, cfg.HTTPAddr()); err != nil {
		return fmt.Errorf("HTTP API: %w", err)
	}
	logger.Info().Msg("hl7-bridge stopped")
	return nil
}

func printStartupInfo(cfg *config.Config) {
	info := `
╔═══════════════════════════════════════════════════════════════╗
║                      HL7 Bridge started                       ║
╠═══════════════════════════════════════════════════════════════╣
║ MLLP listener        : %-39s ║
║ HTTP API             : http://localhost:%-22d ║
║ FHIR gateway         : %-39s ║
║ Legacy HIS (SIU)     : %-39s ║
╚═══════════════════════════════════════════════════════════════╝
`
	fmt.Printf(info, cfg.MLLPAddr(), cfg.HTTPPort, cfg.GatewayURL, cfg.HISAddr())
}
