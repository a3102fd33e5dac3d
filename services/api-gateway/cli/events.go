package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-part-flow/internal/domain"
	"github.com/ramiqadoumi/go-part-flow/internal/kafka"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Tail job lifecycle events from Kafka",
	Long: `Follow the partflow.job-events topic and print one line per event.

Brokers come from --brokers, KAFKA_BROKERS or kafka_brokers in the config file.`,
	RunE: runEvents,
}

func init() {
	eventsCmd.Flags().String("brokers", "", "comma-separated Kafka brokers (default: kafka_brokers)")
	eventsCmd.Flags().String("job", "", "only print events for this job id")
	eventsCmd.Flags().Bool("from-start", false, "replay the topic from the oldest retained event")
}

func runEvents(cmd *cobra.Command, _ []string) error {
	brokers := viper.GetString("kafka_brokers")
	if cmd.Flags().Changed("brokers") {
		brokers, _ = cmd.Flags().GetString("brokers")
	}
	if brokers == "" {
		return fmt.Errorf("no Kafka brokers configured")
	}
	jobID, _ := cmd.Flags().GetString("job")
	fromStart, _ := cmd.Flags().GetBool("from-start")

	logger, closeLog := buildLogger(viper.GetString("log_level"), "api-gateway", viper.GetString("log_file"))
	defer func() { _ = closeLog() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A throwaway group: every tail sees every event.
	group := "partflow-events-" + uuid.New().String()[:8]
	consumer := kafka.NewConsumer(strings.Split(brokers, ","), kafka.TopicJobEvents, group, fromStart, logger)
	defer func() { _ = consumer.Close() }()

	return consumer.Subscribe(ctx, func(_ context.Context, msg kafka.Message) error {
		ev, err := kafka.DecodeEvent(msg)
		if err != nil {
			logger.Warn("skipping undecodable event", slog.String("error", err.Error()))
			return nil
		}
		if jobID != "" && ev.JobID != jobID {
			return nil
		}
		printEvent(os.Stdout, ev)
		return nil
	})
}

func printEvent(w io.Writer, ev domain.Event) {
	line := fmt.Sprintf("%s %-9s job=%s attempt=%d", ev.At.Format(time.RFC3339), ev.Type, ev.JobID, ev.Attempt)
	if ev.WorkerID != "" {
		line += " worker=" + ev.WorkerID
	}
	if ev.Result != "" {
		line += " result=" + ev.Result
	}
	if ev.Error != "" {
		line += fmt.Sprintf(" error=%q", ev.Error)
	}
	fmt.Fprintln(w, line)
}
