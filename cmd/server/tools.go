package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/minasoft/hl7-bridge/internal/cda"
	"github.com/minasoft/hl7-bridge/internal/hl7"
)

var errInvalidDocument = errors.New("document is not valid")

func validateCDACmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-cda <file>",
		Short: "Check a CDA document against the DMP structural rules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			result := cda.Validate(string(data))
			fmt.Fprint(cmd.OutOrStdout(), cda.Report(result))
			if !result.IsValid {
				return errInvalidDocument
			}
			return nil
		},
	}
}

func sendCmd() *cobra.Command {
	var (
		host    string
		port    int
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "send <file>",
		Short: "Send an HL7 v2 message over MLLP and print the acknowledgment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			message := normalizeSegments(data)
			if len(message) == 0 {
				return fmt.Errorf("%s: %w", args[0], hl7.ErrEmptyMessage)
			}

			addr := net.JoinHostPort(host, strconv.Itoa(port))
			client := hl7.NewMLLPClient(addr, zerolog.Nop(), hl7.WithTimeout(timeout))
			ack, err := client.Send(cmd.Context(), message)
			if ack != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", hl7.AckCodeOf(ack), ack.ControlID())
			}
			return err
		},
	}
	cmd.Flags().StringVar(&host, "host", "localhost", "MLLP listener host")
	cmd.Flags().IntVar(&port, "port", 2100, "MLLP listener port")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "time to wait for the acknowledgment")
	return cmd
}

// normalizeSegments turns a message edited as a text file into wire form:
// segments separated by carriage returns, no blank lines.
func normalizeSegments(data []byte) []byte {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	var segments []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			segments = append(segments, line)
		}
	}
	return []byte(strings.Join(segments, "\r"))
}
