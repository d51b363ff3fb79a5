package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/minasoft/hl7-gateway/internal/hl7"
	"github.com/spf13/cobra"
)

func newSendCmd() *cobra.Command {
	var (
		host    string
		port    int
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "send <file>...",
		Short: "Send HL7 files to an MLLP listener and print the acknowledgments",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := hl7.NewMLLPClient(host, port).WithTimeout(timeout)
			out := cmd.OutOrStdout()

			var failed int
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("dosya okunamadı %s: %w", path, err)
				}

				ack, err := client.SendMessage([]byte(hl7.NormalizeHeader(string(data))))
				switch {
				case err == nil:
					fmt.Fprintf(out, "%s: %s\n", path, hl7.ExtractAckCode(ack))
				case errors.Is(err, hl7.ErrNegativeAck):
					failed++
					fmt.Fprintf(out, "%s: %s\n", path, hl7.ExtractAckCode(ack))
				default:
					return fmt.Errorf("%s gönderilemedi: %w", path, err)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d mesaj negatif ACK aldı", failed)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&host, "host", "localhost", "MLLP listener host")
	cmd.Flags().IntVar(&port, "port", 2575, "MLLP listener port")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "dial/read/write timeout")
	return cmd
}
