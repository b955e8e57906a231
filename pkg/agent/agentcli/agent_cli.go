// Package agentcli is the command line surface of the ratd daemon.
package agentcli

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/hidworks/ratd/pkg/agent"
	"github.com/hidworks/ratd/pkg/hidraw"
	"github.com/spf13/cobra"
)

func Main(ctx context.Context, args []string, in io.Reader, out, errOut io.Writer) error {
	dir, err := os.UserConfigDir()
	if err != nil {
		return err
	}
	cmd := NewRootCmd(filepath.Join(dir, "ratd"))
	cmd.SetArgs(args)
	cmd.SetIn(in)
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	return cmd.ExecuteContext(ctx)
}

func NewRootCmd(configDir string) *cobra.Command {
	cfg := agent.Config{
		DataDir:       filepath.Join(configDir, "data"),
		DevicesConfig: filepath.Join(configDir, "devices.yml"),
	}
	rootCmd := &cobra.Command{
		Use:   "ratd",
		Short: "Raw HID transport daemon",
		Long:  `ratd exchanges reports with raw HID device nodes and drains unsolicited input from configured devices.`,
	}
	rootCmd.PersistentFlags().StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "data directory")
	rootCmd.PersistentFlags().StringVar(&cfg.DevicesConfig, "devices-config", cfg.DevicesConfig, "device rules file")

	rootCmd.AddCommand(NewRun(&cfg))
	rootCmd.AddCommand(NewListDevices(&cfg))
	rootCmd.AddCommand(NewInfo())
	rootCmd.AddCommand(NewGetFeature())
	rootCmd.AddCommand(NewSetFeature())
	rootCmd.AddCommand(NewWriteOutput())
	rootCmd.AddCommand(NewMonitor())
	return rootCmd
}

func NewRun(cfg *agent.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := agent.NewAgent(*cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Run(cmd.Context())
		},
	}
}

func NewListDevices(cfg *agent.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "list-devices",
		Short: "List known HID devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := agent.NewAgent(*cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			devices, err := a.HID().ListDevices()
			if err != nil {
				return err
			}
			jsonB, err := json.MarshalIndent(devices, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(jsonB))
			return nil
		},
	}
}

func NewInfo() *cobra.Command {
	return &cobra.Command{
		Use:   "info <node>",
		Short: "Print raw device identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tr, err := hidraw.Open(args[0])
			if err != nil {
				return err
			}
			defer tr.Close()
			info := tr.Info()
			fmt.Fprintf(cmd.OutOrStdout(), "bus %#04x vendor %04x product %04x\n",
				info.BusType, info.Vendor, info.Product)
			return nil
		},
	}
}

func NewGetFeature() *cobra.Command {
	return &cobra.Command{
		Use:   "get-feature <node> <report#> <length>",
		Short: "Read a feature report",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			reportNum, err := parseReportNumber(args[1])
			if err != nil {
				return err
			}
			length, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("invalid length %q: %w", args[2], err)
			}
			if length < 1 || length > hidraw.MaxReportSize {
				return fmt.Errorf("length must be between 1 and %d, got %d", hidraw.MaxReportSize, length)
			}
			tr, err := hidraw.Open(args[0])
			if err != nil {
				return err
			}
			defer tr.Close()
			buf := make([]byte, length)
			n, err := tr.RawRequest(reportNum, buf, hidraw.FeatureReport, hidraw.GetReport)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(buf[:n]))
			return nil
		},
	}
}

func NewSetFeature() *cobra.Command {
	return &cobra.Command{
		Use:   "set-feature <node> <report#> <hex-data>",
		Short: "Write a feature report",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			reportNum, err := parseReportNumber(args[1])
			if err != nil {
				return err
			}
			data, err := hex.DecodeString(args[2])
			if err != nil {
				return fmt.Errorf("invalid hex data: %w", err)
			}
			tr, err := hidraw.Open(args[0])
			if err != nil {
				return err
			}
			defer tr.Close()
			_, err = tr.RawRequest(reportNum, data, hidraw.FeatureReport, hidraw.SetReport)
			return err
		},
	}
}

func NewWriteOutput() *cobra.Command {
	return &cobra.Command{
		Use:   "write-output <node> <hex-data>",
		Short: "Write an output report",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := hex.DecodeString(args[1])
			if err != nil {
				return fmt.Errorf("invalid hex data: %w", err)
			}
			tr, err := hidraw.Open(args[0])
			if err != nil {
				return err
			}
			defer tr.Close()
			return tr.WriteOutputReport(data)
		},
	}
}

func NewMonitor() *cobra.Command {
	return &cobra.Command{
		Use:   "monitor <node>",
		Short: "Hex-dump input reports until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			tr, err := hidraw.Open(args[0],
				hidraw.WithReportFunc(func(report []byte) error {
					fmt.Fprintln(out, hex.EncodeToString(report))
					return nil
				}),
			)
			if err != nil {
				return err
			}
			defer tr.Close()
			if err := tr.StartReader(); err != nil {
				return err
			}
			<-cmd.Context().Done()
			tr.StopReader()
			return nil
		},
	}
}

func parseReportNumber(s string) (uint8, error) {
	n, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid report number %q: %w", s, err)
	}
	return uint8(n), nil
}
